package benchmark

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"DTX/configs"
	"DTX/store"
	"DTX/txn"
	"DTX/utils"
	"github.com/pingcap/go-ycsb/pkg/generator"
)

const YCSBTable = "YCSB_MAIN"

// YCSBStmt a skewed read/update workload over the transaction API. Keys are
// drawn from a zipfian distribution, so hot keys make optimistic conflicts
// frequent; clients retry nothing and just record outcomes.
type YCSBStmt struct {
	conn store.Conn
	stat *utils.Stat
}

type YCSBClient struct {
	md   int
	from *YCSBStmt
	r    *rand.Rand
	zip  *generator.Zipfian
}

var letters = []rune("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ")

func randSeq(r *rand.Rand, n int) string {
	b := make([]rune, n)
	for i := range b {
		b[i] = letters[r.Intn(len(letters))]
	}
	return string(b)
}

func ycsbKey(i int64) string {
	return fmt.Sprintf("user%08d", i)
}

func NewYCSBStmt(conn store.Conn) *YCSBStmt {
	return &YCSBStmt{conn: conn, stat: utils.NewStat()}
}

// Init wipes and seeds the table with one record per key.
func (stmt *YCSBStmt) Init(ctx context.Context) error {
	if err := stmt.conn.Reset(ctx, YCSBTable); err != nil {
		return err
	}
	if err := stmt.conn.EnsureTable(ctx, YCSBTable); err != nil {
		return err
	}
	for i := 0; i < configs.NumberOfRecordsPerTable; i += configs.TransactionLength * 16 {
		hi := utils.Min(i+configs.TransactionLength*16, configs.NumberOfRecordsPerTable)
		err := txn.WithTransaction(ctx, stmt.conn, func(tx *txn.Transaction) error {
			tab := tx.Table(YCSBTable)
			for j := i; j < hi; j++ {
				doc := map[string]interface{}{"field0": fmt.Sprintf("init-%d", j)}
				if err := tab.Put(ycsbKey(int64(j)), doc); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *YCSBClient) performTransaction(ctx context.Context) {
	begin := time.Now()
	err := txn.WithTransaction(ctx, c.from.conn, func(tx *txn.Transaction) error {
		tab := tx.Table(YCSBTable)
		for i := 0; i < configs.TransactionLength; i++ {
			key := ycsbKey(c.zip.Next(c.r))
			if c.r.Float64() < configs.ReadPercentage {
				if _, err := tab.GetOr(key, nil); err != nil {
					return err
				}
			} else {
				doc := map[string]interface{}{"field0": randSeq(c.r, 5)}
				if err := tab.Put(key, doc); err != nil {
					return err
				}
			}
		}
		return nil
	})
	info := &utils.Info{Latency: time.Since(begin)}
	var conflict *txn.OptimisticLockFailure
	switch {
	case err == nil:
		info.IsCommit = true
	case errors.As(err, &conflict):
		info.Conflicted = true
	default:
		info.Failure = true
	}
	c.from.stat.Append(info)
}

func (stmt *YCSBStmt) startYCSBClient(ctx context.Context, seed int, md int) {
	client := YCSBClient{md: md, from: stmt}
	client.r = rand.New(rand.NewSource(int64(seed)*11 + 31))
	client.zip = generator.NewZipfianWithRange(0, int64(configs.NumberOfRecordsPerTable-2), configs.YCSBDataSkewness)
	for i := 0; i < configs.IterationsPerClient; i++ {
		client.performTransaction(ctx)
	}
	configs.TPrintf("ycsb client %d finished %d transactions", client.md, configs.IterationsPerClient)
}

// Run fans the clients out and waits for all of them.
func (stmt *YCSBStmt) Run(ctx context.Context) {
	ch := make(chan bool, configs.ClientRoutineNumber)
	for c := 0; c < configs.ClientRoutineNumber; c++ {
		go func(done chan bool, seed int) {
			stmt.startYCSBClient(ctx, seed, seed)
			done <- true
		}(ch, c)
	}
	for c := 0; c < configs.ClientRoutineNumber; c++ {
		<-ch
	}
}

func (stmt *YCSBStmt) Stat() *utils.Stat {
	return stmt.stat
}
