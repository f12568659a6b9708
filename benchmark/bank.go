package benchmark

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"time"

	"DTX/configs"
	"DTX/store"
	"DTX/txn"
	"DTX/utils"
	"github.com/google/uuid"
)

const AccountsTable = "accounts"

// BankStmt the money-transfer workload: a fixed set of accounts starting at
// balance zero, concurrent clients moving a fixed amount between random
// pairs. Conflicts and store hiccups are swallowed by the clients; whatever
// interleaving happens, the balances must still sum to zero afterwards.
type BankStmt struct {
	conn       store.Conn
	stat       *utils.Stat
	accountIDs []string
	attempts   int64
}

func NewBankStmt(conn store.Conn) *BankStmt {
	return &BankStmt{conn: conn, stat: utils.NewStat()}
}

// Init wipes the tables and seeds the accounts in a single transaction.
func (stmt *BankStmt) Init(ctx context.Context) error {
	if err := stmt.conn.Reset(ctx, AccountsTable); err != nil {
		return err
	}
	if err := stmt.conn.EnsureTable(ctx, AccountsTable); err != nil {
		return err
	}
	stmt.accountIDs = make([]string, 0, configs.NumberOfAccounts)
	return txn.WithTransaction(ctx, stmt.conn, func(tx *txn.Transaction) error {
		accounts := tx.Table(AccountsTable)
		for i := 0; i < configs.NumberOfAccounts; i++ {
			key := uuid.NewString()
			stmt.accountIDs = append(stmt.accountIDs, key)
			doc := map[string]interface{}{"index": i, "balance": 0}
			if err := accounts.Put(key, doc); err != nil {
				return err
			}
		}
		return nil
	})
}

func asBalance(doc interface{}) float64 {
	obj, ok := doc.(map[string]interface{})
	if !ok {
		return 0
	}
	switch v := obj["balance"].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}

func (stmt *BankStmt) transfer(ctx context.Context, fromID, toID string) error {
	amount := float64(configs.TransferAmount)
	return txn.WithTransaction(ctx, stmt.conn, func(tx *txn.Transaction) error {
		accounts := tx.Table(AccountsTable)
		from, err := accounts.Get(fromID)
		if err != nil {
			return err
		}
		to, err := accounts.Get(toID)
		if err != nil {
			return err
		}
		if err := accounts.Update(fromID, map[string]interface{}{"balance": asBalance(from) - amount}); err != nil {
			return err
		}
		return accounts.Update(toID, map[string]interface{}{"balance": asBalance(to) + amount})
	})
}

func (stmt *BankStmt) startBankClient(ctx context.Context, seed int) {
	r := rand.New(rand.NewSource(int64(seed)*11 + 31))
	for i := 0; i < configs.IterationsPerClient; i++ {
		fromIdx := r.Intn(len(stmt.accountIDs))
		toIdx := r.Intn(len(stmt.accountIDs) - 1)
		if toIdx >= fromIdx {
			toIdx++
		}
		atomic.AddInt64(&stmt.attempts, 1)
		begin := time.Now()
		err := stmt.transfer(ctx, stmt.accountIDs[fromIdx], stmt.accountIDs[toIdx])
		info := &utils.Info{Latency: time.Since(begin)}
		var conflict *txn.OptimisticLockFailure
		var dbErr *txn.DatabaseError
		switch {
		case err == nil:
			info.IsCommit = true
		case errors.As(err, &conflict):
			info.Conflicted = true
		case errors.As(err, &dbErr):
			// store availability errors are expected under contention.
			info.Failure = true
		default:
			info.Failure = true
		}
		stmt.stat.Append(info)
	}
	configs.TPrintf("bank client %d finished %d transfers", seed, configs.IterationsPerClient)
}

// Run fans the transfer clients out and waits for all of them.
func (stmt *BankStmt) Run(ctx context.Context) {
	ch := make(chan bool, configs.ClientRoutineNumber)
	for c := 0; c < configs.ClientRoutineNumber; c++ {
		go func(done chan bool, seed int) {
			stmt.startBankClient(ctx, seed)
			done <- true
		}(ch, c)
	}
	for c := 0; c < configs.ClientRoutineNumber; c++ {
		<-ch
	}
}

// TotalBalance reads every account in one fresh transaction and sums the
// balances.
func (stmt *BankStmt) TotalBalance(ctx context.Context) (float64, error) {
	total := 0.0
	err := txn.WithTransaction(ctx, stmt.conn, func(tx *txn.Transaction) error {
		accounts := tx.Table(AccountsTable)
		for _, id := range stmt.accountIDs {
			doc, err := accounts.Get(id)
			if err != nil {
				return err
			}
			total += asBalance(doc)
		}
		return nil
	})
	return total, err
}

func (stmt *BankStmt) Stat() *utils.Stat {
	return stmt.stat
}

// Report prints attempt statistics; the registry outcome counts go through
// configs.DPrintf, so they are printed only when debug output is on.
func (stmt *BankStmt) Report(ctx context.Context) {
	stmt.stat.Log()
	committed, err := stmt.conn.CountTx(ctx, store.StatusCommitted)
	if err != nil {
		return
	}
	aborted, err := stmt.conn.CountTx(ctx, store.StatusAborted)
	if err != nil {
		return
	}
	configs.DPrintf("committed transactions: %d; aborted transactions: %d", committed, aborted)
}
