package store

import (
	"fmt"
	"sync"

	"DTX/configs"
	"github.com/goccy/go-json"
	"github.com/tidwall/wal"
)

// LogManager journals every applied mutation of the in-process backend so a
// run can be replayed or inspected after the fact. Disabled unless
// configs.UseWAL is set, matching the usual test configuration.
type LogManager struct {
	latch sync.Mutex
	lsn   uint64
	logs  *wal.Log
}

type dataLogEntry struct {
	Table  string      `json:"table"`
	Key    string      `json:"key"`
	Xid    string      `json:"xid"`
	Intent interface{} `json:"intent"`
	Value  interface{} `json:"value"`
}

type txLogEntry struct {
	Xid    string `json:"xid"`
	Status string `json:"status"`
}

func NewLogManager(name string) *LogManager {
	res := &LogManager{}
	if !configs.UseWAL {
		return res
	}
	log, err := wal.Open(fmt.Sprintf("%s/%s", configs.WALDirectory, name), nil)
	if err != nil {
		panic(err)
	}
	res.logs = log
	res.lsn, err = log.LastIndex()
	if err != nil {
		panic(err)
	}
	return res
}

func (lm *LogManager) append(v interface{}) {
	if lm.logs == nil {
		return
	}
	byt, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	lm.latch.Lock()
	defer lm.latch.Unlock()
	lm.lsn++
	if err := lm.logs.Write(lm.lsn, byt); err != nil {
		panic(err)
	}
}

func (lm *LogManager) AppendData(table string, rec *DataRecord) {
	lm.append(&dataLogEntry{Table: table, Key: rec.ID, Xid: rec.Xid, Intent: rec.Intent, Value: rec.Value})
}

func (lm *LogManager) AppendTx(rec *TxRecord) {
	lm.append(&txLogEntry{Xid: rec.ID, Status: rec.Status})
}

func (lm *LogManager) Close() error {
	if lm.logs == nil {
		return nil
	}
	return lm.logs.Close()
}
