package store

import (
	"context"
	"sync"
	"time"

	"DTX/locks"
)

// MemStore an in-process backend. Each table is a B-tree primary index
// guarded by a table latch; each record carries its own latch so a
// conditional update evaluates its predicate and applies its mutation as
// one atomic step, the way a real document store executes a conditional
// single-document update. Safe for concurrent sessions.
type MemStore struct {
	mu       sync.Mutex
	tables   map[string]*memTable
	registry map[string]*TxRecord
	regLatch *locks.RWLock
	journal  *LogManager
}

type memTable struct {
	latch *locks.RWLock
	index *BTree
}

type memRecord struct {
	latch *locks.RWLock
	rec   *DataRecord
}

func NewMemStore() *MemStore {
	return &MemStore{
		tables:   make(map[string]*memTable),
		registry: make(map[string]*TxRecord),
		regLatch: locks.NewLocker(),
		journal:  NewLogManager("mem"),
	}
}

func (c *MemStore) table(name string) *memTable {
	c.mu.Lock()
	defer c.mu.Unlock()
	tab, ok := c.tables[name]
	if !ok {
		tab = &memTable{latch: locks.NewLocker(), index: NewBTree(name + "-MainIndex")}
		c.tables[name] = tab
	}
	return tab
}

func (c *MemStore) Get(ctx context.Context, table, key string) (*DataRecord, error) {
	tab := c.table(table)
	tab.latch.RLock()
	row := tab.index.Search(key)
	tab.latch.RUnlock()
	if row == nil {
		return nil, nil
	}
	row.latch.RLock()
	defer row.latch.RUnlock()
	return row.rec.clone(), nil
}

func (c *MemStore) Insert(ctx context.Context, table string, rec *DataRecord) error {
	tab := c.table(table)
	tab.latch.Lock()
	defer tab.latch.Unlock()
	stored := &memRecord{latch: locks.NewLocker(), rec: rec.clone()}
	if err := tab.index.Insert(rec.ID, stored); err != nil {
		return ErrConflict
	}
	c.journal.AppendData(table, stored.rec)
	return nil
}

func (c *MemStore) Update(ctx context.Context, table, key string, cond Cond, mut Mut, returnNew bool) (*UpdateResult, error) {
	tab := c.table(table)
	tab.latch.RLock()
	row := tab.index.Search(key)
	tab.latch.RUnlock()
	res := &UpdateResult{}
	if row == nil {
		res.Skipped = 1
		return res, nil
	}
	row.latch.Lock()
	defer row.latch.Unlock()
	if matchData(row.rec, cond) {
		applyData(row.rec, mut)
		res.Replaced = 1
		c.journal.AppendData(table, row.rec)
	} else {
		res.Unchanged = 1
	}
	if returnNew {
		res.NewData = row.rec.clone()
	}
	return res, nil
}

func matchData(rec *DataRecord, cond Cond) bool {
	if cond.XidEq != "" && rec.Xid != cond.XidEq {
		return false
	}
	if cond.IntentSet && rec.Intent == nil {
		return false
	}
	return true
}

func applyData(rec *DataRecord, mut Mut) {
	switch {
	case mut.SetXid != "":
		rec.Xid = mut.SetXid
		rec.Intent = normalize(mut.SetIntent)
	case mut.PromoteIntent:
		rec.Value = rec.Intent
		rec.Intent = nil
	case mut.ClearIntent:
		rec.Intent = nil
	}
}

func (c *MemStore) GetTx(ctx context.Context, xid string) (*TxRecord, error) {
	c.regLatch.RLock()
	defer c.regLatch.RUnlock()
	return c.registry[xid].clone(), nil
}

func (c *MemStore) InsertTx(ctx context.Context, rec *TxRecord) error {
	c.regLatch.Lock()
	defer c.regLatch.Unlock()
	if _, ok := c.registry[rec.ID]; ok {
		return ErrConflict
	}
	stored := rec.clone()
	// the store process is the server: stamp at apply time.
	stored.Timestamp = time.Now()
	c.registry[rec.ID] = stored
	c.journal.AppendTx(stored)
	return nil
}

func (c *MemStore) UpdateTx(ctx context.Context, xid string, cond Cond, mut Mut, returnNew bool) (*UpdateResult, error) {
	c.regLatch.Lock()
	defer c.regLatch.Unlock()
	res := &UpdateResult{}
	rec, ok := c.registry[xid]
	if !ok {
		res.Skipped = 1
		return res, nil
	}
	if cond.StatusEq == "" || rec.Status == cond.StatusEq {
		rec.Status = mut.SetStatus
		if mut.SetChanges != nil {
			rec.Changes = mut.SetChanges
		}
		res.Replaced = 1
		c.journal.AppendTx(rec)
	} else {
		res.Unchanged = 1
	}
	if returnNew {
		res.NewTx = rec.clone()
	}
	return res, nil
}

func (c *MemStore) CountTx(ctx context.Context, status string) (int, error) {
	c.regLatch.RLock()
	defer c.regLatch.RUnlock()
	cnt := 0
	for _, rec := range c.registry {
		if rec.Status == status {
			cnt++
		}
	}
	return cnt, nil
}

func (c *MemStore) EnsureTable(ctx context.Context, table string) error {
	c.table(table)
	return nil
}

func (c *MemStore) Reset(ctx context.Context, tables ...string) error {
	c.mu.Lock()
	for _, name := range tables {
		delete(c.tables, name)
	}
	c.mu.Unlock()
	c.regLatch.Lock()
	c.registry = make(map[string]*TxRecord)
	c.regLatch.Unlock()
	return nil
}

func (c *MemStore) Close(ctx context.Context) error {
	return c.journal.Close()
}
