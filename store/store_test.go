package store

import (
	"context"
	"testing"

	"DTX/configs"
	"github.com/magiconair/properties/assert"
)

func TestInsertConflictPolicy(t *testing.T) {
	c := NewMemStore()
	ctx := context.Background()
	err := c.Insert(ctx, "t", &DataRecord{ID: "k", Xid: "x1", Intent: "v1"})
	assert.Equal(t, err, nil)
	err = c.Insert(ctx, "t", &DataRecord{ID: "k", Xid: "x2", Intent: "v2"})
	assert.Equal(t, err, ErrConflict)

	rec, err := c.Get(ctx, "t", "k")
	assert.Equal(t, err, nil)
	assert.Equal(t, rec.Xid, "x1")
	assert.Equal(t, rec.Intent, "v1")
}

func TestConditionalUpdateOutcomes(t *testing.T) {
	c := NewMemStore()
	ctx := context.Background()

	// skipped: no document at the key.
	res, err := c.Update(ctx, "t", "k", Cond{XidEq: "x1"}, Mut{ClearIntent: true}, false)
	assert.Equal(t, err, nil)
	assert.Equal(t, res.Skipped, 1)

	err = c.Insert(ctx, "t", &DataRecord{ID: "k", Xid: "x1", Intent: "v1"})
	assert.Equal(t, err, nil)

	// unchanged: the predicate misses.
	res, err = c.Update(ctx, "t", "k", Cond{XidEq: "x2"}, Mut{SetXid: "x2", SetIntent: "v2"}, false)
	assert.Equal(t, err, nil)
	assert.Equal(t, res.Unchanged, 1)
	rec, _ := c.Get(ctx, "t", "k")
	assert.Equal(t, rec.Xid, "x1")

	// replaced: the predicate fires, the record moves to the new owner.
	res, err = c.Update(ctx, "t", "k", Cond{XidEq: "x1"}, Mut{SetXid: "x2", SetIntent: "v2"}, true)
	assert.Equal(t, err, nil)
	assert.Equal(t, res.Replaced, 1)
	assert.Equal(t, res.NewData.Xid, "x2")
	assert.Equal(t, res.NewData.Intent, "v2")
}

func TestPromoteIntent(t *testing.T) {
	c := NewMemStore()
	ctx := context.Background()
	err := c.Insert(ctx, "t", &DataRecord{ID: "k", Xid: "x1", Intent: "v1"})
	assert.Equal(t, err, nil)

	res, err := c.Update(ctx, "t", "k", Cond{XidEq: "x1", IntentSet: true}, Mut{PromoteIntent: true}, true)
	assert.Equal(t, err, nil)
	assert.Equal(t, res.Replaced, 1)
	assert.Equal(t, res.NewData.Intent, nil)
	assert.Equal(t, res.NewData.Value, "v1")

	// the promoted record no longer satisfies the intent predicate.
	res, err = c.Update(ctx, "t", "k", Cond{XidEq: "x1", IntentSet: true}, Mut{PromoteIntent: true}, true)
	assert.Equal(t, err, nil)
	assert.Equal(t, res.Unchanged, 1)
	assert.Equal(t, res.NewData.Value, "v1")
}

func TestRegistryCAS(t *testing.T) {
	c := NewMemStore()
	ctx := context.Background()
	err := c.InsertTx(ctx, &TxRecord{ID: "x1", Status: StatusPending})
	assert.Equal(t, err, nil)
	err = c.InsertTx(ctx, &TxRecord{ID: "x1", Status: StatusPending})
	assert.Equal(t, err, ErrConflict)

	res, err := c.UpdateTx(ctx, "x1", Cond{StatusEq: StatusPending},
		Mut{SetStatus: StatusCommitted, SetChanges: map[string][]string{"t": {"k"}}}, true)
	assert.Equal(t, err, nil)
	assert.Equal(t, res.Replaced, 1)
	assert.Equal(t, res.NewTx.Status, StatusCommitted)

	// terminal states refuse further flips.
	res, err = c.UpdateTx(ctx, "x1", Cond{StatusEq: StatusPending}, Mut{SetStatus: StatusAborted}, true)
	assert.Equal(t, err, nil)
	assert.Equal(t, res.Unchanged, 1)
	assert.Equal(t, res.NewTx.Status, StatusCommitted)

	// absent registry records report skipped.
	res, err = c.UpdateTx(ctx, "ghost", Cond{StatusEq: StatusPending}, Mut{SetStatus: StatusAborted}, true)
	assert.Equal(t, err, nil)
	assert.Equal(t, res.Skipped, 1)
}

func TestCountTxAndReset(t *testing.T) {
	c := NewMemStore()
	ctx := context.Background()
	_ = c.InsertTx(ctx, &TxRecord{ID: "x1", Status: StatusPending})
	_ = c.InsertTx(ctx, &TxRecord{ID: "x2", Status: StatusPending})
	_, _ = c.UpdateTx(ctx, "x2", Cond{StatusEq: StatusPending}, Mut{SetStatus: StatusAborted}, false)

	n, err := c.CountTx(ctx, StatusPending)
	assert.Equal(t, err, nil)
	assert.Equal(t, n, 1)
	n, err = c.CountTx(ctx, StatusAborted)
	assert.Equal(t, err, nil)
	assert.Equal(t, n, 1)

	err = c.Reset(ctx, "t")
	assert.Equal(t, err, nil)
	n, _ = c.CountTx(ctx, StatusAborted)
	assert.Equal(t, n, 0)
}

func TestDocumentsDoNotAliasCallerMemory(t *testing.T) {
	c := NewMemStore()
	ctx := context.Background()
	doc := map[string]interface{}{"a": 1}
	err := c.Insert(ctx, "t", &DataRecord{ID: "k", Xid: "x1", Intent: doc})
	assert.Equal(t, err, nil)
	doc["a"] = 99

	rec, err := c.Get(ctx, "t", "k")
	assert.Equal(t, err, nil)
	obj := rec.Intent.(map[string]interface{})
	assert.Equal(t, obj["a"], float64(1))
}

func TestOpenMemStore(t *testing.T) {
	conn, err := Open(context.Background(), configs.MemStorage)
	assert.Equal(t, err, nil)
	if _, ok := conn.(*MemStore); !ok {
		t.Fatalf("expected a MemStore, got %T", conn)
	}
	_, err = Open(context.Background(), "bogus")
	if err == nil {
		t.Fatal("expected an error for an unknown store type")
	}
}
