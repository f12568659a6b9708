package txn

import (
	"context"
	"errors"
	"testing"

	"DTX/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateTxRegistersPending(t *testing.T) {
	conn := testConn()
	ctx := context.Background()
	xid, err := createTx(ctx, conn)
	require.NoError(t, err)
	require.NotEmpty(t, xid)

	rec, err := conn.GetTx(ctx, xid)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, store.StatusPending, rec.Status)
	assert.False(t, rec.Timestamp.IsZero())
}

func TestWriteIntentInsertConflict(t *testing.T) {
	conn := testConn()
	ctx := context.Background()
	xid1, err := createTx(ctx, conn)
	require.NoError(t, err)
	xid2, err := createTx(ctx, conn)
	require.NoError(t, err)

	require.NoError(t, writeIntent(ctx, conn, xid1, "t", "k", "", "v1"))
	// a second blind insert on the same key loses.
	err = writeIntent(ctx, conn, xid2, "t", "k", "", "v2")
	var conflict *OptimisticLockFailure
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, xid2, conflict.Xid)
}

func TestWriteIntentStalePredicate(t *testing.T) {
	conn := testConn()
	ctx := context.Background()
	xid, err := createTx(ctx, conn)
	require.NoError(t, err)
	require.NoError(t, writeIntent(ctx, conn, xid, "t", "k", "", "v1"))

	err = writeIntent(ctx, conn, xid, "t", "k", "some-other-xid", "v2")
	var conflict *OptimisticLockFailure
	require.True(t, errors.As(err, &conflict))
	// the losing attempt changed nothing.
	rec, err := conn.Get(ctx, "t", "k")
	require.NoError(t, err)
	assert.Equal(t, xid, rec.Xid)
	assert.Equal(t, "v1", rec.Intent)
}

func TestReadResolvesCommittedIntent(t *testing.T) {
	conn := testConn()
	ctx := context.Background()
	xid, err := createTx(ctx, conn)
	require.NoError(t, err)
	require.NoError(t, writeIntent(ctx, conn, xid, "t", "k", "", "v1"))
	committed, err := commitTx(ctx, conn, xid, map[string][]string{"t": {"k"}})
	require.NoError(t, err)
	require.True(t, committed)

	// the intent is still outstanding; the reader promotes it.
	observed, value, has, err := readResolved(ctx, conn, "t", "k")
	require.NoError(t, err)
	assert.Equal(t, xid, observed)
	assert.True(t, has)
	assert.Equal(t, "v1", value)

	rec, err := conn.Get(ctx, "t", "k")
	require.NoError(t, err)
	assert.Nil(t, rec.Intent)
	assert.Equal(t, "v1", rec.Value)
}

func TestReadAbortsPendingForeignIntent(t *testing.T) {
	conn := testConn()
	ctx := context.Background()
	// a client that wrote an intent and vanished.
	xid, err := createTx(ctx, conn)
	require.NoError(t, err)
	require.NoError(t, writeIntent(ctx, conn, xid, "t", "k", "", "v1"))

	observed, _, has, err := readResolved(ctx, conn, "t", "k")
	require.NoError(t, err)
	assert.Equal(t, xid, observed)
	assert.False(t, has)

	rec, err := conn.GetTx(ctx, xid)
	require.NoError(t, err)
	assert.Equal(t, store.StatusAborted, rec.Status)
	row, err := conn.Get(ctx, "t", "k")
	require.NoError(t, err)
	assert.Nil(t, row.Intent)
	assert.Nil(t, row.Value)
}

func TestReadTreatsMissingRegistryAsAborted(t *testing.T) {
	conn := testConn()
	ctx := context.Background()
	// an intent tagged with an xid that has no registry record.
	require.NoError(t, conn.Insert(ctx, "t", &store.DataRecord{ID: "k", Xid: "ghost", Intent: "v1"}))

	_, _, has, err := readResolved(ctx, conn, "t", "k")
	require.NoError(t, err)
	assert.False(t, has)
	row, err := conn.Get(ctx, "t", "k")
	require.NoError(t, err)
	assert.Nil(t, row.Intent)
}

func TestAbortTxConventions(t *testing.T) {
	conn := testConn()
	ctx := context.Background()

	// absence counts as aborted.
	ok, err := abortTx(ctx, conn, "never-created")
	require.NoError(t, err)
	assert.True(t, ok)

	// pending flips to aborted, repeat abort stays true.
	xid, err := createTx(ctx, conn)
	require.NoError(t, err)
	ok, err = abortTx(ctx, conn, xid)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = abortTx(ctx, conn, xid)
	require.NoError(t, err)
	assert.True(t, ok)

	// committed refuses to abort.
	xid2, err := createTx(ctx, conn)
	require.NoError(t, err)
	committed, err := commitTx(ctx, conn, xid2, nil)
	require.NoError(t, err)
	require.True(t, committed)
	ok, err = abortTx(ctx, conn, xid2)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCommitTxSecondActorLoses(t *testing.T) {
	conn := testConn()
	ctx := context.Background()
	xid, err := createTx(ctx, conn)
	require.NoError(t, err)

	ok, err := abortTx(ctx, conn, xid)
	require.NoError(t, err)
	require.True(t, ok)

	committed, err := commitTx(ctx, conn, xid, nil)
	require.NoError(t, err)
	assert.False(t, committed)
}

func TestFinalizationIdempotent(t *testing.T) {
	conn := testConn()
	ctx := context.Background()
	xid, err := createTx(ctx, conn)
	require.NoError(t, err)
	require.NoError(t, writeIntent(ctx, conn, xid, "t", "k", "", "v1"))
	committed, err := commitTx(ctx, conn, xid, map[string][]string{"t": {"k"}})
	require.NoError(t, err)
	require.True(t, committed)

	for i := 0; i < 3; i++ {
		require.NoError(t, clearIntents(ctx, conn, xid, true, "t", []string{"k"}))
		rec, err := conn.Get(ctx, "t", "k")
		require.NoError(t, err)
		assert.Nil(t, rec.Intent)
		assert.Equal(t, "v1", rec.Value)
	}
	// the read-side resolver reaches the same state.
	_, value, has, err := readResolved(ctx, conn, "t", "k")
	require.NoError(t, err)
	assert.True(t, has)
	assert.Equal(t, "v1", value)
}

func TestClearSkipsForeignIntent(t *testing.T) {
	conn := testConn()
	ctx := context.Background()
	xid1, err := createTx(ctx, conn)
	require.NoError(t, err)
	require.NoError(t, writeIntent(ctx, conn, xid1, "t", "k", "", "v1"))

	// a sweep by some other transaction must not touch xid1's intent.
	require.NoError(t, clearIntents(ctx, conn, "other-xid", false, "t", []string{"k"}))
	rec, err := conn.Get(ctx, "t", "k")
	require.NoError(t, err)
	assert.Equal(t, "v1", rec.Intent)
}
