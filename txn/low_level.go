package txn

import (
	"context"
	"time"

	"DTX/configs"
	"DTX/store"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// The protocol primitives. Each one is a stateless operation against the
// store; together they form the two-phase structure of a transaction:
// createTx registers it, writeIntent installs tentative values under an
// optimistic-lock predicate, commitTx/abortTx finalize the registry record,
// and clearIntents sweeps the tentative values into place. readResolved is
// the cooperative half: any reader finalizes outstanding intents it meets,
// so a crashed client never wedges a key.

func createTx(ctx context.Context, conn store.Conn) (string, error) {
	xid := uuid.NewString()
	rec := &store.TxRecord{ID: xid, Status: store.StatusPending, Timestamp: time.Now()}
	if err := conn.InsertTx(ctx, rec); err != nil {
		return "", &DatabaseError{Op: "create-tx", Err: err}
	}
	return xid, nil
}

// writeIntent installs doc as the intent of xid on (table, key). priorXid
// is the xid observed when the session first read the key; empty means the
// record did not exist and the write must create it. Either path is a
// single conditional store operation, so losing the race reports an
// optimistic lock failure without having changed anything.
func writeIntent(ctx context.Context, conn store.Conn, xid, table, key, priorXid string, doc interface{}) error {
	if priorXid == "" {
		err := conn.Insert(ctx, table, &store.DataRecord{ID: key, Xid: xid, Intent: doc})
		if err == store.ErrConflict {
			return &OptimisticLockFailure{Xid: xid}
		}
		if err != nil {
			return &DatabaseError{Op: "write", Err: err}
		}
		return nil
	}
	res, err := conn.Update(ctx, table, key,
		store.Cond{XidEq: priorXid},
		store.Mut{SetXid: xid, SetIntent: doc}, false)
	if err != nil {
		return &DatabaseError{Op: "write", Err: err}
	}
	if res.Replaced != 1 {
		return &OptimisticLockFailure{Xid: xid}
	}
	return nil
}

// readResolved fetches (table, key) and finalizes any outstanding intent it
// finds before returning: a pending foreign transaction is aborted (crash
// recovery), an aborted intent is cleared, a committed intent is promoted
// into the value. Returns the observed xid, the committed value, and
// whether a value is present at all.
func readResolved(ctx context.Context, conn store.Conn, table, key string) (string, interface{}, bool, error) {
	rec, err := conn.Get(ctx, table, key)
	if err != nil {
		return "", nil, false, &DatabaseError{Op: "read", Err: err}
	}
	if rec == nil {
		return "", nil, false, nil
	}
	for rec.Intent != nil {
		rxid := rec.Xid
		txr, err := conn.GetTx(ctx, rxid)
		if err != nil {
			return "", nil, false, &DatabaseError{Op: "read", Err: err}
		}
		// a missing registry record counts as aborted.
		status := store.StatusAborted
		if txr != nil {
			status = txr.Status
		}
		if status == store.StatusPending {
			aborted, err := abortTx(ctx, conn, rxid)
			if err != nil {
				return "", nil, false, err
			}
			if !aborted {
				// lost the race against the owner's commit; re-read the
				// registry and finalize on the authoritative outcome.
				configs.Warn(aborted, "transaction %s raced to commit before abort, re-reading registry", rxid)
				time.Sleep(configs.ResolveRetryInterval)
				continue
			}
			log.WithField("xid", rxid).Debug("aborted stale pending transaction")
			status = store.StatusAborted
		}
		mut := store.Mut{ClearIntent: true}
		if status == store.StatusCommitted {
			mut = store.Mut{PromoteIntent: true}
		}
		res, err := conn.Update(ctx, table, key,
			store.Cond{XidEq: rxid, IntentSet: true}, mut, true)
		if err != nil {
			return "", nil, false, &DatabaseError{Op: "read", Err: err}
		}
		if res.NewData == nil {
			// user records are never deleted; an absent record here means
			// the store lost it, surface the fresh state.
			configs.JPrint(res)
			return "", nil, false, nil
		}
		rec = res.NewData
	}
	return rec.Xid, rec.Value, rec.Value != nil, nil
}

// commitTx flips the registry record to committed iff it is still pending.
// A false return means a resolver finalized this transaction first.
func commitTx(ctx context.Context, conn store.Conn, xid string, changes map[string][]string) (bool, error) {
	res, err := conn.UpdateTx(ctx, xid,
		store.Cond{StatusEq: store.StatusPending},
		store.Mut{SetStatus: store.StatusCommitted, SetChanges: changes}, false)
	if err != nil {
		return false, &DatabaseError{Op: "commit-tx", Err: err}
	}
	return res.Replaced == 1, nil
}

// abortTx flips the registry record to aborted iff it is still pending.
// Absence of the record counts as aborted. Returns false only when the
// record is observed committed.
func abortTx(ctx context.Context, conn store.Conn, xid string) (bool, error) {
	res, err := conn.UpdateTx(ctx, xid,
		store.Cond{StatusEq: store.StatusPending},
		store.Mut{SetStatus: store.StatusAborted}, true)
	if err != nil {
		return false, &DatabaseError{Op: "abort-tx", Err: err}
	}
	if res.Skipped == 1 {
		return true, nil
	}
	return res.NewTx != nil && res.NewTx.Status == store.StatusAborted, nil
}

// clearIntents finalizes the intents of xid on the given keys: promoted to
// values when committed, reverted when aborted. Best effort; every reader
// performs the same finalization lazily, so a partial sweep is safe. The
// conditional no-ops on keys another resolver already advanced.
func clearIntents(ctx context.Context, conn store.Conn, xid string, committed bool, table string, keys []string) error {
	mut := store.Mut{ClearIntent: true}
	if committed {
		mut = store.Mut{PromoteIntent: true}
	}
	for _, key := range keys {
		_, err := conn.Update(ctx, table, key,
			store.Cond{XidEq: xid, IntentSet: true}, mut, false)
		if err != nil {
			return &DatabaseError{Op: "clear", Err: err}
		}
	}
	return nil
}
