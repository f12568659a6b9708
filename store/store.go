package store

import (
	"context"
	"errors"
	"fmt"

	"DTX/configs"
)

// ErrConflict reported by Insert when a document with the same key already
// exists (conflict policy "error").
var ErrConflict = errors.New("document already exists")

// Conn the document-store surface the transaction protocol runs on. Every
// read uses the strongest read mode the backend offers (majority for
// MongoDB); every conditional update is a single-document atomic step.
// Implementations are safe for use by concurrent sessions.
type Conn interface {
	// Get fetches a user record, nil when absent.
	Get(ctx context.Context, table, key string) (*DataRecord, error)
	// Insert stores a brand-new user record, ErrConflict when the key exists.
	Insert(ctx context.Context, table string, rec *DataRecord) error
	// Update applies mut to the record at key iff cond holds over the current
	// document. With returnNew the post-update document is read back even
	// when the predicate missed (return-changes: always).
	Update(ctx context.Context, table, key string, cond Cond, mut Mut, returnNew bool) (*UpdateResult, error)

	// GetTx fetches a registry record, nil when absent.
	GetTx(ctx context.Context, xid string) (*TxRecord, error)
	// InsertTx stores a fresh registry record, ErrConflict on duplicate xid.
	InsertTx(ctx context.Context, rec *TxRecord) error
	// UpdateTx conditionally flips a registry record.
	UpdateTx(ctx context.Context, xid string, cond Cond, mut Mut, returnNew bool) (*UpdateResult, error)
	// CountTx counts registry records with the given status.
	CountTx(ctx context.Context, status string) (int, error)

	// EnsureTable provisions a user table; test and benchmark tooling only,
	// production schema provisioning belongs to the caller.
	EnsureTable(ctx context.Context, table string) error
	// Reset drops all content of the given user tables and the registry.
	Reset(ctx context.Context, tables ...string) error

	Close(ctx context.Context) error
}

// Open dials a backend selected by store code.
func Open(ctx context.Context, storeType string) (Conn, error) {
	switch storeType {
	case configs.MemStorage:
		return NewMemStore(), nil
	case configs.MongoDB:
		return newMongoStore(ctx)
	case configs.PostgreSQL:
		return newPostgresStore(ctx)
	default:
		return nil, fmt.Errorf("unknown store type %q", storeType)
	}
}
