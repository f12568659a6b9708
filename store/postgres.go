package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"DTX/configs"
	"github.com/goccy/go-json"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

// SQLStore a PostgreSQL backend holding one relation per table with the
// document fields as JSONB columns. A conditional update compiles the
// predicate into the WHERE clause of a single UPDATE, which the server
// applies atomically against one row. The cluster is single-primary, so
// every read trivially observes the majority state.
type SQLStore struct {
	pool *pgxpool.Pool
}

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func newPostgresStore(ctx context.Context) (*SQLStore, error) {
	config, err := pgxpool.ParseConfig(configs.PostgresLink)
	if err != nil {
		return nil, err
	}
	config.MaxConns = configs.MaxConnections
	pool, err := pgxpool.ConnectConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	c := &SQLStore{pool: pool}
	if err = c.ensureRegistry(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return c, nil
}

func (c *SQLStore) ensureRegistry(ctx context.Context) error {
	_, err := c.pool.Exec(ctx, fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (id TEXT PRIMARY KEY, status TEXT NOT NULL, ts TIMESTAMPTZ NOT NULL DEFAULT now(), changes JSONB)",
		configs.TxnTableName))
	return err
}

func checkTableName(table string) error {
	if !tableNamePattern.MatchString(table) || table == configs.TxnTableName {
		return fmt.Errorf("invalid table name %q", table)
	}
	return nil
}

func (c *SQLStore) EnsureTable(ctx context.Context, table string) error {
	if err := checkTableName(table); err != nil {
		return err
	}
	_, err := c.pool.Exec(ctx, fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (id TEXT PRIMARY KEY, xid TEXT NOT NULL, intent JSONB, value JSONB)", table))
	return err
}

func marshalDoc(doc interface{}) (interface{}, error) {
	if doc == nil {
		return nil, nil
	}
	byt, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return byt, nil
}

func unmarshalDoc(raw []byte) (interface{}, error) {
	if raw == nil {
		return nil, nil
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (c *SQLStore) scanRecord(row pgx.Row, key string) (*DataRecord, error) {
	rec := &DataRecord{ID: key}
	var intent, value []byte
	if err := row.Scan(&rec.Xid, &intent, &value); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	var err error
	if rec.Intent, err = unmarshalDoc(intent); err != nil {
		return nil, err
	}
	if rec.Value, err = unmarshalDoc(value); err != nil {
		return nil, err
	}
	return rec, nil
}

func (c *SQLStore) Get(ctx context.Context, table, key string) (*DataRecord, error) {
	if err := checkTableName(table); err != nil {
		return nil, err
	}
	row := c.pool.QueryRow(ctx, fmt.Sprintf("SELECT xid, intent, value FROM %s WHERE id = $1", table), key)
	return c.scanRecord(row, key)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (c *SQLStore) Insert(ctx context.Context, table string, rec *DataRecord) error {
	if err := checkTableName(table); err != nil {
		return err
	}
	intent, err := marshalDoc(rec.Intent)
	if err != nil {
		return err
	}
	value, err := marshalDoc(rec.Value)
	if err != nil {
		return err
	}
	_, err = c.pool.Exec(ctx, fmt.Sprintf("INSERT INTO %s (id, xid, intent, value) VALUES ($1, $2, $3, $4)", table),
		rec.ID, rec.Xid, intent, value)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (c *SQLStore) Update(ctx context.Context, table, key string, cond Cond, mut Mut, returnNew bool) (*UpdateResult, error) {
	if err := checkTableName(table); err != nil {
		return nil, err
	}
	where := "id = $1"
	args := []interface{}{key}
	if cond.XidEq != "" {
		args = append(args, cond.XidEq)
		where += fmt.Sprintf(" AND xid = $%d", len(args))
	}
	if cond.IntentSet {
		where += " AND intent IS NOT NULL"
	}
	var set string
	switch {
	case mut.SetXid != "":
		intent, err := marshalDoc(mut.SetIntent)
		if err != nil {
			return nil, err
		}
		args = append(args, mut.SetXid)
		set = fmt.Sprintf("xid = $%d", len(args))
		args = append(args, intent)
		set += fmt.Sprintf(", intent = $%d", len(args))
	case mut.PromoteIntent:
		set = "value = intent, intent = NULL"
	default:
		set = "intent = NULL"
	}
	tag, err := c.pool.Exec(ctx, fmt.Sprintf("UPDATE %s SET %s WHERE %s", table, set, where), args...)
	if err != nil {
		return nil, err
	}
	res := &UpdateResult{}
	if tag.RowsAffected() == 1 {
		res.Replaced = 1
		if returnNew {
			res.NewData, err = c.Get(ctx, table, key)
		}
		return res, err
	}
	cur, err := c.Get(ctx, table, key)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		res.Skipped = 1
		return res, nil
	}
	res.Unchanged = 1
	if returnNew {
		res.NewData = cur
	}
	return res, nil
}

func (c *SQLStore) GetTx(ctx context.Context, xid string) (*TxRecord, error) {
	rec := &TxRecord{ID: xid}
	var changes []byte
	err := c.pool.QueryRow(ctx, fmt.Sprintf("SELECT status, ts, changes FROM %s WHERE id = $1", configs.TxnTableName), xid).
		Scan(&rec.Status, &rec.Timestamp, &changes)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if changes != nil {
		if err := json.Unmarshal(changes, &rec.Changes); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

func (c *SQLStore) InsertTx(ctx context.Context, rec *TxRecord) error {
	// ts is stamped by the server default.
	_, err := c.pool.Exec(ctx, fmt.Sprintf("INSERT INTO %s (id, status) VALUES ($1, $2)", configs.TxnTableName),
		rec.ID, rec.Status)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (c *SQLStore) UpdateTx(ctx context.Context, xid string, cond Cond, mut Mut, returnNew bool) (*UpdateResult, error) {
	where := "id = $1"
	args := []interface{}{xid}
	if cond.StatusEq != "" {
		args = append(args, cond.StatusEq)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}
	args = append(args, mut.SetStatus)
	set := fmt.Sprintf("status = $%d", len(args))
	if mut.SetChanges != nil {
		changes, err := marshalDoc(mut.SetChanges)
		if err != nil {
			return nil, err
		}
		args = append(args, changes)
		set += fmt.Sprintf(", changes = $%d", len(args))
	}
	tag, err := c.pool.Exec(ctx, fmt.Sprintf("UPDATE %s SET %s WHERE %s", configs.TxnTableName, set, where), args...)
	if err != nil {
		return nil, err
	}
	res := &UpdateResult{}
	if tag.RowsAffected() == 1 {
		res.Replaced = 1
		if returnNew {
			res.NewTx, err = c.GetTx(ctx, xid)
		}
		return res, err
	}
	cur, err := c.GetTx(ctx, xid)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		res.Skipped = 1
		return res, nil
	}
	res.Unchanged = 1
	if returnNew {
		res.NewTx = cur
	}
	return res, nil
}

func (c *SQLStore) CountTx(ctx context.Context, status string) (int, error) {
	var n int
	err := c.pool.QueryRow(ctx, fmt.Sprintf("SELECT count(*) FROM %s WHERE status = $1", configs.TxnTableName), status).Scan(&n)
	return n, err
}

func (c *SQLStore) Reset(ctx context.Context, tables ...string) error {
	for _, name := range tables {
		if err := c.EnsureTable(ctx, name); err != nil {
			return err
		}
		if _, err := c.pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s", name)); err != nil {
			return err
		}
	}
	_, err := c.pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s", configs.TxnTableName))
	return err
}

func (c *SQLStore) Close(ctx context.Context) error {
	c.pool.Close()
	return nil
}
