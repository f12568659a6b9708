package txn

import (
	"context"
	"sort"

	"DTX/configs"
	"DTX/store"
	set "github.com/deckarep/golang-set"
	log "github.com/sirupsen/logrus"
	lock "github.com/viney-shih/go-lock"
)

// Session states, shared with the registry status vocabulary.
const (
	StatePending   = store.StatusPending
	StateCommitted = store.StatusCommitted
	StateAborted   = store.StatusAborted
)

// versionedDoc a cached observation: the document and the xid the record
// carried when this session first read it. That xid is the CAS predicate
// for the session's next write to the key; after a write it becomes the
// session's own xid.
type versionedDoc struct {
	xid string
	doc interface{}
	has bool
}

// Transaction a client-side optimistic transaction. One registry record
// represents it in the store; tentative writes live as intents on the user
// records until commit promotes them or abort clears them. The in-session
// cache freezes each key at its first read, giving the transaction a
// consistent snapshot view. A transaction is a single logical actor; the
// latch serializes accidental concurrent use, it does not make concurrent
// use meaningful.
type Transaction struct {
	latch    lock.Mutex
	ctx      context.Context
	conn     store.Conn
	ownsConn bool
	xid      string
	state    string
	cache    map[string]map[string]*versionedDoc
}

// Begin registers a fresh transaction in the registry and returns the
// pending session.
func Begin(ctx context.Context, conn store.Conn) (*Transaction, error) {
	xid, err := createTx(ctx, conn)
	if err != nil {
		return nil, err
	}
	tx := &Transaction{
		latch: lock.NewCASMutex(),
		ctx:   ctx,
		conn:  conn,
		xid:   xid,
		state: StatePending,
		cache: make(map[string]map[string]*versionedDoc),
	}
	log.WithField("xid", xid).Debug("started transaction")
	return tx, nil
}

// BeginWith opens its own store connection for the transaction; Close
// releases it.
func BeginWith(ctx context.Context, storeType string) (*Transaction, error) {
	conn, err := store.Open(ctx, storeType)
	if err != nil {
		return nil, err
	}
	tx, err := Begin(ctx, conn)
	if err != nil {
		_ = conn.Close(ctx)
		return nil, err
	}
	tx.ownsConn = true
	return tx, nil
}

func (tx *Transaction) Xid() string {
	return tx.xid
}

func (tx *Transaction) State() string {
	tx.latch.Lock()
	defer tx.latch.Unlock()
	return tx.state
}

// Table returns a view of one user table bound to this session.
func (tx *Transaction) Table(name string) *Table {
	return &Table{tx: tx, name: name}
}

// Close releases the connection when the session owns it.
func (tx *Transaction) Close(ctx context.Context) error {
	if !tx.ownsConn {
		return nil
	}
	return tx.conn.Close(ctx)
}

func (tx *Transaction) lookup(table, key string) *versionedDoc {
	docs, ok := tx.cache[table]
	if !ok {
		return nil
	}
	return docs[key]
}

func (tx *Transaction) memoize(table, key string, vd *versionedDoc) {
	docs, ok := tx.cache[table]
	if !ok {
		docs = make(map[string]*versionedDoc)
		tx.cache[table] = docs
	}
	docs[key] = vd
}

// Commit finalizes the transaction. The registry flip is the commit point;
// the intent sweep afterwards is best effort because readers finalize
// lazily too. Losing the flip to a resolver's abort surfaces an
// OptimisticLockFailure after rolling the session back.
func (tx *Transaction) Commit() error {
	tx.latch.Lock()
	defer tx.latch.Unlock()
	return tx.commit()
}

func (tx *Transaction) commit() error {
	if tx.state != StatePending {
		return stateError(tx.state)
	}
	changes := make(map[string][]string)
	for tabName, docs := range tx.cache {
		keys := set.NewSet()
		for key, vd := range docs {
			if vd.xid == tx.xid {
				keys.Add(key)
			}
		}
		if keys.Cardinality() > 0 {
			lst := make([]string, 0, keys.Cardinality())
			for key := range keys.Iter() {
				lst = append(lst, key.(string))
			}
			sort.Strings(lst)
			changes[tabName] = lst
		}
	}
	log.WithFields(log.Fields{"xid": tx.xid, "writes": changes}).Debug("committing transaction")
	committed, err := commitTx(tx.ctx, tx.conn, tx.xid, changes)
	if err != nil {
		return err
	}
	if !committed {
		if err := tx.abort(); err != nil {
			return err
		}
		return &OptimisticLockFailure{Xid: tx.xid}
	}
	tx.state = StateCommitted
	for tabName, keys := range changes {
		if err := clearIntents(tx.ctx, tx.conn, tx.xid, true, tabName, keys); err != nil {
			return err
		}
	}
	return nil
}

// Abort rolls the transaction back. The sweep covers every cached key:
// written keys because their intents must be reversed, read keys harmlessly
// because the conditional no-ops when the intent is gone or owned by
// someone else.
func (tx *Transaction) Abort() error {
	tx.latch.Lock()
	defer tx.latch.Unlock()
	return tx.abort()
}

func (tx *Transaction) abort() error {
	if tx.state != StatePending {
		return stateError(tx.state)
	}
	log.WithField("xid", tx.xid).Debug("aborting transaction")
	aborted, err := abortTx(tx.ctx, tx.conn, tx.xid)
	if err != nil {
		return err
	}
	if !aborted {
		return &OptimisticLockFailure{Xid: tx.xid}
	}
	tx.state = StateAborted
	for tabName, docs := range tx.cache {
		keys := make([]string, 0, len(docs))
		for key := range docs {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		if err := clearIntents(tx.ctx, tx.conn, tx.xid, false, tabName, keys); err != nil {
			return err
		}
	}
	return nil
}

// Table a view of one user table scoped to a session. All operations
// require the session to still be pending.
type Table struct {
	tx   *Transaction
	name string
}

// load consults the cache first, reading through the store (and resolving
// foreign intents) on a miss. Only observations with a value are cached; a
// miss still reports the observed xid so a later write can CAS against it.
func (t *Table) load(key string) (*versionedDoc, error) {
	tx := t.tx
	if tx.state != StatePending {
		return nil, stateError(tx.state)
	}
	if vd := tx.lookup(t.name, key); vd != nil {
		return vd, nil
	}
	xid, doc, has, err := readResolved(tx.ctx, tx.conn, t.name, key)
	if err != nil {
		return nil, err
	}
	// normalize so driver map types never leak into the cache.
	vd := &versionedDoc{xid: xid, doc: store.Normalize(doc), has: has}
	if has {
		tx.memoize(t.name, key, vd)
	}
	return vd, nil
}

func (t *Table) write(key string, old *versionedDoc, doc interface{}) error {
	tx := t.tx
	if tx.state != StatePending {
		return stateError(tx.state)
	}
	norm := store.Normalize(doc)
	if err := writeIntent(tx.ctx, tx.conn, tx.xid, t.name, key, old.xid, norm); err != nil {
		return err
	}
	configs.TxnPrint(tx.xid, "wrote %s:%s", t.name, key)
	tx.memoize(t.name, key, &versionedDoc{xid: tx.xid, doc: norm, has: true})
	return nil
}

// Get returns the document at key, NotFound when absent.
func (t *Table) Get(key string) (interface{}, error) {
	t.tx.latch.Lock()
	defer t.tx.latch.Unlock()
	vd, err := t.load(key)
	if err != nil {
		return nil, err
	}
	if !vd.has {
		return nil, &NotFound{Table: t.name, Key: key}
	}
	return vd.doc, nil
}

// GetOr returns the document at key, or def when absent.
func (t *Table) GetOr(key string, def interface{}) (interface{}, error) {
	t.tx.latch.Lock()
	defer t.tx.latch.Unlock()
	vd, err := t.load(key)
	if err != nil {
		return nil, err
	}
	if !vd.has {
		return def, nil
	}
	return vd.doc, nil
}

// Put writes doc under key. The first touch of a key reads it to fix the
// observed xid the write will CAS against.
func (t *Table) Put(key string, doc interface{}) error {
	t.tx.latch.Lock()
	defer t.tx.latch.Unlock()
	old, err := t.load(key)
	if err != nil {
		return err
	}
	return t.write(key, old, doc)
}

// Update shallow-merges data into the document at key; NotFound when the
// key is absent, UsageError when the stored document is not an object.
func (t *Table) Update(key string, data map[string]interface{}) error {
	t.tx.latch.Lock()
	defer t.tx.latch.Unlock()
	old, err := t.load(key)
	if err != nil {
		return err
	}
	if !old.has {
		return &NotFound{Table: t.name, Key: key}
	}
	base, ok := store.Normalize(old.doc).(map[string]interface{})
	if !ok {
		return &UsageError{Msg: "update requires an object document"}
	}
	for k, v := range data {
		base[k] = v
	}
	return t.write(key, old, base)
}

// WithTransaction runs fn inside a fresh transaction with the
// guaranteed-release idiom: a clean return commits, an error return or a
// panic aborts, and a session fn already finalized is left untouched.
func WithTransaction(ctx context.Context, conn store.Conn, fn func(tx *Transaction) error) error {
	tx, err := Begin(ctx, conn)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			if tx.State() == StatePending {
				if err := tx.Abort(); err != nil {
					log.WithField("xid", tx.xid).WithError(err).Debug("abort on panic failed")
				}
			}
			panic(r)
		}
	}()
	if err := fn(tx); err != nil {
		if tx.State() == StatePending {
			if aerr := tx.Abort(); aerr != nil {
				log.WithField("xid", tx.xid).WithError(aerr).Debug("abort on failure exit failed")
			}
		}
		return err
	}
	if tx.State() == StatePending {
		return tx.Commit()
	}
	return nil
}

// WithStore is WithTransaction over a connection the library opens and
// closes itself.
func WithStore(ctx context.Context, storeType string, fn func(tx *Transaction) error) error {
	conn, err := store.Open(ctx, storeType)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close(ctx) }()
	return WithTransaction(ctx, conn, fn)
}
