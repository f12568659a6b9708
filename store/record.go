package store

import (
	"time"

	"github.com/goccy/go-json"
)

// Transaction registry statuses. A registry record moves pending ->
// {committed, aborted} exactly once; both outcomes are terminal.
const (
	StatusPending   = "pending"
	StatusCommitted = "committed"
	StatusAborted   = "aborted"
)

// DataRecord a user document plus the bookkeeping the optimistic protocol
// needs. Xid tags the transaction that last touched the record. A non-nil
// Intent is a tentative value written by that transaction and not yet
// finalized; nil means Value is authoritative. Value stays nil when the
// record was first touched by a transaction that later aborted.
type DataRecord struct {
	ID     string      `bson:"_id" json:"id"`
	Xid    string      `bson:"xid" json:"xid"`
	Intent interface{} `bson:"intent" json:"intent"`
	Value  interface{} `bson:"value,omitempty" json:"value,omitempty"`
}

// TxRecord one row in the reserved registry table, authoritative for the
// outcome of its transaction. Changes records the per-table written keys at
// commit time; nothing reads it back, it is kept for forensics.
type TxRecord struct {
	ID        string              `bson:"_id" json:"id"`
	Status    string              `bson:"status" json:"status"`
	Timestamp time.Time           `bson:"timestamp" json:"timestamp"`
	Changes   map[string][]string `bson:"changes,omitempty" json:"changes,omitempty"`
}

func (c *DataRecord) String() string {
	byt, _ := json.Marshal(c)
	return string(byt)
}

func (c *TxRecord) String() string {
	byt, _ := json.Marshal(c)
	return string(byt)
}

// Cond the predicate of a conditional update. Zero-valued fields do not
// constrain. The store evaluates the predicate and the mutation as one
// atomic step against the current document.
type Cond struct {
	// XidEq data records: the current xid must equal this value.
	XidEq string
	// IntentSet data records: the intent must be non-nil.
	IntentSet bool
	// StatusEq registry records: the status must equal this value.
	StatusEq string
}

// Mut the mutation applied when the predicate holds. Exactly one of the
// groups below is used per call: (SetXid, SetIntent) installs a new intent,
// ClearIntent finalizes an aborted intent, PromoteIntent finalizes a
// committed one, SetStatus (+SetChanges) flips a registry record.
type Mut struct {
	SetXid        string
	SetIntent     interface{}
	ClearIntent   bool
	PromoteIntent bool
	SetStatus     string
	SetChanges    map[string][]string
}

// UpdateResult mirrors the store's conditional-update accounting: Replaced
// when the predicate fired and the document changed, Unchanged when the
// document exists but the predicate missed, Skipped when there is no
// document at the key. NewData/NewTx carry the post-update document when
// the caller asked for it, regardless of which counter fired.
type UpdateResult struct {
	Replaced  int
	Unchanged int
	Skipped   int
	NewData   *DataRecord
	NewTx     *TxRecord
}

// Normalize deep-copies a document value through JSON so stored documents
// never alias caller memory and behave the same on every backend (numbers
// become float64, structs and driver map types become plain maps).
func Normalize(doc interface{}) interface{} {
	return normalize(doc)
}

func normalize(doc interface{}) interface{} {
	if doc == nil {
		return nil
	}
	byt, err := json.Marshal(doc)
	if err != nil {
		return doc
	}
	var out interface{}
	if err := json.Unmarshal(byt, &out); err != nil {
		return doc
	}
	return out
}

func (c *DataRecord) clone() *DataRecord {
	if c == nil {
		return nil
	}
	return &DataRecord{ID: c.ID, Xid: c.Xid, Intent: normalize(c.Intent), Value: normalize(c.Value)}
}

func (c *TxRecord) clone() *TxRecord {
	if c == nil {
		return nil
	}
	res := &TxRecord{ID: c.ID, Status: c.Status, Timestamp: c.Timestamp}
	if c.Changes != nil {
		res.Changes = make(map[string][]string, len(c.Changes))
		for tab, keys := range c.Changes {
			res.Changes[tab] = append([]string(nil), keys...)
		}
	}
	return res
}
