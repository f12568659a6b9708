package store

import (
	"context"

	"DTX/configs"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
)

// MongoStore a MongoDB backend. The client runs with majority read and
// write concerns so a read observes every acknowledged commit; every
// conditional update is a single filtered FindOneAndUpdate, which the
// server applies atomically against one document.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

func newMongoStore(ctx context.Context) (*MongoStore, error) {
	opts := options.Client().ApplyURI(configs.MongoDBLink).
		SetReadConcern(readconcern.Majority()).
		SetWriteConcern(writeconcern.Majority())
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err = client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, err
	}
	return &MongoStore{client: client, db: client.Database(configs.MongoDBName)}, nil
}

func (c *MongoStore) Get(ctx context.Context, table, key string) (*DataRecord, error) {
	res := &DataRecord{}
	err := c.db.Collection(table).FindOne(ctx, bson.M{"_id": key}).Decode(res)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (c *MongoStore) Insert(ctx context.Context, table string, rec *DataRecord) error {
	_, err := c.db.Collection(table).InsertOne(ctx, rec)
	if mongo.IsDuplicateKeyError(err) {
		return ErrConflict
	}
	return err
}

func dataFilter(key string, cond Cond) bson.M {
	filter := bson.M{"_id": key}
	if cond.XidEq != "" {
		filter["xid"] = cond.XidEq
	}
	if cond.IntentSet {
		filter["intent"] = bson.M{"$ne": nil}
	}
	return filter
}

func dataMutation(mut Mut) interface{} {
	switch {
	case mut.SetXid != "":
		return bson.M{"$set": bson.M{"xid": mut.SetXid, "intent": mut.SetIntent}}
	case mut.PromoteIntent:
		// pipeline form: value reads the pre-update intent atomically.
		return bson.A{bson.M{"$set": bson.M{"value": "$intent", "intent": nil}}}
	default:
		return bson.M{"$set": bson.M{"intent": nil}}
	}
}

func (c *MongoStore) Update(ctx context.Context, table, key string, cond Cond, mut Mut, returnNew bool) (*UpdateResult, error) {
	coll := c.db.Collection(table)
	res := &UpdateResult{}
	after := options.After
	out := &DataRecord{}
	err := coll.FindOneAndUpdate(ctx, dataFilter(key, cond), dataMutation(mut),
		&options.FindOneAndUpdateOptions{ReturnDocument: &after}).Decode(out)
	if err == nil {
		res.Replaced = 1
		if returnNew {
			res.NewData = out
		}
		return res, nil
	}
	if err != mongo.ErrNoDocuments {
		return nil, err
	}
	// the predicate missed or the document is absent; classify with a
	// majority read of the bare key.
	cur := &DataRecord{}
	err = coll.FindOne(ctx, bson.M{"_id": key}).Decode(cur)
	if err == mongo.ErrNoDocuments {
		res.Skipped = 1
		return res, nil
	}
	if err != nil {
		return nil, err
	}
	res.Unchanged = 1
	if returnNew {
		res.NewData = cur
	}
	return res, nil
}

func (c *MongoStore) registry() *mongo.Collection {
	return c.db.Collection(configs.TxnTableName)
}

func (c *MongoStore) GetTx(ctx context.Context, xid string) (*TxRecord, error) {
	res := &TxRecord{}
	err := c.registry().FindOne(ctx, bson.M{"_id": xid}).Decode(res)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (c *MongoStore) InsertTx(ctx context.Context, rec *TxRecord) error {
	_, err := c.registry().InsertOne(ctx, rec)
	if mongo.IsDuplicateKeyError(err) {
		return ErrConflict
	}
	return err
}

func (c *MongoStore) UpdateTx(ctx context.Context, xid string, cond Cond, mut Mut, returnNew bool) (*UpdateResult, error) {
	res := &UpdateResult{}
	filter := bson.M{"_id": xid}
	if cond.StatusEq != "" {
		filter["status"] = cond.StatusEq
	}
	set := bson.M{"status": mut.SetStatus}
	if mut.SetChanges != nil {
		set["changes"] = mut.SetChanges
	}
	after := options.After
	out := &TxRecord{}
	err := c.registry().FindOneAndUpdate(ctx, filter, bson.M{"$set": set},
		&options.FindOneAndUpdateOptions{ReturnDocument: &after}).Decode(out)
	if err == nil {
		res.Replaced = 1
		if returnNew {
			res.NewTx = out
		}
		return res, nil
	}
	if err != mongo.ErrNoDocuments {
		return nil, err
	}
	cur := &TxRecord{}
	err = c.registry().FindOne(ctx, bson.M{"_id": xid}).Decode(cur)
	if err == mongo.ErrNoDocuments {
		res.Skipped = 1
		return res, nil
	}
	if err != nil {
		return nil, err
	}
	res.Unchanged = 1
	if returnNew {
		res.NewTx = cur
	}
	return res, nil
}

func (c *MongoStore) CountTx(ctx context.Context, status string) (int, error) {
	n, err := c.registry().CountDocuments(ctx, bson.M{"status": status})
	return int(n), err
}

// EnsureTable MongoDB creates collections on first write.
func (c *MongoStore) EnsureTable(ctx context.Context, table string) error {
	return nil
}

func (c *MongoStore) Reset(ctx context.Context, tables ...string) error {
	for _, name := range append(tables, configs.TxnTableName) {
		if err := c.db.Collection(name).Drop(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (c *MongoStore) Close(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}
