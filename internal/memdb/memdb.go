// Package memdb is an in-memory stand-in for a MongoDB database. It speaks
// the same driver types as pkg/mongodb so adapters can be exercised without a
// server. Only the query, update and pipeline operators the adapters use are
// supported; anything else returns an error.
package memdb

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/clevi/pricestore/pkg/mongodb"
)

const (
	codeDuplicateKey     = 11000
	codeValidationFailed = 121
	codeImmutableField   = 66
	codeCommandNotFound  = 59
	codeNamespaceExists  = 48
)

// CommandFunc answers a RunCommand call.
type CommandFunc func(cmd bson.D) (bson.M, error)

// Database is a process-local document database.
type Database struct {
	mu          sync.Mutex
	name        string
	collections map[string]*collection
	commands    map[string]CommandFunc
}

type collection struct {
	docs    []bson.M
	created bool
	opts    *options.CreateCollectionOptions
	indexes []mongo.IndexModel
	reject  func(bson.M) bool
}

var _ mongodb.Database = (*Database)(nil)

// New returns an empty database.
func New(name string) *Database {
	return &Database{
		name:        name,
		collections: map[string]*collection{},
		commands:    map[string]CommandFunc{},
	}
}

func (d *Database) Name() string {
	return d.name
}

func (d *Database) Collection(name string) mongodb.Collection {
	return &Collection{db: d, name: name}
}

func (d *Database) HasCollection(_ context.Context, name string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.collections[name]
	return ok && c.created, nil
}

func (d *Database) CreateCollection(_ context.Context, name string, opts ...*options.CreateCollectionOptions) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.state(name)
	if c.created {
		return mongo.CommandError{Code: codeNamespaceExists, Name: "NamespaceExists", Message: "Collection " + d.name + "." + name + " already exists."}
	}
	c.created = true
	c.opts = options.MergeCreateCollectionOptions(opts...)
	return nil
}

// RunCommand dispatches on the first key of cmd to a registered handler.
func (d *Database) RunCommand(_ context.Context, cmd any) *mongo.SingleResult {
	doc, err := toD(cmd)
	if err != nil {
		return mongo.NewSingleResultFromDocument(bson.D{}, err, nil)
	}
	if len(doc) == 0 {
		return mongo.NewSingleResultFromDocument(bson.D{}, fmt.Errorf("memdb: empty command"), nil)
	}
	d.mu.Lock()
	fn, ok := d.commands[doc[0].Key]
	d.mu.Unlock()
	if !ok {
		return mongo.NewSingleResultFromDocument(bson.D{}, mongo.CommandError{
			Code:    codeCommandNotFound,
			Name:    "CommandNotFound",
			Message: "no such command: '" + doc[0].Key + "'",
		}, nil)
	}
	res, err := fn(doc)
	if err != nil {
		return mongo.NewSingleResultFromDocument(bson.D{}, err, nil)
	}
	return mongo.NewSingleResultFromDocument(res, nil, nil)
}

// HandleCommand registers fn for commands whose first key is name.
func (d *Database) HandleCommand(name string, fn CommandFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commands[name] = fn
}

// RejectWrites makes every write whose resulting document satisfies match
// fail with a document validation error. A nil match clears the rule.
func (d *Database) RejectWrites(name string, match func(doc bson.M) bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state(name).reject = match
}

// Documents returns a copy of the stored documents in insertion order.
func (d *Database) Documents(name string) []bson.M {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.collections[name]
	if !ok {
		return nil
	}
	out := make([]bson.M, 0, len(c.docs))
	for _, doc := range c.docs {
		out = append(out, cloneDoc(doc))
	}
	return out
}

// CollectionOptions returns the options a collection was created with.
func (d *Database) CollectionOptions(name string) *options.CreateCollectionOptions {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.collections[name]; ok {
		return c.opts
	}
	return nil
}

// Indexes returns every index model created on a collection.
func (d *Database) Indexes(name string) []mongo.IndexModel {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.collections[name]; ok {
		return append([]mongo.IndexModel(nil), c.indexes...)
	}
	return nil
}

// state returns the named collection, creating it implicitly like the server
// does on first write. Callers hold d.mu.
func (d *Database) state(name string) *collection {
	c, ok := d.collections[name]
	if !ok {
		c = &collection{}
		d.collections[name] = c
	}
	return c
}

// Collection implements mongodb.Collection over a Database.
type Collection struct {
	db   *Database
	name string
}

func (c *Collection) Name() string {
	return c.name
}

func (c *Collection) snapshot(filter any) ([]bson.M, error) {
	f, err := toD(filter)
	if err != nil {
		return nil, err
	}
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	state, ok := c.db.collections[c.name]
	if !ok {
		return nil, nil
	}
	out := make([]bson.M, 0, len(state.docs))
	for _, doc := range state.docs {
		hit, err := matches(doc, f)
		if err != nil {
			return nil, err
		}
		if hit {
			out = append(out, cloneDoc(doc))
		}
	}
	return out, nil
}

func (c *Collection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) *mongo.SingleResult {
	merged := options.MergeFindOneOptions(opts...)
	find := options.Find().SetLimit(1)
	if merged.Sort != nil {
		find.SetSort(merged.Sort)
	}
	if merged.Projection != nil {
		find.SetProjection(merged.Projection)
	}
	if merged.Skip != nil {
		find.SetSkip(*merged.Skip)
	}
	docs, err := c.find(filter, find)
	if err != nil {
		return mongo.NewSingleResultFromDocument(bson.D{}, err, nil)
	}
	if len(docs) == 0 {
		return mongo.NewSingleResultFromDocument(bson.D{}, mongo.ErrNoDocuments, nil)
	}
	return mongo.NewSingleResultFromDocument(docs[0], nil, nil)
}

func (c *Collection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (*mongo.Cursor, error) {
	docs, err := c.find(filter, options.MergeFindOptions(opts...))
	if err != nil {
		return nil, err
	}
	return cursor(docs)
}

func (c *Collection) find(filter any, opts *options.FindOptions) ([]bson.M, error) {
	docs, err := c.snapshot(filter)
	if err != nil {
		return nil, err
	}
	if opts.Sort != nil {
		spec, err := toD(opts.Sort)
		if err != nil {
			return nil, err
		}
		sortDocs(docs, spec)
	}
	if opts.Skip != nil {
		docs = docs[min(int(*opts.Skip), len(docs)):]
	}
	if opts.Limit != nil && *opts.Limit > 0 && int(*opts.Limit) < len(docs) {
		docs = docs[:int(*opts.Limit)]
	}
	if opts.Projection != nil {
		spec, err := toD(opts.Projection)
		if err != nil {
			return nil, err
		}
		docs = project(docs, spec)
	}
	return docs, nil
}

func (c *Collection) Aggregate(ctx context.Context, pipeline any, opts ...*options.AggregateOptions) (*mongo.Cursor, error) {
	stages, err := toArray(pipeline)
	if err != nil {
		return nil, err
	}
	docs, err := c.snapshot(bson.D{})
	if err != nil {
		return nil, err
	}
	out, err := runPipeline(docs, stages)
	if err != nil {
		return nil, err
	}
	return cursor(out)
}

func (c *Collection) Distinct(ctx context.Context, field string, filter any, opts ...*options.DistinctOptions) ([]any, error) {
	docs, err := c.snapshot(filter)
	if err != nil {
		return nil, err
	}
	out := []any{}
	for _, doc := range docs {
		vals, ok := lookup(doc, field)
		if !ok {
			continue
		}
		for _, v := range expand(vals) {
			if !contains(out, v) {
				out = append(out, v)
			}
		}
	}
	return out, nil
}

func (c *Collection) InsertMany(ctx context.Context, docs []any, opts ...*options.InsertManyOptions) (*mongo.InsertManyResult, error) {
	if len(docs) == 0 {
		return nil, mongo.ErrEmptySlice
	}
	merged := options.MergeInsertManyOptions(opts...)
	ordered := merged.Ordered == nil || *merged.Ordered

	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	state := c.db.state(c.name)
	state.created = true

	res := &mongo.InsertManyResult{}
	var failures []mongo.BulkWriteError
	for i, raw := range docs {
		if err := c.insertLocked(state, raw, res); err != nil {
			we, ok := err.(mongo.WriteError)
			if !ok {
				return res, err
			}
			we.Index = i
			failures = append(failures, mongo.BulkWriteError{WriteError: we})
			if ordered {
				break
			}
		}
	}
	if len(failures) > 0 {
		return res, mongo.BulkWriteException{WriteErrors: failures}
	}
	return res, nil
}

func (c *Collection) insertLocked(state *collection, raw any, res *mongo.InsertManyResult) error {
	d, err := toD(raw)
	if err != nil {
		return err
	}
	doc := plainDoc(d)
	id := ensureID(doc)
	if err := c.checkLocked(state, doc, -1); err != nil {
		return err
	}
	state.docs = append(state.docs, doc)
	if res != nil {
		res.InsertedIDs = append(res.InsertedIDs, id)
	}
	return nil
}

// checkLocked enforces _id uniqueness and injected rejections. skip is the
// position of the document being replaced, or -1.
func (c *Collection) checkLocked(state *collection, doc bson.M, skip int) error {
	if state.reject != nil && state.reject(doc) {
		return mongo.WriteError{Code: codeValidationFailed, Message: "Document failed validation"}
	}
	for i, existing := range state.docs {
		if i != skip && equal(existing["_id"], doc["_id"]) {
			return mongo.WriteError{
				Code:    codeDuplicateKey,
				Message: fmt.Sprintf("E11000 duplicate key error collection: %s.%s index: _id_ dup key: { _id: %v }", c.db.name, c.name, doc["_id"]),
			}
		}
	}
	return nil
}

func immutableIDError() error {
	return mongo.WriteError{Code: codeImmutableField, Message: "Performing an update on the path '_id' would modify the immutable field '_id'"}
}

type writeOutcome struct {
	matched  int64
	modified int64
	upserted any
	deleted  int64
}

func (c *Collection) UpdateOne(ctx context.Context, filter, update any, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error) {
	merged := options.MergeUpdateOptions(opts...)
	upsert := merged.Upsert != nil && *merged.Upsert

	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	state := c.db.state(c.name)
	state.created = true
	out, err := c.updateLocked(state, filter, update, upsert, false)
	if err != nil {
		if we, ok := err.(mongo.WriteError); ok {
			return nil, mongo.WriteException{WriteErrors: mongo.WriteErrors{we}}
		}
		return nil, err
	}
	res := &mongo.UpdateResult{MatchedCount: out.matched, ModifiedCount: out.modified}
	if out.upserted != nil {
		res.UpsertedCount = 1
		res.UpsertedID = out.upserted
	}
	return res, nil
}

// updateLocked applies an update or, when replace is set, a replacement to
// the first matching document.
func (c *Collection) updateLocked(state *collection, filter, update any, upsert, replace bool) (writeOutcome, error) {
	f, err := toD(filter)
	if err != nil {
		return writeOutcome{}, err
	}
	u, err := toD(update)
	if err != nil {
		return writeOutcome{}, err
	}
	if replace && isUpdateDoc(u) {
		return writeOutcome{}, fmt.Errorf("memdb: replacement document must not contain update operators")
	}
	if !replace && !isUpdateDoc(u) {
		return writeOutcome{}, fmt.Errorf("memdb: update document must contain only update operators")
	}

	for i, doc := range state.docs {
		hit, err := matches(doc, f)
		if err != nil {
			return writeOutcome{}, err
		}
		if !hit {
			continue
		}
		next := cloneDoc(doc)
		if replace {
			next = plainDoc(u)
			if id, ok := next["_id"]; ok && !equal(id, doc["_id"]) {
				return writeOutcome{}, immutableIDError()
			}
			next["_id"] = doc["_id"]
		} else if err := applyUpdate(next, u, false); err != nil {
			return writeOutcome{}, err
		}
		if err := c.checkLocked(state, next, i); err != nil {
			return writeOutcome{}, err
		}
		out := writeOutcome{matched: 1}
		if !equal(doc, next) {
			out.modified = 1
		}
		state.docs[i] = next
		return out, nil
	}

	if !upsert {
		return writeOutcome{}, nil
	}
	next := seedFromFilter(f)
	if replace {
		for k, v := range plainDoc(u) {
			next[k] = v
		}
	} else if err := applyUpdate(next, u, true); err != nil {
		return writeOutcome{}, err
	}
	id := ensureID(next)
	if err := c.checkLocked(state, next, -1); err != nil {
		return writeOutcome{}, err
	}
	state.docs = append(state.docs, next)
	return writeOutcome{upserted: id}, nil
}

func (c *Collection) deleteLocked(state *collection, filter any, many bool) (int64, error) {
	f, err := toD(filter)
	if err != nil {
		return 0, err
	}
	kept := state.docs[:0]
	var deleted int64
	for _, doc := range state.docs {
		hit, err := matches(doc, f)
		if err != nil {
			return 0, err
		}
		if hit && (many || deleted == 0) {
			deleted++
			continue
		}
		kept = append(kept, doc)
	}
	state.docs = kept
	return deleted, nil
}

func (c *Collection) BulkWrite(ctx context.Context, models []mongo.WriteModel, opts ...*options.BulkWriteOptions) (*mongo.BulkWriteResult, error) {
	if len(models) == 0 {
		return nil, mongo.ErrEmptySlice
	}
	merged := options.MergeBulkWriteOptions(opts...)
	ordered := merged.Ordered == nil || *merged.Ordered

	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	state := c.db.state(c.name)
	state.created = true

	res := &mongo.BulkWriteResult{UpsertedIDs: map[int64]any{}}
	var failures []mongo.BulkWriteError
	for i, model := range models {
		out, err := c.applyModelLocked(state, model)
		if err != nil {
			we, ok := err.(mongo.WriteError)
			if !ok {
				return res, err
			}
			we.Index = i
			failures = append(failures, mongo.BulkWriteError{WriteError: we, Request: model})
			if ordered {
				break
			}
			continue
		}
		res.MatchedCount += out.matched
		res.ModifiedCount += out.modified
		res.DeletedCount += out.deleted
		if out.upserted != nil {
			res.UpsertedCount++
			res.UpsertedIDs[int64(i)] = out.upserted
		}
		if _, ok := model.(*mongo.InsertOneModel); ok {
			res.InsertedCount++
		}
	}
	if len(failures) > 0 {
		return res, mongo.BulkWriteException{WriteErrors: failures}
	}
	return res, nil
}

func (c *Collection) applyModelLocked(state *collection, model mongo.WriteModel) (writeOutcome, error) {
	switch m := model.(type) {
	case *mongo.InsertOneModel:
		return writeOutcome{}, c.insertLocked(state, m.Document, nil)
	case *mongo.UpdateOneModel:
		return c.updateLocked(state, m.Filter, m.Update, m.Upsert != nil && *m.Upsert, false)
	case *mongo.ReplaceOneModel:
		return c.updateLocked(state, m.Filter, m.Replacement, m.Upsert != nil && *m.Upsert, true)
	case *mongo.DeleteOneModel:
		n, err := c.deleteLocked(state, m.Filter, false)
		return writeOutcome{deleted: n}, err
	case *mongo.DeleteManyModel:
		n, err := c.deleteLocked(state, m.Filter, true)
		return writeOutcome{deleted: n}, err
	}
	return writeOutcome{}, fmt.Errorf("memdb: unsupported write model %T", model)
}

func (c *Collection) DeleteMany(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongo.DeleteResult, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	state, ok := c.db.collections[c.name]
	if !ok {
		return &mongo.DeleteResult{}, nil
	}
	n, err := c.deleteLocked(state, filter, true)
	if err != nil {
		return nil, err
	}
	return &mongo.DeleteResult{DeletedCount: n}, nil
}

func (c *Collection) CreateIndexes(ctx context.Context, models []mongo.IndexModel) ([]string, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	state := c.db.state(c.name)
	state.created = true
	names := make([]string, 0, len(models))
	for _, m := range models {
		keys, err := toD(m.Keys)
		if err != nil {
			return nil, err
		}
		name := indexName(keys)
		if m.Options != nil && m.Options.Name != nil {
			name = *m.Options.Name
		}
		names = append(names, name)
		if !hasIndex(state.indexes, name) {
			state.indexes = append(state.indexes, m)
		}
	}
	return names, nil
}

func indexName(keys bson.D) string {
	parts := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		parts = append(parts, k.Key, fmt.Sprint(k.Value))
	}
	return strings.Join(parts, "_")
}

func hasIndex(models []mongo.IndexModel, name string) bool {
	for _, m := range models {
		keys, err := toD(m.Keys)
		if err != nil {
			continue
		}
		if indexName(keys) == name || (m.Options != nil && m.Options.Name != nil && *m.Options.Name == name) {
			return true
		}
	}
	return false
}

// IndexNames lists the names of the indexes created on a collection.
func (d *Database) IndexNames(name string) []string {
	models := d.Indexes(name)
	out := make([]string, 0, len(models))
	for _, m := range models {
		keys, err := toD(m.Keys)
		if err != nil {
			continue
		}
		out = append(out, indexName(keys))
	}
	sort.Strings(out)
	return out
}

func cursor(docs []bson.M) (*mongo.Cursor, error) {
	items := make([]any, len(docs))
	for i, doc := range docs {
		items[i] = doc
	}
	return mongo.NewCursorFromDocuments(items, nil, nil)
}
