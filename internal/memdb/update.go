package memdb

import (
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func isUpdateDoc(d bson.D) bool {
	return len(d) > 0 && strings.HasPrefix(d[0].Key, "$")
}

// applyUpdate mutates doc in place. inserting enables $setOnInsert.
func applyUpdate(doc bson.M, update bson.D, inserting bool) error {
	for _, op := range update {
		fields, ok := op.Value.(bson.D)
		if !ok {
			return fmt.Errorf("memdb: %s needs a document", op.Key)
		}
		for _, f := range fields {
			if f.Key == "_id" && op.Key != "$setOnInsert" && !inserting {
				if cur, ok := doc["_id"]; ok && !equal(cur, f.Value) {
					return immutableIDError()
				}
			}
			switch op.Key {
			case "$set":
				set(doc, f.Key, f.Value)
			case "$setOnInsert":
				if inserting {
					set(doc, f.Key, f.Value)
				}
			case "$unset":
				unset(doc, f.Key)
			case "$inc":
				cur, _ := get(doc, f.Key)
				a, _ := scalar(cur).(float64)
				b, ok := scalar(f.Value).(float64)
				if !ok {
					return fmt.Errorf("memdb: $inc on %s needs a number", f.Key)
				}
				set(doc, f.Key, a+b)
			case "$addToSet", "$push":
				if err := appendValues(doc, f, op.Key == "$addToSet"); err != nil {
					return err
				}
			default:
				return fmt.Errorf("memdb: unsupported update operator %s", op.Key)
			}
		}
	}
	return nil
}

func appendValues(doc bson.M, f bson.E, unique bool) error {
	items := []any{f.Value}
	if mods, ok := f.Value.(bson.D); ok && len(mods) > 0 && mods[0].Key == "$each" {
		each, ok := mods[0].Value.(bson.A)
		if !ok {
			return fmt.Errorf("memdb: $each on %s needs an array", f.Key)
		}
		items = each
	}

	var current []any
	if cur, ok := get(doc, f.Key); ok && cur != nil {
		arr, ok := cur.([]any)
		if !ok {
			return fmt.Errorf("memdb: cannot append to non-array field %s", f.Key)
		}
		current = arr
	}
	for _, item := range items {
		if unique && contains(current, item) {
			continue
		}
		current = append(current, plain(item))
	}
	if current == nil {
		current = []any{}
	}
	set(doc, f.Key, current)
	return nil
}

func contains(list []any, v any) bool {
	for _, el := range list {
		if equal(el, v) {
			return true
		}
	}
	return false
}

// seedFromFilter builds the base document an upsert starts from: every
// top level equality clause of the filter.
func seedFromFilter(filter bson.D) bson.M {
	doc := bson.M{}
	for _, e := range filter {
		if strings.HasPrefix(e.Key, "$") {
			continue
		}
		if ops, ok := operatorDoc(e.Value); ok {
			if len(ops) == 1 && ops[0].Key == "$eq" {
				set(doc, e.Key, ops[0].Value)
			}
			continue
		}
		set(doc, e.Key, e.Value)
	}
	return doc
}

func ensureID(doc bson.M) any {
	if id, ok := doc["_id"]; ok {
		return id
	}
	id := primitive.NewObjectID()
	doc["_id"] = id
	return id
}
