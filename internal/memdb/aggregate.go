package memdb

import (
	"fmt"
	"slices"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

func runPipeline(docs []bson.M, pipeline bson.A) ([]bson.M, error) {
	for _, raw := range pipeline {
		stage, ok := raw.(bson.D)
		if !ok || len(stage) != 1 {
			return nil, fmt.Errorf("memdb: pipeline stage must be a single-key document")
		}
		var err error
		switch stage[0].Key {
		case "$match":
			filter, _ := stage[0].Value.(bson.D)
			docs, err = filterDocs(docs, filter)
		case "$sort":
			spec, _ := stage[0].Value.(bson.D)
			sortDocs(docs, spec)
		case "$limit":
			n, ok := scalar(stage[0].Value).(float64)
			if !ok {
				return nil, fmt.Errorf("memdb: $limit needs a number")
			}
			if int(n) < len(docs) {
				docs = docs[:int(n)]
			}
		case "$skip":
			n, ok := scalar(stage[0].Value).(float64)
			if !ok {
				return nil, fmt.Errorf("memdb: $skip needs a number")
			}
			docs = docs[min(int(n), len(docs)):]
		case "$group":
			spec, _ := stage[0].Value.(bson.D)
			docs, err = group(docs, spec)
		case "$project":
			spec, _ := stage[0].Value.(bson.D)
			docs = project(docs, spec)
		default:
			return nil, fmt.Errorf("memdb: unsupported pipeline stage %s", stage[0].Key)
		}
		if err != nil {
			return nil, err
		}
	}
	return docs, nil
}

func filterDocs(docs []bson.M, filter bson.D) ([]bson.M, error) {
	out := make([]bson.M, 0, len(docs))
	for _, doc := range docs {
		ok, err := matches(doc, filter)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, doc)
		}
	}
	return out, nil
}

func sortDocs(docs []bson.M, spec bson.D) {
	if len(spec) == 0 {
		return
	}
	slices.SortStableFunc(docs, func(a, b bson.M) int {
		for _, key := range spec {
			av, aok := get(a, key.Key)
			bv, bok := get(b, key.Key)
			c := sortCompare(av, bv, aok, bok)
			if c == 0 {
				continue
			}
			if dir, _ := scalar(key.Value).(float64); dir < 0 {
				return -c
			}
			return c
		}
		return 0
	})
}

// eval resolves an aggregation expression: "$path" references, "$$ROOT",
// documents of expressions, and literals.
func eval(doc bson.M, expr any) any {
	switch t := expr.(type) {
	case string:
		if t == "$$ROOT" {
			return doc
		}
		if strings.HasPrefix(t, "$") {
			v, _ := get(doc, t[1:])
			return v
		}
		return t
	case bson.D:
		out := bson.M{}
		for _, e := range t {
			out[e.Key] = eval(doc, e.Value)
		}
		return out
	}
	return expr
}

type groupState struct {
	key    any
	fields bson.M
	seen   map[string]bool
}

func group(docs []bson.M, spec bson.D) ([]bson.M, error) {
	var idExpr any
	var accs bson.D
	for _, e := range spec {
		if e.Key == "_id" {
			idExpr = e.Value
			continue
		}
		accs = append(accs, e)
	}

	var order []*groupState
	for _, doc := range docs {
		key := eval(doc, idExpr)
		var state *groupState
		for _, g := range order {
			if equal(g.key, key) {
				state = g
				break
			}
		}
		if state == nil {
			state = &groupState{key: key, fields: bson.M{}, seen: map[string]bool{}}
			order = append(order, state)
		}
		for _, acc := range accs {
			op, ok := acc.Value.(bson.D)
			if !ok || len(op) != 1 {
				return nil, fmt.Errorf("memdb: accumulator %s must be a single operator", acc.Key)
			}
			if err := accumulate(state, acc.Key, op[0].Key, eval(doc, op[0].Value)); err != nil {
				return nil, err
			}
		}
	}

	out := make([]bson.M, 0, len(order))
	for _, g := range order {
		doc := bson.M{"_id": g.key}
		for k, v := range g.fields {
			doc[k] = v
		}
		out = append(out, doc)
	}
	return out, nil
}

func accumulate(g *groupState, field, op string, v any) error {
	prev, had := g.fields[field]
	switch op {
	case "$first":
		if !g.seen[field] {
			g.fields[field] = v
		}
	case "$last":
		g.fields[field] = v
	case "$max", "$min":
		if v == nil {
			break
		}
		if !had || prev == nil {
			g.fields[field] = v
			break
		}
		c, ok := compare(v, prev)
		if ok && ((op == "$max" && c > 0) || (op == "$min" && c < 0)) {
			g.fields[field] = v
		}
	case "$sum":
		add, _ := scalar(v).(float64)
		cur, _ := scalar(prev).(float64)
		g.fields[field] = cur + add
	case "$push":
		list, _ := prev.([]any)
		g.fields[field] = append(list, v)
	case "$addToSet":
		list, _ := prev.([]any)
		if !contains(list, v) {
			list = append(list, v)
		}
		g.fields[field] = list
	default:
		return fmt.Errorf("memdb: unsupported accumulator %s", op)
	}
	g.seen[field] = true
	return nil
}

// project supports inclusion, exclusion and computed fields.
func project(docs []bson.M, spec bson.D) []bson.M {
	if len(spec) == 0 {
		return docs
	}
	exclusion := true
	for _, e := range spec {
		if e.Key == "_id" {
			continue
		}
		switch v := e.Value.(type) {
		case string, bson.D:
			exclusion = false
		default:
			if truthy(v) {
				exclusion = false
			}
		}
	}

	out := make([]bson.M, 0, len(docs))
	for _, doc := range docs {
		if exclusion {
			next := cloneDoc(doc)
			for _, e := range spec {
				if !truthy(e.Value) {
					unset(next, e.Key)
				}
			}
			out = append(out, next)
			continue
		}
		next := bson.M{}
		if id, ok := doc["_id"]; ok {
			next["_id"] = id
		}
		for _, e := range spec {
			switch v := e.Value.(type) {
			case string, bson.D:
				set(next, e.Key, eval(doc, v))
			default:
				if !truthy(v) {
					unset(next, e.Key)
					continue
				}
				if val, ok := get(doc, e.Key); ok {
					set(next, e.Key, val)
				}
			}
		}
		out = append(out, next)
	}
	return out
}
