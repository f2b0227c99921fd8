package memdb

import (
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

// matches evaluates a query document against a stored document.
func matches(doc bson.M, filter bson.D) (bool, error) {
	for _, e := range filter {
		ok, err := matchElem(doc, e)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func matchElem(doc bson.M, e bson.E) (bool, error) {
	switch e.Key {
	case "$and", "$or", "$nor":
		clauses, ok := e.Value.(bson.A)
		if !ok {
			return false, fmt.Errorf("memdb: %s needs an array", e.Key)
		}
		seen := false
		for _, c := range clauses {
			sub, ok := c.(bson.D)
			if !ok {
				return false, fmt.Errorf("memdb: %s clause must be a document", e.Key)
			}
			hit, err := matches(doc, sub)
			if err != nil {
				return false, err
			}
			if e.Key == "$and" && !hit {
				return false, nil
			}
			if hit {
				seen = true
			}
		}
		switch e.Key {
		case "$or":
			return seen, nil
		case "$nor":
			return !seen, nil
		}
		return true, nil
	}
	if strings.HasPrefix(e.Key, "$") {
		return false, fmt.Errorf("memdb: unsupported top level operator %s", e.Key)
	}

	values, exists := lookup(doc, e.Key)
	if ops, ok := operatorDoc(e.Value); ok {
		for _, op := range ops {
			hit, err := matchOperator(values, exists, op)
			if err != nil || !hit {
				return false, err
			}
		}
		return true, nil
	}
	return matchEq(values, exists, e.Value), nil
}

func operatorDoc(v any) (bson.D, bool) {
	d, ok := v.(bson.D)
	if !ok || len(d) == 0 {
		return nil, false
	}
	return d, strings.HasPrefix(d[0].Key, "$")
}

// matchEq follows server equality: a null query matches missing fields and an
// array field matches when any element is equal.
func matchEq(values []any, exists bool, want any) bool {
	if want == nil && !exists {
		return true
	}
	for _, v := range values {
		if equal(v, want) {
			return true
		}
		if arr, ok := plain(v).([]any); ok {
			for _, el := range arr {
				if equal(el, want) {
					return true
				}
			}
		}
	}
	return false
}

func matchOperator(values []any, exists bool, op bson.E) (bool, error) {
	switch op.Key {
	case "$eq":
		return matchEq(values, exists, op.Value), nil
	case "$ne":
		return !matchEq(values, exists, op.Value), nil
	case "$in", "$nin":
		list, ok := op.Value.(bson.A)
		if !ok {
			return false, fmt.Errorf("memdb: %s needs an array", op.Key)
		}
		hit := false
		for _, want := range list {
			if matchEq(values, exists, want) {
				hit = true
				break
			}
		}
		if op.Key == "$nin" {
			return !hit, nil
		}
		return hit, nil
	case "$gt", "$gte", "$lt", "$lte":
		for _, v := range expand(values) {
			c, ok := compare(v, op.Value)
			if !ok {
				continue
			}
			if (op.Key == "$gt" && c > 0) || (op.Key == "$gte" && c >= 0) ||
				(op.Key == "$lt" && c < 0) || (op.Key == "$lte" && c <= 0) {
				return true, nil
			}
		}
		return false, nil
	case "$exists":
		return exists == truthy(op.Value), nil
	case "$not":
		sub, ok := op.Value.(bson.D)
		if !ok {
			return false, fmt.Errorf("memdb: $not needs an operator document")
		}
		for _, inner := range sub {
			hit, err := matchOperator(values, exists, inner)
			if err != nil {
				return false, err
			}
			if !hit {
				return true, nil
			}
		}
		return false, nil
	}
	return false, fmt.Errorf("memdb: unsupported query operator %s", op.Key)
}

// expand flattens one level of arrays so range operators test elements.
func expand(values []any) []any {
	out := make([]any, 0, len(values))
	for _, v := range values {
		if arr, ok := plain(v).([]any); ok {
			out = append(out, arr...)
			continue
		}
		out = append(out, v)
	}
	return out
}
