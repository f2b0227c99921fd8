package memdb

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// toD renders any BSON-marshalable value as an ordered document. Nested
// documents come back as bson.D and arrays as bson.A.
func toD(v any) (bson.D, error) {
	if v == nil {
		return bson.D{}, nil
	}
	raw, err := bson.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("memdb: marshal document: %w", err)
	}
	var out bson.D
	if err := bson.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("memdb: unmarshal document: %w", err)
	}
	return out, nil
}

// toArray renders a pipeline or other array value as bson.A.
func toArray(v any) (bson.A, error) {
	d, err := toD(bson.D{{Key: "v", Value: v}})
	if err != nil {
		return nil, err
	}
	arr, ok := d[0].Value.(bson.A)
	if !ok {
		return nil, fmt.Errorf("memdb: expected an array, got %T", d[0].Value)
	}
	return arr, nil
}

// plain converts ordered documents into the unordered storage form.
func plain(v any) any {
	switch t := v.(type) {
	case bson.D:
		m := make(bson.M, len(t))
		for _, e := range t {
			m[e.Key] = plain(e.Value)
		}
		return m
	case bson.M:
		m := make(bson.M, len(t))
		for k, val := range t {
			m[k] = plain(val)
		}
		return m
	case map[string]any:
		m := make(bson.M, len(t))
		for k, val := range t {
			m[k] = plain(val)
		}
		return m
	case bson.A:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = plain(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = plain(val)
		}
		return out
	default:
		return v
	}
}

func plainDoc(d bson.D) bson.M {
	return plain(d).(bson.M)
}

func cloneDoc(doc bson.M) bson.M {
	return plain(doc).(bson.M)
}

// scalar maps equivalent BSON representations onto one comparable value.
func scalar(v any) any {
	switch t := v.(type) {
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	case primitive.DateTime:
		return t.Time().UTC()
	case time.Time:
		return t.Truncate(time.Millisecond).UTC()
	default:
		return v
	}
}

func equal(a, b any) bool {
	a, b = plain(a), plain(b)
	sa, sb := scalar(a), scalar(b)
	if ta, ok := sa.(time.Time); ok {
		tb, ok := sb.(time.Time)
		return ok && ta.Equal(tb)
	}
	switch av := a.(type) {
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case bson.M:
		bv, ok := b.(bson.M)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, val := range av {
			other, ok := bv[k]
			if !ok || !equal(val, other) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(sa, sb)
}

// compare orders two values of the same kind. ok is false when the values
// are not comparable, mirroring the server's type bracketing.
func compare(a, b any) (int, bool) {
	sa, sb := scalar(a), scalar(b)
	switch av := sa.(type) {
	case float64:
		bv, ok := sb.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		}
		return 0, true
	case string:
		bv, ok := sb.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case time.Time:
		bv, ok := sb.(time.Time)
		if !ok {
			return 0, false
		}
		return av.Compare(bv), true
	case bool:
		bv, ok := sb.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case av == bv:
			return 0, true
		case !av:
			return -1, true
		}
		return 1, true
	}
	return 0, false
}

// sortCompare places missing and null values before everything else.
func sortCompare(a, b any, aok, bok bool) int {
	aNull := !aok || a == nil
	bNull := !bok || b == nil
	switch {
	case aNull && bNull:
		return 0
	case aNull:
		return -1
	case bNull:
		return 1
	}
	c, _ := compare(a, b)
	return c
}

// lookup resolves a dotted path. Arrays met on the way fan out over their
// document elements.
func lookup(doc bson.M, path string) ([]any, bool) {
	parts := strings.Split(path, ".")
	current := []any{doc}
	for _, part := range parts {
		var next []any
		for _, node := range current {
			switch n := node.(type) {
			case bson.M:
				if v, ok := n[part]; ok {
					next = append(next, v)
				}
			case []any:
				for _, el := range n {
					if m, ok := el.(bson.M); ok {
						if v, ok := m[part]; ok {
							next = append(next, v)
						}
					}
				}
			}
		}
		if len(next) == 0 {
			return nil, false
		}
		current = next
	}
	return current, true
}

// get returns the first value at path.
func get(doc bson.M, path string) (any, bool) {
	vals, ok := lookup(doc, path)
	if !ok {
		return nil, false
	}
	return vals[0], true
}

func set(doc bson.M, path string, value any) {
	parts := strings.Split(path, ".")
	node := doc
	for _, part := range parts[:len(parts)-1] {
		child, ok := node[part].(bson.M)
		if !ok {
			child = bson.M{}
			node[part] = child
		}
		node = child
	}
	node[parts[len(parts)-1]] = plain(value)
}

func unset(doc bson.M, path string) {
	parts := strings.Split(path, ".")
	node := doc
	for _, part := range parts[:len(parts)-1] {
		child, ok := node[part].(bson.M)
		if !ok {
			return
		}
		node = child
	}
	delete(node, parts[len(parts)-1])
}

func truthy(v any) bool {
	switch t := scalar(v).(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case nil:
		return false
	}
	return true
}
