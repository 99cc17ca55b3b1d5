package value

import (
	"bytes"
	"sort"
	"strconv"
	"strings"
)

// Clone returns a deep copy of v. Subscribers always receive clones so one
// caller cannot mutate another caller's view.
func Clone(v Value) Value {
	switch t := v.(type) {
	case nil:
		return Null{}
	case Node:
		out := make(Node, len(t))
		for k, c := range t {
			out[k] = Clone(c)
		}
		return out
	case List:
		out := make(List, len(t))
		for i, c := range t {
			out[i] = Clone(c)
		}
		return out
	case Upload:
		t.Data = append([]byte(nil), t.Data...)
		return t
	default:
		return v
	}
}

// Equal reports deep equality. Int and Float compare by numeric value.
func Equal(a, b Value) bool {
	if a == nil {
		a = Null{}
	}
	if b == nil {
		b = Null{}
	}
	switch x := a.(type) {
	case Node:
		y, ok := b.(Node)
		if !ok || len(x) != len(y) {
			return false
		}
		for k, v := range x {
			w, ok := y[k]
			if !ok || !Equal(v, w) {
				return false
			}
		}
		return true
	case List:
		y, ok := b.(List)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !Equal(x[i], y[i]) {
				return false
			}
		}
		return true
	case Upload:
		y, ok := b.(Upload)
		return ok && x.Name == y.Name && x.Type == y.Type && bytes.Equal(x.Data, y.Data)
	case Int, Float:
		if isNumber(b) {
			return toFloat(a) == toFloat(b)
		}
		return false
	default:
		return a == b
	}
}

// Merge shallow-merges patch over base. Keys in patch win; a Null in patch
// deletes the key. Neither input is modified.
func Merge(base, patch Node) Node {
	out := make(Node, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		if _, isNull := v.(Null); isNull {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

// Keys returns the keys of n in sorted order.
func Keys(n Node) []string {
	keys := make([]string, 0, len(n))
	for k := range n {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Field resolves a dotted field path (e.g. "author.name") inside v.
func Field(v Value, field string) (Value, bool) {
	cur := v
	for _, part := range strings.Split(field, ".") {
		n, ok := cur.(Node)
		if !ok {
			return nil, false
		}
		cur, ok = n[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// rank orders kinds for cross-type comparison: null < bool < number < string
// < ref < list < node.
func rank(v Value) int {
	switch v.(type) {
	case nil, Null, unloaded:
		return 0
	case Bool:
		return 1
	case Int, Float:
		return 2
	case String:
		return 3
	case Ref:
		return 4
	case List:
		return 5
	case Node:
		return 6
	default:
		return 7
	}
}

// Compare returns -1, 0 or 1. It gives a total order used by query sorting
// and range filters.
func Compare(a, b Value) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch x := a.(type) {
	case Bool:
		y := b.(Bool)
		switch {
		case x == y:
			return 0
		case !bool(x):
			return -1
		default:
			return 1
		}
	case Int, Float:
		if xi, ok := a.(Int); ok {
			if yi, ok := b.(Int); ok {
				return cmpOrdered(xi, yi)
			}
		}
		return cmpOrdered(toFloat(a), toFloat(b))
	case String:
		return strings.Compare(string(x), string(b.(String)))
	case Ref:
		return strings.Compare(x.StorageID, b.(Ref).StorageID)
	case List:
		y := b.(List)
		for i := 0; i < len(x) && i < len(y); i++ {
			if c := Compare(x[i], y[i]); c != 0 {
				return c
			}
		}
		return cmpOrdered(len(x), len(y))
	case Node:
		return cmpOrdered(len(x), len(b.(Node)))
	}
	return 0
}

func cmpOrdered[T ~int | ~int64 | ~float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func isNumber(v Value) bool {
	switch v.(type) {
	case Int, Float:
		return true
	}
	return false
}

func toFloat(v Value) float64 {
	switch t := v.(type) {
	case Int:
		return float64(t)
	case Float:
		return float64(t)
	}
	return 0
}

// Walk visits every value in the tree rooted at v in depth-first order,
// passing the slash-joined relative path. Node children are visited in key order.
func Walk(v Value, fn func(rel string, v Value)) {
	walk("", v, fn)
}

func walk(rel string, v Value, fn func(string, Value)) {
	fn(rel, v)
	switch t := v.(type) {
	case Node:
		for _, k := range Keys(t) {
			walk(joinRel(rel, k), t[k], fn)
		}
	case List:
		for i, c := range t {
			walk(joinRel(rel, strconv.Itoa(i)), c, fn)
		}
	}
}

func joinRel(rel, k string) string {
	if rel == "" {
		return k
	}
	return rel + "/" + k
}
