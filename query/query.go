// Package query describes live collection views: equality and range filters,
// single-field ordering and a result limit.
package query

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/maxpert/livebind/encoding"
	"github.com/maxpert/livebind/treepath"
	"github.com/maxpert/livebind/value"
)

// Op is a filter comparison operator.
type Op string

const (
	OpEq  Op = "=="
	OpNeq Op = "!="
	OpLt  Op = "<"
	OpLte Op = "<="
	OpGt  Op = ">"
	OpGte Op = ">="
)

// Valid reports whether op is one of the supported operators.
func (op Op) Valid() bool {
	switch op {
	case OpEq, OpNeq, OpLt, OpLte, OpGt, OpGte:
		return true
	}
	return false
}

// Direction orders results.
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// Filter is one where clause. A nil Value means the operand is not known yet;
// such filters are skipped instead of being sent half-built.
type Filter struct {
	Field string
	Op    Op
	Value value.Value
}

// Where builds a filter from a native operand. A nil operand yields an
// unresolved filter.
func Where(field string, op Op, operand any) Filter {
	f := Filter{Field: field, Op: op}
	if operand != nil {
		f.Value = value.FromAny(operand)
	}
	return f
}

// Resolved reports whether the filter can be applied.
func (f Filter) Resolved() bool {
	return f.Value != nil && f.Value.Kind() != value.KindUnloaded
}

// Match evaluates the filter against a document. Documents missing the field
// never match.
func (f Filter) Match(doc value.Value) bool {
	got, ok := value.Field(doc, f.Field)
	if !ok {
		return false
	}
	c := value.Compare(got, f.Value)
	switch f.Op {
	case OpEq:
		return c == 0
	case OpNeq:
		return c != 0
	case OpLt:
		return c < 0
	case OpLte:
		return c <= 0
	case OpGt:
		return c > 0
	case OpGte:
		return c >= 0
	}
	return false
}

// Doc is one child of a collection or tree node.
type Doc struct {
	ID    string
	Value value.Value
}

// Query is a live view over the children of Path. The zero value of every
// field except Path describes a plain point read.
type Query struct {
	Path      string
	Where     []Filter
	OrderBy   string
	Direction Direction
	Limit     int
	// Children forces a child listing even without filters or ordering.
	Children bool
}

// Point returns a point read of p.
func Point(p string) Query {
	return Query{Path: treepath.Clean(p)}
}

// Listing reports whether the query lists children rather than reading the
// node at Path.
func (q Query) Listing() bool {
	return q.Children || len(q.Where) > 0 || q.OrderBy != "" || q.Limit > 0
}

// Active returns the resolved filters.
func (q Query) Active() []Filter {
	out := make([]Filter, 0, len(q.Where))
	for _, f := range q.Where {
		if f.Resolved() {
			out = append(out, f)
		}
	}
	return out
}

// Validate rejects unknown operators, empty fields and negative limits.
func (q Query) Validate() error {
	for _, f := range q.Where {
		if f.Field == "" {
			return fmt.Errorf("filter on %s has empty field", q.Path)
		}
		if !f.Op.Valid() {
			return fmt.Errorf("unsupported operator %q", f.Op)
		}
	}
	if q.Limit < 0 {
		return fmt.Errorf("negative limit %d", q.Limit)
	}
	switch q.Direction {
	case "", Asc, Desc:
	default:
		return fmt.Errorf("unsupported direction %q", q.Direction)
	}
	return nil
}

// Matches applies every resolved filter.
func (q Query) Matches(doc value.Value) bool {
	for _, f := range q.Active() {
		if !f.Match(doc) {
			return false
		}
	}
	return true
}

// Apply filters, sorts and truncates docs. Docs are ordered by OrderBy (or by
// id when unset) with id as the tiebreak; Desc reverses the order before the
// limit is taken. The input slice is not modified.
func (q Query) Apply(docs []Doc) []Doc {
	out := make([]Doc, 0, len(docs))
	for _, d := range docs {
		if q.Matches(d.Value) {
			out = append(out, d)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		c := 0
		if q.OrderBy != "" {
			a, _ := value.Field(out[i].Value, q.OrderBy)
			b, _ := value.Field(out[j].Value, q.OrderBy)
			c = value.Compare(a, b)
		}
		if c == 0 {
			c = compareIDs(out[i].ID, out[j].ID)
		}
		if q.Direction == Desc {
			return c > 0
		}
		return c < 0
	})

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func compareIDs(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Fingerprint identifies the view shape (path, resolved filters, ordering,
// limit). Queries with equal fingerprints can share one remote subscription.
func (q Query) Fingerprint() uint64 {
	where := make([]interface{}, 0, len(q.Where))
	for _, f := range q.Active() {
		where = append(where, []interface{}{f.Field, string(f.Op), value.ToAny(f.Value)})
	}
	shape := []interface{}{treepath.Clean(q.Path), where, q.OrderBy, string(q.Direction), q.Limit, q.Listing()}

	data, err := encoding.Marshal(shape)
	if err != nil {
		return xxhash.Sum64String(fmt.Sprintf("%#v", shape))
	}
	return xxhash.Sum64(data)
}

func (q Query) String() string {
	if !q.Listing() {
		return q.Path
	}
	return fmt.Sprintf("%s?where=%d&orderBy=%s&dir=%s&limit=%d", q.Path, len(q.Active()), q.OrderBy, q.Direction, q.Limit)
}
