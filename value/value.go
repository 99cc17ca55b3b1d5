// Package value defines the tagged value model shared by stores, bindings and
// the attachment transform. Values form a tree of Node and List containers
// with scalar, Ref (attachment reference) and Upload (pending attachment) leaves.
package value

import "fmt"

// Kind identifies the variant held by a Value.
type Kind uint8

const (
	KindUnloaded Kind = iota
	KindNull
	KindBool
	KindInt
	KindFloat
	KindString
	KindNode
	KindList
	KindRef
	KindUpload
)

var kindNames = [...]string{"unloaded", "null", "bool", "int", "float", "string", "node", "list", "ref", "upload"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Value is implemented by every variant in this package.
type Value interface {
	Kind() Kind
}

type (
	unloaded struct{}
	// Null is the explicit empty value. Absent nodes read as Null.
	Null   struct{}
	Bool   bool
	Int    int64
	Float  float64
	String string
	// Node is a keyed container (document or tree node).
	Node map[string]Value
	// List is an ordered container.
	List []Value
)

// Ref points at an attachment record and its blob.
type Ref struct {
	StorageID string
	Folder    string
}

// Upload is raw attachment content that has not been stored yet.
type Upload struct {
	Data []byte
	Name string
	Type string
}

// Unloaded is returned by bindings that have never observed a value.
var Unloaded Value = unloaded{}

func (unloaded) Kind() Kind { return KindUnloaded }
func (Null) Kind() Kind     { return KindNull }
func (Bool) Kind() Kind     { return KindBool }
func (Int) Kind() Kind      { return KindInt }
func (Float) Kind() Kind    { return KindFloat }
func (String) Kind() Kind   { return KindString }
func (Node) Kind() Kind     { return KindNode }
func (List) Kind() Kind     { return KindList }
func (Ref) Kind() Kind      { return KindRef }
func (Upload) Kind() Kind   { return KindUpload }

// IsLoaded reports whether v holds anything other than the Unloaded sentinel.
func IsLoaded(v Value) bool {
	return v != nil && v.Kind() != KindUnloaded
}

// IsNull treats nil, Null and Unloaded as empty.
func IsNull(v Value) bool {
	if v == nil {
		return true
	}
	k := v.Kind()
	return k == KindNull || k == KindUnloaded
}

// Or returns v unless it is empty, in which case def is returned.
func Or(v, def Value) Value {
	if IsNull(v) {
		if def == nil {
			return Null{}
		}
		return def
	}
	return v
}

// AsNode returns v as a Node when it is one.
func AsNode(v Value) (Node, bool) {
	n, ok := v.(Node)
	return n, ok
}
