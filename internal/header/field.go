package header

import (
	"fmt"
	"math"
	"strconv"
)

// Kind is the type of a header field value.
type Kind int

const (
	IntKind Kind = iota
	FloatKind
	StringKind
	BoolKind
)

func (k Kind) String() string {
	switch k {
	case IntKind:
		return "int"
	case FloatKind:
		return "float"
	case StringKind:
		return "string"
	case BoolKind:
		return "bool"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Value is a typed header value. Only the member selected by Kind is meaningful.
type Value struct {
	Kind  Kind
	Int   int64
	Float float64
	Str   string
	Bool  bool
}

func Int(v int64) Value { return Value{Kind: IntKind, Int: v} }
func Float(v float64) Value { return Value{Kind: FloatKind, Float: v} }
func String(v string) Value { return Value{Kind: StringKind, Str: v} }
func Bool(v bool) Value { return Value{Kind: BoolKind, Bool: v} }

// Number returns the value as a float64 for int and float kinds.
func (v Value) Number() (float64, bool) {
	switch v.Kind {
	case IntKind:
		return float64(v.Int), true
	case FloatKind:
		return v.Float, true
	}
	return 0, false
}

func (v Value) String() string {
	switch v.Kind {
	case IntKind:
		return strconv.FormatInt(v.Int, 10)
	case FloatKind:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case StringKind:
		return v.Str
	case BoolKind:
		if v.Bool {
			return "T"
		}
		return "F"
	}
	return ""
}

// Equal compares kind and value. Floats compare bit-for-bit, except that NaN equals NaN.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case IntKind:
		return v.Int == o.Int
	case FloatKind:
		return v.Float == o.Float || (math.IsNaN(v.Float) && math.IsNaN(o.Float))
	case StringKind:
		return v.Str == o.Str
	case BoolKind:
		return v.Bool == o.Bool
	}
	return false
}

// Field is a named header value. Raw holds the exact on-disk text of the
// field when it came from a text header, so it can be written back unchanged.
type Field struct {
	Name  string
	Value Value
	Raw   string
}

// Native is the header as it appeared on disk, in its original order.
type Native struct {
	Format string
	Fields []Field
	Meta   map[string]int64 // format-specific layout facts, e.g. per-block counters
}

func (n *Native) clone() *Native {
	if n == nil {
		return nil
	}
	c := &Native{Format: n.Format, Fields: append([]Field(nil), n.Fields...)}
	if n.Meta != nil {
		c.Meta = make(map[string]int64, len(n.Meta))
		for k, v := range n.Meta {
			c.Meta[k] = v
		}
	}
	return c
}

// Lookup finds a native field by name.
func (n *Native) Lookup(name string) (Field, bool) {
	if n == nil {
		return Field{}, false
	}
	for _, f := range n.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}
