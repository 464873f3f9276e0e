package value

import (
	"fmt"
	"math"
	"slices"
	"unicode/utf16"
)

// MaxSafeInteger is the largest magnitude an integer can have and still be
// held exactly by a float64, and so by a Lua number.
const MaxSafeInteger = 1 << 53

// Value is a sealed interface over the supported value kinds.
type Value interface {
	isValue()
}

// Null is the JSON null value.
type Null struct{}

func (Null) isValue() {}

// String is a UTF-8 string value.
type String string

func (String) isValue() {}

// Int is a 64-bit integer value.
type Int int64

func (Int) isValue() {}

// Float is a finite non-integral number, or an integral one too large to
// be an Int. Build it with Number so integral values stay Int.
type Float float64

func (Float) isValue() {}

// Number returns f as an Int when it is integral and within MaxSafeInteger,
// and as a Float otherwise. NaN and infinities are rejected.
func Number(f float64) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("number %v is not finite", f)
	}
	if f == math.Trunc(f) && math.Abs(f) <= MaxSafeInteger {
		return Int(int64(f)), nil
	}
	return Float(f), nil
}

// Bool is a boolean value.
type Bool bool

func (Bool) isValue() {}

// Array is an ordered list of values.
type Array []Value

func (Array) isValue() {}

// Object maps string keys to values. Iterate with SortedKeys for a stable order.
type Object map[string]Value

func (Object) isValue() {}

// Kind names the variant of v as it appears in error messages and traces.
func Kind(v Value) string {
	switch v.(type) {
	case nil, Null:
		return "null"
	case String:
		return "string"
	case Int:
		return "int"
	case Float:
		return "float"
	case Bool:
		return "bool"
	case Array:
		return "array"
	case Object:
		return "object"
	default:
		return "unknown"
	}
}

// SortedKeys returns the keys of obj ordered by UTF-16 code units, the order
// RFC 8785 requires. Plain string comparison orders by UTF-8 bytes, which
// differs for characters outside the BMP.
func (obj Object) SortedKeys() []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareUTF16)
	return keys
}

// Get returns the value stored under key, or Null when absent.
func (obj Object) Get(key string) Value {
	if v, ok := obj[key]; ok && v != nil {
		return v
	}
	return Null{}
}

// Clone returns a deep copy of obj.
func (obj Object) Clone() Object {
	if obj == nil {
		return nil
	}
	out := make(Object, len(obj))
	for k, v := range obj {
		out[k] = Clone(v)
	}
	return out
}

// Clone returns a deep copy of v. Scalars are returned as is.
func Clone(v Value) Value {
	switch val := v.(type) {
	case Array:
		out := make(Array, len(val))
		for i, elem := range val {
			out[i] = Clone(elem)
		}
		return out
	case Object:
		return val.Clone()
	case nil:
		return Null{}
	default:
		return val
	}
}

// Equal reports whether a and b hold the same value. A nil Value equals Null.
func Equal(a, b Value) bool {
	if a == nil {
		a = Null{}
	}
	if b == nil {
		b = Null{}
	}
	switch av := a.(type) {
	case Array:
		bv, ok := b.(Array)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case Object:
		bv, ok := b.(Object)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			other, ok := bv[k]
			if !ok || !Equal(v, other) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

func compareUTF16(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))
	n := min(len(a16), len(b16))
	for i := 0; i < n; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a16) < len(b16):
		return -1
	case len(a16) > len(b16):
		return 1
	}
	return 0
}
