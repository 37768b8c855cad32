package kvstore

import "math"

// Type tags a Value variant. The numeric values are part of the
// snapshot file format and must not be reordered.
type Type uint8

const (
	TypeNull Type = iota
	TypeString
	TypeInt64
	TypeDouble
	TypeBool
	TypeBinary
)

// String returns the textual type name.
func (t Type) String() string {
	switch t {
	case TypeNull:
		return "null"
	case TypeString:
		return "string"
	case TypeInt64:
		return "int64"
	case TypeDouble:
		return "double"
	case TypeBool:
		return "bool"
	case TypeBinary:
		return "binary"
	default:
		return "unknown"
	}
}

func (t Type) valid() bool {
	return t <= TypeBinary
}

// Value is a tagged union over the six storable variants. Scalars live
// inline; string/binary payloads reference either arena memory (inside
// the table) or a caller-owned copy (at the API boundary).
type Value struct {
	typ Type

	bytes   []byte
	intVal  int64
	dblVal  float64
	boolVal bool
}

// Constructors. StringBytesValue and BinaryValue do NOT copy their
// slice (StringValue converts its string, which allocates a new one);
// the engine copies payloads into its arena on put, and the facade
// copies them out on get.

func NullValue() Value {
	return Value{typ: TypeNull}
}

func StringValue(s string) Value {
	return Value{typ: TypeString, bytes: []byte(s)}
}

func StringBytesValue(b []byte) Value {
	return Value{typ: TypeString, bytes: b}
}

func Int64Value(v int64) Value {
	return Value{typ: TypeInt64, intVal: v}
}

func DoubleValue(v float64) Value {
	return Value{typ: TypeDouble, dblVal: v}
}

func BoolValue(v bool) Value {
	return Value{typ: TypeBool, boolVal: v}
}

func BinaryValue(b []byte) Value {
	return Value{typ: TypeBinary, bytes: b}
}

// Type returns the variant tag.
func (v Value) Type() Type {
	return v.typ
}

// Bytes returns the string/binary payload, nil for other variants.
func (v Value) Bytes() []byte {
	return v.bytes
}

// Int64 returns the int64 payload (zero for other variants).
func (v Value) Int64() int64 {
	return v.intVal
}

// Double returns the float payload (zero for other variants).
func (v Value) Double() float64 {
	return v.dblVal
}

// Bool returns the bool payload (false for other variants).
func (v Value) Bool() bool {
	return v.boolVal
}

// payloadLen is the byte-string length for string/binary, 0 otherwise.
func (v Value) payloadLen() int {
	return len(v.bytes)
}

// copyInto deep-copies v, placing any byte payload into the arena.
func (v Value) copyInto(a *arena) Value {
	switch v.typ {
	case TypeString, TypeBinary:
		out := v
		out.bytes = a.alloc(len(v.bytes))
		copy(out.bytes, v.bytes)

		return out
	default:
		return v
	}
}

// Copy deep-copies v onto the heap. Safe to hold after the engine lock
// is released.
func (v Value) Copy() Value {
	switch v.typ {
	case TypeString, TypeBinary:
		out := v
		out.bytes = make([]byte, len(v.bytes))
		copy(out.bytes, v.bytes)

		return out
	default:
		return v
	}
}

// Equal compares variants bit-for-bit: byte payloads by length then
// bytes, doubles by IEEE bit pattern (so 0 and -0 differ). A NaN double
// never equals anything, itself included.
func (v Value) Equal(other Value) bool {
	if v.typ != other.typ {
		return false
	}

	switch v.typ {
	case TypeString, TypeBinary:
		if len(v.bytes) != len(other.bytes) {
			return false
		}

		return string(v.bytes) == string(other.bytes)
	case TypeInt64:
		return v.intVal == other.intVal
	case TypeDouble:
		if math.IsNaN(v.dblVal) || math.IsNaN(other.dblVal) {
			return false
		}

		return math.Float64bits(v.dblVal) == math.Float64bits(other.dblVal)
	case TypeBool:
		return v.boolVal == other.boolVal
	default:
		return true
	}
}
