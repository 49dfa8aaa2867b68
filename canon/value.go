// Package canon implements NRF-1.1, the Normalized Receipt Form used to
// derive content identities throughout ubl-gate: sorted object keys, NFC
// normalized strings, stripped null members, and integer-or-decimal-string
// numbers. Canonicalization is a choke point: non-canonical input is
// rejected rather than silently repaired wherever that would hide a bug in
// an upstream producer.
package canon

// Kind discriminates the variants of a canonical Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt64
	KindDecimal
	KindString
	KindBytes
	KindArray
	KindObject
)

// Value is the canonical sum type every NRF-1.1 document is parsed into.
//
// Only the field matching Kind is meaningful. Object is sorted by Key in
// every Value produced by Parse; a Value built by hand is encoded in the
// member order its builder gave it.
type Value struct {
	Kind    Kind
	Bool    bool
	Int64   int64
	Decimal string // canonical decimal text for non-integer numbers
	Str     string
	Bytes   []byte
	Array   []Value
	Object  []Member
}

// Member is one key/value pair of a canonical object.
type Member struct {
	Key   string
	Value Value
}

func Null() Value                 { return Value{Kind: KindNull} }
func BoolOf(b bool) Value         { return Value{Kind: KindBool, Bool: b} }
func Int64Of(i int64) Value       { return Value{Kind: KindInt64, Int64: i} }
func StringOf(s string) Value     { return Value{Kind: KindString, Str: s} }
func ArrayOf(vs ...Value) Value   { return Value{Kind: KindArray, Array: vs} }
func ObjectOf(ms ...Member) Value { return Value{Kind: KindObject, Object: ms} }

// Get returns the value of the named member and whether it was present.
func (v Value) Get(key string) (Value, bool) {
	for _, m := range v.Object {
		if m.Key == key {
			return m.Value, true
		}
	}
	return Value{}, false
}

// Equal reports deep, order-sensitive structural equality. Values of
// different Kinds are never Equal, even where they encode to the same bytes
// (a Decimal and a String holding the same text, or Bytes and a String
// holding its base64url text).
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNull:
		return true
	case KindBool:
		return v.Bool == o.Bool
	case KindInt64:
		return v.Int64 == o.Int64
	case KindDecimal:
		return v.Decimal == o.Decimal
	case KindString:
		return v.Str == o.Str
	case KindBytes:
		return string(v.Bytes) == string(o.Bytes)
	case KindArray:
		if len(v.Array) != len(o.Array) {
			return false
		}
		for i := range v.Array {
			if !v.Array[i].Equal(o.Array[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(v.Object) != len(o.Object) {
			return false
		}
		for i := range v.Object {
			if v.Object[i].Key != o.Object[i].Key || !v.Object[i].Value.Equal(o.Object[i].Value) {
				return false
			}
		}
		return true
	}
	return false
}
