// Copyright 2025 James Ross
package container

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind is the tag of a Value's variant (§3.1).
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt8
	KindInt16
	KindInt32
	KindInt64
	KindUint8
	KindUint16
	KindUint32
	KindUint64
	KindFloat
	KindDouble
	KindString
	KindBytes
	KindContainer
)

var kindNames = map[Kind]string{
	KindNull: "null", KindBool: "bool",
	KindInt8: "int8", KindInt16: "int16", KindInt32: "int32", KindInt64: "int64",
	KindUint8: "uint8", KindUint16: "uint16", KindUint32: "uint32", KindUint64: "uint64",
	KindFloat: "float", KindDouble: "double",
	KindString: "string", KindBytes: "bytes", KindContainer: "container",
}

// kindTags are the short fixed wire-format codes from §4.1.
var kindTags = map[Kind]string{
	KindNull: "nl", KindBool: "b",
	KindInt8: "i1", KindInt16: "i2", KindInt32: "i4", KindInt64: "i8",
	KindUint8: "u1", KindUint16: "u2", KindUint32: "u4", KindUint64: "u8",
	KindFloat: "f", KindDouble: "d",
	KindString: "s", KindBytes: "by", KindContainer: "cn",
}

var tagKinds = func() map[string]Kind {
	m := make(map[string]Kind, len(kindTags))
	for k, t := range kindTags {
		m[t] = k
	}
	return m
}()

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Tag returns the short wire-format type code for this kind.
func (k Kind) Tag() string { return kindTags[k] }

// KindFromTag resolves a wire-format type code back to a Kind.
func KindFromTag(tag string) (Kind, bool) {
	k, ok := tagKinds[tag]
	return k, ok
}

// Value is an immutable tagged datum held by a Container. Values are never
// mutated in place; Container's setter API replaces them wholesale.
type Value struct {
	name string
	kind Kind

	i   int64
	u   uint64
	f32 float32
	f64 float64
	b   bool
	s   string
	by  []byte
	cn  *Container
}

// Name returns the value's name. Names may repeat within a container.
func (v Value) Name() string { return v.name }

// Kind returns the value's type tag.
func (v Value) Kind() Kind { return v.kind }

func NewNull(name string) Value { return Value{name: name, kind: KindNull} }

func NewBool(name string, b bool) Value { return Value{name: name, kind: KindBool, b: b} }

func NewInt8(name string, n int8) Value { return Value{name: name, kind: KindInt8, i: int64(n)} }
func NewInt16(name string, n int16) Value {
	return Value{name: name, kind: KindInt16, i: int64(n)}
}
func NewInt32(name string, n int32) Value {
	return Value{name: name, kind: KindInt32, i: int64(n)}
}
func NewInt64(name string, n int64) Value { return Value{name: name, kind: KindInt64, i: n} }

func NewUint8(name string, n uint8) Value {
	return Value{name: name, kind: KindUint8, u: uint64(n)}
}
func NewUint16(name string, n uint16) Value {
	return Value{name: name, kind: KindUint16, u: uint64(n)}
}
func NewUint32(name string, n uint32) Value {
	return Value{name: name, kind: KindUint32, u: uint64(n)}
}
func NewUint64(name string, n uint64) Value { return Value{name: name, kind: KindUint64, u: n} }

func NewFloat(name string, f float32) Value {
	return Value{name: name, kind: KindFloat, f32: f}
}
func NewDouble(name string, f float64) Value {
	return Value{name: name, kind: KindDouble, f64: f}
}

func NewString(name, s string) Value { return Value{name: name, kind: KindString, s: s} }

// NewBytes copies b so the Value owns an independent backing array.
func NewBytes(name string, b []byte) Value {
	cp := make([]byte, len(b))
	copy(cp, b)
	return Value{name: name, kind: KindBytes, by: cp}
}

// NewContainerValue embeds a fully-formed child container by value (a deep
// copy), never a back-reference, per §3.1's container invariant.
func NewContainerValue(name string, c *Container) Value {
	return Value{name: name, kind: KindContainer, cn: c.Copy(true)}
}

// ToBool converts the value to bool. Only KindBool and the strings "true"/
// "false" (case-insensitive) succeed; everything else, including KindNull,
// fails (§4.1).
func (v Value) ToBool() (bool, error) {
	switch v.kind {
	case KindBool:
		return v.b, nil
	case KindString:
		switch strings.ToLower(v.s) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		return false, newTypeError(v.kind, "bool", "string is not a valid bool literal")
	case KindNull:
		return false, newTypeError(v.kind, "bool", "null-conversion")
	default:
		return false, newTypeError(v.kind, "bool", "unsupported source kind")
	}
}

// ToInt64 widens integer kinds losslessly, truncates float and double toward
// zero without an error, parses decimal strings, and rejects null. String parse failures return (0, ErrLossyConversion) rather
// than a hard error, per §4.1's documented string->numeric fallback.
func (v Value) ToInt64() (int64, error) {
	switch v.kind {
	case KindNull:
		return 0, newTypeError(v.kind, "int64", "null-conversion")
	case KindBool:
		if v.b {
			return 1, nil
		}
		return 0, nil
	case KindInt8, KindInt16, KindInt32, KindInt64:
		return v.i, nil
	case KindUint8, KindUint16, KindUint32:
		return int64(v.u), nil
	case KindUint64:
		if v.u > math.MaxInt64 {
			return math.MaxInt64, newLossyError(v.kind, "int64", "uint64 value overflows int64")
		}
		return int64(v.u), nil
	case KindFloat:
		return int64(v.f32), nil
	case KindDouble:
		return int64(v.f64), nil
	case KindString:
		n, err := strconv.ParseInt(strings.TrimSpace(v.s), 10, 64)
		if err != nil {
			return 0, newLossyError(v.kind, "int64", "not a base-10 integer")
		}
		return n, nil
	default:
		return 0, newTypeError(v.kind, "int64", "unsupported source kind")
	}
}

// ToInt32 narrows ToInt64's result, clamping to the int32 range and
// reporting the clamp via ErrLossyConversion.
func (v Value) ToInt32() (int32, error) {
	n, err := v.ToInt64()
	if err != nil {
		if _, ok := err.(*TypeError); ok {
			return 0, err
		}
	}
	if n > math.MaxInt32 {
		return math.MaxInt32, newLossyError(v.kind, "int32", "value clamped to int32 max")
	}
	if n < math.MinInt32 {
		return math.MinInt32, newLossyError(v.kind, "int32", "value clamped to int32 min")
	}
	return int32(n), err
}

// ToUint64 mirrors ToInt64 for the unsigned domain.
func (v Value) ToUint64() (uint64, error) {
	switch v.kind {
	case KindNull:
		return 0, newTypeError(v.kind, "uint64", "null-conversion")
	case KindBool:
		if v.b {
			return 1, nil
		}
		return 0, nil
	case KindUint8, KindUint16, KindUint32, KindUint64:
		return v.u, nil
	case KindInt8, KindInt16, KindInt32, KindInt64:
		if v.i < 0 {
			return 0, newLossyError(v.kind, "uint64", "negative value clamped to 0")
		}
		return uint64(v.i), nil
	case KindFloat:
		if v.f32 < 0 {
			return 0, newLossyError(v.kind, "uint64", "negative value clamped to 0")
		}
		return uint64(v.f32), nil
	case KindDouble:
		if v.f64 < 0 {
			return 0, newLossyError(v.kind, "uint64", "negative value clamped to 0")
		}
		return uint64(v.f64), nil
	case KindString:
		n, err := strconv.ParseUint(strings.TrimSpace(v.s), 10, 64)
		if err != nil {
			return 0, newLossyError(v.kind, "uint64", "not a base-10 unsigned integer")
		}
		return n, nil
	default:
		return 0, newTypeError(v.kind, "uint64", "unsupported source kind")
	}
}

// ToDouble converts to float64, widening lossless for all numeric kinds.
func (v Value) ToDouble() (float64, error) {
	switch v.kind {
	case KindNull:
		return 0, newTypeError(v.kind, "double", "null-conversion")
	case KindBool:
		if v.b {
			return 1, nil
		}
		return 0, nil
	case KindInt8, KindInt16, KindInt32, KindInt64:
		return float64(v.i), nil
	case KindUint8, KindUint16, KindUint32, KindUint64:
		return float64(v.u), nil
	case KindFloat:
		return float64(v.f32), nil
	case KindDouble:
		return v.f64, nil
	case KindString:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.s), 64)
		if err != nil {
			return 0, newLossyError(v.kind, "double", "not a base-10 float")
		}
		return f, nil
	default:
		return 0, newTypeError(v.kind, "double", "unsupported source kind")
	}
}

// ToString renders the value as text. Null and container values fail; every
// other kind has a canonical textual form.
func (v Value) ToString() (string, error) {
	switch v.kind {
	case KindNull:
		return "", newTypeError(v.kind, "string", "null-conversion")
	case KindBool:
		if v.b {
			return "true", nil
		}
		return "false", nil
	case KindInt8, KindInt16, KindInt32, KindInt64:
		return strconv.FormatInt(v.i, 10), nil
	case KindUint8, KindUint16, KindUint32, KindUint64:
		return strconv.FormatUint(v.u, 10), nil
	case KindFloat:
		return strconv.FormatFloat(float64(v.f32), 'g', -1, 32), nil
	case KindDouble:
		return strconv.FormatFloat(v.f64, 'g', -1, 64), nil
	case KindString:
		return v.s, nil
	case KindBytes:
		return string(v.by), nil
	default:
		return "", newTypeError(v.kind, "string", "unsupported source kind")
	}
}

// ToBytes returns the opaque payload for KindBytes, or the UTF-8 bytes of a
// KindString. Every other kind fails.
func (v Value) ToBytes() ([]byte, error) {
	switch v.kind {
	case KindBytes:
		cp := make([]byte, len(v.by))
		copy(cp, v.by)
		return cp, nil
	case KindString:
		return []byte(v.s), nil
	case KindNull:
		return nil, newTypeError(v.kind, "bytes", "null-conversion")
	default:
		return nil, newTypeError(v.kind, "bytes", "unsupported source kind")
	}
}

// ToContainer returns the nested container for KindContainer values. The
// returned pointer aliases the Value's own copy; callers that mutate it
// should Copy(true) first.
func (v Value) ToContainer() (*Container, error) {
	if v.kind != KindContainer {
		if v.kind == KindNull {
			return nil, newTypeError(v.kind, "container", "null-conversion")
		}
		return nil, newTypeError(v.kind, "container", "unsupported source kind")
	}
	return v.cn, nil
}

// Equal reports whether two values are field-for-field identical, recursing
// into nested containers.
func (v Value) Equal(other Value) bool {
	if v.name != other.name || v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == other.b
	case KindInt8, KindInt16, KindInt32, KindInt64:
		return v.i == other.i
	case KindUint8, KindUint16, KindUint32, KindUint64:
		return v.u == other.u
	case KindFloat:
		return v.f32 == other.f32
	case KindDouble:
		return v.f64 == other.f64
	case KindString:
		return v.s == other.s
	case KindBytes:
		if len(v.by) != len(other.by) {
			return false
		}
		for i := range v.by {
			if v.by[i] != other.by[i] {
				return false
			}
		}
		return true
	case KindContainer:
		return v.cn.Equal(other.cn)
	}
	return false
}
