// Package bencode implements BitTorrent's bencode encoding: self-delimiting
// binary strings, 64-bit signed integers, lists, and dictionaries, as used
// by the KRPC wire protocol (BEP-5). Decoding never panics; every failure
// is a returned error.
package bencode

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
)

// Kind discriminates the four bencode value shapes.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindList
	KindDict
)

// Value is a decoded bencode value. Exactly one of the typed fields is
// meaningful, selected by Kind — a small discriminated union rather than
// an `any`-typed tree, so callers pattern-match on Kind instead of type
// switching on interface{}.
type Value struct {
	Kind Kind
	Str  []byte           // KindString
	Int  int64            // KindInt
	List []Value          // KindList
	Dict map[string]Value // KindDict
}

// String returns a KindString value wrapping s.
func String(s string) Value { return Value{Kind: KindString, Str: []byte(s)} }

// Bytes returns a KindString value wrapping b (bencode strings are byte
// sequences, not necessarily UTF-8).
func Bytes(b []byte) Value { return Value{Kind: KindString, Str: b} }

// Int returns a KindInt value.
func Int(n int64) Value { return Value{Kind: KindInt, Int: n} }

// List returns a KindList value.
func List(items ...Value) Value { return Value{Kind: KindList, List: items} }

// Dict returns an empty KindDict value ready for Set calls.
func Dict() Value { return Value{Kind: KindDict, Dict: map[string]Value{}} }

// Set inserts or overwrites a key in a KindDict value. Panics if called on
// a non-dict value — a programmer error, not a wire-input error.
func (v Value) Set(key string, val Value) {
	if v.Kind != KindDict {
		panic("bencode: Set on non-dict value")
	}
	v.Dict[key] = val
}

// IsString, IsInt, IsList, IsDict are convenience predicates.
func (v Value) IsString() bool { return v.Kind == KindString }
func (v Value) IsInt() bool    { return v.Kind == KindInt }
func (v Value) IsList() bool   { return v.Kind == KindList }
func (v Value) IsDict() bool   { return v.Kind == KindDict }

// Get looks up key in a dict value. ok is false if v is not a dict or the
// key is absent.
func (v Value) Get(key string) (Value, bool) {
	if v.Kind != KindDict {
		return Value{}, false
	}
	val, ok := v.Dict[key]
	return val, ok
}

// GetString looks up a string-valued key.
func (v Value) GetString(key string) (string, bool) {
	val, ok := v.Get(key)
	if !ok || val.Kind != KindString {
		return "", false
	}
	return string(val.Str), true
}

// GetBytes looks up a string-valued key without a UTF-8 conversion.
func (v Value) GetBytes(key string) ([]byte, bool) {
	val, ok := v.Get(key)
	if !ok || val.Kind != KindString {
		return nil, false
	}
	return val.Str, true
}

// GetInt looks up an int-valued key.
func (v Value) GetInt(key string) (int64, bool) {
	val, ok := v.Get(key)
	if !ok || val.Kind != KindInt {
		return 0, false
	}
	return val.Int, true
}

// GetList looks up a list-valued key.
func (v Value) GetList(key string) ([]Value, bool) {
	val, ok := v.Get(key)
	if !ok || val.Kind != KindList {
		return nil, false
	}
	return val.List, true
}

// GetDict looks up a dict-valued key.
func (v Value) GetDict(key string) (Value, bool) {
	val, ok := v.Get(key)
	if !ok || val.Kind != KindDict {
		return Value{}, false
	}
	return val, true
}

// Equal reports deep equality between two values (used by round-trip
// tests).
func Equal(a, b Value) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindString:
		return bytes.Equal(a.Str, b.Str)
	case KindInt:
		return a.Int == b.Int
	case KindList:
		if len(a.List) != len(b.List) {
			return false
		}
		for i := range a.List {
			if !Equal(a.List[i], b.List[i]) {
				return false
			}
		}
		return true
	case KindDict:
		if len(a.Dict) != len(b.Dict) {
			return false
		}
		for k, av := range a.Dict {
			bv, ok := b.Dict[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	}
	return false
}

// Encode serializes v using canonical encoding: dictionary keys in
// byte-lexicographic order.
func Encode(v Value) []byte {
	var buf bytes.Buffer
	encodeTo(&buf, v)
	return buf.Bytes()
}

func encodeTo(buf *bytes.Buffer, v Value) {
	switch v.Kind {
	case KindString:
		buf.WriteString(strconv.Itoa(len(v.Str)))
		buf.WriteByte(':')
		buf.Write(v.Str)
	case KindInt:
		buf.WriteByte('i')
		buf.WriteString(strconv.FormatInt(v.Int, 10))
		buf.WriteByte('e')
	case KindList:
		buf.WriteByte('l')
		for _, item := range v.List {
			encodeTo(buf, item)
		}
		buf.WriteByte('e')
	case KindDict:
		buf.WriteByte('d')
		keys := make([]string, 0, len(v.Dict))
		for k := range v.Dict {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			buf.WriteString(strconv.Itoa(len(k)))
			buf.WriteByte(':')
			buf.WriteString(k)
			encodeTo(buf, v.Dict[k])
		}
		buf.WriteByte('e')
	default:
		panic(fmt.Sprintf("bencode: invalid Kind %d", v.Kind))
	}
}
