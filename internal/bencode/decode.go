package bencode

import (
	"errors"
	"fmt"
)

// ErrInvalidBencode reports malformed bencode input.
var ErrInvalidBencode = errors.New("bencode: invalid encoding")

// TrailingDataError is returned when decoding a top-level value leaves
// unconsumed bytes.
type TrailingDataError struct {
	Unconsumed int
}

func (e *TrailingDataError) Error() string {
	return fmt.Sprintf("bencode: %d trailing byte(s) after top-level value", e.Unconsumed)
}

// Decode parses exactly one top-level bencode value from data and
// requires that the entire input be consumed.
func Decode(data []byte) (Value, error) {
	v, n, err := decodeValue(data)
	if err != nil {
		return Value{}, err
	}
	if n != len(data) {
		return Value{}, &TrailingDataError{Unconsumed: len(data) - n}
	}
	return v, nil
}

// DecodePrefix parses one top-level value and returns the number of bytes
// consumed, tolerating trailing data. Used when multiple bencode values
// are concatenated on a stream (not needed by KRPC itself, but kept for
// symmetry with the original bencode library's API shape).
func DecodePrefix(data []byte) (Value, int, error) {
	return decodeValue(data)
}

func decodeValue(data []byte) (Value, int, error) {
	if len(data) == 0 {
		return Value{}, 0, fmt.Errorf("%w: empty input", ErrInvalidBencode)
	}
	switch {
	case data[0] == 'i':
		return decodeInt(data)
	case data[0] == 'l':
		return decodeList(data)
	case data[0] == 'd':
		return decodeDict(data)
	case data[0] >= '0' && data[0] <= '9':
		return decodeString(data)
	default:
		return Value{}, 0, fmt.Errorf("%w: unexpected leading byte %q", ErrInvalidBencode, data[0])
	}
}

func decodeInt(data []byte) (Value, int, error) {
	// data[0] == 'i'
	end := indexByte(data, 1, 'e')
	if end < 0 {
		return Value{}, 0, fmt.Errorf("%w: unterminated integer", ErrInvalidBencode)
	}
	digits := data[1:end]
	if len(digits) == 0 {
		return Value{}, 0, fmt.Errorf("%w: empty integer", ErrInvalidBencode)
	}
	if len(digits) > 1 && digits[0] == '0' {
		return Value{}, 0, fmt.Errorf("%w: integer has leading zero", ErrInvalidBencode)
	}
	if len(digits) > 2 && digits[0] == '-' && digits[1] == '0' {
		return Value{}, 0, fmt.Errorf("%w: integer has leading zero", ErrInvalidBencode)
	}
	n, err := parseInt64(digits)
	if err != nil {
		return Value{}, 0, fmt.Errorf("%w: %v", ErrInvalidBencode, err)
	}
	return Int(n), end + 1, nil
}

func decodeString(data []byte) (Value, int, error) {
	colon := indexByte(data, 0, ':')
	if colon < 0 {
		return Value{}, 0, fmt.Errorf("%w: malformed string length", ErrInvalidBencode)
	}
	length, err := parseUint64(data[:colon])
	if err != nil {
		return Value{}, 0, fmt.Errorf("%w: %v", ErrInvalidBencode, err)
	}
	start := colon + 1
	end := start + int(length)
	if int64(end) < int64(start) || end > len(data) {
		return Value{}, 0, fmt.Errorf("%w: string length exceeds input", ErrInvalidBencode)
	}
	buf := make([]byte, length)
	copy(buf, data[start:end])
	return Bytes(buf), end, nil
}

func decodeList(data []byte) (Value, int, error) {
	pos := 1 // skip 'l'
	var items []Value
	for {
		if pos >= len(data) {
			return Value{}, 0, fmt.Errorf("%w: unterminated list", ErrInvalidBencode)
		}
		if data[pos] == 'e' {
			return Value{Kind: KindList, List: items}, pos + 1, nil
		}
		v, n, err := decodeValue(data[pos:])
		if err != nil {
			return Value{}, 0, err
		}
		items = append(items, v)
		pos += n
	}
}

func decodeDict(data []byte) (Value, int, error) {
	pos := 1 // skip 'd'
	dict := make(map[string]Value)
	for {
		if pos >= len(data) {
			return Value{}, 0, fmt.Errorf("%w: unterminated dict", ErrInvalidBencode)
		}
		if data[pos] == 'e' {
			return Value{Kind: KindDict, Dict: dict}, pos + 1, nil
		}
		keyVal, n, err := decodeValue(data[pos:])
		if err != nil {
			return Value{}, 0, err
		}
		if keyVal.Kind != KindString {
			return Value{}, 0, fmt.Errorf("%w: dict key must be a string", ErrInvalidBencode)
		}
		pos += n
		if pos >= len(data) {
			return Value{}, 0, fmt.Errorf("%w: dict value missing", ErrInvalidBencode)
		}
		val, n, err := decodeValue(data[pos:])
		if err != nil {
			return Value{}, 0, err
		}
		dict[string(keyVal.Str)] = val
		pos += n
	}
}

func indexByte(data []byte, from int, b byte) int {
	for i := from; i < len(data); i++ {
		if data[i] == b {
			return i
		}
	}
	return -1
}

func parseInt64(digits []byte) (int64, error) {
	neg := false
	i := 0
	if len(digits) > 0 && digits[0] == '-' {
		neg = true
		i = 1
	}
	if i >= len(digits) {
		return 0, fmt.Errorf("no digits")
	}
	var n int64
	for ; i < len(digits); i++ {
		c := digits[i]
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("non-digit byte %q", c)
		}
		n = n*10 + int64(c-'0')
	}
	if neg {
		n = -n
	}
	return n, nil
}

func parseUint64(digits []byte) (uint64, error) {
	if len(digits) == 0 {
		return 0, fmt.Errorf("no digits")
	}
	var n uint64
	for _, c := range digits {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("non-digit byte %q", c)
		}
		n = n*10 + uint64(c-'0')
	}
	return n, nil
}
