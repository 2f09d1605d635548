// Package bencode implements a strict bencode codec.
//
// Unlike github.com/zeebo/bencode, which maps bencoded data onto Go structs
// and is forgiving about input, this package validates the canonical form of
// a stream (sorted unique dictionary keys, no leading zeros, no trailing
// garbage) and can report the exact byte range of a sub-value. The byte
// range operation is what makes info-hash computation possible without
// re-encoding.
package bencode

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
)

// ErrMalformed is returned when the input is not canonical bencode.
// Returned errors wrap ErrMalformed; use errors.Is to test for it.
var ErrMalformed = errors.New("malformed bencode")

// ErrKeyNotFound is returned by RawValue when the dictionary does not
// contain the requested key.
var ErrKeyNotFound = errors.New("key not found in dictionary")

func malformed(pos int, reason string) error {
	return fmt.Errorf("%w: %s at offset %d", ErrMalformed, reason, pos)
}

// Decode parses b as a single bencoded value.
// Integers decode as int64, strings as []byte, lists as []interface{} and
// dictionaries as map[string]interface{}. The whole input must be consumed.
func Decode(b []byte) (interface{}, error) {
	s := scanner{b: b}
	v, err := s.value()
	if err != nil {
		return nil, err
	}
	if s.pos != len(b) {
		return nil, malformed(s.pos, "trailing garbage")
	}
	return v, nil
}

// Validate walks b and checks that it is a single canonical bencoded value.
func Validate(b []byte) error {
	s := scanner{b: b}
	if err := s.skipValue(); err != nil {
		return err
	}
	if s.pos != len(b) {
		return malformed(s.pos, "trailing garbage")
	}
	return nil
}

// RawValue returns the exact bytes of the value stored under key in the
// top-level dictionary of b. The returned slice aliases b.
func RawValue(b []byte, key string) ([]byte, error) {
	s := scanner{b: b}
	if s.pos >= len(s.b) || s.b[s.pos] != 'd' {
		return nil, malformed(s.pos, "not a dictionary")
	}
	s.pos++
	var prevKey []byte
	for {
		if s.pos >= len(s.b) {
			return nil, malformed(s.pos, "unterminated dictionary")
		}
		if s.b[s.pos] == 'e' {
			return nil, ErrKeyNotFound
		}
		k, err := s.str()
		if err != nil {
			return nil, err
		}
		if prevKey != nil && bytes.Compare(prevKey, k) >= 0 {
			return nil, malformed(s.pos, "dictionary keys not sorted")
		}
		prevKey = k
		start := s.pos
		if err = s.skipValue(); err != nil {
			return nil, err
		}
		if string(k) == key {
			return s.b[start:s.pos], nil
		}
	}
}

// Encode serialises v into canonical bencode.
// Accepted types: int, int64, uint32, string, []byte, []interface{} and
// map[string]interface{}. Dictionary keys are emitted in sorted order.
func Encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeValue(buf *bytes.Buffer, v interface{}) error {
	switch x := v.(type) {
	case int:
		return encodeValue(buf, int64(x))
	case uint32:
		return encodeValue(buf, int64(x))
	case int64:
		buf.WriteByte('i')
		buf.WriteString(strconv.FormatInt(x, 10))
		buf.WriteByte('e')
	case string:
		return encodeValue(buf, []byte(x))
	case []byte:
		buf.WriteString(strconv.Itoa(len(x)))
		buf.WriteByte(':')
		buf.Write(x)
	case []interface{}:
		buf.WriteByte('l')
		for _, item := range x {
			if err := encodeValue(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte('e')
	case map[string]interface{}:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('d')
		for _, k := range keys {
			if err := encodeValue(buf, []byte(k)); err != nil {
				return err
			}
			if err := encodeValue(buf, x[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('e')
	default:
		return fmt.Errorf("bencode: cannot encode type %T", v)
	}
	return nil
}

type scanner struct {
	b   []byte
	pos int
}

func (s *scanner) value() (interface{}, error) {
	if s.pos >= len(s.b) {
		return nil, malformed(s.pos, "unexpected end of input")
	}
	switch c := s.b[s.pos]; {
	case c == 'i':
		return s.integer()
	case c >= '0' && c <= '9':
		return s.str()
	case c == 'l':
		s.pos++
		list := make([]interface{}, 0)
		for {
			if s.pos >= len(s.b) {
				return nil, malformed(s.pos, "unterminated list")
			}
			if s.b[s.pos] == 'e' {
				s.pos++
				return list, nil
			}
			item, err := s.value()
			if err != nil {
				return nil, err
			}
			list = append(list, item)
		}
	case c == 'd':
		s.pos++
		dict := make(map[string]interface{})
		var prevKey []byte
		for {
			if s.pos >= len(s.b) {
				return nil, malformed(s.pos, "unterminated dictionary")
			}
			if s.b[s.pos] == 'e' {
				s.pos++
				return dict, nil
			}
			k, err := s.str()
			if err != nil {
				return nil, err
			}
			if prevKey != nil && bytes.Compare(prevKey, k) >= 0 {
				return nil, malformed(s.pos, "dictionary keys not sorted")
			}
			prevKey = k
			val, err := s.value()
			if err != nil {
				return nil, err
			}
			dict[string(k)] = val
		}
	default:
		return nil, malformed(s.pos, "invalid type prefix "+strconv.QuoteRune(rune(c)))
	}
}

func (s *scanner) integer() (int64, error) {
	start := s.pos
	s.pos++ // consume 'i'
	end := s.pos
	for end < len(s.b) && s.b[end] != 'e' {
		end++
	}
	if end == len(s.b) {
		return 0, malformed(start, "unterminated integer")
	}
	digits := string(s.b[s.pos:end])
	if digits == "" {
		return 0, malformed(start, "empty integer")
	}
	if digits == "-0" || (len(digits) > 1 && digits[0] == '0') || (len(digits) > 2 && digits[0] == '-' && digits[1] == '0') {
		return 0, malformed(start, "integer has leading zero")
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, malformed(start, "invalid integer "+strconv.Quote(digits))
	}
	s.pos = end + 1
	return n, nil
}

func (s *scanner) str() ([]byte, error) {
	start := s.pos
	end := s.pos
	for end < len(s.b) && s.b[end] != ':' {
		if s.b[end] < '0' || s.b[end] > '9' {
			return nil, malformed(end, "invalid string length prefix")
		}
		end++
	}
	if end == len(s.b) {
		return nil, malformed(start, "unterminated string length")
	}
	digits := string(s.b[start:end])
	if digits == "" {
		return nil, malformed(start, "empty string length")
	}
	if len(digits) > 1 && digits[0] == '0' {
		return nil, malformed(start, "string length has leading zero")
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return nil, malformed(start, "invalid string length "+strconv.Quote(digits))
	}
	s.pos = end + 1
	if s.pos+n > len(s.b) {
		return nil, malformed(start, "string extends past end of input")
	}
	b := s.b[s.pos : s.pos+n]
	s.pos += n
	return b, nil
}

func (s *scanner) skipValue() error {
	if s.pos >= len(s.b) {
		return malformed(s.pos, "unexpected end of input")
	}
	switch c := s.b[s.pos]; {
	case c == 'i':
		_, err := s.integer()
		return err
	case c >= '0' && c <= '9':
		_, err := s.str()
		return err
	case c == 'l':
		s.pos++
		for {
			if s.pos >= len(s.b) {
				return malformed(s.pos, "unterminated list")
			}
			if s.b[s.pos] == 'e' {
				s.pos++
				return nil
			}
			if err := s.skipValue(); err != nil {
				return err
			}
		}
	case c == 'd':
		s.pos++
		var prevKey []byte
		for {
			if s.pos >= len(s.b) {
				return malformed(s.pos, "unterminated dictionary")
			}
			if s.b[s.pos] == 'e' {
				s.pos++
				return nil
			}
			k, err := s.str()
			if err != nil {
				return err
			}
			if prevKey != nil && bytes.Compare(prevKey, k) >= 0 {
				return malformed(s.pos, "dictionary keys not sorted")
			}
			prevKey = k
			if err := s.skipValue(); err != nil {
				return err
			}
		}
	default:
		return malformed(s.pos, "invalid type prefix "+strconv.QuoteRune(rune(c)))
	}
}
