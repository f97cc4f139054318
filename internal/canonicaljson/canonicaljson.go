// Package canonicaljson implements the canonical-JSON encoding used for
// event hashing and signing (§6.3): sorted object keys, no insignificant
// whitespace, UTF-8, integers in the JSON-safe range, no floats.
//
// Key sorting and field stripping (redaction, signature/unsigned removal
// before hashing) are done by walking the raw bytes with tidwall/gjson and
// rewriting with tidwall/sjson rather than round-tripping through
// map[string]interface{}, matching the teacher's JSON-surgery idiom
// elsewhere in the corpus (gjson/sjson appear together in the teacher's
// go.mod for exactly this kind of in-place rewrite).
package canonicaljson

import (
	"bytes"
	"fmt"
	"math"
	"sort"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// MaxSafeInteger is the largest integer JSON numbers may carry per §6.3.
const MaxSafeInteger = int64(1)<<53 - 1

// MinSafeInteger is the smallest integer JSON numbers may carry per §6.3.
const MinSafeInteger = -MaxSafeInteger

// Encode re-serializes raw JSON into canonical form: sorted keys at every
// object level, compact separators, no floats.
func Encode(raw []byte) ([]byte, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("canonicaljson: invalid JSON")
	}
	result := gjson.ParseBytes(raw)
	var buf bytes.Buffer
	if err := encodeValue(&buf, result); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeValue(buf *bytes.Buffer, v gjson.Result) error {
	switch v.Type {
	case gjson.Null:
		buf.WriteString("null")
	case gjson.False:
		buf.WriteString("false")
	case gjson.True:
		buf.WriteString("true")
	case gjson.Number:
		return encodeNumber(buf, v)
	case gjson.String:
		buf.WriteString(encodeString(v.String()))
	case gjson.JSON:
		if v.IsArray() {
			return encodeArray(buf, v)
		}
		return encodeObject(buf, v)
	default:
		return fmt.Errorf("canonicaljson: unsupported value type")
	}
	return nil
}

func encodeNumber(buf *bytes.Buffer, v gjson.Result) error {
	f := v.Num
	if f != math.Trunc(f) || math.IsInf(f, 0) || math.IsNaN(f) {
		return fmt.Errorf("canonicaljson: floating point numbers are not permitted")
	}
	i := v.Int()
	if float64(i) > MaxSafeInteger || float64(i) < MinSafeInteger {
		return fmt.Errorf("canonicaljson: integer %d outside JSON-safe range", i)
	}
	buf.WriteString(fmt.Sprintf("%d", i))
	return nil
}

func encodeArray(buf *bytes.Buffer, v gjson.Result) error {
	buf.WriteByte('[')
	first := true
	var err error
	v.ForEach(func(_, value gjson.Result) bool {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		err = encodeValue(buf, value)
		return err == nil
	})
	buf.WriteByte(']')
	return err
}

func encodeObject(buf *bytes.Buffer, v gjson.Result) error {
	type kv struct {
		key string
		val gjson.Result
	}
	var entries []kv
	v.ForEach(func(key, value gjson.Result) bool {
		entries = append(entries, kv{key.String(), value})
		return true
	})
	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })

	buf.WriteByte('{')
	var err error
	for i, e := range entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(encodeString(e.key))
		buf.WriteByte(':')
		if err = encodeValue(buf, e.val); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return err
}

// encodeString applies the minimal-escape rule: only the characters JSON
// requires to be escaped are escaped.
func encodeString(s string) string {
	var buf bytes.Buffer
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				buf.WriteString(fmt.Sprintf(`\u%04x`, r))
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
	return buf.String()
}

// StripFields removes top-level fields before hashing/signing (signatures,
// unsigned, age_ts, ...), matching the "unsigned JSON" step of event
// hashing.
func StripFields(raw []byte, fields ...string) ([]byte, error) {
	out := raw
	var err error
	for _, f := range fields {
		out, err = sjson.DeleteBytes(out, f)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// IsIdempotent reports whether encoding raw twice yields byte-identical
// output, the round-trip law required by §8.
func IsIdempotent(raw []byte) (bool, error) {
	first, err := Encode(raw)
	if err != nil {
		return false, err
	}
	second, err := Encode(first)
	if err != nil {
		return false, err
	}
	return bytes.Equal(first, second), nil
}
