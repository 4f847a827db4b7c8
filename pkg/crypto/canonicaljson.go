package crypto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// CanonicalJSON encodes v the way the signed-dict protocol requires:
// sorted object keys, no insignificant whitespace, UTF-8 output (never
// \uXXXX-escaped). v is typically a map[string]interface{} decoded from
// incoming event JSON, so object key order must be recovered at encode
// time rather than relying on struct field order.
func CanonicalJSON(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case map[string]interface{}:
		return encodeCanonicalObject(buf, val)
	case []interface{}:
		return encodeCanonicalArray(buf, val)
	default:
		return encodeCanonicalScalar(buf, v)
	}
}

func encodeCanonicalObject(buf *bytes.Buffer, obj map[string]interface{}) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := encodeCanonicalString(k)
		if err != nil {
			return err
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')
		if err := encodeCanonical(buf, obj[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func encodeCanonicalArray(buf *bytes.Buffer, arr []interface{}) error {
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeCanonical(buf, elem); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

func encodeCanonicalScalar(buf *bytes.Buffer, v interface{}) error {
	if s, ok := v.(string); ok {
		b, err := encodeCanonicalString(s)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("canonicaljson: %w", err)
	}
	buf.Write(b)
	return nil
}

// encodeCanonicalString marshals a string without escaping non-ASCII
// runes, matching ensure_ascii=false canonical JSON.
func encodeCanonicalString(s string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return nil, fmt.Errorf("canonicaljson: %w", err)
	}
	// json.Encoder.Encode appends a trailing newline.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
