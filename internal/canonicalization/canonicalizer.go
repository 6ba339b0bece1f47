// Package canonicalization produces the canonical byte form and payload hash
// for run parameters.
//
// The canonical form is minified JSON with lexicographic key order at every
// nesting level: no insignificant whitespace, arrays in original order, and
// UTF-8 strings emitted without HTML escaping. The same parameter value yields
// byte-identical output across runs and processes, which makes the SHA-256
// payload hash usable for implicit deduplication.
//
// Key functions:
//   - Canonicalize: parameter map -> (canonical bytes, lowercase hex SHA-256)
//   - CanonicalizeRaw: raw JSON object -> same, preserving number literals
package canonicalization

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrNotObject is returned when the raw payload is not a JSON object.
var ErrNotObject = errors.New("parameters must be a JSON object")

// Canonicalize produces the canonical JSON encoding of a parameter map and
// the lowercase hex SHA-256 digest of those bytes.
//
// Values may be any JSON-like Go value: maps with string keys, slices,
// strings, numbers (including json.Number), booleans, and nil. Non-serializable
// values (channels, functions, cyclic structures) yield an error; callers
// surface it as a bad request.
func Canonicalize(params map[string]any) ([]byte, string, error) {
	var buf bytes.Buffer

	if err := encodeValue(&buf, params); err != nil {
		return nil, "", fmt.Errorf("canonicalize parameters: %w", err)
	}

	digest := sha256.Sum256(buf.Bytes())

	return buf.Bytes(), hex.EncodeToString(digest[:]), nil
}

// CanonicalizeRaw canonicalizes a raw JSON object as received on the wire.
//
// Numbers are decoded as json.Number so the client's literal (e.g. "1.0"
// versus "1") is preserved verbatim in the canonical form. This keeps the
// canonical bytes stable under a decode/encode round trip.
func CanonicalizeRaw(raw json.RawMessage) ([]byte, string, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var params map[string]any
	if err := decoder.Decode(&params); err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrNotObject, err)
	}

	// The literal null decodes into a nil map without error; it is not an
	// object and must not canonicalize to "{}".
	if params == nil {
		return nil, "", ErrNotObject
	}

	return Canonicalize(params)
}

// encodeValue writes the canonical encoding of a single value.
func encodeValue(buf *bytes.Buffer, value any) error {
	switch v := value.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if v {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		// Emitted verbatim: the decoder already guaranteed it is a valid
		// JSON number literal.
		buf.WriteString(v.String())
	case string:
		return encodeLeaf(buf, v)
	case map[string]any:
		return encodeObject(buf, v)
	case []any:
		return encodeArray(buf, v)
	default:
		// Programmatic inputs (float64, int, structs, typed slices/maps).
		// encoding/json sorts map keys and uses the shortest round-trippable
		// form for floats, so determinism is preserved.
		return encodeLeaf(buf, v)
	}

	return nil
}

// encodeObject writes a JSON object with keys in lexicographic order.
func encodeObject(buf *bytes.Buffer, obj map[string]any) error {
	keys := make([]string, 0, len(obj))
	for key := range obj {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	buf.WriteByte('{')

	for i, key := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}

		if err := encodeLeaf(buf, key); err != nil {
			return err
		}

		buf.WriteByte(':')

		if err := encodeValue(buf, obj[key]); err != nil {
			return err
		}
	}

	buf.WriteByte('}')

	return nil
}

// encodeArray writes a JSON array preserving element order.
func encodeArray(buf *bytes.Buffer, arr []any) error {
	buf.WriteByte('[')

	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}

		if err := encodeValue(buf, elem); err != nil {
			return err
		}
	}

	buf.WriteByte(']')

	return nil
}

// encodeLeaf encodes a value through encoding/json with HTML escaping
// disabled, so UTF-8 and characters like '<' pass through unescaped.
func encodeLeaf(buf *bytes.Buffer, value any) error {
	encoder := json.NewEncoder(buf)
	encoder.SetEscapeHTML(false)

	if err := encoder.Encode(value); err != nil {
		return err
	}

	// json.Encoder terminates every value with a newline; the canonical form
	// carries no whitespace.
	buf.Truncate(buf.Len() - 1)

	return nil
}
