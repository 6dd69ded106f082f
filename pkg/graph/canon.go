package graph

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// canonicalJSON renders v as canonical JSON: object keys sorted
// lexicographically, no insignificant whitespace, and numbers preserved
// in their original literal form rather than reformatted through a
// float64 round-trip. This is the single biggest source of nondeterminism
// in hashing if done casually (SPEC_FULL.md §9), so it is hand-rolled
// against encoding/json's Decoder.UseNumber() rather than delegated to a
// library: no JSON-Canonicalization-Scheme (RFC 8785) library exists
// anywhere in the retrieved dependency corpus (see DESIGN.md).
func canonicalJSON(v any) ([]byte, error) {
	raw, err := marshalAny(v)
	if err != nil {
		return nil, err
	}
	// Round-trip through a Number-preserving decode so that any
	// map[string]any/[]any/json.Number produced by marshalAny is
	// re-emitted with sorted keys and literal number text.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonicalize: decode: %w", err)
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// marshalAny is the one place allowed to use an ordinary (non-canonical)
// marshaler, since its output is immediately re-parsed by canonicalJSON.
func marshalAny(v any) ([]byte, error) {
	switch t := v.(type) {
	case json.RawMessage:
		return t, nil
	case []byte:
		return t, nil
	default:
		return json.Marshal(v)
	}
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(string(t))
	case string:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(b)
	case []any:
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canonicalize: unsupported type %T", v)
	}
	return nil
}
