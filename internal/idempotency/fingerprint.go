package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"golang.org/x/text/unicode/norm"
)

// fingerprintPrefix versions the fingerprint format so a future change to
// the canonical encoding cannot silently collide with stored values.
const fingerprintPrefix = "fp:v1:sha256:"

// fingerprintDomain separates these hashes from any other sha256 use.
const fingerprintDomain = "buddyapp/idempotency/fingerprint/v1"

// Fingerprint derives a stable digest of a guarded call: operation name,
// owner and the canonical form of its parameters. Two calls fingerprint
// equal iff they are semantically the same request, independent of key
// order, whitespace or unicode representation of the inputs.
func Fingerprint(operation, ownerID string, params any) (string, error) {
	canon, err := canonicalJSON(params)
	if err != nil {
		return "", fmt.Errorf("canonicalize params: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(fingerprintDomain))
	h.Write([]byte{0})
	h.Write([]byte(norm.NFC.String(operation)))
	h.Write([]byte{0})
	h.Write([]byte(norm.NFC.String(ownerID)))
	h.Write([]byte{0})
	h.Write(canon)

	return fingerprintPrefix + hex.EncodeToString(h.Sum(nil)), nil
}

// canonicalJSON renders v as deterministic JSON: object keys sorted,
// strings NFC-normalized, no HTML escaping, no insignificant whitespace.
// Numbers keep the literal form of their standard JSON encoding.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, tree); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
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
		buf.WriteString(t.String())
	case string:
		return writeCanonicalString(buf, t)
	case []any:
		buf.WriteByte('[')
		for i, el := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, el); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		normed := make(map[string]string, len(t))
		for k := range t {
			nk := norm.NFC.String(k)
			if _, dup := normed[nk]; dup {
				return fmt.Errorf("duplicate object key after normalization: %q", nk)
			}
			normed[nk] = k
			keys = append(keys, nk)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, nk := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonicalString(buf, nk); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[normed[nk]]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("unsupported value of type %T in canonical encoding", v)
	}
	return nil
}

func writeCanonicalString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(norm.NFC.String(s)); err != nil {
		return err
	}
	// Encode appends a newline.
	buf.Write(bytes.TrimRight(tmp.Bytes(), "\n"))
	return nil
}
