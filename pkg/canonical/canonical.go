// Package canonical provides deterministic JSON canonicalization and the
// content-addressed hashing every authority artifact is keyed by.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// CanonicalizeJSON returns the canonical form of raw: object keys recursively
// sorted, arrays kept in order, no insignificant whitespace. Two logically
// identical documents always canonicalize to the same bytes.
func CanonicalizeJSON(raw json.RawMessage) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := canonicalizeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func canonicalizeValue(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		b, _ := json.Marshal(t)
		buf.Write(b)
	case json.Number:
		buf.WriteString(t.String())
	case []interface{}:
		buf.WriteString("[")
		for i, vv := range t {
			if i > 0 {
				buf.WriteString(",")
			}
			if err := canonicalizeValue(buf, vv); err != nil {
				return err
			}
		}
		buf.WriteString("]")
	case map[string]interface{}:
		buf.WriteString("{")
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i > 0 {
				buf.WriteString(",")
			}
			ks, _ := json.Marshal(k)
			buf.Write(ks)
			buf.WriteString(":")
			if err := canonicalizeValue(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteString("}")
	default:
		return errors.New("unsupported json type")
	}
	return nil
}

// HashJSON computes the sha256 of the canonical form of raw, lowercase hex.
func HashJSON(raw json.RawMessage) (string, error) {
	canon, err := CanonicalizeJSON(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// HashValue marshals v and hashes its canonical form. Struct field order and
// map iteration order never affect the result.
func HashValue(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal for hashing: %w", err)
	}
	return HashJSON(raw)
}

// Hash namespaces. Artifact IDs and idempotency keys hash the same fields but
// must never collide with each other, so each carries its own prefix.
const (
	artifactNamespace    = "artifact"
	idempotencyNamespace = "idem"
)

// ArtifactID derives the content-addressed ID for an artifact:
// sha256 over length-prefixed (namespace, class, tenant, keyFields..., payloadHash).
// Length prefixing ("<len>:<value>") removes concatenation ambiguity between
// different field sequences.
func ArtifactID(artifactClass, tenantID string, keyFields []string, payloadHash string) string {
	return lengthPrefixedHash(artifactNamespace, artifactClass, tenantID, keyFields, payloadHash)
}

// IdempotencyKey derives the uniqueness-constraint target for duplicate
// submission dedupe. Independently namespaced from ArtifactID.
func IdempotencyKey(artifactClass, tenantID string, keyFields []string, payloadHash string) string {
	return lengthPrefixedHash(idempotencyNamespace, artifactClass, tenantID, keyFields, payloadHash)
}

func lengthPrefixedHash(namespace, artifactClass, tenantID string, keyFields []string, payloadHash string) string {
	var buf bytes.Buffer
	writeField := func(s string) {
		fmt.Fprintf(&buf, "%d:%s", len(s), s)
	}
	writeField(namespace)
	writeField(artifactClass)
	writeField(tenantID)
	for _, f := range keyFields {
		writeField(f)
	}
	writeField(payloadHash)
	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:])
}

// HashString computes the sha256 of s, lowercase hex.
func HashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

var hexHashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// IsHexHash reports whether s is a 64-char lowercase hex sha256 digest.
func IsHexHash(s string) bool {
	return hexHashPattern.MatchString(s)
}

// SortedUniqueStrings returns a sorted copy of in with duplicates and empty
// entries removed. Lists are always normalized this way before hashing so the
// hash is independent of insertion order.
func SortedUniqueStrings(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]struct{}{}
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
