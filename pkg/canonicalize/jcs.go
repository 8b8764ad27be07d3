// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization. The canonical form is the only input ever fed to ledger
// hashing and evidence signing, so two semantically equal values must always
// produce identical bytes.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// Object keys are sorted recursively, array order is preserved, insignificant
// whitespace is removed and HTML characters are not escaped. Structs are
// marshalled through their json tags first.
func JCS(v any) ([]byte, error) {
	var intermediate []byte
	switch t := v.(type) {
	case json.RawMessage:
		intermediate = t
	case []byte:
		intermediate = t
	default:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(v); err != nil {
			return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
		}
		intermediate = bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})
	}

	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return out, nil
}

// JCSString returns the JCS canonical form as a string.
func JCSString(v any) (string, error) {
	data, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// CanonicalHash returns the SHA-256 hex digest of the canonical JSON representation of v.
func CanonicalHash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 of raw bytes and returns lowercase hex.
func HashBytes(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// HashString is HashBytes for string input.
func HashString(s string) string {
	return HashBytes([]byte(s))
}

// IsHexDigest reports whether s is a 64-character lowercase hex SHA-256 digest.
func IsHexDigest(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
