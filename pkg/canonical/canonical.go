// Package canonical provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and the dual-hash digest used to stamp every receipt.
//
// The dual hash is the concatenation of two independent 256-bit digests,
// "<sha256-hex>:<blake2b256-hex>", raising the cost of collision forgery
// above either algorithm alone.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/gowebpki/jcs"
	"golang.org/x/crypto/blake2b"
)

var dualHashPattern = regexp.MustCompile(`^[a-f0-9]{64}:[a-f0-9]{64}$`)

// Bytes returns the RFC 8785 canonical JSON form of v. Map keys are sorted
// lexicographically and HTML escaping is disabled, so equal values always
// produce byte-identical output.
func Bytes(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal failed: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: transform failed: %w", err)
	}
	return out, nil
}

// DualHash computes the SHA-256 and BLAKE2b-256 digests of data and joins
// them as "<sha256-hex>:<blake2b-hex>".
func DualHash(data []byte) string {
	sha := sha256.Sum256(data)
	b2 := blake2b.Sum256(data)
	return hex.EncodeToString(sha[:]) + ":" + hex.EncodeToString(b2[:])
}

// HashJSON canonicalizes v and returns its dual hash.
func HashJSON(v any) (string, error) {
	b, err := Bytes(v)
	if err != nil {
		return "", err
	}
	return DualHash(b), nil
}

// ValidateDualHash reports whether s is a well-formed dual hash: two
// 64-character lowercase hex digests joined by a colon.
func ValidateDualHash(s string) bool {
	return dualHashPattern.MatchString(s)
}
