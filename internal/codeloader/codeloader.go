// Package codeloader derives stable content-addressed identifiers for
// bundle code, the basis vmcore's BundleID values are built from: the
// same content always hashes to the same identifier, so a hot-reload
// that resubmits unchanged code names the same bundle again.
package codeloader

import (
	"crypto/sha256"
	"encoding/hex"
)

// ContentHash computes a SHA-256 hash of code content for deduplication
// and bundle identification.
func ContentHash(code []byte) string {
	h := sha256.Sum256(code)
	return hex.EncodeToString(h[:])
}
