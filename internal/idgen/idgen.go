// Package idgen generates random identifiers for ledger and reputation rows.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// Row id prefixes.
const (
	PrefixCreditTx = "ctx_"
	PrefixEvent    = "rev_"
	PrefixAudit    = "aud_"
	PrefixRequest  = "req_"
)

// WithPrefix returns prefix followed by 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Hex returns a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
