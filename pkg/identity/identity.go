// Package identity derives the short conversation identity code shown to
// and exchanged between users.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// CodeLength is the number of hex characters kept from the identity hash.
const CodeLength = 6

// Derive produces a stable identity code from a username and passphrase:
// SHA-256 over "user:pass" with the username lowercased, truncated to
// CodeLength hex characters and uppercased.
func Derive(user, pass string) string {
	raw := strings.ToLower(strings.TrimSpace(user)) + ":" + strings.TrimSpace(pass)
	sum := sha256.Sum256([]byte(raw))
	return strings.ToUpper(hex.EncodeToString(sum[:])[:CodeLength])
}
