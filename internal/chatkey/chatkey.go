// ABOUTME: Deterministic conversation key derivation from remote addresses
// ABOUTME: Keys are salted BLAKE2b digests so addresses never appear in storage paths

package chatkey

import (
	"encoding/base32"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// keySize is the digest length in bytes; 15 bytes encode to 24 base32 characters.
const keySize = 15

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Derive returns the conversation key for a remote address. For session
// channels the caller passes the session id as discriminator so the same
// contact reached through two sessions yields two conversations.
func Derive(salt, address, discriminator string) string {
	address = NormalizeAddress(address)
	input := address
	if discriminator != "" {
		input = address + "_" + discriminator
	}

	h, err := blake2b.New(keySize, []byte(salt))
	if err != nil {
		// Only reachable with a salt longer than 64 bytes; fold it first.
		sum := blake2b.Sum256([]byte(salt))
		h, _ = blake2b.New(keySize, sum[:])
	}
	h.Write([]byte(input))
	return strings.ToLower(encoding.EncodeToString(h.Sum(nil)))
}

// NormalizeAddress strips JID suffixes, device parts and a leading plus from
// a channel address so both channels agree on the contact number.
func NormalizeAddress(address string) string {
	address = strings.TrimSpace(address)
	if i := strings.IndexAny(address, "@:"); i >= 0 {
		address = address[:i]
	}
	return strings.TrimPrefix(address, "+")
}
