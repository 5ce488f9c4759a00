// ABOUTME: Tests for conversation key derivation
// ABOUTME: Checks determinism, discriminator separation and address normalization

package chatkey

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDerive_Deterministic(t *testing.T) {
	a := Derive("salt", "919876543210", "")
	b := Derive("salt", "919876543210", "")
	assert.Equal(t, a, b)
	assert.Len(t, a, 24)
	assert.NotContains(t, a, "9198")
}

func TestDerive_SaltAndDiscriminatorChangeKey(t *testing.T) {
	base := Derive("salt", "15551234567", "")
	assert.NotEqual(t, base, Derive("other", "15551234567", ""))
	assert.NotEqual(t, base, Derive("salt", "15551234567", "session-1"))
	assert.NotEqual(t, Derive("salt", "15551234567", "session-1"), Derive("salt", "15551234567", "session-2"))
}

func TestDerive_NormalizesJIDs(t *testing.T) {
	assert.Equal(t,
		Derive("s", "15551234567", "sess"),
		Derive("s", "15551234567:12@s.whatsapp.net", "sess"))
	assert.Equal(t, Derive("s", "15551234567", ""), Derive("s", "+15551234567", ""))
}

func TestDerive_LongSalt(t *testing.T) {
	key := Derive(strings.Repeat("x", 100), "1", "")
	assert.Len(t, key, 24)
}
