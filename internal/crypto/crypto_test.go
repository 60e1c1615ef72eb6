package crypto

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticKeySource struct {
	key []byte
	err error
}

func (s *staticKeySource) DeriveKey(_ context.Context, _ string) ([]byte, error) {
	return s.key, s.err
}

func newSeedService(t *testing.T, seed string) *Service {
	t.Helper()

	svc, err := New(context.Background(), Config{Seed: seed})
	require.NoError(t, err)

	return svc
}

func TestNewRequiresKeySource(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.ErrorIs(t, err, ErrNoKeySource)
}

func TestNewPlatformKeyPreferred(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}

	svc, err := New(context.Background(), Config{
		Platform: &staticKeySource{key: key},
		Seed:     "operator-seed",
	})
	require.NoError(t, err)
	assert.True(t, svc.IsPlatformKey())
}

func TestNewFallsBackOnPlatformFailure(t *testing.T) {
	svc, err := New(context.Background(), Config{
		Platform: &staticKeySource{err: errors.New("attestation unavailable")},
		Seed:     "operator-seed",
	})
	require.NoError(t, err)
	assert.False(t, svc.IsPlatformKey())
}

func TestNewPlatformFailureWithoutSeedFails(t *testing.T) {
	_, err := New(context.Background(), Config{
		Platform: &staticKeySource{err: errors.New("attestation unavailable")},
	})
	assert.ErrorIs(t, err, ErrNoKeySource)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	svc := newSeedService(t, "operator-seed")

	plaintext := []byte(`{"cookies":[{"name":"sessionid","value":"x"}]}`)

	ct, err := svc.Encrypt(plaintext)
	require.NoError(t, err)

	got, err := svc.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestEncryptFreshNoncePerCall(t *testing.T) {
	svc := newSeedService(t, "operator-seed")

	a, err := svc.Encrypt([]byte("same plaintext"))
	require.NoError(t, err)
	b, err := svc.Encrypt([]byte("same plaintext"))
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestDecryptRejectsTampering(t *testing.T) {
	svc := newSeedService(t, "operator-seed")

	ct, err := svc.Encrypt([]byte("payload"))
	require.NoError(t, err)

	// Flip one hex digit of the ciphertext body.
	flipped := []byte(ct)
	last := len(flipped) - 1
	if flipped[last] == 'a' {
		flipped[last] = 'b'
	} else {
		flipped[last] = 'a'
	}

	_, err = svc.Decrypt(string(flipped))
	assert.ErrorIs(t, err, ErrBadCiphertext)
}

func TestDecryptRejectsGarbage(t *testing.T) {
	svc := newSeedService(t, "operator-seed")

	_, err := svc.Decrypt("not-hex-at-all")
	assert.ErrorIs(t, err, ErrBadCiphertext)

	_, err = svc.Decrypt("abcd")
	assert.ErrorIs(t, err, ErrBadCiphertext)
}

func TestDecryptTriesFallbackKey(t *testing.T) {
	// Encrypt under the seed-derived key, as a deployment running without
	// attestation would have.
	old := newSeedService(t, "operator-seed")
	ct, err := old.Encrypt([]byte("bundle from before the upgrade"))
	require.NoError(t, err)

	// Same deployment upgraded to a platform key, same seed retained.
	key := []byte(strings.Repeat("k", 32))
	upgraded, err := New(context.Background(), Config{
		Platform: &staticKeySource{key: key},
		Seed:     "operator-seed",
	})
	require.NoError(t, err)
	require.True(t, upgraded.IsPlatformKey())

	got, err := upgraded.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("bundle from before the upgrade"), got)
}

func TestWireFormatLayout(t *testing.T) {
	svc := newSeedService(t, "operator-seed")

	ct, err := svc.Encrypt([]byte("xy"))
	require.NoError(t, err)

	// hex(nonce || tag || ciphertext): 12 + 16 + 2 bytes.
	assert.Len(t, ct, 2*(12+16+2))
}
