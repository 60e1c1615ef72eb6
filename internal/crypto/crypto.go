// Package crypto provides authenticated encryption of credential bundles with
// a platform-derived key and a seed-derived fallback.
package crypto

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	// ErrBadCiphertext indicates a ciphertext that fails authenticated
	// decryption under every available key.
	ErrBadCiphertext = errors.New("ciphertext failed authentication")
	// ErrNoKeySource indicates that neither a platform key nor a fallback
	// seed is available.
	ErrNoKeySource = errors.New("no encryption key source available")
)

const (
	// keyLabel is the fixed derivation label presented to the platform
	// key-derivation service.
	keyLabel = "session-encryption"

	nonceSize = 12
	tagSize   = 16
	keySize   = 32
)

// KeySource derives a symmetric key bound to a label.
type KeySource interface {
	DeriveKey(ctx context.Context, label string) ([]byte, error)
}

// PlatformKeyClient talks to the attestation-bound key-derivation service
// over its unix socket.
type PlatformKeyClient struct {
	httpc *http.Client
}

// NewPlatformKeyClient returns a client bound to the given unix socket path.
func NewPlatformKeyClient(socketPath string) *PlatformKeyClient {
	return &PlatformKeyClient{
		httpc: &http.Client{
			Timeout: 5 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer

					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

// DeriveKey requests a 32-byte key for the given label.
func (c *PlatformKeyClient) DeriveKey(ctx context.Context, label string) ([]byte, error) {
	body := strings.NewReader(fmt.Sprintf(`{"label":%q}`, label))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://localhost/derive", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("platform key service unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("platform key service returned %d", resp.StatusCode)
	}

	var payload struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("invalid platform key response: %w", err)
	}

	key, err := hex.DecodeString(payload.Key)
	if err != nil || len(key) != keySize {
		return nil, errors.New("platform key service returned malformed key")
	}

	return key, nil
}

// Service encrypts and decrypts credential bundles. The active key is the
// platform key when available, otherwise the seed-derived fallback. Decrypt
// always tries the active key first and the fallback second, which keeps
// bundles readable across an upgrade from fallback to platform key.
type Service struct {
	key         []byte
	fallbackKey []byte
	platform    bool
}

// Config controls key derivation for New.
type Config struct {
	// Platform is the attestation-bound key source; nil when the platform
	// service is not configured.
	Platform KeySource
	// Seed is the operator-provided fallback secret. Mandatory when
	// Platform is nil or unreachable.
	Seed string
}

// New derives the service keys. The platform path is attempted first; on
// failure the seed-derived fallback becomes the active key. Startup fails
// when neither source yields a key.
func New(ctx context.Context, cfg Config) (*Service, error) {
	s := &Service{}

	if cfg.Seed != "" {
		sum := sha256.Sum256([]byte(cfg.Seed))
		s.fallbackKey = sum[:]
	}

	if cfg.Platform != nil {
		key, err := cfg.Platform.DeriveKey(ctx, keyLabel)
		if err == nil {
			s.key = key
			s.platform = true

			log.Info().Msg("Session encryption using platform-derived key")

			return s, nil
		}

		log.Warn().Err(err).Msg("Platform key derivation failed, falling back to seed-derived key")
	}

	if s.fallbackKey == nil {
		return nil, ErrNoKeySource
	}

	s.key = s.fallbackKey
	log.Info().Msg("Session encryption using seed-derived fallback key")

	return s, nil
}

// IsPlatformKey reports whether the active key came from the platform
// attestation service.
func (s *Service) IsPlatformKey() bool {
	return s.platform
}

// Encrypt seals plaintext under the active key. The wire format is
// hex(nonce || tag || ciphertext) with a fresh 96-bit nonce per call.
func (s *Service) Encrypt(plaintext []byte) (string, error) {
	aead, err := newGCM(s.key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce generation failed: %w", err)
	}

	// Seal returns ciphertext||tag; the wire format carries the tag up
	// front so rearrange before encoding.
	sealed := aead.Seal(nil, nonce, plaintext, nil)
	ct := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	out := make([]byte, 0, nonceSize+tagSize+len(ct))
	out = append(out, nonce...)
	out = append(out, tag...)
	out = append(out, ct...)

	return hex.EncodeToString(out), nil
}

// Decrypt opens a ciphertext produced by Encrypt. It tries the active key
// first and the fallback key second; only when both fail does it return
// ErrBadCiphertext.
func (s *Service) Decrypt(encoded string) ([]byte, error) {
	raw, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: not hex encoded", ErrBadCiphertext)
	}
	if len(raw) < nonceSize+tagSize {
		return nil, fmt.Errorf("%w: truncated", ErrBadCiphertext)
	}

	nonce := raw[:nonceSize]
	tag := raw[nonceSize : nonceSize+tagSize]
	ct := raw[nonceSize+tagSize:]

	sealed := make([]byte, 0, len(ct)+tagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	if pt, err := s.open(s.key, nonce, sealed); err == nil {
		return pt, nil
	}

	if s.fallbackKey != nil && !bytes.Equal(s.key, s.fallbackKey) {
		if pt, err := s.open(s.fallbackKey, nonce, sealed); err == nil {
			return pt, nil
		}
	}

	return nil, ErrBadCiphertext
}

func (s *Service) open(key, nonce, sealed []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	return aead.Open(nil, nonce, sealed, nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	return cipher.NewGCM(block)
}
