// Package session keeps the two in-memory session tiers: durable credential
// sessions keyed by stable user identity, and ephemeral auth sessions keyed
// by a random id. Each tier has its own TTL and sweeper; bundles are
// encrypted at rest through the crypto service.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrNotFound indicates a credential-session lookup miss.
var ErrNotFound = errors.New("session not found")

// Crypto is the encryption surface the store needs.
type Crypto interface {
	Encrypt(plaintext []byte) (string, error)
	Decrypt(ciphertext string) ([]byte, error)
}

type credentialRecord struct {
	id         string
	ciphertext string
	lastAccess time.Time
}

// Store holds credential sessions. Bundles live only as ciphertext; every
// read decrypts and bumps last access.
type Store struct {
	crypto  Crypto
	timeout time.Duration

	mu       sync.Mutex
	sessions map[string]*credentialRecord

	stop     chan struct{}
	stopOnce sync.Once
}

// NewStore creates a credential-session store with the given idle timeout.
func NewStore(c Crypto, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = time.Hour
	}

	return &Store{
		crypto:   c,
		timeout:  timeout,
		sessions: make(map[string]*credentialRecord),
		stop:     make(chan struct{}),
	}
}

// Load validates and stores a caller-supplied bundle, returning the
// session id. The id is the bundle's stable user identity when present,
// otherwise a fresh random id. Loading twice for the same identity retains
// only the latest bundle.
func (s *Store) Load(b *Bundle) (string, error) {
	if err := b.Validate(); err != nil {
		return "", err
	}

	return s.store(b)
}

// LoadCaptured stores a bundle captured by the auth flow. Capture-time
// validation is looser than the public surface: login was just proven by
// the session cookie, so only the cookies array is required and a missing
// identity object falls back to a random session id. The session stays
// usable for sampling either way.
func (s *Store) LoadCaptured(b *Bundle) (string, error) {
	if b == nil || len(b.Cookies) == 0 {
		return "", fmt.Errorf("%w: missing cookies array", ErrBadBundle)
	}

	return s.store(b)
}

func (s *Store) store(b *Bundle) (string, error) {
	id := ""
	if b.User != nil {
		id = b.User.SecUserID
	}
	if id == "" {
		id = uuid.NewString()
	}

	plaintext, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadBundle, err)
	}

	ciphertext, err := s.crypto.Encrypt(plaintext)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.sessions[id] = &credentialRecord{
		id:         id,
		ciphertext: ciphertext,
		lastAccess: time.Now(),
	}
	count := len(s.sessions)
	s.mu.Unlock()

	log.Info().Str("session", truncateID(id)).Int("sessions", count).Msg("Credential session loaded")

	return id, nil
}

// LoadEncrypted stores a bundle previously exported as ciphertext.
func (s *Store) LoadEncrypted(ciphertext string) (string, error) {
	plaintext, err := s.crypto.Decrypt(ciphertext)
	if err != nil {
		return "", err
	}

	b, err := ParseBundle(plaintext)
	if err != nil {
		return "", err
	}

	return s.Load(b)
}

// Export seals a bundle as portable ciphertext that LoadEncrypted accepts.
func (s *Store) Export(b *Bundle) (string, error) {
	plaintext, err := json.Marshal(b)
	if err != nil {
		return "", err
	}

	return s.crypto.Encrypt(plaintext)
}

// Get decrypts and returns the session's bundle, bumping last access.
func (s *Store) Get(id string) (*Bundle, error) {
	s.mu.Lock()
	rec, ok := s.sessions[id]
	if ok {
		rec.lastAccess = time.Now()
	}
	s.mu.Unlock()

	if !ok {
		return nil, ErrNotFound
	}

	plaintext, err := s.crypto.Decrypt(rec.ciphertext)
	if err != nil {
		return nil, err
	}

	var b Bundle
	if err := json.Unmarshal(plaintext, &b); err != nil {
		return nil, fmt.Errorf("stored bundle corrupt: %w", err)
	}

	return &b, nil
}

// List returns all session ids, sorted for stable output.
func (s *Store) List() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return ids
}

// Count returns the number of live credential sessions.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.sessions)
}

// Remove deletes a session. Unknown ids are a no-op.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, id)
}

// Sweep removes sessions idle past the timeout.
func (s *Store) Sweep() {
	now := time.Now()

	s.mu.Lock()
	var expired []string
	for id, rec := range s.sessions {
		if now.Sub(rec.lastAccess) > s.timeout {
			expired = append(expired, id)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	if len(expired) > 0 {
		log.Debug().Int("count", len(expired)).Msg("Swept idle credential sessions")
	}
}

// Run sweeps on the given interval until the context is canceled or Stop is
// called. Run it in its own goroutine.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-t.C:
			s.Sweep()
		}
	}
}

// Stop terminates the sweeper loop.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
}

// truncateID shortens an id for log output.
func truncateID(id string) string {
	if len(id) <= 12 {
		return id
	}

	return id[:12] + "…"
}
