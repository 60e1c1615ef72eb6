package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrAuthNotFound indicates an auth-session lookup miss.
var ErrAuthNotFound = errors.New("auth session not found")

// AuthStatus is the state of one QR login attempt.
type AuthStatus string

const (
	// AuthAwaitingScan means the QR is displayed (or being extracted) and
	// the user has not completed the scan.
	AuthAwaitingScan AuthStatus = "awaiting_scan"
	// AuthComplete means login finished and the resulting bundle is
	// attached.
	AuthComplete AuthStatus = "complete"
	// AuthFailed means the flow errored or timed out.
	AuthFailed AuthStatus = "failed"
)

// QRImage is the extracted QR payload plus its decoded target URL. On
// extraction failure the payload is a full-page screenshot, DecodedURL is
// empty, and Error carries the tag.
type QRImage struct {
	PNG        []byte `json:"png"`
	DecodedURL string `json:"decoded_url,omitempty"`
	Error      string `json:"error,omitempty"`
}

// AuthRecord tracks one QR login attempt from QR display to bundle capture.
type AuthRecord struct {
	ID             string
	OwnerSessionID string
	Status         AuthStatus
	ContainerID    string
	QR             *QRImage
	Bundle         *Bundle
	StartedAt      time.Time
}

// AuthStore holds ephemeral auth sessions. Records die on the first poll
// after reaching a terminal state, or by the sweeper after the auth
// timeout, whichever comes first.
type AuthStore struct {
	timeout time.Duration

	mu      sync.Mutex
	records map[string]*AuthRecord

	stop     chan struct{}
	stopOnce sync.Once
}

// NewAuthStore creates an auth-session store with the given timeout.
func NewAuthStore(timeout time.Duration) *AuthStore {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	return &AuthStore{
		timeout: timeout,
		records: make(map[string]*AuthRecord),
		stop:    make(chan struct{}),
	}
}

// Create inserts a fresh AwaitingScan record owned by the given credential
// session and returns its unguessable id.
func (s *AuthStore) Create(ownerSessionID string) string {
	id := uuid.NewString()

	s.mu.Lock()
	s.records[id] = &AuthRecord{
		ID:             id,
		OwnerSessionID: ownerSessionID,
		Status:         AuthAwaitingScan,
		StartedAt:      time.Now(),
	}
	s.mu.Unlock()

	log.Debug().Str("auth_session", id).Str("owner", truncateID(ownerSessionID)).Msg("Auth session created")

	return id
}

// Update applies a mutation to the record under the store lock.
func (s *AuthStore) Update(id string, patch func(*AuthRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return ErrAuthNotFound
	}

	patch(rec)

	return nil
}

// Get returns a snapshot of the record.
func (s *AuthStore) Get(id string) (AuthRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return AuthRecord{}, ErrAuthNotFound
	}

	return *rec, nil
}

// Remove deletes a record. Unknown ids are a no-op.
func (s *AuthStore) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, id)
}

// Count returns the number of live auth sessions.
func (s *AuthStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.records)
}

// Sweep removes records older than the auth timeout regardless of status.
func (s *AuthStore) Sweep() {
	now := time.Now()

	s.mu.Lock()
	var expired []string
	for id, rec := range s.records {
		if now.Sub(rec.StartedAt) > s.timeout {
			expired = append(expired, id)
			delete(s.records, id)
		}
	}
	s.mu.Unlock()

	if len(expired) > 0 {
		log.Debug().Int("count", len(expired)).Msg("Swept expired auth sessions")
	}
}

// Run sweeps on the given interval until the context is canceled or Stop is
// called. Run it in its own goroutine.
func (s *AuthStore) Run(ctx context.Context, interval time.Duration) {
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
func (s *AuthStore) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
}
