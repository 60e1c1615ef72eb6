package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthCreateStartsAwaitingScan(t *testing.T) {
	s := NewAuthStore(time.Minute)

	id := s.Create("U")
	require.NotEmpty(t, id)

	rec, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, AuthAwaitingScan, rec.Status)
	assert.Equal(t, "U", rec.OwnerSessionID)
	assert.WithinDuration(t, time.Now(), rec.StartedAt, time.Second)
}

func TestAuthIDsAreUnguessable(t *testing.T) {
	s := NewAuthStore(time.Minute)

	a := s.Create("U")
	b := s.Create("U")
	assert.NotEqual(t, a, b)
	assert.GreaterOrEqual(t, len(a), 32)
}

func TestAuthUpdatePatchesRecord(t *testing.T) {
	s := NewAuthStore(time.Minute)
	id := s.Create("U")

	err := s.Update(id, func(r *AuthRecord) {
		r.Status = AuthComplete
		r.ContainerID = "c1"
		r.QR = &QRImage{PNG: []byte{1, 2}, DecodedURL: "https://www.example.com/login/qrcode?token=t"}
	})
	require.NoError(t, err)

	rec, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, AuthComplete, rec.Status)
	assert.Equal(t, "c1", rec.ContainerID)
	require.NotNil(t, rec.QR)
	assert.Equal(t, []byte{1, 2}, rec.QR.PNG)
}

func TestAuthUpdateUnknownRecord(t *testing.T) {
	s := NewAuthStore(time.Minute)

	err := s.Update("missing", func(*AuthRecord) {})
	assert.ErrorIs(t, err, ErrAuthNotFound)
}

func TestAuthGetUnknownRecord(t *testing.T) {
	s := NewAuthStore(time.Minute)

	_, err := s.Get("missing")
	assert.ErrorIs(t, err, ErrAuthNotFound)
}

func TestAuthRemoveIsIdempotent(t *testing.T) {
	s := NewAuthStore(time.Minute)
	id := s.Create("U")

	s.Remove(id)
	s.Remove(id)

	_, err := s.Get(id)
	assert.ErrorIs(t, err, ErrAuthNotFound)
}

func TestAuthSweepExpiresRegardlessOfStatus(t *testing.T) {
	s := NewAuthStore(30 * time.Millisecond)

	awaiting := s.Create("U")
	complete := s.Create("U")
	require.NoError(t, s.Update(complete, func(r *AuthRecord) { r.Status = AuthComplete }))

	time.Sleep(40 * time.Millisecond)
	fresh := s.Create("U")

	s.Sweep()

	_, err := s.Get(awaiting)
	assert.ErrorIs(t, err, ErrAuthNotFound)
	_, err = s.Get(complete)
	assert.ErrorIs(t, err, ErrAuthNotFound)
	_, err = s.Get(fresh)
	assert.NoError(t, err)
}
