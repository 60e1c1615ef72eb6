package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestDoSucceedsFirstTry(t *testing.T) {
	calls := 0
	err := DoWithConfig(context.Background(), fastConfig(3), func() error {
		calls++

		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := DoWithConfig(context.Background(), fastConfig(5), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}

		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	sentinel := errors.New("persistent")
	calls := 0

	err := DoWithConfig(context.Background(), fastConfig(4), func() error {
		calls++

		return sentinel
	})

	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 4, calls)
}

func TestDoHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := DoWithConfig(ctx, fastConfig(3), func() error {
		calls++

		return errors.New("never retried")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, calls)
}

func TestDoWithResult(t *testing.T) {
	calls := 0
	got, err := DoWithResultConfig(context.Background(), fastConfig(3), func() (string, error) {
		calls++
		if calls < 2 {
			return "", errors.New("transient")
		}

		return "ready", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ready", got)
}

func TestReadinessConfigShape(t *testing.T) {
	cfg := ReadinessConfig()
	assert.Equal(t, 10, cfg.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.InitialDelay)
	assert.Equal(t, 1.0, cfg.Multiplier)
}

func TestBrowserConnectConfigShape(t *testing.T) {
	cfg := BrowserConnectConfig()
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.InitialDelay)
}

func TestAddJitterBounds(t *testing.T) {
	base := 100 * time.Millisecond

	for i := 0; i < 20; i++ {
		got := addJitter(base, 0.1)
		assert.GreaterOrEqual(t, got, base)
		assert.LessOrEqual(t, got, base+10*time.Millisecond)
	}

	assert.Equal(t, base, addJitter(base, 0))
}
