package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netresearch/browser-manager/internal/container"
)

// fakeDriver is an in-memory container runtime for pool tests.
type fakeDriver struct {
	mu        sync.Mutex
	nextID    int
	live      map[string]bool
	destroyed []string
	orphans   []string

	createErr      error
	proxyErr       error
	createDelay    time.Duration
	proxyConfigs   []container.Upstream
	inFlightCreate atomic.Int32
	maxInFlight    atomic.Int32
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{live: make(map[string]bool)}
}

func (f *fakeDriver) Create(ctx context.Context, _ string, _ []string) (string, error) {
	cur := f.inFlightCreate.Add(1)
	defer f.inFlightCreate.Add(-1)
	for {
		prev := f.maxInFlight.Load()
		if cur <= prev || f.maxInFlight.CompareAndSwap(prev, cur) {
			break
		}
	}

	if f.createDelay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(f.createDelay):
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.createErr != nil {
		return "", f.createErr
	}

	f.nextID++
	id := fmt.Sprintf("c%d", f.nextID)
	f.live[id] = true

	return id, nil
}

func (f *fakeDriver) InspectIP(_ context.Context, id string) (string, error) {
	return "10.0.0." + id[1:], nil
}

func (f *fakeDriver) WaitReady(_ context.Context, _ string) error { return nil }

func (f *fakeDriver) ConfigureProxy(_ context.Context, _ string, up container.Upstream) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.proxyErr != nil {
		return f.proxyErr
	}
	f.proxyConfigs = append(f.proxyConfigs, up)

	return nil
}

func (f *fakeDriver) Destroy(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.live, id)
	f.destroyed = append(f.destroyed, id)

	return nil
}

func (f *fakeDriver) ListOrphans(_ context.Context) ([]string, error) {
	return f.orphans, nil
}

func (f *fakeDriver) DevToolsURL(addr string) string {
	return "http://" + addr + ":9222"
}

func (f *fakeDriver) destroyedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.destroyed...)
}

type staticSelector struct{ up container.Upstream }

func (s *staticSelector) Select(_ string, _ Purpose) container.Upstream { return s.up }

func testConfig(minPool int) Config {
	return Config{
		MinPoolSize:         minPool,
		ReleasedIdleTimeout: 50 * time.Millisecond,
		MaintenanceInterval: time.Hour, // ticks driven manually in tests
		SweepInterval:       time.Hour,
		CreateBudget:        time.Second,
	}
}

func newTestPool(t *testing.T, minPool int) (*Manager, *fakeDriver) {
	t.Helper()

	d := newFakeDriver()
	m := New(d, &staticSelector{}, testConfig(minPool))
	m.Maintain(context.Background())
	require.Equal(t, minPool, m.PoolSize())

	return m, d
}

// checkInvariants asserts the §8 pool invariants on the current state.
func checkInvariants(t *testing.T, m *Manager) {
	t.Helper()

	m.mu.Lock()
	defer m.mu.Unlock()

	warmSet := make(map[string]bool, len(m.warm))
	for _, id := range m.warm {
		warmSet[id] = true
	}

	perSession := make(map[string]int)
	for id, rec := range m.containers {
		if rec.Status == StatusAssigned {
			assert.NotEmpty(t, rec.SessionID, "assigned container %s has no session", id)
			perSession[rec.SessionID]++
		} else {
			assert.Empty(t, rec.SessionID, "non-assigned container %s holds session", id)
		}

		if warmSet[id] {
			assert.Equal(t, StatusPooled, rec.Status, "warm container %s not pooled", id)
		}
	}
	for sid, n := range perSession {
		assert.Equal(t, 1, n, "session %s maps to %d containers", sid, n)
	}
	for sid, id := range m.sessions {
		rec, ok := m.containers[id]
		require.True(t, ok, "session %s maps to unknown container", sid)
		assert.Equal(t, sid, rec.SessionID)
	}
}

func TestAssignPopsWarmContainer(t *testing.T) {
	m, _ := newTestPool(t, 2)

	rec, err := m.Assign(context.Background(), "U", PurposeSampling)
	require.NoError(t, err)
	assert.Equal(t, StatusAssigned, rec.Status)
	assert.Equal(t, "U", rec.SessionID)
	assert.Equal(t, 1, m.PoolSize())
	checkInvariants(t, m)
}

func TestAssignIdempotentPerSession(t *testing.T) {
	m, _ := newTestPool(t, 2)

	first, err := m.Assign(context.Background(), "U", PurposeSampling)
	require.NoError(t, err)
	second, err := m.Assign(context.Background(), "U", PurposeSampling)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, m.PoolSize(), "second assign must not pop another container")
	checkInvariants(t, m)
}

func TestAssignAtCapacityFailsFast(t *testing.T) {
	m, d := newTestPool(t, 1)

	_, err := m.Assign(context.Background(), "A", PurposeSampling)
	require.NoError(t, err)

	start := time.Now()
	_, err = m.Assign(context.Background(), "B", PurposeSampling)
	assert.ErrorIs(t, err, ErrAtCapacity)
	assert.Less(t, time.Since(start), 100*time.Millisecond, "AtCapacity must not block")
	assert.Empty(t, d.destroyedIDs())
	checkInvariants(t, m)
}

func TestConcurrentAssignDistinctSessions(t *testing.T) {
	m, _ := newTestPool(t, 1)

	results := make(chan error, 2)
	for _, sid := range []string{"A", "B"} {
		go func(sid string) {
			_, err := m.Assign(context.Background(), sid, PurposeSampling)
			results <- err
		}(sid)
	}

	var wins, capacity int
	for i := 0; i < 2; i++ {
		switch err := <-results; {
		case err == nil:
			wins++
		case errors.Is(err, ErrAtCapacity):
			capacity++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, capacity)
	checkInvariants(t, m)
}

func TestProxyConfigFailureRevertsAssignment(t *testing.T) {
	m, d := newTestPool(t, 1)
	d.proxyErr = errors.New("relay answered 500")

	_, err := m.Assign(context.Background(), "U", PurposeSampling)
	assert.ErrorIs(t, err, ErrProxyConfig)

	// Container back in the warm pool, binding not installed.
	assert.Equal(t, 1, m.PoolSize())
	checkInvariants(t, m)

	// A later assign succeeds once the relay recovers.
	d.proxyErr = nil
	rec, err := m.Assign(context.Background(), "U", PurposeSampling)
	require.NoError(t, err)
	assert.Equal(t, StatusAssigned, rec.Status)
}

func TestReleaseMarksReleasedAndNeverRepools(t *testing.T) {
	m, _ := newTestPool(t, 1)

	rec, err := m.Assign(context.Background(), "U", PurposeSampling)
	require.NoError(t, err)

	m.Release("U")
	assert.Equal(t, 0, m.PoolSize(), "released container must not return to the warm pool")

	got, err := m.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, got.Status)
	assert.Empty(t, got.SessionID)

	// Single-use: the same session cannot get the released container back.
	_, err = m.Assign(context.Background(), "U", PurposeSampling)
	assert.ErrorIs(t, err, ErrAtCapacity)
	checkInvariants(t, m)
}

func TestReleaseUnknownSessionIsNoop(t *testing.T) {
	m, _ := newTestPool(t, 1)

	m.Release("nobody")
	assert.Equal(t, 1, m.PoolSize())
	checkInvariants(t, m)
}

func TestRecycleDestroysContainer(t *testing.T) {
	m, d := newTestPool(t, 1)

	rec, err := m.Assign(context.Background(), "a1", PurposeAuth)
	require.NoError(t, err)

	m.Recycle(context.Background(), "a1")

	assert.Contains(t, d.destroyedIDs(), rec.ID)
	_, err = m.Get(rec.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	checkInvariants(t, m)
}

func TestDestroyUnknownContainerIsNoop(t *testing.T) {
	m, _ := newTestPool(t, 1)

	err := m.Destroy(context.Background(), "never-existed")
	assert.NoError(t, err)
	assert.Equal(t, 1, m.PoolSize())
}

func TestDestroyPooledContainerLeavesWarmListConsistent(t *testing.T) {
	m, _ := newTestPool(t, 2)

	recs := m.List()
	require.Len(t, recs, 2)

	require.NoError(t, m.Destroy(context.Background(), recs[0].ID))
	assert.Equal(t, 1, m.PoolSize())
	checkInvariants(t, m)
}

func TestSweepDestroysOnlyExpiredReleased(t *testing.T) {
	m, d := newTestPool(t, 2)

	rec, err := m.Assign(context.Background(), "U", PurposeSampling)
	require.NoError(t, err)
	m.Release("U")

	// One pooled container stays warm through any number of sweeps.
	time.Sleep(60 * time.Millisecond)
	m.sweep(context.Background())

	assert.Equal(t, []string{rec.ID}, d.destroyedIDs())
	assert.Equal(t, 1, m.PoolSize(), "pooled container must never be idle-swept")
	checkInvariants(t, m)
}

func TestSweepSparesFreshReleased(t *testing.T) {
	m, d := newTestPool(t, 1)

	_, err := m.Assign(context.Background(), "U", PurposeSampling)
	require.NoError(t, err)
	m.Release("U")

	m.sweep(context.Background())
	assert.Empty(t, d.destroyedIDs())
}

func TestMaintainRefillsToMinimum(t *testing.T) {
	m, _ := newTestPool(t, 3)

	_, err := m.Assign(context.Background(), "U", PurposeSampling)
	require.NoError(t, err)
	require.Equal(t, 2, m.PoolSize())

	m.Maintain(context.Background())
	assert.Equal(t, 3, m.PoolSize())
	checkInvariants(t, m)
}

func TestMaintainCreatesInParallel(t *testing.T) {
	d := newFakeDriver()
	d.createDelay = 50 * time.Millisecond

	cfg := testConfig(4)
	m := New(d, &staticSelector{}, cfg)

	start := time.Now()
	m.Maintain(context.Background())
	elapsed := time.Since(start)

	assert.Equal(t, 4, m.PoolSize())
	assert.Less(t, elapsed, 4*50*time.Millisecond, "refill must run creations in parallel")
	assert.GreaterOrEqual(t, d.maxInFlight.Load(), int32(2))
}

func TestMaintainToleratesCreateFailures(t *testing.T) {
	d := newFakeDriver()
	d.createErr = errors.New("image pull failed")
	m := New(d, &staticSelector{}, testConfig(2))

	m.Maintain(context.Background())
	assert.Equal(t, 0, m.PoolSize())
	assert.Equal(t, int64(2), m.Metrics().Snapshot().CreateFailures)

	// Recovers on the next tick.
	d.mu.Lock()
	d.createErr = nil
	d.mu.Unlock()
	m.Maintain(context.Background())
	assert.Equal(t, 2, m.PoolSize())
}

func TestMaintainReentrancyGuard(t *testing.T) {
	d := newFakeDriver()
	d.createDelay = 50 * time.Millisecond
	m := New(d, &staticSelector{}, testConfig(2))

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Maintain(context.Background())
		}()
	}
	wg.Wait()

	// Overlapping ticks must not double-create.
	assert.Equal(t, 2, m.PoolSize())
}

func TestCleanOrphansDestroysAll(t *testing.T) {
	d := newFakeDriver()
	d.orphans = []string{"old1", "old2"}
	m := New(d, &staticSelector{}, testConfig(0))

	m.cleanOrphans(context.Background())

	assert.ElementsMatch(t, []string{"old1", "old2"}, d.destroyedIDs())
	assert.Equal(t, int64(2), m.Metrics().Snapshot().OrphansCleaned)
}

func TestAddProvisionedEntersWarmPool(t *testing.T) {
	m, d := newTestPool(t, 0)

	up := container.Upstream{Host: "proxy", Port: 1080}
	rec, err := m.AddProvisioned(context.Background(), &up)
	require.NoError(t, err)

	assert.Equal(t, StatusPooled, rec.Status)
	assert.Equal(t, 1, m.PoolSize())
	require.Len(t, d.proxyConfigs, 1)
	assert.Equal(t, up, d.proxyConfigs[0])
	checkInvariants(t, m)
}

func TestStatsCountsByStatus(t *testing.T) {
	m, _ := newTestPool(t, 3)

	_, err := m.Assign(context.Background(), "A", PurposeSampling)
	require.NoError(t, err)
	_, err = m.Assign(context.Background(), "B", PurposeSampling)
	require.NoError(t, err)
	m.Release("B")

	s := m.Stats()
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 1, s.Pooled)
	assert.Equal(t, 1, s.Assigned)
	assert.Equal(t, 1, s.Released)
	assert.Equal(t, 1, s.Sessions)
}

func TestCloseDestroysEverything(t *testing.T) {
	m, d := newTestPool(t, 2)

	_, err := m.Assign(context.Background(), "U", PurposeSampling)
	require.NoError(t, err)

	m.Close(context.Background())

	assert.Len(t, d.destroyedIDs(), 2)
	assert.Equal(t, 0, m.PoolSize())
	assert.Empty(t, m.List())
}
