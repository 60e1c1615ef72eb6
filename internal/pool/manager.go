// Package pool owns the set of live browser containers: the warm pool,
// per-session assignment, single-use release/recycle semantics, background
// replenishment, and idle sweeping of released containers.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/netresearch/browser-manager/internal/container"
)

var (
	// ErrAtCapacity indicates the warm pool was empty at assignment. The
	// pool never creates synchronously on demand; this is the capacity
	// signal upstream scaling reacts to.
	ErrAtCapacity = errors.New("no warm container available")
	// ErrProxyConfig indicates the assignment was reverted because the
	// container relay rejected its proxy configuration.
	ErrProxyConfig = errors.New("assignment proxy configuration failed")
	// ErrNotFound indicates an unknown container id.
	ErrNotFound = errors.New("container not found")
)

// Driver is the subset of the container runtime the pool needs.
type Driver interface {
	Create(ctx context.Context, name string, env []string) (string, error)
	InspectIP(ctx context.Context, id string) (string, error)
	WaitReady(ctx context.Context, addr string) error
	ConfigureProxy(ctx context.Context, addr string, up container.Upstream) error
	Destroy(ctx context.Context, id string) error
	ListOrphans(ctx context.Context) ([]string, error)
	DevToolsURL(addr string) string
}

// Config contains pool sizing and timing parameters. Read-only after
// startup.
type Config struct {
	MinPoolSize         int           // warm containers to maintain (default: 6)
	ReleasedIdleTimeout time.Duration // idle budget for released containers (default: 10m)
	MaintenanceInterval time.Duration // warm-pool refill tick (default: 30s)
	SweepInterval       time.Duration // released-container sweep tick (default: 60s)
	CreateBudget        time.Duration // hard budget per container creation (default: 60s)
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		MinPoolSize:         6,
		ReleasedIdleTimeout: 10 * time.Minute,
		MaintenanceInterval: 30 * time.Second,
		SweepInterval:       60 * time.Second,
		CreateBudget:        60 * time.Second,
	}
}

// Stats is a point-in-time summary of pool occupancy.
type Stats struct {
	Total    int             `json:"total"`
	Pooled   int             `json:"pooled"`
	Assigned int             `json:"assigned"`
	Released int             `json:"released"`
	Sessions int             `json:"sessions"`
	Counters MetricsSnapshot `json:"counters"`
}

// Manager owns all live containers and their lifecycle state. One mutex
// guards the containers map, the session map, and the warm-pool list; it is
// held only for map and list operations, never across driver I/O.
type Manager struct {
	driver Driver
	proxy  ProxySelector
	cfg    Config

	mu         sync.Mutex
	containers map[string]*Record // id → record
	sessions   map[string]string  // session id → container id
	warm       []string           // pooled container ids, popped LIFO

	// Reentrancy guard so overlapping maintenance ticks don't both decide
	// to refill.
	maintaining atomic.Bool

	metrics  *Metrics
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a pool manager. Call Run to clean orphans and start the
// background loops.
func New(driver Driver, proxy ProxySelector, cfg Config) *Manager {
	if cfg.MinPoolSize < 0 {
		cfg.MinPoolSize = 0
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = 30 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 60 * time.Second
	}
	if cfg.ReleasedIdleTimeout <= 0 {
		cfg.ReleasedIdleTimeout = 10 * time.Minute
	}
	if cfg.CreateBudget <= 0 {
		cfg.CreateBudget = 60 * time.Second
	}

	return &Manager{
		driver:     driver,
		proxy:      proxy,
		cfg:        cfg,
		containers: make(map[string]*Record),
		sessions:   make(map[string]string),
		metrics:    NewMetrics(),
		stop:       make(chan struct{}),
	}
}

// Run destroys orphans from a previous instance, performs an initial fill,
// and starts the maintenance and sweeper loops. Blocks until the context is
// canceled or Stop is called; run it in its own goroutine.
func (m *Manager) Run(ctx context.Context) {
	m.cleanOrphans(ctx)
	m.Maintain(ctx)

	m.wg.Add(2)
	go m.maintenanceLoop(ctx)
	go m.sweepLoop(ctx)

	m.wg.Wait()
}

// Stop terminates the background loops. Safe to call multiple times.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
}

// Assign binds a warm container to the session. Repeated assigns for the
// same session return the same container. An empty warm pool fails fast
// with ErrAtCapacity; the pool never creates on demand here because create
// latency would pin the caller and hide the capacity signal.
func (m *Manager) Assign(ctx context.Context, sessionID string, purpose Purpose) (Record, error) {
	m.mu.Lock()

	if id, ok := m.sessions[sessionID]; ok {
		rec := m.containers[id]
		rec.LastUsedAt = time.Now()
		snapshot := *rec
		m.mu.Unlock()

		return snapshot, nil
	}

	n := len(m.warm)
	if n == 0 {
		m.mu.Unlock()
		m.metrics.recordAtCapacity()

		return Record{}, ErrAtCapacity
	}

	id := m.warm[n-1]
	m.warm = m.warm[:n-1]

	rec := m.containers[id]
	rec.Status = StatusAssigned
	rec.SessionID = sessionID
	rec.LastUsedAt = time.Now()
	m.sessions[sessionID] = id
	snapshot := *rec
	m.mu.Unlock()

	up := m.proxy.Select(sessionID, purpose)
	if err := m.driver.ConfigureProxy(ctx, snapshot.Addr, up); err != nil {
		// Revert the assignment: the container never saw session state,
		// so it is safe to return to the warm pool.
		m.mu.Lock()
		rec.Status = StatusPooled
		rec.SessionID = ""
		delete(m.sessions, sessionID)
		m.warm = append(m.warm, id)
		m.mu.Unlock()

		log.Warn().Err(err).Str("container", id).Str("session", sessionID).
			Msg("Proxy configuration failed, assignment reverted")

		return Record{}, fmt.Errorf("%w: %v", ErrProxyConfig, err)
	}

	m.metrics.recordAssign()
	log.Debug().Str("container", id).Str("session", sessionID).Msg("Container assigned")

	return snapshot, nil
}

// Release unbinds the session's container and marks it Released. The
// container does not return to the warm pool; the idle sweeper destroys it.
// Releasing a session with no container is a no-op.
func (m *Manager) Release(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.sessions[sessionID]
	if !ok {
		return
	}

	delete(m.sessions, sessionID)

	rec := m.containers[id]
	rec.Status = StatusReleased
	rec.SessionID = ""
	rec.LastUsedAt = time.Now()

	log.Debug().Str("container", id).Str("session", sessionID).Msg("Container released")
}

// Recycle destroys the session's container outright. Used after auth flows
// so no credential state can leak into a later assignment.
func (m *Manager) Recycle(ctx context.Context, sessionID string) {
	m.mu.Lock()
	id, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
		delete(m.containers, id)
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	if err := m.driver.Destroy(ctx, id); err != nil {
		log.Warn().Err(err).Str("container", id).Msg("Recycle destroy failed")
	}
	m.metrics.recordRecycle()

	log.Debug().Str("container", id).Str("session", sessionID).Msg("Container recycled")
}

// ReconfigureProxy points an assigned container's relay at an explicit
// upstream, overriding the one selected at assignment.
func (m *Manager) ReconfigureProxy(ctx context.Context, sessionID string, up container.Upstream) error {
	m.mu.Lock()
	id, ok := m.sessions[sessionID]
	var addr string
	if ok {
		addr = m.containers[id].Addr
	}
	m.mu.Unlock()

	if !ok {
		return ErrNotFound
	}

	if err := m.driver.ConfigureProxy(ctx, addr, up); err != nil {
		return fmt.Errorf("%w: %v", ErrProxyConfig, err)
	}

	return nil
}

// Destroy removes a container administratively, whatever its state.
// Destroying an unknown id is a no-op.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	m.mu.Lock()
	rec, ok := m.containers[id]
	if ok {
		delete(m.containers, id)
		if rec.SessionID != "" {
			delete(m.sessions, rec.SessionID)
		}
		if rec.Status == StatusPooled {
			m.removeFromWarm(id)
		}
	}
	m.mu.Unlock()

	return m.driver.Destroy(ctx, id)
}

// removeFromWarm deletes one id from the warm list. Caller holds the lock.
func (m *Manager) removeFromWarm(id string) {
	for i, w := range m.warm {
		if w == id {
			m.warm = append(m.warm[:i], m.warm[i+1:]...)

			return
		}
	}
}

// Get returns a snapshot of one container record.
func (m *Manager) Get(id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.containers[id]
	if !ok {
		return Record{}, ErrNotFound
	}

	return *rec, nil
}

// List returns snapshots of all live containers.
func (m *Manager) List() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Record, 0, len(m.containers))
	for _, rec := range m.containers {
		out = append(out, *rec)
	}

	return out
}

// PoolSize returns the number of warm containers.
func (m *Manager) PoolSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.warm)
}

// Stats returns current pool occupancy and counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()

	s := Stats{
		Total:    len(m.containers),
		Sessions: len(m.sessions),
	}
	for _, rec := range m.containers {
		switch rec.Status {
		case StatusPooled:
			s.Pooled++
		case StatusAssigned:
			s.Assigned++
		case StatusReleased:
			s.Released++
		}
	}
	m.mu.Unlock()

	s.Counters = m.metrics.Snapshot()

	return s
}

// Metrics exposes the pool's counters.
func (m *Manager) Metrics() *Metrics {
	return m.metrics
}

// AddProvisioned provisions one container outside the maintenance loop and
// enters it into the warm pool, optionally pre-configuring its proxy. Used
// by the operator create endpoint.
func (m *Manager) AddProvisioned(ctx context.Context, up *container.Upstream) (Record, error) {
	rec, err := m.provision(ctx)
	if err != nil {
		return Record{}, err
	}

	if up != nil {
		if err := m.driver.ConfigureProxy(ctx, rec.Addr, *up); err != nil {
			_ = m.driver.Destroy(context.WithoutCancel(ctx), rec.ID)

			return Record{}, fmt.Errorf("%w: %v", ErrProxyConfig, err)
		}
	}

	m.mu.Lock()
	m.containers[rec.ID] = rec
	m.warm = append(m.warm, rec.ID)
	snapshot := *rec
	m.mu.Unlock()

	return snapshot, nil
}

// provision creates one ready container. Failures at any step destroy the
// partial container; nothing enters the registry here.
func (m *Manager) provision(ctx context.Context) (*Record, error) {
	createCtx, cancel := context.WithTimeout(ctx, m.cfg.CreateBudget)
	defer cancel()

	name := "browser-" + uuid.NewString()[:8]

	id, err := m.driver.Create(createCtx, name, nil)
	if err != nil {
		m.metrics.recordCreateFailure()

		return nil, err
	}

	addr, err := m.driver.InspectIP(createCtx, id)
	if err != nil {
		_ = m.driver.Destroy(context.WithoutCancel(ctx), id)
		m.metrics.recordCreateFailure()

		return nil, err
	}

	if err := m.driver.WaitReady(createCtx, addr); err != nil {
		_ = m.driver.Destroy(context.WithoutCancel(ctx), id)
		m.metrics.recordCreateFailure()

		return nil, err
	}

	now := time.Now()
	m.metrics.recordCreate()

	return &Record{
		ID:          id,
		Addr:        addr,
		DevToolsURL: m.driver.DevToolsURL(addr),
		CreatedAt:   now,
		LastUsedAt:  now,
		Status:      StatusPooled,
	}, nil
}

// maintain tops the warm pool back up to the configured minimum, creating
// the missing containers in parallel and awaiting every outcome. Skips
// entirely when a previous tick is still in flight.
func (m *Manager) Maintain(ctx context.Context) {
	if !m.maintaining.CompareAndSwap(false, true) {
		return
	}
	defer m.maintaining.Store(false)

	need := m.cfg.MinPoolSize - m.PoolSize()
	if need <= 0 {
		return
	}

	log.Debug().Int("need", need).Msg("Replenishing warm pool")

	var wg sync.WaitGroup
	results := make(chan *Record, need)

	for i := 0; i < need; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			rec, err := m.provision(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("Warm-pool container creation failed")

				return
			}
			results <- rec
		}()
	}

	wg.Wait()
	close(results)

	created := 0
	m.mu.Lock()
	for rec := range results {
		m.containers[rec.ID] = rec
		m.warm = append(m.warm, rec.ID)
		created++
	}
	size := len(m.warm)
	m.mu.Unlock()

	if created > 0 {
		log.Info().Int("created", created).Int("pool_size", size).Msg("Warm pool replenished")
	}
}

func (m *Manager) maintenanceLoop(ctx context.Context) {
	defer m.wg.Done()

	t := time.NewTicker(m.cfg.MaintenanceInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-t.C:
			m.Maintain(ctx)
		}
	}
}

// sweep destroys released containers idle past the timeout. Pooled
// containers are never swept.
func (m *Manager) sweep(ctx context.Context) {
	now := time.Now()

	m.mu.Lock()
	var expired []string
	for id, rec := range m.containers {
		if rec.Status == StatusReleased && now.Sub(rec.LastUsedAt) > m.cfg.ReleasedIdleTimeout {
			expired = append(expired, id)
			delete(m.containers, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		if err := m.driver.Destroy(ctx, id); err != nil {
			log.Warn().Err(err).Str("container", id).Msg("Sweeper destroy failed")
		}
	}

	if len(expired) > 0 {
		m.metrics.recordSweep(len(expired))
		log.Debug().Int("count", len(expired)).Msg("Swept expired released containers")
	}
}

func (m *Manager) sweepLoop(ctx context.Context) {
	defer m.wg.Done()

	t := time.NewTicker(m.cfg.SweepInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-t.C:
			m.sweep(ctx)
		}
	}
}

// cleanOrphans destroys every container left over from a previous
// instance before the pool enters service.
func (m *Manager) cleanOrphans(ctx context.Context) {
	ids, err := m.driver.ListOrphans(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Orphan enumeration failed")

		return
	}

	for _, id := range ids {
		if err := m.driver.Destroy(ctx, id); err != nil {
			log.Warn().Err(err).Str("container", id).Msg("Orphan destroy failed")
		}
	}

	if len(ids) > 0 {
		m.metrics.recordOrphans(len(ids))
		log.Info().Int("count", len(ids)).Msg("Destroyed orphaned containers from previous instance")
	}
}

// Close stops the loops and destroys every live container.
func (m *Manager) Close(ctx context.Context) {
	m.Stop()

	m.mu.Lock()
	ids := make([]string, 0, len(m.containers))
	for id := range m.containers {
		ids = append(ids, id)
	}
	m.containers = make(map[string]*Record)
	m.sessions = make(map[string]string)
	m.warm = nil
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.driver.Destroy(ctx, id); err != nil {
			log.Warn().Err(err).Str("container", id).Msg("Shutdown destroy failed")
		}
	}

	log.Info().Int("count", len(ids)).Msg("Pool shut down, containers destroyed")
}
