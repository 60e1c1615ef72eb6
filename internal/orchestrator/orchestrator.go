// Package orchestrator coordinates the container pool, the session stores,
// the crypto service, and the target-application scripts behind the public
// operations: session loading, QR authentication, and sampling.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/netresearch/browser-manager/internal/container"
	"github.com/netresearch/browser-manager/internal/crypto"
	"github.com/netresearch/browser-manager/internal/pool"
	"github.com/netresearch/browser-manager/internal/session"
)

// Config holds the orchestrator's target-application parameters.
type Config struct {
	TargetHost       string
	QRLoginPath      string // page showing the login QR (default: first login path)
	LoginPaths       []string
	DenyPaths        []string
	PlaceholderImage string // URL substring of the static placeholder QR image
	TokenCookies     []string

	LoginPollInterval time.Duration // default 1s
	LoginPollBudget   time.Duration // default 120s
	SettleWait        time.Duration // post-navigation settle (default 2s)
	SweepInterval     time.Duration // session sweeper tick (default 60s)
}

// Deps are the collaborators the orchestrator coordinates.
type Deps struct {
	Pool      *pool.Manager
	Sessions  *session.Store
	Auth      *session.AuthStore
	Crypto    *crypto.Service
	Connector Connector
	Modules   map[string]AuthModule
	Feed      SamplerScript
	History   SamplerScript

	// HTTPClientFactory builds the client module samples go through,
	// keyed by the assigned container's SOCKS address. Defaults to a
	// socks5-proxied client.
	HTTPClientFactory func(socksAddr string) *http.Client
}

// Orchestrator implements the public operations of the service.
type Orchestrator struct {
	pool      *pool.Manager
	sessions  *session.Store
	auth      *session.AuthStore
	crypto    *crypto.Service
	connector Connector
	modules   map[string]AuthModule
	feed      SamplerScript
	history   SamplerScript

	cfg Config
	qr  qrSettings

	// newClient builds the HTTP client module samples go through; swapped
	// in tests.
	newClient func(socksAddr string) *http.Client

	startTime time.Time
}

// New wires an orchestrator. Sensible defaults are applied to zero timing
// fields.
func New(deps Deps, cfg Config) *Orchestrator {
	if cfg.LoginPollInterval <= 0 {
		cfg.LoginPollInterval = time.Second
	}
	if cfg.LoginPollBudget <= 0 {
		cfg.LoginPollBudget = 120 * time.Second
	}
	if cfg.SettleWait <= 0 {
		cfg.SettleWait = 2 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 60 * time.Second
	}
	if cfg.QRLoginPath == "" && len(cfg.LoginPaths) > 0 {
		cfg.QRLoginPath = cfg.LoginPaths[0]
	}

	newClient := deps.HTTPClientFactory
	if newClient == nil {
		newClient = socksClient
	}

	return &Orchestrator{
		pool:      deps.Pool,
		sessions:  deps.Sessions,
		auth:      deps.Auth,
		crypto:    deps.Crypto,
		connector: deps.Connector,
		modules:   deps.Modules,
		feed:      deps.Feed,
		history:   deps.History,
		cfg:       cfg,
		qr:        defaultQRSettings(cfg.TargetHost, cfg.LoginPaths, cfg.DenyPaths, cfg.PlaceholderImage),
		newClient: newClient,
		startTime: time.Now(),
	}
}

// socksClient routes requests through the assigned container's relay.
func socksClient(socksAddr string) *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			Proxy: http.ProxyURL(&url.URL{Scheme: "socks5", Host: socksAddr}),
		},
	}
}

// Run starts the background loops: pool maintenance/sweeping and both
// session sweepers. Blocks until the context ends.
func (o *Orchestrator) Run(ctx context.Context) {
	go o.sessions.Run(ctx, o.cfg.SweepInterval)
	go o.auth.Run(ctx, o.cfg.SweepInterval)

	o.pool.Run(ctx)
}

// Shutdown stops the loops and tears down all containers.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.sessions.Stop()
	o.auth.Stop()
	o.pool.Close(ctx)
}

// LoadSessionJSON validates and stores a plaintext credential bundle,
// returning its session id.
func (o *Orchestrator) LoadSessionJSON(data []byte) (string, error) {
	b, err := session.ParseBundle(data)
	if err != nil {
		return "", err
	}

	return o.sessions.Load(b)
}

// LoadSessionEncrypted stores a previously exported encrypted bundle.
func (o *Orchestrator) LoadSessionEncrypted(ciphertext string) (string, error) {
	return o.sessions.LoadEncrypted(ciphertext)
}

// SessionSummary is one row of the session listing.
type SessionSummary struct {
	ID     string `json:"id"`
	FullID string `json:"fullId"`
}

// ListSessions returns truncated and full ids of all credential sessions.
func (o *Orchestrator) ListSessions() []SessionSummary {
	ids := o.sessions.List()

	out := make([]SessionSummary, 0, len(ids))
	for _, id := range ids {
		short := id
		if len(short) > 8 {
			short = short[:8] + "..."
		}
		out = append(out, SessionSummary{ID: short, FullID: id})
	}

	return out
}

// SessionCount returns the number of live credential sessions.
func (o *Orchestrator) SessionCount() int {
	return o.sessions.Count()
}

// StartAuth creates an auth session and launches the QR login flow in the
// background. Returns immediately with the auth session id.
func (o *Orchestrator) StartAuth(ownerSessionID string) string {
	authID := o.auth.Create(ownerSessionID)

	go o.runAuthFlow(authID)

	return authID
}

// runAuthFlow executes one QR login attempt end to end. Every failure path
// marks the record Failed and releases the container; the success path
// recycles it so no credential state survives into a later assignment.
func (o *Orchestrator) runAuthFlow(authID string) {
	// Detached from the HTTP request: the flow outlives StartAuth. The
	// budget covers extraction plus the full login poll.
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.LoginPollBudget+60*time.Second)
	defer cancel()

	rec, err := o.pool.Assign(ctx, authID, pool.PurposeAuth)
	if err != nil {
		log.Warn().Err(err).Str("auth_session", authID).Msg("Auth container assignment failed")
		o.failAuth(authID, false)

		return
	}

	if uerr := o.auth.Update(authID, func(r *session.AuthRecord) { r.ContainerID = rec.ID }); uerr != nil {
		// Record already swept; nothing is waiting on this flow.
		o.pool.Release(authID)

		return
	}

	b, err := o.connector.Connect(ctx, rec.DevToolsURL)
	if err != nil {
		log.Warn().Err(err).Str("auth_session", authID).Msg("Auth browser connect failed")
		o.failAuth(authID, true)

		return
	}
	defer func() { _ = b.Close() }()

	if err := b.Navigate(ctx, "https://"+o.cfg.TargetHost+o.cfg.QRLoginPath); err != nil {
		log.Warn().Err(err).Str("auth_session", authID).Msg("QR login page navigation failed")
		o.failAuth(authID, true)

		return
	}
	sleepCtx(ctx, o.cfg.SettleWait)

	qr, err := extractQR(ctx, b, o.qr)
	if uerr := o.auth.Update(authID, func(r *session.AuthRecord) { r.QR = qr }); uerr != nil {
		o.pool.Release(authID)

		return
	}
	if err != nil {
		log.Warn().Err(err).Str("auth_session", authID).Msg("QR extraction failed")
		o.failAuth(authID, true)

		return
	}

	if err := o.pollLogin(ctx, b); err != nil {
		log.Info().Err(err).Str("auth_session", authID).Msg("QR login did not complete")
		o.failAuth(authID, true)

		return
	}

	bundle, err := extractBundle(ctx, b, extractSettings{
		TargetHost:   o.cfg.TargetHost,
		TokenCookies: o.cfg.TokenCookies,
		SettleWait:   o.cfg.SettleWait,
	})
	if err != nil {
		log.Warn().Err(err).Str("auth_session", authID).Msg("Credential bundle extraction failed")
		o.failAuth(authID, true)

		return
	}

	// Capture-path load: a login without a readable identity object still
	// yields a usable session, stored under a random id.
	sid, err := o.sessions.LoadCaptured(bundle)
	if err != nil {
		log.Warn().Err(err).Str("auth_session", authID).Msg("Captured bundle failed validation")
		o.failAuth(authID, true)

		return
	}

	if uerr := o.auth.Update(authID, func(r *session.AuthRecord) {
		r.Status = session.AuthComplete
		r.Bundle = bundle
		r.OwnerSessionID = sid
	}); uerr != nil {
		o.pool.Release(authID)

		return
	}

	// Auth containers are destroyed outright: their browser held live
	// login state.
	o.pool.Recycle(context.WithoutCancel(ctx), authID)

	log.Info().Str("auth_session", authID).Str("session", sid).Msg("QR authentication complete")
}

// failAuth marks the record Failed and releases the container if one was
// assigned.
func (o *Orchestrator) failAuth(authID string, hasContainer bool) {
	_ = o.auth.Update(authID, func(r *session.AuthRecord) { r.Status = session.AuthFailed })
	if hasContainer {
		o.pool.Release(authID)
	}
}

// pollLogin watches the page URL until it leaves the login flow, once per
// interval for the whole budget.
func (o *Orchestrator) pollLogin(ctx context.Context, b Browser) error {
	deadline := time.Now().Add(o.cfg.LoginPollBudget)

	for time.Now().Before(deadline) {
		current, err := b.CurrentURL()
		if err == nil &&
			!strings.Contains(current, "/login") &&
			strings.Contains(current, o.cfg.TargetHost) {
			return nil
		}

		if !sleepCtx(ctx, o.cfg.LoginPollInterval) {
			return fmt.Errorf("%w: %v", ErrAuthTimeout, ctx.Err())
		}
	}

	return ErrAuthTimeout
}

// PollAuth returns the auth record's current state. Terminal records are
// removed after this returns; the first poll that sees Complete or Failed
// is the last.
func (o *Orchestrator) PollAuth(authID string) (session.AuthRecord, error) {
	rec, err := o.auth.Get(authID)
	if err != nil {
		return session.AuthRecord{}, err
	}

	if rec.Status == session.AuthComplete || rec.Status == session.AuthFailed {
		o.auth.Remove(authID)
	}

	return rec, nil
}

// SampleFeed drives the feed sampling script for the session.
func (o *Orchestrator) SampleFeed(ctx context.Context, sessionID string, count int) (json.RawMessage, error) {
	return o.sampleBrowser(ctx, sessionID, count, o.feed)
}

// SampleHistory drives the watch-history sampling script for the session.
func (o *Orchestrator) SampleHistory(ctx context.Context, sessionID string, count int) (json.RawMessage, error) {
	return o.sampleBrowser(ctx, sessionID, count, o.history)
}

// sampleBrowser is the shared browser-sampling template: look up the
// bundle, assign a container, inject cookies, drive the script, and always
// release the container afterwards.
func (o *Orchestrator) sampleBrowser(ctx context.Context, sessionID string, count int, script SamplerScript) (json.RawMessage, error) {
	bundle, err := o.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}

	rec, err := o.pool.Assign(ctx, sessionID, pool.PurposeSampling)
	if err != nil {
		return nil, err
	}
	defer o.pool.Release(sessionID)

	b, err := o.connector.Connect(ctx, rec.DevToolsURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", container.ErrNotReady, err)
	}
	defer func() { _ = b.Close() }()

	if err := b.AddCookies(bundle.Cookies); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSamplingScript, err)
	}

	raw, err := script.Run(ctx, b, count)
	if err != nil {
		if errors.Is(err, ErrSamplingScript) {
			return nil, err
		}

		return nil, fmt.Errorf("%w: %v", ErrSamplingScript, err)
	}

	return raw, nil
}

// SampleModule issues an authenticated direct API call for the named
// module, routed through an assigned container's relay.
func (o *Orchestrator) SampleModule(ctx context.Context, sessionID, moduleName, moduleType string, count int, proxyOverride *container.Upstream) (*ModuleResult, error) {
	if moduleType == "" {
		moduleType = moduleName
	}
	mod, ok := o.modules[moduleName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, moduleName)
	}

	bundle, err := o.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}

	rec, err := o.pool.Assign(ctx, sessionID, pool.PurposeSampling)
	if err != nil {
		return nil, err
	}
	defer o.pool.Release(sessionID)

	if proxyOverride != nil {
		if err := o.pool.ReconfigureProxy(ctx, sessionID, *proxyOverride); err != nil {
			return nil, err
		}
	}

	httpc := o.newClient(fmt.Sprintf("%s:%d", rec.Addr, container.SocksPort))

	return runModule(ctx, httpc, mod, moduleName, moduleType, count, bundle)
}

// ModuleNames lists the bound auth modules for the health report.
func (o *Orchestrator) ModuleNames() map[string]bool {
	out := make(map[string]bool, len(o.modules))
	for name := range o.modules {
		out[name] = true
	}

	return out
}

// CreateContainer provisions one container into the warm pool, optionally
// pre-configuring its proxy.
func (o *Orchestrator) CreateContainer(ctx context.Context, up *container.Upstream) (pool.Record, error) {
	return o.pool.AddProvisioned(ctx, up)
}

// DestroyContainer removes a known container. Unknown ids fail with
// pool.ErrNotFound.
func (o *Orchestrator) DestroyContainer(ctx context.Context, id string) error {
	if _, err := o.pool.Get(id); err != nil {
		return err
	}

	return o.pool.Destroy(ctx, id)
}

// ContainersOverview summarizes pool occupancy for the operator surface.
type ContainersOverview struct {
	Total      int           `json:"total"`
	Available  int           `json:"available"`
	Assigned   int           `json:"assigned"`
	Containers []pool.Record `json:"containers"`
}

// ListContainers returns the pool's current records and occupancy.
func (o *Orchestrator) ListContainers() ContainersOverview {
	stats := o.pool.Stats()

	return ContainersOverview{
		Total:      stats.Total,
		Available:  stats.Pooled,
		Assigned:   stats.Assigned,
		Containers: o.pool.List(),
	}
}

// PoolStats exposes the pool's stats for the health surface.
func (o *Orchestrator) PoolStats() pool.Stats {
	return o.pool.Stats()
}

// Health describes the service state for GET /health.
type Health struct {
	Status     string          `json:"status"`
	Sessions   int             `json:"sessions"`
	Uptime     string          `json:"uptime"`
	Encryption string          `json:"encryption"`
	Modules    map[string]bool `json:"modules"`
}

// HealthReport builds the health snapshot.
func (o *Orchestrator) HealthReport() Health {
	encryption := "fallback"
	if o.crypto.IsPlatformKey() {
		encryption = "platform"
	}

	return Health{
		Status:     "ok",
		Sessions:   o.sessions.Count(),
		Uptime:     time.Since(o.startTime).Round(time.Second).String(),
		Encryption: encryption,
		Modules:    o.ModuleNames(),
	}
}
