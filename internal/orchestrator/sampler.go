package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/netresearch/browser-manager/internal/session"
)

// SamplerScript drives an assigned browser against the target application
// until it has captured the requested number of items or exhausted its
// scroll budget. Implementations are target-application specific.
type SamplerScript interface {
	Run(ctx context.Context, b Browser, count int) (json.RawMessage, error)
}

// AuthModule signs direct target-application API calls. Implementations
// are proprietary and bound at startup; the core only consumes this
// surface.
type AuthModule interface {
	BuildAuthenticatedURL(endpoint string, params url.Values, b *session.Bundle) (string, error)
	GenerateAuthHeaders(b *session.Bundle) (http.Header, error)
	BuildAuthenticatedParams(moduleType string, count int, b *session.Bundle) (url.Values, error)
}

// ScrollSampler is a browser-driven sampler: navigate to a page, scroll in
// bounded steps, and collect items from the page's captured state.
type ScrollSampler struct {
	// Path is the target-application page to sample, e.g. "/foryou".
	Path string
	// CollectExpr is a JS expression returning the JSON-serialized items
	// captured so far.
	CollectExpr string
	// MaxScrolls bounds the scroll budget.
	MaxScrolls int
	// ScrollWait is the settle time after each scroll step.
	ScrollWait time.Duration

	TargetHost string
}

const scrollStepJS = `window.scrollBy(0, window.innerHeight); true`

// Run implements SamplerScript.
func (s *ScrollSampler) Run(ctx context.Context, b Browser, count int) (json.RawMessage, error) {
	if err := b.Navigate(ctx, "https://"+s.TargetHost+s.Path); err != nil {
		return nil, err
	}

	maxScrolls := s.MaxScrolls
	if maxScrolls <= 0 {
		maxScrolls = 20
	}
	wait := s.ScrollWait
	if wait <= 0 {
		wait = time.Second
	}

	var captured json.RawMessage

	for i := 0; i <= maxScrolls; i++ {
		got, err := b.Evaluate(s.CollectExpr)
		if err != nil {
			return nil, err
		}

		if raw, ok := got.(string); ok && raw != "" {
			var probe struct {
				ItemList []json.RawMessage `json:"itemList"`
			}
			captured = json.RawMessage(raw)
			if json.Unmarshal(captured, &probe) == nil && len(probe.ItemList) >= count {
				return captured, nil
			}
		}

		if i == maxScrolls {
			break
		}
		if _, err := b.Evaluate(scrollStepJS); err != nil {
			return nil, err
		}
		if !sleepCtx(ctx, wait) {
			return nil, ctx.Err()
		}
	}

	if captured == nil {
		return nil, fmt.Errorf("page yielded no captured items")
	}

	// Scroll budget exhausted: return what was captured.
	return captured, nil
}

// moduleRegistry holds auth modules bound at compile time. Proprietary
// module packages register themselves from init().
var (
	moduleRegistryMu sync.Mutex
	moduleRegistry   = make(map[string]AuthModule)
)

// RegisterModule binds an auth module under a name. Later registrations
// replace earlier ones.
func RegisterModule(name string, mod AuthModule) {
	moduleRegistryMu.Lock()
	defer moduleRegistryMu.Unlock()

	moduleRegistry[name] = mod
}

// RegisteredModules returns a copy of the compile-time module bindings.
func RegisteredModules() map[string]AuthModule {
	moduleRegistryMu.Lock()
	defer moduleRegistryMu.Unlock()

	out := make(map[string]AuthModule, len(moduleRegistry))
	for name, mod := range moduleRegistry {
		out[name] = mod
	}

	return out
}

// NewFeedSampler returns the default browser-driven feed sampler.
func NewFeedSampler(targetHost string) *ScrollSampler {
	return &ScrollSampler{
		TargetHost:  targetHost,
		Path:        "/foryou",
		CollectExpr: `JSON.stringify({itemList: Object.values((window['SIGI_STATE'] || {}).ItemModule || {})})`,
		MaxScrolls:  20,
		ScrollWait:  time.Second,
	}
}

// NewHistorySampler returns the default browser-driven watch-history
// sampler.
func NewHistorySampler(targetHost string) *ScrollSampler {
	return &ScrollSampler{
		TargetHost:  targetHost,
		Path:        "/history",
		CollectExpr: `JSON.stringify({itemList: Object.values((window['SIGI_STATE'] || {}).HistoryModule || {})})`,
		MaxScrolls:  20,
		ScrollWait:  time.Second,
	}
}

// moduleEndpoints maps module names to the target-application API paths
// they sample.
var moduleEndpoints = map[string]string{
	"foryoupage":   "/api/recommend/item_list/",
	"watchhistory": "/api/history/item_list/",
}

// ModuleResult is the raw outcome of a module-driven sample.
type ModuleResult struct {
	Raw        json.RawMessage
	StatusCode int
}

// runModule issues the authenticated API call for one module through the
// given HTTP client (routed through the assigned container's relay) and
// returns the raw captured response without reshaping.
func runModule(ctx context.Context, httpc *http.Client, mod AuthModule, moduleName, moduleType string, count int, b *session.Bundle) (*ModuleResult, error) {
	endpoint, ok := moduleEndpoints[moduleName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, moduleName)
	}

	params, err := mod.BuildAuthenticatedParams(moduleType, count, b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSamplingScript, err)
	}

	target, err := mod.BuildAuthenticatedURL(endpoint, params, b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSamplingScript, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSamplingScript, err)
	}

	headers, err := mod.GenerateAuthHeaders(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSamplingScript, err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	for _, c := range b.Cookies {
		req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}

	resp, err := httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSamplingScript, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSamplingScript, err)
	}

	return &ModuleResult{Raw: body, StatusCode: resp.StatusCode}, nil
}
