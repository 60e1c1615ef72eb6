package container

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netresearch/browser-manager/internal/retry"
)

// testDriver builds a driver without a docker daemon, pointing its HTTP
// ports at the given test server.
func testDriver(t *testing.T, srv *httptest.Server) *DockerDriver {
	t.Helper()

	_, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	return &DockerDriver{
		cfg: Config{
			DevToolsPort: port,
			ControlPort:  port,
		},
		httpc:      srv.Client(),
		readyRetry: retry.Config{MaxAttempts: 5, InitialDelay: 5 * time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 1},
	}
}

func serverAddr(t *testing.T, srv *httptest.Server) string {
	t.Helper()

	host, _, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)

	return host
}

func TestWaitReadySucceedsOnceDevToolsAnswers(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/json/version", r.URL.Path)
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)

			return
		}
		_, _ = w.Write([]byte(`{"Browser":"Chrome"}`))
	}))
	defer srv.Close()

	d := testDriver(t, srv)

	err := d.WaitReady(context.Background(), serverAddr(t, srv))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestWaitReadyFailsWhenNothingListens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	srv.Close() // nothing listening any more

	d := testDriver(t, srv)
	d.httpc = http.DefaultClient

	err := d.WaitReady(context.Background(), "127.0.0.1")
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestConfigureProxyPostsUpstream(t *testing.T) {
	var got Upstream
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/configure", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := testDriver(t, srv)

	up := Upstream{Host: "proxy.example.net", Port: 1080, User: "acct-s1-170000-ab12", Pass: "secret"}
	err := d.ConfigureProxy(context.Background(), serverAddr(t, srv), up)
	require.NoError(t, err)
	assert.Equal(t, up, got)
}

func TestConfigureProxyRejectionSurfacesError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad upstream", http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := testDriver(t, srv)

	err := d.ConfigureProxy(context.Background(), serverAddr(t, srv), Upstream{Host: "x"})
	assert.ErrorIs(t, err, ErrProxyConfig)
}

func TestRelayState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/status", r.URL.Path)
		_ = json.NewEncoder(w).Encode(RelayStatus{Mode: "upstream", Upstream: "proxy.example.net:1080"})
	}))
	defer srv.Close()

	d := testDriver(t, srv)

	st, err := d.RelayState(context.Background(), serverAddr(t, srv))
	require.NoError(t, err)
	assert.Equal(t, "upstream", st.Mode)
	assert.Equal(t, "proxy.example.net:1080", st.Upstream)
}
