package container

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// SocksPort is the in-container relay's SOCKS5 port. Fixed at container
// build time; the browser and module samplers both consume it.
const SocksPort = 1080

// Upstream describes the authenticated outbound proxy a container relay
// should forward through.
type Upstream struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	User string `json:"user"`
	Pass string `json:"pass"`
}

// RelayStatus is the control plane's view of the in-container relay.
type RelayStatus struct {
	Mode     string `json:"mode"`
	Upstream string `json:"upstream"`
}

// ConfigureProxy posts upstream credentials to the container's control
// endpoint, atomically switching the relay from passthrough to the
// authenticated upstream.
func (d *DockerDriver) ConfigureProxy(ctx context.Context, addr string, up Upstream) error {
	payload, err := json.Marshal(up)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProxyConfig, err)
	}

	url := fmt.Sprintf("http://%s:%d/configure", addr, d.cfg.ControlPort)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProxyConfig, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProxyConfig, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))

		return fmt.Errorf("%w: relay answered %d: %s", ErrProxyConfig, resp.StatusCode, body)
	}

	return nil
}

// RelayState reads the relay's current mode and upstream.
func (d *DockerDriver) RelayState(ctx context.Context, addr string) (*RelayStatus, error) {
	url := fmt.Sprintf("http://%s:%d/status", addr, d.cfg.ControlPort)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := d.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("relay status answered %d", resp.StatusCode)
	}

	var st RelayStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, err
	}

	return &st, nil
}
