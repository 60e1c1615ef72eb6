// Package container adapts the local docker runtime to the operations the
// pool manager needs: create, inspect, readiness, proxy configuration,
// destroy, and orphan enumeration.
package container

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog/log"

	"github.com/netresearch/browser-manager/internal/retry"
)

var (
	// ErrCreationFailed indicates the runtime could not create or start a
	// container.
	ErrCreationFailed = errors.New("container creation failed")
	// ErrNotReady indicates the browser inside a container never answered
	// its DevTools version endpoint within the retry budget.
	ErrNotReady = errors.New("browser not ready")
	// ErrProxyConfig indicates the in-container relay rejected a proxy
	// configuration message.
	ErrProxyConfig = errors.New("proxy configuration rejected")
)

// instanceLabelKey marks containers as belonging to a browser-manager
// instance so orphans from a previous run can be found and destroyed.
const instanceLabelKey = "browser-manager.instance"

// startPollInterval is how often Create polls for the container supervisor
// to report the running state.
const startPollInterval = 500 * time.Millisecond

// Config holds the runtime parameters the driver needs.
type Config struct {
	Image        string
	Network      string
	DevToolsPort int
	ControlPort  int
	DockerHost   string // empty uses the environment default
	Instance     string // label value identifying this service instance

	// Resource limits applied to every browser container.
	MemoryLimit int64 // bytes; 0 means unlimited
	NanoCPUs    int64 // 1e9 == one CPU; 0 means unlimited
}

// DockerDriver drives browser containers through the docker API.
type DockerDriver struct {
	api        *client.Client
	cfg        Config
	httpc      *http.Client
	readyRetry retry.Config
}

// NewDockerDriver connects to the docker daemon and returns a driver.
func NewDockerDriver(cfg Config) (*DockerDriver, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.DockerHost != "" {
		opts = []client.Opt{client.WithHost(cfg.DockerHost), client.WithAPIVersionNegotiation()}
	}

	api, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := api.Ping(pingCtx); err != nil {
		_ = api.Close()

		return nil, fmt.Errorf("docker daemon unreachable: %w", err)
	}

	return &DockerDriver{
		api:        api,
		cfg:        cfg,
		httpc:      &http.Client{Timeout: 5 * time.Second},
		readyRetry: retry.ReadinessConfig(),
	}, nil
}

// Close releases the docker API connection.
func (d *DockerDriver) Close() error {
	return d.api.Close()
}

// Create creates and starts a browser container, returning its id once the
// runtime reports the container running. The context bounds the whole
// operation; callers pass a hard creation budget.
func (d *DockerDriver) Create(ctx context.Context, name string, env []string) (string, error) {
	cfg := &container.Config{
		Image:  d.cfg.Image,
		Env:    env,
		Labels: map[string]string{instanceLabelKey: d.cfg.Instance},
	}
	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			Memory:   d.cfg.MemoryLimit,
			NanoCPUs: d.cfg.NanoCPUs,
		},
	}
	netCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			d.cfg.Network: {},
		},
	}

	resp, err := d.api.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, name)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCreationFailed, err)
	}

	if err := d.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = d.Destroy(context.WithoutCancel(ctx), resp.ID)

		return "", fmt.Errorf("%w: start: %v", ErrCreationFailed, err)
	}

	// Block until the supervisor inside the container reports running;
	// the browser service itself is probed separately via WaitReady.
	for {
		info, err := d.api.ContainerInspect(ctx, resp.ID)
		if err != nil {
			_ = d.Destroy(context.WithoutCancel(ctx), resp.ID)

			return "", fmt.Errorf("%w: inspect: %v", ErrCreationFailed, err)
		}
		if info.State != nil && info.State.Running {
			return resp.ID, nil
		}
		if info.State != nil && (info.State.Dead || info.State.OOMKilled || info.State.ExitCode != 0) {
			_ = d.Destroy(context.WithoutCancel(ctx), resp.ID)

			return "", fmt.Errorf("%w: container exited during startup", ErrCreationFailed)
		}

		select {
		case <-ctx.Done():
			_ = d.Destroy(context.WithoutCancel(ctx), resp.ID)

			return "", fmt.Errorf("%w: %v", ErrCreationFailed, ctx.Err())
		case <-time.After(startPollInterval):
		}
	}
}

// InspectIP returns the container's address on the configured network.
func (d *DockerDriver) InspectIP(ctx context.Context, id string) (string, error) {
	info, err := d.api.ContainerInspect(ctx, id)
	if err != nil {
		return "", fmt.Errorf("inspect %s: %w", id, err)
	}

	if info.NetworkSettings == nil {
		return "", fmt.Errorf("container %s has no network settings", id)
	}

	ep, ok := info.NetworkSettings.Networks[d.cfg.Network]
	if !ok || ep.IPAddress == "" {
		return "", fmt.Errorf("container %s not attached to network %s", id, d.cfg.Network)
	}

	return ep.IPAddress, nil
}

// Destroy force-removes a container. Removing an unknown container is a
// no-op.
func (d *DockerDriver) Destroy(ctx context.Context, id string) error {
	err := d.api.ContainerRemove(ctx, id, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("remove %s: %w", id, err)
	}

	return nil
}

// Exec runs a command inside a container and returns its combined output.
// Used by operators to poke at the in-container relay.
func (d *DockerDriver) Exec(ctx context.Context, id string, cmd []string) (string, error) {
	execResp, err := d.api.ContainerExecCreate(ctx, id, container.ExecOptions{
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          cmd,
	})
	if err != nil {
		return "", fmt.Errorf("exec create: %w", err)
	}

	attach, err := d.api.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", fmt.Errorf("exec attach: %w", err)
	}
	defer attach.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, attach.Reader); err != nil {
		return "", fmt.Errorf("exec read: %w", err)
	}

	inspect, err := d.api.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return "", fmt.Errorf("exec inspect: %w", err)
	}
	if inspect.ExitCode != 0 {
		return buf.String(), fmt.Errorf("exec exit code %d", inspect.ExitCode)
	}

	return buf.String(), nil
}

// ListOrphans returns ids of all containers labeled as belonging to a
// browser-manager instance, running or not.
func (d *DockerDriver) ListOrphans(ctx context.Context) ([]string, error) {
	args := filters.NewArgs(filters.Arg("label", instanceLabelKey))

	list, err := d.api.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: args,
	})
	if err != nil {
		return nil, fmt.Errorf("list orphans: %w", err)
	}

	ids := make([]string, 0, len(list))
	for _, c := range list {
		ids = append(ids, c.ID)
	}

	if len(ids) > 0 {
		log.Debug().Int("count", len(ids)).Msg("Found labeled containers from a previous instance")
	}

	return ids, nil
}

// DevToolsURL returns the browser control endpoint for a container address.
func (d *DockerDriver) DevToolsURL(addr string) string {
	return fmt.Sprintf("http://%s:%d", addr, d.cfg.DevToolsPort)
}

// WaitReady polls the container's DevTools version endpoint until it
// answers 200 or the retry budget is exhausted.
func (d *DockerDriver) WaitReady(ctx context.Context, addr string) error {
	url := fmt.Sprintf("http://%s:%d/json/version", addr, d.cfg.DevToolsPort)

	err := retry.DoWithConfig(ctx, d.readyRetry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}

		resp, err := d.httpc.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("devtools answered %d", resp.StatusCode)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrNotReady, addr, err)
	}

	return nil
}
