package web

import (
	"context"
	"time"

	"github.com/netresearch/browser-manager/internal/container"
	"github.com/netresearch/browser-manager/internal/crypto"
	"github.com/netresearch/browser-manager/internal/options"
	"github.com/netresearch/browser-manager/internal/orchestrator"
	"github.com/netresearch/browser-manager/internal/pool"
	"github.com/netresearch/browser-manager/internal/session"
)

// Default resource limits for browser containers.
const (
	containerMemoryLimit = 2 << 30 // 2 GiB
	containerNanoCPUs    = 2e9     // two CPUs
)

// NewAppFromOptions wires the full stack from configuration: crypto,
// container driver, pool, session stores, browser connector, and the HTTP
// application. The returned cleanup closes the driver and the playwright
// connector.
func NewAppFromOptions(opts *options.Opts) (*App, func(), error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var platform crypto.KeySource
	if opts.PlatformKeySocket != "" {
		platform = crypto.NewPlatformKeyClient(opts.PlatformKeySocket)
	}

	cryptoSvc, err := crypto.New(ctx, crypto.Config{
		Platform: platform,
		Seed:     opts.SessionSeed,
	})
	if err != nil {
		return nil, nil, err
	}

	driver, err := container.NewDockerDriver(container.Config{
		Image:        opts.ContainerImage,
		Network:      opts.ContainerNetwork,
		DevToolsPort: opts.DevToolsPort,
		ControlPort:  opts.ControlPort,
		DockerHost:   opts.DockerHost,
		Instance:     "browser-manager",
		MemoryLimit:  containerMemoryLimit,
		NanoCPUs:     containerNanoCPUs,
	})
	if err != nil {
		return nil, nil, err
	}

	poolMgr := pool.New(driver, buildProxySelector(opts), pool.Config{
		MinPoolSize:         opts.MinPoolSize,
		ReleasedIdleTimeout: opts.ReleasedIdleTimeout,
		MaintenanceInterval: opts.MaintenanceInterval,
		SweepInterval:       opts.SweepInterval,
	})

	connector, err := orchestrator.NewPlaywrightConnector()
	if err != nil {
		_ = driver.Close()

		return nil, nil, err
	}

	orch := orchestrator.New(orchestrator.Deps{
		Pool:      poolMgr,
		Sessions:  session.NewStore(cryptoSvc, opts.SessionTimeout),
		Auth:      session.NewAuthStore(opts.AuthTimeout),
		Crypto:    cryptoSvc,
		Connector: connector,
		Modules:   orchestrator.RegisteredModules(),
		Feed:      orchestrator.NewFeedSampler(opts.TargetHost),
		History:   orchestrator.NewHistorySampler(opts.TargetHost),
	}, orchestrator.Config{
		TargetHost:       opts.TargetHost,
		LoginPaths:       opts.TargetLoginPaths,
		DenyPaths:        opts.TargetDenyPaths,
		PlaceholderImage: opts.TargetPlaceholder,
		TokenCookies:     opts.TokenCookies,
		SweepInterval:    opts.SweepInterval,
	})

	cleanup := func() {
		_ = connector.Close()
		_ = driver.Close()
	}

	return NewApp(orch), cleanup, nil
}

// buildProxySelector maps the configured proxy mode onto a selector.
func buildProxySelector(opts *options.Opts) pool.ProxySelector {
	if opts.ProxyMode == options.ProxyModeBucketed {
		return &pool.BucketedSelector{
			Host:     opts.ProxyBucketHost,
			PortBase: opts.ProxyBucketBase,
			Count:    opts.ProxyBucketCount,
		}
	}

	return &pool.RotatingSelector{
		Host: opts.ProxyRotatingHost,
		Port: opts.ProxyRotatingPort,
		User: opts.ProxyRotatingUser,
		Pass: opts.ProxyRotatingPass,
	}
}
