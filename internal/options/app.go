// Package options provides configuration parsing and environment variable handling
// for the browser-manager service.
package options

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ProxyMode selects the outbound egress strategy for container assignments.
type ProxyMode string

const (
	// ProxyModeRotating derives a fresh upstream identity per assignment from
	// a single operator account.
	ProxyModeRotating ProxyMode = "rotating"
	// ProxyModeBucketed selects one of a finite set of numbered upstream
	// endpoints per assignment.
	ProxyModeBucketed ProxyMode = "bucketed"
)

// Opts holds all configuration options for the browser-manager service.
// It covers the container pool, session timeouts, proxy egress, encryption
// key sources, and the target application's URL discipline.
type Opts struct {
	LogLevel zerolog.Level

	ListenAddr string

	// Container pool settings
	MinPoolSize         int
	ContainerImage      string
	ContainerNetwork    string
	DevToolsPort        int
	ControlPort         int
	ReleasedIdleTimeout time.Duration
	MaintenanceInterval time.Duration
	SweepInterval       time.Duration
	DockerHost          string

	// Session settings
	SessionTimeout time.Duration
	AuthTimeout    time.Duration

	// Proxy egress settings
	ProxyMode         ProxyMode
	ProxyRotatingHost string
	ProxyRotatingPort int
	ProxyRotatingUser string
	ProxyRotatingPass string
	ProxyBucketHost   string
	ProxyBucketBase   int
	ProxyBucketCount  int

	// Encryption key sources
	PlatformKeySocket string
	SessionSeed       string

	// Target application settings
	TargetHost        string
	TargetLoginPaths  []string
	TargetDenyPaths   []string
	TargetPlaceholder string
	TokenCookies      []string
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("configuration error for %s: %s", e.Field, e.Message)
}

// validateRequired checks if a required value is provided.
func validateRequired(name string, value *string) error {
	if *value == "" {
		return ValidationError{Field: name, Message: "this option is required"}
	}

	return nil
}

func envStringOrDefault(name, d string) string {
	if v, exists := os.LookupEnv(name); exists && v != "" {
		return v
	}

	return d
}

func envDurationOrDefault(name string, d time.Duration) (time.Duration, error) {
	raw := envStringOrDefault(name, d.String())

	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, ValidationError{
			Field:   name,
			Message: fmt.Sprintf("could not parse %q as duration: %v", raw, err),
		}
	}

	return v, nil
}

func envLogLevelOrDefault(name string, d zerolog.Level) (string, error) {
	raw := envStringOrDefault(name, d.String())

	if _, err := zerolog.ParseLevel(raw); err != nil {
		return "", ValidationError{
			Field:   name,
			Message: fmt.Sprintf("could not parse %q as log level: %v", raw, err),
		}
	}

	return raw, nil
}

func envIntOrDefault(name string, d int) (int, error) {
	raw := envStringOrDefault(name, strconv.Itoa(d))

	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, ValidationError{
			Field:   name,
			Message: fmt.Sprintf("could not parse %q as int: %v", raw, err),
		}
	}

	return v, nil
}

// splitList splits a comma-separated list, trimming whitespace and dropping
// empty entries.
func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}

	return out
}

// Default URL discipline for the target application. Overridable through
// TARGET_LOGIN_PATHS / TARGET_DENY_PATHS; configuration data, not logic.
const (
	defaultLoginPaths  = "/login/qrcode,/passport/web/qrcode,/qrcode"
	defaultDenyPaths   = "/download,/promo,/activity"
	defaultPlaceholder = "qrcode_placeholder"
	defaultTokens      = "sessionid,sessionid_ss,tt_webid,tt_webid_v2,passport_csrf_token,msToken"
)

// Parse parses command line flags and environment variables to build the
// service configuration. It loads .env files, parses flags, and validates
// required settings. Returns an error if any configuration is invalid.
func Parse() (*Opts, error) {
	if err := godotenv.Load(".env.local", ".env"); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	logLevelStr, err := envLogLevelOrDefault("LOG_LEVEL", zerolog.InfoLevel)
	if err != nil {
		return nil, err
	}

	minPoolSize, err := envIntOrDefault("MIN_POOL_SIZE", 6)
	if err != nil {
		return nil, err
	}

	devToolsPort, err := envIntOrDefault("DEVTOOLS_PORT", 9222)
	if err != nil {
		return nil, err
	}

	controlPort, err := envIntOrDefault("CONTROL_PORT", 8888)
	if err != nil {
		return nil, err
	}

	releasedIdleTimeout, err := envDurationOrDefault("RELEASED_IDLE_TIMEOUT", 10*time.Minute)
	if err != nil {
		return nil, err
	}

	maintenanceInterval, err := envDurationOrDefault("MAINTENANCE_INTERVAL", 30*time.Second)
	if err != nil {
		return nil, err
	}

	sweepInterval, err := envDurationOrDefault("SWEEP_INTERVAL", 60*time.Second)
	if err != nil {
		return nil, err
	}

	sessionTimeout, err := envDurationOrDefault("SESSION_TIMEOUT", time.Hour)
	if err != nil {
		return nil, err
	}

	authTimeout, err := envDurationOrDefault("AUTH_TIMEOUT", 2*time.Minute)
	if err != nil {
		return nil, err
	}

	rotatingPort, err := envIntOrDefault("PROXY_ROTATING_PORT", 0)
	if err != nil {
		return nil, err
	}

	bucketBase, err := envIntOrDefault("PROXY_BUCKET_PORT_BASE", 0)
	if err != nil {
		return nil, err
	}

	bucketCount, err := envIntOrDefault("PROXY_BUCKET_COUNT", 0)
	if err != nil {
		return nil, err
	}

	var (
		fLogLevel = flag.String("log-level", logLevelStr,
			"Log level. Valid values are: trace, debug, info, warn, error, fatal, panic.")
		fListenAddr = flag.String("listen-addr", envStringOrDefault("LISTEN_ADDR", ":3000"),
			"Address the HTTP API listens on.")

		fMinPoolSize = flag.Int("min-pool-size", minPoolSize,
			"Minimum number of warm browser containers to maintain.")
		fContainerImage = flag.String("container-image", envStringOrDefault("CONTAINER_IMAGE", ""),
			"Browser container image. Must expose DevTools plus the relay control plane.")
		fContainerNetwork = flag.String("container-network", envStringOrDefault("CONTAINER_NETWORK", "bridge"),
			"Docker network browser containers are attached to.")
		fDevToolsPort = flag.Int("devtools-port", devToolsPort,
			"Port the in-container browser exposes its DevTools endpoint on.")
		fControlPort = flag.Int("control-port", controlPort,
			"Port the in-container relay accepts proxy configuration on.")
		fReleasedIdleTimeout = flag.Duration("released-idle-timeout", releasedIdleTimeout,
			"How long a released container may sit idle before the sweeper destroys it.")
		fMaintenanceInterval = flag.Duration("maintenance-interval", maintenanceInterval,
			"Interval of the warm-pool maintenance loop.")
		fSweepInterval = flag.Duration("sweep-interval", sweepInterval,
			"Interval of the released-container and session sweepers.")
		fDockerHost = flag.String("docker-host", envStringOrDefault("DOCKER_HOST", ""),
			"Docker daemon address. Empty uses the environment/default socket.")

		fSessionTimeout = flag.Duration("session-timeout", sessionTimeout,
			"Idle timeout for credential sessions.")
		fAuthTimeout = flag.Duration("auth-timeout", authTimeout,
			"Maximum lifetime of a QR authentication session.")

		fProxyMode = flag.String("proxy-mode", envStringOrDefault("PROXY_MODE", string(ProxyModeRotating)),
			"Outbound proxy strategy: rotating or bucketed.")
		fProxyRotatingHost = flag.String("proxy-rotating-host", envStringOrDefault("PROXY_ROTATING_HOST", ""),
			"Upstream host for rotating proxy mode.")
		fProxyRotatingPort = flag.Int("proxy-rotating-port", rotatingPort,
			"Upstream port for rotating proxy mode.")
		fProxyRotatingUser = flag.String("proxy-rotating-user", envStringOrDefault("PROXY_ROTATING_USER", ""),
			"Account username for rotating proxy mode.")
		fProxyRotatingPass = flag.String("proxy-rotating-pass", envStringOrDefault("PROXY_ROTATING_PASS", ""),
			"Account password for rotating proxy mode.")
		fProxyBucketHost = flag.String("proxy-bucket-host", envStringOrDefault("PROXY_BUCKET_HOST", ""),
			"Upstream host for bucketed proxy mode.")
		fProxyBucketBase = flag.Int("proxy-bucket-port-base", bucketBase,
			"First port of the numbered upstream endpoints in bucketed mode.")
		fProxyBucketCount = flag.Int("proxy-bucket-count", bucketCount,
			"Number of upstream endpoints in bucketed mode.")

		fPlatformKeySocket = flag.String("platform-key-socket", envStringOrDefault("PLATFORM_KEY_SOCKET", ""),
			"Unix socket of the platform attestation key-derivation service. Empty disables the platform key.")
		fSessionSeed = flag.String("session-seed", envStringOrDefault("SESSION_SEED", ""),
			"Operator secret the fallback encryption key is derived from. "+
				"Required when no platform key socket is configured.")

		fTargetHost = flag.String("target-host", envStringOrDefault("TARGET_HOST", ""),
			"Host of the target web application, e.g. www.example.com.")
		fTargetLoginPaths = flag.String("target-login-paths", envStringOrDefault("TARGET_LOGIN_PATHS", defaultLoginPaths),
			"Comma-separated path prefixes a decoded QR URL must match to count as a login QR.")
		fTargetDenyPaths = flag.String("target-deny-paths", envStringOrDefault("TARGET_DENY_PATHS", defaultDenyPaths),
			"Comma-separated path prefixes that mark a decoded QR URL as promotional/download.")
		fTargetPlaceholder = flag.String("target-placeholder-image", envStringOrDefault("TARGET_PLACEHOLDER_IMAGE", defaultPlaceholder),
			"URL substring identifying the login page's static placeholder QR image, "+
				"which the extraction fallback must skip.")
		fTokenCookies = flag.String("token-cookies", envStringOrDefault("TOKEN_COOKIES", defaultTokens),
			"Comma-separated cookie names extracted into the bundle's token set.")
	)

	if !flag.Parsed() {
		flag.Parse()
	}

	logLevel, err := zerolog.ParseLevel(*fLogLevel)
	if err != nil {
		return nil, ValidationError{Field: "log-level", Message: err.Error()}
	}

	if err := validateRequired("container-image", fContainerImage); err != nil {
		return nil, err
	}
	if err := validateRequired("target-host", fTargetHost); err != nil {
		return nil, err
	}

	mode := ProxyMode(*fProxyMode)
	switch mode {
	case ProxyModeRotating:
		if err := validateRequired("proxy-rotating-host", fProxyRotatingHost); err != nil {
			return nil, err
		}
		if err := validateRequired("proxy-rotating-user", fProxyRotatingUser); err != nil {
			return nil, err
		}
	case ProxyModeBucketed:
		if err := validateRequired("proxy-bucket-host", fProxyBucketHost); err != nil {
			return nil, err
		}
		if *fProxyBucketCount <= 0 {
			return nil, ValidationError{Field: "proxy-bucket-count", Message: "must be positive in bucketed mode"}
		}
	default:
		return nil, ValidationError{
			Field:   "proxy-mode",
			Message: fmt.Sprintf("unknown mode %q, want rotating or bucketed", *fProxyMode),
		}
	}

	// The fallback key seed is mandatory whenever the platform key service
	// is not configured; refusing to start beats storing bundles under an
	// empty key.
	if *fPlatformKeySocket == "" {
		if err := validateRequired("session-seed", fSessionSeed); err != nil {
			return nil, err
		}
	}

	if *fMinPoolSize < 0 {
		return nil, ValidationError{Field: "min-pool-size", Message: "must not be negative"}
	}

	return &Opts{
		LogLevel:   logLevel,
		ListenAddr: *fListenAddr,

		MinPoolSize:         *fMinPoolSize,
		ContainerImage:      *fContainerImage,
		ContainerNetwork:    *fContainerNetwork,
		DevToolsPort:        *fDevToolsPort,
		ControlPort:         *fControlPort,
		ReleasedIdleTimeout: *fReleasedIdleTimeout,
		MaintenanceInterval: *fMaintenanceInterval,
		SweepInterval:       *fSweepInterval,
		DockerHost:          *fDockerHost,

		SessionTimeout: *fSessionTimeout,
		AuthTimeout:    *fAuthTimeout,

		ProxyMode:         mode,
		ProxyRotatingHost: *fProxyRotatingHost,
		ProxyRotatingPort: *fProxyRotatingPort,
		ProxyRotatingUser: *fProxyRotatingUser,
		ProxyRotatingPass: *fProxyRotatingPass,
		ProxyBucketHost:   *fProxyBucketHost,
		ProxyBucketBase:   *fProxyBucketBase,
		ProxyBucketCount:  *fProxyBucketCount,

		PlatformKeySocket: *fPlatformKeySocket,
		SessionSeed:       *fSessionSeed,

		TargetHost:        *fTargetHost,
		TargetLoginPaths:  splitList(*fTargetLoginPaths),
		TargetDenyPaths:   splitList(*fTargetDenyPaths),
		TargetPlaceholder: *fTargetPlaceholder,
		TokenCookies:      splitList(*fTokenCookies),
	}, nil
}
