// Package version provides build-time information for the browser-manager
// service.
//
// Version metadata is injected at build time with -ldflags:
//
//	go build -ldflags="\
//	  -X 'github.com/netresearch/browser-manager/internal/version.Version=v0.3.0' \
//	  -X 'github.com/netresearch/browser-manager/internal/version.CommitHash=$(git rev-parse --short HEAD)' \
//	  -X 'github.com/netresearch/browser-manager/internal/version.BuildTimestamp=$(date -u +%Y-%m-%dT%H:%M:%SZ)' \
//	" ./cmd/browser-manager
//
// Development builds without -ldflags fall back to "dev"/"n/a" defaults and
// FormatVersion reports "Development version".
package version
