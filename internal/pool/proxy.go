package pool

import (
	"fmt"
	"hash/fnv"
	"math/rand/v2" //nolint:gosec // Bucket spread, not a secret
	"strings"
	"time"

	"github.com/netresearch/browser-manager/internal/container"
)

// Purpose distinguishes assignments that already have a stable user
// identity from QR-authentication assignments that do not.
type Purpose int

const (
	// PurposeSampling pins a session to a consistent egress.
	PurposeSampling Purpose = iota
	// PurposeAuth has no stable identity yet; egress is picked at random.
	PurposeAuth
)

// ProxySelector computes the upstream proxy for one assignment.
type ProxySelector interface {
	Select(sessionID string, purpose Purpose) container.Upstream
}

// RotatingSelector derives a fresh per-assignment identity from a single
// operator account. The upstream hands out a short-TTL egress per distinct
// username, so baking a timestamp and random suffix into the username
// rotates the egress on every assignment.
type RotatingSelector struct {
	Host string
	Port int
	User string
	Pass string
}

// Select implements ProxySelector.
func (s *RotatingSelector) Select(sessionID string, _ Purpose) container.Upstream {
	suffix := fmt.Sprintf("%d-%04d", time.Now().Unix(), rand.IntN(10000)) //nolint:gosec

	return container.Upstream{
		Host: s.Host,
		Port: s.Port,
		User: fmt.Sprintf("%s-session-%s-%s", s.User, sanitizeProxyUser(sessionID), suffix),
		Pass: s.Pass,
	}
}

// sanitizeProxyUser strips characters the upstream rejects in usernames,
// keeping only letters, digits, and dashes.
func sanitizeProxyUser(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		}
	}

	return b.String()
}

// BucketedSelector spreads assignments over a finite set of numbered
// upstream endpoints. Sampling assignments hash the session id so a user
// keeps a consistent egress; auth assignments pick uniformly at random
// because no stable identity exists yet.
type BucketedSelector struct {
	Host     string
	PortBase int
	Count    int
}

// Select implements ProxySelector.
func (s *BucketedSelector) Select(sessionID string, purpose Purpose) container.Upstream {
	var bucket int
	if purpose == PurposeAuth {
		bucket = rand.IntN(s.Count) //nolint:gosec
	} else {
		h := fnv.New32a()
		_, _ = h.Write([]byte(sessionID))
		bucket = int(h.Sum32() % uint32(s.Count))
	}

	return container.Upstream{
		Host: s.Host,
		Port: s.PortBase + bucket,
	}
}
