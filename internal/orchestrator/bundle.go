package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/netresearch/browser-manager/internal/session"
)

// identityJS pulls the user-identity object out of the page's global state.
// Two fallbacks: the well-known global variable, then the JSON-embedded
// data element.
const identityJS = `(() => {
	try {
		const s = window['SIGI_STATE'];
		if (s && s.user && s.user.secUid) {
			return JSON.stringify({
				sec_user_id: s.user.secUid,
				user_id: s.user.uid || '',
				unique_id: s.user.uniqueId || '',
				nickname: s.user.nickName || ''
			});
		}
	} catch (e) {}
	try {
		const el = document.querySelector('script#SIGI_STATE, script[type="application/json"][id*="STATE"]');
		if (el) {
			const data = JSON.parse(el.textContent);
			const u = data.user || (data.UserModule && Object.values(data.UserModule.users || {})[0]);
			if (u && (u.secUid || u.sec_user_id)) {
				return JSON.stringify({
					sec_user_id: u.secUid || u.sec_user_id,
					user_id: u.uid || u.id || '',
					unique_id: u.uniqueId || u.unique_id || '',
					nickname: u.nickName || u.nickname || ''
				});
			}
		}
	} catch (e) {}
	return null;
})()`

// sessionCookieName is the cookie whose presence proves a completed login.
const sessionCookieName = "sessionid"

// extractSettings parameterizes bundle capture.
type extractSettings struct {
	TargetHost   string
	TokenCookies []string
	SettleWait   time.Duration
}

// extractBundle captures the credential bundle from a browser whose page
// has just completed login. Cookies are read before any navigation:
// loading the profile page first can rotate the session cookie and
// invalidate everything captured after it.
func extractBundle(ctx context.Context, b Browser, cfg extractSettings) (*session.Bundle, error) {
	origin := "https://" + cfg.TargetHost

	cookies, err := b.Cookies(origin)
	if err != nil {
		return nil, fmt.Errorf("cookie capture: %w", err)
	}

	if findCookie(cookies, sessionCookieName) == "" {
		return nil, ErrMissingSessionCookie
	}

	// Identity extraction needs the profile page's global state; the
	// cookies above are already safe.
	user := extractIdentity(ctx, b, origin, cfg.SettleWait)

	bundle := &session.Bundle{
		Cookies: cookies,
		User:    user,
		Tokens:  pickTokens(cookies, cfg.TokenCookies),
	}

	if user != nil && user.SecUserID != "" {
		bundle.Device = deriveDeviceIDs(user.SecUserID)
	}

	return bundle, nil
}

// extractIdentity navigates to the profile page and reads the identity
// object. Both fallbacks failing is not fatal: the bundle stays usable for
// sampling, only identity indexing is lost.
func extractIdentity(ctx context.Context, b Browser, origin string, settle time.Duration) *session.User {
	if err := b.Navigate(ctx, origin+"/profile"); err != nil {
		log.Warn().Err(err).Msg("Profile navigation failed, identity unavailable")

		return nil
	}
	sleepCtx(ctx, settle)

	got, err := b.Evaluate(identityJS)
	if err != nil {
		log.Warn().Err(err).Msg("Identity evaluation failed")

		return nil
	}

	raw, ok := got.(string)
	if !ok || raw == "" {
		log.Debug().Msg("No identity object in page state")

		return nil
	}

	var user session.User
	if err := json.Unmarshal([]byte(raw), &user); err != nil {
		log.Warn().Err(err).Msg("Identity object unparseable")

		return nil
	}

	return &user
}

// findCookie returns the value of the named cookie, or empty.
func findCookie(cookies []session.Cookie, name string) string {
	for _, c := range cookies {
		if c.Name == name {
			return c.Value
		}
	}

	return ""
}

// pickTokens extracts the whitelisted cookie subset as the bundle's token
// set.
func pickTokens(cookies []session.Cookie, names []string) map[string]string {
	tokens := make(map[string]string, len(names))
	for _, name := range names {
		if v := findCookie(cookies, name); v != "" {
			tokens[name] = v
		}
	}

	return tokens
}

// deriveDeviceIDs builds the synthetic device identifiers the target
// application's scripts expect. These are deterministic per user, not
// secrets: SHA-256 of the identity, sliced into numeric ids.
func deriveDeviceIDs(secUserID string) map[string]string {
	sum := sha256.Sum256([]byte(secUserID))

	const digits = uint64(1e16)
	deviceID := binary.BigEndian.Uint64(sum[0:8]) % digits
	installID := binary.BigEndian.Uint64(sum[8:16]) % digits

	return map[string]string{
		"device_id":  strconv.FormatUint(deviceID, 10),
		"install_id": strconv.FormatUint(installID, 10),
	}
}
