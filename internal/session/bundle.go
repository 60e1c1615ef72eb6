package session

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrBadBundle indicates caller-supplied credential data failed shape
// checks.
var ErrBadBundle = errors.New("credential bundle failed validation")

// Cookie is one browser cookie captured from the target application.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
}

// User carries the identity fields the core reads from a bundle. Only
// SecUserID is load-bearing; the rest travels opaquely for the
// target-application scripts.
type User struct {
	SecUserID string `json:"sec_user_id"`
	UserID    string `json:"user_id,omitempty"`
	UniqueID  string `json:"unique_id,omitempty"`
	Nickname  string `json:"nickname,omitempty"`
}

// Bundle is a user's credential bundle: cookies, derived tokens, identity,
// and synthetic device identifiers. Opaque to the core except for the
// fields above.
type Bundle struct {
	Cookies []Cookie          `json:"cookies"`
	User    *User             `json:"user,omitempty"`
	Tokens  map[string]string `json:"tokens,omitempty"`
	Device  map[string]string `json:"device,omitempty"`
}

// Validate applies the minimal shape checks: a cookies array and a user
// identity object must both be present.
func (b *Bundle) Validate() error {
	if b == nil {
		return fmt.Errorf("%w: empty bundle", ErrBadBundle)
	}
	if len(b.Cookies) == 0 {
		return fmt.Errorf("%w: missing cookies array", ErrBadBundle)
	}
	if b.User == nil {
		return fmt.Errorf("%w: missing user identity object", ErrBadBundle)
	}

	return nil
}

// ParseBundle decodes and validates a raw bundle document.
func ParseBundle(data []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadBundle, err)
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}

	return &b, nil
}
