// Package auth resolves inbound API keys to principals. Key records are
// provided by configuration; the relay core only consumes the lookup.
package auth

import (
	"errors"
	"strings"
	"sync"
)

// ErrUnauthorized is returned when no configured key matches the request.
var ErrUnauthorized = errors.New("auth: invalid or missing api key")

// Principal identifies an authenticated caller.
type Principal struct {
	UserID int64
	KeyID  int64
	Name   string
	// Group, when set, restricts the caller to providers tagged with the
	// same group.
	Group string
}

// Key is one configured API key.
type Key struct {
	ID     int64
	UserID int64
	Name   string
	Secret string
	Group  string
	// Disabled keys stay in the table so their usage can be reported as
	// rejected rather than unknown.
	Disabled bool
}

// Authenticator resolves request credentials against a static key table.
// Safe for concurrent use; Reload swaps the table atomically.
type Authenticator struct {
	mu   sync.RWMutex
	keys map[string]Key
}

// NewAuthenticator builds an Authenticator from the configured keys.
func NewAuthenticator(keys []Key) *Authenticator {
	a := &Authenticator{}
	a.Reload(keys)
	return a
}

// Reload replaces the key table.
func (a *Authenticator) Reload(keys []Key) {
	table := make(map[string]Key, len(keys))
	for _, k := range keys {
		if k.Secret != "" {
			table[k.Secret] = k
		}
	}
	a.mu.Lock()
	a.keys = table
	a.mu.Unlock()
}

// Authenticate resolves the credential found in the Authorization bearer
// token or the X-Api-Key header (either is accepted, matching what the four
// client families send). Returns ErrUnauthorized when nothing matches.
func (a *Authenticator) Authenticate(authorization, xAPIKey string) (Principal, error) {
	secret := strings.TrimSpace(authorization)
	secret = strings.TrimSpace(strings.TrimPrefix(secret, "Bearer "))
	if secret == "" {
		secret = strings.TrimSpace(xAPIKey)
	}
	if secret == "" {
		return Principal{}, ErrUnauthorized
	}

	a.mu.RLock()
	key, ok := a.keys[secret]
	a.mu.RUnlock()

	if !ok || key.Disabled {
		return Principal{}, ErrUnauthorized
	}
	return Principal{UserID: key.UserID, KeyID: key.ID, Name: key.Name, Group: key.Group}, nil
}
