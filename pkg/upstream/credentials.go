package upstream

import (
	"context"
	"encoding/base64"
	"sync"
)

// CredentialSource supplies the request credential. Credentials are issued
// out-of-band and externally rotatable; the client calls Refresh exactly
// once when a request comes back 401.
type CredentialSource interface {
	// Authorization returns the value for the Authorization header.
	Authorization(ctx context.Context) (string, error)

	// Refresh asks the source for a fresh credential after a 401.
	Refresh(ctx context.Context) error
}

// BasicCredentials implements CredentialSource with a static basic-auth
// pair. Refresh is a no-op: there is nothing to rotate.
type BasicCredentials struct {
	Username string
	Password string
}

func (c *BasicCredentials) Authorization(ctx context.Context) (string, error) {
	raw := base64.StdEncoding.EncodeToString([]byte(c.Username + ":" + c.Password))
	return "Basic " + raw, nil
}

func (c *BasicCredentials) Refresh(ctx context.Context) error { return nil }

// TokenCredentials holds a bearer token that an external rotation hook can
// replace at any time.
type TokenCredentials struct {
	mu      sync.RWMutex
	token   string
	refresh func(ctx context.Context) (string, error)
}

// NewTokenCredentials builds a bearer source. The refresh callback may be
// nil when no rotation is available.
func NewTokenCredentials(token string, refresh func(ctx context.Context) (string, error)) *TokenCredentials {
	return &TokenCredentials{token: token, refresh: refresh}
}

func (c *TokenCredentials) Authorization(ctx context.Context) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return "Bearer " + c.token, nil
}

func (c *TokenCredentials) Refresh(ctx context.Context) error {
	if c.refresh == nil {
		return nil
	}
	token, err := c.refresh(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	return nil
}
