package sync

import (
	"context"
	gosync "sync"
)

// Credentials supplies the password for a connection.
type Credentials interface {
	Password(ctx context.Context, server, user string) (string, error)
}

// CredentialsFunc adapts a function to Credentials.
type CredentialsFunc func(ctx context.Context, server, user string) (string, error)

func (f CredentialsFunc) Password(ctx context.Context, server, user string) (string, error) {
	return f(ctx, server, user)
}

// CachedCredentials asks the wrapped source once per server and user and
// remembers the answer for the life of the process.
type CachedCredentials struct {
	src   Credentials
	mu    gosync.Mutex
	cache map[string]string
}

// NewCachedCredentials wraps src.
func NewCachedCredentials(src Credentials) *CachedCredentials {
	return &CachedCredentials{src: src, cache: make(map[string]string)}
}

func (c *CachedCredentials) Password(ctx context.Context, server, user string) (string, error) {
	key := user + "@" + server

	c.mu.Lock()
	defer c.mu.Unlock()
	if pw, ok := c.cache[key]; ok {
		return pw, nil
	}

	pw, err := c.src.Password(ctx, server, user)
	if err != nil {
		return "", err
	}
	c.cache[key] = pw
	return pw, nil
}
