package authpipeline

import (
	"sync"
	"sync/atomic"

	"golang.org/x/oauth2"
)

// identityCacheSnapshot is an immutable point-in-time view of which
// upstream usernames have a cached identity-provider session.
type identityCacheSnapshot map[string]*oauth2.Token

// IdentityCache holds, per upstream username, the provider token from
// the last successful S1 (silent refresh or device-code sign-in). Reads
// are lock-free via atomic.Value (mirroring the teacher's router.Router
// snapshot pattern); writes clone-and-swap under a small mutex.
//
// MSALProvider.AcquireToken consults the cache first; with
// interactiveAllowed false and no cached entry, it fails with
// ErrInteractionRequired without making an HTTPS call.
type IdentityCache struct {
	snap atomic.Value // holds identityCacheSnapshot
	wmu  sync.Mutex
}

// NewIdentityCache returns an empty cache.
func NewIdentityCache() *IdentityCache {
	c := &IdentityCache{}
	c.snap.Store(identityCacheSnapshot{})
	return c
}

func (c *IdentityCache) load() identityCacheSnapshot {
	return c.snap.Load().(identityCacheSnapshot)
}

// CachedToken returns the cached provider token for username, if any.
// Lock-free.
func (c *IdentityCache) CachedToken(username string) (*oauth2.Token, bool) {
	tok, ok := c.load()[username]
	return tok, ok
}

// HasCachedSession reports whether username currently has a known-good
// cached session. Lock-free.
func (c *IdentityCache) HasCachedSession(username string) bool {
	_, ok := c.CachedToken(username)
	return ok
}

// Store records a successful provider token for username, replacing any
// previous entry.
func (c *IdentityCache) Store(username string, tok *oauth2.Token) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	cur := c.load()
	next := make(identityCacheSnapshot, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[username] = tok
	c.snap.Store(next)
}

// Forget removes any cached session for username, e.g. after a silent
// refresh permanently fails.
func (c *IdentityCache) Forget(username string) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	cur := c.load()
	if _, ok := cur[username]; !ok {
		return
	}
	next := make(identityCacheSnapshot, len(cur))
	for k, v := range cur {
		if k != username {
			next[k] = v
		}
	}
	c.snap.Store(next)
}
