// Package clientcache holds one constructed upstream client per user,
// evicting entries after an idle TTL. Eviction is always safe: clients are
// stateless beyond the credential, so a rebuilt client behaves identically
// and eviction never invalidates OAuth tokens or tears down in-flight work.
package clientcache

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tasknexus/mcp-bridge/pkg/upstream"
	"github.com/tasknexus/mcp-bridge/pkg/vault"
)

const (
	// DefaultIdleTTL is how long an unused client stays cached.
	DefaultIdleTTL = 30 * time.Minute

	// sweepInterval is how often the background sweep runs.
	sweepInterval = 5 * time.Minute
)

// ErrNotAuthenticated means the user has no stored credential. The hint tells
// the caller what to do, unlike an integrity failure which is fatal.
var ErrNotAuthenticated = errors.New("user is not authenticated with TaskNexus; complete the login flow first")

// Builder constructs an upstream client around one user's credential.
type Builder func(credential string) *upstream.Client

type entry struct {
	client     *upstream.Client
	lastUsedAt time.Time
}

// Cache is the per-user client cache.
type Cache struct {
	vault   *vault.Vault
	build   Builder
	idleTTL time.Duration
	log     *logrus.Logger

	mu      sync.Mutex
	entries map[string]*entry
	creat   map[string]*sync.Mutex // per-user creation serialization

	stop     chan struct{}
	stopOnce sync.Once
}

// New builds the cache. An idleTTL of zero uses DefaultIdleTTL. The
// background sweep starts immediately; call Close to stop it.
func New(v *vault.Vault, build Builder, idleTTL time.Duration, log *logrus.Logger) *Cache {
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	c := &Cache{
		vault:   v,
		build:   build,
		idleTTL: idleTTL,
		log:     log,
		entries: make(map[string]*entry),
		creat:   make(map[string]*sync.Mutex),
		stop:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

// GetOrCreate returns the cached client for userID, building one from the
// user's stored credential on a miss. userID must come from a verified access
// token, never from caller input: the credential lookup is the isolation
// boundary between users.
func (c *Cache) GetOrCreate(userID string) (*upstream.Client, error) {
	c.mu.Lock()
	if e, ok := c.entries[userID]; ok {
		e.lastUsedAt = time.Now()
		c.mu.Unlock()
		return e.client, nil
	}
	lock, ok := c.creat[userID]
	if !ok {
		lock = &sync.Mutex{}
		c.creat[userID] = lock
	}
	c.mu.Unlock()

	// Serialize construction per user so two concurrent calls cannot build
	// two different clients for the same credential.
	lock.Lock()
	defer lock.Unlock()

	c.mu.Lock()
	if e, ok := c.entries[userID]; ok {
		e.lastUsedAt = time.Now()
		c.mu.Unlock()
		return e.client, nil
	}
	c.mu.Unlock()

	credential, err := c.vault.Get(userID)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return nil, ErrNotAuthenticated
		}
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}

	client := c.build(credential)
	c.mu.Lock()
	c.entries[userID] = &entry{client: client, lastUsedAt: time.Now()}
	c.mu.Unlock()

	c.log.WithField("user_id", userID).Debug("built upstream client")
	return client, nil
}

// Invalidate drops the cached client for a user, forcing the next call to
// rebuild from the stored credential. Used after a re-login replaces the key.
func (c *Cache) Invalidate(userID string) {
	c.mu.Lock()
	delete(c.entries, userID)
	c.mu.Unlock()
}

// Len reports the number of cached clients.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// sweep evicts idle entries until Close is called.
func (c *Cache) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.evictIdle(time.Now())
		case <-c.stop:
			return
		}
	}
}

func (c *Cache) evictIdle(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	evicted := 0
	for userID, e := range c.entries {
		if now.Sub(e.lastUsedAt) > c.idleTTL {
			delete(c.entries, userID)
			delete(c.creat, userID)
			evicted++
		}
	}
	if evicted > 0 {
		c.log.WithField("evicted", evicted).Debug("evicted idle upstream clients")
	}
}

// Close stops the background sweep.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}
