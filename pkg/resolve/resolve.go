// Package resolve maps participant external ids to the remote store's
// internal patient ids.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Sentinel errors for resolution failures.
var (
	// ErrNotFound indicates no internal id exists for the external id.
	ErrNotFound = errors.New("external id not found")

	// ErrAmbiguous indicates the lookup matched more than one patient.
	ErrAmbiguous = errors.New("external id matches multiple patients")

	// ErrLookupFailed indicates the remote lookup returned a non-success
	// response or could not be completed.
	ErrLookupFailed = errors.New("external id lookup failed")
)

// Error wraps a resolution failure with the external id and strategy.
type Error struct {
	ExternalID string
	Strategy   string
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("resolve %s via %s: %v", e.ExternalID, e.Strategy, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is a not-found resolution failure.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAmbiguous reports whether err is an ambiguous resolution failure.
func IsAmbiguous(err error) bool {
	return errors.Is(err, ErrAmbiguous)
}

// Identity is a resolved external id.
type Identity struct {
	ExternalID string
	InternalID string
	Source     string
}

// Resolver resolves one external id. A failure is returned as an error
// wrapping one of the sentinels; it never aborts the run.
type Resolver interface {
	Resolve(ctx context.Context, externalID string) (Identity, error)
}

// Cached wraps a Resolver so that each external id is resolved at most once
// per run. Only successful resolutions are cached.
type Cached struct {
	next Resolver
	log  *zap.Logger

	mu    sync.RWMutex
	cache map[string]Identity
	hits  int
}

// NewCached wraps next.
func NewCached(next Resolver, logger *zap.Logger) *Cached {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cached{next: next, log: logger, cache: make(map[string]Identity)}
}

// Resolve returns a cached identity or delegates.
func (c *Cached) Resolve(ctx context.Context, externalID string) (Identity, error) {
	c.mu.RLock()
	id, ok := c.cache[externalID]
	c.mu.RUnlock()
	if ok {
		c.mu.Lock()
		c.hits++
		c.mu.Unlock()
		return id, nil
	}

	id, err := c.next.Resolve(ctx, externalID)
	if err != nil {
		c.log.Warn("identity resolution failed", zap.String("eid", externalID), zap.Error(err))
		return Identity{}, err
	}

	c.mu.Lock()
	c.cache[externalID] = id
	c.mu.Unlock()
	c.log.Debug("identity resolved", zap.String("eid", externalID), zap.String("iid", id.InternalID), zap.String("source", id.Source))
	return id, nil
}

// Hits returns the number of cache hits so far.
func (c *Cached) Hits() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits
}

// Len returns the number of cached identities.
func (c *Cached) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}
