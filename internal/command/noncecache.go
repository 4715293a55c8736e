package command

import (
	"fmt"
	"time"
)

const (
	// MaxCommandAge bounds both command freshness and the nonce cache
	// rotation period.
	MaxCommandAge = 300 * time.Second

	// MaxNonceCacheCount caps the current generation. Once reached, every
	// further command is rejected until the next rotation.
	MaxNonceCacheCount = 300
)

var (
	// ErrNonceReplayed marks a command UUID already seen in the current or
	// previous generation.
	ErrNonceReplayed = fmt.Errorf("command nonce already seen: %w", ErrInvalidData)

	// ErrNonceCapacity marks rejection due to cache exhaustion, not replay.
	ErrNonceCapacity = fmt.Errorf("command nonce cache full: %w", ErrInvalidData)
)

// NonceCache tracks recently accepted command UUIDs across two rotating
// generations. A UUID accepted in generation N is still rejected in N+1 (it
// sits in the previous set) and ages out in N+2.
//
// The cache is not internally locked: it is confined to the push channel's
// message-processing goroutine, which is the only caller.
type NonceCache struct {
	current      map[string]struct{}
	previous     map[string]struct{}
	lastRotation time.Time

	// now is replaceable in tests.
	now func() time.Time
}

// NewNonceCache returns an empty cache whose first rotation window starts
// now.
func NewNonceCache() *NonceCache {
	c := &NonceCache{
		current:  make(map[string]struct{}),
		previous: make(map[string]struct{}),
		now:      time.Now,
	}
	c.lastRotation = c.now()
	return c
}

// Accept records the UUID if it has not been seen in either generation and
// the current generation has room. It returns ErrNonceReplayed on replay and
// ErrNonceCapacity when the cache is full.
func (c *NonceCache) Accept(uuid string) error {
	c.rotate()

	if _, ok := c.current[uuid]; ok {
		return ErrNonceReplayed
	}
	if _, ok := c.previous[uuid]; ok {
		return ErrNonceReplayed
	}
	if len(c.current) >= MaxNonceCacheCount {
		return ErrNonceCapacity
	}

	c.current[uuid] = struct{}{}
	return nil
}

func (c *NonceCache) rotate() {
	now := c.now()
	elapsed := now.Sub(c.lastRotation)
	if elapsed < MaxCommandAge {
		return
	}
	if elapsed >= 2*MaxCommandAge {
		// More than one full window passed; both generations have aged out.
		c.current = make(map[string]struct{})
		c.previous = make(map[string]struct{})
	} else {
		c.previous = c.current
		c.current = make(map[string]struct{})
	}
	c.lastRotation = now
}
