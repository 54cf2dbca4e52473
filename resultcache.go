package capnweb

import (
	"context"
	"fmt"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/itaylor/react-capnweb/errors"
	"github.com/itaylor/react-capnweb/logger"
)

// keyCodec produces deterministic encodings: map keys are sorted so that
// semantically identical arguments always derive the same cache key.
var keyCodec = jsoniter.Config{SortMapKeys: true}.Froze()

// CallKey derives a deterministic, order-preserving cache key from a call's
// identity. Identical method/argument pairs produce identical keys; reordered
// arguments produce distinct keys.
func CallKey(method string, args ...any) (string, error) {
	if args == nil {
		args = []any{}
	}

	encoded, err := keyCodec.MarshalToString([]any{method, args})
	if err != nil {
		return "", errors.ErrInvalidCall(method, err)
	}

	return encoded, nil
}

// promiseStatus tracks settlement of a Promise.
type promiseStatus int

const (
	promisePending promiseStatus = iota
	promiseResolved
	promiseRejected
)

// Promise is a settle-once asynchronous result. Concurrent lookups for the
// same cache key share one Promise, so awaiting it never re-invokes the
// underlying call.
type Promise struct {
	done chan struct{}

	mu     sync.Mutex
	status promiseStatus
	value  any
	err    error
}

func newPromise() *Promise {
	return &Promise{done: make(chan struct{})}
}

// resolvedPromise returns an already-settled promise.
func resolvedPromise(value any, err error) *Promise {
	p := newPromise()
	p.settle(value, err)

	return p
}

func (p *Promise) settle(value any, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.status != promisePending {
		return
	}

	p.value = value
	p.err = err
	if err != nil {
		p.status = promiseRejected
	} else {
		p.status = promiseResolved
	}

	close(p.done)
}

// Await blocks until the promise settles or the context is done. A rejected
// promise re-raises the same error to every awaiter.
func (p *Promise) Await(ctx context.Context) (any, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Settled reports whether the promise has resolved or rejected.
func (p *Promise) Settled() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// cacheEntry tracks one memoized call.
type cacheEntry struct {
	key       string
	promise   *Promise
	createdAt time.Time

	mu        sync.Mutex
	settledAt time.Time
}

func (e *cacheEntry) markSettled(at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.settledAt = at
}

func (e *cacheEntry) settledBefore(cutoff time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return !e.settledAt.IsZero() && e.settledAt.Before(cutoff)
}

// ResultCacheConfig configures a ResultCache.
type ResultCacheConfig struct {
	// SweepInterval is how often settled entries are checked for staleness.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// StaleAfter is how long a settled entry survives before the sweep
	// removes it.
	StaleAfter time.Duration `yaml:"stale_after"`

	Logger  logger.Logger `yaml:"-"`
	Metrics Metrics       `yaml:"-"`
}

// Default result cache parameters.
const (
	DefaultSweepInterval = 10 * time.Second
	DefaultStaleAfter    = 60 * time.Second
)

// ResultCache memoizes in-flight and settled asynchronous call results by
// derived key, giving concurrent lookups a shared promise and bounding growth
// through explicit removal and a periodic staleness sweep.
type ResultCache struct {
	config  ResultCacheConfig
	logger  logger.Logger
	metrics Metrics

	mu      sync.Mutex
	entries map[string]*cacheEntry

	stopSweep chan struct{}
	sweepDone chan struct{}
	started   bool
}

// NewResultCache creates a result cache. Call Start to begin the staleness
// sweep and Stop to release it.
func NewResultCache(config ResultCacheConfig) *ResultCache {
	if config.SweepInterval == 0 {
		config.SweepInterval = DefaultSweepInterval
	}

	if config.StaleAfter == 0 {
		config.StaleAfter = DefaultStaleAfter
	}

	if config.Logger == nil {
		config.Logger = logger.NewNoopLogger()
	}

	if config.Metrics == nil {
		config.Metrics = NewNoOpMetrics()
	}

	return &ResultCache{
		config:    config,
		logger:    config.Logger,
		metrics:   config.Metrics,
		entries:   make(map[string]*cacheEntry),
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
}

// GetOrCreate returns the promise cached under key, invoking factory exactly
// once on first lookup. Every concurrent lookup with the same key observes
// the same promise object.
func (c *ResultCache) GetOrCreate(key string, factory func() (any, error)) *Promise {
	c.mu.Lock()

	if entry, ok := c.entries[key]; ok {
		c.mu.Unlock()
		c.metrics.Counter("result_cache_lookups_total", map[string]string{"result": "hit"}).Inc()

		return entry.promise
	}

	entry := &cacheEntry{
		key:       key,
		promise:   newPromise(),
		createdAt: time.Now(),
	}
	c.entries[key] = entry
	c.mu.Unlock()

	c.metrics.Counter("result_cache_lookups_total", map[string]string{"result": "miss"}).Inc()

	go func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				c.logger.Error("result cache factory panicked",
					logger.String("key", key),
					logger.Any("panic", recovered))
				entry.promise.settle(nil, errors.ErrInvalidCall(key, fmt.Errorf("factory panic: %v", recovered)))
				entry.markSettled(time.Now())
			}
		}()

		value, err := factory()
		entry.promise.settle(value, err)
		entry.markSettled(time.Now())
	}()

	return entry.promise
}

// Failure memoizes a rejected promise keyed by the error's identity, so
// repeated lookups of a known-bad call converge onto the same rejected
// promise instead of manufacturing fresh, unequal errors each time.
func (c *ResultCache) Failure(err error) *Promise {
	key := "error:" + err.Error()

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok {
		return entry.promise
	}

	now := time.Now()
	entry := &cacheEntry{
		key:       key,
		promise:   resolvedPromise(nil, err),
		createdAt: now,
		settledAt: now,
	}
	c.entries[key] = entry

	return entry.promise
}

// Forget removes the entry under key. A still-pending entry is only removed
// when evenIfPending is set: a consumer detaching before settlement forces
// eviction, since nothing will observe the result.
func (c *ResultCache) Forget(key string, evenIfPending bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return
	}

	if !entry.promise.Settled() && !evenIfPending {
		return
	}

	delete(c.entries, key)
	c.metrics.Counter("result_cache_evictions_total", map[string]string{"cause": "detach"}).Inc()
}

// Len reports the number of cached entries.
func (c *ResultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

// Start launches the periodic staleness sweep.
func (c *ResultCache) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()

		return
	}

	c.started = true
	c.mu.Unlock()

	go c.sweepLoop()
}

// Stop halts the sweep and waits for it to exit. Calling Stop on a cache
// that was never started is a no-op.
func (c *ResultCache) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()

		return
	}

	c.started = false
	c.mu.Unlock()

	close(c.stopSweep)
	<-c.sweepDone
}

func (c *ResultCache) sweepLoop() {
	ticker := time.NewTicker(c.config.SweepInterval)
	defer ticker.Stop()
	defer close(c.sweepDone)

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stopSweep:
			return
		}
	}
}

// sweep removes settled entries older than the staleness threshold. Pending
// entries are never swept; someone may still be awaiting them.
func (c *ResultCache) sweep() {
	cutoff := time.Now().Add(-c.config.StaleAfter)

	c.mu.Lock()
	removed := 0
	for key, entry := range c.entries {
		if entry.settledBefore(cutoff) {
			delete(c.entries, key)
			removed++
		}
	}
	remaining := len(c.entries)
	c.mu.Unlock()

	if removed > 0 {
		c.metrics.Counter("result_cache_evictions_total", map[string]string{"cause": "stale"}).Add(float64(removed))
		c.logger.Debug("result cache sweep completed",
			logger.Int("removed", removed),
			logger.Int("remaining", remaining))
	}
}
