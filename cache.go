package rowmap

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// CacheMode is the expiration policy of a cache entry.
type CacheMode int

const (
	// CacheNone disables caching. It is not a valid mode for an entry.
	CacheNone CacheMode = iota
	// CachePermanent entries live until flushed.
	CachePermanent
	// CacheTimeSpan entries live for interval seconds after creation.
	CacheTimeSpan
	// CacheRepeatedRequestLimit entries serve interval reads, then expire.
	CacheRepeatedRequestLimit
)

// String returns the string representation of the cache mode.
func (m CacheMode) String() string {
	switch m {
	case CacheNone:
		return "none"
	case CachePermanent:
		return "permanent"
	case CacheTimeSpan:
		return "timespan"
	case CacheRepeatedRequestLimit:
		return "repeated_request_limit"
	default:
		return "unknown"
	}
}

// CacheItem is a stored payload with its expiration bookkeeping. Items are
// never mutated after Put except for the atomic call counter.
type CacheItem struct {
	payload  any
	mode     CacheMode
	created  time.Time
	expires  time.Time // CacheTimeSpan only
	interval float64
	calls    atomic.Int64
}

func (i *CacheItem) Payload() any         { return i.payload }
func (i *CacheItem) Mode() CacheMode      { return i.mode }
func (i *CacheItem) CreatedAt() time.Time { return i.created }
func (i *CacheItem) Interval() float64    { return i.interval }

// CallCount returns how many successful reads the item has served.
func (i *CacheItem) CallCount() int64 { return i.calls.Load() }

// admit checks validity at now and, when valid, counts the read.
func (i *CacheItem) admit(now time.Time) bool {
	switch i.mode {
	case CachePermanent:
		i.calls.Add(1)
		return true
	case CacheTimeSpan:
		if !now.Before(i.expires) {
			return false
		}
		i.calls.Add(1)
		return true
	case CacheRepeatedRequestLimit:
		// Counting before checking keeps the budget exact under contention.
		n := i.calls.Add(1)
		return float64(n-1) < i.interval
	}
	return false
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithClock overrides the time source used for CacheTimeSpan entries.
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// Cache is a concurrency-safe store of CacheItems keyed by Fingerprint.
// Each key is updated atomically; there is no lock around the whole store.
// Expiration is evaluated lazily by TryGet.
type Cache struct {
	items sync.Map // Fingerprint -> *CacheItem
	now   func() time.Time
}

// NewCache returns an empty Cache.
func NewCache(opts ...CacheOption) *Cache {
	c := &Cache{now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TryGet returns the item stored under k when it is present and still valid.
// An expired item is removed and reported as missing. Every successful read
// counts against a CacheRepeatedRequestLimit budget.
func (c *Cache) TryGet(k Fingerprint) (*CacheItem, bool) {
	v, ok := c.items.Load(k)
	if !ok {
		return nil, false
	}
	item := v.(*CacheItem)
	if !item.admit(c.now()) {
		// Only evict the item we judged; a concurrent Put may have replaced it.
		c.items.CompareAndDelete(k, item)
		return nil, false
	}
	return item, true
}

// Put stores payload under k with the given expiration policy, replacing any
// previous item. interval is in seconds for CacheTimeSpan and a read budget
// for CacheRepeatedRequestLimit; it is ignored for CachePermanent.
// CacheNone (or an unknown mode, or a negative interval) is a configuration
// error and nothing is stored.
func (c *Cache) Put(k Fingerprint, payload any, mode CacheMode, interval float64) error {
	if err := validateCacheMode(mode, interval); err != nil {
		return err
	}
	item := &CacheItem{
		payload: payload,
		mode:    mode,
		created: c.now(),
	}
	if mode != CachePermanent {
		item.interval = interval
	}
	if mode == CacheTimeSpan {
		item.expires = item.created.Add(time.Duration(interval * float64(time.Second)))
	}
	c.items.Store(k, item)
	return nil
}

// Delete removes the item stored under k, if any.
func (c *Cache) Delete(k Fingerprint) {
	c.items.Delete(k)
}

// Flush removes every item.
func (c *Cache) Flush() {
	c.items.Clear()
}

// Len returns the number of stored items, expired ones included.
func (c *Cache) Len() int {
	n := 0
	c.items.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func validateCacheMode(mode CacheMode, interval float64) error {
	switch mode {
	case CachePermanent, CacheTimeSpan, CacheRepeatedRequestLimit:
	case CacheNone:
		return fmt.Errorf("%w: cache mode %s would disable caching", ErrConfiguration, mode)
	default:
		return fmt.Errorf("%w: unknown cache mode %d", ErrConfiguration, int(mode))
	}
	if interval < 0 || math.IsNaN(interval) || math.IsInf(interval, 0) {
		return fmt.Errorf("%w: invalid cache interval %v", ErrConfiguration, interval)
	}
	return nil
}
