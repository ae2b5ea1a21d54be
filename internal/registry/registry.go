// registry.go: ServiceInfoCache, the thread-safe keyed store behind
// every query and registration.
//
// A single sync.RWMutex guards the map. Writers hold the write lock
// for the full duration of a mutation, including firing listeners
// synchronously, so listener callbacks for a mutation complete before
// the mutating call returns and a replacement's removed/added pair
// fires in program order under one lock acquisition.
package registry

import (
	"sync"
	"time"

	"github.com/joshuafuller/slpda/internal/attr"
	"github.com/joshuafuller/slpda/internal/slperr"
)

// Listener observes cache mutations. Implementations must not block or
// re-enter the cache; ServiceInfoCache recovers from panicking listeners
// so one bad observer cannot corrupt cache state.
type Listener interface {
	ServiceAdded(current ServiceInfo)
	ServiceRemoved(previous ServiceInfo)
	ServiceUpdated(previous, current ServiceInfo)
}

// Result reports the before/after state of a mutation as one value
// rather than separate bool/error returns for every case.
type Result struct {
	Previous *ServiceInfo
	Current  *ServiceInfo
}

// ServiceInfoCache is the DA's authoritative registry.
type ServiceInfoCache struct {
	mu        sync.RWMutex
	entries   map[ServiceKey]ServiceInfo
	order     []ServiceKey // insertion order of surviving keys
	listeners []Listener
	now       func() time.Time // injectable for purge tests
}

// New returns an empty, ready-to-use cache.
func New() *ServiceInfoCache {
	return &ServiceInfoCache{
		entries: make(map[ServiceKey]ServiceInfo),
		now:     time.Now,
	}
}

// AddServiceListener registers an observer for future mutations.
func (c *ServiceInfoCache) AddServiceListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// RemoveServiceListener unregisters a previously added observer.
func (c *ServiceInfoCache) RemoveServiceListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.listeners {
		if existing == l {
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			return
		}
	}
}

func (c *ServiceInfoCache) notify(fn func(Listener)) {
	for _, l := range c.listeners {
		safeNotify(l, fn)
	}
}

// safeNotify isolates one listener's panic from the cache mutation in
// progress.
func safeNotify(l Listener, fn func(Listener)) {
	defer func() { _ = recover() }()
	fn(l)
}

// Put inserts or fully replaces the entry with service.Key. Fails with
// INVALID_REGISTRATION if service.Scopes is empty.
func (c *ServiceInfoCache) Put(service ServiceInfo) (Result, error) {
	if service.Scopes.Empty() {
		return Result{}, slperr.NewInvalidRegistration("put")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	previous, had := c.entries[service.Key]
	c.entries[service.Key] = service
	if !had {
		c.order = append(c.order, service.Key)
	}

	if had {
		prevCopy := previous.Clone()
		c.notify(func(l Listener) { l.ServiceRemoved(prevCopy) })
	}
	curCopy := service.Clone()
	c.notify(func(l Listener) { l.ServiceAdded(curCopy) })

	result := Result{Current: &curCopy}
	if had {
		prevCopy := previous.Clone()
		result.Previous = &prevCopy
	}
	return result, nil
}

// Remove deletes the entry for key. A miss is not an error:
// Result.Previous is nil and no listener fires.
func (c *ServiceInfoCache) Remove(key ServiceKey) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	previous, had := c.entries[key]
	if !had {
		return Result{}, nil
	}
	delete(c.entries, key)
	c.dropOrderLocked(key)

	prevCopy := previous.Clone()
	c.notify(func(l Listener) { l.ServiceRemoved(prevCopy) })

	return Result{Previous: &prevCopy}, nil
}

// AddAttributes merges attrs into the existing entry for key. Fails
// with INVALID_UPDATE if key is absent.
func (c *ServiceInfoCache) AddAttributes(key ServiceKey, attrs *attr.Attributes) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, had := c.entries[key]
	if !had {
		return Result{}, slperr.NewInvalidUpdate("addAttributes")
	}

	prevCopy := existing.Clone()
	updated := existing
	updated.Attributes = existing.Attributes.Merge(attrs)
	c.entries[key] = updated

	curCopy := updated.Clone()
	c.notify(func(l Listener) { l.ServiceUpdated(prevCopy, curCopy) })

	return Result{Previous: &prevCopy, Current: &curCopy}, nil
}

// RemoveAttributes unmerges attrs (tags or specific values) from the
// existing entry for key. Fails with INVALID_UPDATE if key is absent.
func (c *ServiceInfoCache) RemoveAttributes(key ServiceKey, attrs *attr.Attributes) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, had := c.entries[key]
	if !had {
		return Result{}, slperr.NewInvalidUpdate("removeAttributes")
	}

	prevCopy := existing.Clone()
	updated := existing
	updated.Attributes = existing.Attributes.Unmerge(attrs)
	c.entries[key] = updated

	curCopy := updated.Clone()
	c.notify(func(l Listener) { l.ServiceUpdated(prevCopy, curCopy) })

	return Result{Previous: &prevCopy, Current: &curCopy}, nil
}

// MatchQuery is the conjunction of optional predicates accepted by
// Match. A nil/zero field matches anything.
type MatchQuery struct {
	Type     *ServiceTypeQuery
	Language string
	Scopes   *ScopesQuery
	Filter   FilterQuery
}

// ServiceTypeQuery wraps a caller-supplied service-type predicate;
// callers (internal/handler) supply an Equal-shaped comparator.
type ServiceTypeQuery struct {
	Equal func(ServiceInfo) bool
}

// ScopesQuery holds the request-side scope predicate: every scope the
// request names must be present in the entry's scope set.
type ScopesQuery struct {
	Match func(entryScopes interface{ Contains(string) bool }) bool
}

// FilterQuery evaluates a parsed filter against an entry's attributes.
// internal/filter.Filter satisfies this.
type FilterQuery interface {
	Match(a *attr.Attributes) bool
}

// Match returns every live entry satisfying the conjunction of
// supplied predicates, in insertion order of surviving entries.
func (c *ServiceInfoCache) Match(q MatchQuery) []ServiceInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []ServiceInfo
	for _, key := range c.order {
		entry := c.entries[key]
		if !matchesLocked(entry, q) {
			continue
		}
		out = append(out, entry.Clone())
	}
	return out
}

// dropOrderLocked removes key from the insertion-order list. A replaced
// entry keeps its original slot, so put(s); put(s) leaves ordering
// untouched.
func (c *ServiceInfoCache) dropOrderLocked(key ServiceKey) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

func matchesLocked(entry ServiceInfo, q MatchQuery) bool {
	if q.Type != nil && !q.Type.Equal(entry) {
		return false
	}
	if q.Language != "" && !equalFoldASCII(entry.Language, q.Language) {
		return false
	}
	if q.Scopes != nil && q.Scopes.Match != nil && !q.Scopes.Match(entry.Scopes) {
		return false
	}
	if q.Filter != nil && !q.Filter.Match(entry.Attributes) {
		return false
	}
	return true
}

func equalFoldASCII(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if cb >= 'A' && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// Purge removes every entry whose lifetime has elapsed and returns the
// removed entries.
func (c *ServiceInfoCache) Purge() []ServiceInfo {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	var removed []ServiceInfo
	for key, entry := range c.entries {
		if entry.Expired(now) {
			delete(c.entries, key)
			c.dropOrderLocked(key)
			removed = append(removed, entry.Clone())
		}
	}
	for _, entry := range removed {
		e := entry
		c.notify(func(l Listener) { l.ServiceRemoved(e) })
	}
	return removed
}

// Get returns a copy of the entry for key, without the full Match
// machinery.
func (c *ServiceInfoCache) Get(key ServiceKey) (ServiceInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	if !ok {
		return ServiceInfo{}, false
	}
	return entry.Clone(), true
}

// Len reports the number of live entries (expired-but-unpurged included).
func (c *ServiceInfoCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
