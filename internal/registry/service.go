// Package registry implements ServiceInfoCache, the authoritative
// in-memory service registry: concurrent readers, a serialized writer,
// and synchronous change notifications.
package registry

import (
	"time"

	"github.com/joshuafuller/slpda/internal/attr"
	"github.com/joshuafuller/slpda/internal/scope"
	"github.com/joshuafuller/slpda/internal/slptype"
)

// ServiceKey identifies a registration: a ServiceURL plus a language
// tag. Two registrations with the same key collide; the same URL in
// two languages is two independent entries (RFC 2608 §9).
type ServiceKey struct {
	URL      string // normalized (lower-cased) form of the ServiceURL
	Language string // normalized (lower-cased) language tag
}

// NewServiceKey builds a ServiceKey from a raw URL and language tag.
func NewServiceKey(url, language string) ServiceKey {
	return ServiceKey{URL: normalizeLower(url), Language: normalizeLower(language)}
}

func normalizeLower(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

// ServiceInfo is a single registration: identity, scopes, attributes,
// language, and the lifetime bookkeeping needed to compute expiry.
type ServiceInfo struct {
	Key          ServiceKey
	URL          slptype.ServiceURL
	Type         slptype.ServiceType
	Scopes       scope.Scopes
	Attributes   *attr.Attributes
	Language     string
	RegisteredAt time.Time // monotonic anchor; not reset by updates
	Lifetime     uint16    // seconds; slptype.LifetimePermanent means forever
}

// Expired reports whether this registration's lifetime has elapsed as
// of now. Lifetime 0xFFFF never expires.
func (s ServiceInfo) Expired(now time.Time) bool {
	if s.Lifetime == slptype.LifetimePermanent {
		return false
	}
	return now.Sub(s.RegisteredAt) >= time.Duration(s.Lifetime)*time.Second
}

// RemainingLifetime returns the number of whole seconds left before
// expiry, floored at zero, for use in SrvRply URLEntry lifetimes.
func (s ServiceInfo) RemainingLifetime(now time.Time) uint16 {
	if s.Lifetime == slptype.LifetimePermanent {
		return slptype.LifetimePermanent
	}
	elapsed := now.Sub(s.RegisteredAt)
	total := time.Duration(s.Lifetime) * time.Second
	if elapsed >= total {
		return 0
	}
	remaining := (total - elapsed) / time.Second
	return uint16(remaining)
}

// Clone returns a deep-enough copy: attributes are cloned so a caller
// cannot mutate a cache entry through a returned ServiceInfo.
func (s ServiceInfo) Clone() ServiceInfo {
	out := s
	if s.Attributes != nil {
		out.Attributes = s.Attributes.Clone()
	}
	return out
}
