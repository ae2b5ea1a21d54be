// Package slptype holds the two identity primitives shared by every
// other package: ServiceURL and ServiceType.
//
// RFC 2608 §4.1: URL entries. RFC 2609: service URL and service type
// syntax.
package slptype

import (
	"strconv"
	"strings"

	"github.com/joshuafuller/slpda/internal/slperr"
)

// LifetimePermanent is the wire value 0xFFFF, meaning "registered
// until explicitly deregistered".
const LifetimePermanent = 0xFFFF

// ServiceURL is a case-insensitive URL plus a lifetime in seconds.
// Identity is the URL string: two ServiceURLs with the same URL text,
// compared case-insensitively, are the same URL.
type ServiceURL struct {
	URL      string
	Lifetime uint16
}

// NewServiceURL validates and builds a ServiceURL.
func NewServiceURL(url string, lifetime uint16) (ServiceURL, error) {
	if url == "" {
		return ServiceURL{}, &slperr.ValidationError{
			Field: "url", Value: url, Reason: "service URL must not be empty",
		}
	}
	return ServiceURL{URL: url, Lifetime: lifetime}, nil
}

// Equal compares two service URLs by their case-insensitive URL
// string; lifetime is not part of identity.
func (u ServiceURL) Equal(other ServiceURL) bool {
	return strings.EqualFold(u.URL, other.URL)
}

// Permanent reports whether this URL's lifetime is the wire sentinel for
// "permanent until deregistered."
func (u ServiceURL) Permanent() bool {
	return u.Lifetime == LifetimePermanent
}

// key returns the normalized form used as a map key (registry identity).
func (u ServiceURL) key() string {
	return strings.ToLower(u.URL)
}

// Key is exported for callers (ServiceKey) that need a stable, comparable
// identity derived from the URL.
func (u ServiceURL) Key() string { return u.key() }

// ServiceType is a structured service-type name:
// "service:abstract:concrete" or "service:concrete". Equality is
// case-insensitive on every colon-delimited part (RFC 2609 §2.1).
type ServiceType struct {
	Abstract string // e.g. "service" always, or "service:printer" for abstract types
	Concrete string // e.g. "lpr" in "service:printer:lpr"
	raw      string
}

// ParseServiceType parses a wire service-type string such as
// "service:printer:lpr" or "service:directory-agent".
func ParseServiceType(s string) (ServiceType, error) {
	if s == "" {
		return ServiceType{}, &slperr.ValidationError{
			Field: "serviceType", Value: s, Reason: "service type must not be empty",
		}
	}
	parts := strings.Split(s, ":")
	switch len(parts) {
	case 2:
		return ServiceType{Abstract: parts[0], Concrete: parts[1], raw: s}, nil
	case 3:
		return ServiceType{Abstract: parts[0] + ":" + parts[1], Concrete: parts[2], raw: s}, nil
	default:
		return ServiceType{}, &slperr.ValidationError{
			Field: "serviceType", Value: s,
			Reason: "expected service:concrete or service:abstract:concrete",
		}
	}
}

// String returns the canonical wire form.
func (t ServiceType) String() string { return t.raw }

// Equal compares two service types case-insensitively on every part.
func (t ServiceType) Equal(other ServiceType) bool {
	return strings.EqualFold(t.Abstract, other.Abstract) &&
		strings.EqualFold(t.Concrete, other.Concrete)
}

// IsDirectoryAgent reports whether this is the well-known
// "service:directory-agent" type used by multicast SrvRqst to discover
// DAs (RFC 2608 §8.5).
func (t ServiceType) IsDirectoryAgent() bool {
	return strings.EqualFold(t.raw, "service:directory-agent")
}

// DirectoryAgentURL builds the DAAdvert URL, exactly
// "service:directory-agent://<host-address>" (RFC 2608 §8.5).
func DirectoryAgentURL(hostAddress string) string {
	return "service:directory-agent://" + hostAddress
}

// TCPPortTag is the DA attribute tag carried on every
// DirectoryAgentInfo: "service:directory-agent.tcp-port=<port>".
const TCPPortTag = "service:directory-agent.tcp-port"

// TCPPortAttribute formats the DA tcp-port attribute,
// "service:directory-agent.tcp-port=<port>".
func TCPPortAttribute(port int) string {
	return TCPPortTag + "=" + strconv.Itoa(port)
}
