// Package dainfo implements DirectoryAgentInfo, the self-description a
// directory agent advertises about itself in every DAAdvert
// (RFC 2608 §8.5).
package dainfo

import (
	"fmt"
	"time"

	"github.com/joshuafuller/slpda/internal/attr"
	"github.com/joshuafuller/slpda/internal/scope"
	"github.com/joshuafuller/slpda/internal/slptype"
)

// DirectoryAgentInfo is the bound address, scope set, attribute list,
// preferred language, and boot timestamp one configured DA binding
// advertises in its DAAdverts.
type DirectoryAgentInfo struct {
	Address    string // the bound literal address, e.g. "192.0.2.10"
	Scopes     scope.Scopes
	Attributes *attr.Attributes
	Language   string
	BootTime   int64 // seconds since the Unix epoch, per RFC 2608 §8.5
}

// New builds a DirectoryAgentInfo and ensures the
// service:directory-agent.tcp-port attribute is present, so peers that
// prefer TCP learn the port from the advert itself.
func New(address string, tcpPort int, scopes scope.Scopes, attrs *attr.Attributes, language string, bootTime time.Time) *DirectoryAgentInfo {
	if attrs == nil {
		attrs = attr.New()
	}
	merged := attrs.Clone()
	merged.Set(slptype.TCPPortTag, attr.Value{Type: attr.TypeInteger, Int: int64(tcpPort)})

	return &DirectoryAgentInfo{
		Address:    address,
		Scopes:     scopes,
		Attributes: merged,
		Language:   language,
		BootTime:   bootTime.Unix(),
	}
}

// URL renders the service:directory-agent URL this DA advertises for
// itself.
func (d *DirectoryAgentInfo) URL() string {
	return slptype.DirectoryAgentURL(d.Address)
}

// String is a human-readable summary used in boot/shutdown log lines.
func (d *DirectoryAgentInfo) String() string {
	return fmt.Sprintf("DA %s scopes=%v lang=%s", d.Address, d.Scopes.Names(), d.Language)
}
