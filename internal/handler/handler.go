// Package handler implements the four request handlers a directory
// agent serves: multicast discovery, TCP discovery, registration, and
// deregistration. Each converts a decoded wire message into a registry
// operation and a wire reply, or a silent drop.
package handler

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/joshuafuller/slpda/dainfo"
	"github.com/joshuafuller/slpda/internal/attr"
	"github.com/joshuafuller/slpda/internal/dispatch"
	"github.com/joshuafuller/slpda/internal/filter"
	"github.com/joshuafuller/slpda/internal/registry"
	"github.com/joshuafuller/slpda/internal/scope"
	"github.com/joshuafuller/slpda/internal/slperr"
	"github.com/joshuafuller/slpda/internal/slptype"
	"github.com/joshuafuller/slpda/internal/wire"
)

// Bindings resolves the DirectoryAgentInfo bound to a given local
// address. The map is keyed by the expanded bind literal, built once
// in daemon.New, and read-only thereafter.
type Bindings interface {
	Lookup(localAddr net.Addr) (*dainfo.DirectoryAgentInfo, bool)
}

// Handler owns the registry and binding table every request handler
// needs, and produces the four dispatch.Handlers callbacks.
type Handler struct {
	cache    *registry.ServiceInfoCache
	bindings Bindings
	logger   *zap.Logger
	now      func() time.Time
}

// New builds a Handler. logger may be nil.
func New(cache *registry.ServiceInfoCache, bindings Bindings, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{cache: cache, bindings: bindings, logger: logger, now: time.Now}
}

// Handlers returns the dispatch.Handlers table wired to this Handler's
// methods.
func (h *Handler) Handlers() dispatch.Handlers {
	return dispatch.Handlers{
		MulticastSrvRqst: h.HandleMulticastSrvRqst,
		TCPSrvRqst:       h.HandleTCPSrvRqst,
		TCPSrvReg:        h.HandleTCPSrvReg,
		TCPSrvDeReg:      h.HandleTCPSrvDeReg,
	}
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// HandleMulticastSrvRqst answers multicast DA discovery (RFC 2608
// §8.1, §12): a SrvRqst for service:directory-agent in an overlapping
// scope gets a unicast DAAdvert; everything else is dropped silently.
func (h *Handler) HandleMulticastSrvRqst(ctx context.Context, ev dispatch.MessageEvent, req *wire.SrvRqstBody) {
	info, ok := h.bindings.Lookup(ev.LocalAddr)
	if !ok {
		h.logger.Debug("multicast SrvRqst on unbound interface", zap.Stringer("local", ev.LocalAddr))
		return
	}

	remoteHost := hostOf(ev.RemoteAddr)
	for _, prev := range req.PreviousResponders {
		// Exact string equality against the PR list entry; the peer's
		// presentation form is not normalized.
		if prev == remoteHost {
			h.logger.Debug("dropping SrvRqst: responder suppression", zap.String("remote", remoteHost))
			return
		}
	}

	if !info.Scopes.WeakMatch(scope.New(req.Scopes...)) {
		h.logger.Debug("dropping SrvRqst: scope weakMatch failed", zap.Strings("request_scopes", req.Scopes))
		return
	}

	reqType, err := slptype.ParseServiceType(req.ServiceType)
	if err != nil || !reqType.IsDirectoryAgent() {
		h.logger.Debug("dropping SrvRqst: not a directory-agent discovery", zap.String("service_type", req.ServiceType))
		return
	}

	advert := buildDAAdvert(info, 0)
	msg := &wire.Message{
		Version:  2,
		Flags:    0,
		XID:      ev.Message.XID,
		Language: ev.Message.Language,
		Body:     advert,
	}
	data, err := wire.Encode(msg)
	if err != nil {
		h.logger.Warn("failed to encode DAAdvert reply", zap.Error(err))
		return
	}
	if err := ev.UDP.Send(ctx, data, ev.RemoteAddr); err != nil {
		h.logger.Warn("failed to send DAAdvert reply", zap.Error(err))
	}
}

func buildDAAdvert(info *dainfo.DirectoryAgentInfo, bootTimestamp int64) *wire.DAAdvertBody {
	return &wire.DAAdvertBody{
		ErrorCode:     slperr.CodeSuccess,
		BootTimestamp: bootTimestamp,
		URL:           info.URL(),
		Scopes:        info.Scopes.Names(),
		Attributes:    info.Attributes.String(),
	}
}

// HandleTCPSrvRqst answers a unicast SrvRqst with a SrvRply listing
// every registration matching the request's type, language, scopes,
// and predicate (RFC 2608 §8.1, §8.2).
func (h *Handler) HandleTCPSrvRqst(ctx context.Context, ev dispatch.MessageEvent, req *wire.SrvRqstBody) {
	_, ok := h.bindings.Lookup(ev.LocalAddr)
	if !ok {
		h.logger.Debug("TCP SrvRqst on unbound interface", zap.Stringer("local", ev.LocalAddr))
		return
	}

	var reqType *registry.ServiceTypeQuery
	if req.ServiceType != "" {
		parsed, err := slptype.ParseServiceType(req.ServiceType)
		if err == nil {
			reqType = &registry.ServiceTypeQuery{Equal: func(entry registry.ServiceInfo) bool {
				return entry.Type.Equal(parsed)
			}}
		}
	}

	reqScopes := scope.New(req.Scopes...)
	scopesQuery := &registry.ScopesQuery{Match: func(entryScopes interface{ Contains(string) bool }) bool {
		names := reqScopes.Names()
		for _, n := range names {
			if !entryScopes.Contains(n) {
				return false
			}
		}
		return true
	}}

	parsedFilter, err := filter.Parse(req.Filter)
	errorCode := slperr.CodeSuccess
	var urlEntries []wire.URLEntry
	if err != nil {
		// A malformed predicate never drops the request; it reports
		// INVALID_REGISTRATION with an empty list.
		errorCode = slperr.CodeInvalidRegistration
	} else {
		matches := h.cache.Match(registry.MatchQuery{
			Type:     reqType,
			Language: ev.Message.Language,
			Scopes:   scopesQuery,
			Filter:   parsedFilter,
		})
		now := h.now()
		for _, m := range matches {
			urlEntries = append(urlEntries, wire.URLEntry{
				Lifetime: m.RemainingLifetime(now),
				URL:      m.URL.URL,
			})
		}
	}

	reply := &wire.SrvRplyBody{ErrorCode: errorCode, URLEntries: urlEntries}
	h.writeReply(ctx, ev, reply)
}

func (h *Handler) writeReply(ctx context.Context, ev dispatch.MessageEvent, body wire.Body) {
	msg := &wire.Message{Version: 2, XID: ev.Message.XID, Language: ev.Message.Language, Body: body}
	data, err := wire.Encode(msg)
	if err != nil {
		h.logger.Warn("failed to encode reply", zap.Error(err))
		return
	}
	if err := ev.Connection.Write(ctx, data); err != nil {
		h.logger.Warn("failed to write reply", zap.Error(err))
	}
}

// HandleTCPSrvReg admits or updates a registration (RFC 2608 §8.3,
// §10.2) and acknowledges with a SrvAck.
func (h *Handler) HandleTCPSrvReg(ctx context.Context, ev dispatch.MessageEvent, reg *wire.SrvRegBody) {
	info, ok := h.bindings.Lookup(ev.LocalAddr)
	if !ok {
		h.logger.Debug("TCP SrvReg on unbound interface", zap.Stringer("local", ev.LocalAddr))
		return
	}

	regScopes := scope.New(reg.Scopes...)
	if !info.Scopes.Match(regScopes) {
		h.writeReply(ctx, ev, &wire.SrvAckBody{ErrorCode: slperr.CodeScopeNotSupported})
		return
	}

	serviceType, err := slptype.ParseServiceType(reg.ServiceType)
	if err != nil {
		h.writeReply(ctx, ev, &wire.SrvAckBody{ErrorCode: slperr.CodeInvalidRegistration})
		return
	}
	url, err := slptype.NewServiceURL(reg.URL.URL, reg.URL.Lifetime)
	if err != nil {
		h.writeReply(ctx, ev, &wire.SrvAckBody{ErrorCode: slperr.CodeInvalidRegistration})
		return
	}

	key := registry.NewServiceKey(url.URL, ev.Message.Language)
	attrs := attr.Parse(reg.Attributes)

	var errorCode int
	if !ev.Message.IsUpdate() {
		service := registry.ServiceInfo{
			Key:          key,
			URL:          url,
			Type:         serviceType,
			Scopes:       regScopes,
			Attributes:   attrs,
			Language:     ev.Message.Language,
			RegisteredAt: h.now(),
			Lifetime:     reg.URL.Lifetime,
		}
		if _, err := h.cache.Put(service); err != nil {
			errorCode = codeOf(err)
		}
	} else {
		if _, err := h.cache.AddAttributes(key, attrs); err != nil {
			errorCode = codeOf(err)
		}
	}

	h.writeReply(ctx, ev, &wire.SrvAckBody{ErrorCode: errorCode})
}

// HandleTCPSrvDeReg removes a registration, or just the named
// attributes of one (RFC 2608 §10.6), and acknowledges with a SrvAck.
func (h *Handler) HandleTCPSrvDeReg(ctx context.Context, ev dispatch.MessageEvent, dereg *wire.SrvDeRegBody) {
	info, ok := h.bindings.Lookup(ev.LocalAddr)
	if !ok {
		h.logger.Debug("TCP SrvDeReg on unbound interface", zap.Stringer("local", ev.LocalAddr))
		return
	}

	deregScopes := scope.New(dereg.Scopes...)
	if !info.Scopes.Match(deregScopes) {
		h.writeReply(ctx, ev, &wire.SrvAckBody{ErrorCode: slperr.CodeScopeNotSupported})
		return
	}

	key := registry.NewServiceKey(dereg.URL.URL, ev.Message.Language)

	var errorCode int
	if ev.Message.IsUpdate() {
		victims := attr.Parse(dereg.Attributes)
		if _, err := h.cache.RemoveAttributes(key, victims); err != nil {
			errorCode = codeOf(err)
		}
	} else {
		if _, err := h.cache.Remove(key); err != nil {
			errorCode = codeOf(err)
		}
	}

	h.writeReply(ctx, ev, &wire.SrvAckBody{ErrorCode: errorCode})
}

func codeOf(err error) int {
	if pe, ok := err.(*slperr.ProtocolError); ok {
		return pe.Code
	}
	return slperr.CodeInternalError
}
