package handler

import (
	"context"
	"net"
	"sync"
	"testing"

	"github.com/joshuafuller/slpda/dainfo"
	"github.com/joshuafuller/slpda/internal/attr"
	"github.com/joshuafuller/slpda/internal/dispatch"
	"github.com/joshuafuller/slpda/internal/registry"
	"github.com/joshuafuller/slpda/internal/scope"
	"github.com/joshuafuller/slpda/internal/slperr"
	"github.com/joshuafuller/slpda/internal/wire"
)

type fakeBindings struct {
	byHost map[string]*dainfo.DirectoryAgentInfo
}

func (b *fakeBindings) Lookup(addr net.Addr) (*dainfo.DirectoryAgentInfo, bool) {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	info, ok := b.byHost[host]
	return info, ok
}

type fakeUDP struct {
	mu   sync.Mutex
	sent []sentPacket
	addr net.Addr
}

type sentPacket struct {
	data []byte
	dest net.Addr
}

func (f *fakeUDP) Send(ctx context.Context, packet []byte, dest net.Addr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentPacket{data: packet, dest: dest})
	return nil
}
func (f *fakeUDP) Receive(ctx context.Context) ([]byte, net.Addr, error) {
	<-ctx.Done()
	return nil, nil, ctx.Err()
}

func (f *fakeUDP) LocalAddr() net.Addr { return f.addr }
func (f *fakeUDP) Close() error        { return nil }

type fakeConnection struct {
	local, remote net.Addr
	written       [][]byte
}

func (c *fakeConnection) Read(ctx context.Context) ([]byte, error) { return nil, nil }

func (c *fakeConnection) Write(ctx context.Context, p []byte) error {
	c.written = append(c.written, p)
	return nil
}

func (c *fakeConnection) LocalAddr() net.Addr  { return c.local }
func (c *fakeConnection) RemoteAddr() net.Addr { return c.remote }
func (c *fakeConnection) Close() error         { return nil }

func TestHandler_MulticastDiscovery_RepliesWithDAAdvert(t *testing.T) {
	h, _ := newHandlerWithDA(t, scope.New("DEFAULT"))

	udp := &fakeUDP{addr: &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 427}}
	ev := dispatch.MessageEvent{
		Message:    &wire.Message{XID: 7, Language: "en", Flags: wire.FlagMulticast},
		LocalAddr:  udp.addr,
		RemoteAddr: &net.UDPAddr{IP: net.ParseIP("10.0.0.9"), Port: 12345},
		UDP:        udp,
	}
	req := &wire.SrvRqstBody{ServiceType: "service:directory-agent", Scopes: []string{"DEFAULT"}}

	h.HandleMulticastSrvRqst(context.Background(), ev, req)

	if len(udp.sent) != 1 {
		t.Fatalf("sent = %d packets, want 1", len(udp.sent))
	}
	msg, err := wire.Decode(udp.sent[0].data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if msg.XID != 7 || msg.Language != "en" {
		t.Errorf("reply XID/Language = %d/%s, want 7/en", msg.XID, msg.Language)
	}
	advert, ok := msg.Body.(*wire.DAAdvertBody)
	if !ok {
		t.Fatalf("Body type = %T, want *wire.DAAdvertBody", msg.Body)
	}
	if advert.URL != "service:directory-agent://10.0.0.1" {
		t.Errorf("advert URL = %q, want service:directory-agent://10.0.0.1", advert.URL)
	}
}

func TestHandler_MulticastDiscovery_ResponderSuppression(t *testing.T) {
	h, _ := newHandlerWithDA(t, scope.New("DEFAULT"))

	udp := &fakeUDP{addr: &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 427}}
	ev := dispatch.MessageEvent{
		Message:    &wire.Message{XID: 7, Language: "en", Flags: wire.FlagMulticast},
		LocalAddr:  udp.addr,
		RemoteAddr: &net.UDPAddr{IP: net.ParseIP("10.0.0.9"), Port: 12345},
		UDP:        udp,
	}
	req := &wire.SrvRqstBody{
		ServiceType:        "service:directory-agent",
		Scopes:             []string{"DEFAULT"},
		PreviousResponders: []string{"10.0.0.9"},
	}

	h.HandleMulticastSrvRqst(context.Background(), ev, req)

	if len(udp.sent) != 0 {
		t.Fatalf("sent = %d packets, want 0 (responder suppression)", len(udp.sent))
	}
}

func TestHandler_MulticastDiscovery_WrongServiceTypeDropped(t *testing.T) {
	h, _ := newHandlerWithDA(t, scope.New("DEFAULT"))

	udp := &fakeUDP{addr: &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 427}}
	ev := dispatch.MessageEvent{
		Message:    &wire.Message{XID: 7, Language: "en", Flags: wire.FlagMulticast},
		LocalAddr:  udp.addr,
		RemoteAddr: &net.UDPAddr{IP: net.ParseIP("10.0.0.9"), Port: 12345},
		UDP:        udp,
	}
	req := &wire.SrvRqstBody{ServiceType: "service:printer:lpr", Scopes: []string{"DEFAULT"}}

	h.HandleMulticastSrvRqst(context.Background(), ev, req)

	if len(udp.sent) != 0 {
		t.Fatalf("sent = %d packets, want 0 (wrong service type)", len(udp.sent))
	}
}

func TestHandler_MulticastDiscovery_ScopeMismatchDropped(t *testing.T) {
	h, _ := newHandlerWithDA(t, scope.New("site-a"))

	udp := &fakeUDP{addr: &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 427}}
	ev := dispatch.MessageEvent{
		Message:    &wire.Message{XID: 7, Language: "en", Flags: wire.FlagMulticast},
		LocalAddr:  udp.addr,
		RemoteAddr: &net.UDPAddr{IP: net.ParseIP("10.0.0.9"), Port: 12345},
		UDP:        udp,
	}
	req := &wire.SrvRqstBody{ServiceType: "service:directory-agent", Scopes: []string{"site-b"}}

	h.HandleMulticastSrvRqst(context.Background(), ev, req)

	if len(udp.sent) != 0 {
		t.Fatalf("sent = %d packets, want 0 (scope weakMatch fails)", len(udp.sent))
	}
}

func TestHandler_RegisterThenQuery(t *testing.T) {
	h, _ := newHandlerWithDA(t, scope.New("DEFAULT"))
	local := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 427}

	regConn := &fakeConnection{local: local, remote: &net.TCPAddr{IP: net.ParseIP("10.0.0.9")}}
	regEv := dispatch.MessageEvent{
		Message:    &wire.Message{XID: 1, Language: "en"},
		LocalAddr:  local,
		Connection: regConn,
	}
	reg := &wire.SrvRegBody{
		URL:         wire.URLEntry{URL: "service:printer:lpr://p1", Lifetime: 60},
		ServiceType: "service:printer:lpr",
		Scopes:      []string{"DEFAULT"},
		Attributes:  "(color=true),(ppm=10)",
	}
	h.HandleTCPSrvReg(context.Background(), regEv, reg)

	if len(regConn.written) != 1 {
		t.Fatalf("SrvReg wrote %d replies, want 1", len(regConn.written))
	}
	ackMsg, err := wire.Decode(regConn.written[0])
	if err != nil {
		t.Fatalf("Decode() ack error = %v", err)
	}
	ack := ackMsg.Body.(*wire.SrvAckBody)
	if ack.ErrorCode != slperr.CodeSuccess {
		t.Fatalf("SrvAck ErrorCode = %d, want 0", ack.ErrorCode)
	}

	qConn := &fakeConnection{local: local, remote: &net.TCPAddr{IP: net.ParseIP("10.0.0.9")}}
	qEv := dispatch.MessageEvent{
		Message:    &wire.Message{XID: 2, Language: "en"},
		LocalAddr:  local,
		Connection: qConn,
	}
	req := &wire.SrvRqstBody{ServiceType: "service:printer:lpr", Scopes: []string{"DEFAULT"}, Filter: "(ppm>=5)"}
	h.HandleTCPSrvRqst(context.Background(), qEv, req)

	if len(qConn.written) != 1 {
		t.Fatalf("SrvRqst wrote %d replies, want 1", len(qConn.written))
	}
	rplyMsg, err := wire.Decode(qConn.written[0])
	if err != nil {
		t.Fatalf("Decode() reply error = %v", err)
	}
	rply := rplyMsg.Body.(*wire.SrvRplyBody)
	if rply.ErrorCode != slperr.CodeSuccess {
		t.Fatalf("SrvRply ErrorCode = %d, want 0", rply.ErrorCode)
	}
	if len(rply.URLEntries) != 1 || rply.URLEntries[0].URL != "service:printer:lpr://p1" {
		t.Fatalf("SrvRply URLEntries = %+v, want one entry for p1", rply.URLEntries)
	}
}

func TestHandler_Register_ScopeRejection(t *testing.T) {
	h, _ := newHandlerWithDA(t, scope.New("A"))
	local := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 427}

	conn := &fakeConnection{local: local, remote: &net.TCPAddr{IP: net.ParseIP("10.0.0.9")}}
	ev := dispatch.MessageEvent{
		Message:    &wire.Message{XID: 1, Language: "en"},
		LocalAddr:  local,
		Connection: conn,
	}
	reg := &wire.SrvRegBody{
		URL:         wire.URLEntry{URL: "service:printer:lpr://p1", Lifetime: 60},
		ServiceType: "service:printer:lpr",
		Scopes:      []string{"B"},
	}
	h.HandleTCPSrvReg(context.Background(), ev, reg)

	ackMsg, err := wire.Decode(conn.written[0])
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	ack := ackMsg.Body.(*wire.SrvAckBody)
	if ack.ErrorCode != slperr.CodeScopeNotSupported {
		t.Fatalf("SrvAck ErrorCode = %d, want %d (SCOPE_NOT_SUPPORTED)", ack.ErrorCode, slperr.CodeScopeNotSupported)
	}
}

func TestHandler_TCPSrvRqst_MalformedFilterReturnsInvalidRegistration(t *testing.T) {
	h, _ := newHandlerWithDA(t, scope.New("DEFAULT"))
	local := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 427}

	conn := &fakeConnection{local: local, remote: &net.TCPAddr{IP: net.ParseIP("10.0.0.9")}}
	ev := dispatch.MessageEvent{
		Message:    &wire.Message{XID: 1, Language: "en"},
		LocalAddr:  local,
		Connection: conn,
	}
	req := &wire.SrvRqstBody{ServiceType: "service:printer:lpr", Filter: "(not valid"}
	h.HandleTCPSrvRqst(context.Background(), ev, req)

	if len(conn.written) != 1 {
		t.Fatalf("wrote %d replies, want 1 (never drop on malformed filter)", len(conn.written))
	}
	msg, err := wire.Decode(conn.written[0])
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	rply := msg.Body.(*wire.SrvRplyBody)
	if rply.ErrorCode != slperr.CodeInvalidRegistration {
		t.Errorf("ErrorCode = %d, want %d (INVALID_REGISTRATION)", rply.ErrorCode, slperr.CodeInvalidRegistration)
	}
	if len(rply.URLEntries) != 0 {
		t.Errorf("URLEntries = %v, want empty", rply.URLEntries)
	}
}

func TestHandler_Deregister_RemovesEntry(t *testing.T) {
	h, _ := newHandlerWithDA(t, scope.New("DEFAULT"))
	local := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 427}

	regConn := &fakeConnection{local: local, remote: &net.TCPAddr{IP: net.ParseIP("10.0.0.9")}}
	h.HandleTCPSrvReg(context.Background(), dispatch.MessageEvent{
		Message: &wire.Message{XID: 1, Language: "en"}, LocalAddr: local, Connection: regConn,
	}, &wire.SrvRegBody{
		URL: wire.URLEntry{URL: "service:printer:lpr://p1", Lifetime: 60},
		ServiceType: "service:printer:lpr", Scopes: []string{"DEFAULT"},
	})

	deregConn := &fakeConnection{local: local, remote: &net.TCPAddr{IP: net.ParseIP("10.0.0.9")}}
	h.HandleTCPSrvDeReg(context.Background(), dispatch.MessageEvent{
		Message: &wire.Message{XID: 2, Language: "en"}, LocalAddr: local, Connection: deregConn,
	}, &wire.SrvDeRegBody{
		URL: wire.URLEntry{URL: "service:printer:lpr://p1"}, Scopes: []string{"DEFAULT"},
	})

	ackMsg, err := wire.Decode(deregConn.written[0])
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if ackMsg.Body.(*wire.SrvAckBody).ErrorCode != slperr.CodeSuccess {
		t.Fatalf("SrvDeReg ack ErrorCode != 0")
	}

	qConn := &fakeConnection{local: local, remote: &net.TCPAddr{IP: net.ParseIP("10.0.0.9")}}
	h.HandleTCPSrvRqst(context.Background(), dispatch.MessageEvent{
		Message: &wire.Message{XID: 3, Language: "en"}, LocalAddr: local, Connection: qConn,
	}, &wire.SrvRqstBody{ServiceType: "service:printer:lpr"})

	rplyMsg, _ := wire.Decode(qConn.written[0])
	if len(rplyMsg.Body.(*wire.SrvRplyBody).URLEntries) != 0 {
		t.Error("deregistered entry still returned by Match()")
	}
}

func newHandlerWithDA(t *testing.T, daScopes scope.Scopes) (*Handler, *fakeBindings) {
	t.Helper()
	info := &dainfo.DirectoryAgentInfo{
		Address:    "10.0.0.1",
		Scopes:     daScopes,
		Attributes: attr.New(),
		Language:   "en",
	}
	bindings := &fakeBindings{byHost: map[string]*dainfo.DirectoryAgentInfo{"10.0.0.1": info}}
	return New(registry.New(), bindings, nil), bindings
}
