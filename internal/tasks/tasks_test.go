package tasks

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/joshuafuller/slpda/dainfo"
	"github.com/joshuafuller/slpda/internal/registry"
	"github.com/joshuafuller/slpda/internal/scope"
	"github.com/joshuafuller/slpda/internal/slptype"
	"github.com/joshuafuller/slpda/internal/wire"
)

type fakeTransport struct {
	mu   sync.Mutex
	sent [][]byte
}

func (f *fakeTransport) Send(ctx context.Context, packet []byte, dest net.Addr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(packet))
	copy(cp, packet)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeTransport) Receive(ctx context.Context) ([]byte, net.Addr, error) {
	<-ctx.Done()
	return nil, nil, ctx.Err()
}

func (f *fakeTransport) LocalAddr() net.Addr { return &net.UDPAddr{IP: net.ParseIP("127.0.0.1")} }
func (f *fakeTransport) Close() error        { return nil }

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestDA(t *testing.T) *dainfo.DirectoryAgentInfo {
	t.Helper()
	return dainfo.New("192.0.2.10", 427, scope.New("DEFAULT"), nil, "en", time.Unix(1000, 0))
}

func TestScheduler_StartSendsBootAdvert(t *testing.T) {
	cache := registry.New()
	tr := &fakeTransport{}
	s := New(cache, []*dainfo.DirectoryAgentInfo{newTestDA(t)}, tr, 427, 0, 0, nil)

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop(ctx)

	if tr.count() != 1 {
		t.Fatalf("Send count = %d, want 1 boot advert", tr.count())
	}

	msg, err := wire.Decode(tr.sent[0])
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	advert, ok := msg.Body.(*wire.DAAdvertBody)
	if !ok {
		t.Fatalf("Body type = %T, want *wire.DAAdvertBody", msg.Body)
	}
	if advert.BootTimestamp != 1000 {
		t.Errorf("BootTimestamp = %d, want 1000", advert.BootTimestamp)
	}
}

func TestScheduler_StopSendsShutdownAdvertWithZeroBootTime(t *testing.T) {
	cache := registry.New()
	tr := &fakeTransport{}
	s := New(cache, []*dainfo.DirectoryAgentInfo{newTestDA(t)}, tr, 427, 0, 0, nil)

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if tr.count() != 2 {
		t.Fatalf("Send count = %d, want 2 (boot + shutdown)", tr.count())
	}
	msg, err := wire.Decode(tr.sent[1])
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	advert := msg.Body.(*wire.DAAdvertBody)
	if advert.BootTimestamp != 0 {
		t.Errorf("shutdown BootTimestamp = %d, want 0", advert.BootTimestamp)
	}
}

func TestScheduler_UnsolicitedAdvertFires(t *testing.T) {
	cache := registry.New()
	tr := &fakeTransport{}
	s := New(cache, []*dainfo.DirectoryAgentInfo{newTestDA(t)}, tr, 427, 20*time.Millisecond, 0, nil)

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for tr.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if tr.count() < 2 {
		t.Fatalf("Send count = %d, want at least 2 (boot + unsolicited)", tr.count())
	}
}

func TestScheduler_PurgeSweepRemovesExpired(t *testing.T) {
	cache := registry.New()

	url, err := slptype.NewServiceURL("service:foo://192.0.2.1", 1)
	if err != nil {
		t.Fatalf("NewServiceURL() error = %v", err)
	}
	typ, err := slptype.ParseServiceType("service:foo")
	if err != nil {
		t.Fatalf("ParseServiceType() error = %v", err)
	}
	entry := registry.ServiceInfo{
		Key:          registry.NewServiceKey(url.Key(), "en"),
		URL:          url,
		Type:         typ,
		Scopes:       scope.New("DEFAULT"),
		Language:     "en",
		RegisteredAt: time.Now().Add(-2 * time.Second),
		Lifetime:     1,
	}
	if _, err := cache.Put(entry); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	tr := &fakeTransport{}
	s := New(cache, []*dainfo.DirectoryAgentInfo{newTestDA(t)}, tr, 427, 0, 20*time.Millisecond, nil)
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for cache.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if cache.Len() != 0 {
		t.Error("expired entry was not purged")
	}
}
