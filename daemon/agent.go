// Package daemon wires the registry, dispatcher, handlers, transports,
// and periodic tasks into one runnable directory agent: a
// functional-options constructor plus a split Start/Stop lifecycle.
package daemon

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/joshuafuller/slpda/dainfo"
	"github.com/joshuafuller/slpda/internal/attr"
	"github.com/joshuafuller/slpda/internal/config"
	"github.com/joshuafuller/slpda/internal/dispatch"
	"github.com/joshuafuller/slpda/internal/handler"
	"github.com/joshuafuller/slpda/internal/registry"
	"github.com/joshuafuller/slpda/internal/scope"
	"github.com/joshuafuller/slpda/internal/tasks"
	"github.com/joshuafuller/slpda/internal/transport"
	"github.com/joshuafuller/slpda/internal/wire"
)

// binding is everything Agent needs to serve one configured address:
// its own UDP socket (multicast + unicast replies), its own TCP
// listener, and the DirectoryAgentInfo it advertises about itself.
type binding struct {
	address string
	udp     *transport.UDPv4Transport
	tcp     *transport.TCPListener
	info    *dainfo.DirectoryAgentInfo
}

// Agent is one running directory agent bound to one or more addresses
// sharing a single ServiceInfoCache. Configuration is snapshotted once
// at New and is immutable thereafter; there are no setters to call
// after Start.
type Agent struct {
	cfg      *config.Config
	logger   *zap.Logger
	cache    *registry.ServiceInfoCache
	bindings []*binding
	byAddr   map[string]*dainfo.DirectoryAgentInfo

	dispatcher *dispatch.Dispatcher
	schedulers []*tasks.Scheduler
	workerWG   sync.WaitGroup
	workerStop context.CancelFunc
	startOnce  sync.Once
	stopOnce   sync.Once
}

// New builds an Agent from cfg without opening any socket. Call Start
// to bind and begin serving.
func New(cfg *config.Config, opts ...Option) (*Agent, error) {
	addrs, err := config.ExpandWildcards(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve bind addresses: %w", err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no bind addresses resolved")
	}

	scopes := scope.New(cfg.Scopes...)
	staticAttrs := attr.Parse(cfg.Attributes)

	a := &Agent{
		cfg:    cfg,
		logger: zap.NewNop(),
		cache:  registry.New(),
		byAddr: make(map[string]*dainfo.DirectoryAgentInfo),
	}
	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	bootTime := time.Now()
	for _, addr := range addrs {
		info := dainfo.New(addr, cfg.Port, scopes, staticAttrs, cfg.Language, bootTime)
		a.byAddr[addr] = info
		a.bindings = append(a.bindings, &binding{address: addr, info: info})
	}

	h := handler.New(a.cache, a, a.logger)
	a.dispatcher = dispatch.New(h.Handlers(), a.logger)

	return a, nil
}

// Lookup implements handler.Bindings by the bound address's host
// portion, matching how a binding's DirectoryAgentInfo was keyed at
// construction.
func (a *Agent) Lookup(localAddr net.Addr) (*dainfo.DirectoryAgentInfo, bool) {
	host := hostOf(localAddr)
	info, ok := a.byAddr[host]
	return info, ok
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

// Start binds every configured address's UDP and TCP transports,
// sends the boot DAAdvert on each, and begins serving. Only the first
// call does anything; a later call is a no-op returning nil.
func (a *Agent) Start(ctx context.Context) error {
	var startErr error
	a.startOnce.Do(func() {
		startErr = a.start(ctx)
	})
	return startErr
}

func (a *Agent) start(ctx context.Context) error {
	workerCtx, cancel := context.WithCancel(ctx)
	a.workerStop = cancel

	for i, b := range a.bindings {
		udpTr, err := transport.NewUDPv4Transport(b.address, a.cfg.Port)
		if err != nil {
			a.abortStart(ctx)
			return fmt.Errorf("failed to bind UDP on %s: %w", b.address, err)
		}
		b.udp = udpTr

		tcpLn, err := transport.NewTCPListener(b.address, a.cfg.Port)
		if err != nil {
			a.abortStart(ctx)
			return fmt.Errorf("failed to bind TCP on %s: %w", b.address, err)
		}
		b.tcp = tcpLn

		// Only the first binding runs the purge sweep: the cache is
		// shared across every address, so one sweep per period is
		// enough, and running it from every binding would just purge
		// the same expired entries redundantly.
		purgePeriod := time.Duration(0)
		if i == 0 {
			purgePeriod = a.cfg.PurgePeriod()
		}
		sched := tasks.New(a.cache, []*dainfo.DirectoryAgentInfo{b.info}, udpTr, a.cfg.Port, a.cfg.AdvertisementPeriod(), purgePeriod, a.logger)
		if err := sched.Start(ctx); err != nil {
			a.abortStart(ctx)
			return fmt.Errorf("failed to start periodic tasks on %s: %w", b.address, err)
		}
		a.schedulers = append(a.schedulers, sched)

		a.workerWG.Add(2)
		go a.serveUDP(workerCtx, b)
		go a.serveTCP(workerCtx, b)
	}

	return nil
}

func (a *Agent) serveUDP(ctx context.Context, b *binding) {
	defer a.workerWG.Done()
	for {
		packet, src, err := b.udp.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.Debug("udp receive error", zap.Error(err), zap.String("address", b.address))
			continue
		}
		msg, err := wire.Decode(packet)
		if err != nil {
			a.logger.Debug("dropping malformed datagram", zap.Error(err), zap.Stringer("src", src))
			continue
		}
		a.dispatcher.Dispatch(ctx, dispatch.MessageEvent{
			Message:    msg,
			RemoteAddr: src,
			LocalAddr:  b.udp.LocalAddr(),
			UDP:        b.udp,
		})
	}
}

func (a *Agent) serveTCP(ctx context.Context, b *binding) {
	defer a.workerWG.Done()
	for {
		conn, err := b.tcp.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.Debug("tcp accept error", zap.Error(err), zap.String("address", b.address))
			continue
		}
		a.workerWG.Add(1)
		go a.serveConnection(ctx, conn)
	}
}

func (a *Agent) serveConnection(ctx context.Context, conn transport.Connection) {
	defer a.workerWG.Done()
	defer conn.Close()

	packet, err := conn.Read(ctx)
	if err != nil {
		a.logger.Debug("tcp read error", zap.Error(err))
		return
	}
	msg, err := wire.Decode(packet)
	if err != nil {
		a.logger.Debug("dropping malformed TCP message", zap.Error(err))
		return
	}
	a.dispatcher.Dispatch(ctx, dispatch.MessageEvent{
		Message:    msg,
		RemoteAddr: conn.RemoteAddr(),
		LocalAddr:  conn.LocalAddr(),
		Connection: conn,
	})
}

// Stop cancels the periodic-task scheduler, sends the shutdown
// DAAdvert, then detaches the dispatcher and closes every transport,
// in that order. Stop is idempotent.
func (a *Agent) Stop(ctx context.Context) error {
	var stopErr error
	a.stopOnce.Do(func() {
		stopErr = a.stop(ctx)
	})
	return stopErr
}

func (a *Agent) stop(ctx context.Context) error {
	for _, sched := range a.schedulers {
		if err := sched.Stop(ctx); err != nil {
			a.logger.Warn("scheduler stop reported an error", zap.Error(err))
		}
	}

	if a.workerStop != nil {
		a.workerStop()
	}
	a.workerWG.Wait()

	a.closeBindings()
	return nil
}

// abortStart unwinds a partially completed start: schedulers already
// running are stopped so their advert tickers don't outlive the failed
// bind, then every opened socket is closed.
func (a *Agent) abortStart(ctx context.Context) {
	for _, sched := range a.schedulers {
		if err := sched.Stop(ctx); err != nil {
			a.logger.Warn("scheduler stop during aborted start reported an error", zap.Error(err))
		}
	}
	a.schedulers = nil
	if a.workerStop != nil {
		a.workerStop()
	}
	a.closeBindings()
}

func (a *Agent) closeBindings() {
	for _, b := range a.bindings {
		if b.udp != nil {
			if err := b.udp.Close(); err != nil {
				a.logger.Warn("udp close reported an error", zap.Error(err))
			}
		}
		if b.tcp != nil {
			if err := b.tcp.Close(); err != nil {
				a.logger.Warn("tcp close reported an error", zap.Error(err))
			}
		}
	}
}
