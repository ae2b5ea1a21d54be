// Package tasks implements the directory agent's periodic background
// work: the boot and shutdown DAAdverts (RFC 2608 §12.1), the
// unsolicited periodic DAAdvert, and the expired-service purge sweep.
// None of it may block the dispatch path, so every task here only ever
// takes the cache's own lock and writes a datagram; nothing waits on
// an external host.
package tasks

import (
	"context"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/joshuafuller/slpda/dainfo"
	"github.com/joshuafuller/slpda/internal/registry"
	"github.com/joshuafuller/slpda/internal/transport"
	"github.com/joshuafuller/slpda/internal/wire"
)

// Scheduler owns the boot/shutdown advert, the unsolicited advert
// ticker, and the purge ticker for one running Agent. It does not
// itself decide when the Agent starts or stops; Start/Stop just bound
// the lifetime of its background goroutines.
type Scheduler struct {
	cache  *registry.ServiceInfoCache
	das    []*dainfo.DirectoryAgentInfo
	mcast  transport.Transport
	port   int
	logger *zap.Logger

	advertisementPeriod time.Duration
	purgePeriod         time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Scheduler. mcast is the UDP transport adverts are sent
// on; port is the destination SLP port for the multicast group; das is
// the set of DirectoryAgentInfo values to advertise, one per bound
// address.
func New(cache *registry.ServiceInfoCache, das []*dainfo.DirectoryAgentInfo, mcast transport.Transport, port int, advertisementPeriod, purgePeriod time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cache:               cache,
		das:                 das,
		mcast:               mcast,
		port:                port,
		logger:              logger,
		advertisementPeriod: advertisementPeriod,
		purgePeriod:         purgePeriod,
	}
}

// Start sends the boot DAAdvert and starts the unsolicited-advert and
// purge tickers. A non-positive period disables its ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.broadcastAdvert(ctx, false); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(runCtx)
	return nil
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	var advertTicker, purgeTicker *time.Ticker
	var advertCh, purgeCh <-chan time.Time

	if s.advertisementPeriod > 0 {
		advertTicker = time.NewTicker(s.advertisementPeriod)
		defer advertTicker.Stop()
		advertCh = advertTicker.C
	}
	if s.purgePeriod > 0 {
		purgeTicker = time.NewTicker(s.purgePeriod)
		defer purgeTicker.Stop()
		purgeCh = purgeTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-advertCh:
			s.advertiseUnsolicited(ctx)
		case <-purgeCh:
			s.purge()
		}
	}
}

func (s *Scheduler) advertiseUnsolicited(ctx context.Context) {
	if err := s.broadcastAdvert(ctx, false); err != nil {
		s.logger.Warn("unsolicited DAAdvert failed", zap.Error(err))
	}
}

func (s *Scheduler) purge() {
	expired := s.cache.Purge()
	if len(expired) > 0 {
		s.logger.Info("purged expired services", zap.Int("count", len(expired)))
	}
}

// Stop cancels the scheduler, interrupting any in-flight periodic
// task, then sends the shutdown DAAdvert. The caller detaches the
// dispatcher and closes transports afterward.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return s.broadcastAdvert(ctx, true)
}

// bootTimeShuttingDown is the BootTimestamp a shutdown DAAdvert
// carries; zero tells peers the DA is going down (RFC 2608 §12.1).
const bootTimeShuttingDown = 0

func (s *Scheduler) broadcastAdvert(ctx context.Context, shuttingDown bool) error {
	dest, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(transport.MulticastAddrIPv4, strconv.Itoa(s.port)))
	if err != nil {
		return err
	}

	for _, da := range s.das {
		bootTime := da.BootTime
		if shuttingDown {
			bootTime = bootTimeShuttingDown
		}
		msg := &wire.Message{
			Version:  2,
			Language: da.Language,
			Body: &wire.DAAdvertBody{
				ErrorCode:     0,
				BootTimestamp: bootTime,
				URL:           da.URL(),
				Scopes:        da.Scopes.Names(),
				Attributes:    da.Attributes.String(),
			},
		}
		packet, err := wire.Encode(msg)
		if err != nil {
			return err
		}
		if err := s.mcast.Send(ctx, packet, dest); err != nil {
			return err
		}
	}
	return nil
}
