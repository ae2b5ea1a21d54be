// Package dispatch implements the single listener both the UDP and TCP
// transports hand inbound messages to: it classifies each MessageEvent
// by multicast/unicast and message type and routes it to the matching
// handler, dropping anything a DA has no defined response for.
package dispatch

import (
	"context"
	"net"

	"go.uber.org/zap"

	"github.com/joshuafuller/slpda/internal/transport"
	"github.com/joshuafuller/slpda/internal/wire"
)

// MessageEvent is one decoded inbound message plus the transport-level
// context a handler needs to answer it.
type MessageEvent struct {
	Message    *wire.Message
	RemoteAddr net.Addr
	LocalAddr  net.Addr

	// UDP is set when this event arrived over UDP; handlers that reply
	// use it to unicast a response.
	UDP transport.Transport

	// Connection is set when this event arrived over TCP; handlers
	// write their single reply on it and must not retain it afterward.
	Connection transport.Connection
}

// Handlers is the full set of request handlers the dispatcher routes
// to, expressed as a tagged variant over message type rather than a
// runtime type switch spread across the dispatcher itself.
type Handlers struct {
	MulticastSrvRqst func(ctx context.Context, ev MessageEvent, req *wire.SrvRqstBody)
	TCPSrvRqst       func(ctx context.Context, ev MessageEvent, req *wire.SrvRqstBody)
	TCPSrvReg        func(ctx context.Context, ev MessageEvent, reg *wire.SrvRegBody)
	TCPSrvDeReg      func(ctx context.Context, ev MessageEvent, dereg *wire.SrvDeRegBody)
}

// Dispatcher routes MessageEvents to Handlers.
type Dispatcher struct {
	handlers Handlers
	logger   *zap.Logger
}

// New builds a Dispatcher. logger may be nil, in which case dispatch
// decisions are not logged (tests construct it this way).
func New(handlers Handlers, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{handlers: handlers, logger: logger}
}

// Dispatch classifies ev and routes it, or drops it silently with a
// debug log line. A DA never replies with a transport-level error to
// traffic it does not serve.
func (d *Dispatcher) Dispatch(ctx context.Context, ev MessageEvent) {
	msg := ev.Message
	isMulticast := msg.IsMulticast()

	switch body := msg.Body.(type) {
	case *wire.SrvRqstBody:
		if isMulticast {
			d.handlers.MulticastSrvRqst(ctx, ev, body)
			return
		}
		d.handlers.TCPSrvRqst(ctx, ev, body)
		return
	case *wire.SrvRegBody:
		if isMulticast {
			d.drop(ev, "SrvReg received over multicast")
			return
		}
		d.handlers.TCPSrvReg(ctx, ev, body)
		return
	case *wire.SrvDeRegBody:
		if isMulticast {
			d.drop(ev, "SrvDeReg received over multicast")
			return
		}
		d.handlers.TCPSrvDeReg(ctx, ev, body)
		return
	default:
		d.drop(ev, "message type not handled by a directory agent")
	}
}

func (d *Dispatcher) drop(ev MessageEvent, reason string) {
	d.logger.Debug("dropping message",
		zap.String("reason", reason),
		zap.Stringer("remote", ev.RemoteAddr),
		zap.Uint8("function", ev.Message.Function()),
	)
}
