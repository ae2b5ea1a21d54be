package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/joshuafuller/slpda/internal/slperr"
)

// MulticastAddrIPv4 is the SLP multicast group (RFC 2608 §19).
const MulticastAddrIPv4 = "239.255.255.253"

// Port is the default SLP port for UDP and TCP (RFC 2608 §19).
const Port = 427

// UDPv4Transport implements Transport over IPv4 UDP, bound to a single
// configured address and joined to the SLP multicast group so it can
// both receive multicast SrvRqsts and unicast a DAAdvert back.
type UDPv4Transport struct {
	conn     *net.UDPConn
	ipv4Conn *ipv4.PacketConn
	laddr    net.Addr
}

// NewUDPv4Transport binds to bindAddr (a configured literal, already
// resolved from any wildcard) on port and joins the multicast group so
// unsolicited peer traffic is received too.
func NewUDPv4Transport(bindAddr string, port int) (*UDPv4Transport, error) {
	localAddr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(bindAddr, strconv.Itoa(port)))
	if err != nil {
		return nil, &slperr.NetworkError{
			Operation: "resolve bind address",
			Err:       err,
			Details:   fmt.Sprintf("failed to resolve %s:%d", bindAddr, port),
		}
	}

	conn, err := net.ListenUDP("udp4", localAddr)
	if err != nil {
		return nil, &slperr.NetworkError{
			Operation: "create socket",
			Err:       err,
			Details:   fmt.Sprintf("failed to bind to %s:%d", bindAddr, port),
		}
	}

	if err := conn.SetReadBuffer(65536); err != nil {
		_ = conn.Close()
		return nil, &slperr.NetworkError{
			Operation: "configure socket",
			Err:       err,
			Details:   "failed to set read buffer size",
		}
	}

	ipv4Conn := ipv4.NewPacketConn(conn)
	mcastAddr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(MulticastAddrIPv4, strconv.Itoa(port)))
	if err != nil {
		_ = conn.Close()
		return nil, &slperr.NetworkError{
			Operation: "resolve multicast address",
			Err:       err,
			Details:   fmt.Sprintf("failed to resolve %s:%d", MulticastAddrIPv4, port),
		}
	}
	if err := ipv4Conn.JoinGroup(nil, mcastAddr); err != nil {
		_ = conn.Close()
		return nil, &slperr.NetworkError{
			Operation: "join multicast group",
			Err:       err,
			Details:   fmt.Sprintf("failed to join %s", MulticastAddrIPv4),
		}
	}

	// conn.LocalAddr carries the kernel-assigned port when port was 0.
	return &UDPv4Transport{conn: conn, ipv4Conn: ipv4Conn, laddr: conn.LocalAddr()}, nil
}

func (t *UDPv4Transport) LocalAddr() net.Addr { return t.laddr }

// Send transmits packet to dest.
func (t *UDPv4Transport) Send(ctx context.Context, packet []byte, dest net.Addr) error {
	select {
	case <-ctx.Done():
		return &slperr.NetworkError{Operation: "send", Err: ctx.Err(), Details: "context canceled before send"}
	default:
	}

	n, err := t.conn.WriteTo(packet, dest)
	if err != nil {
		return &slperr.NetworkError{
			Operation: "send",
			Err:       err,
			Details:   fmt.Sprintf("failed to send %d bytes to %s", len(packet), dest),
		}
	}
	if n != len(packet) {
		return &slperr.NetworkError{
			Operation: "send",
			Err:       fmt.Errorf("partial write: %d/%d bytes", n, len(packet)),
			Details:   "incomplete transmission",
		}
	}
	return nil
}

// Receive waits for one incoming datagram.
func (t *UDPv4Transport) Receive(ctx context.Context) ([]byte, net.Addr, error) {
	select {
	case <-ctx.Done():
		return nil, nil, &slperr.NetworkError{Operation: "receive", Err: ctx.Err(), Details: "context canceled before receive"}
	default:
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := t.conn.SetReadDeadline(deadline); err != nil {
			return nil, nil, &slperr.NetworkError{
				Operation: "set read deadline",
				Err:       err,
				Details:   fmt.Sprintf("failed to set deadline %v", deadline),
			}
		}
	} else {
		// Clear any deadline a previous canceled Receive left behind.
		_ = t.conn.SetReadDeadline(time.Time{})
	}

	// A cancel while blocked in ReadFrom expires the read deadline so the
	// read returns instead of waiting for the next datagram.
	stopAfter := context.AfterFunc(ctx, func() { _ = t.conn.SetReadDeadline(time.Now()) })
	defer stopAfter()

	bufPtr := GetBuffer()
	defer PutBuffer(bufPtr)
	buffer := *bufPtr

	n, srcAddr, err := t.conn.ReadFrom(buffer)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil, nil, &slperr.NetworkError{Operation: "receive", Err: err, Details: "timeout"}
		}
		return nil, nil, &slperr.NetworkError{Operation: "receive", Err: err, Details: "failed to read from socket"}
	}

	result := make([]byte, n)
	copy(result, buffer[:n])
	return result, srcAddr, nil
}

// Close releases the underlying socket.
func (t *UDPv4Transport) Close() error {
	if t.conn == nil {
		return nil
	}
	if err := t.conn.Close(); err != nil {
		return &slperr.NetworkError{Operation: "close", Err: err, Details: "failed to close UDP connection"}
	}
	return nil
}
