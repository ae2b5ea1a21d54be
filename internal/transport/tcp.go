package transport

import (
	"context"
	"fmt"
	"io"
	"net"

	"github.com/joshuafuller/slpda/internal/slperr"
)

// TCPListener accepts the TCP connections SrvRqst/SrvReg/SrvDeReg
// traffic arrives on. Shaped the same way as UDPv4Transport:
// NetworkError on every failure path, context-aware.
type TCPListener struct {
	ln net.Listener
}

// NewTCPListener binds bindAddr on port.
func NewTCPListener(bindAddr string, port int) (*TCPListener, error) {
	ln, err := net.Listen("tcp4", net.JoinHostPort(bindAddr, fmt.Sprintf("%d", port)))
	if err != nil {
		return nil, &slperr.NetworkError{
			Operation: "listen",
			Err:       err,
			Details:   fmt.Sprintf("failed to bind TCP %s:%d", bindAddr, port),
		}
	}
	return &TCPListener{ln: ln}, nil
}

// Accept blocks until one connection is available or ctx is done.
func (l *TCPListener) Accept(ctx context.Context) (Connection, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := l.ln.Accept()
		ch <- result{conn: conn, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, &slperr.NetworkError{Operation: "accept", Err: ctx.Err(), Details: "context canceled before accept"}
	case r := <-ch:
		if r.err != nil {
			return nil, &slperr.NetworkError{Operation: "accept", Err: r.err, Details: "failed to accept connection"}
		}
		return &tcpConnection{conn: r.conn}, nil
	}
}

// Close stops accepting new connections.
func (l *TCPListener) Close() error {
	if err := l.ln.Close(); err != nil {
		return &slperr.NetworkError{Operation: "close", Err: err, Details: "failed to close TCP listener"}
	}
	return nil
}

// tcpConnection wraps one accepted net.Conn as a single request/reply
// exchange. SLPv2 over TCP has no explicit frame length prefix of its
// own beyond the message header's Length field (RFC 2608 §8.1), so Read
// parses the fixed header first to learn how many more bytes to pull.
type tcpConnection struct {
	conn net.Conn
}

const slpHeaderPrefixLen = 1 + 1 + 3 // version, function-id, 24-bit length

func (c *tcpConnection) Read(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetReadDeadline(deadline); err != nil {
			return nil, &slperr.NetworkError{Operation: "set read deadline", Err: err}
		}
	}

	prefix := make([]byte, slpHeaderPrefixLen)
	if _, err := io.ReadFull(c.conn, prefix); err != nil {
		return nil, &slperr.NetworkError{Operation: "read header", Err: err, Details: "failed to read message prefix"}
	}
	length := uint32(prefix[2])<<16 | uint32(prefix[3])<<8 | uint32(prefix[4])
	if int(length) < slpHeaderPrefixLen {
		return nil, &slperr.WireFormatError{Operation: "read header", Details: "declared length shorter than the header prefix"}
	}

	rest := make([]byte, int(length)-slpHeaderPrefixLen)
	if len(rest) > 0 {
		if _, err := io.ReadFull(c.conn, rest); err != nil {
			return nil, &slperr.NetworkError{Operation: "read body", Err: err, Details: "failed to read message body"}
		}
	}

	packet := make([]byte, 0, length)
	packet = append(packet, prefix...)
	packet = append(packet, rest...)
	return packet, nil
}

func (c *tcpConnection) Write(ctx context.Context, packet []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetWriteDeadline(deadline); err != nil {
			return &slperr.NetworkError{Operation: "set write deadline", Err: err}
		}
	}
	if _, err := c.conn.Write(packet); err != nil {
		return &slperr.NetworkError{Operation: "write", Err: err, Details: "failed to write reply"}
	}
	return nil
}

func (c *tcpConnection) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *tcpConnection) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *tcpConnection) Close() error {
	if err := c.conn.Close(); err != nil {
		return &slperr.NetworkError{Operation: "close", Err: err, Details: "failed to close connection"}
	}
	return nil
}
