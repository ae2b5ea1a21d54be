// Package wire implements the SLPv2 message codec (RFC 2608 §8): the
// common header shared by every message type, a Body interface each
// function-specific payload implements, and the Encode/Decode entry
// points the transport layer and dispatcher use to move Message values
// on and off a socket.
//
// Strings are length-prefixed UTF-8 exactly as RFC 2608 §8 specifies: a
// 16-bit big-endian length followed by that many bytes. Comma-separated
// lists (scope lists, previous-responder lists) are themselves encoded
// as a single length-prefixed string and split/joined at this layer.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/joshuafuller/slpda/internal/slperr"
)

// Function-IDs a directory agent consumes or emits (RFC 2608 §8.1).
// AttrRqst/AttrRply/SrvTypeRqst/SrvTypeRply/SAAdvert are not served by
// a DA-only implementation and are not represented here.
const (
	FunctionSrvRqst  byte = 1
	FunctionSrvRply  byte = 2
	FunctionSrvReg   byte = 3
	FunctionSrvDeReg byte = 4
	FunctionSrvAck   byte = 5
	FunctionDAAdvert byte = 8
)

// Header flag bits (RFC 2608 §8.1, upper three bits of the 16-bit flags
// field; the rest is reserved and must be zero on encode, ignored on
// decode).
const (
	FlagOverflow uint16 = 0x8000
	// FlagUpdate marks a SrvReg as an attribute-only update rather than
	// a fresh/full registration, and a SrvDeReg as a partial attribute
	// removal rather than a full deregistration (RFC 2608 §8.3 FRESH,
	// inverted).
	FlagUpdate uint16 = 0x4000
	// FlagMulticast marks a SrvRqst as having arrived over multicast
	// (RFC 2608 §8.1 REQUEST MCAST).
	FlagMulticast uint16 = 0x2000
)

const headerFixedSize = 1 + 1 + 3 + 2 + 3 + 2 + 2 // version..langtag length

// Body is implemented by each function-specific payload. Decode
// dispatches on the header's Function byte to build the concrete type.
type Body interface {
	Function() byte
	marshal(buf *bytes.Buffer)
}

// Message is one decoded SLPv2 packet: common header plus a
// function-specific Body.
type Message struct {
	Version  byte
	Flags    uint16
	XID      uint16
	Language string
	Body     Body
}

// IsMulticast reports the multicast flag.
func (m *Message) IsMulticast() bool { return m.Flags&FlagMulticast != 0 }

// IsUpdate reports the update flag shared by SrvReg and SrvDeReg: set
// means an incremental attribute update or removal, cleared means a
// fresh registration or full deregistration.
func (m *Message) IsUpdate() bool { return m.Flags&FlagUpdate != 0 }

// Function returns the message's function-id, taken from its Body.
func (m *Message) Function() byte { return m.Body.Function() }

// Encode serializes msg into a single SLPv2 packet, including the
// common header.
func Encode(msg *Message) ([]byte, error) {
	var body bytes.Buffer
	msg.Body.marshal(&body)

	var buf bytes.Buffer
	buf.WriteByte(2) // SLPv2
	buf.WriteByte(msg.Body.Function())

	total := headerFixedSize + len(msg.Language) + body.Len()
	if total > 0xFFFFFF {
		return nil, &slperr.WireFormatError{Operation: "encode", Details: "message exceeds 24-bit length field"}
	}
	writeUint24(&buf, uint32(total))
	writeUint16(&buf, msg.Flags)
	writeUint24(&buf, 0) // next extension offset: this core emits no extensions
	writeUint16(&buf, msg.XID)
	writeString(&buf, msg.Language)
	buf.Write(body.Bytes())

	return buf.Bytes(), nil
}

// Decode parses a single SLPv2 packet into a Message. An unrecognized
// function-id or truncated buffer is reported as a WireFormatError so
// the caller can drop the packet without replying.
func Decode(data []byte) (*Message, error) {
	r := &reader{buf: data}

	version, err := r.byte()
	if err != nil {
		return nil, &slperr.WireFormatError{Operation: "decode", Err: err, Details: "version"}
	}
	function, err := r.byte()
	if err != nil {
		return nil, &slperr.WireFormatError{Operation: "decode", Err: err, Details: "function-id"}
	}
	length, err := r.uint24()
	if err != nil {
		return nil, &slperr.WireFormatError{Operation: "decode", Err: err, Details: "length"}
	}
	if int(length) != len(data) {
		return nil, &slperr.WireFormatError{
			Operation: "decode",
			Details:   fmt.Sprintf("declared length %d does not match buffer length %d", length, len(data)),
		}
	}
	flags, err := r.uint16()
	if err != nil {
		return nil, &slperr.WireFormatError{Operation: "decode", Err: err, Details: "flags"}
	}
	if _, err := r.uint24(); err != nil { // next extension offset, unused
		return nil, &slperr.WireFormatError{Operation: "decode", Err: err, Details: "next extension offset"}
	}
	xid, err := r.uint16()
	if err != nil {
		return nil, &slperr.WireFormatError{Operation: "decode", Err: err, Details: "xid"}
	}
	lang, err := r.string()
	if err != nil {
		return nil, &slperr.WireFormatError{Operation: "decode", Err: err, Details: "language tag"}
	}

	body, err := decodeBody(function, r)
	if err != nil {
		return nil, err
	}

	return &Message{Version: version, Flags: flags, XID: xid, Language: lang, Body: body}, nil
}

func decodeBody(function byte, r *reader) (Body, error) {
	switch function {
	case FunctionSrvRqst:
		return decodeSrvRqst(r)
	case FunctionSrvRply:
		return decodeSrvRply(r)
	case FunctionSrvReg:
		return decodeSrvReg(r)
	case FunctionSrvDeReg:
		return decodeSrvDeReg(r)
	case FunctionSrvAck:
		return decodeSrvAck(r)
	case FunctionDAAdvert:
		return decodeDAAdvert(r)
	default:
		return nil, &slperr.WireFormatError{
			Operation: "decode",
			Details:   fmt.Sprintf("unsupported function-id %d", function),
		}
	}
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	buf.Write(tmp[:])
}

func writeUint24(buf *bytes.Buffer, v uint32) {
	buf.WriteByte(byte(v >> 16))
	buf.WriteByte(byte(v >> 8))
	buf.WriteByte(byte(v))
}

func writeString(buf *bytes.Buffer, s string) {
	writeUint16(buf, uint16(len(s)))
	buf.WriteString(s)
}

func writeStringList(buf *bytes.Buffer, items []string) {
	writeString(buf, strings.Join(items, ","))
}

// reader walks a decode buffer, tracking position and surfacing
// truncation as plain errors the caller wraps in a WireFormatError.
type reader struct {
	buf []byte
	pos int
}

func (r *reader) byte() (byte, error) {
	if r.pos+1 > len(r.buf) {
		return 0, errTruncated
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) uint16() (uint16, error) {
	if r.pos+2 > len(r.buf) {
		return 0, errTruncated
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos : r.pos+2])
	r.pos += 2
	return v, nil
}

func (r *reader) uint24() (uint32, error) {
	if r.pos+3 > len(r.buf) {
		return 0, errTruncated
	}
	v := uint32(r.buf[r.pos])<<16 | uint32(r.buf[r.pos+1])<<8 | uint32(r.buf[r.pos+2])
	r.pos += 3
	return v, nil
}

func (r *reader) string() (string, error) {
	n, err := r.uint16()
	if err != nil {
		return "", err
	}
	if r.pos+int(n) > len(r.buf) {
		return "", errTruncated
	}
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

func (r *reader) stringList() ([]string, error) {
	s, err := r.string()
	if err != nil {
		return nil, err
	}
	if s == "" {
		return nil, nil
	}
	return strings.Split(s, ","), nil
}

var errTruncated = fmt.Errorf("wire: buffer truncated")
