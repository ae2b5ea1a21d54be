package wire

import (
	"bytes"

	"github.com/joshuafuller/slpda/internal/slperr"
)

func wireErr(operation, details string, err error) *slperr.WireFormatError {
	return &slperr.WireFormatError{Operation: operation, Details: details, Err: err}
}

// URLEntry is one service URL plus lifetime in a SrvRply or the
// registration payload of a SrvReg/SrvDeReg (RFC 2608 §4.3).
// Authentication blocks are not supported, so NumAuths is always
// encoded as zero.
type URLEntry struct {
	Lifetime uint16
	URL      string
}

func (u URLEntry) marshal(buf *bytes.Buffer) {
	buf.WriteByte(0) // reserved
	writeUint16(buf, u.Lifetime)
	writeString(buf, u.URL)
	buf.WriteByte(0) // number of URL auths
}

func decodeURLEntry(r *reader) (URLEntry, error) {
	if _, err := r.byte(); err != nil { // reserved
		return URLEntry{}, err
	}
	lifetime, err := r.uint16()
	if err != nil {
		return URLEntry{}, err
	}
	url, err := r.string()
	if err != nil {
		return URLEntry{}, err
	}
	numAuths, err := r.byte()
	if err != nil {
		return URLEntry{}, err
	}
	for i := byte(0); i < numAuths; i++ {
		// Auth blocks are unsupported; this core never emits one, and a
		// peer that sends one is rejected as malformed rather than
		// silently desynchronizing the reader.
		return URLEntry{}, errTruncated
	}
	return URLEntry{Lifetime: lifetime, URL: url}, nil
}

// SrvRqstBody is the payload of a Service Request (RFC 2608 §8.2).
type SrvRqstBody struct {
	PreviousResponders []string
	ServiceType        string
	Scopes             []string
	Filter             string
}

func (b *SrvRqstBody) Function() byte { return FunctionSrvRqst }

func (b *SrvRqstBody) marshal(buf *bytes.Buffer) {
	writeStringList(buf, b.PreviousResponders)
	writeString(buf, b.ServiceType)
	writeStringList(buf, b.Scopes)
	writeString(buf, b.Filter)
	writeString(buf, "") // slp-spi: authentication is out of scope
}

func decodeSrvRqst(r *reader) (*SrvRqstBody, error) {
	prs, err := r.stringList()
	if err != nil {
		return nil, wireErr("decode SrvRqst", "previous responders", err)
	}
	serviceType, err := r.string()
	if err != nil {
		return nil, wireErr("decode SrvRqst", "service type", err)
	}
	scopes, err := r.stringList()
	if err != nil {
		return nil, wireErr("decode SrvRqst", "scope list", err)
	}
	filter, err := r.string()
	if err != nil {
		return nil, wireErr("decode SrvRqst", "predicate", err)
	}
	if _, err := r.string(); err != nil { // slp-spi
		return nil, wireErr("decode SrvRqst", "slp-spi", err)
	}
	return &SrvRqstBody{PreviousResponders: prs, ServiceType: serviceType, Scopes: scopes, Filter: filter}, nil
}

// SrvRplyBody is the payload of a Service Reply (RFC 2608 §8.3).
type SrvRplyBody struct {
	ErrorCode  int
	URLEntries []URLEntry
}

func (b *SrvRplyBody) Function() byte { return FunctionSrvRply }

func (b *SrvRplyBody) marshal(buf *bytes.Buffer) {
	writeUint16(buf, uint16(b.ErrorCode))
	writeUint16(buf, uint16(len(b.URLEntries)))
	for _, e := range b.URLEntries {
		e.marshal(buf)
	}
}

func decodeSrvRply(r *reader) (*SrvRplyBody, error) {
	code, err := r.uint16()
	if err != nil {
		return nil, wireErr("decode SrvRply", "error code", err)
	}
	count, err := r.uint16()
	if err != nil {
		return nil, wireErr("decode SrvRply", "url entry count", err)
	}
	entries := make([]URLEntry, 0, count)
	for i := uint16(0); i < count; i++ {
		e, err := decodeURLEntry(r)
		if err != nil {
			return nil, wireErr("decode SrvRply", "url entry", err)
		}
		entries = append(entries, e)
	}
	return &SrvRplyBody{ErrorCode: int(code), URLEntries: entries}, nil
}

// SrvRegBody is the payload of a Service Registration (RFC 2608 §8.4).
// Whether this is a fresh/full registration or an attribute-only update
// is carried in the message header's FlagUpdate bit, not in the body.
type SrvRegBody struct {
	URL         URLEntry
	ServiceType string
	Scopes      []string
	Attributes  string
}

func (b *SrvRegBody) Function() byte { return FunctionSrvReg }

func (b *SrvRegBody) marshal(buf *bytes.Buffer) {
	b.URL.marshal(buf)
	writeString(buf, b.ServiceType)
	writeStringList(buf, b.Scopes)
	writeString(buf, b.Attributes)
	buf.WriteByte(0) // attribute auth block count
}

func decodeSrvReg(r *reader) (*SrvRegBody, error) {
	url, err := decodeURLEntry(r)
	if err != nil {
		return nil, wireErr("decode SrvReg", "url entry", err)
	}
	serviceType, err := r.string()
	if err != nil {
		return nil, wireErr("decode SrvReg", "service type", err)
	}
	scopes, err := r.stringList()
	if err != nil {
		return nil, wireErr("decode SrvReg", "scope list", err)
	}
	attrs, err := r.string()
	if err != nil {
		return nil, wireErr("decode SrvReg", "attribute list", err)
	}
	if _, err := r.byte(); err != nil { // attribute auth count
		return nil, wireErr("decode SrvReg", "attribute auth count", err)
	}
	return &SrvRegBody{URL: url, ServiceType: serviceType, Scopes: scopes, Attributes: attrs}, nil
}

// SrvDeRegBody is the payload of a Service Deregistration (RFC 2608
// §8.5). Whether this removes the whole registration or only the
// attributes named in Attributes is carried in FlagUpdate.
type SrvDeRegBody struct {
	Scopes     []string
	URL        URLEntry
	Attributes string
}

func (b *SrvDeRegBody) Function() byte { return FunctionSrvDeReg }

func (b *SrvDeRegBody) marshal(buf *bytes.Buffer) {
	writeStringList(buf, b.Scopes)
	b.URL.marshal(buf)
	writeString(buf, b.Attributes)
}

func decodeSrvDeReg(r *reader) (*SrvDeRegBody, error) {
	scopes, err := r.stringList()
	if err != nil {
		return nil, wireErr("decode SrvDeReg", "scope list", err)
	}
	url, err := decodeURLEntry(r)
	if err != nil {
		return nil, wireErr("decode SrvDeReg", "url entry", err)
	}
	attrs, err := r.string()
	if err != nil {
		return nil, wireErr("decode SrvDeReg", "attribute list", err)
	}
	return &SrvDeRegBody{Scopes: scopes, URL: url, Attributes: attrs}, nil
}

// SrvAckBody is the payload of a Service Acknowledgement (RFC 2608 §8.6).
type SrvAckBody struct {
	ErrorCode int
}

func (b *SrvAckBody) Function() byte { return FunctionSrvAck }

func (b *SrvAckBody) marshal(buf *bytes.Buffer) {
	writeUint16(buf, uint16(b.ErrorCode))
}

func decodeSrvAck(r *reader) (*SrvAckBody, error) {
	code, err := r.uint16()
	if err != nil {
		return nil, wireErr("decode SrvAck", "error code", err)
	}
	return &SrvAckBody{ErrorCode: int(code)}, nil
}

// DAAdvertBody is the payload of a Directory Agent Advertisement
// (RFC 2608 §8.5; see §12 for semantics). BootTimestamp of zero means
// the DA is shutting down.
type DAAdvertBody struct {
	ErrorCode     int
	BootTimestamp int64
	URL           string
	Scopes        []string
	Attributes    string
}

func (b *DAAdvertBody) Function() byte { return FunctionDAAdvert }

func (b *DAAdvertBody) marshal(buf *bytes.Buffer) {
	writeUint16(buf, uint16(b.ErrorCode))
	var ts [4]byte
	putUint32(ts[:], uint32(b.BootTimestamp))
	buf.Write(ts[:])
	writeString(buf, b.URL)
	writeStringList(buf, b.Scopes)
	writeString(buf, b.Attributes)
	writeString(buf, "") // slp-spi
}

func decodeDAAdvert(r *reader) (*DAAdvertBody, error) {
	code, err := r.uint16()
	if err != nil {
		return nil, wireErr("decode DAAdvert", "error code", err)
	}
	var tsBytes [4]byte
	for i := range tsBytes {
		b, err := r.byte()
		if err != nil {
			return nil, wireErr("decode DAAdvert", "boot timestamp", err)
		}
		tsBytes[i] = b
	}
	boot := uint32(tsBytes[0])<<24 | uint32(tsBytes[1])<<16 | uint32(tsBytes[2])<<8 | uint32(tsBytes[3])
	url, err := r.string()
	if err != nil {
		return nil, wireErr("decode DAAdvert", "url", err)
	}
	scopes, err := r.stringList()
	if err != nil {
		return nil, wireErr("decode DAAdvert", "scope list", err)
	}
	attrs, err := r.string()
	if err != nil {
		return nil, wireErr("decode DAAdvert", "attribute list", err)
	}
	if _, err := r.string(); err != nil { // slp-spi
		return nil, wireErr("decode DAAdvert", "slp-spi", err)
	}
	return &DAAdvertBody{ErrorCode: int(code), BootTimestamp: int64(boot), URL: url, Scopes: scopes, Attributes: attrs}, nil
}

func putUint32(dst []byte, v uint32) {
	dst[0] = byte(v >> 24)
	dst[1] = byte(v >> 16)
	dst[2] = byte(v >> 8)
	dst[3] = byte(v)
}
