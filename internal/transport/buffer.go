package transport

import "sync"

// maxDatagramSize bounds a single SLPv2 UDP datagram. RFC 2608 §8 caps
// a DA's advertised MTU at 1400 bytes unless the overflow bit is used;
// this core never emits the overflow extension, so one read buffer this
// size is always enough for what it sends, and generous for what it
// receives.
const maxDatagramSize = 1400

var bufferPool = sync.Pool{
	New: func() any {
		buf := make([]byte, maxDatagramSize)
		return &buf
	},
}

// GetBuffer returns a pooled receive buffer, avoiding an allocation on
// every UDP read.
func GetBuffer() *[]byte {
	return bufferPool.Get().(*[]byte)
}

// PutBuffer returns buf to the pool.
func PutBuffer(buf *[]byte) {
	bufferPool.Put(buf)
}
