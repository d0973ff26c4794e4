// Package stratum implements the line-delimited JSON protocol spoken by miners
// connected over TCP and by push-connection upstreams. It provides message
// parsing, the server-side session and the client-side connection.
package stratum

import "sync"

// MaxLineSize bounds a single protocol line.
const MaxLineSize = 64 * 1024

// bufferPool reuses scanner buffers across connections
var bufferPool = sync.Pool{
	New: func() any {
		return make([]byte, 4096)
	},
}

// GetBuffer gets a byte buffer from the pool
func GetBuffer() []byte {
	return bufferPool.Get().([]byte)
}

// PutBuffer returns a byte buffer to the pool
func PutBuffer(buf []byte) {
	if buf != nil {
		bufferPool.Put(buf[:cap(buf)])
	}
}
