// Package frame implements the length-prefixed JSON framing used on
// both the GCA's vsock/UDS control connection and, where it is stood
// in for testing, a pipe: a 4-byte big-endian length prefix followed by
// exactly that many bytes of a JSON payload.
package frame

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// HeaderSize is the width of the length prefix.
const HeaderSize = 4

// MaxMessageBytes caps a single payload. A frame claiming a length past
// this is a fatal protocol violation, not a recoverable short read.
const MaxMessageBytes = 1 << 20 // 1 MiB

// Encode marshals v to JSON and prefixes it with its big-endian length.
func Encode(v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("frame: marshal: %w", err)
	}
	if len(payload) > MaxMessageBytes {
		return nil, fmt.Errorf("frame: payload of %d bytes exceeds %d byte limit", len(payload), MaxMessageBytes)
	}

	out := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(out[:HeaderSize], uint32(len(payload)))
	copy(out[HeaderSize:], payload)
	return out, nil
}

// Decoder incrementally reassembles frames from an arbitrarily chunked
// byte stream. It is not safe for concurrent use.
type Decoder struct {
	buf []byte
}

// NewDecoder returns an empty Decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends chunk to the internal buffer and returns every complete
// frame payload that can now be extracted, in arrival order. Partial
// frames remain buffered for a subsequent Feed call. A frame whose
// declared length exceeds MaxMessageBytes is a fatal error: the stream
// is no longer parseable and the Decoder must not be reused.
func (d *Decoder) Feed(chunk []byte) ([][]byte, error) {
	if len(chunk) > 0 {
		d.buf = append(d.buf, chunk...)
	}

	var out [][]byte
	for {
		if len(d.buf) < HeaderSize {
			break
		}

		n := binary.BigEndian.Uint32(d.buf[:HeaderSize])
		if n > MaxMessageBytes {
			return out, fmt.Errorf("frame: declared length %d exceeds %d byte limit", n, MaxMessageBytes)
		}

		total := HeaderSize + int(n)
		if len(d.buf) < total {
			break
		}

		payload := make([]byte, n)
		copy(payload, d.buf[HeaderSize:total])
		out = append(out, payload)

		d.buf = d.buf[total:]
	}

	return out, nil
}
