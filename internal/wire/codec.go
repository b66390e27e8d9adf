// Package wire implements the length-prefixed JSON framing described in
// spec §4.1: a 4-byte big-endian length prefix followed by exactly that
// many bytes of UTF-8 JSON.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"

	"github.com/kakaly/mlxhost/internal/protocol"
)

// MaxFrameBytes is the maximum allowed body length. A frame declaring a
// larger length is a fatal protocol error for the connection (spec §4.1).
const MaxFrameBytes = 64 << 20 // 64 MiB

// HeaderLen is the size in bytes of the length prefix.
const HeaderLen = 4

// ErrFrameTooLarge is returned by Decoder.Feed when a declared frame length
// exceeds MaxFrameBytes. It is fatal: the caller must close the connection.
type ErrFrameTooLarge struct {
	Declared uint32
}

func (e *ErrFrameTooLarge) Error() string {
	return fmt.Sprintf("wire: frame length %d exceeds max %d", e.Declared, MaxFrameBytes)
}

// Encode serializes env to compact JSON and prepends the 4-byte big-endian
// length of the body. The length field equals the exact body byte count.
func Encode(env protocol.Envelope) ([]byte, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("wire: marshaling envelope: %w", err)
	}

	frame := make([]byte, HeaderLen+len(body))
	binary.BigEndian.PutUint32(frame[:HeaderLen], uint32(len(body)))
	copy(frame[HeaderLen:], body)
	return frame, nil
}

// Decoder is an incremental parser over a growing byte buffer. Feed appends
// newly-read bytes and returns every envelope that became fully available,
// in order. Malformed JSON bodies are dropped (logged) without losing frame
// alignment, because the length prefix is authoritative regardless of
// whether the body parses.
type Decoder struct {
	buf []byte
}

// NewDecoder returns an empty incremental decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends chunk to the internal buffer and extracts as many complete
// envelopes as are now available. It returns an *ErrFrameTooLarge if
// a declared length exceeds MaxFrameBytes; the caller must treat that as
// fatal to the connection and stop feeding further bytes.
func (d *Decoder) Feed(chunk []byte) ([]protocol.Envelope, error) {
	d.buf = append(d.buf, chunk...)

	var out []protocol.Envelope
	for {
		if len(d.buf) < HeaderLen {
			return out, nil
		}

		length := binary.BigEndian.Uint32(d.buf[:HeaderLen])
		if length > MaxFrameBytes {
			return out, &ErrFrameTooLarge{Declared: length}
		}

		total := HeaderLen + int(length)
		if len(d.buf) < total {
			return out, nil
		}

		body := d.buf[HeaderLen:total]
		d.buf = d.buf[total:]

		var env protocol.Envelope
		if err := json.Unmarshal(body, &env); err != nil {
			log.Printf("wire: dropping malformed frame body: %v", err)
			continue
		}
		out = append(out, env)
	}
}
