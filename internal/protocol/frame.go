// Package protocol implements the client wire protocol: length-prefixed
// frames carrying self-describing encoded values.
//
// Every frame is a fixed 12-byte big-endian header followed by the payload:
//
//	8 bytes  message type (uint64, see codes.go)
//	4 bytes  payload length (uint32)
//	N bytes  payload (encoded value, may be empty)
//
// The framing layer never interprets the payload.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const headerSize = 12

// MaxFrameSize bounds the payload length a reader will accept. A header
// announcing more than this is treated as a protocol error rather than an
// allocation request.
const MaxFrameSize = 16 << 20

// ReadFrame reads one frame from r. A short read on the header or the
// payload means the peer hung up and is reported as io.EOF; callers treat
// it as end of stream, not as an error to log. Other read failures (a
// reset connection, a transport fault) surface as themselves so the
// session can log what actually happened.
func ReadFrame(r io.Reader) (msgType uint64, payload []byte, err error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, nil, io.EOF
		}
		return 0, nil, fmt.Errorf("read frame header: %w", err)
	}

	msgType = binary.BigEndian.Uint64(header[0:8])
	length := binary.BigEndian.Uint32(header[8:12])

	if length == 0 {
		return msgType, nil, nil
	}
	if length > MaxFrameSize {
		return 0, nil, fmt.Errorf("frame payload of %d bytes exceeds limit", length)
	}

	payload = make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, nil, io.EOF
		}
		return 0, nil, fmt.Errorf("read frame payload: %w", err)
	}
	return msgType, payload, nil
}

// WriteFrame writes one frame to w. A nil payload produces a header-only
// frame.
func WriteFrame(w io.Writer, msgType uint64, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("frame payload of %d bytes exceeds limit", len(payload))
	}

	buf := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint64(buf[0:8], msgType)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(payload)))
	copy(buf[headerSize:], payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}
