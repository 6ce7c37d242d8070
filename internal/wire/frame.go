package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize bounds a length-prefixed frame on a stream transport.
// Larger frames are rejected as malformed rather than buffered.
const MaxFrameSize = 16 << 20

// WriteFrame writes a frame to a stream transport with a uvarint
// length prefix. Datagram transports carry bare frames instead, one
// per packet.
func WriteFrame(w io.Writer, frame []byte) error {
	if len(frame) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", len(frame))
	}

	var prefix [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(prefix[:], uint64(len(frame)))

	if _, err := w.Write(prefix[:n]); err != nil {
		return fmt.Errorf("writing frame length: %w", err)
	}

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("writing frame body: %w", err)
	}

	return nil
}

// ReadFrame reads one length-prefixed frame from a stream transport.
// io.EOF is returned unwrapped at a clean frame boundary so callers
// can distinguish an orderly close from a truncated frame.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	size, err := binary.ReadUvarint(r)
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}

		return nil, decodef("reading frame length: %v", err)
	}

	if size > MaxFrameSize {
		return nil, decodef("frame of %d bytes exceeds limit", size)
	}

	frame := make([]byte, size)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, decodef("reading %d-byte frame: %v", size, err)
	}

	return frame, nil
}
