package ovproto

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxDatagramSize is the largest payload WriteDatagram will accept and
// ReadDatagram will ever return.
const MaxDatagramSize = 65535

// WriteDatagram frames payload as a 2-byte big-endian length prefix
// followed by the payload bytes, and writes it to w.
func WriteDatagram(w io.Writer, payload []byte) error {
	if len(payload) > MaxDatagramSize {
		return fmt.Errorf("ovproto: datagram too large: %d bytes", len(payload))
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("ovproto: write datagram length: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("ovproto: write datagram payload: %w", err)
		}
	}
	return nil
}

// ReadDatagram reads one length-prefixed datagram from r.
func ReadDatagram(r io.Reader) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("ovproto: read datagram length: %w", err)
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("ovproto: read datagram payload: %w", err)
		}
	}
	return payload, nil
}
