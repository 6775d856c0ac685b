package ezusb

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// BulkFrame is one EP2 bridge frame: a 2-byte big-endian length followed by
// the payload. Client frames are queued for the host's EP2 IN polls; host EP2
// OUT transfers arrive as frames on the client connection.
type BulkFrame struct {
	Payload []byte
}

// MarshalBinary encodes the frame as length-prefixed bytes.
func (f *BulkFrame) MarshalBinary() ([]byte, error) {
	if len(f.Payload) > 0xffff {
		return nil, fmt.Errorf("payload too large: %d bytes", len(f.Payload))
	}
	b := make([]byte, 2+len(f.Payload))
	binary.BigEndian.PutUint16(b, uint16(len(f.Payload)))
	copy(b[2:], f.Payload)
	return b, nil
}

// UnmarshalBinary decodes a length-prefixed frame.
func (f *BulkFrame) UnmarshalBinary(data []byte) error {
	if len(data) < 2 {
		return io.ErrUnexpectedEOF
	}
	n := int(binary.BigEndian.Uint16(data))
	if len(data) < 2+n {
		return io.ErrUnexpectedEOF
	}
	f.Payload = append([]byte(nil), data[2:2+n]...)
	return nil
}

// ReadBulkFrame reads exactly one frame from r.
func ReadBulkFrame(r *bufio.Reader) (*BulkFrame, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	payload := make([]byte, binary.BigEndian.Uint16(hdr[:]))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return &BulkFrame{Payload: payload}, nil
}
