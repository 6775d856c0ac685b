package custom

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// EndpointFrame is one bridge frame for profile devices: a 1-byte endpoint
// number and a 2-byte big-endian length before the payload. Client frames are
// queued for the named endpoint's IN polls; host OUT transfers arrive as
// frames tagged with their endpoint.
type EndpointFrame struct {
	Endpoint uint8
	Payload  []byte
}

// MarshalBinary encodes the frame as endpoint + length-prefixed bytes.
func (f *EndpointFrame) MarshalBinary() ([]byte, error) {
	if len(f.Payload) > 0xffff {
		return nil, fmt.Errorf("payload too large: %d bytes", len(f.Payload))
	}
	b := make([]byte, 3+len(f.Payload))
	b[0] = f.Endpoint
	binary.BigEndian.PutUint16(b[1:3], uint16(len(f.Payload)))
	copy(b[3:], f.Payload)
	return b, nil
}

// UnmarshalBinary decodes an endpoint-tagged frame.
func (f *EndpointFrame) UnmarshalBinary(data []byte) error {
	if len(data) < 3 {
		return io.ErrUnexpectedEOF
	}
	n := int(binary.BigEndian.Uint16(data[1:3]))
	if len(data) < 3+n {
		return io.ErrUnexpectedEOF
	}
	f.Endpoint = data[0]
	f.Payload = append([]byte(nil), data[3:3+n]...)
	return nil
}

// ReadEndpointFrame reads exactly one frame from r.
func ReadEndpointFrame(r *bufio.Reader) (*EndpointFrame, error) {
	var hdr [3]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	payload := make([]byte, binary.BigEndian.Uint16(hdr[1:3]))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return &EndpointFrame{Endpoint: hdr[0], Payload: payload}, nil
}
