package ep0

// Stager splits one control-transfer data stage into packet-sized pieces.
// For device-to-host stages it chunks a payload by the endpoint's max packet
// size and knows when a trailing zero-length packet is needed; for
// host-to-device stages it accumulates packets until wLength bytes arrived.
// A Stager lives for exactly one transfer and is discarded on completion or
// abort.
type Stager struct {
	data []byte
	mps  int
	off  int
	want int
	zlp  bool
}

// NewInStager stages payload for a device-to-host data stage. The payload
// is truncated to wLength; if the truncated payload is an exact multiple of
// the max packet size and shorter than wLength, a final zero-length packet
// is staged so the host sees an unambiguous end of transfer.
func NewInStager(payload []byte, wLength uint16, maxPacketSize int) *Stager {
	if maxPacketSize <= 0 {
		maxPacketSize = 8 // EP0 minimum per USB 1.1
	}
	data := payload
	if len(data) > int(wLength) {
		data = data[:wLength]
	}
	return &Stager{
		data: data,
		mps:  maxPacketSize,
		zlp:  len(data) < int(wLength) && len(data)%maxPacketSize == 0,
	}
}

// NewOutStager stages a host-to-device data stage of wLength bytes.
func NewOutStager(wLength uint16, maxPacketSize int) *Stager {
	if maxPacketSize <= 0 {
		maxPacketSize = 8
	}
	return &Stager{
		data: make([]byte, 0, wLength),
		mps:  maxPacketSize,
		want: int(wLength),
	}
}

// Next returns the next IN chunk. ok is false once the stage is exhausted;
// an empty chunk with ok true is the deliberate zero-length terminator.
func (s *Stager) Next() (chunk []byte, ok bool) {
	if s.off < len(s.data) {
		n := s.mps
		if rem := len(s.data) - s.off; rem < n {
			n = rem
		}
		chunk = s.data[s.off : s.off+n]
		s.off += n
		return chunk, true
	}
	if s.zlp {
		s.zlp = false
		return []byte{}, true
	}
	return nil, false
}

// Accept accumulates one OUT packet and reports whether the stage is
// complete. Packets beyond wLength are clipped; a short packet also ends
// the stage, since the host signals end of data with it.
func (s *Stager) Accept(p []byte) (done bool) {
	if rem := s.want - len(s.data); len(p) > rem {
		p = p[:rem]
	}
	s.data = append(s.data, p...)
	return len(s.data) >= s.want || len(p) < s.mps
}

// Bytes returns the payload accumulated so far for an OUT stage.
func (s *Stager) Bytes() []byte { return s.data }

// Remaining reports how many bytes are still to move in either direction.
func (s *Stager) Remaining() int {
	if s.want > 0 {
		return s.want - len(s.data)
	}
	n := len(s.data) - s.off
	if s.zlp {
		return n // the pending terminator carries no bytes
	}
	return n
}
