package usb

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// SetupRequestLen is the fixed size of a SETUP packet on the wire.
const SetupRequestLen = 8

// ErrSetupLength is returned when a SETUP packet is not exactly 8 bytes.
var ErrSetupLength = errors.New("usb: SETUP packet must be 8 bytes")

// bmRequestType field masks.
const (
	setupDirMask       = 0x80
	setupTypeMask      = 0x60
	setupRecipientMask = 0x1f
)

// Direction is the transfer direction encoded in bit 7 of bmRequestType.
type Direction uint8

const (
	DirectionOut Direction = 0 // host to device
	DirectionIn  Direction = 1 // device to host
)

func (d Direction) String() string {
	if d == DirectionIn {
		return "IN"
	}
	return "OUT"
}

// ReqType is the request category encoded in bits 6..5 of bmRequestType.
type ReqType uint8

const (
	ReqTypeStandard ReqType = 0
	ReqTypeClass    ReqType = 1
	ReqTypeVendor   ReqType = 2
	ReqTypeReserved ReqType = 3
)

func (t ReqType) String() string {
	switch t {
	case ReqTypeStandard:
		return "standard"
	case ReqTypeClass:
		return "class"
	case ReqTypeVendor:
		return "vendor"
	}
	return "reserved"
}

// Recipient is the request target encoded in bits 4..0 of bmRequestType.
type Recipient uint8

const (
	RecipientDevice    Recipient = 0
	RecipientInterface Recipient = 1
	RecipientEndpoint  Recipient = 2
	RecipientOther     Recipient = 3
)

func (r Recipient) String() string {
	switch r {
	case RecipientDevice:
		return "device"
	case RecipientInterface:
		return "interface"
	case RecipientEndpoint:
		return "endpoint"
	case RecipientOther:
		return "other"
	}
	return fmt.Sprintf("reserved(%d)", uint8(r))
}

// SetupRequest is a decoded 8-byte SETUP packet. The raw bmRequestType byte
// is kept verbatim so re-encoding is bit-exact; direction, type and
// recipient are extracted on access. Decoding never fails for 8-byte input:
// semantic validity is judged by the control-transfer dispatcher, not here.
type SetupRequest struct {
	RequestType uint8  // bmRequestType
	Request     uint8  // bRequest
	Value       uint16 // wValue, little-endian on the wire
	Index       uint16 // wIndex, little-endian on the wire
	Length      uint16 // wLength, little-endian on the wire
}

// DecodeSetup decodes a SETUP packet from its fixed 8-byte wire form.
func DecodeSetup(data [SetupRequestLen]byte) SetupRequest {
	return SetupRequest{
		RequestType: data[0],
		Request:     data[1],
		Value:       binary.LittleEndian.Uint16(data[2:4]),
		Index:       binary.LittleEndian.Uint16(data[4:6]),
		Length:      binary.LittleEndian.Uint16(data[6:8]),
	}
}

// ParseSetup decodes a SETUP packet from a byte slice, checking its length.
func ParseSetup(data []byte) (SetupRequest, error) {
	if len(data) != SetupRequestLen {
		return SetupRequest{}, ErrSetupLength
	}
	var raw [SetupRequestLen]byte
	copy(raw[:], data)
	return DecodeSetup(raw), nil
}

// NewSetupRequest assembles a request from its decoded fields.
func NewSetupRequest(dir Direction, typ ReqType, rcpt Recipient, request uint8, value, index, length uint16) SetupRequest {
	return SetupRequest{
		RequestType: uint8(dir)<<7 | uint8(typ)<<5 | uint8(rcpt)&setupRecipientMask,
		Request:     request,
		Value:       value,
		Index:       index,
		Length:      length,
	}
}

// Bytes encodes the request back into its 8-byte wire form.
func (s SetupRequest) Bytes() [SetupRequestLen]byte {
	var out [SetupRequestLen]byte
	out[0] = s.RequestType
	out[1] = s.Request
	binary.LittleEndian.PutUint16(out[2:4], s.Value)
	binary.LittleEndian.PutUint16(out[4:6], s.Index)
	binary.LittleEndian.PutUint16(out[6:8], s.Length)
	return out
}

// Direction reports the transfer direction from bit 7 of bmRequestType.
func (s SetupRequest) Direction() Direction {
	return Direction(s.RequestType & setupDirMask >> 7)
}

// Type reports the request category from bits 6..5 of bmRequestType.
func (s SetupRequest) Type() ReqType {
	return ReqType(s.RequestType & setupTypeMask >> 5)
}

// Recipient reports the request target from bits 4..0 of bmRequestType.
func (s SetupRequest) Recipient() Recipient {
	return Recipient(s.RequestType & setupRecipientMask)
}

// IsDeviceToHost reports whether the data stage, if any, flows to the host.
func (s SetupRequest) IsDeviceToHost() bool {
	return s.Direction() == DirectionIn
}

// DescriptorType returns the descriptor type for GET/SET_DESCRIPTOR
// (high byte of wValue).
func (s SetupRequest) DescriptorType() uint8 {
	return uint8(s.Value >> 8)
}

// DescriptorIndex returns the descriptor index for GET/SET_DESCRIPTOR
// (low byte of wValue).
func (s SetupRequest) DescriptorIndex() uint8 {
	return uint8(s.Value)
}

// InterfaceNumber returns wIndex interpreted as an interface number.
func (s SetupRequest) InterfaceNumber() uint8 {
	return uint8(s.Index)
}

// EndpointAddress returns wIndex interpreted as an endpoint address
// (direction bit included).
func (s SetupRequest) EndpointAddress() uint8 {
	return uint8(s.Index)
}

// FeatureSelector returns wValue interpreted as a feature selector.
func (s SetupRequest) FeatureSelector() uint16 {
	return s.Value
}

func (s SetupRequest) String() string {
	name := hexByte(s.Request)
	if s.Type() == ReqTypeStandard {
		name = RequestName(s.Request)
	}
	return fmt.Sprintf("%s %s %s %s wValue=0x%04x wIndex=0x%04x wLength=%d",
		s.Direction(), s.Type(), s.Recipient(), name, s.Value, s.Index, s.Length)
}

func hexByte(b uint8) string {
	return fmt.Sprintf("0x%02x", b)
}
