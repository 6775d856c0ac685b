// Package usbip implements the USB/IP wire protocol (protocol version
// 0x0111): the management handshake (OP_REQ/REP_DEVLIST, OP_REQ/REP_IMPORT)
// and the URB submit/unlink stream. All multi-byte fields are big-endian.
package usbip

import (
	"encoding/binary"
	"io"
)

// Wire constants (network byte order / big-endian)
const (
	Version = 0x0111

	// Management commands
	OpReqDevlist = 0x8005
	OpRepDevlist = 0x0005
	OpReqImport  = 0x8003
	OpRepImport  = 0x0003

	// URB transfer commands
	CmdSubmitCode = 0x00000001
	CmdUnlinkCode = 0x00000002
	RetSubmitCode = 0x00000003
	RetUnlinkCode = 0x00000004

	// Directions used in usbip_header_basic.direction
	DirOut = 0x00000000
	DirIn  = 0x00000001
)

// URB status values, negative errno as the kernel reports them.
const (
	StatusOK         = 0
	StatusEPipe      = -32  // endpoint stalled
	StatusEConnReset = -104 // unlinked
)

// Device speeds for ExportedDevice.Speed (enum usb_device_speed).
const (
	SpeedUnknown = 0
	SpeedLow     = 1 // 1.5 Mbit/s
	SpeedFull    = 2 // 12 Mbit/s
	SpeedHigh    = 3 // 480 Mbit/s
)

// Fixed field sizes.
const (
	PathMax      = 256
	BusIDSize    = 32
	MgmtHdrLen   = 8
	URBHeaderLen = 0x30
)

// MgmtHeader is the 8-byte header for management ops (devlist/import).
type MgmtHeader struct {
	Version uint16
	Command uint16
	Status  uint32
}

func (h *MgmtHeader) Write(w io.Writer) error {
	var buf [MgmtHdrLen]byte
	binary.BigEndian.PutUint16(buf[0:2], h.Version)
	binary.BigEndian.PutUint16(buf[2:4], h.Command)
	binary.BigEndian.PutUint32(buf[4:8], h.Status)
	_, err := w.Write(buf[:])
	return err
}

// ReadMgmtHeader reads and decodes one management header.
func ReadMgmtHeader(r io.Reader) (MgmtHeader, error) {
	var buf [MgmtHdrLen]byte
	if err := ReadExactly(r, buf[:]); err != nil {
		return MgmtHeader{}, err
	}
	return MgmtHeader{
		Version: binary.BigEndian.Uint16(buf[0:2]),
		Command: binary.BigEndian.Uint16(buf[2:4]),
		Status:  binary.BigEndian.Uint32(buf[4:8]),
	}, nil
}

// DevListReplyHeader follows the MgmtHeader in OP_REP_DEVLIST.
type DevListReplyHeader struct {
	NDevices uint32
}

func (d *DevListReplyHeader) Write(w io.Writer) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], d.NDevices)
	_, err := w.Write(buf[:])
	return err
}

// ReadDevListReplyHeader reads the device count of an OP_REP_DEVLIST body.
func ReadDevListReplyHeader(r io.Reader) (DevListReplyHeader, error) {
	var buf [4]byte
	if err := ReadExactly(r, buf[:]); err != nil {
		return DevListReplyHeader{}, err
	}
	return DevListReplyHeader{NDevices: binary.BigEndian.Uint32(buf[:])}, nil
}

// ExportMeta carries the USB/IP bus identity of an exported device. The
// strings are fixed-size and NUL-padded on the wire.
type ExportMeta struct {
	Path     [PathMax]byte
	USBBusId [BusIDSize]byte
	BusId    uint32
	DevId    uint32
}

// exportPathBase is the sysfs prefix shown to usbip clients; only its
// shape matters, the client never resolves it.
const exportPathBase = "/sys/devices/platform/vhci_hcd.0/usb"

// NewExportMeta builds the identity for bus-dev, with the sysfs-style path
// the Linux tooling displays. DevId uses the kernel encoding
// busnum<<16|devnum.
func NewExportMeta(busNum, devNum uint32) ExportMeta {
	m := ExportMeta{BusId: busNum, DevId: busNum<<16 | devNum}
	putFixedString(m.USBBusId[:], busDevString(busNum, devNum))
	putFixedString(m.Path[:], exportPathBase+uitoa(busNum)+"/"+busDevString(busNum, devNum))
	return m
}

// BusDevID returns the NUL-trimmed busid string, e.g. "1-1".
func (m *ExportMeta) BusDevID() string {
	return trimFixedString(m.USBBusId[:])
}

// DevNum returns the device number on its bus, the low half of DevId.
func (m *ExportMeta) DevNum() uint32 {
	return m.DevId & 0xffff
}

func busDevString(busNum, devNum uint32) string {
	return uitoa(busNum) + "-" + uitoa(devNum)
}

func uitoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

func putFixedString(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

func trimFixedString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// ExportedDevice describes one exported device in devlist/import replies.
// Layout matches the kernel documentation; devlist entries are followed by
// one class/subclass/protocol/pad quad per interface, import entries stop
// at bNumInterfaces.
type ExportedDevice struct {
	ExportMeta
	Speed uint32

	IDVendor            uint16
	IDProduct           uint16
	BcdDevice           uint16
	BDeviceClass        uint8
	BDeviceSubClass     uint8
	BDeviceProtocol     uint8
	BConfigurationValue uint8
	BNumConfigurations  uint8
	BNumInterfaces      uint8

	Interfaces []InterfaceDesc
}

type InterfaceDesc struct {
	Class    uint8
	SubClass uint8
	Protocol uint8
}

func (d *ExportedDevice) writeCommon(w io.Writer) error {
	if _, err := w.Write(d.Path[:]); err != nil {
		return err
	}
	if _, err := w.Write(d.USBBusId[:]); err != nil {
		return err
	}
	var buf [24]byte
	binary.BigEndian.PutUint32(buf[0:4], d.BusId)
	binary.BigEndian.PutUint32(buf[4:8], d.DevId)
	binary.BigEndian.PutUint32(buf[8:12], d.Speed)
	binary.BigEndian.PutUint16(buf[12:14], d.IDVendor)
	binary.BigEndian.PutUint16(buf[14:16], d.IDProduct)
	binary.BigEndian.PutUint16(buf[16:18], d.BcdDevice)
	buf[18] = d.BDeviceClass
	buf[19] = d.BDeviceSubClass
	buf[20] = d.BDeviceProtocol
	buf[21] = d.BConfigurationValue
	buf[22] = d.BNumConfigurations
	buf[23] = d.BNumInterfaces
	_, err := w.Write(buf[:])
	return err
}

// WriteDevlist writes the device entry for OP_REP_DEVLIST, including the
// interface triplets.
func (d *ExportedDevice) WriteDevlist(w io.Writer) error {
	if err := d.writeCommon(w); err != nil {
		return err
	}
	for _, iface := range d.Interfaces {
		if _, err := w.Write([]byte{iface.Class, iface.SubClass, iface.Protocol, 0}); err != nil {
			return err
		}
	}
	return nil
}

// WriteImport writes the device entry for OP_REP_IMPORT.
func (d *ExportedDevice) WriteImport(w io.Writer) error {
	return d.writeCommon(w)
}

// ReadExportedDevice decodes a devlist/import device entry. When
// withInterfaces is set, the per-interface quads that follow a devlist
// entry are consumed as well.
func ReadExportedDevice(r io.Reader, withInterfaces bool) (ExportedDevice, error) {
	var d ExportedDevice
	if err := ReadExactly(r, d.Path[:]); err != nil {
		return d, err
	}
	if err := ReadExactly(r, d.USBBusId[:]); err != nil {
		return d, err
	}
	var buf [24]byte
	if err := ReadExactly(r, buf[:]); err != nil {
		return d, err
	}
	d.BusId = binary.BigEndian.Uint32(buf[0:4])
	d.DevId = binary.BigEndian.Uint32(buf[4:8])
	d.Speed = binary.BigEndian.Uint32(buf[8:12])
	d.IDVendor = binary.BigEndian.Uint16(buf[12:14])
	d.IDProduct = binary.BigEndian.Uint16(buf[14:16])
	d.BcdDevice = binary.BigEndian.Uint16(buf[16:18])
	d.BDeviceClass = buf[18]
	d.BDeviceSubClass = buf[19]
	d.BDeviceProtocol = buf[20]
	d.BConfigurationValue = buf[21]
	d.BNumConfigurations = buf[22]
	d.BNumInterfaces = buf[23]
	if withInterfaces {
		for i := 0; i < int(d.BNumInterfaces); i++ {
			var quad [4]byte
			if err := ReadExactly(r, quad[:]); err != nil {
				return d, err
			}
			d.Interfaces = append(d.Interfaces, InterfaceDesc{Class: quad[0], SubClass: quad[1], Protocol: quad[2]})
		}
	}
	return d, nil
}

// HeaderBasic is common to all URB commands and replies.
type HeaderBasic struct {
	Command uint32
	Seqnum  uint32
	Devid   uint32
	Dir     uint32
	Ep      uint32
}

func (h *HeaderBasic) put(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], h.Command)
	binary.BigEndian.PutUint32(buf[4:8], h.Seqnum)
	binary.BigEndian.PutUint32(buf[8:12], h.Devid)
	binary.BigEndian.PutUint32(buf[12:16], h.Dir)
	binary.BigEndian.PutUint32(buf[16:20], h.Ep)
}

func decodeHeaderBasic(buf []byte) HeaderBasic {
	return HeaderBasic{
		Command: binary.BigEndian.Uint32(buf[0:4]),
		Seqnum:  binary.BigEndian.Uint32(buf[4:8]),
		Devid:   binary.BigEndian.Uint32(buf[8:12]),
		Dir:     binary.BigEndian.Uint32(buf[12:16]),
		Ep:      binary.BigEndian.Uint32(buf[16:20]),
	}
}

// URBHeader is the raw 48-byte header every URB command and reply starts
// with; the interpretation of bytes 20..47 depends on Command.
type URBHeader [URBHeaderLen]byte

// ReadURBHeader reads one fixed-size URB header from the stream.
func ReadURBHeader(r io.Reader) (URBHeader, error) {
	var h URBHeader
	err := ReadExactly(r, h[:])
	return h, err
}

// Command returns the usbip command code of the header.
func (h URBHeader) Command() uint32 {
	return binary.BigEndian.Uint32(h[0:4])
}

// CmdSubmit is a USBIP_CMD_SUBMIT header.
type CmdSubmit struct {
	Basic             HeaderBasic
	TransferFlags     uint32
	TransferBufferLen uint32
	StartFrame        uint32
	NumberOfPackets   uint32
	Interval          uint32
	Setup             [8]byte
}

func (c *CmdSubmit) Write(w io.Writer) error {
	var buf [URBHeaderLen]byte
	c.Basic.put(buf[0:20])
	binary.BigEndian.PutUint32(buf[20:24], c.TransferFlags)
	binary.BigEndian.PutUint32(buf[24:28], c.TransferBufferLen)
	binary.BigEndian.PutUint32(buf[28:32], c.StartFrame)
	binary.BigEndian.PutUint32(buf[32:36], c.NumberOfPackets)
	binary.BigEndian.PutUint32(buf[36:40], c.Interval)
	copy(buf[40:48], c.Setup[:])
	_, err := w.Write(buf[:])
	return err
}

// DecodeCmdSubmit interprets a URB header as USBIP_CMD_SUBMIT.
func DecodeCmdSubmit(h URBHeader) CmdSubmit {
	c := CmdSubmit{
		Basic:             decodeHeaderBasic(h[0:20]),
		TransferFlags:     binary.BigEndian.Uint32(h[20:24]),
		TransferBufferLen: binary.BigEndian.Uint32(h[24:28]),
		StartFrame:        binary.BigEndian.Uint32(h[28:32]),
		NumberOfPackets:   binary.BigEndian.Uint32(h[32:36]),
		Interval:          binary.BigEndian.Uint32(h[36:40]),
	}
	copy(c.Setup[:], h[40:48])
	return c
}

// RetSubmit is a USBIP_RET_SUBMIT header; any IN payload follows it.
type RetSubmit struct {
	Basic           HeaderBasic
	Status          int32
	ActualLength    uint32
	StartFrame      uint32
	NumberOfPackets uint32
	ErrorCount      uint32
	Padding         [8]byte
}

func (r *RetSubmit) Write(w io.Writer) error {
	var buf [URBHeaderLen]byte
	r.Basic.put(buf[0:20])
	binary.BigEndian.PutUint32(buf[20:24], uint32(r.Status))
	binary.BigEndian.PutUint32(buf[24:28], r.ActualLength)
	binary.BigEndian.PutUint32(buf[28:32], r.StartFrame)
	binary.BigEndian.PutUint32(buf[32:36], r.NumberOfPackets)
	binary.BigEndian.PutUint32(buf[36:40], r.ErrorCount)
	copy(buf[40:48], r.Padding[:])
	_, err := w.Write(buf[:])
	return err
}

// DecodeRetSubmit interprets a URB header as USBIP_RET_SUBMIT.
func DecodeRetSubmit(h URBHeader) RetSubmit {
	r := RetSubmit{
		Basic:           decodeHeaderBasic(h[0:20]),
		Status:          int32(binary.BigEndian.Uint32(h[20:24])),
		ActualLength:    binary.BigEndian.Uint32(h[24:28]),
		StartFrame:      binary.BigEndian.Uint32(h[28:32]),
		NumberOfPackets: binary.BigEndian.Uint32(h[32:36]),
		ErrorCount:      binary.BigEndian.Uint32(h[36:40]),
	}
	copy(r.Padding[:], h[40:48])
	return r
}

// CmdUnlink is a USBIP_CMD_UNLINK header.
type CmdUnlink struct {
	Basic        HeaderBasic
	UnlinkSeqnum uint32
	Padding      [24]byte
}

func (c *CmdUnlink) Write(w io.Writer) error {
	var buf [URBHeaderLen]byte
	c.Basic.put(buf[0:20])
	binary.BigEndian.PutUint32(buf[20:24], c.UnlinkSeqnum)
	copy(buf[24:48], c.Padding[:])
	_, err := w.Write(buf[:])
	return err
}

// DecodeCmdUnlink interprets a URB header as USBIP_CMD_UNLINK.
func DecodeCmdUnlink(h URBHeader) CmdUnlink {
	c := CmdUnlink{
		Basic:        decodeHeaderBasic(h[0:20]),
		UnlinkSeqnum: binary.BigEndian.Uint32(h[20:24]),
	}
	copy(c.Padding[:], h[24:48])
	return c
}

// RetUnlink is a USBIP_RET_UNLINK header.
type RetUnlink struct {
	Basic   HeaderBasic
	Status  int32
	Padding [24]byte
}

func (r *RetUnlink) Write(w io.Writer) error {
	var buf [URBHeaderLen]byte
	r.Basic.put(buf[0:20])
	binary.BigEndian.PutUint32(buf[20:24], uint32(r.Status))
	copy(buf[24:48], r.Padding[:])
	_, err := w.Write(buf[:])
	return err
}

// DecodeRetUnlink interprets a URB header as USBIP_RET_UNLINK.
func DecodeRetUnlink(h URBHeader) RetUnlink {
	r := RetUnlink{
		Basic:  decodeHeaderBasic(h[0:20]),
		Status: int32(binary.BigEndian.Uint32(h[20:24])),
	}
	copy(r.Padding[:], h[24:48])
	return r
}

// ReadExactly fills buf completely or returns the read error.
func ReadExactly(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	return err
}
