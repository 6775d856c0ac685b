// Package usb contains the SETUP packet codec and helpers for building
// USB descriptors and data.
package usb

import (
	"bytes"
	"encoding/binary"
	"sort"
)

// USB descriptor type constants
const (
	DeviceDescType    = 0x01
	ConfigDescType    = 0x02
	InterfaceDescType = 0x04
	EndpointDescType  = 0x05
	HIDDescType       = 0x21
	ReportDescType    = 0x22
)

// Descriptor lengths in bytes (fixed values from USB spec)
const (
	DeviceDescLen    = 18
	ConfigDescLen    = 9
	InterfaceDescLen = 9
	EndpointDescLen  = 7
)

// Descriptor holds all static descriptor/config data for a device.
// Strings maps a language ID to that language's string table; every
// language table should carry the same indices.
type Descriptor struct {
	Device         DeviceDescriptor
	Configurations []Configuration
	Strings        map[uint16]map[uint8]string
}

// Configuration describes one configuration and the interfaces it contains.
// Alternate settings are separate InterfaceConfig entries sharing a
// BInterfaceNumber.
type Configuration struct {
	Value          uint8 // bConfigurationValue, selected by SET_CONFIGURATION
	Attributes     uint8 // bmAttributes; the reserved bit 7 is forced on encode
	MaxPower       uint8 // 2 mA units
	IConfiguration uint8
	Interfaces     []InterfaceConfig
}

// InterfaceConfig holds all descriptors for a single interface alt setting.
type InterfaceConfig struct {
	Descriptor       InterfaceDescriptor
	Endpoints        []EndpointDescriptor
	ClassDescriptor  []byte // optional class descriptor emitted after the interface (e.g. HID 0x21)
	ReportDescriptor []byte // optional report descriptor served on interface GET_DESCRIPTOR (0x22)
	VendorData       []byte // optional vendor-specific bytes
}

// EncodeStringDescriptor converts a UTF-8 string to a USB string descriptor byte array.
// The resulting descriptor has the format:
//
//	Byte 0: bLength (total descriptor length)
//	Byte 1: bDescriptorType (0x03 for string)
//	Bytes 2+: UTF-16LE encoded string
//
// Strings longer than 126 code points are truncated so bLength fits a byte.
func EncodeStringDescriptor(s string) []byte {
	runes := []rune(s)
	if len(runes) > 126 {
		runes = runes[:126]
	}
	buf := make([]byte, 2+len(runes)*2)
	buf[0] = uint8(len(buf)) // bLength
	buf[1] = StringDescType
	for i, r := range runes {
		buf[2+i*2] = uint8(r)
		buf[2+i*2+1] = uint8(r >> 8)
	}
	return buf
}

// EncodeLangListDescriptor builds the string descriptor at index 0: the list
// of language IDs the device supports.
func EncodeLangListDescriptor(langs []uint16) []byte {
	buf := make([]byte, 2+len(langs)*2)
	buf[0] = uint8(len(buf))
	buf[1] = StringDescType
	for i, l := range langs {
		binary.LittleEndian.PutUint16(buf[2+i*2:], l)
	}
	return buf
}

// DeviceDescriptor represents the standard USB device descriptor.
// BLength and bDescriptorType are implied; bNumConfigurations is derived
// from the Configurations slice on encode.
type DeviceDescriptor struct {
	BcdUSB          uint16 // LE
	BDeviceClass    uint8
	BDeviceSubClass uint8
	BDeviceProtocol uint8
	BMaxPacketSize0 uint8
	IDVendor        uint16 // LE; may get overridden
	IDProduct       uint16 // LE; may get overridden
	BcdDevice       uint16 // LE
	IManufacturer   uint8
	IProduct        uint8
	ISerialNumber   uint8
	Speed           uint32 // USB speed: 1=low, 2=full, 3=high, 4=super
}

// Bytes returns the binary device descriptor with bLength and
// bNumConfigurations auto-filled.
func (d Descriptor) Bytes() []byte {
	var b bytes.Buffer
	b.WriteByte(DeviceDescLen)
	b.WriteByte(DeviceDescType)
	_ = binary.Write(&b, binary.LittleEndian, d.Device.BcdUSB)
	b.WriteByte(d.Device.BDeviceClass)
	b.WriteByte(d.Device.BDeviceSubClass)
	b.WriteByte(d.Device.BDeviceProtocol)
	b.WriteByte(d.Device.BMaxPacketSize0)
	_ = binary.Write(&b, binary.LittleEndian, d.Device.IDVendor)
	_ = binary.Write(&b, binary.LittleEndian, d.Device.IDProduct)
	_ = binary.Write(&b, binary.LittleEndian, d.Device.BcdDevice)
	b.WriteByte(d.Device.IManufacturer)
	b.WriteByte(d.Device.IProduct)
	b.WriteByte(d.Device.ISerialNumber)
	b.WriteByte(uint8(len(d.Configurations)))
	return b.Bytes()
}

// LangIDs returns the supported language IDs in ascending order.
func (d Descriptor) LangIDs() []uint16 {
	langs := make([]uint16, 0, len(d.Strings))
	for l := range d.Strings {
		langs = append(langs, l)
	}
	sort.Slice(langs, func(i, j int) bool { return langs[i] < langs[j] })
	return langs
}

// Configuration returns the configuration with the given
// bConfigurationValue, or nil.
func (d Descriptor) Configuration(value uint8) *Configuration {
	for i := range d.Configurations {
		if d.Configurations[i].Value == value {
			return &d.Configurations[i]
		}
	}
	return nil
}

// NumInterfaces counts the distinct interface numbers in the configuration.
func (c Configuration) NumInterfaces() uint8 {
	seen := map[uint8]bool{}
	for _, ic := range c.Interfaces {
		seen[ic.Descriptor.BInterfaceNumber] = true
	}
	return uint8(len(seen))
}

// HasInterface reports whether the configuration contains the interface number.
func (c Configuration) HasInterface(num uint8) bool {
	for _, ic := range c.Interfaces {
		if ic.Descriptor.BInterfaceNumber == num {
			return true
		}
	}
	return false
}

// HasAltSetting reports whether the configuration contains the given
// interface alt setting.
func (c Configuration) HasAltSetting(num, alt uint8) bool {
	for _, ic := range c.Interfaces {
		if ic.Descriptor.BInterfaceNumber == num && ic.Descriptor.BAlternateSetting == alt {
			return true
		}
	}
	return false
}

// HasEndpoint reports whether any interface of the configuration declares
// the endpoint address (direction bit included).
func (c Configuration) HasEndpoint(addr uint8) bool {
	for _, ic := range c.Interfaces {
		for _, ep := range ic.Endpoints {
			if ep.BEndpointAddress == addr {
				return true
			}
		}
	}
	return false
}

// Bytes builds the full configuration descriptor block: the 9-byte header
// followed by every interface, class and endpoint descriptor, with
// wTotalLength patched in.
func (c Configuration) Bytes() []byte {
	var b bytes.Buffer
	b.WriteByte(ConfigDescLen)
	b.WriteByte(ConfigDescType)
	b.WriteByte(0) // wTotalLength, patched below
	b.WriteByte(0)
	b.WriteByte(c.NumInterfaces())
	b.WriteByte(c.Value)
	b.WriteByte(c.IConfiguration)
	b.WriteByte(c.Attributes | ConfigAttrReserved)
	b.WriteByte(c.MaxPower)

	for _, ic := range c.Interfaces {
		ic.write(&b)
		if len(ic.ClassDescriptor) > 0 {
			b.Write(ic.ClassDescriptor)
		}
		for _, ep := range ic.Endpoints {
			ep.Write(&b)
		}
		if len(ic.VendorData) > 0 {
			b.Write(ic.VendorData)
		}
	}

	out := b.Bytes()
	binary.LittleEndian.PutUint16(out[2:4], uint16(len(out)))
	return out
}

// InterfaceDescriptor (9 bytes) for each interface altsetting.
// bNumEndpoints is derived from the InterfaceConfig's endpoint slice.
type InterfaceDescriptor struct {
	BInterfaceNumber   uint8
	BAlternateSetting  uint8
	BInterfaceClass    uint8
	BInterfaceSubClass uint8
	BInterfaceProtocol uint8
	IInterface         uint8
}

func (ic InterfaceConfig) write(b *bytes.Buffer) {
	d := ic.Descriptor
	b.WriteByte(InterfaceDescLen)
	b.WriteByte(InterfaceDescType)
	b.WriteByte(d.BInterfaceNumber)
	b.WriteByte(d.BAlternateSetting)
	b.WriteByte(uint8(len(ic.Endpoints)))
	b.WriteByte(d.BInterfaceClass)
	b.WriteByte(d.BInterfaceSubClass)
	b.WriteByte(d.BInterfaceProtocol)
	b.WriteByte(d.IInterface)
}

// EndpointDescriptor (7 bytes) for each endpoint.
type EndpointDescriptor struct {
	BEndpointAddress uint8
	BMAttributes     uint8
	WMaxPacketSize   uint16 // LE
	BInterval        uint8
}

func (e EndpointDescriptor) Write(b *bytes.Buffer) {
	b.WriteByte(EndpointDescLen)
	b.WriteByte(EndpointDescType)
	b.WriteByte(e.BEndpointAddress)
	b.WriteByte(e.BMAttributes)
	_ = binary.Write(b, binary.LittleEndian, e.WMaxPacketSize)
	b.WriteByte(e.BInterval)
}
