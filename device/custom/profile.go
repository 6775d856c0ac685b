// Package custom implements a device profile whose descriptor set is read
// from a YAML file, so arbitrary descriptor layouts can be enumerated
// without writing a new device package. Non-EP0 traffic bridges every
// declared endpoint to the client stream.
package custom

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/doyke/eztool/usb"
	"github.com/doyke/eztool/usbip"
	yaml "gopkg.in/yaml.v3"
)

// Profile is the YAML schema of a custom device profile.
type Profile struct {
	Name               string        `yaml:"name"`
	AllowSetDescriptor bool          `yaml:"allowSetDescriptor"`
	Device             DeviceInfo    `yaml:"device"`
	Configurations     []ConfigInfo  `yaml:"configurations"`
	Strings            []StringTable `yaml:"strings"`
}

// DeviceInfo maps to the standard device descriptor. Manufacturer, Product
// and SerialNumber are string indices into the profile's string tables.
type DeviceInfo struct {
	USBVersion     uint16 `yaml:"usbVersion"`
	Class          uint8  `yaml:"class"`
	SubClass       uint8  `yaml:"subClass"`
	Protocol       uint8  `yaml:"protocol"`
	MaxPacketSize0 uint8  `yaml:"maxPacketSize0"`
	VendorID       uint16 `yaml:"vendorId"`
	ProductID      uint16 `yaml:"productId"`
	DeviceVersion  uint16 `yaml:"deviceVersion"`
	Manufacturer   uint8  `yaml:"manufacturer"`
	Product        uint8  `yaml:"product"`
	SerialNumber   uint8  `yaml:"serialNumber"`
	Speed          string `yaml:"speed"` // low, full or high; empty means full
}

type ConfigInfo struct {
	Value        uint8           `yaml:"value"`
	SelfPowered  bool            `yaml:"selfPowered"`
	RemoteWakeup bool            `yaml:"remoteWakeup"`
	MaxPowerMA   uint16          `yaml:"maxPowerMilliamps"`
	Description  uint8           `yaml:"description"`
	Interfaces   []InterfaceInfo `yaml:"interfaces"`
}

// InterfaceInfo describes one interface alt setting. ClassDescriptor and
// ReportDescriptor are hex strings; the report descriptor is additionally
// served on interface GET_DESCRIPTOR the way HID hosts request it.
type InterfaceInfo struct {
	Number           uint8          `yaml:"number"`
	AltSetting       uint8          `yaml:"altSetting"`
	Class            uint8          `yaml:"class"`
	SubClass         uint8          `yaml:"subClass"`
	Protocol         uint8          `yaml:"protocol"`
	Description      uint8          `yaml:"description"`
	ClassDescriptor  string         `yaml:"classDescriptor"`
	ReportDescriptor string         `yaml:"reportDescriptor"`
	Endpoints        []EndpointInfo `yaml:"endpoints"`
}

type EndpointInfo struct {
	Address       uint8  `yaml:"address"`
	Type          string `yaml:"type"` // control, isochronous, bulk or interrupt
	MaxPacketSize uint16 `yaml:"maxPacketSize"`
	Interval      uint8  `yaml:"interval"`
}

// StringTable is one language's string descriptors, keyed by index.
type StringTable struct {
	Language uint16           `yaml:"language"`
	Values   map[uint8]string `yaml:"values"`
}

// Load reads and parses a profile file.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	return Parse(data)
}

// Parse parses a profile from YAML bytes.
func Parse(data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}
	return &p, nil
}

// Descriptor builds and validates the descriptor set the profile describes.
func (p *Profile) Descriptor() (usb.Descriptor, error) {
	var desc usb.Descriptor

	speed, err := parseSpeed(p.Device.Speed)
	if err != nil {
		return desc, err
	}
	mps := p.Device.MaxPacketSize0
	if mps == 0 {
		mps = 8
	}
	switch mps {
	case 8, 16, 32, 64:
	default:
		return desc, fmt.Errorf("maxPacketSize0 %d: must be 8, 16, 32 or 64", mps)
	}

	desc.Device = usb.DeviceDescriptor{
		BcdUSB:          p.Device.USBVersion,
		BDeviceClass:    p.Device.Class,
		BDeviceSubClass: p.Device.SubClass,
		BDeviceProtocol: p.Device.Protocol,
		BMaxPacketSize0: mps,
		IDVendor:        p.Device.VendorID,
		IDProduct:       p.Device.ProductID,
		BcdDevice:       p.Device.DeviceVersion,
		IManufacturer:   p.Device.Manufacturer,
		IProduct:        p.Device.Product,
		ISerialNumber:   p.Device.SerialNumber,
		Speed:           speed,
	}
	if desc.Device.BcdUSB == 0 {
		desc.Device.BcdUSB = 0x0110
	}

	if len(p.Configurations) == 0 {
		return desc, fmt.Errorf("profile declares no configurations")
	}
	seen := map[uint8]bool{}
	for i, ci := range p.Configurations {
		cfg, err := ci.configuration()
		if err != nil {
			return desc, fmt.Errorf("configuration %d: %w", i, err)
		}
		if seen[cfg.Value] {
			return desc, fmt.Errorf("configuration value %d declared twice", cfg.Value)
		}
		seen[cfg.Value] = true
		desc.Configurations = append(desc.Configurations, cfg)
	}

	if len(p.Strings) > 0 {
		desc.Strings = make(map[uint16]map[uint8]string, len(p.Strings))
		for _, st := range p.Strings {
			if _, ok := desc.Strings[st.Language]; ok {
				return desc, fmt.Errorf("language 0x%04x declared twice", st.Language)
			}
			desc.Strings[st.Language] = st.Values
		}
	}
	return desc, nil
}

func (ci ConfigInfo) configuration() (usb.Configuration, error) {
	var cfg usb.Configuration
	if ci.Value == 0 {
		return cfg, fmt.Errorf("configuration value 0 is reserved for the unconfigured state")
	}
	if ci.MaxPowerMA > 510 {
		return cfg, fmt.Errorf("maxPowerMilliamps %d exceeds the 510 mA descriptor limit", ci.MaxPowerMA)
	}
	if len(ci.Interfaces) == 0 {
		return cfg, fmt.Errorf("configuration declares no interfaces")
	}
	cfg.Value = ci.Value
	cfg.MaxPower = uint8((ci.MaxPowerMA + 1) / 2)
	cfg.IConfiguration = ci.Description
	if ci.SelfPowered {
		cfg.Attributes |= usb.ConfigAttrSelfPowered
	}
	if ci.RemoteWakeup {
		cfg.Attributes |= usb.ConfigAttrRemoteWakeup
	}
	for i, ii := range ci.Interfaces {
		ic, err := ii.interfaceConfig()
		if err != nil {
			return cfg, fmt.Errorf("interface %d: %w", i, err)
		}
		cfg.Interfaces = append(cfg.Interfaces, ic)
	}
	return cfg, nil
}

func (ii InterfaceInfo) interfaceConfig() (usb.InterfaceConfig, error) {
	ic := usb.InterfaceConfig{
		Descriptor: usb.InterfaceDescriptor{
			BInterfaceNumber:   ii.Number,
			BAlternateSetting:  ii.AltSetting,
			BInterfaceClass:    ii.Class,
			BInterfaceSubClass: ii.SubClass,
			BInterfaceProtocol: ii.Protocol,
			IInterface:         ii.Description,
		},
	}
	var err error
	if ic.ClassDescriptor, err = decodeHexField("classDescriptor", ii.ClassDescriptor); err != nil {
		return ic, err
	}
	if n := len(ic.ClassDescriptor); n == 1 {
		return ic, fmt.Errorf("classDescriptor: %d byte: a descriptor needs at least bLength and bDescriptorType", n)
	}
	if ic.ReportDescriptor, err = decodeHexField("reportDescriptor", ii.ReportDescriptor); err != nil {
		return ic, err
	}
	for _, ei := range ii.Endpoints {
		ep, err := ei.endpoint()
		if err != nil {
			return ic, err
		}
		ic.Endpoints = append(ic.Endpoints, ep)
	}
	return ic, nil
}

func (ei EndpointInfo) endpoint() (usb.EndpointDescriptor, error) {
	var ep usb.EndpointDescriptor
	if ei.Address&usb.EndpointNumMask == 0 {
		return ep, fmt.Errorf("endpoint 0x%02x: endpoint 0 cannot appear in a configuration", ei.Address)
	}
	attr, err := parseEndpointType(ei.Type)
	if err != nil {
		return ep, fmt.Errorf("endpoint 0x%02x: %w", ei.Address, err)
	}
	ep.BEndpointAddress = ei.Address
	ep.BMAttributes = attr
	ep.WMaxPacketSize = ei.MaxPacketSize
	ep.BInterval = ei.Interval
	return ep, nil
}

func parseSpeed(s string) (uint32, error) {
	switch s {
	case "", "full":
		return usbip.SpeedFull, nil
	case "low":
		return usbip.SpeedLow, nil
	case "high":
		return usbip.SpeedHigh, nil
	}
	return 0, fmt.Errorf("speed %q: must be low, full or high", s)
}

func parseEndpointType(s string) (uint8, error) {
	switch s {
	case "control":
		return usb.EndpointAttrControl, nil
	case "isochronous":
		return usb.EndpointAttrIsochronous, nil
	case "bulk":
		return usb.EndpointAttrBulk, nil
	case "interrupt":
		return usb.EndpointAttrInterrupt, nil
	}
	return 0, fmt.Errorf("type %q: must be control, isochronous, bulk or interrupt", s)
}

func decodeHexField(name, s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return b, nil
}
