// Package ezusb emulates the Anchor Chips / Cypress EZ-USB AN2131 in its
// unprogrammed boot state: the device the host sees before firmware is
// loaded. It answers the 0xA0 firmware-load vendor request with full
// read/write access to the 8 KiB internal RAM and the CPUCS register, and
// bridges the EP2 bulk pair to a client stream.
package ezusb

import (
	"sync"

	"github.com/doyke/eztool/device"
	"github.com/doyke/eztool/ep0"
	"github.com/doyke/eztool/usb"
	"github.com/doyke/eztool/usbip"
)

// AN2131 is the emulated boot device.
type AN2131 struct {
	descriptor usb.Descriptor

	ramMu   sync.RWMutex
	ram     [RAMSize]byte
	cpuHeld bool

	inMu    sync.Mutex
	inQueue [][]byte

	outMu   sync.Mutex
	outFunc func([]byte)
}

// New returns an AN2131 in its power-on state: RAM zeroed, 8051 running
// the boot core.
func New(o *device.CreateOptions) *AN2131 {
	d := &AN2131{descriptor: defaultDescriptor}
	if o != nil {
		if o.IdVendor != nil {
			d.descriptor.Device.IDVendor = *o.IdVendor
		}
		if o.IdProduct != nil {
			d.descriptor.Device.IDProduct = *o.IdProduct
		}
	}
	return d
}

func (d *AN2131) GetDescriptor() *usb.Descriptor {
	return &d.descriptor
}

// DeviceType returns the registry name for this device type.
func (d *AN2131) DeviceType() string { return "an2131" }

// HandleControl implements the boot device's vendor protocol. Only the
// 0xA0 firmware-load request exists; everything else stalls.
func (d *AN2131) HandleControl(req usb.SetupRequest) (ep0.ControlResponse, error) {
	if req.Type() != usb.ReqTypeVendor || req.Request != VendorReqFirmwareLoad {
		return ep0.ControlResponse{}, ep0.ErrMalformedRequest
	}
	addr := req.Value
	if req.IsDeviceToHost() {
		data, err := d.readMemory(addr, req.Length)
		return ep0.ControlResponse{Data: data}, err
	}
	return ep0.ControlResponse{
		Accept: func(data []byte) error {
			return d.writeMemory(addr, data)
		},
	}, nil
}

func (d *AN2131) readMemory(addr, length uint16) ([]byte, error) {
	d.ramMu.RLock()
	defer d.ramMu.RUnlock()
	if addr == CPUCSRegister {
		var b uint8
		if d.cpuHeld {
			b = cpuHoldBit
		}
		return []byte{b}, nil
	}
	end := int(addr) + int(length)
	if int(addr) >= RAMSize || end > RAMSize {
		return nil, ep0.ErrValueOutOfRange
	}
	out := make([]byte, length)
	copy(out, d.ram[addr:end])
	return out, nil
}

func (d *AN2131) writeMemory(addr uint16, data []byte) error {
	d.ramMu.Lock()
	defer d.ramMu.Unlock()
	if addr == CPUCSRegister {
		if len(data) < 1 {
			return ep0.ErrMalformedRequest
		}
		d.cpuHeld = data[0]&cpuHoldBit != 0
		return nil
	}
	end := int(addr) + len(data)
	if int(addr) >= RAMSize || end > RAMSize {
		return ep0.ErrValueOutOfRange
	}
	copy(d.ram[addr:end], data)
	return nil
}

// CPURunning reports whether the 8051 core is out of reset.
func (d *AN2131) CPURunning() bool {
	d.ramMu.RLock()
	defer d.ramMu.RUnlock()
	return !d.cpuHeld
}

// FirmwareImage returns a copy of the internal RAM, for diagnostics.
func (d *AN2131) FirmwareImage() []byte {
	d.ramMu.RLock()
	defer d.ramMu.RUnlock()
	out := make([]byte, RAMSize)
	copy(out, d.ram[:])
	return out
}

// SetBulkOutCallback registers the sink for EP2 OUT payloads; the stream
// handler forwards them to the connected client.
func (d *AN2131) SetBulkOutCallback(f func([]byte)) {
	d.outMu.Lock()
	defer d.outMu.Unlock()
	d.outFunc = f
}

// QueueBulkIn queues one frame for the host's next EP2 IN poll. The queue
// is bounded; the oldest frame is dropped when the host stops polling.
func (d *AN2131) QueueBulkIn(frame []byte) {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	d.inMu.Lock()
	defer d.inMu.Unlock()
	if len(d.inQueue) >= maxQueuedInFrames {
		d.inQueue = d.inQueue[1:]
	}
	d.inQueue = append(d.inQueue, cp)
}

// HandleTransfer implements the EP2 bulk data path.
func (d *AN2131) HandleTransfer(ep uint32, dir uint32, out []byte) []byte {
	if ep != uint32(BulkOutEndpoint&usb.EndpointNumMask) {
		return nil
	}
	if dir == usbip.DirOut {
		d.outMu.Lock()
		f := d.outFunc
		d.outMu.Unlock()
		if f != nil && len(out) > 0 {
			f(out)
		}
		return nil
	}
	d.inMu.Lock()
	defer d.inMu.Unlock()
	if len(d.inQueue) == 0 {
		return nil
	}
	frame := d.inQueue[0]
	d.inQueue = d.inQueue[1:]
	return frame
}

// defaultDescriptor is the AN2131 boot device: USB 1.1 full speed, vendor
// class, one configuration whose alt setting 0 claims no bandwidth and
// whose alt settings 1 and 2 expose the EP2 bulk pair at 64 and 16 bytes.
var defaultDescriptor = usb.Descriptor{
	Device: usb.DeviceDescriptor{
		BcdUSB:          0x0110,
		BDeviceClass:    0xff,
		BDeviceSubClass: 0x00,
		BDeviceProtocol: 0x00,
		BMaxPacketSize0: 0x40,
		IDVendor:        DefaultVendorID,
		IDProduct:       DefaultProductID,
		BcdDevice:       0x0001,
		IManufacturer:   0x01,
		IProduct:        0x02,
		ISerialNumber:   0x03,
		Speed:           usbip.SpeedFull,
	},
	Configurations: []usb.Configuration{
		{
			Value:      1,
			Attributes: usb.ConfigAttrSelfPowered,
			MaxPower:   50, // 100 mA
			Interfaces: []usb.InterfaceConfig{
				{
					Descriptor: usb.InterfaceDescriptor{
						BInterfaceNumber:  0x00,
						BAlternateSetting: 0x00,
						BInterfaceClass:   0xff,
					},
				},
				{
					Descriptor: usb.InterfaceDescriptor{
						BInterfaceNumber:  0x00,
						BAlternateSetting: 0x01,
						BInterfaceClass:   0xff,
					},
					Endpoints: []usb.EndpointDescriptor{
						{BEndpointAddress: BulkOutEndpoint, BMAttributes: usb.EndpointAttrBulk, WMaxPacketSize: 64},
						{BEndpointAddress: BulkInEndpoint, BMAttributes: usb.EndpointAttrBulk, WMaxPacketSize: 64},
					},
				},
				{
					Descriptor: usb.InterfaceDescriptor{
						BInterfaceNumber:  0x00,
						BAlternateSetting: 0x02,
						BInterfaceClass:   0xff,
					},
					Endpoints: []usb.EndpointDescriptor{
						{BEndpointAddress: BulkOutEndpoint, BMAttributes: usb.EndpointAttrBulk, WMaxPacketSize: 16},
						{BEndpointAddress: BulkInEndpoint, BMAttributes: usb.EndpointAttrBulk, WMaxPacketSize: 16},
					},
				},
			},
		},
	},
	Strings: map[uint16]map[uint8]string{
		usb.LangIDEnglishUS: {
			1: "Anchor Chips, Inc.",
			2: "EZ-USB AN2131",
			3: "000000000001",
		},
		usb.LangIDGerman: {
			1: "Anchor Chips, Inc.",
			2: "EZ-USB AN2131",
			3: "000000000001",
		},
	},
}
