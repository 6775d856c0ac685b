// Package virtualbus manages USB bus topology: it assigns bus/device
// numbers, owns per-device lifecycle contexts, and creates the EP0 control
// dispatcher each attached device is enumerated through.
package virtualbus

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/doyke/eztool/device"
	"github.com/doyke/eztool/ep0"
	"github.com/doyke/eztool/usb"
	"github.com/doyke/eztool/usbip"
)

var (
	allocatedBusIds = make(map[uint32]bool)
	globalMutex     sync.Mutex
)

// VirtualBus manages one bus worth of devices and auto-assigns device
// numbers.
type VirtualBus struct {
	mutex           sync.Mutex
	busId           uint32
	allocatedDevIDs map[uint32]bool
	devices         []busDevice
}

// DeviceMeta exposes a registered device, its export identity and its
// control dispatcher for external queries.
type DeviceMeta struct {
	Dev        usb.Device
	Meta       usbip.ExportMeta
	Dispatcher *ep0.Dispatcher
}

// setDescriptorPolicy is implemented by device profiles that accept
// SET_DESCRIPTOR writes.
type setDescriptorPolicy interface {
	AllowSetDescriptor() bool
}

// New creates a VirtualBus with the lowest free bus number.
func New() *VirtualBus {
	globalMutex.Lock()
	defer globalMutex.Unlock()

	busId := uint32(1)
	for allocatedBusIds[busId] {
		busId++
	}
	allocatedBusIds[busId] = true

	return &VirtualBus{
		busId:           busId,
		allocatedDevIDs: make(map[uint32]bool),
	}
}

// NewWithBusId creates a VirtualBus with a specific bus number. Returns an
// error if the bus number is already allocated.
func NewWithBusId(busId uint32) (*VirtualBus, error) {
	globalMutex.Lock()
	defer globalMutex.Unlock()

	if allocatedBusIds[busId] {
		return nil, fmt.Errorf("bus number %d already allocated", busId)
	}
	allocatedBusIds[busId] = true

	return &VirtualBus{
		busId:           busId,
		allocatedDevIDs: make(map[uint32]bool),
	}, nil
}

// Add attaches a device to the bus. The bus assigns the lowest free device
// number, builds the USB/IP export identity, and creates the device's EP0
// dispatcher over its descriptor set. Devices implementing
// ep0.ControlHandler receive class/vendor control requests; devices
// implementing AllowSetDescriptor() bool choose the SET_DESCRIPTOR policy.
// The returned context carries the device's lifecycle and metadata (use
// device.GetDeviceMeta / device.GetConnTimer to extract).
func (vb *VirtualBus) Add(dev usb.Device) (context.Context, error) {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()

	for _, d := range vb.devices {
		if d.dev == dev {
			return nil, fmt.Errorf("device already registered on this bus")
		}
	}
	var devNum uint32
	for i := uint32(1); ; i++ {
		if !vb.allocatedDevIDs[i] {
			devNum = i
			vb.allocatedDevIDs[i] = true
			break
		}
	}

	meta := usbip.NewExportMeta(vb.busId, devNum)

	var handler ep0.ControlHandler
	if h, ok := dev.(ep0.ControlHandler); ok {
		handler = h
	}
	disp := ep0.New(ep0.NewStore(dev.GetDescriptor()), ep0.NewDeviceState(), handler)
	if p, ok := dev.(setDescriptorPolicy); ok {
		disp.AllowSetDescriptor(p.AllowSetDescriptor())
	}

	connTimer := time.NewTimer(0)

	ctx, cancel := context.WithCancel(context.Background())
	ctx = context.WithValue(ctx, device.ExportMetaKey, &meta)
	ctx = context.WithValue(ctx, device.ConnTimerKey, connTimer)

	vb.devices = append(vb.devices, busDevice{
		dev:        dev,
		devNum:     devNum,
		meta:       meta,
		dispatcher: disp,
		ctx:        ctx,
		cancel:     cancel,
	})
	return ctx, nil
}

// GetAllDeviceMetas returns a snapshot of all attached devices with their
// export identities and dispatchers.
func (vb *VirtualBus) GetAllDeviceMetas() []DeviceMeta {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	out := make([]DeviceMeta, 0, len(vb.devices))
	for _, d := range vb.devices {
		out = append(out, DeviceMeta{Dev: d.dev, Meta: d.meta, Dispatcher: d.dispatcher})
	}
	return out
}

// BusID returns the bus number for this VirtualBus.
func (vb *VirtualBus) BusID() uint32 {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	return vb.busId
}

// Devices returns all devices currently attached to this bus.
func (vb *VirtualBus) Devices() []usb.Device {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	out := make([]usb.Device, 0, len(vb.devices))
	for _, d := range vb.devices {
		out = append(out, d.dev)
	}
	return out
}

// Dispatcher returns the EP0 dispatcher of an attached device, nil if the
// device is not on this bus.
func (vb *VirtualBus) Dispatcher(dev usb.Device) *ep0.Dispatcher {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	for i := range vb.devices {
		if vb.devices[i].dev == dev {
			return vb.devices[i].dispatcher
		}
	}
	return nil
}

// ResetDevice drives a bus reset through the device's dispatcher, returning
// its enumeration state to defaults. Called when a USB/IP client attaches,
// since a fresh attach re-enumerates from scratch.
func (vb *VirtualBus) ResetDevice(dev usb.Device) {
	if d := vb.Dispatcher(dev); d != nil {
		d.HandleEvent(ep0.BusReset{})
	}
}

// RemoveDeviceByID removes a device by its device number string (e.g. "1")
// and cancels its context. Returns an error if not found.
func (vb *VirtualBus) RemoveDeviceByID(deviceID string) error {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	for i, d := range vb.devices {
		if strconv.FormatUint(uint64(d.devNum), 10) == deviceID {
			if d.cancel != nil {
				d.cancel()
			}
			delete(vb.allocatedDevIDs, d.devNum)
			vb.devices = append(vb.devices[:i], vb.devices[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("device with id %s not found on bus %d", deviceID, vb.busId)
}

// Remove detaches a device from the bus and cancels its context. The
// device number is freed for reuse.
func (vb *VirtualBus) Remove(dev usb.Device) error {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	for i, d := range vb.devices {
		if d.dev == dev {
			if d.cancel != nil {
				d.cancel()
			}
			delete(vb.allocatedDevIDs, d.devNum)
			vb.devices = append(vb.devices[:i], vb.devices[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("device not found")
}

// Close cancels all device contexts and frees the bus number for reuse.
// The VirtualBus must not be used afterwards.
func (vb *VirtualBus) Close() error {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()

	for i := range vb.devices {
		if vb.devices[i].cancel != nil {
			vb.devices[i].cancel()
		}
		vb.devices[i].ctx = nil
		vb.devices[i].cancel = nil
	}

	globalMutex.Lock()
	defer globalMutex.Unlock()

	delete(allocatedBusIds, vb.busId)
	return nil
}

// GetDeviceContext returns the lifecycle context of a device, nil if the
// device is not attached.
func (vb *VirtualBus) GetDeviceContext(dev usb.Device) context.Context {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	for i := range vb.devices {
		if vb.devices[i].dev == dev {
			return vb.devices[i].ctx
		}
	}
	return nil
}

type busDevice struct {
	dev        usb.Device
	devNum     uint32
	meta       usbip.ExportMeta
	dispatcher *ep0.Dispatcher
	ctx        context.Context
	cancel     context.CancelFunc
}
