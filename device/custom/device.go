package custom

import (
	"fmt"
	"sync"

	"github.com/doyke/eztool/device"
	"github.com/doyke/eztool/usb"
	"github.com/doyke/eztool/usbip"
)

// Frames queued per endpoint before the oldest is dropped.
const maxQueuedFrames = 1024

// Custom is a device built from a YAML profile. It has no control protocol
// of its own; class and vendor requests stall, and the bulk/interrupt
// endpoints bridge to the client stream.
type Custom struct {
	profile    *Profile
	descriptor usb.Descriptor

	inMu     sync.Mutex
	inQueues map[uint8][][]byte

	outMu   sync.Mutex
	outFunc func(ep uint8, payload []byte)
}

// New loads the profile named by o.Profile and builds the device.
func New(o *device.CreateOptions) (*Custom, error) {
	if o == nil || o.Profile == "" {
		return nil, fmt.Errorf("custom device requires a profile file")
	}
	p, err := Load(o.Profile)
	if err != nil {
		return nil, err
	}
	return FromProfile(p, o)
}

// FromProfile builds the device from an already-parsed profile.
func FromProfile(p *Profile, o *device.CreateOptions) (*Custom, error) {
	desc, err := p.Descriptor()
	if err != nil {
		return nil, fmt.Errorf("profile %q: %w", p.Name, err)
	}
	if o != nil {
		if o.IdVendor != nil {
			desc.Device.IDVendor = *o.IdVendor
		}
		if o.IdProduct != nil {
			desc.Device.IDProduct = *o.IdProduct
		}
	}
	return &Custom{
		profile:    p,
		descriptor: desc,
		inQueues:   make(map[uint8][][]byte),
	}, nil
}

func (d *Custom) GetDescriptor() *usb.Descriptor {
	return &d.descriptor
}

// AllowSetDescriptor reports the profile's SET_DESCRIPTOR policy.
func (d *Custom) AllowSetDescriptor() bool {
	return d.profile.AllowSetDescriptor
}

// Name returns the profile's display name.
func (d *Custom) Name() string {
	return d.profile.Name
}

// DeviceType returns the registry name for this device type.
func (d *Custom) DeviceType() string { return "custom" }

// SetOutCallback registers the sink for host OUT transfers on any endpoint.
func (d *Custom) SetOutCallback(f func(ep uint8, payload []byte)) {
	d.outMu.Lock()
	defer d.outMu.Unlock()
	d.outFunc = f
}

// QueueIn queues one frame for the host's next IN poll on the endpoint.
func (d *Custom) QueueIn(ep uint8, frame []byte) {
	ep &= usb.EndpointNumMask
	cp := make([]byte, len(frame))
	copy(cp, frame)
	d.inMu.Lock()
	defer d.inMu.Unlock()
	if len(d.inQueues[ep]) >= maxQueuedFrames {
		d.inQueues[ep] = d.inQueues[ep][1:]
	}
	d.inQueues[ep] = append(d.inQueues[ep], cp)
}

// HandleTransfer bridges non-EP0 traffic: OUT payloads go to the registered
// callback, IN polls drain the per-endpoint queues.
func (d *Custom) HandleTransfer(ep uint32, dir uint32, out []byte) []byte {
	num := uint8(ep) & usb.EndpointNumMask
	if dir == usbip.DirOut {
		d.outMu.Lock()
		f := d.outFunc
		d.outMu.Unlock()
		if f != nil && len(out) > 0 {
			f(num, out)
		}
		return nil
	}
	d.inMu.Lock()
	defer d.inMu.Unlock()
	q := d.inQueues[num]
	if len(q) == 0 {
		return nil
	}
	frame := q[0]
	d.inQueues[num] = q[1:]
	return frame
}
