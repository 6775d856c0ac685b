// Package ep0 implements the enumeration and control-transfer engine of a
// USB 1.1 device: the state machine behind endpoint zero. It consumes
// hardware-level events (SETUP received, IN packet acked, OUT data, bus
// reset) and emits hardware-level commands (send packet, stall, arm status
// stage), so it runs unchanged under a real USB peripheral, the USB/IP URB
// adapter, or a test harness.
package ep0

import (
	"github.com/doyke/eztool/usb"
)

// State is the dispatcher's position in the control-transfer sequence.
type State uint8

const (
	StateIdle            State = iota // between transfers
	StateAwaitingDataOut              // host will send a data stage
	StateSendingDataIn                // streaming data to the host
	StateAwaitingStatus               // data stage done, status handshake pending
	StateStalled                      // request rejected; next SETUP clears
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingDataOut:
		return "awaiting-data-out"
	case StateSendingDataIn:
		return "sending-data-in"
	case StateAwaitingStatus:
		return "awaiting-status"
	case StateStalled:
		return "stalled"
	}
	return "unknown"
}

// ControlHandler answers class and vendor EP0 requests on behalf of a
// device profile. For device-to-host requests, return the response payload
// in Data. For host-to-device requests with a data stage, return an Accept
// function; it is invoked once with the complete payload when the data
// stage finishes, and may reject it with an error. Returning a non-nil
// error from HandleControl stalls the request.
type ControlHandler interface {
	HandleControl(req usb.SetupRequest) (ControlResponse, error)
}

// ControlResponse is a control handler's answer to a class/vendor request.
type ControlResponse struct {
	Data   []byte
	Accept func(data []byte) error
}

// Dispatcher sequences EP0 control transfers for one device. It is a plain
// synchronous state machine: HandleEvent runs to completion and returns the
// commands for the hardware layer. Only one EP0 transaction is ever in
// flight, so the dispatcher expects to be driven from a single goroutine;
// the DeviceState it mutates is separately safe for concurrent readers.
type Dispatcher struct {
	store   *Store
	state   *DeviceState
	handler ControlHandler
	mps     int

	st         State
	xfer       *Stager
	commit     func([]byte) error
	stallCause error
	abortCause error

	allowSetDescriptor bool
}

// New creates a dispatcher over a device's descriptor store and state
// holder. handler may be nil, in which case every class/vendor request
// stalls.
func New(store *Store, state *DeviceState, handler ControlHandler) *Dispatcher {
	return &Dispatcher{
		store:   store,
		state:   state,
		handler: handler,
		mps:     store.MaxPacketSize0(),
	}
}

// AllowSetDescriptor switches the SET_DESCRIPTOR policy. Disabled by
// default, matching minimal device profiles that stall the request; when
// enabled, accepted payloads are written into the store's overlay.
func (d *Dispatcher) AllowSetDescriptor(allow bool) { d.allowSetDescriptor = allow }

// State returns the dispatcher's current position in the transfer sequence.
func (d *Dispatcher) State() State { return d.st }

// StallCause returns what caused the most recent stall, nil if the last
// request was accepted. Diagnostics only.
func (d *Dispatcher) StallCause() error { return d.stallCause }

// AbortCause returns ErrTransferAborted after an in-flight transfer was
// discarded by a superseding SETUP, a bus reset or an early status
// transaction, nil if no transfer has been discarded. Diagnostics only.
func (d *Dispatcher) AbortCause() error { return d.abortCause }

// DeviceState returns the state holder this dispatcher mutates.
func (d *Dispatcher) DeviceState() *DeviceState { return d.state }

// Store returns the descriptor store this dispatcher serves from.
func (d *Dispatcher) Store() *Store { return d.store }

// MaxPacketSize0 returns the EP0 packet size the dispatcher chunks with.
func (d *Dispatcher) MaxPacketSize0() int { return d.mps }

// HandleEvent advances the state machine by one hardware event and returns
// the commands to execute, in order.
func (d *Dispatcher) HandleEvent(ev Event) []Command {
	switch e := ev.(type) {
	case SetupReceived:
		return d.onSetup(e.Data)
	case InPacketAcked:
		return d.onInAcked()
	case OutPacketAvailable:
		return d.onOutData(e.Data)
	case BusReset:
		d.abortTransfer()
		d.state.Reset()
		d.stallCause = nil
		d.st = StateIdle
	}
	return nil
}

// onSetup starts a new control transfer. The host is authoritative: any
// in-flight transfer is discarded and a latched stall is cleared first.
func (d *Dispatcher) onSetup(raw [8]byte) []Command {
	var cmds []Command
	if d.st == StateStalled {
		cmds = append(cmds, Unstall{})
	}
	d.abortTransfer()
	d.stallCause = nil
	d.st = StateIdle

	req := usb.DecodeSetup(raw)

	var (
		data   []byte
		commit func([]byte) error
		err    error
	)
	switch req.Type() {
	case usb.ReqTypeStandard:
		data, commit, err = d.standard(req)
	case usb.ReqTypeClass, usb.ReqTypeVendor:
		if d.handler == nil {
			err = ErrMalformedRequest
			break
		}
		var resp ControlResponse
		resp, err = d.handler.HandleControl(req)
		data, commit = resp.Data, resp.Accept
	default:
		err = ErrMalformedRequest
	}
	if err != nil {
		return d.stall(cmds, err)
	}
	return d.begin(req, data, commit, cmds)
}

// begin drives the transfer into its data or status stage.
func (d *Dispatcher) begin(req usb.SetupRequest, data []byte, commit func([]byte) error, cmds []Command) []Command {
	if req.Length == 0 {
		if commit != nil {
			if err := commit(nil); err != nil {
				return d.stall(cmds, err)
			}
		}
		d.st = StateAwaitingStatus
		return append(cmds, ArmStatusStage{})
	}
	if req.IsDeviceToHost() {
		d.xfer = NewInStager(data, req.Length, d.mps)
		d.st = StateSendingDataIn
		chunk, _ := d.xfer.Next() // wLength > 0 guarantees a first chunk or terminator
		return append(cmds, SendPacket{Data: chunk})
	}
	if commit == nil {
		// a host-to-device data stage nobody volunteered to consume
		return d.stall(cmds, ErrMalformedRequest)
	}
	d.commit = commit
	d.xfer = NewOutStager(req.Length, d.mps)
	d.st = StateAwaitingDataOut
	return cmds
}

func (d *Dispatcher) onInAcked() []Command {
	switch d.st {
	case StateSendingDataIn:
		chunk, ok := d.xfer.Next()
		if !ok {
			d.xfer = nil
			d.st = StateAwaitingStatus
			return []Command{ArmStatusStage{}}
		}
		return []Command{SendPacket{Data: chunk}}
	case StateAwaitingStatus:
		// status handshake of an OUT or no-data transfer completed
		d.st = StateIdle
	}
	return nil
}

func (d *Dispatcher) onOutData(data []byte) []Command {
	switch d.st {
	case StateAwaitingDataOut:
		if !d.xfer.Accept(data) {
			return []Command{AcceptedOutPacket{}}
		}
		payload := d.xfer.Bytes()
		commit := d.commit
		d.xfer = nil
		d.commit = nil
		if err := commit(payload); err != nil {
			return append([]Command{AcceptedOutPacket{}}, d.stall(nil, err)...)
		}
		d.st = StateAwaitingStatus
		return []Command{AcceptedOutPacket{}, ArmStatusStage{}}
	case StateSendingDataIn:
		// the host may truncate an IN data stage by starting the status
		// transaction early
		d.abortTransfer()
		d.st = StateIdle
		return []Command{AcceptedOutPacket{}}
	case StateAwaitingStatus:
		d.st = StateIdle
		return []Command{AcceptedOutPacket{}}
	}
	return nil
}

func (d *Dispatcher) stall(cmds []Command, cause error) []Command {
	d.abortTransfer()
	d.stallCause = cause
	d.st = StateStalled
	return append(cmds, Stall{})
}

func (d *Dispatcher) abortTransfer() {
	if d.xfer != nil || d.commit != nil {
		d.abortCause = ErrTransferAborted
	}
	d.xfer = nil
	d.commit = nil
}

// standard implements the standard request table. It returns the IN payload
// for device-to-host requests, a completion for requests with an OUT data
// stage, or an error that stalls the transfer. State mutations for no-data
// requests happen here, before the status stage.
func (d *Dispatcher) standard(req usb.SetupRequest) (data []byte, commit func([]byte) error, err error) {
	switch req.Request {
	case usb.ReqGetStatus:
		if !req.IsDeviceToHost() {
			return nil, nil, ErrMalformedRequest
		}
		return d.getStatus(req)

	case usb.ReqClearFeature:
		return nil, nil, d.feature(req, false)

	case usb.ReqSetFeature:
		return nil, nil, d.feature(req, true)

	case usb.ReqSetAddress:
		if req.IsDeviceToHost() || req.Recipient() != usb.RecipientDevice || req.Length != 0 {
			return nil, nil, ErrMalformedRequest
		}
		// bus addressing is handled by the USB core; record it and let the
		// status stage complete
		d.state.setAddress(uint8(req.Value))
		return nil, nil, nil

	case usb.ReqGetDescriptor:
		if !req.IsDeviceToHost() {
			return nil, nil, ErrMalformedRequest
		}
		switch req.Recipient() {
		case usb.RecipientDevice:
			data, err = d.store.Lookup(req.DescriptorType(), req.DescriptorIndex(), req.Index)
		case usb.RecipientInterface:
			// class descriptors (HID, report) are keyed by interface number
			data, err = d.store.Lookup(req.DescriptorType(), req.InterfaceNumber(), 0)
		default:
			err = ErrMalformedRequest
		}
		return data, nil, err

	case usb.ReqSetDescriptor:
		if req.IsDeviceToHost() || req.Recipient() != usb.RecipientDevice {
			return nil, nil, ErrMalformedRequest
		}
		if !d.allowSetDescriptor {
			return nil, nil, ErrMalformedRequest
		}
		typ, idx := req.DescriptorType(), req.DescriptorIndex()
		return nil, func(payload []byte) error {
			return d.store.SetDescriptor(typ, idx, payload)
		}, nil

	case usb.ReqGetConfiguration:
		if !req.IsDeviceToHost() || req.Recipient() != usb.RecipientDevice {
			return nil, nil, ErrMalformedRequest
		}
		return []byte{d.state.ConfigurationValue()}, nil, nil

	case usb.ReqSetConfiguration:
		if req.IsDeviceToHost() || req.Recipient() != usb.RecipientDevice || req.Length != 0 {
			return nil, nil, ErrMalformedRequest
		}
		v := uint8(req.Value)
		if v != 0 && !d.store.HasConfigValue(v) {
			return nil, nil, ErrValueOutOfRange
		}
		d.state.setConfiguration(v)
		return nil, nil, nil

	case usb.ReqGetInterface:
		if !req.IsDeviceToHost() || req.Recipient() != usb.RecipientInterface {
			return nil, nil, ErrMalformedRequest
		}
		num := req.InterfaceNumber()
		cfg := d.activeConfig()
		if cfg == nil || !cfg.HasInterface(num) {
			return nil, nil, ErrValueOutOfRange
		}
		return []byte{d.state.AltSetting(num)}, nil, nil

	case usb.ReqSetInterface:
		if req.IsDeviceToHost() || req.Recipient() != usb.RecipientInterface || req.Length != 0 {
			return nil, nil, ErrMalformedRequest
		}
		num, alt := req.InterfaceNumber(), uint8(req.Value)
		cfg := d.activeConfig()
		if cfg == nil || !cfg.HasAltSetting(num, alt) {
			return nil, nil, ErrValueOutOfRange
		}
		d.state.setAltSetting(num, alt)
		return nil, nil, nil

	case usb.ReqSynchFrame:
		// isochronous only; this engine serves no isochronous endpoints
		return nil, nil, ErrMalformedRequest
	}
	return nil, nil, ErrMalformedRequest
}

func (d *Dispatcher) getStatus(req usb.SetupRequest) (data []byte, commit func([]byte) error, err error) {
	switch req.Recipient() {
	case usb.RecipientDevice:
		var b uint8
		if d.selfPowered() {
			b |= 1 << 0
		}
		if d.state.RemoteWakeupEnabled() {
			b |= 1 << 1
		}
		return []byte{b, 0}, nil, nil
	case usb.RecipientInterface:
		cfg := d.activeConfig()
		if cfg == nil || !cfg.HasInterface(req.InterfaceNumber()) {
			return nil, nil, ErrValueOutOfRange
		}
		return []byte{0, 0}, nil, nil // all interface status bits are reserved
	case usb.RecipientEndpoint:
		ep := req.EndpointAddress()
		if !d.endpointExists(ep) {
			return nil, nil, ErrValueOutOfRange
		}
		var b uint8
		if d.state.IsHalted(ep) {
			b |= 1 << 0
		}
		return []byte{b, 0}, nil, nil
	}
	return nil, nil, ErrMalformedRequest
}

func (d *Dispatcher) feature(req usb.SetupRequest, set bool) error {
	if req.IsDeviceToHost() || req.Length != 0 {
		return ErrMalformedRequest
	}
	switch {
	case req.FeatureSelector() == usb.FeatureEndpointHalt && req.Recipient() == usb.RecipientEndpoint:
		ep := req.EndpointAddress()
		if !d.endpointExists(ep) {
			return ErrValueOutOfRange
		}
		d.state.setHalted(ep, set)
		return nil
	case req.FeatureSelector() == usb.FeatureRemoteWakeup && req.Recipient() == usb.RecipientDevice:
		d.state.setRemoteWakeup(set)
		return nil
	}
	return ErrMalformedRequest
}

func (d *Dispatcher) activeConfig() *usb.Configuration {
	v := d.state.ConfigurationValue()
	if v == 0 {
		return nil
	}
	return d.store.Config(v)
}

// selfPowered reads the bmAttributes of the active configuration, falling
// back to the first configuration while unconfigured.
func (d *Dispatcher) selfPowered() bool {
	cfg := d.activeConfig()
	if cfg == nil {
		desc := d.store.Descriptor()
		if len(desc.Configurations) == 0 {
			return false
		}
		cfg = &desc.Configurations[0]
	}
	return cfg.Attributes&usb.ConfigAttrSelfPowered != 0
}

// endpointExists accepts EP0 in both directions always, other endpoints
// only while the configuration declaring them is active.
func (d *Dispatcher) endpointExists(ep uint8) bool {
	if ep&usb.EndpointNumMask == 0 {
		return true
	}
	cfg := d.activeConfig()
	return cfg != nil && cfg.HasEndpoint(ep)
}
