package ep0_test

import (
	"errors"
	"testing"

	"github.com/doyke/eztool/ep0"
	"github.com/doyke/eztool/usb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testDevice is an AN2131-flavored fixture: one configuration with an
// interrupt IN and a bulk OUT endpoint on alt 0, and a second alt setting
// carrying only the interrupt endpoint.
func testDevice(mps uint8) *usb.Descriptor {
	return &usb.Descriptor{
		Device: usb.DeviceDescriptor{
			BcdUSB:          0x0110,
			BMaxPacketSize0: mps,
			IDVendor:        0x0547,
			IDProduct:       0x2131,
			BcdDevice:       0x0001,
			IManufacturer:   1,
			IProduct:        2,
			ISerialNumber:   3,
		},
		Configurations: []usb.Configuration{
			{
				Value:      1,
				Attributes: usb.ConfigAttrSelfPowered,
				MaxPower:   50,
				Interfaces: []usb.InterfaceConfig{
					{
						Descriptor: usb.InterfaceDescriptor{BInterfaceNumber: 0, BAlternateSetting: 0, BInterfaceClass: 0xff},
						Endpoints: []usb.EndpointDescriptor{
							{BEndpointAddress: 0x81, BMAttributes: usb.EndpointAttrInterrupt, WMaxPacketSize: 8, BInterval: 10},
							{BEndpointAddress: 0x02, BMAttributes: usb.EndpointAttrBulk, WMaxPacketSize: 64},
						},
					},
					{
						Descriptor: usb.InterfaceDescriptor{BInterfaceNumber: 0, BAlternateSetting: 1, BInterfaceClass: 0xff},
						Endpoints: []usb.EndpointDescriptor{
							{BEndpointAddress: 0x81, BMAttributes: usb.EndpointAttrInterrupt, WMaxPacketSize: 8, BInterval: 10},
						},
					},
				},
			},
		},
		Strings: map[uint16]map[uint8]string{
			usb.LangIDEnglishUS: {1: "Cypress", 2: "EZ-USB", 3: "abc"},
		},
	}
}

func newTestDispatcher(mps uint8, handler ep0.ControlHandler) *ep0.Dispatcher {
	return ep0.New(ep0.NewStore(testDevice(mps)), ep0.NewDeviceState(), handler)
}

func setupEvent(req usb.SetupRequest) ep0.SetupReceived {
	return ep0.SetupReceived{Data: req.Bytes()}
}

// stripUnstall drops the unstall a dispatcher emits when a SETUP clears a
// latched stall, so helpers can treat both entry paths alike.
func stripUnstall(cmds []ep0.Command) []ep0.Command {
	if len(cmds) > 0 {
		if _, ok := cmds[0].(ep0.Unstall); ok {
			return cmds[1:]
		}
	}
	return cmds
}

// controlIn plays a full device-to-host control transfer including the
// status handshake and returns the received payload, or stalled=true.
func controlIn(t *testing.T, d *ep0.Dispatcher, req usb.SetupRequest) (payload []byte, stalled bool) {
	t.Helper()
	cmds := stripUnstall(d.HandleEvent(setupEvent(req)))
	require.Len(t, cmds, 1)
	if _, ok := cmds[0].(ep0.Stall); ok {
		require.Equal(t, ep0.StateStalled, d.State())
		return nil, true
	}
	for {
		sp, ok := cmds[0].(ep0.SendPacket)
		require.True(t, ok, "expected SendPacket, got %T", cmds[0])
		payload = append(payload, sp.Data...)
		cmds = d.HandleEvent(ep0.InPacketAcked{})
		require.Len(t, cmds, 1)
		if _, ok := cmds[0].(ep0.ArmStatusStage); ok {
			break
		}
	}
	require.Equal(t, ep0.StateAwaitingStatus, d.State())
	cmds = d.HandleEvent(ep0.OutPacketAvailable{})
	require.Len(t, cmds, 1)
	require.IsType(t, ep0.AcceptedOutPacket{}, cmds[0])
	require.Equal(t, ep0.StateIdle, d.State())
	return payload, false
}

// controlNoData plays a control transfer without a data stage.
func controlNoData(t *testing.T, d *ep0.Dispatcher, req usb.SetupRequest) (stalled bool) {
	t.Helper()
	cmds := stripUnstall(d.HandleEvent(setupEvent(req)))
	require.Len(t, cmds, 1)
	switch cmds[0].(type) {
	case ep0.Stall:
		require.Equal(t, ep0.StateStalled, d.State())
		return true
	case ep0.ArmStatusStage:
	default:
		t.Fatalf("expected ArmStatusStage or Stall, got %T", cmds[0])
	}
	require.Empty(t, d.HandleEvent(ep0.InPacketAcked{}))
	require.Equal(t, ep0.StateIdle, d.State())
	return false
}

// controlOut plays a host-to-device control transfer, feeding the payload
// in max-packet-size pieces.
func controlOut(t *testing.T, d *ep0.Dispatcher, req usb.SetupRequest, payload []byte) (stalled bool) {
	t.Helper()
	cmds := stripUnstall(d.HandleEvent(setupEvent(req)))
	if len(cmds) == 1 {
		if _, ok := cmds[0].(ep0.Stall); ok {
			return true
		}
	}
	require.Empty(t, cmds, "an OUT data stage arms without commands")
	require.Equal(t, ep0.StateAwaitingDataOut, d.State())

	mps := d.MaxPacketSize0()
	for off := 0; off < len(payload); off += mps {
		end := off + mps
		if end > len(payload) {
			end = len(payload)
		}
		cmds = d.HandleEvent(ep0.OutPacketAvailable{Data: payload[off:end]})
		require.NotEmpty(t, cmds)
		require.IsType(t, ep0.AcceptedOutPacket{}, cmds[0])
	}
	require.Len(t, cmds, 2, "final packet must close the data stage")
	if _, ok := cmds[1].(ep0.Stall); ok {
		require.Equal(t, ep0.StateStalled, d.State())
		return true
	}
	require.IsType(t, ep0.ArmStatusStage{}, cmds[1])
	require.Empty(t, d.HandleEvent(ep0.InPacketAcked{}))
	require.Equal(t, ep0.StateIdle, d.State())
	return false
}

func getDescriptor(typ, index uint8, lang, wLength uint16) usb.SetupRequest {
	return usb.NewSetupRequest(usb.DirectionIn, usb.ReqTypeStandard, usb.RecipientDevice,
		usb.ReqGetDescriptor, uint16(typ)<<8|uint16(index), lang, wLength)
}

func setConfiguration(v uint8) usb.SetupRequest {
	return usb.NewSetupRequest(usb.DirectionOut, usb.ReqTypeStandard, usb.RecipientDevice,
		usb.ReqSetConfiguration, uint16(v), 0, 0)
}

func getConfiguration() usb.SetupRequest {
	return usb.NewSetupRequest(usb.DirectionIn, usb.ReqTypeStandard, usb.RecipientDevice,
		usb.ReqGetConfiguration, 0, 0, 1)
}

func getStatus(rcpt usb.Recipient, index uint16) usb.SetupRequest {
	return usb.NewSetupRequest(usb.DirectionIn, usb.ReqTypeStandard, rcpt,
		usb.ReqGetStatus, 0, index, 2)
}

func setFeature(rcpt usb.Recipient, selector, index uint16) usb.SetupRequest {
	return usb.NewSetupRequest(usb.DirectionOut, usb.ReqTypeStandard, rcpt,
		usb.ReqSetFeature, selector, index, 0)
}

func clearFeature(rcpt usb.Recipient, selector, index uint16) usb.SetupRequest {
	return usb.NewSetupRequest(usb.DirectionOut, usb.ReqTypeStandard, rcpt,
		usb.ReqClearFeature, selector, index, 0)
}

func getInterface(num uint8) usb.SetupRequest {
	return usb.NewSetupRequest(usb.DirectionIn, usb.ReqTypeStandard, usb.RecipientInterface,
		usb.ReqGetInterface, 0, uint16(num), 1)
}

func setInterface(num, alt uint8) usb.SetupRequest {
	return usb.NewSetupRequest(usb.DirectionOut, usb.ReqTypeStandard, usb.RecipientInterface,
		usb.ReqSetInterface, uint16(alt), uint16(num), 0)
}

func TestEnumerationHappyPath(t *testing.T) {
	d := newTestDispatcher(64, nil)

	payload, stalled := controlIn(t, d, getDescriptor(usb.DeviceDescType, 0, 0, 18))
	require.False(t, stalled)
	assert.Equal(t, d.Store().Descriptor().Bytes(), payload)
	assert.Len(t, payload, usb.DeviceDescLen)
	assert.Equal(t, ep0.StateIdle, d.State())
	assert.NoError(t, d.StallCause())
}

func TestDescriptorZeroLengthTerminator(t *testing.T) {
	// string index 3 is "abc": a 2+2*3 = 8 byte descriptor, exactly one
	// max-size packet with more requested, so the host needs a zero-length
	// packet to see the end of the transfer
	d := newTestDispatcher(8, nil)

	cmds := d.HandleEvent(setupEvent(getDescriptor(usb.StringDescType, 3, uint16(usb.LangIDEnglishUS), 255)))
	require.Len(t, cmds, 1)
	sp, ok := cmds[0].(ep0.SendPacket)
	require.True(t, ok)
	assert.Len(t, sp.Data, 8)

	cmds = d.HandleEvent(ep0.InPacketAcked{})
	require.Len(t, cmds, 1)
	sp, ok = cmds[0].(ep0.SendPacket)
	require.True(t, ok, "expected zero-length terminator, got %T", cmds[0])
	assert.Empty(t, sp.Data)
	assert.Equal(t, ep0.StateSendingDataIn, d.State())

	cmds = d.HandleEvent(ep0.InPacketAcked{})
	require.Len(t, cmds, 1)
	assert.IsType(t, ep0.ArmStatusStage{}, cmds[0])
	assert.Equal(t, ep0.StateAwaitingStatus, d.State())
}

func TestNewSetupAbortsInFlightTransfer(t *testing.T) {
	d := newTestDispatcher(8, nil)

	// start a multi-packet configuration descriptor read
	cmds := d.HandleEvent(setupEvent(getDescriptor(usb.ConfigDescType, 0, 0, 255)))
	require.Len(t, cmds, 1)
	require.IsType(t, ep0.SendPacket{}, cmds[0])
	cmds = d.HandleEvent(ep0.InPacketAcked{})
	require.Len(t, cmds, 1)
	require.IsType(t, ep0.SendPacket{}, cmds[0])
	require.Equal(t, ep0.StateSendingDataIn, d.State())
	assert.NoError(t, d.AbortCause())

	// the host re-issues a SETUP before the transfer completes
	payload, stalled := controlIn(t, d, getConfiguration())
	require.False(t, stalled)
	assert.Equal(t, []byte{0}, payload, "second transfer must not see leftover bytes")
	assert.NoError(t, d.StallCause())
	assert.ErrorIs(t, d.AbortCause(), ep0.ErrTransferAborted)
}

func TestAbortCauseOnlyOnDiscard(t *testing.T) {
	d := newTestDispatcher(64, nil)

	// transfers that run to completion never record a discard
	_, stalled := controlIn(t, d, getDescriptor(usb.DeviceDescType, 0, 0, 18))
	require.False(t, stalled)
	require.False(t, controlNoData(t, d, setConfiguration(1)))
	assert.NoError(t, d.AbortCause())

	// a bus reset with a transfer in flight does
	cmds := d.HandleEvent(setupEvent(getDescriptor(usb.ConfigDescType, 0, 0, 255)))
	require.Len(t, cmds, 1)
	require.IsType(t, ep0.SendPacket{}, cmds[0])
	d.HandleEvent(ep0.BusReset{})
	assert.ErrorIs(t, d.AbortCause(), ep0.ErrTransferAborted)
}

func TestConfigurationSelection(t *testing.T) {
	d := newTestDispatcher(64, nil)

	payload, stalled := controlIn(t, d, getConfiguration())
	require.False(t, stalled)
	assert.Equal(t, []byte{0}, payload)

	require.False(t, controlNoData(t, d, setConfiguration(1)))
	payload, stalled = controlIn(t, d, getConfiguration())
	require.False(t, stalled)
	assert.Equal(t, []byte{1}, payload)

	// unknown value stalls and leaves the selection untouched
	require.True(t, controlNoData(t, d, setConfiguration(7)))
	assert.ErrorIs(t, d.StallCause(), ep0.ErrValueOutOfRange)
	payload, stalled = controlIn(t, d, getConfiguration())
	require.False(t, stalled)
	assert.Equal(t, []byte{1}, payload)

	// zero returns to the unconfigured state
	require.False(t, controlNoData(t, d, setConfiguration(0)))
	payload, stalled = controlIn(t, d, getConfiguration())
	require.False(t, stalled)
	assert.Equal(t, []byte{0}, payload)
}

func TestUnknownFeatureStalls(t *testing.T) {
	d := newTestDispatcher(64, nil)

	before := d.DeviceState().Snapshot()
	require.True(t, controlNoData(t, d, setFeature(usb.RecipientDevice, 99, 0)))
	assert.ErrorIs(t, d.StallCause(), ep0.ErrMalformedRequest)
	assert.Equal(t, before, d.DeviceState().Snapshot())
}

func TestEndpointHaltRoundTrip(t *testing.T) {
	d := newTestDispatcher(64, nil)
	require.False(t, controlNoData(t, d, setConfiguration(1)))

	require.False(t, controlNoData(t, d, setFeature(usb.RecipientEndpoint, usb.FeatureEndpointHalt, 0x81)))
	payload, stalled := controlIn(t, d, getStatus(usb.RecipientEndpoint, 0x81))
	require.False(t, stalled)
	assert.Equal(t, []byte{0x01, 0x00}, payload)

	require.False(t, controlNoData(t, d, clearFeature(usb.RecipientEndpoint, usb.FeatureEndpointHalt, 0x81)))
	payload, stalled = controlIn(t, d, getStatus(usb.RecipientEndpoint, 0x81))
	require.False(t, stalled)
	assert.Equal(t, []byte{0x00, 0x00}, payload)
}

func TestStallClearsOnNextSetup(t *testing.T) {
	d := newTestDispatcher(64, nil)

	_, stalled := controlIn(t, d, getDescriptor(usb.HubDescType, 0, 0, 9))
	require.True(t, stalled)
	assert.ErrorIs(t, d.StallCause(), ep0.ErrDescriptorNotFound)

	// the next SETUP clears the latched stall before anything else
	cmds := d.HandleEvent(setupEvent(getConfiguration()))
	require.Len(t, cmds, 2)
	assert.IsType(t, ep0.Unstall{}, cmds[0])
	assert.IsType(t, ep0.SendPacket{}, cmds[1])
	assert.NoError(t, d.StallCause())
}

func TestGetStatusDevice(t *testing.T) {
	d := newTestDispatcher(64, nil)

	// self-powered comes from the configuration attributes
	payload, stalled := controlIn(t, d, getStatus(usb.RecipientDevice, 0))
	require.False(t, stalled)
	assert.Equal(t, []byte{0x01, 0x00}, payload)

	require.False(t, controlNoData(t, d, setFeature(usb.RecipientDevice, usb.FeatureRemoteWakeup, 0)))
	payload, stalled = controlIn(t, d, getStatus(usb.RecipientDevice, 0))
	require.False(t, stalled)
	assert.Equal(t, []byte{0x03, 0x00}, payload)

	require.False(t, controlNoData(t, d, clearFeature(usb.RecipientDevice, usb.FeatureRemoteWakeup, 0)))
	payload, stalled = controlIn(t, d, getStatus(usb.RecipientDevice, 0))
	require.False(t, stalled)
	assert.Equal(t, []byte{0x01, 0x00}, payload)
}

func TestGetStatusInterface(t *testing.T) {
	d := newTestDispatcher(64, nil)

	// no interface exists while unconfigured
	_, stalled := controlIn(t, d, getStatus(usb.RecipientInterface, 0))
	require.True(t, stalled)
	assert.ErrorIs(t, d.StallCause(), ep0.ErrValueOutOfRange)

	require.False(t, controlNoData(t, d, setConfiguration(1)))
	payload, stalled := controlIn(t, d, getStatus(usb.RecipientInterface, 0))
	require.False(t, stalled)
	assert.Equal(t, []byte{0x00, 0x00}, payload)

	_, stalled = controlIn(t, d, getStatus(usb.RecipientInterface, 9))
	require.True(t, stalled)
}

func TestEndpointValidation(t *testing.T) {
	d := newTestDispatcher(64, nil)

	// EP0 is addressable in both directions even while unconfigured
	for _, ep := range []uint16{0x00, 0x80} {
		payload, stalled := controlIn(t, d, getStatus(usb.RecipientEndpoint, ep))
		require.False(t, stalled, "EP %#02x", ep)
		assert.Equal(t, []byte{0x00, 0x00}, payload)
	}

	// other endpoints only exist once their configuration is active
	require.True(t, controlNoData(t, d, setFeature(usb.RecipientEndpoint, usb.FeatureEndpointHalt, 0x81)))
	assert.ErrorIs(t, d.StallCause(), ep0.ErrValueOutOfRange)

	require.False(t, controlNoData(t, d, setConfiguration(1)))
	require.False(t, controlNoData(t, d, setFeature(usb.RecipientEndpoint, usb.FeatureEndpointHalt, 0x81)))

	_, stalled := controlIn(t, d, getStatus(usb.RecipientEndpoint, 0x83))
	require.True(t, stalled)
	assert.ErrorIs(t, d.StallCause(), ep0.ErrValueOutOfRange)
}

func TestInterfaceAltSettings(t *testing.T) {
	d := newTestDispatcher(64, nil)

	_, stalled := controlIn(t, d, getInterface(0))
	require.True(t, stalled, "GET_INTERFACE must stall while unconfigured")

	require.False(t, controlNoData(t, d, setConfiguration(1)))

	payload, stalled := controlIn(t, d, getInterface(0))
	require.False(t, stalled)
	assert.Equal(t, []byte{0}, payload)

	require.False(t, controlNoData(t, d, setInterface(0, 1)))
	payload, stalled = controlIn(t, d, getInterface(0))
	require.False(t, stalled)
	assert.Equal(t, []byte{1}, payload)

	// unknown alt setting and unknown interface both stall, leaving the
	// current selection alone
	require.True(t, controlNoData(t, d, setInterface(0, 9)))
	assert.ErrorIs(t, d.StallCause(), ep0.ErrValueOutOfRange)
	require.True(t, controlNoData(t, d, setInterface(5, 0)))

	payload, stalled = controlIn(t, d, getInterface(0))
	require.False(t, stalled)
	assert.Equal(t, []byte{1}, payload)

	// re-selecting the configuration resets alt settings
	require.False(t, controlNoData(t, d, setConfiguration(1)))
	payload, stalled = controlIn(t, d, getInterface(0))
	require.False(t, stalled)
	assert.Equal(t, []byte{0}, payload)
}

func TestSetConfigurationClearsHalts(t *testing.T) {
	d := newTestDispatcher(64, nil)
	require.False(t, controlNoData(t, d, setConfiguration(1)))
	require.False(t, controlNoData(t, d, setFeature(usb.RecipientEndpoint, usb.FeatureEndpointHalt, 0x02)))

	require.False(t, controlNoData(t, d, setConfiguration(1)))
	payload, stalled := controlIn(t, d, getStatus(usb.RecipientEndpoint, 0x02))
	require.False(t, stalled)
	assert.Equal(t, []byte{0x00, 0x00}, payload)
}

func TestSetAddressCompletesStatusStage(t *testing.T) {
	d := newTestDispatcher(64, nil)

	req := usb.NewSetupRequest(usb.DirectionOut, usb.ReqTypeStandard, usb.RecipientDevice,
		usb.ReqSetAddress, 5, 0, 0)
	require.False(t, controlNoData(t, d, req))
	assert.Equal(t, uint8(5), d.DeviceState().Address())
}

func TestSetDescriptorPolicy(t *testing.T) {
	d := newTestDispatcher(64, nil)

	replacement := usb.EncodeStringDescriptor("Anchor Chips")
	req := usb.NewSetupRequest(usb.DirectionOut, usb.ReqTypeStandard, usb.RecipientDevice,
		usb.ReqSetDescriptor, uint16(usb.StringDescType)<<8|1, 0, uint16(len(replacement)))

	// stalled by default
	require.True(t, controlOut(t, d, req, replacement))
	assert.ErrorIs(t, d.StallCause(), ep0.ErrMalformedRequest)

	d.AllowSetDescriptor(true)
	require.False(t, controlOut(t, d, req, replacement))

	payload, stalled := controlIn(t, d, getDescriptor(usb.StringDescType, 1, uint16(usb.LangIDEnglishUS), 255))
	require.False(t, stalled)
	assert.Equal(t, replacement, payload)

	// a SET_DESCRIPTOR with no payload has nothing to store
	empty := usb.NewSetupRequest(usb.DirectionOut, usb.ReqTypeStandard, usb.RecipientDevice,
		usb.ReqSetDescriptor, uint16(usb.StringDescType)<<8|1, 0, 0)
	require.True(t, controlNoData(t, d, empty))
}

type stubControlHandler struct {
	requests []usb.SetupRequest
	resp     ep0.ControlResponse
	err      error
}

func (h *stubControlHandler) HandleControl(req usb.SetupRequest) (ep0.ControlResponse, error) {
	h.requests = append(h.requests, req)
	return h.resp, h.err
}

func TestVendorRequestForwarding(t *testing.T) {
	h := &stubControlHandler{resp: ep0.ControlResponse{Data: []byte{0xde, 0xad, 0xbe, 0xef}}}
	d := newTestDispatcher(64, h)

	req := usb.NewSetupRequest(usb.DirectionIn, usb.ReqTypeVendor, usb.RecipientDevice,
		0xa0, 0x7f92, 0, 4)
	payload, stalled := controlIn(t, d, req)
	require.False(t, stalled)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, payload)

	require.Len(t, h.requests, 1)
	got := h.requests[0]
	assert.Equal(t, usb.ReqTypeVendor, got.Type())
	assert.Equal(t, uint8(0xa0), got.Request)
	assert.Equal(t, uint16(0x7f92), got.Value)
	assert.Equal(t, uint16(4), got.Length)
}

func TestVendorOutForwarding(t *testing.T) {
	var received []byte
	h := &stubControlHandler{}
	h.resp.Accept = func(data []byte) error {
		received = append([]byte(nil), data...)
		return nil
	}
	d := newTestDispatcher(8, h)

	payload := make([]byte, 20)
	for i := range payload {
		payload[i] = byte(0x10 + i)
	}
	req := usb.NewSetupRequest(usb.DirectionOut, usb.ReqTypeVendor, usb.RecipientDevice,
		0xa0, 0x1b40, 0, uint16(len(payload)))
	require.False(t, controlOut(t, d, req, payload))
	assert.Equal(t, payload, received)
}

func TestVendorOutWithoutAcceptorStalls(t *testing.T) {
	d := newTestDispatcher(64, &stubControlHandler{})

	req := usb.NewSetupRequest(usb.DirectionOut, usb.ReqTypeVendor, usb.RecipientDevice,
		0xa0, 0, 0, 8)
	require.True(t, controlOut(t, d, req, make([]byte, 8)))
	assert.ErrorIs(t, d.StallCause(), ep0.ErrMalformedRequest)
}

func TestHandlerErrorStalls(t *testing.T) {
	handlerErr := errors.New("firmware rejected block")
	h := &stubControlHandler{err: handlerErr}
	d := newTestDispatcher(64, h)

	req := usb.NewSetupRequest(usb.DirectionIn, usb.ReqTypeClass, usb.RecipientInterface,
		0x01, 0x0100, 0, 8)
	_, stalled := controlIn(t, d, req)
	require.True(t, stalled)
	assert.ErrorIs(t, d.StallCause(), handlerErr)
}

func TestAcceptorErrorStallsBeforeStatus(t *testing.T) {
	h := &stubControlHandler{}
	h.resp.Accept = func([]byte) error { return errors.New("bad checksum") }
	d := newTestDispatcher(64, h)

	req := usb.NewSetupRequest(usb.DirectionOut, usb.ReqTypeVendor, usb.RecipientDevice,
		0xa0, 0, 0, 4)
	require.True(t, controlOut(t, d, req, []byte{1, 2, 3, 4}))
}

func TestBusResetRestoresDefaults(t *testing.T) {
	d := newTestDispatcher(8, nil)
	require.False(t, controlNoData(t, d, setConfiguration(1)))
	require.False(t, controlNoData(t, d, setInterface(0, 1)))
	require.False(t, controlNoData(t, d, setFeature(usb.RecipientEndpoint, usb.FeatureEndpointHalt, 0x02)))
	require.False(t, controlNoData(t, d, setFeature(usb.RecipientDevice, usb.FeatureRemoteWakeup, 0)))

	snap := d.DeviceState().Snapshot()
	assert.Equal(t, uint8(1), snap.ConfigurationValue)
	assert.Equal(t, map[uint8]uint8{0: 1}, snap.AltSettings)
	assert.Equal(t, []uint8{0x02}, snap.HaltedEndpoints)
	assert.True(t, snap.RemoteWakeupEnabled)

	// reset in the middle of a transfer
	cmds := d.HandleEvent(setupEvent(getDescriptor(usb.ConfigDescType, 0, 0, 255)))
	require.Len(t, cmds, 1)
	require.IsType(t, ep0.SendPacket{}, cmds[0])

	assert.Empty(t, d.HandleEvent(ep0.BusReset{}))
	assert.Equal(t, ep0.StateIdle, d.State())
	assert.NoError(t, d.StallCause())

	snap = d.DeviceState().Snapshot()
	assert.Equal(t, uint8(0), snap.ConfigurationValue)
	assert.Empty(t, snap.AltSettings)
	assert.Empty(t, snap.HaltedEndpoints)
	assert.False(t, snap.RemoteWakeupEnabled)

	payload, stalled := controlIn(t, d, getConfiguration())
	require.False(t, stalled)
	assert.Equal(t, []byte{0}, payload)
}

func TestHostTruncatesInTransfer(t *testing.T) {
	d := newTestDispatcher(8, nil)

	cmds := d.HandleEvent(setupEvent(getDescriptor(usb.ConfigDescType, 0, 0, 255)))
	require.Len(t, cmds, 1)
	require.IsType(t, ep0.SendPacket{}, cmds[0])

	// the host can end the data stage early by starting the status stage
	cmds = d.HandleEvent(ep0.OutPacketAvailable{})
	require.Len(t, cmds, 1)
	assert.IsType(t, ep0.AcceptedOutPacket{}, cmds[0])
	assert.Equal(t, ep0.StateIdle, d.State())

	payload, stalled := controlIn(t, d, getConfiguration())
	require.False(t, stalled)
	assert.Equal(t, []byte{0}, payload)
}

func TestRejectMatrix(t *testing.T) {

	type testCase struct {
		name      string
		req       usb.SetupRequest
		handler   ep0.ControlHandler
		wantCause error
	}

	cases := []testCase{
		{
			name:      "reserved request type",
			req:       usb.NewSetupRequest(usb.DirectionIn, usb.ReqTypeReserved, usb.RecipientDevice, 0x00, 0, 0, 2),
			wantCause: ep0.ErrMalformedRequest,
		},
		{
			name:      "unknown standard request code",
			req:       usb.NewSetupRequest(usb.DirectionOut, usb.ReqTypeStandard, usb.RecipientDevice, 0x0d, 0, 0, 0),
			wantCause: ep0.ErrMalformedRequest,
		},
		{
			name:      "GET_STATUS with wrong direction",
			req:       usb.NewSetupRequest(usb.DirectionOut, usb.ReqTypeStandard, usb.RecipientDevice, usb.ReqGetStatus, 0, 0, 0),
			wantCause: ep0.ErrMalformedRequest,
		},
		{
			name:      "GET_DESCRIPTOR unknown type",
			req:       getDescriptor(usb.HubDescType, 0, 0, 9),
			wantCause: ep0.ErrDescriptorNotFound,
		},
		{
			name:      "GET_DESCRIPTOR endpoint recipient",
			req:       usb.NewSetupRequest(usb.DirectionIn, usb.ReqTypeStandard, usb.RecipientEndpoint, usb.ReqGetDescriptor, uint16(usb.DeviceDescType)<<8, 0, 18),
			wantCause: ep0.ErrMalformedRequest,
		},
		{
			name:      "GET_CONFIGURATION interface recipient",
			req:       usb.NewSetupRequest(usb.DirectionIn, usb.ReqTypeStandard, usb.RecipientInterface, usb.ReqGetConfiguration, 0, 0, 1),
			wantCause: ep0.ErrMalformedRequest,
		},
		{
			name:      "SET_CONFIGURATION unknown value",
			req:       setConfiguration(9),
			wantCause: ep0.ErrValueOutOfRange,
		},
		{
			name:      "SYNCH_FRAME unsupported",
			req:       usb.NewSetupRequest(usb.DirectionIn, usb.ReqTypeStandard, usb.RecipientEndpoint, usb.ReqSynchFrame, 0, 0x81, 2),
			wantCause: ep0.ErrMalformedRequest,
		},
		{
			name:      "class request without handler",
			req:       usb.NewSetupRequest(usb.DirectionIn, usb.ReqTypeClass, usb.RecipientInterface, 0x01, 0, 0, 8),
			wantCause: ep0.ErrMalformedRequest,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := newTestDispatcher(64, tc.handler)
			cmds := d.HandleEvent(setupEvent(tc.req))
			require.Len(t, cmds, 1)
			assert.IsType(t, ep0.Stall{}, cmds[0])
			assert.Equal(t, ep0.StateStalled, d.State())
			assert.ErrorIs(t, d.StallCause(), tc.wantCause)
		})
	}
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "idle", ep0.StateIdle.String())
	assert.Equal(t, "awaiting-data-out", ep0.StateAwaitingDataOut.String())
	assert.Equal(t, "sending-data-in", ep0.StateSendingDataIn.String())
	assert.Equal(t, "awaiting-status", ep0.StateAwaitingStatus.String())
	assert.Equal(t, "stalled", ep0.StateStalled.String())
}
