package usb

import (
	"github.com/doyke/eztool/ep0"
	"github.com/doyke/eztool/usb"
)

// runControlTransfer plays one EP0 URB against the device's control
// dispatcher. USB/IP hands the server whole transfers, so the adapter
// stands in for both host and hardware: every SendPacket is implicitly
// acked, OUT payloads arrive in maxPacketSize0 chunks, and the status
// handshake is completed synchronously after ArmStatusStage so the machine
// is Idle again before the next URB.
//
// The assembled IN payload is returned for device-to-host requests;
// stalled reports a protocol stall the caller maps to an EPIPE URB status.
func runControlTransfer(disp *ep0.Dispatcher, setup [8]byte, out []byte) (in []byte, stalled bool) {
	req := usb.DecodeSetup(setup)
	cmds := disp.HandleEvent(ep0.SetupReceived{Data: setup})
	pending := out
	mps := disp.MaxPacketSize0()

	for {
		for _, cmd := range cmds {
			switch c := cmd.(type) {
			case ep0.SendPacket:
				in = append(in, c.Data...)
			case ep0.Stall:
				return nil, true
			case ep0.ArmStatusStage:
				// IN transfers complete with the host's zero-length OUT;
				// everything else with the host reading a zero-length IN.
				if req.IsDeviceToHost() && req.Length > 0 {
					disp.HandleEvent(ep0.OutPacketAvailable{})
				} else {
					disp.HandleEvent(ep0.InPacketAcked{})
				}
				return in, false
			}
			// Unstall and AcceptedOutPacket are hardware bookkeeping
		}

		switch disp.State() {
		case ep0.StateSendingDataIn:
			cmds = disp.HandleEvent(ep0.InPacketAcked{})
		case ep0.StateAwaitingDataOut:
			chunk := pending
			if len(chunk) > mps {
				chunk = chunk[:mps]
			}
			pending = pending[len(chunk):]
			cmds = disp.HandleEvent(ep0.OutPacketAvailable{Data: chunk})
		default:
			return in, false
		}
	}
}
