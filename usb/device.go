package usb

// Device is the minimal interface a virtual device must implement.
// It only handles non-EP0 (bulk/interrupt) transfers; EP0 traffic is driven
// by the control-transfer dispatcher, which consults GetDescriptor for the
// static descriptor set. Devices that answer class or vendor control
// requests additionally implement ep0.ControlHandler.
type Device interface {
	// HandleTransfer processes a non-EP0 transfer.
	// ep is the endpoint number (without direction bit). dir is usbip.DirIn
	// or usbip.DirOut. For IN transfers, return the payload to send; for
	// OUT, consume out and return nil.
	HandleTransfer(ep uint32, dir uint32, out []byte) []byte
	GetDescriptor() *Descriptor
}
