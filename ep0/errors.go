package ep0

import "errors"

// Control-transfer error taxonomy. All of these resolve to a protocol-level
// stall on EP0; none are fatal to the device.
var (
	// ErrMalformedRequest means a request decoded syntactically but has no
	// valid semantic handler (unknown request code, bad type/recipient
	// combination, unknown feature selector).
	ErrMalformedRequest = errors.New("ep0: malformed request")

	// ErrDescriptorNotFound means a GET_DESCRIPTOR key resolved to nothing.
	ErrDescriptorNotFound = errors.New("ep0: descriptor not found")

	// ErrValueOutOfRange means a configuration, interface, alt-setting or
	// endpoint value is not part of the device's descriptor set.
	ErrValueOutOfRange = errors.New("ep0: value out of range")

	// ErrTransferAborted marks a transfer superseded by a new SETUP packet
	// or a bus reset. It is an expected operating condition, never
	// surfaced to the host.
	ErrTransferAborted = errors.New("ep0: transfer aborted")
)
