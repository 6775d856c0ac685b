package ep0

// Event is a notification from the hardware layer (or its stand-in, such as
// the USB/IP URB adapter) that drives the dispatcher. Events are handled
// strictly one at a time; the dispatcher runs each to completion before the
// next is delivered.
type Event interface{ isEvent() }

// SetupReceived carries the raw 8-byte SETUP packet of a new control
// transfer. Its arrival aborts whatever transfer was in flight.
type SetupReceived struct{ Data [8]byte }

// InPacketAcked signals that the host consumed the IN packet most recently
// handed to the hardware.
type InPacketAcked struct{}

// OutPacketAvailable carries an OUT data packet from the host. An empty
// payload during the status phase is the host's status-stage handshake.
type OutPacketAvailable struct{ Data []byte }

// BusReset signals a USB bus reset: all transfer and device state returns
// to defaults.
type BusReset struct{}

func (SetupReceived) isEvent()      {}
func (InPacketAcked) isEvent()      {}
func (OutPacketAvailable) isEvent() {}
func (BusReset) isEvent()           {}

// Command instructs the hardware layer. Commands are emitted in order and
// must be executed in order.
type Command interface{ isCommand() }

// SendPacket hands one IN packet (possibly zero-length) to the hardware.
type SendPacket struct{ Data []byte }

// AcceptedOutPacket acknowledges the most recent OUT packet so the hardware
// can re-arm its receive buffer.
type AcceptedOutPacket struct{}

// Stall latches a protocol stall on EP0. It is transaction-scoped: the next
// SETUP clears it.
type Stall struct{}

// Unstall clears a latched EP0 stall.
type Unstall struct{}

// ArmStatusStage tells the hardware the data stage (if any) is complete and
// the status handshake may proceed.
type ArmStatusStage struct{}

func (SendPacket) isCommand()        {}
func (AcceptedOutPacket) isCommand() {}
func (Stall) isCommand()             {}
func (Unstall) isCommand()           {}
func (ArmStatusStage) isCommand()    {}
