package ezusb

// AN2131 memory map and identity.
const (
	// VendorReqFirmwareLoad is the Anchor "Firmware Load" vendor request
	// (0xA0). wValue addresses internal RAM; the data stage moves bytes in
	// the direction of the request.
	VendorReqFirmwareLoad = 0xa0

	// CPUCSRegister is the CPU control/status register, reachable through
	// the same 0xA0 request. Bit 0 holds the 8051 core in reset while the
	// host downloads firmware; clearing it lets the new firmware run.
	CPUCSRegister = 0x7f92

	// RAMSize is the internal program/data RAM of the AN2131.
	RAMSize = 0x2000

	// DefaultVendorID and DefaultProductID identify the unprogrammed boot
	// device.
	DefaultVendorID  = 0x0547
	DefaultProductID = 0x2131

	// EP2 bulk pair used as the data path.
	BulkOutEndpoint = 0x02
	BulkInEndpoint  = 0x82
)

// cpuHoldBit is CPUCS bit 0: 8051 reset hold.
const cpuHoldBit = 0x01

// maxQueuedInFrames bounds the EP2 IN queue; the oldest frame is dropped
// once the host stops polling.
const maxQueuedInFrames = 1024
