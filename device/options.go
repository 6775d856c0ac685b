package device

// CreateOptions carries per-instance overrides applied when a device
// profile is instantiated through the registry. Nil pointer fields keep
// the profile's defaults.
type CreateOptions struct {
	IdVendor  *uint16
	IdProduct *uint16

	// Profile selects a named descriptor profile for device types that
	// load their descriptor set from configuration files rather than
	// compiled-in defaults.
	Profile string
}
