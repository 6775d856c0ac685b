package usb

// Standard device request codes (USB 1.1 table 9-4).
const (
	ReqGetStatus        = 0x00
	ReqClearFeature     = 0x01
	ReqSetFeature       = 0x03
	ReqSetAddress       = 0x05
	ReqGetDescriptor    = 0x06
	ReqSetDescriptor    = 0x07
	ReqGetConfiguration = 0x08
	ReqSetConfiguration = 0x09
	ReqGetInterface     = 0x0a
	ReqSetInterface     = 0x0b
	ReqSynchFrame       = 0x0c
)

// Feature selectors for SET_FEATURE / CLEAR_FEATURE.
const (
	FeatureEndpointHalt = 0x00 // recipient: endpoint
	FeatureRemoteWakeup = 0x01 // recipient: device
)

// Additional descriptor types beyond the core set in usbdesc.go.
const (
	StringDescType   = 0x03
	PhysicalDescType = 0x23
	HubDescType      = 0x29
)

// Configuration descriptor bmAttributes bits. Bit 7 is reserved and must be set.
const (
	ConfigAttrReserved     = 0x80
	ConfigAttrSelfPowered  = 0x40
	ConfigAttrRemoteWakeup = 0x20
)

// Endpoint address and attribute masks.
const (
	EndpointNumMask  = 0x0f
	EndpointDirMask  = 0x80
	EndpointAttrMask = 0x03

	EndpointAttrControl     = 0x00
	EndpointAttrIsochronous = 0x01
	EndpointAttrBulk        = 0x02
	EndpointAttrInterrupt   = 0x03
)

// USB language identifiers (primary | sublang<<10).
const (
	LangIDEnglishUS = 0x0409
	LangIDGerman    = 0x0407
)

var requestNames = map[uint8]string{
	ReqGetStatus:        "GET_STATUS",
	ReqClearFeature:     "CLEAR_FEATURE",
	ReqSetFeature:       "SET_FEATURE",
	ReqSetAddress:       "SET_ADDRESS",
	ReqGetDescriptor:    "GET_DESCRIPTOR",
	ReqSetDescriptor:    "SET_DESCRIPTOR",
	ReqGetConfiguration: "GET_CONFIGURATION",
	ReqSetConfiguration: "SET_CONFIGURATION",
	ReqGetInterface:     "GET_INTERFACE",
	ReqSetInterface:     "SET_INTERFACE",
	ReqSynchFrame:       "SYNCH_FRAME",
}

// RequestName returns the human-readable name of a standard request code,
// or a hex rendering for codes outside the standard set.
func RequestName(code uint8) string {
	if n, ok := requestNames[code]; ok {
		return n
	}
	return hexByte(code)
}

var descriptorTypeNames = map[uint8]string{
	DeviceDescType:    "DEVICE",
	ConfigDescType:    "CONFIGURATION",
	StringDescType:    "STRING",
	InterfaceDescType: "INTERFACE",
	EndpointDescType:  "ENDPOINT",
	HIDDescType:       "HID",
	ReportDescType:    "REPORT",
	PhysicalDescType:  "PHYSICAL",
	HubDescType:       "HUB",
}

// DescriptorTypeName returns the human-readable name of a descriptor type,
// or a hex rendering for unknown types.
func DescriptorTypeName(t uint8) string {
	if n, ok := descriptorTypeNames[t]; ok {
		return n
	}
	return hexByte(t)
}
