package ep0

import (
	"sync"

	"github.com/doyke/eztool/usb"
)

type descKey struct {
	typ   uint8
	index uint8
}

// Store resolves GET_DESCRIPTOR lookups against a device's static
// descriptor set. It is populated once from a usb.Descriptor (plus any
// explicitly registered class blobs) and read-only afterwards; the only
// mutation path is SetDescriptor, which the dispatcher exposes through the
// SET_DESCRIPTOR policy and which shadows the built descriptors in an
// overlay.
type Store struct {
	desc    *usb.Descriptor
	device  []byte
	configs [][]byte
	values  map[uint8]bool
	langs   []uint16
	strings map[uint16]map[uint8][]byte
	extra   map[descKey][]byte

	mu      sync.RWMutex
	overlay map[descKey][]byte
}

// NewStore builds a Store from the device's descriptor set. Interface
// report and class descriptors found in the configuration are registered
// under the owning interface number, so standard interface-recipient
// GET_DESCRIPTOR requests resolve.
func NewStore(desc *usb.Descriptor) *Store {
	s := &Store{
		desc:    desc,
		device:  desc.Bytes(),
		values:  make(map[uint8]bool),
		langs:   desc.LangIDs(),
		strings: make(map[uint16]map[uint8][]byte),
		extra:   make(map[descKey][]byte),
		overlay: make(map[descKey][]byte),
	}
	for _, cfg := range desc.Configurations {
		s.configs = append(s.configs, cfg.Bytes())
		s.values[cfg.Value] = true
		for _, ic := range cfg.Interfaces {
			num := ic.Descriptor.BInterfaceNumber
			if len(ic.ReportDescriptor) > 0 {
				s.extra[descKey{usb.ReportDescType, num}] = ic.ReportDescriptor
			}
			// keyed by bDescriptorType (byte 1); a blob without a full
			// header cannot be served
			if len(ic.ClassDescriptor) >= 2 {
				s.extra[descKey{ic.ClassDescriptor[1], num}] = ic.ClassDescriptor
			}
		}
	}
	for lang, table := range desc.Strings {
		enc := make(map[uint8][]byte, len(table))
		for idx, v := range table {
			enc[idx] = usb.EncodeStringDescriptor(v)
		}
		s.strings[lang] = enc
	}
	return s
}

// Register adds a descriptor blob under (type, index), e.g. hub or physical
// descriptors a profile wants served. Call before the store is handed to a
// dispatcher.
func (s *Store) Register(typ, index uint8, data []byte) {
	s.extra[descKey{typ, index}] = data
}

// Lookup resolves a descriptor by type, index and, for string descriptors,
// language ID. String index 0 returns the language-ID list; lang 0 selects
// the first supported language. Every miss is an explicit
// ErrDescriptorNotFound, never wrong data.
func (s *Store) Lookup(typ, index uint8, lang uint16) ([]byte, error) {
	s.mu.RLock()
	if b, ok := s.overlay[descKey{typ, index}]; ok {
		s.mu.RUnlock()
		return b, nil
	}
	s.mu.RUnlock()

	switch typ {
	case usb.DeviceDescType:
		if index == 0 {
			return s.device, nil
		}
	case usb.ConfigDescType:
		if int(index) < len(s.configs) {
			return s.configs[index], nil
		}
	case usb.StringDescType:
		if len(s.langs) == 0 {
			break
		}
		if index == 0 {
			return usb.EncodeLangListDescriptor(s.langs), nil
		}
		if lang == 0 {
			lang = s.langs[0]
		}
		if table, ok := s.strings[lang]; ok {
			if b, ok := table[index]; ok {
				return b, nil
			}
		}
	default:
		if b, ok := s.extra[descKey{typ, index}]; ok {
			return b, nil
		}
	}
	return nil, ErrDescriptorNotFound
}

// SetDescriptor replaces a descriptor in the overlay. Only reachable when
// the dispatcher's SET_DESCRIPTOR policy allows it.
func (s *Store) SetDescriptor(typ, index uint8, data []byte) error {
	if len(data) == 0 {
		return ErrMalformedRequest
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.mu.Lock()
	s.overlay[descKey{typ, index}] = cp
	s.mu.Unlock()
	return nil
}

// HasConfigValue reports whether v is a bConfigurationValue of this device.
func (s *Store) HasConfigValue(v uint8) bool { return s.values[v] }

// Config returns the configuration with the given value, or nil.
func (s *Store) Config(v uint8) *usb.Configuration { return s.desc.Configuration(v) }

// Descriptor returns the device's static descriptor set.
func (s *Store) Descriptor() *usb.Descriptor { return s.desc }

// MaxPacketSize0 returns the EP0 max packet size, defaulting to the USB 1.1
// minimum of 8 when the profile left it unset.
func (s *Store) MaxPacketSize0() int {
	if s.desc.Device.BMaxPacketSize0 == 0 {
		return 8
	}
	return int(s.desc.Device.BMaxPacketSize0)
}
