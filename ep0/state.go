package ep0

import (
	"sort"
	"sync"
)

// DeviceState is the single source of truth for a device's mutable
// enumeration state: the selected configuration, per-interface alternate
// settings, halted endpoints, the remote-wakeup flag and the bus address.
// It is mutated only on the dispatcher's event path; the lock exists for
// concurrent readers (the management API snapshots live state while URB
// traffic is flowing).
type DeviceState struct {
	mu           sync.RWMutex
	configValue  uint8
	altSettings  map[uint8]uint8
	halted       map[uint8]bool
	remoteWakeup bool
	address      uint8
}

// NewDeviceState returns device state in the unconfigured default.
func NewDeviceState() *DeviceState {
	return &DeviceState{
		altSettings: make(map[uint8]uint8),
		halted:      make(map[uint8]bool),
	}
}

// ConfigurationValue returns the selected bConfigurationValue, 0 when
// unconfigured.
func (s *DeviceState) ConfigurationValue() uint8 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.configValue
}

// AltSetting returns the current alternate setting of an interface,
// defaulting to 0.
func (s *DeviceState) AltSetting(iface uint8) uint8 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.altSettings[iface]
}

// IsHalted reports whether the endpoint address is halted.
func (s *DeviceState) IsHalted(ep uint8) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.halted[ep]
}

// RemoteWakeupEnabled reports the DEVICE_REMOTE_WAKEUP feature state.
func (s *DeviceState) RemoteWakeupEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.remoteWakeup
}

// Address returns the bus address recorded from SET_ADDRESS. Addressing is
// owned by the USB core; this value exists for diagnostics.
func (s *DeviceState) Address() uint8 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.address
}

// Reset returns all state to the unconfigured post-reset default.
func (s *DeviceState) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configValue = 0
	s.altSettings = make(map[uint8]uint8)
	s.halted = make(map[uint8]bool)
	s.remoteWakeup = false
	s.address = 0
}

func (s *DeviceState) setConfiguration(v uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configValue = v
	// selecting a configuration resets alt settings and clears halts
	s.altSettings = make(map[uint8]uint8)
	s.halted = make(map[uint8]bool)
}

func (s *DeviceState) setAltSetting(iface, alt uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.altSettings[iface] = alt
}

func (s *DeviceState) setHalted(ep uint8, halted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if halted {
		s.halted[ep] = true
	} else {
		delete(s.halted, ep)
	}
}

func (s *DeviceState) setRemoteWakeup(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remoteWakeup = enabled
}

func (s *DeviceState) setAddress(addr uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.address = addr
}

// StateSnapshot is a point-in-time copy of DeviceState, shaped for
// diagnostics and the management API.
type StateSnapshot struct {
	ConfigurationValue  uint8           `json:"configurationValue"`
	Address             uint8           `json:"address"`
	AltSettings         map[uint8]uint8 `json:"altSettings"`
	HaltedEndpoints     []uint8         `json:"haltedEndpoints"`
	RemoteWakeupEnabled bool            `json:"remoteWakeupEnabled"`
}

// Snapshot returns a consistent copy of the current state. Halted endpoints
// are sorted for stable output.
func (s *DeviceState) Snapshot() StateSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := StateSnapshot{
		ConfigurationValue:  s.configValue,
		Address:             s.address,
		AltSettings:         make(map[uint8]uint8, len(s.altSettings)),
		RemoteWakeupEnabled: s.remoteWakeup,
	}
	for k, v := range s.altSettings {
		snap.AltSettings[k] = v
	}
	for ep := range s.halted {
		snap.HaltedEndpoints = append(snap.HaltedEndpoints, ep)
	}
	sort.Slice(snap.HaltedEndpoints, func(i, j int) bool {
		return snap.HaltedEndpoints[i] < snap.HaltedEndpoints[j]
	})
	return snap
}
