package custom_test

import (
	"bytes"
	"testing"

	"github.com/doyke/eztool/device/custom"
	"github.com/doyke/eztool/usb"
	"github.com/doyke/eztool/usbip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mouseProfile = `
name: demo-mouse
allowSetDescriptor: true
device:
  usbVersion: 0x0110
  maxPacketSize0: 8
  vendorId: 0x046d
  productId: 0xc077
  deviceVersion: 0x0100
  manufacturer: 1
  product: 2
  speed: low
configurations:
  - value: 1
    remoteWakeup: true
    maxPowerMilliamps: 100
    interfaces:
      - number: 0
        class: 3
        subClass: 1
        protocol: 2
        classDescriptor: "092111010001221200"
        reportDescriptor: "05010902a1010901a100950575018101c0c0"
        endpoints:
          - address: 0x81
            type: interrupt
            maxPacketSize: 8
            interval: 10
strings:
  - language: 0x0409
    values:
      1: "Example Labs"
      2: "Demo Mouse"
`

func TestParseProfile(t *testing.T) {
	p, err := custom.Parse([]byte(mouseProfile))
	require.NoError(t, err)
	assert.Equal(t, "demo-mouse", p.Name)
	assert.True(t, p.AllowSetDescriptor)

	desc, err := p.Descriptor()
	require.NoError(t, err)

	assert.Equal(t, uint16(0x046d), desc.Device.IDVendor)
	assert.Equal(t, uint16(0xc077), desc.Device.IDProduct)
	assert.Equal(t, uint8(8), desc.Device.BMaxPacketSize0)
	assert.Equal(t, uint32(usbip.SpeedLow), desc.Device.Speed)

	require.Len(t, desc.Configurations, 1)
	cfg := desc.Configurations[0]
	assert.Equal(t, uint8(1), cfg.Value)
	assert.Equal(t, uint8(usb.ConfigAttrRemoteWakeup), cfg.Attributes)
	assert.Equal(t, uint8(50), cfg.MaxPower, "100 mA in 2 mA units")
	require.Len(t, cfg.Interfaces, 1)
	assert.Equal(t, uint8(3), cfg.Interfaces[0].Descriptor.BInterfaceClass)
	assert.Len(t, cfg.Interfaces[0].ClassDescriptor, 9)
	assert.Len(t, cfg.Interfaces[0].ReportDescriptor, 18)

	// config header + interface + HID class descriptor + one endpoint
	raw := cfg.Bytes()
	assert.Len(t, raw, 9+9+9+7)
	assert.True(t, bytes.Contains(raw, cfg.Interfaces[0].ClassDescriptor))

	assert.Equal(t, "Demo Mouse", desc.Strings[usb.LangIDEnglishUS][2])
}

func TestProfileDefaults(t *testing.T) {
	p, err := custom.Parse([]byte(`
configurations:
  - value: 1
    interfaces:
      - number: 0
`))
	require.NoError(t, err)
	desc, err := p.Descriptor()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0110), desc.Device.BcdUSB)
	assert.Equal(t, uint8(8), desc.Device.BMaxPacketSize0)
	assert.Equal(t, uint32(usbip.SpeedFull), desc.Device.Speed)
}

func TestProfileValidation(t *testing.T) {
	type testCase struct {
		name    string
		yaml    string
		wantErr string
	}

	cases := []testCase{
		{
			name:    "no configurations",
			yaml:    `name: x`,
			wantErr: "no configurations",
		},
		{
			name: "configuration value zero",
			yaml: `
configurations:
  - value: 0
    interfaces: [{number: 0}]
`,
			wantErr: "value 0 is reserved",
		},
		{
			name: "duplicate configuration value",
			yaml: `
configurations:
  - value: 1
    interfaces: [{number: 0}]
  - value: 1
    interfaces: [{number: 0}]
`,
			wantErr: "declared twice",
		},
		{
			name: "no interfaces",
			yaml: `
configurations:
  - value: 1
`,
			wantErr: "no interfaces",
		},
		{
			name: "bad speed",
			yaml: `
device: {speed: warp}
configurations:
  - value: 1
    interfaces: [{number: 0}]
`,
			wantErr: `speed "warp"`,
		},
		{
			name: "bad packet size",
			yaml: `
device: {maxPacketSize0: 48}
configurations:
  - value: 1
    interfaces: [{number: 0}]
`,
			wantErr: "must be 8, 16, 32 or 64",
		},
		{
			name: "power beyond descriptor limit",
			yaml: `
configurations:
  - value: 1
    maxPowerMilliamps: 600
    interfaces: [{number: 0}]
`,
			wantErr: "510 mA",
		},
		{
			name: "endpoint zero in configuration",
			yaml: `
configurations:
  - value: 1
    interfaces:
      - number: 0
        endpoints: [{address: 0x80, type: bulk}]
`,
			wantErr: "endpoint 0 cannot appear",
		},
		{
			name: "bad endpoint type",
			yaml: `
configurations:
  - value: 1
    interfaces:
      - number: 0
        endpoints: [{address: 0x81, type: jumbo}]
`,
			wantErr: `type "jumbo"`,
		},
		{
			name: "class descriptor shorter than a header",
			yaml: `
configurations:
  - value: 1
    interfaces:
      - number: 0
        classDescriptor: "09"
`,
			wantErr: "bLength and bDescriptorType",
		},
		{
			name: "bad report descriptor hex",
			yaml: `
configurations:
  - value: 1
    interfaces:
      - number: 0
        reportDescriptor: "zz"
`,
			wantErr: "reportDescriptor",
		},
		{
			name: "duplicate language",
			yaml: `
configurations:
  - value: 1
    interfaces: [{number: 0}]
strings:
  - language: 0x0409
    values: {1: "a"}
  - language: 0x0409
    values: {1: "b"}
`,
			wantErr: "language 0x0409 declared twice",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := custom.Parse([]byte(tc.yaml))
			require.NoError(t, err)
			_, err = p.Descriptor()
			assert.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestParseRejectsBadYAML(t *testing.T) {
	_, err := custom.Parse([]byte("configurations: {not: a list"))
	assert.Error(t, err)
}
