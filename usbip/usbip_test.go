package usbip_test

import (
	"bytes"
	"testing"

	"github.com/doyke/eztool/usbip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCmdSubmitWireLayout(t *testing.T) {
	c := usbip.CmdSubmit{
		Basic: usbip.HeaderBasic{
			Command: usbip.CmdSubmitCode,
			Seqnum:  0x000000a5,
			Devid:   0x00010002,
			Dir:     usbip.DirIn,
			Ep:      0,
		},
		TransferBufferLen: 18,
		Setup:             [8]byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00},
	}

	var buf bytes.Buffer
	require.NoError(t, c.Write(&buf))
	require.Equal(t, usbip.URBHeaderLen, buf.Len())

	want := []byte{
		0x00, 0x00, 0x00, 0x01, // command
		0x00, 0x00, 0x00, 0xa5, // seqnum
		0x00, 0x01, 0x00, 0x02, // devid
		0x00, 0x00, 0x00, 0x01, // direction
		0x00, 0x00, 0x00, 0x00, // ep
		0x00, 0x00, 0x00, 0x00, // transfer flags
		0x00, 0x00, 0x00, 0x12, // transfer buffer length
		0x00, 0x00, 0x00, 0x00, // start frame
		0x00, 0x00, 0x00, 0x00, // number of packets
		0x00, 0x00, 0x00, 0x00, // interval
		0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00, // setup
	}
	assert.Equal(t, want, buf.Bytes())

	hdr, err := usbip.ReadURBHeader(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(usbip.CmdSubmitCode), hdr.Command())
	assert.Equal(t, c, usbip.DecodeCmdSubmit(hdr))
}

func TestRetSubmitStallStatus(t *testing.T) {
	r := usbip.RetSubmit{
		Basic:  usbip.HeaderBasic{Command: usbip.RetSubmitCode, Seqnum: 7},
		Status: usbip.StatusEPipe,
	}
	var buf bytes.Buffer
	require.NoError(t, r.Write(&buf))

	// -EPIPE on the wire is the two's complement big-endian form
	assert.Equal(t, []byte{0xff, 0xff, 0xff, 0xe0}, buf.Bytes()[20:24])

	hdr, err := usbip.ReadURBHeader(&buf)
	require.NoError(t, err)
	got := usbip.DecodeRetSubmit(hdr)
	assert.Equal(t, int32(-32), got.Status)
	assert.Equal(t, uint32(7), got.Basic.Seqnum)
}

func TestNewExportMeta(t *testing.T) {
	m := usbip.NewExportMeta(1, 3)
	assert.Equal(t, "1-3", m.BusDevID())
	assert.Equal(t, uint32(1), m.BusId)
	assert.Equal(t, uint32(1<<16|3), m.DevId)
	assert.Equal(t, uint32(3), m.DevNum())
	assert.Equal(t, byte(0), m.USBBusId[3], "busid must be NUL padded")
}

func TestExportedDeviceRoundTrip(t *testing.T) {
	d := usbip.ExportedDevice{
		ExportMeta:          usbip.NewExportMeta(1, 1),
		Speed:               usbip.SpeedFull,
		IDVendor:            0x0547,
		IDProduct:           0x2131,
		BcdDevice:           0x0001,
		BDeviceClass:        0xff,
		BConfigurationValue: 1,
		BNumConfigurations:  1,
		BNumInterfaces:      1,
		Interfaces:          []usbip.InterfaceDesc{{Class: 0xff, SubClass: 0x00, Protocol: 0x00}},
	}

	var devlist bytes.Buffer
	require.NoError(t, d.WriteDevlist(&devlist))
	assert.Equal(t, usbip.PathMax+usbip.BusIDSize+24+4, devlist.Len())

	got, err := usbip.ReadExportedDevice(&devlist, true)
	require.NoError(t, err)
	assert.Equal(t, d, got)

	var imp bytes.Buffer
	require.NoError(t, d.WriteImport(&imp))
	assert.Equal(t, usbip.PathMax+usbip.BusIDSize+24, imp.Len())

	got, err = usbip.ReadExportedDevice(&imp, false)
	require.NoError(t, err)
	assert.Empty(t, got.Interfaces)
	assert.Equal(t, d.IDVendor, got.IDVendor)
	assert.Equal(t, "1-1", got.BusDevID())
}
