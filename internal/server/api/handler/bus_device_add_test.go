package handler_test

import (
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doyke/eztool/apiclient"
	"github.com/doyke/eztool/device"
	"github.com/doyke/eztool/device/ezusb"
	"github.com/doyke/eztool/internal/log"
	"github.com/doyke/eztool/internal/server/api"
	"github.com/doyke/eztool/internal/server/api/handler"
	"github.com/doyke/eztool/internal/server/usb"
	th "github.com/doyke/eztool/internal/testing"
	pusb "github.com/doyke/eztool/usb"
	"github.com/doyke/eztool/virtualbus"

	_ "github.com/doyke/eztool/device/custom" // Register custom profile device handler
)

func TestBusDeviceAdd(t *testing.T) {
	tests := []struct {
		name             string
		setup            func(t *testing.T, s *usb.Server)
		pathParams       map[string]string
		payload          any
		expectedResponse string
	}{
		{
			name: "add device to existing bus",
			setup: func(t *testing.T, s *usb.Server) {
				b, err := virtualbus.NewWithBusId(80001)
				if err != nil {
					t.Fatalf("create bus failed: %v", err)
				}
				if err := s.AddBus(b); err != nil {
					t.Fatalf("add bus failed: %v", err)
				}
			},
			pathParams:       map[string]string{"id": "80001"},
			payload:          `{"type": "an2131"}`,
			expectedResponse: `{"busId":80001, "devId": "1", "vid":"0x0547", "pid":"0x2131", "type":"an2131"}`,
		},
		{
			name: "vid and pid override",
			setup: func(t *testing.T, s *usb.Server) {
				b, err := virtualbus.NewWithBusId(80002)
				if err != nil {
					t.Fatalf("create bus failed: %v", err)
				}
				if err := s.AddBus(b); err != nil {
					t.Fatalf("add bus failed: %v", err)
				}
			},
			pathParams:       map[string]string{"id": "80002"},
			payload:          `{"type": "an2131", "idVendor": "0x1d6b", "idProduct": "0x0002"}`,
			expectedResponse: `{"busId":80002, "devId": "1", "vid":"0x1d6b", "pid":"0x0002", "type":"an2131"}`,
		},
		{
			name:             "add device to non-existing bus",
			setup:            nil,
			pathParams:       map[string]string{"id": "99999"},
			payload:          `{"type": "an2131"}`,
			expectedResponse: `{"status":404,"title":"Not Found","detail":"bus 99999 not found"}`,
		},
		{
			name:             "invalid bus number",
			setup:            nil,
			pathParams:       map[string]string{"id": "baz"},
			payload:          `{"type": "an2131"}`,
			expectedResponse: `{"status":400,"title":"Bad Request","detail":"invalid busId: strconv.ParseUint: parsing \"baz\": invalid syntax"}`,
		},
		{
			name: "invalid json",
			setup: func(t *testing.T, s *usb.Server) {
				b, err := virtualbus.NewWithBusId(2)
				if err != nil {
					t.Fatalf("create bus failed: %v", err)
				}
				if err := s.AddBus(b); err != nil {
					t.Fatalf("add bus failed: %v", err)
				}
			},
			pathParams:       map[string]string{"id": "2"},
			payload:          `an2131`,
			expectedResponse: `{"status":400,"title":"Bad Request","detail":"invalid JSON payload: invalid character 'a' looking for beginning of value"}`,
		},
		{
			name: "invalid payload",
			setup: func(t *testing.T, s *usb.Server) {
				b, err := virtualbus.NewWithBusId(3)
				if err != nil {
					t.Fatalf("create bus failed: %v", err)
				}
				if err := s.AddBus(b); err != nil {
					t.Fatalf("add bus failed: %v", err)
				}
			},
			pathParams:       map[string]string{"id": "3"},
			payload:          `{"tpe": "an2131"}`,
			expectedResponse: `{"status":400,"title":"Bad Request","detail":"missing device type"}`,
		},
		{
			name: "custom device without profile",
			setup: func(t *testing.T, s *usb.Server) {
				b, err := virtualbus.NewWithBusId(4)
				if err != nil {
					t.Fatalf("create bus failed: %v", err)
				}
				if err := s.AddBus(b); err != nil {
					t.Fatalf("add bus failed: %v", err)
				}
			},
			pathParams:       map[string]string{"id": "4"},
			payload:          `{"type": "custom"}`,
			expectedResponse: `{"status":400,"title":"Bad Request","detail":"create custom device: custom device requires a profile file"}`,
		},
		{
			name: "correct device id after add/remove",
			setup: func(t *testing.T, s *usb.Server) {
				b, err := virtualbus.NewWithBusId(80005)
				if err != nil {
					t.Fatalf("create bus failed: %v", err)
				}
				if err := s.AddBus(b); err != nil {
					t.Fatalf("add bus failed: %v", err)
				}
				if _, err := b.Add(ezusb.New(nil)); err != nil {
					t.Fatalf("add device failed: %v", err)
				}
				if err := b.RemoveDeviceByID("1"); err != nil {
					t.Fatalf("remove device failed: %v", err)
				}
			},
			pathParams:       map[string]string{"id": "80005"},
			payload:          `{"type": "an2131"}`,
			expectedResponse: `{"busId":80005, "devId": "1", "vid":"0x0547", "pid":"0x2131", "type":"an2131"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, srv, done := th.StartAPIServer(t, func(r *api.Router, s *usb.Server, apiSrv *api.Server) {
				r.Register("bus/create", handler.BusCreate(s))
				r.Register("bus/{id}/add", handler.BusDeviceAdd(s, apiSrv))
			})
			defer done()

			c := apiclient.NewTransport(addr)
			if tt.setup != nil {
				tt.setup(t, srv)
			}
			line, err := c.Do("bus/{id}/add", tt.payload, tt.pathParams)
			assert.NoError(t, err)
			assert.JSONEq(t, tt.expectedResponse, line)
		})
	}
}

// Verify that a device added via API is auto-removed if no stream connects within the configured timeout.
func TestBusDeviceAdd_NoConnection_TimeoutCleanup(t *testing.T) {
	// We need to control API DeviceHandlerConnectTimeout, so set up API server manually (not via StartAPIServer).
	usbSrv := usb.New(usb.ServerConfig{Addr: "127.0.0.1:0"}, slog.Default(), log.NewRaw(nil))

	b, err := virtualbus.NewWithBusId(80100)
	require.NoError(t, err)
	require.NoError(t, usbSrv.AddBus(b))

	// Choose a free TCP address for API server
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	_ = ln.Close()

	// Start API server with a very short timeout
	apiCfg := api.ServerConfig{Addr: addr, DeviceHandlerConnectTimeout: 200 * time.Millisecond}
	apiSrv := api.New(usbSrv, addr, apiCfg, slog.Default())
	r := apiSrv.Router()
	r.Register("bus/{id}/add", handler.BusDeviceAdd(usbSrv, apiSrv))
	r.Register("bus/{id}/list", handler.BusDevicesList(usbSrv))
	require.NoError(t, apiSrv.Start())
	defer apiSrv.Close()

	testReg := th.CreateMockRegistration(t, "an2131",
		func(o *device.CreateOptions) (pusb.Device, error) { return ezusb.New(o), nil },
		func(conn net.Conn, dev pusb.Device, l *slog.Logger) error { return nil },
	)

	api.RegisterDevice("an2131", testReg)

	c := apiclient.New(addr)
	_, err = c.DeviceAdd(80100, "an2131", nil)
	require.NoError(t, err)

	// Immediately after add, the device should be present (server now registers bus/{id}/list)
	list, err := c.DevicesList(80100)
	require.NoError(t, err)
	require.Len(t, list.Devices, 1)

	// Wait slightly beyond timeout to allow auto-removal
	time.Sleep(350 * time.Millisecond)

	list2, err := c.DevicesList(80100)
	require.NoError(t, err)
	assert.Len(t, list2.Devices, 0)
}
