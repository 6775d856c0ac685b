package api

import (
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/doyke/eztool/internal/server/usb"
	pusb "github.com/doyke/eztool/usb"
)

// DeviceStreamHandler returns a stream handler func that dynamically dispatches
// to device-specific handlers based on device type.
func DeviceStreamHandler(srv *usb.Server) StreamHandlerFunc {
	return func(conn net.Conn, dev pusb.Device, logger *slog.Logger) error {
		defer conn.Close()

		if dev == nil {
			return fmt.Errorf("nil device")
		}

		deviceType := DeviceTypeName(dev)
		reg := GetRegistration(deviceType)
		if reg == nil {
			return fmt.Errorf("no handler for device type: %s", deviceType)
		}
		return reg.StreamHandler()(conn, dev, logger)
	}
}

// DeviceTypeName resolves the registry name of a device. Devices state their
// type with a DeviceType method; for anything else the package name of the
// concrete type is used.
func DeviceTypeName(dev any) string {
	if dev == nil {
		return ""
	}
	if n, ok := dev.(interface{ DeviceType() string }); ok {
		return strings.ToLower(n.DeviceType())
	}
	t := reflect.TypeOf(dev)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if pkg := t.PkgPath(); pkg != "" {
		base := filepath.Base(pkg)
		if base != "." && base != string(filepath.Separator) {
			return strings.ToLower(base)
		}
	}
	return strings.ToLower(t.Name())
}
