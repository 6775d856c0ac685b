package custom

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/doyke/eztool/device"
	"github.com/doyke/eztool/internal/server/api"
	"github.com/doyke/eztool/usb"
)

func init() {
	api.RegisterDevice("custom", &handler{})
}

type handler struct{}

func (h *handler) CreateDevice(o *device.CreateOptions) (usb.Device, error) { return New(o) }

// StreamHandler bridges every profile endpoint to the client. Frames carry
// a 1-byte endpoint number and a 2-byte big-endian length before the
// payload, in both directions.
func (h *handler) StreamHandler() api.StreamHandlerFunc {
	return func(conn net.Conn, dev usb.Device, logger *slog.Logger) error {
		cdev, ok := dev.(*Custom)
		if !ok {
			return fmt.Errorf("device is not custom")
		}

		cdev.SetOutCallback(func(ep uint8, payload []byte) {
			frame := make([]byte, 3+len(payload))
			frame[0] = ep
			binary.BigEndian.PutUint16(frame[1:3], uint16(len(payload)))
			copy(frame[3:], payload)
			if _, err := conn.Write(frame); err != nil {
				logger.Error("failed to forward endpoint data", "endpoint", ep, "error", err)
			}
		})
		defer cdev.SetOutCallback(nil)

		hdr := make([]byte, 3)
		for {
			if _, err := io.ReadFull(conn, hdr); err != nil {
				if err == io.EOF {
					logger.Info("client disconnected")
					return nil
				}
				return fmt.Errorf("read frame header: %w", err)
			}
			payload := make([]byte, binary.BigEndian.Uint16(hdr[1:3]))
			if _, err := io.ReadFull(conn, payload); err != nil {
				return fmt.Errorf("read frame payload: %w", err)
			}
			cdev.QueueIn(hdr[0], payload)
		}
	}
}
