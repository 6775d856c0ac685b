package ezusb

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
	api.RegisterDevice("an2131", &handler{})
}

type handler struct{}

func (h *handler) CreateDevice(o *device.CreateOptions) (usb.Device, error) { return New(o), nil }

// StreamHandler bridges the EP2 bulk pair to the client connection. Frames
// travel in both directions as a 2-byte big-endian length followed by the
// payload; client frames are queued for the host's EP2 IN polls, host EP2
// OUT transfers are pushed to the client.
func (h *handler) StreamHandler() api.StreamHandlerFunc {
	return func(conn net.Conn, dev usb.Device, logger *slog.Logger) error {
		edev, ok := dev.(*AN2131)
		if !ok {
			return fmt.Errorf("device is not an2131")
		}

		// Device -> client: host EP2 OUT payloads.
		edev.SetBulkOutCallback(func(payload []byte) {
			frame := make([]byte, 2+len(payload))
			binary.BigEndian.PutUint16(frame, uint16(len(payload)))
			copy(frame[2:], payload)
			if _, err := conn.Write(frame); err != nil {
				logger.Error("failed to forward bulk data", "error", err)
			}
		})
		defer edev.SetBulkOutCallback(nil)

		// Client -> device: frames for the host's EP2 IN polls.
		hdr := make([]byte, 2)
		for {
			if _, err := io.ReadFull(conn, hdr); err != nil {
				if err == io.EOF {
					logger.Info("client disconnected")
					return nil
				}
				return fmt.Errorf("read frame header: %w", err)
			}
			payload := make([]byte, binary.BigEndian.Uint16(hdr))
			if _, err := io.ReadFull(conn, payload); err != nil {
				return fmt.Errorf("read frame payload: %w", err)
			}
			edev.QueueBulkIn(payload)
		}
	}
}
