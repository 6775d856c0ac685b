package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/doyke/eztool/apitypes"
	"github.com/doyke/eztool/internal/server/api"
	apierror "github.com/doyke/eztool/internal/server/api/error"
	"github.com/doyke/eztool/internal/server/usb"
)

// DeviceState returns a handler that reports the enumeration state of a
// device as negotiated over its control endpoint: assigned address, selected
// configuration, interface alt settings and halted endpoints.
func DeviceState(s *usb.Server) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		idStr, ok := req.Params["id"]
		if !ok {
			return apierror.ErrBadRequest("missing id parameter")
		}
		busID, err := strconv.ParseUint(idStr, 10, 32)
		if err != nil {
			return apierror.ErrBadRequest(fmt.Sprintf("invalid busId: %v", err))
		}
		devIDStr, ok := req.Params["devId"]
		if !ok {
			return apierror.ErrBadRequest("missing devId parameter")
		}
		b := s.GetBus(uint32(busID))
		if b == nil {
			return apierror.ErrNotFound(fmt.Sprintf("bus %d not found", busID))
		}
		for _, m := range b.GetAllDeviceMetas() {
			if strconv.FormatUint(uint64(m.Meta.DevNum()), 10) != devIDStr {
				continue
			}
			disp := b.Dispatcher(m.Dev)
			if disp == nil {
				return apierror.ErrInternal(fmt.Sprintf("no dispatcher for device %s", devIDStr))
			}
			snap := disp.DeviceState().Snapshot()
			// Devices with a loadable firmware core report whether the CPU
			// is out of reset.
			firmwareRunning := false
			if fw, ok := m.Dev.(interface{ CPURunning() bool }); ok {
				firmwareRunning = fw.CPURunning()
			}
			out, err := json.Marshal(apitypes.DeviceStateResponse{
				BusID:               uint32(busID),
				DevId:               devIDStr,
				ConfigurationValue:  snap.ConfigurationValue,
				Address:             snap.Address,
				AltSettings:         snap.AltSettings,
				HaltedEndpoints:     snap.HaltedEndpoints,
				RemoteWakeupEnabled: snap.RemoteWakeupEnabled,
				FirmwareRunning:     firmwareRunning,
			})
			if err != nil {
				return apierror.ErrInternal(fmt.Sprintf("failed to marshal response: %v", err))
			}
			res.JSON = string(out)
			return nil
		}
		return apierror.ErrNotFound(fmt.Sprintf("device %s not found on bus %d", devIDStr, busID))
	}
}
