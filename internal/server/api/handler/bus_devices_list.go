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

// BusDevicesList returns a handler that lists devices on a bus.
func BusDevicesList(s *usb.Server) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		idStr, ok := req.Params["id"]
		if !ok {
			return apierror.ErrBadRequest("missing id parameter")
		}
		busID, err := strconv.ParseUint(idStr, 10, 32)
		if err != nil {
			return apierror.ErrBadRequest(fmt.Sprintf("invalid busId: %v", err))
		}
		b := s.GetBus(uint32(busID))
		if b == nil {
			return apierror.ErrNotFound(fmt.Sprintf("bus %d not found", busID))
		}
		metas := b.GetAllDeviceMetas()
		out := make([]apitypes.Device, 0, len(metas))
		for _, m := range metas {
			out = append(out, apitypes.Device{
				BusID: m.Meta.BusId,
				DevId: strconv.FormatUint(uint64(m.Meta.DevNum()), 10),
				Vid:   fmt.Sprintf("0x%04x", m.Dev.GetDescriptor().Device.IDVendor),
				Pid:   fmt.Sprintf("0x%04x", m.Dev.GetDescriptor().Device.IDProduct),
				Type:  api.DeviceTypeName(m.Dev),
			})
		}
		payload, err := json.Marshal(apitypes.DevicesListResponse{Devices: out})
		if err != nil {
			return apierror.ErrInternal(fmt.Sprintf("failed to marshal response: %v", err))
		}
		res.JSON = string(payload)
		return nil
	}
}
