package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/doyke/eztool/apitypes"
	"github.com/doyke/eztool/internal/buildinfo"
	"github.com/doyke/eztool/internal/server/api"
)

// Ping returns a handler that reports server identity and version so clients
// can verify what they are talking to before issuing commands.
func Ping() api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		out, err := json.Marshal(apitypes.PingResponse{
			Server:  "eztool",
			Version: buildinfo.GetVersion(),
		})
		if err != nil {
			return api.ErrInternal(fmt.Sprintf("failed to marshal response: %v", err))
		}
		res.JSON = string(out)
		return nil
	}
}
