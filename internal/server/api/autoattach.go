package api

import (
	"context"
	"log/slog"
	"os/exec"
	"strconv"

	"github.com/doyke/eztool/usbip"
)

// AttachLocalhostClient drives the local USB/IP client so a freshly added
// device shows up on this machine without manual usbip invocations. On
// Windows the native IOCTL path talks to the usbip-win2 driver directly when
// nativeIOCTL is set; everywhere else the usbip command line tool is used.
func AttachLocalhostClient(ctx context.Context, meta *usbip.ExportMeta, usbipServerPort uint16, nativeIOCTL bool, logger *slog.Logger) error {
	return attachLocalhostClientImpl(ctx, meta, usbipServerPort, nativeIOCTL, logger)
}

func attachViaCommand(ctx context.Context, meta *usbip.ExportMeta, usbipServerPort uint16, logger *slog.Logger) error {
	logger.Info("Auto-attaching localhost client", "busID", meta.BusId, "busDevID", meta.BusDevID())

	cmd := exec.CommandContext(
		ctx,
		"usbip",
		"--tcp-port",
		strconv.FormatUint(uint64(usbipServerPort), 10),
		"attach",
		"-r", "localhost",
		"-b", meta.BusDevID(),
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		logger.Error("Failed to attach device",
			"error", err,
			"port", usbipServerPort,
			"output", string(output))
		return err
	}
	logger.Debug("usbip attach output", "output", string(output))

	return nil
}
