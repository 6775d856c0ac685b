//go:build !linux && !windows

package api

import (
	"context"
	"log/slog"
	"os/exec"

	"github.com/doyke/eztool/usbip"
)

func attachLocalhostClientImpl(ctx context.Context, meta *usbip.ExportMeta, usbipServerPort uint16, _ bool, logger *slog.Logger) error {
	return attachViaCommand(ctx, meta, usbipServerPort, logger)
}

func CheckAutoAttachPrerequisites(_ bool, logger *slog.Logger) bool {
	if _, err := exec.LookPath("usbip"); err != nil {
		logger.Warn("USB/IP tool 'usbip' not found in PATH")
		logger.Warn("Auto-attach requires a usbip command-line client for this platform")
		return false
	}
	logger.Debug("usbip tool found in PATH")
	return true
}
