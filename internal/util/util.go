//go:build !windows

package util

func IsRunFromGUI() bool {
	// On non-Windows, always return false.
	// This only exists so a double-clicked binary on Windows starts the
	// server; on Linux there is nohup, systemd and a bazillion other ways.
	return false
}

func HideConsoleWindow() {
	// No-op on non-Windows platforms
}
