package usb

import "time"

// ServerConfig is the USB/IP server's part of the server subcommand
// configuration.
type ServerConfig struct {
	Addr              string        `help:"USB/IP server listen address" default:":3241" env:"EZTOOL_USB_ADDR"`
	ConnectionTimeout time.Duration `kong:"-"`
}
