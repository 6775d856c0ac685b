// Package cmd holds the kong command grammar of the eztool binary.
package cmd

// LogConfig is the logging part of the root flags, shared by every
// subcommand.
type LogConfig struct {
	Level   string `help:"Log level (trace, debug, info, warn, error)" enum:"trace,debug,info,warn,error" default:"info" env:"EZTOOL_LOG_LEVEL"`
	File    string `help:"Also write logs to this file" env:"EZTOOL_LOG_FILE"`
	RawFile string `help:"Write raw USB/IP wire traffic hex dumps to this file" env:"EZTOOL_LOG_RAW_FILE"`
}

// CLI is the root command grammar. The --config flag is scanned manually in
// main before kong runs so the referenced file can participate in
// kong.Configuration resolution.
type CLI struct {
	ConfigPath string    `name:"config" help:"Path to a configuration file (json, yaml or toml)" env:"EZTOOL_CONFIG"`
	Log        LogConfig `embed:"" prefix:"log."`

	Server    Server        `cmd:"" help:"Run the USB/IP device server and the management API"`
	Proxy     Proxy         `cmd:"" help:"Run a USB/IP debug proxy that logs traffic in both directions"`
	Decode    Decode        `cmd:"" help:"Decode an 8-byte SETUP packet from hex bytes"`
	Config    ConfigCommand `cmd:"" help:"Configuration file management"`
	Install   Install       `cmd:"" help:"Install eztool as a system service"`
	Uninstall Uninstall     `cmd:"" help:"Remove the eztool system service"`
	Version   Version       `cmd:"" help:"Print the eztool version"`
}
