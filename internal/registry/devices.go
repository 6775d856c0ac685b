package registry

import (
	_ "github.com/doyke/eztool/device/custom" // Register custom profile device handler
	_ "github.com/doyke/eztool/device/ezusb"  // Register AN2131 device handler
)
