package cmd

import (
	"fmt"

	"github.com/doyke/eztool/internal/buildinfo"
)

type Version struct{}

// Run is called by Kong when the version command is executed.
func (v *Version) Run() error {
	fmt.Println("eztool " + buildinfo.GetVersion())
	return nil
}
