//go:build !windows

package api

// The field exists on every platform so shared code can reference it; only
// the Windows build surfaces it as a flag.
type platformOpts struct {
	AutoAttachWindowsNative bool `kong:"-"`
}
