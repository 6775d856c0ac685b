package cmd

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/doyke/eztool/usb"
)

// Decode prints the structured form of a SETUP packet given as hex bytes,
// e.g. `eztool decode 80 06 00 01 00 00 12 00`.
type Decode struct {
	Bytes []string `arg:"" name:"bytes" help:"8 SETUP bytes as hex, separately or as one string"`
}

// Run is called by Kong when the decode command is executed.
func (d *Decode) Run() error {
	joined := strings.Join(d.Bytes, "")
	joined = strings.NewReplacer(" ", "", ":", "", ",", "", "0x", "").Replace(strings.ToLower(joined))
	raw, err := hex.DecodeString(joined)
	if err != nil {
		return fmt.Errorf("invalid hex input: %w", err)
	}
	req, err := usb.ParseSetup(raw)
	if err != nil {
		return err
	}

	fmt.Println(req.String())
	fmt.Printf("  bmRequestType 0x%02x (%s, %s, %s)\n", req.RequestType, req.Direction(), req.Type(), req.Recipient())
	fmt.Printf("  bRequest      0x%02x\n", req.Request)
	fmt.Printf("  wValue        0x%04x\n", req.Value)
	fmt.Printf("  wIndex        0x%04x\n", req.Index)
	fmt.Printf("  wLength       %d\n", req.Length)
	if req.Type() == usb.ReqTypeStandard && req.Request == usb.ReqGetDescriptor {
		fmt.Printf("  descriptor    type=%s index=%d\n", usb.DescriptorTypeName(req.DescriptorType()), req.DescriptorIndex())
	}
	return nil
}
