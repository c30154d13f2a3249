package cmds

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/sbx-tool/sbxhook/pkg/config"
)

// hexValue is an address flag printed in hex. set tells an explicit zero
// from an absent flag.
type hexValue struct {
	v   uint64
	set bool
}

var _ pflag.Value = (*hexValue)(nil)

func (h *hexValue) String() string {
	if !h.set {
		return ""
	}
	return fmt.Sprintf("%#x", h.v)
}

func (h *hexValue) Set(s string) error {
	v, err := config.ParseOffset(s)
	if err != nil {
		return fmt.Errorf("%q is not an address", s)
	}
	h.v, h.set = v, true
	return nil
}

func (h *hexValue) Type() string { return "address" }
