package sbx

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/japanese"

	"github.com/sbx-tool/sbxhook/pkg/memory"
)

// maxPath is MAX_PATH, the longest narrow path the game passes around.
const maxPath = 260

// Codepage decodes narrow strings of the game.
type Codepage struct {
	name string
	enc  encoding.Encoding
}

// NewCodepage returns the decoder called name. The empty name and "raw"
// leave bytes as they are.
func NewCodepage(name string) (*Codepage, error) {
	var enc encoding.Encoding
	switch strings.ToLower(name) {
	case "", "raw":
	case "shift-jis", "shift_jis", "sjis", "cp932":
		enc = japanese.ShiftJIS
	case "euc-jp":
		enc = japanese.EUCJP
	case "cp1252", "windows-1252":
		enc = charmap.Windows1252
	default:
		return nil, fmt.Errorf("unknown code page %q", name)
	}
	return &Codepage{name: name, enc: enc}, nil
}

// Decode converts b to UTF-8. Bytes that do not decode are kept.
func (c *Codepage) Decode(b []byte) string {
	if c == nil || c.enc == nil {
		return string(b)
	}
	out, err := c.enc.NewDecoder().Bytes(b)
	if err != nil {
		return string(b)
	}
	return string(out)
}

// ReadCString reads a NUL terminated narrow string of at most max bytes at
// addr. Reads stop at the end of the mapping.
func ReadCString(mem memory.Space, addr uintptr, max int) ([]byte, error) {
	if addr == 0 {
		return nil, memory.InvalidAddressError{Address: addr, Reason: "null string"}
	}
	r, err := mem.Query(addr)
	if err != nil {
		return nil, err
	}
	if avail := r.Base + r.Size - addr; avail < uintptr(max) {
		max = int(avail)
	}
	buf, err := memory.ReadFull(mem, addr, max)
	if err != nil {
		return nil, err
	}
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		return buf[:i], nil
	}
	return buf, nil
}
