package cmds

import (
	"fmt"
	"path/filepath"

	"github.com/Binject/debug/pe"

	"github.com/sbx-tool/sbxhook/pkg/config"
	"github.com/sbx-tool/sbxhook/pkg/intercept"
	"github.com/sbx-tool/sbxhook/pkg/sbx"
)

// maxPrologue is how many bytes are handed to the decoder, enough for
// any detour length plus the longest x86 instruction.
const maxPrologue = 64

type section struct {
	name string
	va   uint32
	size uint32
	data []byte
}

// image is the part of a PE file a plan needs.
type image struct {
	name     string
	base     uint64
	mode     int
	sections []section
	exports  map[string]uint32
}

func openImage(path string) (*image, error) {
	f, err := pe.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return newImage(filepath.Base(path), f)
}

func newImage(name string, f *pe.File) (*image, error) {
	img := &image{name: name, exports: map[string]uint32{}}
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		img.base, img.mode = uint64(oh.ImageBase), 32
	case *pe.OptionalHeader64:
		img.base, img.mode = oh.ImageBase, 64
	default:
		return nil, fmt.Errorf("%s: no optional header", name)
	}
	for _, s := range f.Sections {
		if s.Size == 0 {
			continue
		}
		d, err := s.Data()
		if err != nil {
			return nil, fmt.Errorf("%s: reading section %s: %v", name, s.Name, err)
		}
		size := s.VirtualSize
		if size == 0 {
			size = s.Size
		}
		img.sections = append(img.sections, section{name: s.Name, va: s.VirtualAddress, size: size, data: d})
	}
	// images without an export directory are fine
	if exports, err := f.Exports(); err == nil {
		for _, e := range exports {
			if e.Name != "" {
				img.exports[e.Name] = e.VirtualAddress
			}
		}
	}
	return img, nil
}

// locate turns a location argument into a relative virtual address.
func (img *image) locate(s string, offsets sbx.Offsets) (uint64, error) {
	if v, err := config.ParseOffset(s); err == nil {
		return v, nil
	}
	if _, known := offsets[s]; known {
		o, err := offsets.Get(s)
		if err != nil {
			return 0, err
		}
		if !sameModule(o.Module, img.name) {
			return 0, fmt.Errorf("%s is in %s, not %s", s, o.Loc(), img.name)
		}
		return uint64(o.Offset), nil
	}
	if rva, ok := img.exports[s]; ok {
		return uint64(rva), nil
	}
	return 0, fmt.Errorf("%s: no offset or export named %q", img.name, s)
}

// code returns the bytes at rva, at most maxPrologue of them.
func (img *image) code(rva uint64) ([]byte, error) {
	for _, s := range img.sections {
		if rva < uint64(s.va) || rva >= uint64(s.va)+uint64(s.size) {
			continue
		}
		off := rva - uint64(s.va)
		if off >= uint64(len(s.data)) {
			return nil, fmt.Errorf("%#x is in the uninitialized part of %s", rva, s.name)
		}
		end := off + maxPrologue
		if end > uint64(len(s.data)) {
			end = uint64(len(s.data))
		}
		return s.data[off:end], nil
	}
	return nil, fmt.Errorf("%s: %#x is not inside any section", img.name, rva)
}

func (img *image) plan(rva uint64, minLen int) (*intercept.Plan, error) {
	code, err := img.code(rva)
	if err != nil {
		return nil, err
	}
	return intercept.NewPlan(code, uintptr(img.base+rva), img.mode, minLen)
}
