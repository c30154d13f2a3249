// Package patch applies and reverts groups of raw byte patches as one unit.
package patch

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sbx-tool/sbxhook/pkg/logflags"
	"github.com/sbx-tool/sbxhook/pkg/memory"
)

// ErrIndeterminate is returned by Toggle on a set whose rollback failed.
// The bytes of such a set are a mix of originals and replacements.
var ErrIndeterminate = errors.New("patch set is in an indeterminate state")

// Region is one contiguous patched range.
type Region struct {
	Addr        uintptr
	Original    []byte
	Replacement []byte
}

// Size returns the number of bytes the region covers.
func (r Region) Size() int { return len(r.Replacement) }

// Spec describes a region to patch.
type Spec struct {
	Addr  uintptr
	Bytes []byte
}

// PartialPatchError is returned when writing one region of a set failed.
// Regions written before it were rolled back.
type PartialPatchError struct {
	Name     string
	Addr     uintptr
	Enable   bool
	Err      error
	Rollback error
}

func (e *PartialPatchError) Error() string {
	verb := "reverting"
	if e.Enable {
		verb = "applying"
	}
	msg := fmt.Sprintf("%s patch %q failed at %#x: %v", verb, e.Name, e.Addr, e.Err)
	if e.Rollback != nil {
		msg += fmt.Sprintf(" (rollback failed: %v)", e.Rollback)
	}
	return msg
}

func (e *PartialPatchError) Unwrap() error { return e.Err }

// Set is a named group of regions that are always applied or reverted
// together.
type Set struct {
	mu            sync.Mutex
	mem           memory.Space
	name          string
	regions       []Region
	enabled       bool
	indeterminate bool
}

// New captures the current bytes of every region in specs. Nothing is
// written; the returned set is disabled.
func New(mem memory.Space, name string, specs []Spec) (*Set, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("patch %q has no regions", name)
	}
	s := &Set{mem: mem, name: name}
	for _, sp := range specs {
		if len(sp.Bytes) == 0 {
			return nil, fmt.Errorf("patch %q: empty region at %#x", name, sp.Addr)
		}
		orig, err := memory.ReadFull(mem, sp.Addr, len(sp.Bytes))
		if err != nil {
			return nil, fmt.Errorf("patch %q: %w", name, err)
		}
		s.regions = append(s.regions, Region{
			Addr:        sp.Addr,
			Original:    orig,
			Replacement: append([]byte(nil), sp.Bytes...),
		})
	}
	return s, nil
}

// Name returns the name of the set.
func (s *Set) Name() string { return s.name }

// Regions returns the regions of the set in the order they are applied.
func (s *Set) Regions() []Region {
	out := make([]Region, len(s.regions))
	copy(out, s.regions)
	return out
}

// IsEnabled returns true if the replacements are in place.
func (s *Set) IsEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// Indeterminate returns true if a failed rollback left the set partially
// applied.
func (s *Set) Indeterminate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.indeterminate
}

// Toggle writes every replacement (enable) or every original (!enable).
// It does nothing if the set is already in the requested state. When a
// write fails the regions already written are restored in reverse order
// and a *PartialPatchError is returned.
func (s *Set) Toggle(enable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indeterminate {
		return fmt.Errorf("%q: %w", s.name, ErrIndeterminate)
	}
	if s.enabled == enable {
		return nil
	}

	pick := func(r Region, apply bool) []byte {
		if apply {
			return r.Replacement
		}
		return r.Original
	}

	for i, r := range s.regions {
		err := memory.WriteCode(s.mem, r.Addr, pick(r, enable))
		if err == nil {
			continue
		}
		perr := &PartialPatchError{Name: s.name, Addr: r.Addr, Enable: enable, Err: err}
		for j := i - 1; j >= 0; j-- {
			if rerr := memory.WriteCode(s.mem, s.regions[j].Addr, pick(s.regions[j], !enable)); rerr != nil {
				perr.Rollback = rerr
				s.indeterminate = true
				break
			}
		}
		logflags.PatchLogger().WithError(err).Errorf("toggling %q", s.name)
		return perr
	}
	s.enabled = enable
	if logflags.Patch() {
		logflags.PatchLogger().Debugf("%q enabled=%v regions=%s", s.name, enable, s.describe())
	}
	return nil
}

func (s *Set) describe() string {
	var sb strings.Builder
	for i, r := range s.regions {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%#x[%d]", r.Addr, r.Size())
	}
	return sb.String()
}
