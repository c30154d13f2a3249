// Package registry keeps the named interceptions and patch sets of the
// engine and makes sure no two of them own the same bytes.
//
// A Registry is not safe for concurrent use. The engine only reaches it
// while holding its runtime lock.
package registry

import (
	"errors"
	"fmt"
	"sort"

	"github.com/derekparker/trie"

	"github.com/sbx-tool/sbxhook/pkg/intercept"
	"github.com/sbx-tool/sbxhook/pkg/logflags"
	"github.com/sbx-tool/sbxhook/pkg/patch"
)

var (
	ErrDuplicateName    = errors.New("duplicate name")
	ErrDuplicateAddress = errors.New("address range already owned")
	ErrNotFound         = errors.New("not found")
)

// DuplicateNameError is returned when registering a name that is taken.
type DuplicateNameError struct {
	Name string
}

func (e DuplicateNameError) Error() string {
	return fmt.Sprintf("%q is already registered", e.Name)
}

func (e DuplicateNameError) Is(target error) bool { return target == ErrDuplicateName }

// DuplicateAddressError is returned when a range overlaps one owned by
// another entry.
type DuplicateAddressError struct {
	Name  string
	Owner string
	Addr  uintptr
}

func (e DuplicateAddressError) Error() string {
	return fmt.Sprintf("%q overlaps %q at %#x", e.Name, e.Owner, e.Addr)
}

func (e DuplicateAddressError) Is(target error) bool { return target == ErrDuplicateAddress }

// NotFoundError is returned by lookups of unknown names.
type NotFoundError struct {
	Kind Kind
	Name string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("no %s named %q", e.Kind, e.Name)
}

func (e NotFoundError) Is(target error) bool { return target == ErrNotFound }

// Kind is the type of a registry entry.
type Kind uint8

const (
	KindHook Kind = iota
	KindPatch
)

func (k Kind) String() string {
	if k == KindPatch {
		return "patch"
	}
	return "hook"
}

// Range is a byte range owned by an entry.
type Range struct {
	Addr uintptr
	Size int
}

func (r Range) end() uintptr { return r.Addr + uintptr(r.Size) }

func (r Range) overlaps(o Range) bool {
	return r.Addr < o.end() && o.Addr < r.end()
}

// HookRanges returns the bytes a handle owns.
func HookRanges(h *intercept.Handle) []Range {
	return []Range{{Addr: h.Target(), Size: h.Size()}}
}

// PatchRanges returns the bytes a patch set owns.
func PatchRanges(s *patch.Set) []Range {
	regions := s.Regions()
	out := make([]Range, len(regions))
	for i, r := range regions {
		out[i] = Range{Addr: r.Addr, Size: r.Size()}
	}
	return out
}

// Entry is one registered hook or patch set.
type Entry struct {
	Name   string
	Kind   Kind
	Hook   *intercept.Handle
	Patch  *patch.Set
	Ranges []Range
}

type owned struct {
	Range
	name string
}

// Registry maps names to hooks and patch sets.
type Registry struct {
	names   *trie.Trie
	entries map[string]*Entry
	owned   []owned // sorted by address
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{names: trie.New(), entries: map[string]*Entry{}}
}

// Check returns the error registering name with ranges would fail with,
// without registering anything.
func (r *Registry) Check(name string, ranges []Range) error {
	if name == "" {
		return errors.New("empty name")
	}
	if _, ok := r.entries[name]; ok {
		return DuplicateNameError{Name: name}
	}
	for i, rg := range ranges {
		for _, o := range r.owned {
			if o.overlaps(rg) {
				return DuplicateAddressError{Name: name, Owner: o.name, Addr: rg.Addr}
			}
		}
		for _, other := range ranges[:i] {
			if other.overlaps(rg) {
				return DuplicateAddressError{Name: name, Owner: name, Addr: rg.Addr}
			}
		}
	}
	return nil
}

// RegisterHook registers an installed handle under name.
func (r *Registry) RegisterHook(name string, h *intercept.Handle) error {
	return r.add(&Entry{Name: name, Kind: KindHook, Hook: h, Ranges: HookRanges(h)})
}

// RegisterPatch registers a patch set under name.
func (r *Registry) RegisterPatch(name string, s *patch.Set) error {
	return r.add(&Entry{Name: name, Kind: KindPatch, Patch: s, Ranges: PatchRanges(s)})
}

func (r *Registry) add(e *Entry) error {
	if err := r.Check(e.Name, e.Ranges); err != nil {
		return err
	}
	r.entries[e.Name] = e
	r.names.Add(e.Name, e)
	for _, rg := range e.Ranges {
		r.owned = append(r.owned, owned{Range: rg, name: e.Name})
	}
	sort.Slice(r.owned, func(i, j int) bool { return r.owned[i].Addr < r.owned[j].Addr })
	logflags.RegistryLogger().Debugf("registered %s %q %v", e.Kind, e.Name, e.Ranges)
	return nil
}

// Remove drops the entry registered under name and releases its ranges.
// It does not touch memory; callers revert the hook or patch set first.
func (r *Registry) Remove(name string) error {
	e, ok := r.entries[name]
	if !ok {
		return NotFoundError{Kind: KindHook, Name: name}
	}
	delete(r.entries, name)
	r.names.Remove(name)
	kept := r.owned[:0]
	for _, o := range r.owned {
		if o.name != name {
			kept = append(kept, o)
		}
	}
	r.owned = kept
	logflags.RegistryLogger().Debugf("removed %s %q", e.Kind, name)
	return nil
}

// Lookup returns the entry registered under name.
func (r *Registry) Lookup(name string) (*Entry, bool) {
	e, ok := r.entries[name]
	return e, ok
}

// Hook returns the handle registered under name.
func (r *Registry) Hook(name string) (*intercept.Handle, error) {
	e, ok := r.entries[name]
	if !ok || e.Kind != KindHook {
		return nil, NotFoundError{Kind: KindHook, Name: name}
	}
	return e.Hook, nil
}

// Patch returns the patch set registered under name.
func (r *Registry) Patch(name string) (*patch.Set, error) {
	e, ok := r.entries[name]
	if !ok || e.Kind != KindPatch {
		return nil, NotFoundError{Kind: KindPatch, Name: name}
	}
	return e.Patch, nil
}

// Owner returns the name of the entry owning addr.
func (r *Registry) Owner(addr uintptr) (string, bool) {
	i := sort.Search(len(r.owned), func(i int) bool { return r.owned[i].end() > addr })
	if i < len(r.owned) && r.owned[i].Addr <= addr {
		return r.owned[i].name, true
	}
	return "", false
}

// Names returns the sorted names starting with prefix.
func (r *Registry) Names(prefix string) []string {
	names := r.names.PrefixSearch(prefix)
	sort.Strings(names)
	return names
}

// Hooks returns the sorted names of all hooks.
func (r *Registry) Hooks() []string { return r.list(KindHook) }

// Patches returns the sorted names of all patch sets.
func (r *Registry) Patches() []string { return r.list(KindPatch) }

func (r *Registry) list(k Kind) []string {
	var out []string
	for name, e := range r.entries {
		if e.Kind == k {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Len returns the number of entries.
func (r *Registry) Len() int { return len(r.entries) }
