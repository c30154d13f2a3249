package sbx

import (
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/sbx-tool/sbxhook/pkg/intercept"
	"github.com/sbx-tool/sbxhook/pkg/logflags"
	"github.com/sbx-tool/sbxhook/pkg/memory"
)

// CreateFileA creation dispositions.
var dispositions = map[uint32]string{
	1: "CREATE_NEW",
	2: "CREATE_ALWAYS",
	3: "OPEN_EXISTING",
	4: "OPEN_ALWAYS",
	5: "TRUNCATE_EXISTING",
}

// CreateFileA attributes and flags, in the order they are printed.
var fileFlags = []struct {
	bit  uint32
	name string
}{
	{0x00000001, "FILE_ATTRIBUTE_READONLY"},
	{0x00000002, "FILE_ATTRIBUTE_HIDDEN"},
	{0x00000004, "FILE_ATTRIBUTE_SYSTEM"},
	{0x00000020, "FILE_ATTRIBUTE_ARCHIVE"},
	{0x00000080, "FILE_ATTRIBUTE_NORMAL"},
	{0x00000100, "FILE_ATTRIBUTE_TEMPORARY"},
	{0x80000000, "FILE_FLAG_WRITE_THROUGH"},
	{0x40000000, "FILE_FLAG_OVERLAPPED"},
	{0x20000000, "FILE_FLAG_NO_BUFFERING"},
	{0x10000000, "FILE_FLAG_RANDOM_ACCESS"},
	{0x08000000, "FILE_FLAG_SEQUENTIAL_SCAN"},
	{0x04000000, "FILE_FLAG_DELETE_ON_CLOSE"},
	{0x02000000, "FILE_FLAG_BACKUP_SEMANTICS"},
}

// DispositionName returns the constant name of d.
func DispositionName(d uint32) string {
	if n, ok := dispositions[d]; ok {
		return n
	}
	return "Unknown"
}

// FlagNames returns the attribute and flag names set in f joined by |.
func FlagNames(f uint32) string {
	var names []string
	for _, fl := range fileFlags {
		if f&fl.bit != 0 {
			names = append(names, fl.name)
			f &^= fl.bit
		}
	}
	if f != 0 || len(names) == 0 {
		names = append(names, fmt.Sprintf("0x%X", f))
	}
	return strings.Join(names, "|")
}

// FileOpen is one recorded CreateFileA call.
type FileOpen struct {
	Name        string
	Disposition uint32
	Flags       uint32
}

// FileMonitor logs archive files the game opens through CreateFileA.
type FileMonitor struct {
	mem  memory.Space
	cp   *Codepage
	log  logflags.Logger
	exts []string

	// Handle is the CreateFileA hook, set before it is enabled.
	Handle *intercept.Handle

	mu     sync.Mutex
	recent []FileOpen
}

const maxRecentOpens = 64

// NewFileMonitor returns a monitor for files with one of the extensions
// exts, matched without case. Names are decoded with cp.
func NewFileMonitor(mem memory.Space, cp *Codepage, exts ...string) *FileMonitor {
	for i := range exts {
		exts[i] = strings.ToLower(exts[i])
	}
	return &FileMonitor{mem: mem, cp: cp, log: logflags.GameLogger(), exts: exts}
}

// Observe records the call if its file name matches.
func (m *FileMonitor) Observe(name uintptr, disposition, flags uint32) (FileOpen, bool) {
	raw, err := ReadCString(m.mem, name, maxPath)
	if err != nil {
		m.log.Debugf("CreateFileA: reading file name: %v", err)
		return FileOpen{}, false
	}
	decoded := m.cp.Decode(raw)
	ext := strings.ToLower(path.Ext(strings.ReplaceAll(decoded, `\`, "/")))
	match := false
	for _, e := range m.exts {
		if ext == e {
			match = true
			break
		}
	}
	if !match {
		return FileOpen{}, false
	}
	op := FileOpen{Name: decoded, Disposition: disposition, Flags: flags}
	m.log.Infof("[CreateFileA] lpFileName %q, dwCreationDisposition %s, dwFlagsAndAttributes %s", decoded, DispositionName(disposition), FlagNames(flags))

	m.mu.Lock()
	if len(m.recent) == maxRecentOpens {
		m.recent = m.recent[1:]
	}
	m.recent = append(m.recent, op)
	m.mu.Unlock()
	return op, true
}

// CreateFileA is the body of the hook.
func (m *FileMonitor) CreateFileA(name, access, share, security, disposition, flags, template uintptr) uintptr {
	m.Observe(name, uint32(disposition), uint32(flags))
	return m.Handle.CallOriginal(name, access, share, security, disposition, flags, template)
}

// Recent returns the last recorded opens, oldest first.
func (m *FileMonitor) Recent() []FileOpen {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]FileOpen(nil), m.recent...)
}
