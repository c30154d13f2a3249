package intercept

import (
	"encoding/binary"
	"fmt"

	"github.com/sbx-tool/sbxhook/pkg/memory"
)

// Reg names a general purpose register in a probe's register block.
type Reg int

const (
	RegFlags Reg = iota
	RegAX
	RegCX
	RegDX
	RegBX
	RegSP
	RegBP
	RegSI
	RegDI
	RegR8
	RegR9
	RegR10
	RegR11
	RegR12
	RegR13
	RegR14
	RegR15
)

var regNames = [...]string{"flags", "ax", "cx", "dx", "bx", "sp", "bp", "si", "di", "r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15"}

func (r Reg) String() string {
	if r < 0 || int(r) >= len(regNames) {
		return fmt.Sprintf("Reg(%d)", int(r))
	}
	return regNames[r]
}

// offsets of the saved registers from the bottom of the block, as laid out
// by pushfd after pushad on 386
var regOffsets386 = map[Reg]uintptr{
	RegFlags: 0, RegDI: 4, RegSI: 8, RegBP: 12, RegSP: 16,
	RegBX: 20, RegDX: 24, RegCX: 28, RegAX: 32,
}

// amd64 pushes rax..rdi, r8..r15 then the flags; rsp is not saved
var regOffsetsAMD64 = map[Reg]uintptr{
	RegFlags: 0, RegR15: 8, RegR14: 16, RegR13: 24, RegR12: 32,
	RegR11: 40, RegR10: 48, RegR9: 56, RegR8: 64, RegDI: 72,
	RegSI: 80, RegBP: 88, RegBX: 96, RegDX: 104, RegCX: 112, RegAX: 120,
}

// Registers is the block of registers a probe saved on the stack. Changes
// made with Set are loaded back into the registers when the probe returns.
type Registers struct {
	v    memory.View
	mode int
}

// NewRegisters returns the register block at addr, as passed to a probe
// callback.
func NewRegisters(mem memory.Space, addr uintptr, mode int) Registers {
	return Registers{v: memory.NewView(mem, addr), mode: mode}
}

func (r Registers) offset(reg Reg) (uintptr, error) {
	tab := regOffsets386
	if r.mode == 64 {
		tab = regOffsetsAMD64
	}
	off, ok := tab[reg]
	if !ok {
		return 0, fmt.Errorf("register %s not saved in %d-bit mode", reg, r.mode)
	}
	return off, nil
}

// Get returns the saved value of reg.
func (r Registers) Get(reg Reg) (uint64, error) {
	off, err := r.offset(reg)
	if err != nil {
		return 0, err
	}
	if r.mode == 32 {
		v, err := memory.Read[uint32](r.v, off)
		return uint64(v), err
	}
	return memory.Read[uint64](r.v, off)
}

// Set replaces the saved value of reg.
func (r Registers) Set(reg Reg, val uint64) error {
	off, err := r.offset(reg)
	if err != nil {
		return err
	}
	if r.mode == 32 {
		return memory.Write(r.v, off, uint32(val))
	}
	return memory.Write(r.v, off, val)
}

// InstallProbe prepares a probe at target. When reached, the probe saves
// all general purpose registers and the flags, calls callback with the
// address of the saved block as its only argument, restores the registers
// and continues with the relocated original instructions. callback must
// pop its argument on 386 (stdcall).
func InstallProbe(mem memory.Space, target, callback uintptr, opts ...Option) (*Handle, error) {
	return install(mem, target, callback, true, opts)
}

// probeStub returns the register saving stub placed at at. The trampoline
// directly follows it.
func probeStub(at, callback uintptr, mode int) []byte {
	if mode == 32 {
		// pushad; pushfd; push esp; call callback; popfd; popad
		b := []byte{0x60, 0x9C, 0x54, opCallRel, 0, 0, 0, 0, 0x9D, 0x61}
		d, _ := rel32(at+3, callback, 5, mode)
		putRel32(b[4:8], d)
		return b
	}

	// push rax, rcx, rdx, rbx, rbp, rsi, rdi, r8-r15; pushfq
	b := []byte{
		0x50, 0x51, 0x52, 0x53, 0x55, 0x56, 0x57,
		0x41, 0x50, 0x41, 0x51, 0x41, 0x52, 0x41, 0x53,
		0x41, 0x54, 0x41, 0x55, 0x41, 0x56, 0x41, 0x57,
		0x9C,
	}
	// mov rcx, rsp; mov rbx, rsp; and rsp, -16; sub rsp, 32; mov rax, callback; call rax; mov rsp, rbx
	b = append(b, 0x48, 0x89, 0xE1, 0x48, 0x89, 0xE3, 0x48, 0x83, 0xE4, 0xF0, 0x48, 0x83, 0xEC, 0x20, 0x48, 0xB8)
	b = binary.LittleEndian.AppendUint64(b, uint64(callback))
	b = append(b, 0xFF, 0xD0, 0x48, 0x89, 0xDC)
	// popfq; pop r15-r8, rdi, rsi, rbp, rbx, rdx, rcx, rax
	b = append(b,
		0x9D,
		0x41, 0x5F, 0x41, 0x5E, 0x41, 0x5D, 0x41, 0x5C,
		0x41, 0x5B, 0x41, 0x5A, 0x41, 0x59, 0x41, 0x58,
		0x5F, 0x5E, 0x5D, 0x5B, 0x5A, 0x59, 0x58,
	)
	return b
}
