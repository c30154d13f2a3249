package intercept

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

var (
	// ErrRelocation is returned when a stolen instruction cannot be moved
	// to the trampoline.
	ErrRelocation = errors.New("instruction cannot be relocated")
	// ErrFunctionTooShort is returned when the code at the target ends
	// before enough bytes for the detour jump.
	ErrFunctionTooShort = errors.New("function too short to hook")
)

type relocKind uint8

const (
	relocCopy    relocKind = iota // position independent, copied verbatim
	relocJmp                      // JMP rel8/rel32
	relocCall                     // CALL rel32
	relocJcc                      // conditional jump rel8/rel32
	relocRIPData                  // RIP-relative memory operand
)

// Instruction is one instruction of a relocation plan.
type Instruction struct {
	PC    uintptr
	Bytes []byte
	Inst  x86asm.Inst
	// Dest is the absolute destination of a relative branch or
	// RIP-relative operand.
	Dest uintptr

	kind relocKind
}

// Text returns the Intel syntax disassembly of the instruction.
func (in *Instruction) Text() string {
	return x86asm.IntelSyntax(in.Inst, uint64(in.PC), nil)
}

// Plan describes the instructions a detour at Start overwrites.
type Plan struct {
	Mode   int
	Start  uintptr
	Insts  []Instruction
	Stolen int
}

var jccCodes = map[x86asm.Op]byte{
	x86asm.JO: 0x0, x86asm.JNO: 0x1, x86asm.JB: 0x2, x86asm.JAE: 0x3,
	x86asm.JE: 0x4, x86asm.JNE: 0x5, x86asm.JBE: 0x6, x86asm.JA: 0x7,
	x86asm.JS: 0x8, x86asm.JNS: 0x9, x86asm.JP: 0xA, x86asm.JNP: 0xB,
	x86asm.JL: 0xC, x86asm.JGE: 0xD, x86asm.JLE: 0xE, x86asm.JG: 0xF,
}

// NewPlan decodes code, the bytes at pc, until at least minLen bytes of
// whole instructions are covered. mode is 32 or 64.
func NewPlan(code []byte, pc uintptr, mode int, minLen int) (*Plan, error) {
	p := &Plan{Mode: mode, Start: pc}
	for p.Stolen < minLen {
		if p.Stolen >= len(code) {
			return nil, fmt.Errorf("%w: decoded past the end of the buffer at %#x", ErrFunctionTooShort, pc+uintptr(p.Stolen))
		}
		at := pc + uintptr(p.Stolen)
		inst, err := x86asm.Decode(code[p.Stolen:], mode)
		if err != nil {
			return nil, fmt.Errorf("%w: decoding at %#x: %v", ErrRelocation, at, err)
		}
		in := Instruction{PC: at, Bytes: code[p.Stolen : p.Stolen+inst.Len], Inst: inst}
		if err := classify(&in, mode); err != nil {
			return nil, err
		}
		p.Insts = append(p.Insts, in)
		p.Stolen += inst.Len

		if p.Stolen < minLen && endsFlow(inst) {
			return nil, fmt.Errorf("%w: %s at %#x after %d bytes", ErrFunctionTooShort, in.Text(), at, p.Stolen)
		}
	}
	// a branch back into the overwritten bytes would land in the middle of
	// the detour jump
	end := pc + uintptr(p.Stolen)
	for _, in := range p.Insts {
		if in.kind == relocJmp || in.kind == relocJcc {
			if in.Dest > pc && in.Dest < end {
				return nil, fmt.Errorf("%w: %s at %#x branches into the patched range", ErrRelocation, in.Text(), in.PC)
			}
		}
	}
	return p, nil
}

func endsFlow(inst x86asm.Inst) bool {
	switch inst.Op {
	case x86asm.RET, x86asm.LRET, x86asm.JMP, x86asm.LJMP, x86asm.INT, x86asm.UD2, x86asm.HLT:
		return true
	}
	return false
}

func classify(in *Instruction, mode int) error {
	inst := &in.Inst
	next := in.PC + uintptr(inst.Len)
	for _, a := range inst.Args {
		switch a := a.(type) {
		case x86asm.Rel:
			in.Dest = branchDest(next, int64(a), mode)
			switch {
			case inst.Op == x86asm.JMP:
				in.kind = relocJmp
			case inst.Op == x86asm.CALL:
				in.kind = relocCall
			default:
				if _, ok := jccCodes[inst.Op]; !ok {
					// LOOP, JCXZ and friends only have a rel8 form
					return fmt.Errorf("%w: %s at %#x", ErrRelocation, in.Text(), in.PC)
				}
				in.kind = relocJcc
			}
			return nil
		case x86asm.Mem:
			if a.Base == x86asm.RIP {
				if inst.PCRel != 4 {
					return fmt.Errorf("%w: %s at %#x has an unexpected displacement size", ErrRelocation, in.Text(), in.PC)
				}
				in.kind = relocRIPData
				in.Dest = branchDest(next, a.Disp, mode)
				return nil
			}
		}
	}
	in.kind = relocCopy
	return nil
}

func branchDest(next uintptr, rel int64, mode int) uintptr {
	if mode == 32 {
		return uintptr(uint32(int64(next) + rel))
	}
	return uintptr(int64(next) + rel)
}

// Relocate encodes the plan's instructions as they must appear when
// placed at at, followed by a jump back to the first instruction after
// the stolen bytes.
func (p *Plan) Relocate(at uintptr) ([]byte, error) {
	var out []byte
	for i := range p.Insts {
		in := &p.Insts[i]
		pc := at + uintptr(len(out))
		switch in.kind {
		case relocCopy:
			out = append(out, in.Bytes...)

		case relocJmp:
			out = append(out, encodeJump(pc, in.Dest, p.Mode)...)

		case relocCall:
			d, ok := rel32(pc, in.Dest, 5, p.Mode)
			if !ok {
				return nil, fmt.Errorf("%w: call target %#x out of reach of %#x", ErrRelocation, in.Dest, pc)
			}
			b := []byte{opCallRel, 0, 0, 0, 0}
			putRel32(b[1:], d)
			out = append(out, b...)

		case relocJcc:
			d, ok := rel32(pc, in.Dest, 6, p.Mode)
			if !ok {
				return nil, fmt.Errorf("%w: branch target %#x out of reach of %#x", ErrRelocation, in.Dest, pc)
			}
			b := []byte{0x0F, 0x80 | jccCodes[in.Inst.Op], 0, 0, 0, 0}
			putRel32(b[2:], d)
			out = append(out, b...)

		case relocRIPData:
			d, ok := rel32(pc, in.Dest, in.Inst.Len, p.Mode)
			if !ok {
				return nil, fmt.Errorf("%w: operand %#x out of reach of %#x", ErrRelocation, in.Dest, pc)
			}
			b := append([]byte(nil), in.Bytes...)
			// the displacement is not always last, an immediate may follow
			binary.LittleEndian.PutUint32(b[in.Inst.PCRelOff:], uint32(d))
			out = append(out, b...)
		}
	}
	back := p.Start + uintptr(p.Stolen)
	out = append(out, encodeJump(at+uintptr(len(out)), back, p.Mode)...)
	return out, nil
}

// String returns a disassembly listing of the plan.
func (p *Plan) String() string {
	var sb strings.Builder
	for i := range p.Insts {
		in := &p.Insts[i]
		fmt.Fprintf(&sb, "%#x\t% x\t%s\n", in.PC, in.Bytes, in.Text())
	}
	return sb.String()
}
