package intercept

import (
	"encoding/binary"
	"math"
)

const (
	jmpRel32Len = 5
	jmpAbs64Len = 14

	opJmpRel32 = 0xE9
	opCallRel  = 0xE8
	opNop      = 0x90
	opInt3     = 0xCC
)

// JumpLen is the number of bytes a detour overwrites at its target.
const JumpLen = jmpRel32Len

// rel32 computes the displacement of a rel32 operand of an instruction of
// length instLen at from that reaches to. In 32-bit mode every address is
// reachable by wrapping around.
func rel32(from, to uintptr, instLen int, mode int) (int32, bool) {
	if mode == 32 {
		return int32(uint32(to) - uint32(from) - uint32(instLen)), true
	}
	d := int64(to) - int64(from) - int64(instLen)
	if d < math.MinInt32 || d > math.MaxInt32 {
		return 0, false
	}
	return int32(d), true
}

func putRel32(b []byte, d int32) {
	binary.LittleEndian.PutUint32(b, uint32(d))
}

// encodeJump returns the shortest jump from from to to: E9 rel32 when
// reachable, otherwise JMP [RIP+0] followed by the absolute target.
func encodeJump(from, to uintptr, mode int) []byte {
	if d, ok := rel32(from, to, jmpRel32Len, mode); ok {
		b := make([]byte, jmpRel32Len)
		b[0] = opJmpRel32
		putRel32(b[1:], d)
		return b
	}
	b := make([]byte, jmpAbs64Len)
	b[0], b[1] = 0xFF, 0x25
	binary.LittleEndian.PutUint64(b[6:], uint64(to))
	return b
}

// detourPatch is the code written over the target: a rel32 jump to the
// relay padded with NOPs to the length of the stolen instructions.
func detourPatch(target, relay uintptr, stolen int, mode int) ([]byte, bool) {
	d, ok := rel32(target, relay, jmpRel32Len, mode)
	if !ok {
		return nil, false
	}
	b := make([]byte, stolen)
	b[0] = opJmpRel32
	putRel32(b[1:5], d)
	for i := jmpRel32Len; i < stolen; i++ {
		b[i] = opNop
	}
	return b, true
}

// decodeJump returns the destination of a jump written by encodeJump, or
// false if code does not start with one.
func decodeJump(code []byte, at uintptr, mode int) (uintptr, bool) {
	switch {
	case len(code) >= jmpRel32Len && code[0] == opJmpRel32:
		d := int32(binary.LittleEndian.Uint32(code[1:]))
		if mode == 32 {
			return uintptr(uint32(at) + jmpRel32Len + uint32(d)), true
		}
		return uintptr(int64(at) + jmpRel32Len + int64(d)), true
	case len(code) >= jmpAbs64Len && code[0] == 0xFF && code[1] == 0x25 && binary.LittleEndian.Uint32(code[2:]) == 0:
		return uintptr(binary.LittleEndian.Uint64(code[6:])), true
	}
	return 0, false
}
