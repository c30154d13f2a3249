package memory

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSimReadWrite(t *testing.T) {
	s := NewSim(4)
	s.Map(0x1000, []byte{1, 2, 3, 4, 5, 6, 7, 8}, ProtRX)
	s.Map(0x1008, []byte{9, 10}, ProtRX)

	buf, err := ReadFull(s, 0x1006, 4)
	require.NoError(t, err)
	require.Equal(t, []byte{7, 8, 9, 10}, buf)

	require.NoError(t, WriteCode(s, 0x1007, []byte{0xaa, 0xbb}))
	require.Equal(t, []byte{6, 7, 0xaa, 0xbb}, s.Bytes(0x1005, 4))
	require.Equal(t, 1, s.Writes())
	require.Equal(t, 1, s.Flushes())

	_, err = ReadFull(s, 0x1009, 2)
	require.True(t, errors.Is(err, ErrInvalidAddress))
}

func TestSimWriteFailureLeavesMemory(t *testing.T) {
	s := NewSim(4)
	s.Map(0x1000, []byte{1, 2, 3, 4}, ProtRX)
	s.FailWriteAt(0x1002)

	err := WriteCode(s, 0x1000, []byte{0, 0, 0, 0})
	require.True(t, errors.Is(err, ErrMemoryProtection))
	require.Equal(t, []byte{1, 2, 3, 4}, s.Bytes(0x1000, 4))
	require.Equal(t, 0, s.Writes())

	s.ClearFailures()
	s.Lock(0x1000)
	_, err = s.WriteMemory(0x1000, []byte{0})
	require.True(t, errors.Is(err, ErrMemoryProtection))
}

func TestCheckExecutable(t *testing.T) {
	s := NewSim(4)
	s.Map(0x1000, make([]byte, 16), ProtRX)
	s.Map(0x2000, make([]byte, 16), ProtRW)

	require.NoError(t, CheckExecutable(s, 0x1000, 5))
	require.True(t, errors.Is(CheckExecutable(s, 0x2000, 5), ErrInvalidAddress))
	require.True(t, errors.Is(CheckExecutable(s, 0x3000, 5), ErrInvalidAddress))
	require.True(t, errors.Is(CheckExecutable(s, 0, 5), ErrInvalidAddress))
	require.True(t, errors.Is(CheckExecutable(s, 0x100e, 5), ErrInvalidAddress))
}

func TestSimAllocNear(t *testing.T) {
	s := NewSim(8)
	s.Map(0x400000, make([]byte, 0x100), ProtRX)
	p, err := s.AllocNear(0x400010, 64)
	require.NoError(t, err)
	require.Equal(t, uintptr(0x410000), p)
	r, err := s.Query(p)
	require.NoError(t, err)
	require.True(t, r.Executable())
}

func TestView(t *testing.T) {
	s := NewSim(4)
	// outer: +0 pointer to inner, +4 uint32, +8 int32
	s.Map(0x1000, []byte{
		0x00, 0x20, 0x00, 0x00,
		0x10, 0x27, 0x00, 0x00,
		0xff, 0xff, 0xff, 0xff,
		0x00, 0x00, 0x00, 0x00,
	}, ProtRW)
	s.Map(0x2000, []byte{0x2c, 0x01, 0x00, 0x00}, ProtRW)

	v := NewView(s, 0x1000)
	n, err := Read[uint32](v, 4)
	require.NoError(t, err)
	require.Equal(t, uint32(10000), n)

	i, err := Read[int32](v, 8)
	require.NoError(t, err)
	require.Equal(t, int32(-1), i)

	inner, err := v.Deref(0)
	require.NoError(t, err)
	hp, err := Read[uint32](inner, 0)
	require.NoError(t, err)
	require.Equal(t, uint32(300), hp)

	require.NoError(t, Write[uint32](inner, 0, 9999))
	hp, err = Read[uint32](inner, 0)
	require.NoError(t, err)
	require.Equal(t, uint32(9999), hp)

	null, err := v.Deref(12)
	require.NoError(t, err)
	require.True(t, null.IsNil())
	_, err = Read[uint32](null, 0)
	require.True(t, errors.Is(err, ErrInvalidAddress))
}

func TestProtectionString(t *testing.T) {
	require.Equal(t, "r-x", ProtRX.String())
	require.Equal(t, "rw-", ProtRW.String())
	require.Equal(t, "---", ProtNone.String())
}
