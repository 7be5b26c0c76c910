package perffile

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBufEncoderRoundTrip(t *testing.T) {
	be := bufEncoder{order: binary.LittleEndian}
	be.u16(0x1234)
	be.u32(0xdeadbeef)
	be.i32(-7)
	be.u64(0x0102030405060708)
	be.u64s([]uint64{1, 2, 3})
	be.cstring("hello")
	be.lenString("world")
	be.stringList([]string{"a", "bb"})

	bd := bufDecoder{be.buf, binary.LittleEndian}
	require.Equal(t, uint16(0x1234), bd.u16())
	require.Equal(t, uint32(0xdeadbeef), bd.u32())
	require.Equal(t, int32(-7), bd.i32())
	require.Equal(t, uint64(0x0102030405060708), bd.u64())
	got := make([]uint64, 3)
	bd.u64s(got)
	require.Equal(t, []uint64{1, 2, 3}, got)
	require.Equal(t, "hello", bd.cstring())
	require.Equal(t, "world", bd.lenString())
	require.Equal(t, []string{"a", "bb"}, bd.stringList())
}

func TestBufEncoderConditional(t *testing.T) {
	be := bufEncoder{order: binary.BigEndian}
	be.u32If(false, 0xffffffff)
	be.u32If(true, 42)
	be.u64If(false, 0xffffffffffffffff)
	be.u64If(true, 99)

	bd := bufDecoder{be.buf, binary.BigEndian}
	require.Equal(t, uint32(42), bd.u32())
	require.Equal(t, uint64(99), bd.u64())
}

func TestLenStringPadsPayloadTo8Bytes(t *testing.T) {
	be := bufEncoder{order: binary.LittleEndian}
	be.lenString("ab")
	require.Zero(t, (len(be.buf)-4)%8) // length prefix, then an 8-byte-aligned payload
}
