package addrmap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMapWithIDSplit(t *testing.T) {
	m := New()
	m.SetPageAlignment(0x1000)

	require.NoError(t, m.MapWithID(0x3000, 0x8000, 0xdeadbeef, 0, true))
	require.NoError(t, m.MapWithID(0x5000, 0x2000, 0xfeedbabe, 0, true))

	ranges := m.Ranges()
	require.Len(t, ranges, 3)

	require.Equal(t, uint64(0x3000), ranges[0].RealAddr)
	require.Equal(t, uint64(0x5000), ranges[0].RealAddr+ranges[0].Size)
	require.Equal(t, uint64(0xdeadbeef), ranges[0].ID)

	require.Equal(t, uint64(0x5000), ranges[1].RealAddr)
	require.Equal(t, uint64(0x7000), ranges[1].RealAddr+ranges[1].Size)
	require.Equal(t, uint64(0xfeedbabe), ranges[1].ID)

	require.Equal(t, uint64(0x7000), ranges[2].RealAddr)
	require.Equal(t, uint64(0xb000), ranges[2].RealAddr+ranges[2].Size)
	require.Equal(t, uint64(0xdeadbeef), ranges[2].ID)
}

func TestMapWithIDMisalignedSplitFails(t *testing.T) {
	m := New()
	m.SetPageAlignment(0x1000)
	require.NoError(t, m.MapWithID(0x3000, 0x8000, 0xdeadbeef, 0, true))

	err := m.MapWithID(0x4800, 0x2000, 0x1, 0, true)
	require.Error(t, err)
}

func TestLookup(t *testing.T) {
	m := New()
	require.NoError(t, m.MapWithID(0x1000, 0x1000, 42, 0x10, true))

	addr, id, off, ok := m.Lookup(0x1005)
	require.True(t, ok)
	require.Equal(t, uint64(42), id)
	require.Equal(t, uint64(0x10+0x5), off)
	require.Equal(t, addr, addr) // synthetic address is implementation-placed; just exercised

	_, _, _, ok = m.Lookup(0x2005)
	require.False(t, ok)
}

func TestCloneIsIndependent(t *testing.T) {
	m := New()
	require.NoError(t, m.MapWithID(0x1000, 0x1000, 1, 0, true))
	c := m.Clone()
	require.NoError(t, c.MapWithID(0x5000, 0x1000, 2, 0, true))

	require.Equal(t, 1, m.NumMappedRanges())
	require.Equal(t, 2, c.NumMappedRanges())
}

func TestEmptyMapper(t *testing.T) {
	m := New()
	require.True(t, m.IsEmpty())
	require.Equal(t, uint64(0), m.MaxMappedLength())
}

func TestSetPageAlignmentRejectsNonPowerOfTwo(t *testing.T) {
	m := New()
	m.SetPageAlignment(3)
	require.Equal(t, uint64(0), m.PageAlignment())
	m.SetPageAlignment(0x1000)
	require.Equal(t, uint64(0x1000), m.PageAlignment())
}
