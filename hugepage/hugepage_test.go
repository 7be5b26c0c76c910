package hugepage

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aclements/perfcapture/perffile"
)

func mmap(pid int, addr, length, pgoff uint64, name string) *perffile.RecordMmap {
	return &perffile.RecordMmap{
		RecordCommon: perffile.RecordCommon{PID: pid, TID: pid},
		Addr:         addr,
		Len:          length,
		FileOffset:   pgoff,
		Filename:     name,
	}
}

func TestDeduceAndCombineThreeSegments(t *testing.T) {
	const f = "/opt/google/chrome/chrome"
	events := []perffile.Record{
		mmap(1234, 0x40000000, 0x18000, 0, f),
		mmap(1234, 0x40018000, 0x1e8000, 0, f),
		mmap(1234, 0x40200000, 0x1c00000, 0, "//anon"),
		mmap(1234, 0x41e00000, 0x4000000, 0x1de8000, f),
	}

	DeduceHugePages(events)
	merged := CombineMappings(events)

	require.Len(t, merged, 2)
	m0 := merged[0].(*perffile.RecordMmap)
	m1 := merged[1].(*perffile.RecordMmap)

	require.Equal(t, uint64(0x40000000), m0.Addr)
	require.Equal(t, uint64(0x18000), m0.Len)

	require.Equal(t, uint64(0x40018000), m1.Addr)
	require.Equal(t, uint64(0x5de8000), m1.Len)
	require.Equal(t, uint64(0), m1.FileOffset)
	require.Equal(t, f, m1.Filename)
}

func TestDeduceMissingPrefix(t *testing.T) {
	const f = "/some/binary"
	events := []perffile.Record{
		mmap(1, 0x28000, 0x1e00000, 0, "//anon"),
		mmap(1, 0x1e28000, 0x10000, 0x1e08000, f),
	}

	DeduceHugePages(events)
	merged := CombineMappings(events)

	require.Len(t, merged, 1)
	m0 := merged[0].(*perffile.RecordMmap)
	require.Equal(t, f, m0.Filename)
	require.Equal(t, uint64(0x28000), m0.Addr)
	require.Equal(t, uint64(0x1e10000), m0.Len)
	require.Equal(t, uint64(0x8000), m0.FileOffset)
}
