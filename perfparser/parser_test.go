package perfparser

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aclements/perfcapture/dsoid"
	"github.com/aclements/perfcapture/perffile"
)

func TestMapMmapAndSampleResolves(t *testing.T) {
	s := newState(DefaultOptions())

	mmap := &perffile.RecordMmap{
		RecordCommon: perffile.RecordCommon{PID: 100, TID: 100},
		Addr:         0x1000,
		Len:          0x1000,
		FileOffset:   0,
		Filename:     "/usr/bin/prog",
	}
	s.mapMmap(mmap, 0)
	s.mmapOwner[0] = &ParsedEvent{EventPtr: mmap}

	sample := &perffile.RecordSample{
		RecordCommon: perffile.RecordCommon{PID: 100, TID: 100, Format: perffile.SampleFormatIP | perffile.SampleFormatTID},
		IP:           0x1010,
	}
	pe := &ParsedEvent{EventPtr: sample}
	s.mapSample(sample, pe)

	require.NotNil(t, pe.DSOAndOffset.DSO)
	require.Equal(t, "/usr/bin/prog", pe.DSOAndOffset.DSO.Name)
	require.Equal(t, uint64(0x10), pe.DSOAndOffset.Offset)
	require.Equal(t, uint32(1), s.stats.NumSampleEventsMapped)
	require.True(t, pe.DSOAndOffset.DSO.Hit)
}

func TestMapSampleUnmapped(t *testing.T) {
	s := newState(DefaultOptions())
	sample := &perffile.RecordSample{
		RecordCommon: perffile.RecordCommon{PID: 7, TID: 7, Format: perffile.SampleFormatIP},
		IP:           0xdeadbeef,
	}
	pe := &ParsedEvent{EventPtr: sample}
	s.mapSample(sample, pe)

	require.Nil(t, pe.DSOAndOffset.DSO)
	require.Equal(t, uint32(0), s.stats.NumSampleEventsMapped)
}

func TestMapForkClonesParentMapper(t *testing.T) {
	s := newState(DefaultOptions())
	parent := &perffile.RecordMmap{
		RecordCommon: perffile.RecordCommon{PID: 1, TID: 1},
		Addr:         0x2000,
		Len:          0x1000,
		Filename:     "/usr/bin/parent",
	}
	s.mapMmap(parent, 0)
	s.mmapOwner[0] = &ParsedEvent{EventPtr: parent}

	fork := &perffile.RecordFork{RecordCommon: perffile.RecordCommon{PID: 2, TID: 2}, PPID: 1, PTID: 1}
	s.mapFork(fork)

	sample := &perffile.RecordSample{
		RecordCommon: perffile.RecordCommon{PID: 2, TID: 2, Format: perffile.SampleFormatIP},
		IP:           0x2010,
	}
	pe := &ParsedEvent{EventPtr: sample}
	s.mapSample(sample, pe)

	require.NotNil(t, pe.DSOAndOffset.DSO)
	require.Equal(t, "/usr/bin/parent", pe.DSOAndOffset.DSO.Name)
}

func TestMapForkSameThreadIsNoop(t *testing.T) {
	s := newState(DefaultOptions())
	fork := &perffile.RecordFork{RecordCommon: perffile.RecordCommon{PID: 5, TID: 9}, PPID: 5, PTID: 5}
	s.mapFork(fork)
	_, ok := s.processMappers[5]
	require.False(t, ok)
}

func TestMapCommRecordsPidtidToComm(t *testing.T) {
	s := newState(DefaultOptions())
	comm := &perffile.RecordComm{RecordCommon: perffile.RecordCommon{PID: 3, TID: 3}, Comm: "myproc"}
	s.mapComm(comm)
	require.Equal(t, "myproc", s.pidtidToComm[dsoid.PidTid{PID: 3, TID: 3}])
	require.True(t, s.commands["myproc"])
}

func TestIsContextMarker(t *testing.T) {
	require.True(t, isContextMarker(perffile.CallchainKernel))
	require.True(t, isContextMarker(perffile.CallchainGuestUser))
	require.False(t, isContextMarker(0x1000))
	require.False(t, isContextMarker(0x7fffffffffffffff))
}

func TestDiscardUnusedMmaps(t *testing.T) {
	used := &ParsedEvent{EventPtr: &perffile.RecordMmap{}, NumSamplesInMmapRegion: 1}
	unused := &ParsedEvent{EventPtr: &perffile.RecordMmap{}}
	other := &ParsedEvent{EventPtr: &perffile.RecordComm{}}

	out := discardUnusedMmaps([]*ParsedEvent{used, unused, other})
	require.Len(t, out, 2)
	require.Same(t, used, out[0])
	require.Same(t, other, out[1])
}
