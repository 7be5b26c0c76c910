package perfparser

import "github.com/aclements/perfcapture/dsoid"

// DSOInfo describes a single mapped binary image, keyed by its
// filename together with its device/inode identity (see dsoKey). The
// same DSOInfo is shared by every mmap region and every resolved
// sample/callchain/branch entry that points into that image.
type DSOInfo struct {
	Name     string
	BuildID  []byte
	Maj, Min uint32
	Ino      uint64

	// Hit reports whether any sample, callchain, or branch-stack entry
	// ever resolved into this DSO.
	Hit bool

	// Threads is the set of (pid, tid) pairs observed sampling inside
	// this DSO.
	Threads map[dsoid.PidTid]bool
}

func newDSOInfo(name string, maj, min uint32, ino uint64) *DSOInfo {
	return &DSOInfo{
		Name:    name,
		Maj:     maj,
		Min:     min,
		Ino:     ino,
		Threads: make(map[dsoid.PidTid]bool),
	}
}

func (d *DSOInfo) deviceInode() dsoid.DeviceInode {
	return dsoid.DeviceInode{Major: d.Maj, Minor: d.Min, Ino: d.Ino}
}

// dsoKey identifies a DSO table entry. Two mmaps of the same filename
// but different device/inode (e.g. after a binary is replaced on disk
// mid-capture) are kept distinct.
type dsoKey struct {
	name     string
	maj, min uint32
	ino      uint64
}

func (s *State) getOrCreateDSO(name string, maj, min uint32, ino uint64) *DSOInfo {
	k := dsoKey{name, maj, min, ino}
	if d, ok := s.dsos[k]; ok {
		return d
	}
	d := newDSOInfo(name, maj, min, ino)
	s.dsos[k] = d
	return d
}
