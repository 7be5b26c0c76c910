package perfparser

import "github.com/aclements/perfcapture/perffile"

// cloneRecord returns a copy of r that is safe to retain past the next
// call to (*perffile.Records).Next. Next reuses a handful of per-type
// scratch structs (mmap, comm, exit, fork, sample) across iterations,
// so any record we want to keep around — to sort by time, or to refer
// back to later when mapping samples against it — has to be copied out
// of that scratch storage first.
func cloneRecord(r perffile.Record) perffile.Record {
	switch o := r.(type) {
	case *perffile.RecordMmap:
		c := *o
		return &c
	case *perffile.RecordComm:
		c := *o
		return &c
	case *perffile.RecordExit:
		c := *o
		return &c
	case *perffile.RecordFork:
		c := *o
		return &c
	case *perffile.RecordSample:
		c := *o
		c.Callchain = append([]uint64(nil), o.Callchain...)
		c.BranchStack = append([]perffile.BranchRecord(nil), o.BranchStack...)
		c.SampleRead = append([]perffile.Count(nil), o.SampleRead...)
		c.RegsUser = append([]uint64(nil), o.RegsUser...)
		c.StackUser = append([]byte(nil), o.StackUser...)
		return &c
	default:
		// Every other record type is freshly allocated by Next, so
		// it's already safe to retain.
		return r
	}
}
