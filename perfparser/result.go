package perfparser

import "github.com/aclements/perfcapture/perffile"

// DSOAndOffset is a resolved address: the DSO it fell inside of, and
// its offset within that DSO's file (the mapping's file offset plus the
// address's distance from the start of the mapping). DSO is nil when
// the address didn't resolve to any known mapping.
type DSOAndOffset struct {
	DSO    *DSOInfo
	Offset uint64
}

// BranchEntry is one resolved entry of a sample's branch stack.
type BranchEntry struct {
	Predicted bool
	From, To  DSOAndOffset
}

// ParsedEvent pairs a raw record with the symbol-resolution results
// computed for it. Every field besides EventPtr is zero for event
// types that carry no addresses to resolve.
type ParsedEvent struct {
	EventPtr perffile.Record

	// NumSamplesInMmapRegion counts the samples that landed in this
	// event's mapped region; only meaningful when EventPtr is a
	// *perffile.RecordMmap.
	NumSamplesInMmapRegion uint32

	// Command is the resolved comm string for the event's (pid, tid),
	// when known.
	Command *string

	DSOAndOffset DSOAndOffset
	Callchain    []DSOAndOffset
	BranchStack  []BranchEntry
}

// Result is the outcome of a parse: the resolved event stream plus the
// accumulated statistics and DSO table.
type Result struct {
	Events []ParsedEvent
	Stats  PerfEventStats
	DSOs   []*DSOInfo
}
