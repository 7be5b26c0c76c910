package perfparser

import (
	"sort"

	"github.com/aclements/perfcapture/addrmap"
	"github.com/aclements/perfcapture/dsoid"
	"github.com/aclements/perfcapture/hugepage"
	"github.com/aclements/perfcapture/perferrors"
	"github.com/aclements/perfcapture/perffile"
)

// kernelPID is the pid perf uses for the kernel's own mmaps
// ([kernel.kallsyms]_text and loaded modules). It's a real value that
// appears in the capture (the kernel reports its own pid as -1), not a
// synthetic one we invent; FORK handling falls back to the mapper
// registered under this pid when a forking thread's parent has none of
// its own yet.
const kernelPID = -1

// contextMax is PERF_CONTEXT_MAX (-4095): a lower bound (as an unsigned
// 64-bit value) on the Callchain* context markers perf interleaves into
// a callchain to mark which stack (kernel, user, a guest's kernel, ...)
// the following IPs came from; it is not itself one of those markers,
// the smallest of which is CallchainGuestUser. Every context marker satisfies
// entry >= contextMax, since each marker encodes a small negative
// number and more negative numbers produce smaller unsigned values.
const contextMax uint64 = 0xfffffffffffff001

func isContextMarker(entry uint64) bool {
	return entry >= contextMax
}

// State holds the accumulated address mappers, DSO table, and command
// names built up over the course of a parse.
type State struct {
	opts PerfParserOptions

	processMappers map[int]*addrmap.Mapper
	dsos           map[dsoKey]*DSOInfo

	commands     map[string]bool
	pidtidToComm map[dsoid.PidTid]string

	stats PerfEventStats

	mmapOwner map[uint64]*ParsedEvent // mapping id -> the ParsedEvent for the RecordMmap that registered it
}

func newState(opts PerfParserOptions) *State {
	s := &State{
		opts:           opts,
		processMappers: make(map[int]*addrmap.Mapper),
		dsos:           make(map[dsoKey]*DSOInfo),
		commands:       make(map[string]bool),
		pidtidToComm:   make(map[dsoid.PidTid]string),
		mmapOwner:      make(map[uint64]*ParsedEvent),
	}
	s.commands["swapper"] = true
	s.pidtidToComm[dsoid.PidTid{PID: 0, TID: 0}] = "swapper"
	return s
}

// ProcessEvents reads every record from f, resolves sample, callchain,
// and branch-stack addresses to a DSO and offset, and optionally
// remaps addresses into each process mapper's synthetic space.
func ProcessEvents(f *perffile.File, opts PerfParserOptions) (*Result, error) {
	if opts.DoRemap && opts.CombineMappings {
		return nil, perferrors.New(perferrors.InconsistentAttributes,
			"do_remap and combine_mappings cannot both be set")
	}

	var events []perffile.Record
	rs := f.Records(perffile.RecordsFileOrder)
	for rs.Next() {
		if rs.Record.Type() == perffile.RecordTypeFinishedRound {
			continue
		}
		events = append(events, cloneRecord(rs.Record))
	}
	if err := rs.Err(); err != nil {
		return nil, perferrors.Wrap(perferrors.IOError, err, "reading records")
	}

	if opts.DeduceHugePageMappings {
		hugepage.DeduceHugePages(events)
	}
	if opts.CombineMappings {
		events = hugepage.CombineMappings(events)
	}
	if opts.SortEventsByTime {
		sortEventsByTime(events)
	}

	s := newState(opts)
	parsed := make([]*ParsedEvent, 0, len(events))
	for id, r := range events {
		pe := &ParsedEvent{EventPtr: r}
		parsed = append(parsed, pe)

		switch o := r.(type) {
		case *perffile.RecordMmap:
			s.stats.NumMmapEvents++
			s.mmapOwner[uint64(id)] = pe
			s.mapMmap(o, uint64(id))
		case *perffile.RecordFork:
			s.stats.NumForkEvents++
			s.mapFork(o)
		case *perffile.RecordComm:
			s.stats.NumCommEvents++
			s.mapComm(o)
		case *perffile.RecordExit:
			s.stats.NumExitEvents++
		case *perffile.RecordSample:
			s.stats.NumSampleEvents++
			s.mapSample(o, pe)
		}
	}
	s.stats.DidRemap = opts.DoRemap

	if opts.ReadMissingBuildIDs {
		s.fillInDSOBuildIDs(f)
	}

	if opts.DiscardUnusedEvents {
		parsed = discardUnusedMmaps(parsed)
	}

	if s.stats.MappedFraction()*100 < opts.SampleMappingPercentageThreshold {
		return nil, perferrors.New(perferrors.InsufficientMapping,
			"only %.2f%% of samples mapped to a DSO, want >= %.2f%%",
			s.stats.MappedFraction()*100, opts.SampleMappingPercentageThreshold)
	}

	result := &Result{Stats: s.stats}
	for _, pe := range parsed {
		result.Events = append(result.Events, *pe)
	}
	for _, d := range s.dsos {
		result.DSOs = append(result.DSOs, d)
	}
	return result, nil
}

func discardUnusedMmaps(parsed []*ParsedEvent) []*ParsedEvent {
	out := parsed[:0]
	for _, pe := range parsed {
		if _, ok := pe.EventPtr.(*perffile.RecordMmap); ok && pe.NumSamplesInMmapRegion == 0 {
			continue
		}
		out = append(out, pe)
	}
	return out
}

func recordTime(r perffile.Record) (uint64, bool) {
	c := r.Common()
	if c.Format&perffile.SampleFormatTime != 0 {
		return c.Time, true
	}
	return 0, false
}

// sortEventsByTime stable-sorts events chronologically. If any event
// lacks a usable timestamp, no event is moved.
func sortEventsByTime(events []perffile.Record) {
	times := make([]uint64, len(events))
	ok := make([]bool, len(events))
	for i, r := range events {
		times[i], ok[i] = recordTime(r)
		if !ok[i] {
			return // can't sort a stream that doesn't carry times throughout
		}
	}
	sort.SliceStable(events, func(i, j int) bool { return times[i] < times[j] })
}

func (s *State) getOrCreateProcessMapper(pid int) *addrmap.Mapper {
	if m, ok := s.processMappers[pid]; ok {
		return m
	}
	m := newMapper(s.opts)
	s.processMappers[pid] = m
	return m
}

func (s *State) mapMmap(o *perffile.RecordMmap, id uint64) {
	start, length, pgoff := o.Addr, o.Len, o.FileOffset

	// The kernel's own mmap (always the first mmap in a capture) can
	// carry a page offset that falls inside its own mapped range,
	// rather than describing an offset into a backing file; normalize
	// it back to an offset-0 mapping so later lookups land correctly.
	if id == 0 && pgoff >= start && pgoff < start+length {
		length = length + start - pgoff
		start = pgoff
		pgoff = 0
	}

	mapper := s.getOrCreateProcessMapper(o.PID)
	// A malformed individual mmap record (zero length, an address-space
	// overflow) shouldn't abort parsing the rest of the capture; later
	// samples into this region will simply fail to resolve.
	err := mapper.MapWithID(start, length, id, pgoff, true)
	if err == nil && s.opts.DoRemap {
		if mapped, _, _, ok := mapper.Lookup(start); ok {
			o.Addr, o.Len, o.FileOffset = mapped, length, pgoff
		}
	}

	d := s.getOrCreateDSO(o.Filename, o.Major, o.Minor, o.Ino)
	if len(o.BuildID) > 0 {
		d.BuildID = o.BuildID
	}
}

func (s *State) mapFork(o *perffile.RecordFork) {
	if o.PID == o.PPID {
		return // new thread in an existing process, not a new address space
	}
	if parent, ok := s.processMappers[o.PPID]; ok {
		s.processMappers[o.PID] = parent.Clone()
		return
	}
	if kernel, ok := s.processMappers[kernelPID]; ok {
		s.processMappers[o.PID] = kernel.Clone()
		return
	}
	s.processMappers[o.PID] = newMapper(s.opts)
}

func (s *State) mapComm(o *perffile.RecordComm) {
	s.getOrCreateProcessMapper(o.PID)
	s.commands[o.Comm] = true
	s.pidtidToComm[dsoid.PidTid{PID: o.PID, TID: o.TID}] = o.Comm
}

// mapperFor returns pid's own mapper, if it has one. It does no
// fallback itself; lookupAndMark retries against the kernel's mapper
// when pid has no mapper or its mapper doesn't cover an address, since
// kernel code can run "inside" any process's context.
func (s *State) mapperFor(pid int) (*addrmap.Mapper, bool) {
	if m, ok := s.processMappers[pid]; ok {
		return m, true
	}
	return nil, false
}

func (s *State) recordHit(pid, tid int, id uint64, d *DSOInfo) {
	d.Hit = true
	d.Threads[dsoid.PidTid{PID: pid, TID: tid}] = true
	if pe, ok := s.mmapOwner[id]; ok {
		pe.NumSamplesInMmapRegion++
	}
}

func (s *State) mapSample(o *perffile.RecordSample, pe *ParsedEvent) {
	if comm, ok := s.pidtidToComm[dsoid.PidTid{PID: o.PID, TID: o.TID}]; ok {
		c := comm
		pe.Command = &c
	}

	origIP := o.IP
	if o.Format&perffile.SampleFormatIP != 0 {
		if mapped, dso, off, ok := s.lookupAndMark(o.PID, o.TID, o.IP); ok {
			pe.DSOAndOffset = DSOAndOffset{DSO: dso, Offset: off}
			s.stats.NumSampleEventsMapped++
			if s.opts.DoRemap {
				s.verifyAlignment(o.IP, mapped)
				o.IP = mapped
			}
		}
	}

	if o.Format&perffile.SampleFormatCallchain != 0 {
		stackPID := o.PID
		for i, entry := range o.Callchain {
			if isContextMarker(entry) {
				continue
			}
			if entry == origIP {
				// Collapses to the sample IP's own resolution above.
				pe.Callchain = append(pe.Callchain, pe.DSOAndOffset)
				if s.opts.DoRemap {
					o.Callchain[i] = o.IP
				}
				continue
			}
			mapped, dso, off, ok := s.lookupAndMark(stackPID, o.TID, entry)
			if !ok {
				pe.Callchain = append(pe.Callchain, DSOAndOffset{})
				continue
			}
			pe.Callchain = append(pe.Callchain, DSOAndOffset{DSO: dso, Offset: off})
			if s.opts.DoRemap {
				o.Callchain[i] = mapped
			}
		}
	}

	if o.Format&perffile.SampleFormatBranchStack != 0 {
		stack := o.BranchStack
		for len(stack) > 0 && stack[len(stack)-1].From == 0 && stack[len(stack)-1].To == 0 {
			stack = stack[:len(stack)-1]
		}
		for i := range stack {
			e := &stack[i]
			be := BranchEntry{Predicted: e.Flags&perffile.BranchFlagPredicted != 0}
			if mapped, dso, off, ok := s.lookupAndMark(o.PID, o.TID, e.From); ok {
				be.From = DSOAndOffset{DSO: dso, Offset: off}
				if s.opts.DoRemap {
					e.From = mapped
				}
			}
			if mapped, dso, off, ok := s.lookupAndMark(o.PID, o.TID, e.To); ok {
				be.To = DSOAndOffset{DSO: dso, Offset: off}
				if s.opts.DoRemap {
					e.To = mapped
				}
			}
			pe.BranchStack = append(pe.BranchStack, be)
		}
	}
}

func (s *State) lookupAndMark(pid, tid int, addr uint64) (mapped uint64, dso *DSOInfo, offset uint64, ok bool) {
	m, has := s.mapperFor(pid)
	if has {
		if mappedAddr, id, off, found := m.Lookup(addr); found {
			if pe, ok := s.mmapOwner[id]; ok {
				mm := pe.EventPtr.(*perffile.RecordMmap)
				d := s.getOrCreateDSO(mm.Filename, mm.Major, mm.Minor, mm.Ino)
				s.recordHit(pid, tid, id, d)
				return mappedAddr, d, off, true
			}
		}
	}
	if pid == kernelPID {
		return 0, nil, 0, false
	}
	if km, has := s.mapperFor(kernelPID); has {
		if mappedAddr, id, off, found := km.Lookup(addr); found {
			if pe, ok := s.mmapOwner[id]; ok {
				mm := pe.EventPtr.(*perffile.RecordMmap)
				d := s.getOrCreateDSO(mm.Filename, mm.Major, mm.Minor, mm.Ino)
				s.recordHit(kernelPID, tid, id, d)
				return mappedAddr, d, off, true
			}
		}
	}
	return 0, nil, 0, false
}

func (s *State) verifyAlignment(original, mapped uint64) {
	if s.opts.PageAlignment == 0 {
		return
	}
	mask := s.opts.PageAlignment - 1
	if original&mask != mapped&mask {
		// The mapper itself guarantees this by construction; this is
		// only reached if a caller passes inconsistent page alignment
		// across a parse, which would indicate a bug upstream.
		panic("perfparser: remapped address changed page offset")
	}
}
