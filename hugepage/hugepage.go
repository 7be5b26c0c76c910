// Package hugepage deduces transparent-huge-page-backed binary mappings
// that appear in a capture as a split <binary, anon, binary> sequence, and
// merges contiguous same-file mappings.
//
// It is a direct port of quipper's huge_page_deducer.cc: FindRange,
// UpdateRangeFromNext, DeduceHugePages and CombineMappings all mirror that
// file's control flow and boundary conditions (the have_next-mandatory,
// have_prev-optional rule; the three-way IsEquivalentFile check for
// have_prev) rather than re-deriving them from the shorter prose in
// spec.md §4.4, which does not spell out every edge case.
package hugepage

import "github.com/aclements/perfcapture/perffile"

const anonFilename = "//anon"

func isAnon(m *perffile.RecordMmap) bool { return m.Filename == anonFilename }

func isContiguous(a, b *perffile.RecordMmap) bool {
	return a.PID == b.PID && a.Addr+a.Len == b.Addr
}

func isEquivalentFile(a, b *perffile.RecordMmap) bool {
	return a.Filename == b.Filename || isAnon(a) || isAnon(b)
}

func asMmap(r perffile.Record) (*perffile.RecordMmap, bool) {
	m, ok := r.(*perffile.RecordMmap)
	return m, ok
}

// mrange is an index range [first, last] into events, all belonging to one
// contiguous, same-filename, pgoff==0 (or single nonzero-pgoff) run.
type mrange struct {
	first, last int
}

func (r mrange) valid() bool { return r.first <= r.last }

// invalidRange is the zero-length sentinel mrange used wherever "no
// range here" needs to be distinguished from a real, zero-indexed one.
var invalidRange = mrange{first: 1<<62 - 1, last: -(1 << 62)}

func (r mrange) firstMmap(events []perffile.Record) *perffile.RecordMmap {
	m, _ := asMmap(events[r.first])
	return m
}

func (r mrange) lastMmap(events []perffile.Record) *perffile.RecordMmap {
	m, _ := asMmap(events[r.last])
	return m
}

func (r mrange) length(events []perffile.Record) uint64 {
	first := r.firstMmap(events)
	last := r.lastMmap(events)
	return last.Addr - first.Addr + last.Len
}

func rangesContiguous(events []perffile.Record, a, b mrange) bool {
	return isContiguous(a.lastMmap(events), b.firstMmap(events))
}

func rangesEquivalentFile(events []perffile.Record, a, b mrange) bool {
	return isEquivalentFile(a.lastMmap(events), b.firstMmap(events))
}

// findRange scans forward from start for a run of contiguous,
// same-filename mmap events with pgoff==0, or a single mmap event with
// pgoff!=0. Only mmaps synthesized from /proc/pid/maps (Time==0)
// participate.
func findRange(events []perffile.Record, start int) mrange {
	var prev *perffile.RecordMmap
	r := invalidRange
	for i := start; i < len(events); i++ {
		m, ok := asMmap(events[i])
		if !ok {
			continue
		}
		if m.Time != 0 {
			continue
		}
		if prev == nil {
			r = mrange{first: i, last: i}
			prev = m
		}
		if prev.Filename != m.Filename {
			break
		}
		if start != i && !isContiguous(prev, m) {
			break
		}
		if m.FileOffset != 0 {
			break
		}
		prev = m
		r.last = i
	}
	return r
}

func findNextRange(events []perffile.Record, prev mrange) mrange {
	if prev.valid() && prev.last+1 < len(events) {
		return findRange(events, prev.last+1)
	}
	return invalidRange
}

// updateRangeFromNext rewrites every mmap in r to be pgoff-contiguous with
// next, and to inherit next's filename/device identity where r's entries
// are anonymous or pgoff==0.
func updateRangeFromNext(events []perffile.Record, r, next mrange) {
	src := next.firstMmap(events)
	startPgoff := src.FileOffset - r.length(events)
	pgoff := startPgoff
	for i := r.first; i <= r.last; i++ {
		m, ok := asMmap(events[i])
		if !ok {
			continue
		}
		if isAnon(m) {
			m.Filename = src.Filename
		}
		if m.FileOffset == 0 {
			m.FileOffset = pgoff
			if src.Major != 0 {
				m.Major = src.Major
			}
			if src.Minor != 0 {
				m.Minor = src.Minor
			}
			if src.Ino != 0 {
				m.Ino = src.Ino
			}
			if src.InoGeneration != 0 {
				m.InoGeneration = src.InoGeneration
			}
		}
		pgoff += m.Len
	}
}

// DeduceHugePages walks events in place, folding split
// <binary_prefix?, anon, binary_suffix> sequences into a single logical
// mapping per process.
func DeduceHugePages(events []perffile.Record) {
	prev := invalidRange
	r := findRange(events, 0)
	next := findNextRange(events, r)

	for r.valid() {
		haveNext := next.valid() && rangesContiguous(events, r, next) && rangesEquivalentFile(events, r, next)
		if !haveNext {
			prev, r, next = r, next, findNextRange(events, next)
			continue
		}

		havePrev := prev.valid() && rangesContiguous(events, prev, r) &&
			rangesEquivalentFile(events, prev, r) && rangesEquivalentFile(events, prev, next)

		var startPgoff uint64
		if havePrev {
			p := prev.lastMmap(events)
			startPgoff = p.FileOffset + p.Len
		}

		nextFirst := next.firstMmap(events)
		rlen := r.length(events)
		fold := nextFirst.FileOffset >= rlen
		if havePrev {
			fold = fold && nextFirst.FileOffset-rlen == startPgoff
		}
		if fold {
			updateRangeFromNext(events, r, next)
		}

		prev, r, next = r, next, findNextRange(events, next)
	}
}

// CombineMappings merges adjacent mmap events for the same process whose
// filenames match exactly, whose real-address ranges are contiguous, and
// whose pgoff values are contiguous. It returns a new slice and does not
// resize or reorder events itself, but each merge grows the Len of the
// surviving *perffile.RecordMmap in place, and events points to that same
// record.
func CombineMappings(events []perffile.Record) []perffile.Record {
	newEvents := make([]perffile.Record, 0, len(events))
	prev := 0
	for i, event := range events {
		m, ok := asMmap(event)
		if !ok {
			newEvents = append(newEvents, event)
			continue
		}
		for prev < len(newEvents) {
			if _, ok := asMmap(newEvents[prev]); ok {
				break
			}
			prev++
		}
		if prev >= len(newEvents) {
			newEvents = append(newEvents, event)
			continue
		}
		prevMmap, _ := asMmap(newEvents[prev])

		fileMatch := prevMmap.Filename == m.Filename
		pgoffContig := fileMatch && prevMmap.FileOffset+prevMmap.Len == m.FileOffset
		combine := isContiguous(prevMmap, m) && pgoffContig

		if !combine {
			newEvents = append(newEvents, event)
			prev++
			continue
		}
		prevMmap.Len += m.Len
		_ = i
	}
	return newEvents
}
