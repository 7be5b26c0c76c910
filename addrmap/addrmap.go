// Package addrmap implements a per-process map from real virtual address
// ranges onto a compact synthetic address space.
//
// It is grounded on quipper's AddressMapper (address_mapper.{h,cc}):
// MapWithID's collision/split/placement semantics, GetRangeContainingAddress,
// GetMaxMappedLength and the copy-constructor clone semantics are all ported
// from that implementation rather than invented from the prose description
// alone, since the prose leaves several boundary cases (exact placement
// search order, the off-by-one in the empty-mapper "unmapped space" value)
// underspecified.
package addrmap

import (
	"math"
	"sort"

	"github.com/aclements/perfcapture/perferrors"
)

// Range describes one mapped region: a contiguous run of real addresses
// backed by a contiguous run of synthetic addresses.
type Range struct {
	RealAddr           uint64
	MappedAddr         uint64
	Size               uint64
	ID                 uint64
	OffsetBase         uint64
	UnmappedSpaceAfter uint64
}

func lastByte(addr, size uint64) uint64 { return addr + size - 1 }

func intersects(aAddr, aSize, bAddr, bSize uint64) bool {
	return aAddr <= lastByte(bAddr, bSize) && bAddr <= lastByte(aAddr, aSize)
}

func covers(outerAddr, outerSize, innerAddr, innerSize uint64) bool {
	return outerAddr <= innerAddr && lastByte(innerAddr, innerSize) <= lastByte(outerAddr, outerSize)
}

func containsAddr(r *Range, addr uint64) bool {
	return r.RealAddr <= addr && addr <= lastByte(r.RealAddr, r.Size)
}

// Mapper is a per-process real→synthetic address mapper.
//
// list holds the mappings in synthetic-address (MappedAddr) order (per spec
// invariant, ordering by mapped_addr equals ordering by list position); a
// mapping placed in an earlier gap sits before mappings inserted before it.
// byReal holds the same entries sorted by RealAddr, used for O(log n)
// collision search and lookup.
type Mapper struct {
	list          []*Range
	byReal        []*Range
	pageAlignment uint64
}

// New returns an empty mapper with page alignment disabled.
func New() *Mapper {
	return &Mapper{}
}

// SetPageAlignment sets the page alignment used to preserve page offsets
// across remapping. v must be 0 (disabled) or a power of two; any other
// value is silently ignored, matching the contract in spec.md §4.3.
func (m *Mapper) SetPageAlignment(v uint64) {
	if v == 0 || (v&(v-1)) == 0 {
		m.pageAlignment = v
	}
}

func (m *Mapper) PageAlignment() uint64 { return m.pageAlignment }

func (m *Mapper) alignedOffset(addr uint64) uint64 {
	if m.pageAlignment == 0 {
		return 0
	}
	return addr % m.pageAlignment
}

func (m *Mapper) IsEmpty() bool { return len(m.list) == 0 }

func (m *Mapper) NumMappedRanges() int { return len(m.list) }

// MaxMappedLength returns the distance from the start of the first mapping
// to the end of the last mapping in synthetic-address order, or 0 if empty.
func (m *Mapper) MaxMappedLength() uint64 {
	if len(m.list) == 0 {
		return 0
	}
	first := m.list[0]
	last := m.list[len(m.list)-1]
	return last.MappedAddr + last.Size - first.MappedAddr
}

// lowerBoundReal returns the index of the first entry in byReal with
// RealAddr >= addr.
func (m *Mapper) lowerBoundReal(addr uint64) int {
	return sort.Search(len(m.byReal), func(i int) bool { return m.byReal[i].RealAddr >= addr })
}

// Lookup returns the synthetic address, id and offset-from-id-base for a
// real address, or ok=false if it is not covered by any mapping.
func (m *Mapper) Lookup(realAddr uint64) (mappedAddr, id, offset uint64, ok bool) {
	idx := sort.Search(len(m.byReal), func(i int) bool { return m.byReal[i].RealAddr > realAddr })
	if idx == 0 {
		return 0, 0, 0, false
	}
	e := m.byReal[idx-1]
	if !containsAddr(e, realAddr) {
		return 0, 0, 0, false
	}
	delta := realAddr - e.RealAddr
	return e.MappedAddr + delta, e.ID, e.OffsetBase + delta, true
}

// insert inserts r into both list (by MappedAddr) and byReal
// (by RealAddr), keeping both sorted.
func (m *Mapper) insert(r *Range) {
	li := sort.Search(len(m.list), func(i int) bool { return m.list[i].MappedAddr >= r.MappedAddr })
	m.list = append(m.list, nil)
	copy(m.list[li+1:], m.list[li:])
	m.list[li] = r

	ri := sort.Search(len(m.byReal), func(i int) bool { return m.byReal[i].RealAddr >= r.RealAddr })
	m.byReal = append(m.byReal, nil)
	copy(m.byReal[ri+1:], m.byReal[ri:])
	m.byReal[ri] = r
}

// unmap removes r from the mapper, merging its synthetic space (including
// its own unmapped_space_after) into the preceding list entry's
// unmapped_space_after, maintaining invariant I6.
func (m *Mapper) unmap(r *Range) {
	li := -1
	for i, e := range m.list {
		if e == r {
			li = i
			break
		}
	}
	if li < 0 {
		return
	}
	if li > 0 {
		m.list[li-1].UnmappedSpaceAfter += r.Size + r.UnmappedSpaceAfter
	}
	m.list = append(m.list[:li], m.list[li+1:]...)

	ri := sort.Search(len(m.byReal), func(i int) bool { return m.byReal[i].RealAddr >= r.RealAddr })
	for ri < len(m.byReal) && m.byReal[ri] != r {
		ri++
	}
	if ri < len(m.byReal) {
		m.byReal = append(m.byReal[:ri], m.byReal[ri+1:]...)
	}
}

// MapWithID inserts a mapping for [realAddr, realAddr+size) under the given
// id and offsetBase. See spec.md §4.3 for the full collision/split/placement
// contract; this is a direct port of AddressMapper::MapWithID.
func (m *Mapper) MapWithID(realAddr, size, id, offsetBase uint64, removeExisting bool) error {
	if size == 0 {
		return perferrors.New(perferrors.MappingFailure, "zero-size mapping at 0x%x", realAddr)
	}
	last := lastByte(realAddr, size)
	wrapped := !(realAddr+size > realAddr)
	if last != math.MaxUint64 && wrapped {
		return perferrors.New(perferrors.MappingFailure, "mapping at 0x%x size 0x%x overflows address space", realAddr, size)
	}

	// Find the collision window: start at the entry just before
	// lower_bound(realAddr), scan forward while RealAddr < realAddr+size.
	start := m.lowerBoundReal(realAddr)
	if start > 0 {
		start--
	}
	var colliding []*Range
	for i := start; i < len(m.byReal); i++ {
		e := m.byReal[i]
		if e.RealAddr >= realAddr+size && !(realAddr+size < realAddr) {
			break
		}
		if intersects(realAddr, size, e.RealAddr, e.Size) {
			colliding = append(colliding, e)
		}
	}

	if len(colliding) == 0 {
		return m.place(realAddr, size, id, offsetBase)
	}
	if !removeExisting {
		return perferrors.New(perferrors.MappingFailure, "mapping at 0x%x collides with existing mapping(s)", realAddr)
	}

	var oldRange *Range
	var toDelete []*Range
	for _, e := range colliding {
		if oldRange == nil && covers(e.RealAddr, e.Size, realAddr, size) && e.Size > size {
			oldRange = e
			continue
		}
		toDelete = append(toDelete, e)
	}
	for _, e := range toDelete {
		m.unmap(e)
	}

	if oldRange == nil {
		return m.place(realAddr, size, id, offsetBase)
	}

	origReal, origSize, origID, origOffsetBase := oldRange.RealAddr, oldRange.Size, oldRange.ID, oldRange.OffsetBase
	m.unmap(oldRange)

	gapBefore := realAddr - origReal
	gapAfter := (origReal + origSize) - (realAddr + size)

	if m.pageAlignment != 0 {
		if (gapBefore != 0 && m.alignedOffset(realAddr) != 0) ||
			(gapAfter != 0 && m.alignedOffset(realAddr+size) != 0) {
			return perferrors.New(perferrors.MappingFailure, "split mapping at 0x%x must result in page-aligned mappings", realAddr)
		}
	}

	if gapBefore != 0 {
		if err := m.MapWithID(origReal, gapBefore, origID, origOffsetBase, false); err != nil {
			return err
		}
	}
	if err := m.MapWithID(realAddr, size, id, offsetBase, false); err != nil {
		return err
	}
	if gapAfter != 0 {
		if err := m.MapWithID(realAddr+size, gapAfter, origID, origOffsetBase+gapBefore+size, false); err != nil {
			return err
		}
	}
	return nil
}

// place finds a synthetic gap for a non-colliding mapping and inserts it.
func (m *Mapper) place(realAddr, size, id, offsetBase uint64) error {
	pageOffset := m.alignedOffset(realAddr)

	if len(m.list) == 0 {
		r := &Range{RealAddr: realAddr, MappedAddr: pageOffset, Size: size, ID: id, OffsetBase: offsetBase,
			UnmappedSpaceAfter: math.MaxUint64 - size - pageOffset}
		m.insert(r)
		return nil
	}

	if m.list[0].MappedAddr >= size+pageOffset {
		r := &Range{RealAddr: realAddr, MappedAddr: pageOffset, Size: size, ID: id, OffsetBase: offsetBase,
			UnmappedSpaceAfter: m.list[0].MappedAddr - size - pageOffset}
		m.insert(r)
		return nil
	}

	for _, existing := range m.list {
		endOfExisting := existing.MappedAddr + existing.Size
		var mappedAddr, newUnmappedAfter uint64
		if m.pageAlignment != 0 {
			nextPageBoundary := endOfExisting
			if rem := endOfExisting % m.pageAlignment; rem != 0 {
				nextPageBoundary = endOfExisting + (m.pageAlignment - rem)
			}
			endOfNewMapping := nextPageBoundary + pageOffset + size
			endOfUnmappedAfter := endOfExisting + existing.UnmappedSpaceAfter
			if endOfNewMapping > endOfUnmappedAfter {
				continue
			}
			mappedAddr = nextPageBoundary + pageOffset
			newUnmappedAfter = endOfUnmappedAfter - endOfNewMapping
			existing.UnmappedSpaceAfter = mappedAddr - endOfExisting
		} else {
			if existing.UnmappedSpaceAfter < size {
				continue
			}
			mappedAddr = endOfExisting
			newUnmappedAfter = existing.UnmappedSpaceAfter - size
			existing.UnmappedSpaceAfter = 0
		}
		r := &Range{RealAddr: realAddr, MappedAddr: mappedAddr, Size: size, ID: id, OffsetBase: offsetBase,
			UnmappedSpaceAfter: newUnmappedAfter}
		m.insert(r)
		return nil
	}
	return perferrors.New(perferrors.MappingFailure, "could not find synthetic space to map 0x%x size 0x%x", realAddr, size)
}

// Clone produces an independent mapper with identical mappings, used on
// FORK.
func (m *Mapper) Clone() *Mapper {
	c := &Mapper{pageAlignment: m.pageAlignment}
	c.list = make([]*Range, len(m.list))
	for i, r := range m.list {
		cp := *r
		c.list[i] = &cp
	}
	c.byReal = make([]*Range, len(c.list))
	copy(c.byReal, c.list)
	sort.Slice(c.byReal, func(i, j int) bool { return c.byReal[i].RealAddr < c.byReal[j].RealAddr })
	return c
}

// Ranges returns the mappings in synthetic-address order. The returned
// slice shares storage with the mapper and must not be mutated.
func (m *Mapper) Ranges() []*Range { return m.list }
