// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package perffile

import (
	"encoding/binary"
	"reflect"
)

// featureEncoders mirrors featureParsers: each entry encodes the named
// field(s) of FileMeta back into the wire payload parse* would have
// produced them from. present reports whether the feature has any data
// to write at all; when false the caller omits the feature bit and its
// TOC entry entirely.
var featureEncoders = map[feature]func(*FileMeta, binary.ByteOrder) (payload []byte, present bool){
	featureBuildID:      (*FileMeta).encodeBuildID,
	featureHostname:     stringFeatureEncoder("Hostname"),
	featureOSRelease:    stringFeatureEncoder("OSRelease"),
	featureVersion:      stringFeatureEncoder("Version"),
	featureArch:         stringFeatureEncoder("Arch"),
	featureNrCpus:       (*FileMeta).encodeNrCPUs,
	featureCPUDesc:      stringFeatureEncoder("CPUDesc"),
	featureCPUID:        stringFeatureEncoder("CPUID"),
	featureTotalMem:     (*FileMeta).encodeTotalMem,
	featureCmdline:      (*FileMeta).encodeCmdLine,
	featureCPUTopology:  (*FileMeta).encodeCPUTopology,
	featureNUMATopology: (*FileMeta).encodeNUMATopology,
	featurePMUMappings:  (*FileMeta).encodePMUMappings,
	featureGroupDesc:    (*FileMeta).encodeGroupDesc,
	featureEventDesc:    (*FileMeta).encodeEventDesc,
}

func stringFeatureEncoder(name string) func(*FileMeta, binary.ByteOrder) ([]byte, bool) {
	return func(m *FileMeta, order binary.ByteOrder) ([]byte, bool) {
		s := reflect.ValueOf(m).Elem().FieldByName(name).String()
		if s == "" {
			return nil, false
		}
		be := bufEncoder{order: order}
		be.lenString(s)
		return be.buf, true
	}
}

func (m *FileMeta) encodeNrCPUs(order binary.ByteOrder) ([]byte, bool) {
	if m.CPUsOnline == 0 && m.CPUsAvail == 0 {
		return nil, false
	}
	be := bufEncoder{order: order}
	be.u32(uint32(m.CPUsOnline))
	be.u32(uint32(m.CPUsAvail))
	return be.buf, true
}

func (m *FileMeta) encodeTotalMem(order binary.ByteOrder) ([]byte, bool) {
	if m.TotalMem == 0 {
		return nil, false
	}
	be := bufEncoder{order: order}
	be.u64(uint64(m.TotalMem / 1024))
	return be.buf, true
}

func (m *FileMeta) encodeCmdLine(order binary.ByteOrder) ([]byte, bool) {
	if m.CmdLine == nil {
		return nil, false
	}
	be := bufEncoder{order: order}
	be.stringList(m.CmdLine)
	return be.buf, true
}

func (m *FileMeta) encodeEventDesc(order binary.ByteOrder) ([]byte, bool) {
	if m.EventDescs == nil {
		return nil, false
	}
	be := bufEncoder{order: order}
	attrSize := uint32(binary.Size(eventAttrVN{}))
	be.u32(uint32(len(m.EventDescs)))
	be.u32(attrSize)
	for _, d := range m.EventDescs {
		// The embedded perf_event_attr is informational and already
		// duplicated in the file's attrs array; encode it as zero rather
		// than round-tripping the attr bytes a second time.
		be.zero(int(attrSize))
		be.u32(uint32(len(d.IDs)))
		be.lenString(d.Name)
		for _, id := range d.IDs {
			be.u64(uint64(id))
		}
	}
	return be.buf, true
}

func (m *FileMeta) encodeCPUTopology(order binary.ByteOrder) ([]byte, bool) {
	if m.CoreGroups == nil && m.ThreadGroups == nil {
		return nil, false
	}
	be := bufEncoder{order: order}
	cores := make([]string, len(m.CoreGroups))
	for i, c := range m.CoreGroups {
		cores[i] = c.String()
	}
	threads := make([]string, len(m.ThreadGroups))
	for i, t := range m.ThreadGroups {
		threads[i] = t.String()
	}
	be.stringList(cores)
	be.stringList(threads)
	return be.buf, true
}

func (m *FileMeta) encodeNUMATopology(order binary.ByteOrder) ([]byte, bool) {
	if m.NUMANodes == nil {
		return nil, false
	}
	be := bufEncoder{order: order}
	be.u32(uint32(len(m.NUMANodes)))
	for _, n := range m.NUMANodes {
		be.u32(uint32(n.Node))
		be.u64(uint64(n.MemTotal / 1024))
		be.u64(uint64(n.MemFree / 1024))
		be.lenString(n.CPUs.String())
	}
	return be.buf, true
}

func (m *FileMeta) encodePMUMappings(order binary.ByteOrder) ([]byte, bool) {
	if m.PMUMappings == nil {
		return nil, false
	}
	be := bufEncoder{order: order}
	be.u32(uint32(len(m.PMUMappings)))
	for id, name := range m.PMUMappings {
		be.u32(uint32(id))
		be.lenString(name)
	}
	return be.buf, true
}

func (m *FileMeta) encodeGroupDesc(order binary.ByteOrder) ([]byte, bool) {
	if m.Groups == nil {
		return nil, false
	}
	be := bufEncoder{order: order}
	be.u32(uint32(len(m.Groups)))
	for _, g := range m.Groups {
		be.lenString(g.Name)
		be.u32(uint32(g.Leader))
		be.u32(uint32(g.NumMembers))
	}
	return be.buf, true
}

func (m *FileMeta) encodeBuildID(order binary.ByteOrder) ([]byte, bool) {
	if m.BuildIDs == nil {
		return nil, false
	}
	be := bufEncoder{order: order}
	for _, bid := range m.BuildIDs {
		entry := bufEncoder{order: order}
		entry.u32(uint32(recordTypeBuildID))
		entry.u16(uint16(bid.CPUMode))
		entry.u16(0) // size, patched below
		entry.i32(int32(bid.PID))
		buildID := make([]byte, 24)
		copy(buildID, []byte(bid.BuildID))
		entry.bytes(buildID)
		entry.cstring(bid.Filename)
		for len(entry.buf)%8 != 0 {
			entry.buf = append(entry.buf, 0)
		}
		order.PutUint16(entry.buf[6:8], uint16(len(entry.buf)))
		be.bytes(entry.buf)
	}
	return be.buf, true
}
