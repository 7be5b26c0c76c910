// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package perffile

import (
	"bytes"
	"encoding/binary"
	"io"
)

// Write serializes f's metadata and records back out in the perf.data
// format, to w. records gives the record stream to write; callers that
// rewrote addresses in place (see addrmap) pass the mutated records
// here rather than re-reading them from f.
//
// The emitted file always uses the latest perf_event_attr ABI version
// and always uses f's native byte order. It recomputes every offset
// and size field rather than trying to preserve whatever layout the
// source file had: per-attr IDs regions are placed immediately after
// the header, the attrs array follows, then the data section, then a
// feature table-of-contents sized to the number of non-empty FileMeta
// fields, then the feature payloads themselves.
func Write(w io.Writer, f *File, records []Record) error {
	order := f.byteOrder
	if order == nil {
		order = binary.LittleEndian
	}

	attrSize := uint32(binary.Size(eventAttrVN{}))

	// Lay out the per-attr IDs regions first, immediately after the
	// header.
	headerSize := int64(binary.Size(fileHeader{}))
	idsOffset := headerSize
	idsBuf := &bytes.Buffer{}
	idsSections := make([]fileSection, len(f.attrs))
	for i, ids := range attrIDsFor(f) {
		sec := fileSection{Offset: uint64(idsOffset) + uint64(idsBuf.Len()), Size: uint64(len(ids) * 8)}
		idsSections[i] = sec
		for _, id := range ids {
			var tmp [8]byte
			order.PutUint64(tmp[:], uint64(id))
			idsBuf.Write(tmp[:])
		}
	}

	// The attrs array follows the IDs regions.
	attrsOffset := idsOffset + int64(idsBuf.Len())
	attrsBuf := &bytes.Buffer{}
	for i := range f.attrs {
		ab, err := encodeEventAttr(&f.attrs[i].Attr, order, attrSize)
		if err != nil {
			return err
		}
		attrsBuf.Write(ab)
		var sec [16]byte
		order.PutUint64(sec[0:8], idsSections[i].Offset)
		order.PutUint64(sec[8:16], idsSections[i].Size)
		attrsBuf.Write(sec[:])
	}
	attrsSize := int64(attrsBuf.Len())

	// Then the data section: the record stream.
	dataOffset := attrsOffset + attrsSize
	dataBuf := &bytes.Buffer{}
	for _, r := range records {
		rb, err := encodeRecord(r, order)
		if err != nil {
			return err
		}
		dataBuf.Write(rb)
	}
	dataSize := int64(dataBuf.Len())

	// Then the feature table-of-contents and payloads, one entry per
	// set bit of the features bitmap in ascending order.
	var features [numFeatureBits / 64]uint64
	type featureOut struct {
		bit     feature
		payload []byte
	}
	var outs []featureOut
	for bit, enc := range featureEncoders {
		payload, present := enc(&f.Meta, order)
		if !present {
			continue
		}
		features[bit/64] |= 1 << (uint(bit) % 64)
		outs = append(outs, featureOut{bit, payload})
	}
	// Stable ascending order, matching the bit scan New() uses to read
	// the TOC back.
	for i := 1; i < len(outs); i++ {
		for j := i; j > 0 && outs[j].bit < outs[j-1].bit; j-- {
			outs[j], outs[j-1] = outs[j-1], outs[j]
		}
	}

	tocOffset := dataOffset + dataSize
	tocSize := int64(len(outs)) * 16
	payloadsBuf := &bytes.Buffer{}
	tocBuf := &bytes.Buffer{}
	payloadOffset := tocOffset + tocSize
	for _, fo := range outs {
		var sec [16]byte
		order.PutUint64(sec[0:8], uint64(payloadOffset+int64(payloadsBuf.Len())))
		order.PutUint64(sec[8:16], uint64(len(fo.payload)))
		tocBuf.Write(sec[:])
		payloadsBuf.Write(fo.payload)
	}

	hdr := fileHeader{
		Magic:    [8]byte{'P', 'E', 'R', 'F', 'I', 'L', 'E', '2'},
		Size:     uint64(headerSize),
		AttrSize: uint64(attrSize) + 16,
		Attrs:    fileSection{Offset: uint64(attrsOffset), Size: uint64(attrsSize)},
		Data:     fileSection{Offset: uint64(dataOffset), Size: uint64(dataSize)},
		Features: features,
	}
	if order == binary.BigEndian {
		hdr.Magic = [8]byte{'2', 'E', 'L', 'I', 'F', 'R', 'E', 'P'}
	}

	if err := binary.Write(w, order, &hdr); err != nil {
		return err
	}
	if _, err := w.Write(idsBuf.Bytes()); err != nil {
		return err
	}
	if _, err := w.Write(attrsBuf.Bytes()); err != nil {
		return err
	}
	if _, err := w.Write(dataBuf.Bytes()); err != nil {
		return err
	}
	if _, err := w.Write(tocBuf.Bytes()); err != nil {
		return err
	}
	if _, err := w.Write(payloadsBuf.Bytes()); err != nil {
		return err
	}
	return nil
}

// attrIDsFor returns the IDs recorded against each of f's attrs, for
// round-tripping into the rewritten file's IDs regions.
func attrIDsFor(f *File) [][]attrID {
	if f.attrIDs != nil {
		return f.attrIDs
	}
	return make([][]attrID, len(f.attrs))
}

// encodeEventAttr serializes attr as an on-disk eventAttrVN, the
// reverse of readFileAttr's conversion into EventAttr.
func encodeEventAttr(attr *EventAttr, order binary.ByteOrder, attrSize uint32) ([]byte, error) {
	var out eventAttrVN

	g := attr.Event.Generic()
	out.Type = g.Type
	if g.Type == EventTypeBreakpoint {
		out.BPType = uint32(g.ID)
		if len(g.Config) >= 2 {
			out.BPAddrOrConfig1 = g.Config[0]
			out.BPLenOrConfig2 = g.Config[1]
		}
	} else {
		out.Config = g.ID
		if len(g.Config) >= 2 {
			out.BPAddrOrConfig1 = g.Config[0]
			out.BPLenOrConfig2 = g.Config[1]
		}
	}

	flags := attr.Flags &^ eventFlagPreciseMask
	flags |= EventFlags(attr.Precise) << eventFlagPreciseShift

	if attr.SampleFreq != 0 {
		out.SamplePeriodOrFreq = attr.SampleFreq
		flags |= EventFlagFreq
	} else {
		out.SamplePeriodOrFreq = attr.SamplePeriod
	}
	if attr.WakeupWatermark != 0 {
		out.WakeupEventsOrWatermark = attr.WakeupWatermark
		flags |= EventFlagWakeupWatermark
	} else {
		out.WakeupEventsOrWatermark = attr.WakeupEvents
	}

	out.Size = attrSize
	out.SampleFormat = attr.SampleFormat
	out.ReadFormat = attr.ReadFormat
	out.Flags = flags
	out.BranchSampleType = attr.BranchSampleType
	out.SampleRegsUser = attr.SampleRegsUser
	out.SampleStackUser = attr.SampleStackUser
	out.SampleRegsIntr = attr.SampleRegsIntr
	out.AuxWatermark = attr.AuxWatermark
	out.SampleMaxStack = attr.SampleMaxStack

	buf := &bytes.Buffer{}
	if err := binary.Write(buf, order, &out); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// encodeRecord serializes r, including its 8-byte record header, back
// to the wire format. Record types that do_remap doesn't mutate are
// written back from RecordCommon.Raw unchanged; RecordMmap and
// RecordSample are patched field-by-field since remapping may have
// changed their addresses.
func encodeRecord(r Record, order binary.ByteOrder) ([]byte, error) {
	common := r.Common()
	var body []byte

	switch o := r.(type) {
	case *RecordMmap:
		body = patchMmap(o, order)
	case *RecordSample:
		body = patchSample(o, order)
	default:
		body = common.Raw
	}

	hdr := recordHeader{Type: r.Type(), Misc: recordMisc(common.Misc), Size: uint16(8 + len(body))}
	buf := &bytes.Buffer{}
	if err := binary.Write(buf, order, &hdr); err != nil {
		return nil, err
	}
	buf.Write(body)
	return buf.Bytes(), nil
}

// patchMmap rewrites the Addr/Len/FileOffset fields of a RecordMmap's
// raw body in place, leaving everything else (in particular the
// filename, which isn't fixed-width) untouched.
func patchMmap(o *RecordMmap, order binary.ByteOrder) []byte {
	body := append([]byte(nil), o.Raw...)
	if len(body) < 24 {
		return body
	}
	// PID, TID (2 x int32) precede Addr, Len, FileOffset.
	order.PutUint64(body[8:16], o.Addr)
	order.PutUint64(body[16:24], o.Len)
	order.PutUint64(body[24:32], o.FileOffset)
	return body
}

// patchSample rewrites the IP, Callchain, and BranchStack addresses of
// a RecordSample's raw body in place, walking the same field order
// parseSample used to decode it so the cursor lines up with whichever
// optional fields this sample's SampleFormat actually includes.
func patchSample(o *RecordSample, order binary.ByteOrder) []byte {
	body := append([]byte(nil), o.Raw...)
	if o.EventAttr == nil {
		return body
	}
	t := o.EventAttr.SampleFormat
	bd := &bufDecoder{body, order}

	bd.u64If(t&SampleFormatIdentifier != 0)
	if t&SampleFormatIP != 0 {
		order.PutUint64(bd.buf[:8], o.IP)
		bd.skip(8)
	}
	bd.i32If(t&SampleFormatTID != 0)
	bd.i32If(t&SampleFormatTID != 0)
	bd.u64If(t&SampleFormatTime != 0)
	bd.u64If(t&SampleFormatAddr != 0)
	bd.u64If(t&SampleFormatID != 0)
	bd.u64If(t&SampleFormatStreamID != 0)
	bd.u32If(t&SampleFormatCPU != 0)
	bd.u32If(t&SampleFormatCPU != 0)
	bd.u64If(t&SampleFormatPeriod != 0)

	if t&SampleFormatRead != 0 {
		rf := o.EventAttr.ReadFormat
		entry := 8
		if rf&ReadFormatID != 0 {
			entry += 8
		}
		if rf&ReadFormatGroup != 0 {
			n := int(bd.u64())
			if rf&ReadFormatTotalTimeEnabled != 0 {
				bd.skip(8)
			}
			if rf&ReadFormatTotalTimeRunning != 0 {
				bd.skip(8)
			}
			bd.skip(n * entry)
		} else {
			if rf&ReadFormatTotalTimeEnabled != 0 {
				entry += 8
			}
			if rf&ReadFormatTotalTimeRunning != 0 {
				entry += 8
			}
			bd.skip(entry)
		}
	}

	if t&SampleFormatCallchain != 0 {
		callchainLen := int(bd.u64())
		for i := 0; i < callchainLen && i < len(o.Callchain); i++ {
			order.PutUint64(bd.buf[:8], o.Callchain[i])
			bd.skip(8)
		}
		bd.skip(8 * (callchainLen - len(o.Callchain)))
	}

	if t&SampleFormatRaw != 0 {
		rawSize := bd.u32()
		bd.skip(int(rawSize))
	}

	if t&SampleFormatBranchStack != 0 {
		count := int(bd.u64())
		for i := 0; i < count && i < len(o.BranchStack); i++ {
			order.PutUint64(bd.buf[:8], o.BranchStack[i].From)
			bd.skip(8)
			order.PutUint64(bd.buf[:8], o.BranchStack[i].To)
			bd.skip(8)
			bd.skip(8) // Flags isn't remapped
		}
	}

	return body
}
