// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package perffile

import "encoding/binary"

// bufEncoder is the write-side mirror of bufDecoder: an append-only byte
// buffer with the same field-at-a-time API, just emitting bytes instead
// of consuming them.
type bufEncoder struct {
	buf   []byte
	order binary.ByteOrder
}

func (b *bufEncoder) bytes(x []byte) {
	b.buf = append(b.buf, x...)
}

func (b *bufEncoder) zero(n int) {
	for i := 0; i < n; i++ {
		b.buf = append(b.buf, 0)
	}
}

func (b *bufEncoder) u16(x uint16) {
	var tmp [2]byte
	b.order.PutUint16(tmp[:], x)
	b.buf = append(b.buf, tmp[:]...)
}

func (b *bufEncoder) u32(x uint32) {
	var tmp [4]byte
	b.order.PutUint32(tmp[:], x)
	b.buf = append(b.buf, tmp[:]...)
}

func (b *bufEncoder) i32(x int32) {
	b.u32(uint32(x))
}

func (b *bufEncoder) u64(x uint64) {
	var tmp [8]byte
	b.order.PutUint64(tmp[:], x)
	b.buf = append(b.buf, tmp[:]...)
}

func (b *bufEncoder) u64s(x []uint64) {
	for _, v := range x {
		b.u64(v)
	}
}

func (b *bufEncoder) u32If(cond bool, x uint32) {
	if cond {
		b.u32(x)
	}
}

func (b *bufEncoder) i32If(cond bool, x int32) {
	if cond {
		b.i32(x)
	}
}

func (b *bufEncoder) u64If(cond bool, x uint64) {
	if cond {
		b.u64(x)
	}
}

// cstring writes s null-terminated with no further padding, matching
// bufDecoder.cstring's read shape.
func (b *bufEncoder) cstring(s string) {
	b.bytes([]byte(s))
	b.buf = append(b.buf, 0)
}

// lenString writes s as {u32 len, bytes[len]} where len is s's
// null-terminated length rounded up to an 8-byte boundary, matching
// bufDecoder.lenString's read shape.
func (b *bufEncoder) lenString(s string) {
	l := align8(len(s) + 1)
	b.u32(uint32(l))
	b.cstring(s)
	b.zero(l - len(s) - 1)
}

func (b *bufEncoder) stringList(strs []string) {
	b.u32(uint32(len(strs)))
	for _, s := range strs {
		b.lenString(s)
	}
}

func align8(n int) int { return (n + 7) &^ 7 }
