// SPDX-FileCopyrightText: 2024 Jonathan Bradshaw
//
// SPDX-License-Identifier: GPL-3.0-or-later

package protocol

import "bytes"

// compactThreshold is the amount of consumed prefix bytes the Buffer keeps
// around before reallocating. Compaction allocates a fresh backing array so
// slices handed out earlier stay valid.
const compactThreshold = 64 * 1024

// Buffer accumulates already-demasked stream bytes until the decoder can
// frame them. It tolerates arbitrary chunking: the decoder peeks without
// consuming until a whole unit is present.
//
// A Buffer is not safe for concurrent use; the network reader is its only
// owner.
type Buffer struct {
	data []byte
	off  int
}

// Append adds p to the end of the buffer.
func (b *Buffer) Append(p []byte) {
	b.data = append(b.data, p...)
}

// Len returns the number of unconsumed bytes.
func (b *Buffer) Len() int {
	return len(b.data) - b.off
}

// Peek returns the next n unconsumed bytes without consuming them, or nil
// if fewer than n bytes are buffered. The returned slice aliases the
// buffer and is only valid until the next Append or Consume.
func (b *Buffer) Peek(n int) []byte {
	if b.Len() < n {
		return nil
	}
	return b.data[b.off : b.off+n]
}

// Consume removes the next n bytes from the buffer and returns them. The
// returned slice remains valid after later buffer operations. It returns
// nil if fewer than n bytes are buffered.
func (b *Buffer) Consume(n int) []byte {
	if b.Len() < n {
		return nil
	}
	p := b.data[b.off : b.off+n : b.off+n]
	b.off += n
	b.compact()
	return p
}

// Skip discards up to n unconsumed bytes.
func (b *Buffer) Skip(n int) {
	if n > b.Len() {
		n = b.Len()
	}
	b.off += n
	b.compact()
}

// IndexOf returns the offset, relative to the unconsumed data, of the
// first occurrence of pattern at or after from. It returns -1 if the
// pattern is not present.
func (b *Buffer) IndexOf(pattern []byte, from int) int {
	if from < 0 || from > b.Len() {
		return -1
	}
	i := bytes.Index(b.data[b.off+from:], pattern)
	if i < 0 {
		return -1
	}
	return from + i
}

// Reset discards all buffered data.
func (b *Buffer) Reset() {
	b.data = nil
	b.off = 0
}

// compact drops the consumed prefix once it grows past compactThreshold.
// A fresh backing array is allocated so that slices returned by Consume
// are never overwritten.
func (b *Buffer) compact() {
	if b.off < compactThreshold {
		return
	}
	b.data = append([]byte(nil), b.data[b.off:]...)
	b.off = 0
}
