// SPDX-FileCopyrightText: 2024 Jonathan Bradshaw
//
// SPDX-License-Identifier: GPL-3.0-or-later

package protocol

import (
	"fmt"
	"time"
)

// Protocol versions. V1 blocks carry a fixed 1024 byte body; V2 blocks
// declare their compressed body length in the /DL header field and inflate
// with zlib.
const (
	V1 = 1
	V2 = 2
)

// V1BodySize is the fixed body length of a version 1 data block.
const V1BodySize = 1024

// Segment is one decoded Quick Block Transfer fragment of one file. The
// broadcast interleaves segments of many concurrent files so that a high
// priority file can preempt a large low priority one.
type Segment struct {
	// Filename is the 8.3-form file name from /PF, case preserved.
	Filename string

	// BlockNumber is the 1-based index of this block, from /PN.
	BlockNumber int

	// TotalBlocks is the total block count of the file, from /PT.
	TotalBlocks int

	// Content is the decoded body. V2 bodies are already inflated. Any
	// padding in the final block is preserved; joining payloads verbatim
	// is the assembler's job.
	Content []byte

	// Checksum is the declared sum from /CS. Emitted segments always
	// satisfy Checksum == sum(Content).
	Checksum uint32

	// Length is the declared on-wire body length: 1024 for V1, the /DL
	// value for V2.
	Length int

	// Version is V1 or V2, distinguished by the presence of /DL.
	Version int

	// Timestamp is the origin timestamp from /FD in UTC. It is the Unix
	// epoch when /FD could not be parsed.
	Timestamp time.Time

	// ReceivedAt is the UTC instant the segment was emitted.
	ReceivedAt time.Time

	// Header is the raw 80-byte header as decoded text.
	Header string

	// Source is the endpoint of the server that delivered the segment.
	Source string
}

// Key returns the assembly key of the transmission this segment belongs
// to. Two transmissions of the same filename with different origin
// timestamps are distinct files.
func (s *Segment) Key() string {
	return s.Filename + "_" + s.Timestamp.Format(time.RFC3339)
}

func (s *Segment) String() string {
	return fmt.Sprintf("Segment(%s %d/%d V%d len=%d)",
		s.Filename, s.BlockNumber, s.TotalBlocks, s.Version, s.Length)
}
