// SPDX-FileCopyrightText: 2024 Jonathan Bradshaw
//
// SPDX-License-Identifier: GPL-3.0-or-later

package protocol

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"testing"

	"github.com/bradsjm/byte-blaster/pkg/serverlist"
)

// collector records everything a decoder emits.
type collector struct {
	segments []*Segment
	lists    []*serverlist.List
}

func (c *collector) HandleSegment(s *Segment)            { c.segments = append(c.segments, s) }
func (c *collector) HandleServerList(l *serverlist.List) { c.lists = append(c.lists, l) }

// testBody returns a V1 block body filled with a repeating pattern.
func testBody(seed byte) []byte {
	body := make([]byte, V1BodySize)
	for i := range body {
		body[i] = seed + byte(i%7)
	}
	return body
}

// testFrame builds a complete demasked V1 frame: sync marker, header and
// body, with /CS derived from the body unless overridden.
func testFrame(t *testing.T, filename string, pn, pt int, body []byte, checksum ...uint32) []byte {
	t.Helper()

	cs := Checksum(body)
	if len(checksum) > 0 {
		cs = checksum[0]
	}

	fields := fmt.Sprintf("/PF%s /PN %-6d/PT %-6d/CS %-10d/FD7/4/2025 1:02:03 PM",
		filename, pn, pt, cs)
	header := testHeader(t, fields)

	frame := bytes.Repeat([]byte{0xFF}, frameSyncSize)
	frame = append(frame, header...)
	return append(frame, body...)
}

func TestDecoderSingleFrame(t *testing.T) {
	col := new(collector)
	dec := NewDecoder(col)
	dec.SetRemote("test:2211")

	body := testBody(3)
	dec.Feed(testFrame(t, "TEST.TXT", 1, 3, body))

	if len(col.segments) != 1 {
		t.Fatalf("Expected 1 segment, got %d", len(col.segments))
	}

	seg := col.segments[0]
	if seg.Filename != "TEST.TXT" || seg.BlockNumber != 1 || seg.TotalBlocks != 3 {
		t.Fatalf("Unexpected segment: %v", seg)
	}
	if !bytes.Equal(seg.Content, body) {
		t.Fatal("Body corrupted")
	}
	if seg.Source != "test:2211" {
		t.Fatalf("Source: %q", seg.Source)
	}
	if Checksum(seg.Content) != seg.Checksum {
		t.Fatal("Emitted segment violates the checksum invariant")
	}
	if dec.State() != StateResync {
		t.Fatalf("Expected RESYNC after emission, got %v", dec.State())
	}
}

func TestDecoderThreeBlockFile(t *testing.T) {
	col := new(collector)
	dec := NewDecoder(col)

	var stream []byte
	for pn := 1; pn <= 3; pn++ {
		stream = append(stream, testFrame(t, "TEST.TXT", pn, 3, testBody(byte(pn)))...)
	}
	dec.Feed(stream)

	if len(col.segments) != 3 {
		t.Fatalf("Expected 3 segments, got %d", len(col.segments))
	}
	for i, seg := range col.segments {
		if seg.BlockNumber != i+1 {
			t.Fatalf("Segments out of order: %v", seg)
		}
	}
}

func TestDecoderChunkedInput(t *testing.T) {
	col := new(collector)
	dec := NewDecoder(col)

	frame := testFrame(t, "CHUNK.TXT", 1, 1, testBody(9))
	for _, b := range frame {
		dec.Feed([]byte{b})
	}

	if len(col.segments) != 1 {
		t.Fatalf("Byte-wise feeding broke the decoder: %d segments", len(col.segments))
	}
}

func TestDecoderResyncThroughGarbage(t *testing.T) {
	col := new(collector)
	dec := NewDecoder(col)

	stream := make([]byte, 200)
	stream = append(stream, testFrame(t, "SYNC.TXT", 1, 1, testBody(1))...)
	dec.Feed(stream)

	if len(col.segments) != 1 {
		t.Fatalf("Expected exactly 1 segment, got %d", len(col.segments))
	}
}

func TestDecoderChecksumMismatch(t *testing.T) {
	col := new(collector)
	dec := NewDecoder(col)

	body := testBody(5)
	dec.Feed(testFrame(t, "BAD.TXT", 1, 2, body, Checksum(body)+1))

	if len(col.segments) != 0 {
		t.Fatal("Corrupted segment must be discarded")
	}
	if dec.ResyncStreak() != 1 {
		t.Fatalf("Expected resync streak 1, got %d", dec.ResyncStreak())
	}

	// The stream recovers with the next valid frame.
	dec.Feed(testFrame(t, "BAD.TXT", 2, 2, testBody(6)))
	if len(col.segments) != 1 {
		t.Fatal("Decoder did not recover after checksum mismatch")
	}
	if dec.ResyncStreak() != 0 {
		t.Fatalf("Streak not reset, got %d", dec.ResyncStreak())
	}
}

func TestDecoderInvalidBlockNumbers(t *testing.T) {
	col := new(collector)
	dec := NewDecoder(col)

	dec.Feed(testFrame(t, "RANGE.TXT", 4, 3, testBody(1)))
	dec.Feed(testFrame(t, "RANGE.TXT", 0, 3, testBody(1)))

	if len(col.segments) != 0 {
		t.Fatalf("Out-of-range blocks must be discarded, got %d", len(col.segments))
	}
}

func TestDecoderV2Frame(t *testing.T) {
	col := new(collector)
	dec := NewDecoder(col)

	content := bytes.Repeat([]byte("WEATHER "), V1BodySize/8)

	var compressed bytes.Buffer
	zw := zlib.NewWriter(&compressed)
	if _, err := zw.Write(content); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}

	fields := fmt.Sprintf("/PF%s /PN 1 /PT 1 /CS %d /FD7/4/2025 1:02:03 PM /DL%d",
		"COMP.TXT", Checksum(content), compressed.Len())
	frame := bytes.Repeat([]byte{0xFF}, frameSyncSize)
	frame = append(frame, testHeader(t, fields)...)
	frame = append(frame, compressed.Bytes()...)

	dec.Feed(frame)

	if len(col.segments) != 1 {
		t.Fatalf("Expected 1 segment, got %d", len(col.segments))
	}

	seg := col.segments[0]
	if seg.Version != V2 {
		t.Fatalf("Version: %d", seg.Version)
	}
	if !bytes.Equal(seg.Content, content) {
		t.Fatal("Inflated content mismatch")
	}
}

func TestDecoderV2InflateFailure(t *testing.T) {
	col := new(collector)
	dec := NewDecoder(col)

	garbage := bytes.Repeat([]byte{0x42}, 100)
	fields := fmt.Sprintf("/PFJUNK.TXT /PN 1 /PT 1 /CS 1 /FD7/4/2025 1:02:03 PM /DL%d", len(garbage))
	frame := bytes.Repeat([]byte{0xFF}, frameSyncSize)
	frame = append(frame, testHeader(t, fields)...)
	frame = append(frame, garbage...)

	dec.Feed(frame)

	if len(col.segments) != 0 {
		t.Fatal("Uninflatable body must be discarded")
	}
	if dec.ResyncStreak() != 1 {
		t.Fatalf("Expected resync streak 1, got %d", dec.ResyncStreak())
	}
}

func TestDecoderServerListFrame(t *testing.T) {
	for _, terminator := range []string{"\x00", "\r\n"} {
		col := new(collector)
		dec := NewDecoder(col)

		frame := bytes.Repeat([]byte{0xFF}, frameSyncSize)
		frame = append(frame, "/ServerList/alpha:2211|beta:1000"+terminator...)
		dec.Feed(frame)

		if len(col.lists) != 1 {
			t.Fatalf("Expected 1 server list (terminator %q), got %d", terminator, len(col.lists))
		}

		list := col.lists[0]
		if len(list.Servers) != 2 || list.Servers[0].Host != "alpha" || list.Servers[1].Port != 1000 {
			t.Fatalf("Unexpected list: %v", list.Servers)
		}
	}
}

func TestDecoderBadHeaderResync(t *testing.T) {
	col := new(collector)
	dec := NewDecoder(col)

	// A data block frame whose header is missing /CS.
	header := testHeader(t, "/PFNOPE.TXT /PN 1 /PT 1 /FD7/4/2025 1:02:03 PM")
	frame := bytes.Repeat([]byte{0xFF}, frameSyncSize)
	frame = append(frame, header...)
	dec.Feed(frame)

	if len(col.segments) != 0 {
		t.Fatal("Bad header must not produce a segment")
	}
	if dec.ResyncStreak() != 1 {
		t.Fatalf("Expected resync streak 1, got %d", dec.ResyncStreak())
	}

	// A following valid frame still decodes.
	dec.Feed(testFrame(t, "GOOD.TXT", 1, 1, testBody(2)))
	if len(col.segments) != 1 {
		t.Fatal("Decoder did not recover after bad header")
	}
}

func TestDecoderUnknownFrameStart(t *testing.T) {
	col := new(collector)
	dec := NewDecoder(col)

	frame := bytes.Repeat([]byte{0xFF}, frameSyncSize)
	frame = append(frame, []byte("~garbage~")...)
	frame = append(frame, testFrame(t, "OK.TXT", 1, 1, testBody(8))...)
	dec.Feed(frame)

	if len(col.segments) != 1 {
		t.Fatalf("Expected 1 segment after skipping unknown frame, got %d", len(col.segments))
	}
}

func TestDecoderReset(t *testing.T) {
	col := new(collector)
	dec := NewDecoder(col)

	frame := testFrame(t, "HALF.TXT", 1, 1, testBody(4))
	dec.Feed(frame[:len(frame)-10])
	dec.Reset()
	dec.Feed(frame[len(frame)-10:])

	if len(col.segments) != 0 {
		t.Fatal("Reset must discard the partial frame")
	}
	if dec.State() != StateResync || dec.ResyncStreak() != 0 {
		t.Fatal("Reset must restore the initial state")
	}
}
