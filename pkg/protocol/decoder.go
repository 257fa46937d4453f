// SPDX-FileCopyrightText: 2024 Jonathan Bradshaw
//
// SPDX-License-Identifier: GPL-3.0-or-later

package protocol

import (
	"bytes"
	"compress/zlib"
	"io"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/bradsjm/byte-blaster/pkg/serverlist"
)

// State enumerates the decoder's positions within a frame.
type State uint8

const (
	// StateResync scans for the frame synchronization marker.
	StateResync State = iota

	// StateStartFrame determines the frame type from its first bytes.
	StateStartFrame

	// StateBlockHeader awaits and parses an 80-byte data block header.
	StateBlockHeader

	// StateBlockBody awaits the declared amount of body bytes.
	StateBlockBody

	// StateValidate checks the decoded body against the declared checksum.
	StateValidate

	// StateServerList awaits and parses a server list announcement.
	StateServerList
)

func (s State) String() string {
	switch s {
	case StateResync:
		return "RESYNC"
	case StateStartFrame:
		return "START_FRAME"
	case StateBlockHeader:
		return "BLOCK_HEADER"
	case StateBlockBody:
		return "BLOCK_BODY"
	case StateValidate:
		return "VALIDATE"
	case StateServerList:
		return "SERVER_LIST"
	default:
		return "UNKNOWN"
	}
}

// frameSyncSize is the length of the frame synchronization marker.
const frameSyncSize = 6

// frameSync is the marker as seen in the demasked buffer: six 0xFF bytes.
//
// The satellite draft describes the frame prefix as six null bytes while
// the ByteBlaster TCP documentation speaks of six 0xFF bytes. Under the
// universal XOR-0xFF masking of the TCP leg these are the same condition
// viewed before and after demasking; this decoder operates on demasked
// bytes and therefore syncs on 0xFF.
var frameSync = bytes.Repeat([]byte{0xFF}, frameSyncSize)

// maxTotalBlocks bounds the /PT field of an accepted segment.
const maxTotalBlocks = 999999

// FrameHandler receives the decoder's output: validated data segments and
// parsed server list announcements. Handlers are invoked synchronously
// from the decoder, in stream order.
type FrameHandler interface {
	HandleSegment(segment *Segment)
	HandleServerList(list *serverlist.List)
}

// Decoder is the resynchronizing finite state machine over the demasked
// byte stream. Feed it arbitrary chunks; it emits a frame whenever one is
// complete and falls back to StateResync on every malformed frame. It
// never fails hard: a receive-only client must not let one bad frame kill
// the stream.
type Decoder struct {
	state   State
	buf     Buffer
	seg     *Segment
	handler FrameHandler
	remote  string

	// resyncStreak counts error-path resyncs since the last valid frame.
	// The connection supervisor forces a reconnect once this exceeds its
	// exception budget.
	resyncStreak int
}

// NewDecoder creates a Decoder delivering frames to handler.
func NewDecoder(handler FrameHandler) *Decoder {
	return &Decoder{
		state:   StateResync,
		handler: handler,
	}
}

// SetRemote records the server endpoint for segment metadata and logging.
func (d *Decoder) SetRemote(address string) {
	d.remote = address
}

// State returns the decoder's current state.
func (d *Decoder) State() State {
	return d.state
}

// ResyncStreak returns the number of consecutive error-path resyncs since
// the last successfully emitted frame.
func (d *Decoder) ResyncStreak() int {
	return d.resyncStreak
}

// Reset returns the decoder to its initial state, discarding any buffered
// bytes and partial frame. The client does not call it: it creates a new
// Decoder for every connection instead.
func (d *Decoder) Reset() {
	d.state = StateResync
	d.buf.Reset()
	d.seg = nil
	d.resyncStreak = 0
}

// Feed appends demasked stream bytes and drives the state machine until
// it can no longer progress without further input.
func (d *Decoder) Feed(p []byte) {
	d.buf.Append(p)
	for d.step() {
	}
}

func (d *Decoder) log() *log.Entry {
	return log.WithFields(log.Fields{
		"remote": d.remote,
		"state":  d.state,
	})
}

// step processes the current state once. It reports whether another step
// might make progress; false means the decoder awaits more input.
func (d *Decoder) step() bool {
	switch d.state {
	case StateResync:
		return d.stepResync()
	case StateStartFrame:
		return d.stepStartFrame()
	case StateBlockHeader:
		return d.stepBlockHeader()
	case StateBlockBody:
		return d.stepBlockBody()
	case StateValidate:
		return d.stepValidate()
	case StateServerList:
		return d.stepServerList()
	default:
		d.failResync("unknown decoder state")
		return true
	}
}

// stepResync scans forward for the synchronization marker, discarding
// everything before it.
func (d *Decoder) stepResync() bool {
	if i := d.buf.IndexOf(frameSync, 0); i >= 0 {
		d.buf.Skip(i + frameSyncSize)
		d.state = StateStartFrame
		return true
	}

	// No marker yet. Drop all but the trailing bytes that could still be
	// the start of a marker spanning chunk boundaries.
	if d.buf.Len() > frameSyncSize-1 {
		d.buf.Skip(d.buf.Len() - (frameSyncSize - 1))
	}
	return false
}

// stepStartFrame inspects the bytes after the marker without consuming
// them. Data block headers start with "/PF", server list announcements
// with "/Se" or a bare letter or digit. Anything else sends the decoder
// back to resynchronization.
func (d *Decoder) stepStartFrame() bool {
	p := d.buf.Peek(1)
	if p == nil {
		return false
	}

	switch c := p[0]; {
	case c == '/':
		p3 := d.buf.Peek(3)
		if p3 == nil {
			return false
		}
		switch {
		case bytes.Equal(p3, []byte("/PF")):
			d.state = StateBlockHeader
		case bytes.Equal(p3, []byte("/Se")):
			d.state = StateServerList
		default:
			d.buf.Skip(1)
			d.failResync("unknown frame tag")
		}

	case c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		d.state = StateServerList

	default:
		d.buf.Skip(1)
		d.failResync("unexpected byte at frame start")
	}

	return true
}

// stepBlockHeader consumes and parses the 80-byte header.
func (d *Decoder) stepBlockHeader() bool {
	raw := d.buf.Consume(HeaderSize)
	if raw == nil {
		return false
	}

	seg, err := parseBlockHeader(raw)
	if err != nil {
		d.log().WithError(err).Warn("Discarding block with bad header")
		d.failResync("bad block header")
		return true
	}

	d.seg = seg
	d.state = StateBlockBody
	return true
}

// stepBlockBody consumes the declared body length and, for V2, inflates
// it.
func (d *Decoder) stepBlockBody() bool {
	body := d.buf.Consume(d.seg.Length)
	if body == nil {
		return false
	}

	if d.seg.Version == V2 {
		inflated, err := inflate(body)
		if err != nil {
			d.log().WithError(err).WithField("segment", d.seg).Warn("Failed to inflate V2 block")
			d.failResync("zlib inflate failed")
			return true
		}
		body = inflated
	}

	d.seg.Content = body
	d.state = StateValidate
	return true
}

// stepValidate verifies the decoded payload against the declared checksum
// and block bounds, then emits the segment.
func (d *Decoder) stepValidate() bool {
	seg := d.seg
	d.seg = nil

	if seg.TotalBlocks < 1 || seg.TotalBlocks > maxTotalBlocks ||
		seg.BlockNumber < 1 || seg.BlockNumber > seg.TotalBlocks {
		d.log().WithField("segment", seg).Warn("Discarding block with invalid block numbers")
		d.failResync("invalid block numbers")
		return true
	}

	if sum := Checksum(seg.Content); sum != seg.Checksum {
		d.log().WithFields(log.Fields{
			"segment":    seg,
			"declared":   seg.Checksum,
			"calculated": sum,
		}).Warn("Discarding block with checksum mismatch")
		d.failResync("checksum mismatch")
		return true
	}

	seg.ReceivedAt = time.Now().UTC()
	seg.Source = d.remote

	d.resyncStreak = 0
	d.state = StateResync

	if d.handler != nil {
		d.handler.HandleSegment(seg)
	}
	return true
}

// stepServerList consumes a server list announcement up to its CR LF or
// NUL terminator. The upstream server fleet terminates with NUL while the
// draft specifies CR LF; both are accepted.
func (d *Decoder) stepServerList() bool {
	end, termLen := -1, 0
	if i := d.buf.IndexOf([]byte("\r\n"), 0); i >= 0 {
		end, termLen = i, 2
	}
	if i := d.buf.IndexOf([]byte{0x00}, 0); i >= 0 && (end < 0 || i < end) {
		end, termLen = i, 1
	}
	if end < 0 {
		return false
	}

	content := string(d.buf.Consume(end))
	d.buf.Skip(termLen)

	list, err := serverlist.ParseFrame(content)
	if err != nil {
		d.log().WithError(err).Warn("Discarding unparsable server list frame")
		d.failResync("bad server list frame")
		return true
	}

	d.log().WithField("servers", list.Len()).Info("Decoded server list announcement")

	d.resyncStreak = 0
	d.state = StateResync

	if d.handler != nil {
		d.handler.HandleServerList(list)
	}
	return true
}

// failResync drops the current frame and returns to marker scanning.
func (d *Decoder) failResync(reason string) {
	d.log().WithField("reason", reason).Debug("Decoder resynchronizing")

	d.seg = nil
	d.resyncStreak++
	d.state = StateResync
}

// inflate decompresses a zlib-compressed V2 block body.
func inflate(body []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return io.ReadAll(r)
}
