// SPDX-FileCopyrightText: 2024 Jonathan Bradshaw
//
// SPDX-License-Identifier: GPL-3.0-or-later

package protocol

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// HeaderSize is the length of a data block header including its CR LF
// terminator.
const HeaderSize = 80

// maxV2BodySize bounds the declared /DL length of a V2 block. Compressed
// blocks never legitimately exceed the uncompressed V1 block size.
const maxV2BodySize = 1024

// headerDateLayout parses /FD values. Month, day and hour arrive unpadded.
const headerDateLayout = "1/2/2006 3:04:05 PM"

// parseBlockHeader parses the 80-byte ASCII block header into a Segment
// with everything but the body filled in. The parser scans for the field
// tags positionally and tolerates the variable space padding between them.
//
// A header missing /PF, /PN, /PT or /CS is an error. An unparsable /FD
// only degrades the segment to an epoch timestamp.
func parseBlockHeader(raw []byte) (*Segment, error) {
	seg := &Segment{
		Version: V1,
		Length:  V1BodySize,
		Header:  string(raw),
	}

	name, ok := headerString(raw, "/PF")
	if !ok || name == "" {
		return nil, fmt.Errorf("header is missing /PF: %q", raw)
	}
	seg.Filename = name

	var err error
	if seg.BlockNumber, err = headerInt(raw, "/PN"); err != nil {
		return nil, err
	}
	if seg.TotalBlocks, err = headerInt(raw, "/PT"); err != nil {
		return nil, err
	}

	cs, err := headerInt(raw, "/CS")
	if err != nil {
		return nil, err
	}
	seg.Checksum = uint32(cs)

	seg.Timestamp = headerDate(raw)

	if dl, dlErr := headerInt(raw, "/DL"); dlErr == nil {
		if dl <= 0 || dl > maxV2BodySize {
			return nil, fmt.Errorf("header declares invalid /DL %d", dl)
		}
		seg.Version = V2
		seg.Length = dl
	}

	return seg, nil
}

// headerString extracts the value immediately following tag, terminated by
// the next space or CR.
func headerString(raw []byte, tag string) (string, bool) {
	i := bytes.Index(raw, []byte(tag))
	if i < 0 {
		return "", false
	}
	v := raw[i+len(tag):]
	if end := bytes.IndexAny(v, " \r"); end >= 0 {
		v = v[:end]
	}
	return string(v), true
}

// headerInt extracts a left-justified, space-padded decimal value
// following tag.
func headerInt(raw []byte, tag string) (int, error) {
	i := bytes.Index(raw, []byte(tag))
	if i < 0 {
		return 0, fmt.Errorf("header is missing %s: %q", tag, raw)
	}

	v := raw[i+len(tag):]
	for len(v) > 0 && v[0] == ' ' {
		v = v[1:]
	}

	n := 0
	digits := 0
	for ; digits < len(v) && v[digits] >= '0' && v[digits] <= '9'; digits++ {
		n = n*10 + int(v[digits]-'0')
	}
	if digits == 0 {
		return 0, fmt.Errorf("header field %s is not numeric: %q", tag, raw)
	}

	return n, nil
}

// headerDate extracts and parses the /FD field. Parse failures fall back
// to the Unix epoch instead of rejecting the frame.
func headerDate(raw []byte) time.Time {
	i := bytes.Index(raw, []byte("/FD"))
	if i < 0 {
		return time.Unix(0, 0).UTC()
	}

	v := raw[i+3:]
	if end := bytes.Index(v, []byte("/DL")); end >= 0 {
		v = v[:end]
	}
	date := strings.Trim(string(v), " \r\n")

	t, err := time.ParseInLocation(headerDateLayout, date, time.UTC)
	if err != nil {
		log.WithFields(log.Fields{
			"date":  date,
			"error": err,
		}).Warn("Failed to parse block header date")

		return time.Unix(0, 0).UTC()
	}

	return t
}
