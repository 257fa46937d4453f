// SPDX-FileCopyrightText: 2024 Jonathan Bradshaw
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package assembler reconstructs whole files from the interleaved Quick
// Block Transfer segments of many concurrent transmissions.
package assembler

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/bradsjm/byte-blaster/pkg/protocol"
)

// FillFileName is the filler broadcast when no higher-priority content is
// available. It is always discarded.
const FillFileName = "FILLFILE.TXT"

const (
	// DefaultIdleTimeout evicts assemblies that stopped receiving blocks.
	// The broadcast is lossy; a missing final block must not leak memory
	// forever.
	DefaultIdleTimeout = 10 * time.Minute

	// DefaultCapacity caps the number of concurrently pending assemblies.
	DefaultCapacity = 1024
)

// CompletedFile is the emitted artifact: every block of one transmission,
// concatenated in block order.
type CompletedFile struct {
	Filename        string
	Timestamp       time.Time
	Data            []byte
	BlockCount      int
	FirstReceivedAt time.Time
	LastReceivedAt  time.Time
	Source          string
}

// assembly is the pending reconstruction of one transmission.
type assembly struct {
	expected int
	blocks   map[int][]byte
	source   string

	firstReceived time.Time
	lastUpdate    time.Time
}

// Assembler groups segments by their assembly key, deduplicates block
// numbers and emits a CompletedFile once every block of a transmission is
// present. Emission happens synchronously from Accept, so a single
// producer observes completion events in the order the final blocks
// arrived.
//
// A second complete transmission of the same file produces a second
// CompletedFile: high priority files are deliberately broadcast twice and
// deduplication is a subscriber concern.
type Assembler struct {
	idleTimeout time.Duration
	capacity    int
	emit        func(CompletedFile)

	mutex   sync.Mutex
	pending map[string]*assembly

	stopSyn chan struct{}
	stopAck chan struct{}
}

// New creates an Assembler delivering completed files to emit.
// Non-positive idleTimeout and capacity select the defaults.
func New(idleTimeout time.Duration, capacity int, emit func(CompletedFile)) *Assembler {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	a := &Assembler{
		idleTimeout: idleTimeout,
		capacity:    capacity,
		emit:        emit,
		pending:     make(map[string]*assembly),
		stopSyn:     make(chan struct{}),
		stopAck:     make(chan struct{}),
	}

	go a.sweeper()

	return a
}

func (a *Assembler) log() *log.Entry {
	return log.WithField("component", "assembler")
}

// Accept feeds one segment into the assembler, possibly emitting a
// CompletedFile before it returns.
func (a *Assembler) Accept(segment *protocol.Segment) {
	if segment.Filename == FillFileName {
		return
	}
	if segment.BlockNumber < 1 || segment.BlockNumber > segment.TotalBlocks {
		a.log().WithField("segment", segment).Warn("Rejecting segment with out-of-range block number")
		return
	}

	var completed *CompletedFile

	a.mutex.Lock()

	key := segment.Key()
	asm, ok := a.pending[key]
	if !ok {
		asm = &assembly{
			expected:      segment.TotalBlocks,
			blocks:        make(map[int][]byte),
			source:        segment.Source,
			firstReceived: segment.ReceivedAt,
		}
		a.pending[key] = asm
	}

	// A changed total block count marks a new transmission. This should
	// not occur, but partial data from the old one must not corrupt the
	// output.
	if asm.expected != segment.TotalBlocks {
		a.log().WithFields(log.Fields{
			"segment":  segment,
			"expected": asm.expected,
		}).Warn("Total block count changed, restarting assembly")

		asm.expected = segment.TotalBlocks
		asm.blocks = make(map[int][]byte)
		asm.firstReceived = segment.ReceivedAt
	}

	// Keep the first copy of a duplicate block.
	if _, dup := asm.blocks[segment.BlockNumber]; !dup {
		asm.blocks[segment.BlockNumber] = segment.Content
		asm.lastUpdate = time.Now()

		if len(asm.blocks) == asm.expected {
			completed = asm.complete(segment)
			delete(a.pending, key)
		} else {
			a.enforceCapacity(key)
		}
	} else {
		asm.lastUpdate = time.Now()
	}

	a.mutex.Unlock()

	if completed != nil {
		a.log().WithFields(log.Fields{
			"filename": completed.Filename,
			"blocks":   completed.BlockCount,
			"size":     len(completed.Data),
		}).Debug("File completed")

		a.emit(*completed)
	}
}

// complete concatenates the blocks in ascending block number. The final
// segment supplies the closing receipt timestamp.
func (asm *assembly) complete(final *protocol.Segment) *CompletedFile {
	size := 0
	for _, b := range asm.blocks {
		size += len(b)
	}

	data := make([]byte, 0, size)
	for i := 1; i <= asm.expected; i++ {
		data = append(data, asm.blocks[i]...)
	}

	return &CompletedFile{
		Filename:        final.Filename,
		Timestamp:       final.Timestamp,
		Data:            data,
		BlockCount:      asm.expected,
		FirstReceivedAt: asm.firstReceived,
		LastReceivedAt:  final.ReceivedAt,
		Source:          asm.source,
	}
}

// enforceCapacity drops the least recently updated assembly once the cap
// is exceeded. The assembly keyed by keep, just touched by the caller, is
// never the victim. Callers hold the mutex.
func (a *Assembler) enforceCapacity(keep string) {
	if len(a.pending) <= a.capacity {
		return
	}

	victimKey := ""
	var victim *assembly
	for key, asm := range a.pending {
		if key == keep {
			continue
		}
		if victim == nil || asm.lastUpdate.Before(victim.lastUpdate) {
			victimKey, victim = key, asm
		}
	}

	if victim != nil {
		delete(a.pending, victimKey)
		a.log().WithFields(log.Fields{
			"key":    victimKey,
			"blocks": len(victim.blocks),
		}).Debug("Evicted assembly over capacity")
	}
}

// Pending returns the number of transmissions currently being assembled.
func (a *Assembler) Pending() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return len(a.pending)
}

// sweeper periodically drops assemblies with no insertions for the idle
// timeout.
func (a *Assembler) sweeper() {
	defer close(a.stopAck)

	interval := a.idleTimeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopSyn:
			return

		case <-ticker.C:
			a.evictIdle()
		}
	}
}

func (a *Assembler) evictIdle() {
	deadline := time.Now().Add(-a.idleTimeout)

	a.mutex.Lock()
	defer a.mutex.Unlock()

	for key, asm := range a.pending {
		if asm.lastUpdate.Before(deadline) {
			delete(a.pending, key)
			a.log().WithFields(log.Fields{
				"key":    key,
				"blocks": len(asm.blocks),
				"missed": asm.expected - len(asm.blocks),
			}).Debug("Evicted stale assembly")
		}
	}
}

// Close stops the sweeper, discarding pending assemblies.
func (a *Assembler) Close() {
	close(a.stopSyn)
	<-a.stopAck

	a.mutex.Lock()
	a.pending = make(map[string]*assembly)
	a.mutex.Unlock()
}
