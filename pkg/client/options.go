// SPDX-FileCopyrightText: 2024 Jonathan Bradshaw
//
// SPDX-License-Identifier: GPL-3.0-or-later

package client

import "time"

// Defaults for the zero values of Options.
const (
	DefaultServerListPath  = "servers.json"
	DefaultWatchdogTimeout = 20 * time.Second
	DefaultMaxExceptions   = 10
	DefaultReconnectDelay  = 5 * time.Second
	DefaultConnectTimeout  = 15 * time.Second
	DefaultStopTimeout     = 5 * time.Second

	// maxBackoff caps the exponential backoff applied once every known
	// server has failed repeatedly.
	maxBackoff = 60 * time.Second
)

// Options configures a Client. Email is the only required field; zero
// values everywhere else select the defaults.
type Options struct {
	// Email is embedded into the periodic logon message. It must not be
	// empty.
	Email string

	// ServerListPath locates the persisted server list document.
	ServerListPath string

	// WatchdogTimeout tears the session down after this much ingress
	// silence.
	WatchdogTimeout time.Duration

	// MaxExceptions is the number of successive decoder resyncs without a
	// valid frame before the session is forcibly reconnected.
	MaxExceptions int

	// ReconnectDelay is the pause between a session ending and the next
	// dial, growing exponentially up to a cap when every server fails.
	ReconnectDelay time.Duration

	// ConnectTimeout bounds a single dial attempt.
	ConnectTimeout time.Duration

	// StopTimeout bounds cooperative shutdown; afterwards the socket is
	// closed forcibly.
	StopTimeout time.Duration

	// AssemblerIdleTimeout evicts file assemblies with no fresh blocks.
	AssemblerIdleTimeout time.Duration

	// AssemblerCapacity caps concurrently pending file assemblies.
	AssemblerCapacity int

	// SegmentQueueSize and FileQueueSize bound the built-in subscriber
	// queues created through SubscribeSegments and SubscribeFiles.
	SegmentQueueSize int
	FileQueueSize    int
}

// withDefaults fills in the zero values.
func (o Options) withDefaults() Options {
	if o.ServerListPath == "" {
		o.ServerListPath = DefaultServerListPath
	}
	if o.WatchdogTimeout <= 0 {
		o.WatchdogTimeout = DefaultWatchdogTimeout
	}
	if o.MaxExceptions <= 0 {
		o.MaxExceptions = DefaultMaxExceptions
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = DefaultStopTimeout
	}
	return o
}
