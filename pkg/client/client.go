// SPDX-FileCopyrightText: 2024 Jonathan Bradshaw
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package client implements the ByteBlaster connection supervisor: it
// owns one TCP session at a time, authenticates, drives the protocol
// decoder, enforces the ingress watchdog and handles failover across the
// known server pool.
package client

import (
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/hashicorp/go-multierror"

	"github.com/bradsjm/byte-blaster/pkg/assembler"
	"github.com/bradsjm/byte-blaster/pkg/bus"
	"github.com/bradsjm/byte-blaster/pkg/protocol"
	"github.com/bradsjm/byte-blaster/pkg/serverlist"
)

// Client is the receive-only ByteBlaster client. It maintains exactly one
// connection to the broadcast server pool, reassembles the interleaved
// Quick Block Transfer stream and fans out raw segments and completed
// files to subscribers.
type Client struct {
	opts Options

	auth      *protocol.Authenticator
	store     *serverlist.Store
	assembler *assembler.Assembler

	segments *bus.Bus[*protocol.Segment]
	files    *bus.Bus[assembler.CompletedFile]

	closeOnce sync.Once

	stateMutex    sync.Mutex
	running       bool
	connected     bool
	currentServer string
	conn          net.Conn
	stopSyn       chan struct{}
	stopAck       chan struct{}
}

// New validates the options and creates a Client. It fails only on a
// missing or malformed email address.
func New(opts Options) (*Client, error) {
	auth, err := protocol.NewAuthenticator(opts.Email)
	if err != nil {
		return nil, err
	}

	opts = opts.withDefaults()

	c := &Client{
		opts:     opts,
		auth:     auth,
		store:    serverlist.NewStore(opts.ServerListPath),
		segments: bus.New[*protocol.Segment](),
		files:    bus.New[assembler.CompletedFile](),
	}

	c.assembler = assembler.New(opts.AssemblerIdleTimeout, opts.AssemblerCapacity, c.files.Publish)

	return c, nil
}

func (c *Client) log() *log.Entry {
	return log.WithField("client", c.auth.Email())
}

// Start launches the connection loop. It errors if the client is already
// running.
func (c *Client) Start() error {
	c.stateMutex.Lock()
	defer c.stateMutex.Unlock()

	if c.running {
		return fmt.Errorf("client is already running")
	}

	c.running = true
	c.stopSyn = make(chan struct{})
	c.stopAck = make(chan struct{})

	c.log().Info("Starting ByteBlaster client")
	go c.run(c.stopSyn, c.stopAck)

	return nil
}

// Stop requests a cooperative shutdown of the current session and the
// connection loop. If shutdown does not complete within StopTimeout the
// socket is closed forcibly. Stop does not release the client's buses or
// store; Close does.
func (c *Client) Stop() {
	c.stateMutex.Lock()
	if !c.running {
		c.stateMutex.Unlock()
		return
	}
	c.running = false
	stopSyn, stopAck := c.stopSyn, c.stopAck
	c.stateMutex.Unlock()

	c.log().Info("Stopping ByteBlaster client")
	close(stopSyn)

	select {
	case <-stopAck:
	case <-time.After(c.opts.StopTimeout):
		c.log().Warn("Cooperative shutdown timed out, closing socket forcibly")
		c.closeConn()
		<-stopAck
	}

	c.log().Info("ByteBlaster client stopped")
}

// Close stops the client and releases the server list store, the
// assembler and both subscription buses. Start is not refused afterwards,
// but the released buses are not recreated, so no further events reach
// any subscriber.
func (c *Client) Close() error {
	c.Stop()

	var result *multierror.Error
	c.closeOnce.Do(func() {
		if err := c.store.Close(); err != nil {
			result = multierror.Append(result, err)
		}

		c.assembler.Close()
		c.segments.Close()
		c.files.Close()
	})

	return result.ErrorOrNil()
}

// Segments is the fan-out point for raw decoded segments.
func (c *Client) Segments() *bus.Bus[*protocol.Segment] {
	return c.segments
}

// Files is the fan-out point for completed files.
func (c *Client) Files() *bus.Bus[assembler.CompletedFile] {
	return c.files
}

// SubscribeSegments opens a streaming subscription for raw segments with
// the configured queue bound and backpressure.
func (c *Client) SubscribeSegments() *bus.Subscription[*protocol.Segment] {
	return c.segments.Subscribe(c.opts.SegmentQueueSize, bus.Block)
}

// SubscribeFiles opens a streaming subscription for completed files with
// the configured queue bound and backpressure.
func (c *Client) SubscribeFiles() *bus.Subscription[assembler.CompletedFile] {
	return c.files.Subscribe(c.opts.FileQueueSize, bus.Block)
}

// IsRunning reports whether the connection loop is active.
func (c *Client) IsRunning() bool {
	c.stateMutex.Lock()
	defer c.stateMutex.Unlock()

	return c.running
}

// IsConnected reports whether a server connection is currently up.
func (c *Client) IsConnected() bool {
	c.stateMutex.Lock()
	defer c.stateMutex.Unlock()

	return c.connected
}

// CurrentServer returns the endpoint of the connected server, or the
// empty string while disconnected.
func (c *Client) CurrentServer() string {
	c.stateMutex.Lock()
	defer c.stateMutex.Unlock()

	return c.currentServer
}

// ServerCount returns the number of known server endpoints.
func (c *Client) ServerCount() int {
	return c.store.Size()
}

// ServerList returns a snapshot of the known server pool.
func (c *Client) ServerList() *serverlist.List {
	return c.store.Current()
}

// HandleSegment implements protocol.FrameHandler. Segments reach the
// assembler in exact decode order before being fanned out.
func (c *Client) HandleSegment(segment *protocol.Segment) {
	c.assembler.Accept(segment)
	c.segments.Publish(segment)
}

// HandleServerList implements protocol.FrameHandler. The store is updated
// immediately but only consulted again at the next reconnection.
func (c *Client) HandleServerList(list *serverlist.List) {
	c.store.Replace(list)
}

// run is the connection loop: select a server, dial, run the session,
// back off, repeat.
func (c *Client) run(stopSyn <-chan struct{}, stopAck chan<- struct{}) {
	defer close(stopAck)

	failures := 0
	backoff := c.opts.ReconnectDelay

	for {
		select {
		case <-stopSyn:
			return
		default:
		}

		endpoint, ok := c.store.NextPrimary()
		if !ok {
			c.log().Error("No servers available")
			if !c.pause(c.opts.ReconnectDelay, stopSyn) {
				return
			}
			continue
		}

		conn, err := net.DialTimeout("tcp", endpoint.String(), c.opts.ConnectTimeout)
		if err != nil {
			failures++
			c.log().WithError(err).WithFields(log.Fields{
				"server":  endpoint,
				"attempt": failures,
			}).Warn("Connection failed")

			// After the whole pool failed twice, back off exponentially
			// instead of hammering it.
			if poolSize := c.store.Size(); failures >= 2*poolSize && poolSize > 0 {
				c.log().WithField("delay", backoff).Warn("All servers failing, backing off")
				if !c.pause(backoff, stopSyn) {
					return
				}
				if backoff *= 2; backoff > maxBackoff {
					backoff = maxBackoff
				}
				failures = 0
			} else if !c.pause(c.opts.ReconnectDelay, stopSyn) {
				return
			}
			continue
		}

		failures = 0
		backoff = c.opts.ReconnectDelay

		c.session(conn, endpoint, stopSyn)

		if !c.pause(c.opts.ReconnectDelay, stopSyn) {
			return
		}
	}
}

// pause sleeps for d, interruptible by shutdown. It reports false when
// the client is stopping.
func (c *Client) pause(d time.Duration, stopSyn <-chan struct{}) bool {
	select {
	case <-time.After(d):
		return true
	case <-stopSyn:
		return false
	}
}

// session runs one connected session until the socket fails, the watchdog
// expires, the decoder exhausts its exception budget or the client stops.
// Partial decode state is discarded with the session's decoder. Pending
// file assemblies are not cleared: they live in the client's assembler and
// carry over into the next session until completed or evicted.
func (c *Client) session(conn net.Conn, endpoint serverlist.Endpoint, stopSyn <-chan struct{}) {
	address := endpoint.String()
	logn := c.log().WithField("server", address)
	logn.Info("Connected")

	c.setConnected(conn, address)
	defer c.clearConnected()

	decoder := protocol.NewDecoder(c)
	decoder.SetRemote(address)

	// Authenticate immediately; the server drops silent clients.
	if _, err := conn.Write(c.auth.LogonPayload()); err != nil {
		logn.WithError(err).Warn("Sending logon failed")
		conn.Close()
		return
	}

	var lastRead int64
	atomic.StoreInt64(&lastRead, time.Now().UnixNano())

	sessionDone := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go c.keepalive(conn, logn, sessionDone, &wg)
	go c.watchdog(conn, logn, &lastRead, stopSyn, sessionDone, &wg)

	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			atomic.StoreInt64(&lastRead, time.Now().UnixNano())
			decoder.Feed(protocol.Mask(buf[:n]))

			if decoder.ResyncStreak() > c.opts.MaxExceptions {
				logn.WithField("resyncs", decoder.ResyncStreak()).
					Warn("Decoder exception budget exceeded, reconnecting")
				break
			}
		}
		if err != nil {
			if err == io.EOF {
				logn.Info("Server closed the connection")
			} else {
				logn.WithError(err).Warn("Read errored")
			}
			break
		}
	}

	close(sessionDone)
	conn.Close()
	wg.Wait()

	logn.Info("Session ended")
}

// keepalive re-sends the logon payload every protocol.ReauthInterval so
// the server keeps the session alive.
func (c *Client) keepalive(conn net.Conn, logn *log.Entry, sessionDone <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(protocol.ReauthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sessionDone:
			return

		case <-ticker.C:
			if _, err := conn.Write(c.auth.LogonPayload()); err != nil {
				logn.WithError(err).Warn("Keepalive logon failed, closing session")
				conn.Close()
				return
			}
			logn.Debug("Sent keepalive logon")
		}
	}
}

// watchdog closes the socket when no bytes arrived for WatchdogTimeout,
// and on an external stop request.
func (c *Client) watchdog(conn net.Conn, logn *log.Entry, lastRead *int64,
	stopSyn, sessionDone <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(c.opts.WatchdogTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-sessionDone:
			return

		case <-stopSyn:
			conn.Close()
			return

		case <-ticker.C:
			idle := time.Since(time.Unix(0, atomic.LoadInt64(lastRead)))
			if idle > c.opts.WatchdogTimeout {
				logn.WithField("idle", idle).Warn("Watchdog expired, closing session")
				conn.Close()
				return
			}
		}
	}
}

func (c *Client) setConnected(conn net.Conn, address string) {
	c.stateMutex.Lock()
	defer c.stateMutex.Unlock()

	c.conn = conn
	c.connected = true
	c.currentServer = address
}

func (c *Client) clearConnected() {
	c.stateMutex.Lock()
	defer c.stateMutex.Unlock()

	c.conn = nil
	c.connected = false
	c.currentServer = ""
}

func (c *Client) closeConn() {
	c.stateMutex.Lock()
	defer c.stateMutex.Unlock()

	if c.conn != nil {
		c.conn.Close()
	}
}
