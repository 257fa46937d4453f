// SPDX-FileCopyrightText: 2024 Jonathan Bradshaw
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package feed exposes a running client over HTTP: a JSON status endpoint
// and a WebSocket stream of completed-file notices. It is a built-in
// subscriber; the protocol core does not depend on it.
package feed

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-multierror"

	"github.com/bradsjm/byte-blaster/pkg/assembler"
	"github.com/bradsjm/byte-blaster/pkg/bus"
	"github.com/bradsjm/byte-blaster/pkg/client"
)

// statusResponse is the document served on /status.
type statusResponse struct {
	IsRunning     bool   `json:"is_running"`
	IsConnected   bool   `json:"is_connected"`
	CurrentServer string `json:"current_server"`
	ServerCount   int    `json:"server_count"`
}

// fileNotice is broadcast on /feed for every completed file. The file
// body stays out of the notice; consumers wanting payloads subscribe to
// the client directly.
type fileNotice struct {
	Filename   string    `json:"filename"`
	Size       int       `json:"size"`
	BlockCount int       `json:"block_count"`
	Timestamp  time.Time `json:"timestamp"`
	Source     string    `json:"source"`
}

// Feed serves /status and /feed for one client.
type Feed struct {
	client   *client.Client
	server   *http.Server
	listener net.Listener
	upgrader websocket.Upgrader

	sub *bus.Subscription[assembler.CompletedFile]

	mutex sync.Mutex
	conns map[*websocket.Conn]struct{}

	stopAck chan struct{}
}

// New creates a Feed listening on address once started.
func New(address string, c *client.Client) *Feed {
	f := &Feed{
		client:  c,
		conns:   make(map[*websocket.Conn]struct{}),
		stopAck: make(chan struct{}),
	}

	router := mux.NewRouter()
	router.HandleFunc("/status", f.handleStatus).Methods("GET")
	router.HandleFunc("/feed", f.handleFeed).Methods("GET")

	f.server = &http.Server{
		Addr:    address,
		Handler: router,
	}

	return f
}

func (f *Feed) log() *log.Entry {
	return log.WithField("feed", f.server.Addr)
}

// Start binds the listener and begins serving and broadcasting. The bind
// error, if any, is returned synchronously.
func (f *Feed) Start() error {
	listener, err := net.Listen("tcp", f.server.Addr)
	if err != nil {
		return err
	}
	f.listener = listener

	f.sub = f.client.Files().Subscribe(bus.DefaultQueueSize, bus.DropOldest)

	go f.broadcast()
	go func() {
		if serveErr := f.server.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			f.log().WithError(serveErr).Warn("Feed server errored")
		}
	}()

	f.log().WithField("address", listener.Addr()).Info("Feed listening")
	return nil
}

// Addr returns the bound listener address, useful with ":0".
func (f *Feed) Addr() net.Addr {
	if f.listener == nil {
		return nil
	}
	return f.listener.Addr()
}

func (f *Feed) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := statusResponse{
		IsRunning:     f.client.IsRunning(),
		IsConnected:   f.client.IsConnected(),
		CurrentServer: f.client.CurrentServer(),
		ServerCount:   f.client.ServerCount(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(&status); err != nil {
		f.log().WithError(err).Debug("Writing status response failed")
	}
}

func (f *Feed) handleFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.log().WithError(err).Debug("WebSocket upgrade failed")
		return
	}

	f.mutex.Lock()
	f.conns[conn] = struct{}{}
	f.mutex.Unlock()

	f.log().WithField("peer", conn.RemoteAddr()).Debug("Feed subscriber connected")

	// Drain the connection to notice the peer going away.
	go func() {
		for {
			if _, _, readErr := conn.ReadMessage(); readErr != nil {
				f.drop(conn)
				return
			}
		}
	}()
}

func (f *Feed) drop(conn *websocket.Conn) {
	f.mutex.Lock()
	_, known := f.conns[conn]
	delete(f.conns, conn)
	f.mutex.Unlock()

	if known {
		conn.Close()
		f.log().WithField("peer", conn.RemoteAddr()).Debug("Feed subscriber disconnected")
	}
}

// broadcast forwards completed-file notices to every connected WebSocket.
func (f *Feed) broadcast() {
	defer close(f.stopAck)

	for file := range f.sub.Events() {
		notice := fileNotice{
			Filename:   file.Filename,
			Size:       len(file.Data),
			BlockCount: file.BlockCount,
			Timestamp:  file.Timestamp,
			Source:     file.Source,
		}

		raw, err := json.Marshal(&notice)
		if err != nil {
			f.log().WithError(err).Warn("Encoding file notice failed")
			continue
		}

		f.mutex.Lock()
		conns := make([]*websocket.Conn, 0, len(f.conns))
		for conn := range f.conns {
			conns = append(conns, conn)
		}
		f.mutex.Unlock()

		for _, conn := range conns {
			if writeErr := conn.WriteMessage(websocket.TextMessage, raw); writeErr != nil {
				f.drop(conn)
			}
		}
	}
}

// Close shuts down the HTTP server, the subscription and every WebSocket.
func (f *Feed) Close() error {
	var result *multierror.Error

	if err := f.server.Close(); err != nil {
		result = multierror.Append(result, err)
	}

	if f.sub != nil {
		f.sub.Cancel()
		<-f.stopAck
	}

	f.mutex.Lock()
	for conn := range f.conns {
		conn.Close()
	}
	f.conns = make(map[*websocket.Conn]struct{})
	f.mutex.Unlock()

	return result.ErrorOrNil()
}
