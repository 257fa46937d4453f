// SPDX-FileCopyrightText: 2024 Jonathan Bradshaw
//
// SPDX-License-Identifier: GPL-3.0-or-later

package serverlist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// documentVersion tags the persisted format.
const documentVersion = "1.0"

// document is the on-disk shape of the persisted server list.
type document struct {
	Servers    []string  `json:"servers"`
	SatServers []string  `json:"sat_servers"`
	ReceivedAt time.Time `json:"received_at"`
	Version    string    `json:"version"`
}

// Store is the process-wide "last known good" server list. It loads once
// at construction, falls back to the baked-in defaults on any load
// problem, rewrites its file atomically on every authoritative update and
// hands out primary endpoints round-robin.
//
// When a path is configured the Store also watches it and reloads the
// list if another process replaces the file. A running session is never
// affected; updates take effect at the next reconnection.
type Store struct {
	path string

	mu     sync.Mutex
	list   *List
	cursor int

	watcher *fsnotify.Watcher
	stopSyn chan struct{}
	stopAck chan struct{}
}

// NewStore creates a Store persisted at path. An empty path disables
// persistence and the defaults are used until the first in-band update.
func NewStore(path string) *Store {
	store := &Store{
		path:    path,
		stopSyn: make(chan struct{}),
		stopAck: make(chan struct{}),
	}

	store.list = store.load()
	store.startWatcher()

	return store
}

func (store *Store) log() *log.Entry {
	return log.WithField("path", store.path)
}

// load reads the persisted document, falling back to the defaults on any
// missing file, I/O error or parse error.
func (store *Store) load() *List {
	if store.path == "" {
		return Default()
	}

	raw, err := os.ReadFile(store.path)
	if err != nil {
		store.log().WithError(err).Info("No persisted server list, using defaults")
		return Default()
	}

	list, err := decodeDocument(raw)
	if err != nil {
		store.log().WithError(err).Warn("Corrupt server list file, using defaults")
		return Default()
	}

	return list
}

func decodeDocument(raw []byte) (*List, error) {
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}

	list := &List{ReceivedAt: doc.ReceivedAt}
	for _, s := range doc.Servers {
		if ep, err := ParseEndpoint(s); err == nil {
			list.Servers = append(list.Servers, ep)
		}
	}
	for _, s := range doc.SatServers {
		if ep, err := ParseEndpoint(s); err == nil {
			list.SatServers = append(list.SatServers, ep)
		}
	}

	if list.Len() == 0 {
		return nil, fmt.Errorf("persisted server list contains no valid endpoints")
	}

	return list, nil
}

// Replace installs an authoritative server list update and persists it.
// The in-memory list stays authoritative for the current process even if
// the save fails; the failure is only logged.
func (store *Store) Replace(list *List) {
	if list == nil || list.Len() == 0 {
		store.log().Warn("Ignoring empty server list update")
		return
	}

	store.mu.Lock()
	store.list = list
	store.cursor = 0
	store.mu.Unlock()

	store.log().WithFields(log.Fields{
		"servers":     len(list.Servers),
		"sat_servers": len(list.SatServers),
	}).Info("Server list replaced")

	if err := store.save(list); err != nil {
		store.log().WithError(err).Warn("Failed to persist server list")
	}
}

// save writes the document atomically: write to a temporary file in the
// same directory, then rename over the destination.
func (store *Store) save(list *List) error {
	if store.path == "" {
		return nil
	}

	doc := document{
		ReceivedAt: list.ReceivedAt,
		Version:    documentVersion,
		Servers:    make([]string, 0, len(list.Servers)),
		SatServers: make([]string, 0, len(list.SatServers)),
	}
	for _, ep := range list.Servers {
		doc.Servers = append(doc.Servers, ep.String())
	}
	for _, ep := range list.SatServers {
		doc.SatServers = append(doc.SatServers, ep.String())
	}

	raw, err := json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(store.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(store.path)+".tmp")
	if err != nil {
		return err
	}

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}

	return os.Rename(tmp.Name(), store.path)
}

// NextPrimary returns the next endpoint to dial, round-robin over the
// primary pool. Satellites are consulted only while the primary pool is
// empty. The second return is false if no endpoints are known at all.
func (store *Store) NextPrimary() (Endpoint, bool) {
	store.mu.Lock()
	defer store.mu.Unlock()

	pool := store.list.Servers
	if len(pool) == 0 {
		pool = store.list.SatServers
	}
	if len(pool) == 0 {
		return Endpoint{}, false
	}

	ep := pool[store.cursor%len(pool)]
	store.cursor++
	return ep, true
}

// Current returns a snapshot of the list.
func (store *Store) Current() *List {
	store.mu.Lock()
	defer store.mu.Unlock()

	snapshot := &List{
		Servers:    append([]Endpoint(nil), store.list.Servers...),
		SatServers: append([]Endpoint(nil), store.list.SatServers...),
		ReceivedAt: store.list.ReceivedAt,
	}
	return snapshot
}

// All returns every known endpoint, primary pool first.
func (store *Store) All() []Endpoint {
	return store.Current().All()
}

// Size returns the total number of known endpoints.
func (store *Store) Size() int {
	store.mu.Lock()
	defer store.mu.Unlock()

	return store.list.Len()
}

// startWatcher begins watching the persisted file for replacement by
// another process. Watch setup failure only disables reloading.
func (store *Store) startWatcher() {
	if store.path == "" {
		close(store.stopAck)
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		err = watcher.Add(filepath.Dir(store.path))
	}
	if err != nil {
		store.log().WithError(err).Warn("Server list file watching disabled")
		if watcher != nil {
			watcher.Close()
		}
		close(store.stopAck)
		return
	}

	store.watcher = watcher
	go store.watch()
}

func (store *Store) watch() {
	defer close(store.stopAck)

	abs, _ := filepath.Abs(store.path)

	for {
		select {
		case <-store.stopSyn:
			return

		case event, ok := <-store.watcher.Events:
			if !ok {
				return
			}

			name, _ := filepath.Abs(event.Name)
			if name != abs || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			raw, err := os.ReadFile(store.path)
			if err != nil {
				continue
			}
			list, err := decodeDocument(raw)
			if err != nil {
				store.log().WithError(err).Debug("Ignoring unreadable server list file change")
				continue
			}

			store.mu.Lock()
			store.list = list
			store.cursor = 0
			store.mu.Unlock()

			store.log().Debug("Reloaded server list from disk")

		case err, ok := <-store.watcher.Errors:
			if !ok {
				return
			}
			store.log().WithError(err).Warn("Server list watcher error")
		}
	}
}

// Close stops the file watcher.
func (store *Store) Close() error {
	close(store.stopSyn)

	var err error
	if store.watcher != nil {
		err = store.watcher.Close()
	}
	<-store.stopAck

	return err
}
