// SPDX-FileCopyrightText: 2024 Jonathan Bradshaw
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package serverlist maintains the pool of ByteBlaster broadcast servers:
// the baked-in defaults, the parser for in-band server list announcements
// and the durable store consulted at every reconnection.
package serverlist

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// defaultServers is the baked-in primary list, used on first run and
// whenever the persisted list cannot be loaded.
var defaultServers = []string{
	"emwin.weathermessage.com:2211",
	"master.weathermessage.com:2211",
	"emwin.interweather.net:1000",
	"wxmesg.upstateweather.com:2211",
}

// Endpoint is one broadcast server address.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// ParseEndpoint parses a "host:port" token.
func ParseEndpoint(s string) (Endpoint, error) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return Endpoint{}, fmt.Errorf("invalid server %q: expected host:port", s)
	}

	host := s[:i]
	port, err := strconv.Atoi(s[i+1:])
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid port in server %q", s)
	}
	if host == "" || port <= 0 || port > 65535 {
		return Endpoint{}, fmt.Errorf("invalid server %q", s)
	}

	return Endpoint{Host: host, Port: port}, nil
}

// List holds the two endpoint pools of a server list announcement. The
// primary pool is dialed round-robin; satellites are only consulted when
// the primary pool is empty.
type List struct {
	Servers    []Endpoint
	SatServers []Endpoint
	ReceivedAt time.Time
}

// Default returns the baked-in fallback list.
func Default() *List {
	l := &List{ReceivedAt: time.Now().UTC()}
	for _, s := range defaultServers {
		ep, err := ParseEndpoint(s)
		if err != nil {
			panic(err)
		}
		l.Servers = append(l.Servers, ep)
	}
	return l
}

// Len returns the total number of endpoints in both pools.
func (l *List) Len() int {
	return len(l.Servers) + len(l.SatServers)
}

// All returns the primary pool followed by the satellite pool.
func (l *List) All() []Endpoint {
	all := make([]Endpoint, 0, l.Len())
	all = append(all, l.Servers...)
	return append(all, l.SatServers...)
}

// Frame section markers, as transmitted by the upstream fleet.
const (
	serverListPrefix = "/ServerList/"
	serverListEnd    = `\ServerList\`
	satServersPrefix = "/SatServers/"
	satServersEnd    = `\SatServers\`
)

// ParseFrame parses the plain-text content of a server list announcement:
//
//	/ServerList/host:port|host:port\ServerList\/SatServers/host:port+host:port\SatServers\
//
// The satellite subsection is optional. Tokens are separated by '|' or
// '+'; invalid tokens are skipped individually. A frame yielding no
// endpoints at all is an error so a garbled announcement can never wipe
// the pool.
func ParseFrame(content string) (*List, error) {
	// The leading slash may be absent when the decoder routed here on a
	// bare letter after the sync marker.
	rest := strings.TrimPrefix(content, "/")
	if !strings.HasPrefix(rest, serverListPrefix[1:]) {
		return nil, fmt.Errorf("not a server list frame: %.40q", content)
	}
	rest = rest[len(serverListPrefix)-1:]

	primary := rest
	satellite := ""
	if i := strings.Index(rest, serverListEnd); i >= 0 {
		primary = rest[:i]
		tail := rest[i+len(serverListEnd):]
		if strings.HasPrefix(tail, satServersPrefix) {
			satellite = strings.TrimPrefix(tail, satServersPrefix)
			if j := strings.Index(satellite, satServersEnd); j >= 0 {
				satellite = satellite[:j]
			}
		}
	}

	list := &List{
		Servers:    parseTokens(primary),
		SatServers: parseTokens(satellite),
		ReceivedAt: time.Now().UTC(),
	}

	if list.Len() == 0 {
		return nil, fmt.Errorf("server list frame contains no valid endpoints: %.80q", content)
	}

	return list, nil
}

// parseTokens splits a '|' or '+' separated token run, dropping tokens
// that do not parse.
func parseTokens(s string) (eps []Endpoint) {
	tokens := strings.FieldsFunc(s, func(r rune) bool {
		return r == '|' || r == '+'
	})

	for _, token := range tokens {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}

		ep, err := ParseEndpoint(token)
		if err != nil {
			log.WithError(err).Debug("Skipping invalid server list token")
			continue
		}
		eps = append(eps, ep)
	}
	return
}
