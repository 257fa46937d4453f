// SPDX-FileCopyrightText: 2024 Jonathan Bradshaw
//
// SPDX-License-Identifier: GPL-3.0-or-later

// bbd is the ByteBlaster daemon: it connects to the EMWIN broadcast,
// writes completed files into an output directory and optionally serves a
// status and WebSocket feed endpoint.
package main

import (
	"os"
	"os/signal"

	log "github.com/sirupsen/logrus"

	"github.com/pkg/profile"
	"golang.org/x/sync/errgroup"

	"github.com/bradsjm/byte-blaster/pkg/assembler"
	"github.com/bradsjm/byte-blaster/pkg/bus"
)

// waitSigint blocks the current thread until a SIGINT appears.
func waitSigint() {
	signalSyn := make(chan os.Signal, 1)
	signalAck := make(chan struct{})

	signal.Notify(signalSyn, os.Interrupt)

	go func() {
		<-signalSyn
		close(signalAck)
	}()

	<-signalAck
}

func main() {
	if len(os.Args) != 2 {
		log.Fatalf("Usage: %s configuration.toml", os.Args[0])
	}

	c, f, outDir, profiling, err := parseConfiguration(os.Args[1])
	if err != nil {
		log.WithFields(log.Fields{
			"error": err,
		}).Fatal("Failed to parse config")
	}

	if profiling {
		defer profile.Start(profile.ProfilePath(".")).Stop()
	}

	var group errgroup.Group
	group.Go(c.Start)
	if f != nil {
		group.Go(f.Start)
	}
	if err := group.Wait(); err != nil {
		log.WithError(err).Fatal("Failed to start")
	}

	var writerSub *bus.Subscription[assembler.CompletedFile]
	if outDir != "" {
		writerSub = newFileWriter(outDir, c)
	}

	waitSigint()
	log.Info("Shutting down..")

	if writerSub != nil {
		writerSub.Cancel()
	}
	if f != nil {
		if err := f.Close(); err != nil {
			log.WithError(err).Warn("Closing feed errored")
		}
	}
	if err := c.Close(); err != nil {
		log.WithError(err).Warn("Closing client errored")
	}
}
