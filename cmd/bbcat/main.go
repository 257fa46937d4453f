// SPDX-FileCopyrightText: 2024 Jonathan Bradshaw
//
// SPDX-License-Identifier: GPL-3.0-or-later

// bbcat is a minimal ByteBlaster receiver: it connects with the given
// email address and streams completed files into a directory until
// interrupted.
package main

import (
	"flag"
	"os"
	"os/signal"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/bradsjm/byte-blaster/pkg/client"
)

func main() {
	email := flag.String("email", "", "email address for server authentication")
	dir := flag.String("dir", "emwin", "directory for completed files")
	servers := flag.String("servers", "servers.json", "server list persistence path")
	flag.Parse()

	c, err := client.New(client.Options{
		Email:          *email,
		ServerListPath: *servers,
	})
	if err != nil {
		log.WithError(err).Fatal("Invalid options")
	}

	if err := os.MkdirAll(*dir, 0755); err != nil {
		log.WithError(err).Fatal("Failed to create output directory")
	}

	if err := c.Start(); err != nil {
		log.WithError(err).Fatal("Failed to start client")
	}

	sub := c.SubscribeFiles()
	go func() {
		for file := range sub.Events() {
			path := filepath.Join(*dir, filepath.Base(file.Filename))
			if err := os.WriteFile(path, file.Data, 0644); err != nil {
				log.WithError(err).WithField("path", path).Warn("Failed to save file")
				continue
			}
			log.WithFields(log.Fields{
				"path": path,
				"size": len(file.Data),
			}).Info("Saved file")
		}
	}()

	signalSyn := make(chan os.Signal, 1)
	signal.Notify(signalSyn, os.Interrupt)
	<-signalSyn

	log.Info("Shutting down..")

	sub.Cancel()
	if err := c.Close(); err != nil {
		log.WithError(err).Warn("Closing client errored")
	}
}
