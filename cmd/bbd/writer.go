// SPDX-FileCopyrightText: 2024 Jonathan Bradshaw
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/bradsjm/byte-blaster/pkg/assembler"
	"github.com/bradsjm/byte-blaster/pkg/bus"
	"github.com/bradsjm/byte-blaster/pkg/client"
)

// newFileWriter subscribes a callback that saves every completed file
// into directory. The filename is flattened to its base name so a hostile
// header cannot escape the directory.
func newFileWriter(directory string, c *client.Client) *bus.Subscription[assembler.CompletedFile] {
	if err := os.MkdirAll(directory, 0755); err != nil {
		log.WithError(err).WithField("directory", directory).
			Fatal("Failed to create output directory")
	}

	return c.Files().SubscribeFunc(bus.DefaultQueueSize, func(file assembler.CompletedFile) {
		name := filepath.Base(file.Filename)
		path := filepath.Join(directory, name)

		if err := os.WriteFile(path, file.Data, 0644); err != nil {
			log.WithError(err).WithField("path", path).Warn("Failed to save file")
			return
		}

		log.WithFields(log.Fields{
			"path":   path,
			"size":   len(file.Data),
			"blocks": file.BlockCount,
		}).Info("Saved file")
	})
}
