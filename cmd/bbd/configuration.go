// SPDX-FileCopyrightText: 2024 Jonathan Bradshaw
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/BurntSushi/toml"

	"github.com/bradsjm/byte-blaster/pkg/client"
	"github.com/bradsjm/byte-blaster/pkg/feed"
)

// tomlConfig describes the TOML-configuration.
type tomlConfig struct {
	Client    clientConf
	Logging   logConf
	Output    outputConf
	Feed      feedConf
	Profiling bool
}

// clientConf describes the Client-configuration block.
type clientConf struct {
	Email            string
	ServerListPath   string `toml:"server-list-path"`
	WatchdogTimeout  uint   `toml:"watchdog-timeout"`
	MaxExceptions    int    `toml:"max-exceptions"`
	ReconnectDelay   uint   `toml:"reconnect-delay"`
	ConnectTimeout   uint   `toml:"connect-timeout"`
	AssemblerTimeout uint   `toml:"assembler-timeout"`
	AssemblerCap     int    `toml:"assembler-capacity"`
}

// logConf describes the Logging-configuration block.
type logConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// outputConf describes the Output-configuration block.
type outputConf struct {
	Directory string
}

// feedConf describes the Feed-configuration block.
type feedConf struct {
	Listen string
}

// parseLogging configures logrus from the Logging block.
func parseLogging(conf logConf) {
	if conf.Level != "" {
		if lvl, err := log.ParseLevel(conf.Level); err != nil {
			log.WithFields(log.Fields{
				"level":    conf.Level,
				"error":    err,
				"provided": "panic,fatal,error,warn,info,debug,trace",
			}).Warn("Failed to set log level. Please select one of the provided ones")
		} else {
			log.SetLevel(lvl)
		}
	}

	log.SetReportCaller(conf.ReportCaller)

	switch conf.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})

	case "json":
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})

	default:
		log.Warn("Unknown logging format")
	}
}

// parseClient builds the client from the Client block.
func parseClient(conf clientConf) (*client.Client, error) {
	if conf.Email == "" {
		return nil, fmt.Errorf("client.email is empty")
	}

	opts := client.Options{
		Email:                conf.Email,
		ServerListPath:       conf.ServerListPath,
		WatchdogTimeout:      time.Duration(conf.WatchdogTimeout) * time.Second,
		MaxExceptions:        conf.MaxExceptions,
		ReconnectDelay:       time.Duration(conf.ReconnectDelay) * time.Second,
		ConnectTimeout:       time.Duration(conf.ConnectTimeout) * time.Second,
		AssemblerIdleTimeout: time.Duration(conf.AssemblerTimeout) * time.Second,
		AssemblerCapacity:    conf.AssemblerCap,
	}

	return client.New(opts)
}

// parseConfiguration creates the client and optional feed from the given
// TOML configuration file.
func parseConfiguration(filename string) (c *client.Client, f *feed.Feed, outDir string, profiling bool, err error) {
	var conf tomlConfig
	if _, err = toml.DecodeFile(filename, &conf); err != nil {
		return
	}

	parseLogging(conf.Logging)

	if c, err = parseClient(conf.Client); err != nil {
		return
	}

	if conf.Feed.Listen != "" {
		f = feed.New(conf.Feed.Listen, c)
	}

	outDir = conf.Output.Directory
	profiling = conf.Profiling

	return
}
