/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Command capture wires the Local Index, Remote Cache, and Disk Writer
// cores together: load configuration, bring up a logger, start the
// tagger refresh loop and the wise flush loop, and drive a PCAP writer
// until told to stop.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/gravwell/capture/diskwriter"
	"github.com/gravwell/capture/internal/config"
	"github.com/gravwell/capture/session"
	"github.com/gravwell/capture/tagger"
	"github.com/gravwell/capture/wise"

	gwlog "github.com/gravwell/capture/ingest/log"
	"github.com/gravwell/capture/ingest/log/rotate"
)

const (
	defaultConfigLoc = `/opt/gravwell/etc/capture.conf`
	appName          = `capture`
)

var (
	confLoc  = flag.String("config-file", defaultConfigLoc, "location of the configuration file")
	verbose  = flag.Bool("v", false, "log verbosely (DEBUG level) to stderr")
	outDir   = flag.String("out-dir", ".", "directory PCAP files are written into")
	statsSec = flag.Int("stats-interval", 30, "seconds between periodic stats log lines")
	logFile  = flag.String("log-file", "", "rotate a copy of the log to this path in addition to stderr")
)

// sequentialFileCreator hands out monotonically-increasing file ids and
// timestamped filenames under outDir; a production deployment would
// persist this mapping to a metadata database instead.
type sequentialFileCreator struct {
	dir  string
	next uint64
}

func (s *sequentialFileCreator) CreateFile() (uint64, string, error) {
	id := atomic.AddUint64(&s.next, 1)
	name := fmt.Sprintf("%s/capture-%d-%d.pcap", s.dir, time.Now().Unix(), id)
	return id, name, nil
}

func main() {
	debug.SetTraceback("all")
	flag.Parse()

	lg := gwlog.New(os.Stderr)
	lg.SetAppname(appName)
	if *verbose {
		lg.SetLevelString("DEBUG")
	}
	gwlog.PrintOSInfo(os.Stderr)

	if *logFile != "" {
		fr, err := rotate.Open(*logFile, 0640)
		if err != nil {
			lg.FatalCode(0, "failed to open rotating log file", gwlog.KV("path", *logFile), gwlog.KVErr(err))
			return
		}
		if err := lg.AddWriter(fr); err != nil {
			lg.FatalCode(0, "failed to attach rotating log file", gwlog.KVErr(err))
			return
		}
	}

	cfg, err := config.Load(*confLoc)
	if err != nil {
		lg.FatalCode(0, "failed to load configuration", gwlog.KVErr(err))
		return
	}

	reg := session.NewFieldRegistry()

	var refresher *tagger.Refresher
	var cache *wise.Cache
	store := tagger.NewStore(reg)

	if !cfg.DryRun {
		ds := tagger.NewDocStore(fmt.Sprintf("http://%s:%d", cfg.TaggerHost, cfg.TaggerPort))
		refresher = tagger.NewRefresher(store, ds, lg)
		refresher.Start()
		defer refresher.Stop()

		client := wise.NewClient(cfg.WiseHost, cfg.WisePort, cfg.WiseMaxConns)
		cache = wise.NewCache(reg, client, wise.Config{MaxCache: cfg.WiseMaxCache, CacheSecs: cfg.WiseCacheSecs}, lg)
		stop := make(chan struct{})
		go cache.Run(stop)
		defer close(stop)
	}

	wcfg := diskwriter.Config{
		Method:               cfg.PcapWriteMethod,
		WriteSize:            cfg.PcapWriteSize,
		MaxFileSizeBytes:     cfg.MaxFileSizeBytes,
		MaxFileTimeMinutes:   cfg.MaxFileTimeMinutes,
		MaxFreeOutputBuffers: cfg.MaxFreeOutputBuffers,
		SnapLen:              65535,
		LinkType:             1, // LINKTYPE_ETHERNET
	}
	writer, err := diskwriter.NewWriter(wcfg, &sequentialFileCreator{dir: *outDir}, lg)
	if err != nil {
		lg.FatalCode(0, "failed to construct disk writer", gwlog.KVErr(err))
		return
	}
	writer.Start()
	defer writer.Stop()

	lg.Info("capture agent started", gwlog.KV("dry_run", fmt.Sprintf("%v", cfg.DryRun)), gwlog.KV("write_method", fmt.Sprintf("%v", cfg.PcapWriteMethod)))

	statsTicker := time.NewTicker(time.Duration(*statsSec) * time.Second)
	defer statsTicker.Stop()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)

	for {
		select {
		case <-quit:
			lg.Info("shutting down", gwlog.KV("queue_depth", fmt.Sprintf("%d", writer.QueueLength())))
			return
		case <-statsTicker.C:
			if cache != nil {
				s := cache.StatsSnapshot()
				lg.Info("periodic stats", gwlog.KV("lookups", fmt.Sprintf("%d", s.Lookups)), gwlog.KV("cache_hits", fmt.Sprintf("%d", s.CacheHits)), gwlog.KV("requests", fmt.Sprintf("%d", s.Requests)))
			}
			lg.Info("disk writer backlog", gwlog.KV("queue_depth", fmt.Sprintf("%d", writer.QueueLength())))
		}
	}
}
