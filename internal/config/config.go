/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package config loads the [global] configuration block shared by the
// two cores: document-store and remote-cache connection settings, the
// disk writer's method and size knobs, and the dry-run switch.
package config

import (
	"errors"
	"fmt"
	"net"

	"github.com/google/uuid"
	"github.com/inhies/go-bytesize"

	"github.com/gravwell/capture/diskwriter"
	gwconfig "github.com/gravwell/capture/ingest/config"
)

// cfgReadType mirrors the on-disk [global] stanza; gcfg maps
// underscore-separated names onto these fields case-insensitively.
type cfgReadType struct {
	Global global
}

type global struct {
	Tagger_Host             string
	Tagger_Port             int
	Wise_Host               string
	Wise_Port               int
	Wise_Max_Conns          int
	Wise_Max_Requests       int
	Wise_Max_Cache          int
	Wise_Cache_Secs         int
	Pcap_Write_Method       string
	Pcap_Write_Size         string
	Max_File_Size_Bytes     string
	Max_File_Time_Minutes   int
	Max_Free_Output_Buffers int
	Dry_Run                 bool
	Ingester_UUID           string
}

// Config is the fully parsed and verified configuration, with byte-size
// fields resolved to plain ints and the write method resolved to its
// diskwriter.WriteMethod constant.
type Config struct {
	TaggerHost string
	TaggerPort int

	WiseHost        string
	WisePort        int
	WiseMaxConns    int
	WiseMaxRequests int
	WiseMaxCache    int
	WiseCacheSecs   int

	PcapWriteMethod      diskwriter.WriteMethod
	PcapWriteSize        int
	MaxFileSizeBytes     int64
	MaxFileTimeMinutes   int
	MaxFreeOutputBuffers int

	DryRun bool

	IngesterUUID uuid.UUID
}

const (
	defaultWiseMaxConns    = 4
	defaultWiseMaxRequests = 256
	defaultWiseMaxCache    = 1_000_000
	defaultWiseCacheSecs   = 600
	defaultMaxFreeBuffers  = 16

	envWiseHost   = "CAPTURE_WISE_HOST"
	envTaggerHost = "CAPTURE_TAGGER_HOST"
)

// Load reads path with the shared .ini-style loader, fills in defaults,
// and verifies the range constraints Verify checks. Any error here is fatal at
// startup: the capture agent cannot run with an invalid configuration.
func Load(path string) (*Config, error) {
	var cr cfgReadType
	if err := gwconfig.LoadConfigFile(&cr, path); err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	if err := gwconfig.LoadEnvVar(&cr.Global.Wise_Host, envWiseHost, cr.Global.Wise_Host); err != nil {
		return nil, fmt.Errorf("%s: %w", envWiseHost, err)
	}
	if err := gwconfig.LoadEnvVar(&cr.Global.Tagger_Host, envTaggerHost, cr.Global.Tagger_Host); err != nil {
		return nil, fmt.Errorf("%s: %w", envTaggerHost, err)
	}
	return build(cr.Global)
}

// LoadBytes is Load without a file, used by tests and by anything that
// assembles a config in memory.
func LoadBytes(b []byte) (*Config, error) {
	var cr cfgReadType
	if err := gwconfig.LoadConfigBytes(&cr, b); err != nil {
		return nil, err
	}
	return build(cr.Global)
}

func build(g global) (*Config, error) {
	c := &Config{
		TaggerHost:           g.Tagger_Host,
		TaggerPort:           g.Tagger_Port,
		WiseHost:             g.Wise_Host,
		WisePort:             g.Wise_Port,
		WiseMaxConns:         nonZero(g.Wise_Max_Conns, defaultWiseMaxConns),
		WiseMaxRequests:      nonZero(g.Wise_Max_Requests, defaultWiseMaxRequests),
		WiseMaxCache:         nonZero(g.Wise_Max_Cache, defaultWiseMaxCache),
		WiseCacheSecs:        nonZero(g.Wise_Cache_Secs, defaultWiseCacheSecs),
		MaxFileTimeMinutes:   g.Max_File_Time_Minutes,
		MaxFreeOutputBuffers: nonZero(g.Max_Free_Output_Buffers, defaultMaxFreeBuffers),
		DryRun:               g.Dry_Run,
	}

	method, err := diskwriter.ParseWriteMethod(defaultString(g.Pcap_Write_Method, "thread-direct"))
	if err != nil {
		return nil, err
	}
	c.PcapWriteMethod = method

	writeSize, err := parseByteSize(defaultString(g.Pcap_Write_Size, "256KiB"))
	if err != nil {
		return nil, fmt.Errorf("pcap_write_size: %w", err)
	}
	c.PcapWriteSize = writeSize

	if g.Max_File_Size_Bytes != "" {
		maxBytes, err := parseByteSize(g.Max_File_Size_Bytes)
		if err != nil {
			return nil, fmt.Errorf("max_file_size_bytes: %w", err)
		}
		c.MaxFileSizeBytes = int64(maxBytes)
	}

	if g.Ingester_UUID != "" {
		id, err := uuid.Parse(g.Ingester_UUID)
		if err != nil {
			return nil, fmt.Errorf("ingester_uuid: %w", err)
		}
		c.IngesterUUID = id
	} else {
		c.IngesterUUID = uuid.New()
	}

	if err := c.Verify(); err != nil {
		return nil, err
	}
	return c, nil
}

// Verify range-checks the numeric keys; a configuration that fails
// this is rejected outright rather than silently clamped. wise_port
// must lie in [0, 65535], wise_max_conns in [1, 60] and
// wise_max_requests in [1, 50000]; wise_max_cache and wise_cache_secs
// must be positive and have no upper bound; tagger_port is not checked.
func (c *Config) Verify() error {
	if !c.DryRun {
		if c.TaggerHost == "" {
			return errors.New("tagger_host is required unless dry_run is set")
		}
		if c.WiseHost == "" {
			return errors.New("wise_host is required unless dry_run is set")
		}
	}
	if c.WiseHost != "" && net.ParseIP(c.WiseHost) == nil && !isHostname(c.WiseHost) {
		return fmt.Errorf("wise_host %q is not a valid host or IP", c.WiseHost)
	}
	if c.WisePort < 0 || c.WisePort > 65535 {
		return fmt.Errorf("wise_port %d out of range", c.WisePort)
	}
	if c.WiseMaxConns <= 0 || c.WiseMaxConns > 60 {
		return errors.New("wise_max_conns must be in [1, 60]")
	}
	if c.WiseMaxRequests <= 0 || c.WiseMaxRequests > 50000 {
		return errors.New("wise_max_requests must be in [1, 50000]")
	}
	if c.WiseMaxCache <= 0 {
		return errors.New("wise_max_cache must be positive")
	}
	if c.WiseCacheSecs <= 0 {
		return errors.New("wise_cache_secs must be positive")
	}
	cfg := diskwriter.Config{Method: c.PcapWriteMethod, WriteSize: c.PcapWriteSize, MaxFreeOutputBuffers: c.MaxFreeOutputBuffers}
	if err := cfg.Verify(); err != nil {
		return err
	}
	if c.MaxFileSizeBytes < 0 {
		return errors.New("max_file_size_bytes must not be negative")
	}
	if c.MaxFileTimeMinutes < 0 {
		return errors.New("max_file_time_minutes must not be negative")
	}
	if c.MaxFreeOutputBuffers <= 0 {
		return errors.New("max_free_output_buffers must be positive")
	}
	return nil
}

func nonZero(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func parseByteSize(v string) (int, error) {
	bs, err := bytesize.Parse(v)
	if err != nil {
		return 0, err
	}
	return int(bs), nil
}

func isHostname(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '.' || r == '-' || r == '_') {
			return false
		}
	}
	return true
}
