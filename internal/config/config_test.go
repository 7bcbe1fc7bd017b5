/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package config

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gravwell/capture/diskwriter"
)

const baseConfig = `
[global]
tagger-host = 127.0.0.1
tagger-port = 9200
wise-host = wise.example.com
wise-port = 8081
wise-max-conns = 8
wise-max-requests = 128
wise-max-cache = 500000
wise-cache-secs = 300
pcap-write-method = direct
pcap-write-size = 4096
max-file-size-bytes = 1GiB
max-file-time-minutes = 60
max-free-output-buffers = 32
`

func TestLoadBytesBasic(t *testing.T) {
	c, err := LoadBytes([]byte(baseConfig))
	require.NoError(t, err)
	require.Equal(t, "wise.example.com", c.WiseHost)
	require.Equal(t, 8081, c.WisePort)
	require.Equal(t, diskwriter.MethodDirect, c.PcapWriteMethod)
	require.Equal(t, 4096, c.PcapWriteSize)
	require.Equal(t, int64(1024*1024*1024), c.MaxFileSizeBytes)
	require.NotEqual(t, "", c.IngesterUUID.String())
}

func TestLoadBytesDefaults(t *testing.T) {
	c, err := LoadBytes([]byte("\n[global]\ndry-run = true\n"))
	require.NoError(t, err)
	require.Equal(t, defaultWiseMaxConns, c.WiseMaxConns)
	require.Equal(t, diskwriter.MethodThreadDirect, c.PcapWriteMethod)
	require.True(t, c.DryRun)
}

func TestVerifyRejectsBadDirectWriteSize(t *testing.T) {
	_, err := LoadBytes([]byte("\n[global]\ndry-run = true\npcap-write-method = direct\npcap-write-size = 1000\n"))
	require.Error(t, err)
}

func TestVerifyRequiresHostsUnlessDryRun(t *testing.T) {
	_, err := LoadBytes([]byte("\n[global]\n"))
	require.Error(t, err)
}

func TestVerifyAcceptsWiseMaxRequestsAboveFrameLimit(t *testing.T) {
	c, err := LoadBytes([]byte(baseConfig + "\nwise-max-requests = 1000\n"))
	require.NoError(t, err)
	require.Equal(t, 1000, c.WiseMaxRequests)
}

func TestVerifyRejectsWiseMaxConnsAboveRange(t *testing.T) {
	_, err := LoadBytes([]byte(baseConfig + "\nwise-max-conns = 61\n"))
	require.Error(t, err)
}
