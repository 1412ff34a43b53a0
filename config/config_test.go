// SPDX-FileCopyrightText: Copyright (C) 2025 The Wisp Authors
// SPDX-License-Identifier: AGPL-3.0-only

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfig(t *testing.T) {
	require := require.New(t)

	_, err := Load(nil)
	require.Error(err, "Load() with nil config")

	const basicConfig = `# A basic configuration example.
[Link]
Address = "tcp://192.0.2.1:9001"

[Logging]
Level = "DEBUG"
`

	cfg, err := Load([]byte(basicConfig))
	require.NoError(err, "Load() with basic config")
	require.Equal("tcp://192.0.2.1:9001", cfg.Link.Address)
	require.Equal("DEBUG", cfg.Logging.Level)

	// Omitted sections pick up defaults.
	require.NotNil(cfg.Debug)
	require.Equal(defaultRelayResponseTimeout, cfg.Debug.RelayResponseTimeout)
	require.Equal(defaultStreamConnectTimeout, cfg.Debug.StreamConnectTimeout)
	require.Equal(defaultKeepAliveInterval, cfg.Debug.KeepAliveInterval)
}

func TestConfigFixup(t *testing.T) {
	require := require.New(t)

	const cfgStr = `
[Link]
Address = "quic://relay.example.com:9001"

[Logging]
Level = "warning"

[Debug]
RelayResponseTimeout = 5
`

	cfg, err := Load([]byte(cfgStr))
	require.NoError(err)

	// Levels are forced to uppercase, partial Debug sections are filled in.
	require.Equal("WARNING", cfg.Logging.Level)
	require.Equal(5, cfg.Debug.RelayResponseTimeout)
	require.Equal(defaultStreamConnectTimeout, cfg.Debug.StreamConnectTimeout)
	require.Equal(defaultKeepAliveInterval, cfg.Debug.KeepAliveInterval)
}

func TestConfigInvalid(t *testing.T) {
	require := require.New(t)

	for _, cfgStr := range []string{
		// No Link section.
		`[Logging]
Level = "DEBUG"
`,
		// No Address.
		`[Link]
`,
		// Bad scheme.
		`[Link]
Address = "udp://192.0.2.1:9001"
`,
		// No port.
		`[Link]
Address = "tcp://192.0.2.1"
`,
		// Bad log level.
		`[Link]
Address = "tcp://192.0.2.1:9001"

[Logging]
Level = "TRACE"
`,
		// Unknown keys are rejected.
		`[Link]
Address = "tcp://192.0.2.1:9001"
Frobnicate = true
`,
		// Not toml.
		`;'{]`,
	} {
		_, err := Load([]byte(cfgStr))
		require.Errorf(err, "Load(%q)", cfgStr)
	}
}

func TestLoadFile(t *testing.T) {
	require := require.New(t)

	f := filepath.Join(t.TempDir(), "wisp.toml")
	require.NoError(os.WriteFile(f, []byte("[Link]\nAddress = \"tcp://192.0.2.1:9001\"\n"), 0o600))

	cfg, err := LoadFile(f)
	require.NoError(err)
	require.Equal("tcp://192.0.2.1:9001", cfg.Link.Address)

	_, err = LoadFile(filepath.Join(t.TempDir(), "nonexistent.toml"))
	require.Error(err, "LoadFile() with missing file")
}
