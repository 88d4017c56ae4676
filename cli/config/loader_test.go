package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.ini")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaultsAndValidates(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
[global]
persist_file = /tmp/egd.snap

[source "random-org"]
kind = http
url = https://example.invalid/entropy
interval_s = 300
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.EqualValues(t, 10485760, cfg.Global.MaxEntropyBytes)
	assert.EqualValues(t, 8888, cfg.Global.TCPPort)
	require.Len(t, cfg.Sources, 1)
	assert.Equal(t, "random-org", cfg.Sources[0].Name)
	assert.True(t, cfg.Sources[0].Compress)
	assert.InDelta(t, 1.0, cfg.Sources[0].Scale, 0.0001)
}

func TestLoadRejectsMissingPersistFile(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
[global]
tcp_port = 9999
`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsInvalidScale(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
[global]
persist_file = /tmp/egd.snap

[source "bad"]
kind = http
url = https://example.invalid
interval_s = 60
scale = 2.0
`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsUnknownKind(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
[global]
persist_file = /tmp/egd.snap

[source "bad"]
kind = carrier-pigeon
interval_s = 60
`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMultipleSources(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
[global]
persist_file = /tmp/egd.snap

[source "a"]
kind = file
path = /dev/null
interval_s = 60

[source "b"]
kind = command
command = echo hi
interval_s = 120
init_delay_s = 5
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Sources, 2)
}
