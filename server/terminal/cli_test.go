package terminal

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlagsPositionalPort(t *testing.T) {
	cfg, exit, err := ParseFlags([]string{"51234"}, io.Discard)
	require.NoError(t, err)
	require.False(t, exit)
	assert.Equal(t, 51234, cfg.ListenPort)
	assert.Equal(t, 50000, cfg.SessionPortStart)
	assert.Equal(t, 51000, cfg.SessionPortEnd)
	assert.Equal(t, 30*time.Second, cfg.IdleTimeout)
}

func TestParseFlagsEitherSide(t *testing.T) {
	cfg, _, err := ParseFlags([]string{"-root", "/tmp", "9000", "-idle", "5s", "-port-start", "40000"}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.ListenPort)
	assert.Equal(t, "/tmp", cfg.RootDir)
	assert.Equal(t, 5*time.Second, cfg.IdleTimeout)
	assert.Equal(t, 40000, cfg.SessionPortStart)
}

func TestParseFlagsErrors(t *testing.T) {
	_, _, err := ParseFlags(nil, io.Discard)
	assert.Error(t, err)

	_, _, err = ParseFlags([]string{"abc"}, io.Discard)
	assert.Error(t, err)

	_, _, err = ParseFlags([]string{"1", "2"}, io.Discard)
	assert.Error(t, err)
}

func TestParseFlagsHelp(t *testing.T) {
	var out bytes.Buffer
	cfg, exit, err := ParseFlags([]string{"-h"}, &out)
	require.NoError(t, err)
	assert.True(t, exit)
	assert.Nil(t, cfg)
	assert.Contains(t, out.String(), "Usage:")
}

func TestConfigFileLayering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_port = 7000
root_dir = "/srv"
idle_timeout = "90s"
session_port_start = 45000
session_port_end = 45100
`), 0o644))

	cfg, _, err := ParseFlags([]string{"-config", path, "-port-end", "45200"}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.ListenPort)
	assert.Equal(t, "/srv", cfg.RootDir)
	assert.Equal(t, 90*time.Second, cfg.IdleTimeout)
	assert.Equal(t, 45000, cfg.SessionPortStart)
	assert.Equal(t, 45200, cfg.SessionPortEnd, "flags win over the file")

	cfg, _, err = ParseFlags([]string{"-config", path, "7100"}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, 7100, cfg.ListenPort, "positional port wins over the file")
}

func TestConfigFileBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.toml")
	require.NoError(t, os.WriteFile(path, []byte(`idle_timeout = "soon"`), 0o644))
	assert.Error(t, LoadConfigFile(path, DefaultConfig()))
}

func TestValidateConfig(t *testing.T) {
	valid := func() *Config {
		c := DefaultConfig()
		c.ListenPort = 9000
		c.RootDir = t.TempDir()
		return c
	}
	require.NoError(t, ValidateConfig(valid()))

	smallest := valid()
	smallest.MaxBlockSize = 1000
	require.NoError(t, ValidateConfig(smallest))

	mutations := map[string]func(*Config){
		"no port":        func(c *Config) { c.ListenPort = 0 },
		"port too big":   func(c *Config) { c.ListenPort = 70000 },
		"missing root":   func(c *Config) { c.RootDir = filepath.Join(c.RootDir, "nope") },
		"inverted range": func(c *Config) { c.SessionPortStart, c.SessionPortEnd = 6000, 5000 },
		"only listen":    func(c *Config) { c.SessionPortStart, c.SessionPortEnd = 9000, 9000 },
		"zero idle":      func(c *Config) { c.IdleTimeout = 0 },
		"huge block":     func(c *Config) { c.MaxBlockSize = 1 << 20 },
		"tiny block":     func(c *Config) { c.MaxBlockSize = 512 },
		"no attempts":    func(c *Config) { c.MaxBindAttempts = 0 },
	}
	for name, mutate := range mutations {
		c := valid()
		mutate(c)
		assert.Error(t, ValidateConfig(c), name)
	}
}

func TestPrintStats(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, PrintStats(&out, [][]string{{"Handshakes", "3"}, {"Blocks served", "12"}}))
	assert.Contains(t, out.String(), "Handshakes")
	assert.Contains(t, out.String(), "12")
}
