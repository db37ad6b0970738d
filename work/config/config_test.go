package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mixreplace/work/types"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadFileJSON(t *testing.T) {
	path := writeFile(t, "config.json", `{
		"port": 9100,
		"boundary": "myboundary",
		"fps": 15,
		"handshakeTimeout": "3s",
		"admin": {"listen": "127.0.0.1:8181"},
		"sources": [
			{"name": "frames", "type": "Directory", "channel": "local", "path": "/tmp/frames", "loop": true}
		]
	}`)

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, "myboundary", cfg.Boundary)
	assert.Equal(t, 15, cfg.FPS)
	assert.Equal(t, 3*time.Second, cfg.HandshakeTimeout)
	assert.Equal(t, 30*time.Second, cfg.WriteTimeout)
	assert.Equal(t, "image/jpeg", cfg.ContentType)
	assert.Equal(t, "DevicePlugin Server", cfg.ServerName)
	assert.Equal(t, types.MaxClientSize, cfg.MaxClients)
	assert.Equal(t, "127.0.0.1:8181", cfg.Admin.Listen)

	require.Len(t, cfg.Sources, 1)
	src := cfg.Sources[0]
	assert.Equal(t, "directory", src.Type)
	assert.Equal(t, types.ChannelLocal, src.Channel)
	assert.Equal(t, 15, src.FPS)
	assert.True(t, src.Loop)
	assert.Equal(t, 5*time.Second, src.Retry)
}

func TestLoadFileYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
port: 0
fps: 10
debug: true
writeTimeout: 1m
history:
  enabled: true
  path: /tmp/h.db
  retention: 24h
sources:
  - name: upstream
    type: relay
    channel: remote
    url: http://example.com/local/video/x
    retry: 2s
`)

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 0, cfg.Port)
	assert.Equal(t, 10, cfg.FPS)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, time.Minute, cfg.WriteTimeout)
	assert.True(t, cfg.History.Enabled)
	assert.Equal(t, 24*time.Hour, cfg.History.Retention)
	assert.Len(t, cfg.Boundary, 36)

	require.Len(t, cfg.Sources, 1)
	assert.Equal(t, types.ChannelRemote, cfg.Sources[0].Channel)
	assert.Equal(t, 2*time.Second, cfg.Sources[0].Retry)
}

func TestLoadFileErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"bad json", "c.json", `{"port":`},
		{"bad yaml", "c.yaml", "port: [1"},
		{"low port", "c.json", `{"port": 80}`},
		{"bad duration", "c.json", `{"writeTimeout": "soon"}`},
		{"bad channel", "c.json", `{"sources": [{"type": "relay", "channel": "side", "url": "http://x"}]}`},
		{"bad type", "c.json", `{"sources": [{"type": "camera", "channel": "local"}]}`},
		{"directory without path", "c.json", `{"sources": [{"type": "directory", "channel": "local"}]}`},
		{"relay without url", "c.json", `{"sources": [{"type": "relay", "channel": "local"}]}`},
		{"bad access pattern", "c.json", `{"access": {"deny": "(unclosed"}}`},
		{"bad watchdog interval", "c.yaml", "watchdog:\n  interval: often\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFile(writeFile(t, tt.file, tt.content))
			assert.Error(t, err)
		})
	}

	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestInvalidBoundaryIsReplaced(t *testing.T) {
	cfg, err := LoadFile(writeFile(t, "c.json", `{"boundary": "has spaces in it"}`))
	require.NoError(t, err)
	assert.NotEqual(t, "has spaces in it", cfg.Boundary)
	assert.True(t, ValidBoundary(cfg.Boundary))
}

func TestValidBoundary(t *testing.T) {
	assert.True(t, ValidBoundary("0b0d6f43-5d55-4a8a-9a57-4b0f3c1a9e11"))
	assert.True(t, ValidBoundary("simple_boundary"))
	assert.False(t, ValidBoundary(""))
	assert.False(t, ValidBoundary("semi;colon"))
	assert.False(t, ValidBoundary("quote\"d"))
}

func TestLoadConfigFallsBackToDefaults(t *testing.T) {
	ClearConfigCache()
	t.Cleanup(ClearConfigCache)

	cfg := LoadConfig(filepath.Join(t.TempDir(), "absent.json"))
	assert.Equal(t, 30, cfg.FPS)
	assert.Equal(t, ":8080", cfg.Admin.Listen)
	assert.True(t, cfg.Watchdog.Enabled)
	assert.Empty(t, cfg.Access.Allow)
	assert.NotEmpty(t, cfg.Boundary)

	assert.Same(t, cfg, LoadConfig("ignored-once-cached.json"))
}

func TestCreateExampleConfigRoundTrips(t *testing.T) {
	for _, name := range []string{"example.json", "example.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, CreateExampleConfig(path))

			cfg, err := LoadFile(path)
			require.NoError(t, err)
			require.Len(t, cfg.Sources, 2)
			assert.Equal(t, "directory", cfg.Sources[0].Type)
			assert.Equal(t, types.ChannelRemote, cfg.Sources[1].Channel)
			assert.True(t, cfg.History.Enabled)
			assert.NotEmpty(t, cfg.Access.Allow)
			assert.True(t, cfg.Watchdog.Enabled)
			assert.Equal(t, 10*time.Second, cfg.Watchdog.Interval)
			assert.Equal(t, 5, cfg.Watchdog.MaxFailures)
		})
	}
}
