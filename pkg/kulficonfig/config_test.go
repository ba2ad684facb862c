package kulficonfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleConfig = `
identity:
  file: .kulfi.id52
http:
  myservice:
    port: 8080
    public: true
    active: true
    bridge_host: 127.0.0.1:9100
tcp:
  myservice:
    port: 9001
    public: true
    active: true
udp:
  myvoip:
    port: 9002
    public: true
    active: false
`

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "kulfi.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadParsesAllServiceTables(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, ".kulfi.id52", cfg.Identity.File)

	http, ok := cfg.HTTP["myservice"]
	require.True(t, ok)
	require.Equal(t, 8080, http.Port)
	require.True(t, http.Public)
	require.True(t, http.Active)
	require.Equal(t, "127.0.0.1:9100", http.BridgeHost)

	tcp, ok := cfg.TCP["myservice"]
	require.True(t, ok)
	require.Equal(t, 9001, tcp.Port)

	udp, ok := cfg.UDP["myvoip"]
	require.True(t, ok)
	require.False(t, udp.Active)
}

func TestLoadDefaultsHostToLoopback(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, defaultHost, cfg.HTTP["myservice"].Host)
	require.Equal(t, defaultHost, cfg.TCP["myservice"].Host)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
