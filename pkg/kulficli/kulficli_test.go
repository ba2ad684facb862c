package kulficli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kulfi-go/kulfi/internal/id52"
)

func resetIdentityFlags() {
	identityFile = ""
}

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w

	fn()

	require.NoError(t, w.Close())
	os.Stdout = old

	buf := make([]byte, 4096)
	n, _ := r.Read(buf)
	return string(buf[:n])
}

func TestIdentityCreateWritesFileAndPrintsID52(t *testing.T) {
	resetIdentityFlags()
	dir := t.TempDir()
	path := filepath.Join(dir, "node.id52")
	identityFile = path

	out := captureStdout(t, func() {
		err := identityCreateCmd.RunE(identityCreateCmd, nil)
		require.NoError(t, err)
	})

	assert.Len(t, out, id52.Length+1) // id52 plus trailing newline

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, raw, 64) // ed25519.PrivateKeySize
}

func TestIdentityCreateRefusesExistingFile(t *testing.T) {
	resetIdentityFlags()
	dir := t.TempDir()
	path := filepath.Join(dir, "node.id52")
	identityFile = path

	require.NoError(t, os.WriteFile(path, []byte("not-a-key-but-present"), 0o600))

	err := identityCreateCmd.RunE(identityCreateCmd, nil)
	assert.ErrorContains(t, err, "already exists")
}

func TestIdentityShowCreatesMissingFileThenReusesIt(t *testing.T) {
	resetIdentityFlags()
	dir := t.TempDir()
	path := filepath.Join(dir, "node.id52")
	identityFile = path

	firstOut := captureStdout(t, func() {
		require.NoError(t, identityShowCmd.RunE(identityShowCmd, nil))
	})
	secondOut := captureStdout(t, func() {
		require.NoError(t, identityShowCmd.RunE(identityShowCmd, nil))
	})

	assert.Equal(t, firstOut, secondOut, "show must reuse the identity it created on first run")
}

func TestLoadIdentityRejectsWrongLengthFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.id52")
	require.NoError(t, os.WriteFile(path, []byte("too-short"), 0o600))

	_, err := loadIdentity(path)
	assert.ErrorContains(t, err, "wrong length")
}

func TestRunCommandRejectsConfigWithNoActiveServices(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kulfi.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
identity:
  file: .kulfi.id52
http:
  idle:
    port: 8080
    public: true
    active: false
`), 0o600))

	err := runCmd.RunE(runCmd, []string{path})
	assert.ErrorContains(t, err, "no active, public services")
}

func TestRunCommandRejectsMissingConfigFile(t *testing.T) {
	err := runCmd.RunE(runCmd, []string{filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, err)
}
