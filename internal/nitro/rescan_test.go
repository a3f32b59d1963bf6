package nitro

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitInstance(t *testing.T) {
	base, tag := splitInstance("worker@3")
	assert.Equal(t, "worker", base)
	assert.Equal(t, "3", tag)

	base, tag = splitInstance("web")
	assert.Equal(t, "web", base)
	assert.Equal(t, "", tag)
}

func TestValidServiceName(t *testing.T) {
	assert.True(t, validServiceName("web"))
	assert.True(t, validServiceName("worker@3"))
	assert.False(t, validServiceName(""))
	assert.False(t, validServiceName(".hidden"))
	assert.False(t, validServiceName("a/b"))
	assert.False(t, validServiceName("a,b"))
	long := make([]byte, MaxNameLen+1)
	for i := range long {
		long[i] = 'x'
	}
	assert.False(t, validServiceName(string(long)))
}

func writeExecutable(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0755))
}

func TestRescanCreatesSlotsAndSkipsSysAndTemplates(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "web"), 0755))
	writeExecutable(t, filepath.Join(dir, "web", "run"))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "oneshot-svc"), 0755))
	writeExecutable(t, filepath.Join(dir, "oneshot-svc", "setup"))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "SYS"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "template@"), 0755))

	sv, _ := newTestSupervisor(t, dir)
	sv.Rescan()

	_, web := sv.table.Find("web")
	require.NotNil(t, web)
	assert.True(t, web.HasRun)

	_, oneshot := sv.table.Find("oneshot-svc")
	require.NotNil(t, oneshot)
	assert.True(t, oneshot.HasSetup)

	_, sys := sv.table.Find("SYS")
	assert.Nil(t, sys)

	_, tmpl := sv.table.Find("template@")
	assert.Nil(t, tmpl)
}

func TestRescanHonoursDownMarker(t *testing.T) {
	dir := t.TempDir()
	svcDir := filepath.Join(dir, "web")
	require.NoError(t, os.MkdirAll(svcDir, 0755))
	writeExecutable(t, filepath.Join(svcDir, "run"))
	require.NoError(t, os.WriteFile(filepath.Join(svcDir, "down"), nil, 0644))

	sv, _ := newTestSupervisor(t, dir)
	sv.Rescan()

	_, web := sv.table.Find("web")
	require.NotNil(t, web)
	assert.True(t, web.DownMarker)
	assert.Equal(t, StateDown, web.State)
}

func TestRescanResolvesLogSymlink(t *testing.T) {
	dir := t.TempDir()
	webDir := filepath.Join(dir, "web")
	logDir := filepath.Join(dir, "weblog")
	require.NoError(t, os.MkdirAll(webDir, 0755))
	require.NoError(t, os.MkdirAll(logDir, 0755))
	writeExecutable(t, filepath.Join(webDir, "run"))
	writeExecutable(t, filepath.Join(logDir, "run"))
	require.NoError(t, os.Symlink(logDir, filepath.Join(webDir, "log")))

	sv, _ := newTestSupervisor(t, dir)
	sv.Rescan()

	loggerIdx, logger := sv.table.Find("weblog")
	require.NotNil(t, logger)
	assert.True(t, logger.IsLogger)
	assert.NotEqual(t, -1, logger.LogIn[0])

	_, web := sv.table.Find("web")
	require.NotNil(t, web)
	assert.Equal(t, loggerIdx, web.LoggerIdx)
}

func TestRescanSkipsUnrecognizedDirectories(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".hidden"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "empty"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plainfile"), nil, 0644))

	sv, _ := newTestSupervisor(t, dir)
	sv.Rescan()

	assert.Equal(t, 0, sv.table.Len())
}
