package nitro

import (
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCmdQueryUnknownService(t *testing.T) {
	sv, _ := newTestSupervisor(t, t.TempDir())
	reply := sv.handleRequest([]byte("?absent"))
	assert.Equal(t, errReply(), reply)
}

func TestCmdQueryKnownService(t *testing.T) {
	sv, _ := newTestSupervisor(t, t.TempDir())
	_, s, err := sv.table.Add("web", "")
	require.NoError(t, err)
	s.State = StateUp
	s.Pid = 999

	reply := sv.handleRequest([]byte("?web"))
	want := fmt.Sprintf("%c%d,%d,%d", StateUp.Letter(), 999, 0, 0)
	assert.Equal(t, want, string(reply))
}

func TestCmdStatsReportsPid(t *testing.T) {
	sv, _ := newTestSupervisor(t, t.TempDir())
	reply := sv.handleRequest([]byte("#"))
	assert.Equal(t, fmt.Sprintf("%d %d %d %d", os.Getpid(), sv.table.Len(), 0, 0), string(reply))
}

func TestCmdStatsTracksLiveServiceCount(t *testing.T) {
	sv, _ := newTestSupervisor(t, t.TempDir())
	_, _, err := sv.table.Add("web", "")
	require.NoError(t, err)
	_, _, err = sv.table.Add("db", "")
	require.NoError(t, err)

	reply := sv.handleRequest([]byte("#"))
	assert.Equal(t, fmt.Sprintf("%d %d %d %d", os.Getpid(), 2, 0, 0), string(reply))
}

func TestCmdWantUpAutoCreatesFromDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(dir+"/web", 0755))
	sv, _ := newTestSupervisor(t, dir)

	reply := sv.handleRequest([]byte("uweb"))
	assert.Equal(t, okReply(), reply)
	_, s := sv.table.Find("web")
	require.NotNil(t, s)
}

func TestCmdWantUpRejectsInvalidName(t *testing.T) {
	sv, _ := newTestSupervisor(t, t.TempDir())
	reply := sv.handleRequest([]byte("u.bad"))
	assert.Equal(t, errReply(), reply)
}

func TestCmdWantDownDoesNotAutoCreate(t *testing.T) {
	sv, _ := newTestSupervisor(t, t.TempDir())
	reply := sv.handleRequest([]byte("dabsent"))
	assert.Equal(t, errReply(), reply)
}

func TestCmdSignalRequiresLivePid(t *testing.T) {
	sv, _ := newTestSupervisor(t, t.TempDir())
	_, s, err := sv.table.Add("web", "")
	require.NoError(t, err)
	s.Pid = 0

	reply := sv.handleRequest([]byte("tweb"))
	assert.Equal(t, errReply(), reply)
}

func TestCmdSignalUnknownVerb(t *testing.T) {
	sv, _ := newTestSupervisor(t, t.TempDir())
	reply := sv.handleRequest([]byte("zweb"))
	assert.Equal(t, errReply(), reply)
}
