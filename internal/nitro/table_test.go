package nitro

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableAddFind(t *testing.T) {
	tbl := NewTable(testLogger())
	idx, s, err := tbl.Add("web", "")
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
	assert.Equal(t, "web", s.Name)

	foundIdx, found := tbl.Find("web")
	assert.Equal(t, idx, foundIdx)
	assert.Same(t, s, found)

	_, missing := tbl.Find("absent")
	assert.Nil(t, missing)
}

func TestTableAddRefusesPastCapacity(t *testing.T) {
	tbl := NewTable(testLogger())
	for i := 0; i < MaxServices; i++ {
		_, _, err := tbl.Add("svc", string(rune('a'+i%26)))
		require.NoError(t, err)
	}
	_, _, err := tbl.Add("overflow", "")
	assert.Error(t, err)
}

func TestTableClearSeenSparesInstances(t *testing.T) {
	tbl := NewTable(testLogger())
	_, base, _ := tbl.Add("worker", "")
	_, inst, _ := tbl.Add("worker", "1")
	base.Seen = true
	inst.Seen = true

	tbl.ClearSeen()
	assert.False(t, base.Seen)
	assert.True(t, inst.Seen)
}

func TestTableCompactRemovesUnseenDown(t *testing.T) {
	tbl := NewTable(testLogger())
	_, keep, _ := tbl.Add("keep", "")
	keep.Seen = true
	keep.State = StateUp

	_, gone, _ := tbl.Add("gone", "")
	gone.Seen = false
	gone.State = StateDown

	tbl.Compact()
	assert.Equal(t, 1, tbl.Len())
	_, found := tbl.Find("keep")
	assert.NotNil(t, found)
}

func TestTableCompactSparesLoggerStillReferenced(t *testing.T) {
	tbl := NewTable(testLogger())
	loggerIdx, logger, _ := tbl.Add("log", "")
	logger.IsLogger = true
	logger.Seen = false
	logger.State = StateDown

	_, client, _ := tbl.Add("web", "")
	client.Seen = true
	client.State = StateUp
	client.LoggerIdx = loggerIdx

	tbl.Compact()
	assert.Equal(t, 2, tbl.Len())
	_, found := tbl.Find("log")
	assert.NotNil(t, found)
}

func TestTableCompactFixesUpLoggerIdxAfterSwap(t *testing.T) {
	tbl := NewTable(testLogger())
	_, unseen, _ := tbl.Add("zzz", "")
	unseen.Seen = false
	unseen.State = StateDown

	loggerIdx, logger, _ := tbl.Add("log", "")
	logger.IsLogger = true
	logger.Seen = true
	logger.State = StateUp

	clientIdx, client, _ := tbl.Add("web", "")
	client.Seen = true
	client.State = StateUp
	client.LoggerIdx = loggerIdx

	tbl.Compact()
	require.Equal(t, 2, tbl.Len())
	newClientIdx, newClient := tbl.Find("web")
	require.NotNil(t, newClient)
	_ = clientIdx
	newLoggerIdx, _ := tbl.Find("log")
	assert.Equal(t, newLoggerIdx, newClient.LoggerIdx)
	assert.NotEqual(t, newClientIdx, newLoggerIdx)
}

func TestLogOutFdsFallsBackToInheritedFd(t *testing.T) {
	tbl := NewTable(testLogger())
	_, s, _ := tbl.Add("web", "")
	got := tbl.logOutFds(s)
	assert.Equal(t, [2]int{-1, -1}, got)
}

func TestLogOutFdsResolvesLoggerAlias(t *testing.T) {
	tbl := NewTable(testLogger())
	loggerIdx, logger, _ := tbl.Add("log", "")
	logger.IsLogger = true
	logger.LogIn = [2]int{7, 8}

	_, client, _ := tbl.Add("web", "")
	client.LoggerIdx = loggerIdx

	got := tbl.logOutFds(client)
	assert.Equal(t, [2]int{7, 8}, got)
}

func TestGlobalLogPipeLifecycle(t *testing.T) {
	tbl := NewTable(testLogger())
	require.NoError(t, tbl.ensureGlobalLogPipe())
	assert.GreaterOrEqual(t, tbl.globalLogWrite, 0)

	tbl.deactivateGlobalLogPipe()
	assert.Less(t, tbl.globalLogWrite, 0)

	tbl.reactivateGlobalLogPipe()
	assert.GreaterOrEqual(t, tbl.globalLogWrite, 0)
}
