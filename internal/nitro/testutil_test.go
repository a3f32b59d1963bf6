package nitro

import (
	"testing"

	"github.com/tuxdude/zzzlog"
	"github.com/tuxdude/zzzlogi"
)

func testLogger() zzzlogi.Logger {
	cfg := zzzlog.NewConfig()
	cfg.Level = zzzlog.LevelError
	return zzzlog.NewLogger(cfg)
}

// newTestSupervisor builds a Supervisor wired to a fake clock so tests can
// drive deadlines deterministically, with its directory rooted at dir.
func newTestSupervisor(t *testing.T, dir string) (*Supervisor, *fakeClock) {
	t.Helper()
	sv := NewSupervisor(dir, dir+"/ctrl.sock", dir+"/notify", false, testLogger(), []string{"PATH=/bin"})
	fc := newFakeClock(1_000_000)
	sv.clock = fc
	return sv, fc
}
