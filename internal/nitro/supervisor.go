package nitro

import (
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/tuxdude/zzzlogi"
)

// Supervisor is the single long-running process: it owns the service
// table, the global boot/shutdown state, the self-pipe, the control
// socket, and the notification subscriber directory. Every field is
// touched only from the goroutine running Run's event loop — the only
// concurrency is the minimal producer goroutines in signals.go and
// watch.go, which communicate purely via atomics and the self-pipe.
type Supervisor struct {
	Dir    string
	SockPath string
	NotifyDir string
	IsPid1 bool

	log   zzzlogi.Logger
	clock Clock
	table *Table

	global       GlobalState
	shutdownKind ShutdownKind

	selfPipeR int
	selfPipeW int

	ctrlFD int

	nullFD int // O_RDONLY /dev/null, default stdin
	voidFD int // O_WRONLY /dev/null, default stdout/stderr sink

	env []string

	shutdownSlot int // index of synthetic ".SHUTDOWN" timer row, -1 if none

	sysFinishPid      int
	sysFinishDeadline int64
	sysFinalPid       int
	loggersDownBroadcast bool
	bootAwaitingSysSetup bool

	totalReaps   uint64
	totalSvReaps uint64

	watcher *fsnotify.Watcher // optional fsnotify-backed rescan trigger

	wantRescan   atomic.Bool
	wantShutdown atomic.Bool
	wantReboot   atomic.Bool

	// exitLoop is set once the orchestrator reaches FINAL; Run returns
	// after the iteration that sets it.
	exitLoop bool
}

// NewSupervisor constructs a Supervisor rooted at dir. Opening the
// directory, /dev/null, the self-pipe, and the control socket (all done
// by Open) are the four operations treated as FatalError-worthy.
func NewSupervisor(dir, sockPath, notifyDir string, isPid1 bool, log zzzlogi.Logger, env []string) *Supervisor {
	sv := &Supervisor{
		Dir:          dir,
		SockPath:     sockPath,
		NotifyDir:    notifyDir,
		IsPid1:       isPid1,
		log:          log,
		clock:        NewClock(),
		table:        NewTable(log),
		global:       GlobalUp,
		selfPipeR:    -1,
		selfPipeW:    -1,
		ctrlFD:       -1,
		nullFD:       -1,
		voidFD:       -1,
		shutdownSlot: -1,
		env:          env,
	}
	return sv
}
