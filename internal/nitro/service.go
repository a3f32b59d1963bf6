package nitro

import (
	"syscall"
)

// MaxServices bounds the service table.
const MaxServices = 500

// MaxNameLen is the longest a service name (sans instance tag) may be.
const MaxNameLen = 63

// Timing constants. Several historical nitro variants disagree on exact
// values; these are the ones this implementation commits to (recorded in
// DESIGN.md under "Open Questions").
const (
	DelayRespawn    = 1000 // ms, DELAY after a script exits non-zero or a run process exits while STARTING
	DelaySpawnError = 1000 // ms, DELAY after a transient fork/exec error
	DelayStarting   = 2000 // ms, STARTING timeout when no readiness fd was requested
	TimeoutSysFinish = 5000 // ms, bound on SYS/finish during WAIT_FINISH
	TimeoutSigterm   = 5000 // ms, WAIT_TERM duration before escalating to SIGKILL
	TimeoutSigkill   = 5000 // ms, WAIT_KILL duration before declaring FINAL regardless
	TimeoutSysFinal  = 5000 // ms, bound on SYS/final before remount/sync/reboot
)

// defaultDownSignal is sent to the main run process for a graceful stop
// when no down-signal file overrides it.
const defaultDownSignal = syscall.SIGTERM

// Service is one row of the fixed-capacity service table.
// Pipe file descriptors default to -1 meaning "not open"; LoggerIdx
// defaults to -1 meaning "no logger wired". The logger/client relationship
// is index-based (see DESIGN.md "Index-based logger design"): a logger slot owns
// LogIn directly, a client slot only records LoggerIdx and recomputes its
// effective stdout pipe from the logger's LogIn on demand via logOutFds.
type Service struct {
	Name string
	Tag  string // instance tag (text after '@'), empty for non-parameterised services

	State State

	Pid       int
	SetupPid  int
	FinishPid int
	WStatus   syscall.WaitStatus

	StartStop int64 // monotonic ms of last state-defining transition
	Timeout   int64 // ms remaining as of last observation; 0 disables
	Deadline  int64 // absolute monotonic ms target, lazily derived from Timeout

	IsLogger  bool
	LogIn     [2]int // valid only when IsLogger; pipe this service reads stdin from
	LoggerIdx int    // index into the table of the logger this service writes to, or -1

	ReadyPipe      int // read end of readiness pipe, or -1
	NotificationFD int // fd number inside the child the readiness pipe is dup'd to, or -1

	DownSignal syscall.Signal

	HasRun   bool
	HasSetup bool
	HasFinish bool
	DownMarker bool // "down" file present: start DOWN on first scan

	Seen bool // mark-and-sweep flag used by rescan

	wantRestartPending bool // RESTART requested while already SHUTDOWN (tie-break memory)
}

// newService returns a freshly created slot populated with its default
// values: state=DELAY, timeout=1ms, no fds open.
func newService(name, tag string) Service {
	return Service{
		Name:       name,
		Tag:        tag,
		State:      StateDelay,
		Timeout:    1,
		LoggerIdx:  -1,
		ReadyPipe:  -1,
		NotificationFD: -1,
		LogIn:      [2]int{-1, -1},
		DownSignal: defaultDownSignal,
	}
}

// FullName reconstructs "name@tag" for a parameterised instance, or just
// "name" otherwise.
func (s *Service) FullName() string {
	if s.Tag == "" {
		return s.Name
	}
	return s.Name + "@" + s.Tag
}

// dirName returns the on-disk directory name backing this service's
// scripts: the template directory "name@" for an instance (every instance
// of a given template shares one set of setup/run/finish scripts), or
// "name" for an ordinary service.
func (s *Service) dirName() string {
	if s.Tag == "" {
		return s.Name
	}
	return s.Name + "@"
}

// IsOneshot reports whether this service has no run script, meaning it is
// considered permanently succeeded once setup finishes.
func (s *Service) IsOneshot() bool {
	return s.HasSetup && !s.HasRun
}

// clearTimeout cancels any pending deadline, matching the invariant that
// DOWN/FATAL services never carry a live timeout.
func (s *Service) clearTimeout() {
	s.Timeout = 0
	s.Deadline = 0
}

// armTimeout sets a relative timeout; Deadline is computed lazily by the
// main loop on its next pass over the table.
func (s *Service) armTimeout(ms int64) {
	s.Timeout = ms
	s.Deadline = 0
}

// resetChildren zeroes every pid field once the service's children are
// gone (on FINISHED, or after a failed spawn).
func (s *Service) resetChildren() {
	s.Pid = 0
	s.SetupPid = 0
	s.FinishPid = 0
}
