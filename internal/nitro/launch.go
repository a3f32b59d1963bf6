package nitro

import (
	"os"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"
)

// transientErrno lists the errno values treated as a retryable spawn
// failure; anything else is persistent and drives the service FATAL.
var transientErrno = map[syscall.Errno]bool{
	syscall.EAGAIN:  true,
	syscall.EIO:     true,
	syscall.EMFILE:  true,
	syscall.ENOMEM:  true,
	syscall.ETXTBSY: true,
}

func classifySpawnErrno(errno syscall.Errno) spawnErrKind {
	if transientErrno[errno] {
		return spawnErrTransient
	}
	return spawnErrPersistent
}

// scriptPath returns the absolute path to <dir>/<service-dir>/<script>.
func (sv *Supervisor) scriptPath(s *Service, script string) string {
	return filepath.Join(sv.Dir, s.dirName(), script)
}

// openDevNull opens the two fallback /dev/null fds (read-only nullFD and
// write-only voidFD) the launcher dups into children that don't have a
// more specific stdio wiring.
func (sv *Supervisor) openDevNull() error {
	r, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fatalf(true, "open /dev/null (r)", err)
	}
	w, err := unix.Open("/dev/null", unix.O_WRONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		unix.Close(r)
		return fatalf(true, "open /dev/null (w)", err)
	}
	sv.nullFD = r
	sv.voidFD = w
	return nil
}

// readNotificationFD reads the "notification-fd" file if present.
func readNotificationFD(svcDir string) (int, bool) {
	data, err := os.ReadFile(filepath.Join(svcDir, "notification-fd"))
	if err != nil {
		return 0, false
	}
	n := 0
	for _, c := range data {
		if c < '0' || c > '9' {
			break
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}

// readDownSignal reads the "down-signal" file (single letter), defaulting
// to SIGTERM ('t') when absent.
func readDownSignal(svcDir string) syscall.Signal {
	data, err := os.ReadFile(filepath.Join(svcDir, "down-signal"))
	if err != nil || len(data) == 0 {
		return defaultDownSignal
	}
	switch data[0] {
	case 't':
		return syscall.SIGTERM
	case 'h':
		return syscall.SIGHUP
	case 'i':
		return syscall.SIGINT
	case 'q':
		return syscall.SIGQUIT
	case 'k':
		return syscall.SIGKILL
	case 'u':
		return syscall.SIGUSR1
	case 'U':
		return syscall.SIGUSR2
	case 'c':
		return syscall.SIGCONT
	case 'a':
		return syscall.SIGALRM
	default:
		return defaultDownSignal
	}
}

// fdTable builds the syscall.ProcAttr.Files slice, placing fd 0/1/2 and an
// optional readiness pipe write end at an exact child-side descriptor
// number: readyFD (a fd open in this process) ends up
// at child fd number targetFD. Slots that are never assigned fall back to
// sv.nullFD (stdin) or sv.voidFD (stdout/stderr).
func (sv *Supervisor) fdTable(stdin, stdout, stderr int, readyFD, targetFD int) []uintptr {
	size := 3
	if readyFD >= 0 && targetFD+1 > size {
		size = targetFD + 1
	}
	files := make([]uintptr, size)
	for i := range files {
		files[i] = uintptr(sv.voidFD)
	}
	files[0] = uintptr(pick(stdin, sv.nullFD))
	files[1] = uintptr(pick(stdout, sv.voidFD))
	files[2] = uintptr(pick(stderr, sv.voidFD))
	if readyFD >= 0 {
		files[targetFD] = uintptr(readyFD)
	}
	return files
}

func pick(v, fallback int) int {
	if v >= 0 {
		return v
	}
	return fallback
}

// The fd numbers nitro itself inherited at startup. setup/finish scripts
// and a run process with no log wiring fall back to these as the
// inherited console.
const (
	consoleStdin  = 0
	consoleStdout = 1
	consoleStderr = 2
)

// runSetup launches the `setup` script for slot idx. If no setup file
// exists, the state machine is fed a synthetic EventSetup immediately.
// The distinguished SYS service additionally acquires the controlling
// terminal.
func (sv *Supervisor) runSetup(idx int) {
	s := sv.table.At(idx)
	svcDir := filepath.Join(sv.Dir, s.dirName())
	setupPath := sv.scriptPath(s, "setup")

	if !fileExecutable(setupPath) {
		s.HasSetup = false
		sv.dispatch(idx, EventSetup)
		return
	}
	s.HasSetup = true

	argv := []string{setupPath}
	if s.Tag != "" {
		argv = append(argv, s.Tag)
	}

	files := sv.fdTable(consoleStdin, consoleStdout, consoleStderr, -1, -1)
	attr := &syscall.SysProcAttr{Setsid: true}
	if s.Name == "SYS" {
		// SYS/setup acquires the controlling terminal: keep fd 0 as the
		// console and mark it Ctty via Setctty.
		attr.Setctty = true
		attr.Ctty = 0
		files[0] = uintptr(osStdinFD())
	}
	attr.Foreground = false

	pid, err := syscall.ForkExec(setupPath, argv, &syscall.ProcAttr{
		Dir:   svcDir,
		Env:   sv.env,
		Files: files,
		Sys:   attr,
	})
	if err != nil {
		sv.handleSpawnError(idx, err)
		return
	}
	s.SetupPid = pid
	sv.logDebug("launched setup", s, "pid", pid)
}

// runRun launches the `run` process for slot idx via a three-step dance:
// close-on-exec status pipe, setsid + stdio wiring in the child, errno
// classification in the parent.
func (sv *Supervisor) runRun(idx int) {
	s := sv.table.At(idx)
	runPath := sv.scriptPath(s, "run")

	if !fileExecutable(runPath) {
		s.HasRun = false
		sv.enterOneshot(idx)
		return
	}
	s.HasRun = true

	svcDir := filepath.Join(sv.Dir, s.dirName())
	if notifyFD, ok := readNotificationFD(svcDir); ok {
		s.NotificationFD = notifyFD
	} else {
		s.NotificationFD = -1
	}
	s.DownSignal = readDownSignal(svcDir)

	argv := []string{runPath}
	if s.Tag != "" {
		argv = append(argv, s.Tag)
	}

	stdin := sv.nullFD
	if s.IsLogger {
		stdin = pick(s.LogIn[0], sv.nullFD)
	}
	if s.Name == "LOG" {
		if err := sv.table.ensureGlobalLogPipe(); err == nil {
			sv.table.reactivateGlobalLogPipe()
		}
		stdin = pick(sv.table.globalLogRead, stdin)
	}
	outFds := sv.table.logOutFds(s)
	stdout := pick(outFds[1], consoleStdout)
	stderr := consoleStderr
	if s.Name == "LOG" {
		stderr = stdout
	}

	var readyW, readyR int = -1, -1
	if s.NotificationFD >= 0 {
		var p [2]int
		if err := unix.Pipe2(p[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err == nil {
			readyR, readyW = p[0], p[1]
		}
	}

	files := sv.fdTable(stdin, stdout, stderr, readyW, s.NotificationFD)

	pid, err := syscall.ForkExec(runPath, argv, &syscall.ProcAttr{
		Dir:   svcDir,
		Env:   sv.env,
		Files: files,
		Sys:   &syscall.SysProcAttr{Setsid: true},
	})
	if readyW >= 0 {
		unix.Close(readyW)
	}
	if err != nil {
		if readyR >= 0 {
			unix.Close(readyR)
		}
		sv.handleSpawnError(idx, err)
		return
	}

	s.Pid = pid
	s.State = StateStarting
	s.StartStop = sv.clock.NowMillis()
	if readyR >= 0 {
		s.ReadyPipe = readyR
		s.clearTimeout() // wait for readiness indefinitely
	} else {
		s.armTimeout(DelayStarting)
	}
	sv.logDebug("launched run", s, "pid", pid)
}

// runFinish launches the `finish` script. If absent, the state machine is
// fed a synthetic EventFinished immediately. argv is
// [status, signal, instance-or-reboot-or-shutdown].
func (sv *Supervisor) runFinish(idx int) {
	s := sv.table.At(idx)
	finishPath := sv.scriptPath(s, "finish")

	code, sig := decodeWaitStatus(s.WStatus)
	arg := s.Tag
	if s.Name == "SYS" {
		if sv.shutdownKind == ShutdownReboot {
			arg = "reboot"
		} else {
			arg = "shutdown"
		}
	}

	if !fileExecutable(finishPath) {
		s.HasFinish = false
		sv.dispatch(idx, EventFinished)
		return
	}
	s.HasFinish = true

	svcDir := filepath.Join(sv.Dir, s.dirName())
	argv := []string{finishPath, itoa(code), itoa(sig), arg}
	files := sv.fdTable(consoleStdin, consoleStdout, consoleStderr, -1, -1)

	pid, err := syscall.ForkExec(finishPath, argv, &syscall.ProcAttr{
		Dir:   svcDir,
		Env:   sv.env,
		Files: files,
		Sys:   &syscall.SysProcAttr{Setsid: true},
	})
	if err != nil {
		// finish scripts do not have transient/persistent errno semantics
		// of their own; a failed launch is treated as if it had already
		// finished so the state machine isn't stuck waiting forever.
		sv.logWarn("failed to launch finish", s, "error", err)
		sv.dispatch(idx, EventFinished)
		return
	}
	s.FinishPid = pid
}

// handleSpawnError classifies a ForkExec failure and drives the service to
// DELAY (transient) or FATAL (persistent).
func (sv *Supervisor) handleSpawnError(idx int, err error) {
	s := sv.table.At(idx)
	var errno syscall.Errno
	if e, ok := err.(syscall.Errno); ok {
		errno = e
	}
	kind := classifySpawnErrno(errno)
	sv.logWarn("spawn failed", s, "error", err, "kind", kind)
	if kind == spawnErrTransient {
		s.resetChildren()
		s.State = StateDelay
		s.armTimeout(DelaySpawnError)
	} else {
		s.resetChildren()
		s.State = StateFatal
		s.clearTimeout()
		sv.notifyChange(idx)
	}
}

// enterOneshot promotes a service with no run script straight to ONESHOT.
func (sv *Supervisor) enterOneshot(idx int) {
	s := sv.table.At(idx)
	s.State = StateOneshot
	s.StartStop = sv.clock.NowMillis()
	s.clearTimeout()
}

func fileExecutable(path string) bool {
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		return false
	}
	return fi.Mode()&0111 != 0
}

func decodeWaitStatus(ws syscall.WaitStatus) (code, sig int) {
	if ws.Exited() {
		return ws.ExitStatus(), 0
	}
	if ws.Signaled() {
		return 0, int(ws.Signal())
	}
	return 0, 0
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func (sv *Supervisor) logDebug(msg string, s *Service, kv ...interface{}) {
	if sv.log == nil {
		return
	}
	sv.log.Debugf("%s: service=%s %v", msg, s.FullName(), kv)
}

func (sv *Supervisor) logWarn(msg string, s *Service, kv ...interface{}) {
	if sv.log == nil {
		return
	}
	sv.log.Warnf("%s: service=%s %v", msg, s.FullName(), kv)
}
