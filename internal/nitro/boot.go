package nitro

import (
	"os/exec"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"
)

// Open acquires the resources whose failure is fatal: the service
// directory (opened once to check it), /dev/null fds, the self-pipe, and
// the control socket.
func (sv *Supervisor) Open() error {
	dirFD, err := unix.Open(sv.Dir, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fatalf(false, "open service directory", err)
	}
	unix.Close(dirFD)
	if err := sv.openDevNull(); err != nil {
		return err
	}
	if err := sv.openSelfPipe(); err != nil {
		return err
	}
	if err := sv.openControlSocket(); err != nil {
		return err
	}
	sv.startDirWatcher()
	return nil
}

// RunSysFatal launches SYS/fatal and waits (bounded by TimeoutSysFinal) for
// it to exit. It is the caller's (cmd/nitro's) responsibility to check
// FatalError.ChdirOK before calling this: SYS/fatal is only invokable when
// chdir into the service directory succeeded, since it execs relative to
// sv.Dir/SYS. A missing or non-executable SYS/fatal is a silent no-op.
func (sv *Supervisor) RunSysFatal() {
	fatalPath := filepath.Join(sv.Dir, "SYS", "fatal")
	if !fileExecutable(fatalPath) {
		return
	}
	sv.runSysFinal(fatalPath)
}

// Boot runs the startup sequence: SYS/setup first if present (deferring
// the first rescan until it reports completion), otherwise an immediate
// rescan.
func (sv *Supervisor) Boot() {
	sysSetup := filepath.Join(sv.Dir, "SYS", "setup")
	if fileExecutable(sysSetup) {
		idx, _, err := sv.table.Add("SYS", "")
		if err != nil {
			sv.log.Warnf("boot: cannot create SYS slot: %v", err)
			sv.Rescan()
			return
		}
		s := sv.table.At(idx)
		s.Seen = true
		s.HasSetup = true
		s.HasFinish = fileExecutable(filepath.Join(sv.Dir, "SYS", "finish"))
		sv.setState(idx, s, StateSetup)
		sv.bootAwaitingSysSetup = true
		sv.runSetup(idx)
		return
	}
	sv.Rescan()
}

// onSysSetupDone is invoked by the reaper right after SYS's setup event is
// dispatched during boot, to unblock the deferred first rescan.
func (sv *Supervisor) onSysSetupDone() {
	sv.Rescan()
}

// beginShutdown starts the shutdown orchestrator: UP -> WAIT_FINISH
//. Called once, from Run's want_shutdown/want_reboot handling.
func (sv *Supervisor) beginShutdown(kind ShutdownKind) {
	if sv.global != GlobalUp {
		return
	}
	sv.shutdownKind = kind
	sv.global = GlobalWaitFinish

	finishPath := filepath.Join(sv.Dir, "SYS", "finish")
	if _, sys := sv.table.Find("SYS"); sys != nil && fileExecutable(finishPath) {
		sv.runSysFinish()
	}
}

func (sv *Supervisor) runSysFinish() {
	finishPath := filepath.Join(sv.Dir, "SYS", "finish")
	arg := "shutdown"
	if sv.shutdownKind == ShutdownReboot {
		arg = "reboot"
	}
	argv := []string{finishPath, "0", "0", arg}
	files := sv.fdTable(consoleStdin, consoleStdout, consoleStderr, -1, -1)
	pid, err := syscall.ForkExec(finishPath, argv, &syscall.ProcAttr{
		Dir:   filepath.Join(sv.Dir, "SYS"),
		Env:   sv.env,
		Files: files,
		Sys:   &syscall.SysProcAttr{Setsid: true},
	})
	if err != nil {
		sv.log.Warnf("SYS/finish: launch failed: %v", err)
		return
	}
	sv.sysFinishPid = pid
	sv.sysFinishDeadline = sv.clock.NowMillis() + TimeoutSysFinish
}

func (sv *Supervisor) sysFinishWaitDone() bool {
	if sv.sysFinishPid == 0 {
		return true
	}
	return sv.sysFinishDeadline > 0 && sv.clock.NowMillis() >= sv.sysFinishDeadline
}

// advanceGlobalState runs the "global-state cleanup" step at the end of
// every loop iteration. It only ever moves forward.
func (sv *Supervisor) advanceGlobalState() {
	switch sv.global {
	case GlobalWaitFinish:
		if sv.sysFinishWaitDone() {
			sv.global = GlobalShutdown
			sv.broadcastWantDown(false)
		}
	case GlobalShutdown:
		if sv.allNonLoggersDown() {
			if !sv.loggersDownBroadcast {
				sv.loggersDownBroadcast = true
				sv.broadcastWantDown(true)
			} else if sv.allDownOrFatal() {
				sv.beginWaitTerm()
			}
		}
	}
}

// broadcastWantDown issues WANT_DOWN to every live non-instance-template
// service, restricted to loggers or non-loggers as requested.
func (sv *Supervisor) broadcastWantDown(loggersOnly bool) {
	n := sv.table.Len()
	for i := 0; i < n; i++ {
		s := sv.table.At(i)
		if s.IsLogger != loggersOnly {
			continue
		}
		sv.dispatch(i, EventWantDown)
	}
}

func (sv *Supervisor) allNonLoggersDown() bool {
	done := true
	sv.table.Each(func(_ int, s *Service) {
		if s.IsLogger {
			return
		}
		if s.State != StateDown && s.State != StateFatal {
			done = false
		}
	})
	return done
}

func (sv *Supervisor) allDownOrFatal() bool {
	done := true
	sv.table.Each(func(_ int, s *Service) {
		if s.State != StateDown && s.State != StateFatal {
			done = false
		}
	})
	return done
}

// beginWaitTerm broadcasts SIGTERM+SIGCONT to every remaining process and
// arms a synthetic timer slot to bound how long it waits.
func (sv *Supervisor) beginWaitTerm() {
	sv.global = GlobalWaitTerm
	_ = syscall.Kill(-1, syscall.SIGTERM)
	_ = syscall.Kill(-1, syscall.SIGCONT)

	idx, s, err := sv.table.Add(shutdownSlotName, "")
	if err != nil {
		sv.log.Warnf("shutdown: cannot create timer slot: %v", err)
		sv.global = GlobalFinal
		return
	}
	s.Seen = true
	s.State = StateDelay
	s.armTimeout(TimeoutSigterm)
	sv.shutdownSlot = idx
}

// onShutdownTimerFired advances WAIT_TERM -> WAIT_KILL -> FINAL, driven by
// the synthetic ".SHUTDOWN" slot's TIMEOUT events.
func (sv *Supervisor) onShutdownTimerFired(idx int, s *Service) {
	switch sv.global {
	case GlobalWaitTerm:
		sv.global = GlobalWaitKill
		sv.sendForkedSigkill()
		s.armTimeout(TimeoutSigkill)
	case GlobalWaitKill:
		sv.global = GlobalFinal
		s.clearTimeout()
	}
}

// sysFinalHelperEnv is the environment variable main() checks to run as
// the detached SIGKILL helper instead of the supervisor itself.
const sysFinalHelperEnv = "NITRO_SIGKILL_HELPER"

// sendForkedSigkill broadcasts SIGKILL from a short-lived child process so
// a process stuck in D-state cannot wedge the supervisor itself. Go
// cannot safely fork() without exec in a multi-threaded runtime, so the
// equivalent here is a re-exec of the running binary with a sentinel
// environment variable.
func (sv *Supervisor) sendForkedSigkill() {
	exe, err := exePath()
	if err != nil {
		_ = syscall.Kill(-1, syscall.SIGKILL)
		return
	}
	cmd := exec.Command(exe)
	cmd.Env = append(append([]string{}, sv.env...), sysFinalHelperEnv+"=1")
	if err := cmd.Start(); err != nil {
		_ = syscall.Kill(-1, syscall.SIGKILL)
		return
	}
	go cmd.Wait()
}

// Finalize runs the FINAL-state actions: SYS/final,
// remounting / read-only, sync, and the reboot/power-off syscall when
// running as pid 1; a re-exec when requested but not pid 1.
func (sv *Supervisor) Finalize() {
	if !sv.IsPid1 {
		if sv.shutdownKind == ShutdownReboot {
			sv.reexecSelf()
			return
		}
		return
	}

	finalPath := filepath.Join(sv.Dir, "SYS", "final")
	if fileExecutable(finalPath) {
		sv.runSysFinal(finalPath)
	}

	unix.Mount("", "/", "", unix.MS_REMOUNT|unix.MS_RDONLY, "")
	unix.Sync()
	sleep(1)

	if sv.shutdownKind == ShutdownReboot {
		unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART)
	} else {
		unix.Reboot(unix.LINUX_REBOOT_CMD_POWER_OFF)
	}
}

func (sv *Supervisor) runSysFinal(finalPath string) {
	argv := []string{finalPath}
	files := sv.fdTable(consoleStdin, consoleStdout, consoleStderr, -1, -1)
	pid, err := syscall.ForkExec(finalPath, argv, &syscall.ProcAttr{
		Dir:   filepath.Join(sv.Dir, "SYS"),
		Env:   sv.env,
		Files: files,
		Sys:   &syscall.SysProcAttr{Setsid: true},
	})
	if err != nil {
		sv.log.Warnf("SYS/final: launch failed: %v", err)
		return
	}
	sv.sysFinalPid = pid
	deadline := sv.clock.NowMillis() + TimeoutSysFinal
	for sv.sysFinalPid != 0 && sv.clock.NowMillis() < deadline {
		var ws unix.WaitStatus
		p, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
		if p == pid || err != nil {
			sv.sysFinalPid = 0
			return
		}
		sleepMillis(50)
	}
}

func (sv *Supervisor) reexecSelf() {
	exe, err := exePath()
	if err != nil {
		return
	}
	_ = syscall.Exec(exe, []string{exe, sv.Dir}, sv.env)
}
