package nitro

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// drainReaped non-blockingly reaps every exited child and dispatches it to
// the matching table slot (or the SYS finish/final helper pids, which are
// tracked outside the table since they are one-off launches rather than
// ongoing per-service children).
func (sv *Supervisor) drainReaped() {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err != nil {
			if err == unix.ECHILD {
				sv.onNoMoreChildren()
			}
			return
		}
		if pid <= 0 {
			return
		}
		sv.totalReaps++

		if pid == sv.sysFinishPid {
			sv.sysFinishPid = 0
			continue
		}
		if pid == sv.sysFinalPid {
			sv.sysFinalPid = 0
			continue
		}
		sv.reapService(pid, ws)
	}
}

func (sv *Supervisor) reapService(pid int, ws unix.WaitStatus) {
	for i := 0; i < sv.table.Len(); i++ {
		s := sv.table.At(i)
		switch pid {
		case s.SetupPid:
			s.WStatus = syscall.WaitStatus(ws)
			sv.totalSvReaps++
			wasSysBoot := s.Name == "SYS" && sv.bootAwaitingSysSetup
			sv.dispatch(i, EventSetup)
			if wasSysBoot {
				sv.bootAwaitingSysSetup = false
				sv.onSysSetupDone()
			}
			return
		case s.Pid:
			s.WStatus = syscall.WaitStatus(ws)
			sv.totalSvReaps++
			if s.Name == "LOG" {
				sv.table.deactivateGlobalLogPipe()
			}
			sv.dispatch(i, EventExited)
			return
		case s.FinishPid:
			sv.totalSvReaps++
			sv.dispatch(i, EventFinished)
			return
		}
	}
}

// onNoMoreChildren handles waitpid(-1) returning ECHILD: with the shutdown
// orchestrator waiting on the last stragglers, this is equivalent to the
// final timeout firing early.
func (sv *Supervisor) onNoMoreChildren() {
	if sv.global == GlobalWaitTerm || sv.global == GlobalWaitKill {
		sv.global = GlobalFinal
		if sv.shutdownSlot >= 0 {
			sv.table.At(sv.shutdownSlot).clearTimeout()
		}
	}
}
