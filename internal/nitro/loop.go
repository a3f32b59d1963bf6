package nitro

import (
	"golang.org/x/sys/unix"
)

// Run executes the main event loop until the shutdown orchestrator
// reaches FINAL. Ordering within one wake-up: evaluate timeouts,
// poll, drain self-pipe, drain reaped children, drain control socket,
// drain ready pipes, want_rescan, want_shutdown/want_reboot, global-state
// cleanup.
func (sv *Supervisor) Run() error {
	for {
		sv.evaluateTimeouts()

		timeoutMs := sv.nextPollTimeout()
		fds := sv.buildPollFDs()
		_, err := unix.Poll(fds, timeoutMs)
		if err != nil && err != unix.EINTR {
			sv.log.Warnf("poll: %v", err)
		}

		sv.drainSelfPipe()
		sv.drainReaped()
		sv.drainControl()
		sv.drainReadyPipes()

		if sv.wantRescan.CompareAndSwap(true, false) {
			sv.Rescan()
		}
		if sv.wantShutdown.CompareAndSwap(true, false) {
			sv.beginShutdown(ShutdownPoweroff)
		}
		if sv.wantReboot.CompareAndSwap(true, false) {
			sv.beginShutdown(ShutdownReboot)
		}

		sv.advanceGlobalState()

		if sv.global == GlobalFinal {
			sv.exitLoop = true
		}
		if sv.exitLoop {
			sv.Finalize()
			return nil
		}
	}
}

// evaluateTimeouts fires TIMEOUT for every service whose deadline has
// passed, computing a still-unset deadline from timeout on first
// observation.
func (sv *Supervisor) evaluateTimeouts() {
	now := sv.clock.NowMillis()
	n := sv.table.Len()
	for i := 0; i < n; i++ {
		s := sv.table.At(i)
		if s.Timeout <= 0 {
			continue
		}
		if s.Deadline == 0 {
			s.Deadline = now + s.Timeout
		}
		if s.Deadline <= now {
			s.Timeout = 0
			s.Deadline = 0
			sv.dispatch(i, EventTimeout)
		}
	}
}

// nextPollTimeout returns poll()'s timeout in milliseconds: the smallest
// live deadline's remaining time, or -1 (infinite) when nothing is armed.
func (sv *Supervisor) nextPollTimeout() int {
	now := sv.clock.NowMillis()
	best := int64(-1)
	n := sv.table.Len()
	for i := 0; i < n; i++ {
		s := sv.table.At(i)
		if s.Timeout <= 0 {
			continue
		}
		d := s.Deadline
		if d == 0 {
			d = now + s.Timeout
		}
		remain := d - now
		if remain < 0 {
			remain = 0
		}
		if best == -1 || remain < best {
			best = remain
		}
	}
	if best == -1 {
		return -1
	}
	return int(best)
}

// buildPollFDs assembles the pollfd slice: self-pipe, control socket, and
// every STARTING service's readiness pipe. The returned descriptors exist
// only to give poll() something to block on; drainReadyPipes below simply
// re-scans every open readiness pipe with a non-blocking read rather than
// correlating individual revents, since a spurious wake costs one extra
// EAGAIN per pipe.
func (sv *Supervisor) buildPollFDs() []unix.PollFd {
	fds := make([]unix.PollFd, 0, sv.table.Len()+2)
	fds = append(fds, unix.PollFd{Fd: int32(sv.selfPipeR), Events: unix.POLLIN})
	fds = append(fds, unix.PollFd{Fd: int32(sv.ctrlFD), Events: unix.POLLIN})

	n := sv.table.Len()
	for i := 0; i < n; i++ {
		s := sv.table.At(i)
		if s.ReadyPipe < 0 {
			continue
		}
		fds = append(fds, unix.PollFd{Fd: int32(s.ReadyPipe), Events: unix.POLLIN})
	}
	return fds
}

// drainReadyPipes reads every readiness pipe with pending data; a newline
// promotes STARTING -> UP, EOF/HUP closes and clears the pipe.
func (sv *Supervisor) drainReadyPipes() {
	n := sv.table.Len()
	for i := 0; i < n; i++ {
		s := sv.table.At(i)
		if s.ReadyPipe < 0 {
			continue
		}
		var buf [256]byte
		nr, err := unix.Read(s.ReadyPipe, buf[:])
		if nr > 0 {
			for _, b := range buf[:nr] {
				if b == '\n' {
					sv.promoteReady(i, s)
					break
				}
			}
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			continue
		}
		// EOF (nr==0) or a hard error: the writer is gone.
		unix.Close(s.ReadyPipe)
		s.ReadyPipe = -1
	}
}

func (sv *Supervisor) promoteReady(idx int, s *Service) {
	if s.State != StateStarting {
		return
	}
	unix.Close(s.ReadyPipe)
	s.ReadyPipe = -1
	sv.setState(idx, s, StateUp)
	s.clearTimeout()
}

// Close releases every resource Open acquired. Safe to call once, after
// Run returns.
func (sv *Supervisor) Close() {
	if sv.watcher != nil {
		sv.watcher.Close()
	}
	if sv.ctrlFD >= 0 {
		unix.Close(sv.ctrlFD)
	}
	if sv.selfPipeR >= 0 {
		unix.Close(sv.selfPipeR)
	}
	if sv.selfPipeW >= 0 {
		unix.Close(sv.selfPipeW)
	}
	if sv.nullFD >= 0 {
		unix.Close(sv.nullFD)
	}
	if sv.voidFD >= 0 {
		unix.Close(sv.voidFD)
	}
}
