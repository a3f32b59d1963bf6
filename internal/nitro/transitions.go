package nitro

import "syscall"

// dispatch feeds one event into slot idx's state machine, applying a
// "first matching row" tie-break: each case below is checked in a fixed
// order and only the first applicable one fires.
func (sv *Supervisor) dispatch(idx int, ev Event) {
	s := sv.table.At(idx)
	if s == nil {
		return
	}
	from := s.State

	switch ev {
	case EventWantUp:
		sv.onWantUp(idx, s, from)
	case EventWantDown:
		sv.onWantDown(idx, s, from)
	case EventWantRestart:
		sv.onWantRestart(idx, s, from)
	case EventSetup:
		sv.onSetup(idx, s, from)
	case EventExited:
		sv.onExited(idx, s, from)
	case EventFinished:
		sv.onFinished(idx, s, from)
	case EventTimeout:
		sv.onTimeout(idx, s, from)
	}
}

func (sv *Supervisor) setState(idx int, s *Service, newState State) {
	if s.State == newState {
		return
	}
	s.State = newState
	s.StartStop = sv.clock.NowMillis()
	sv.notifyChange(idx)
}

func (sv *Supervisor) onWantUp(idx int, s *Service, from State) {
	if sv.global != GlobalUp {
		return
	}
	switch from {
	case StateDown, StateFatal, StateDelay:
		sv.setState(idx, s, StateSetup)
		sv.runSetup(idx)
	case StateShutdown:
		sv.setState(idx, s, StateRestart)
	default:
		// ignore
	}
}

func (sv *Supervisor) onWantDown(idx int, s *Service, from State) {
	switch from {
	case StateSetup, StateStarting, StateUp, StateRestart, StateShutdown:
		sv.shutdownService(idx, s)
		sv.setState(idx, s, StateShutdown)
	case StateOneshot:
		sv.runFinish(idx)
	case StateDown, StateFatal, StateDelay:
		s.clearTimeout()
		sv.setState(idx, s, StateDown)
	}
}

func (sv *Supervisor) onWantRestart(idx int, s *Service, from State) {
	if sv.global != GlobalUp {
		return
	}
	switch from {
	case StateSetup, StateStarting, StateUp, StateRestart, StateShutdown:
		sv.shutdownService(idx, s)
		sv.setState(idx, s, StateRestart)
	case StateOneshot:
		sv.setState(idx, s, StateRestart)
		sv.runFinish(idx)
	case StateDown, StateFatal, StateDelay:
		sv.setState(idx, s, StateSetup)
		sv.runSetup(idx)
	}
}

func (sv *Supervisor) onSetup(idx int, s *Service, from State) {
	if from != StateSetup {
		return
	}
	s.SetupPid = 0
	if sv.global == GlobalUp {
		if s.HasSetup && (!s.WStatus.Exited() || s.WStatus.ExitStatus() != 0) {
			if s.WStatus.Exited() && s.WStatus.ExitStatus() == 111 {
				sv.setState(idx, s, StateFatal)
				s.clearTimeout()
				return
			}
			sv.setState(idx, s, StateDelay)
			s.armTimeout(DelayRespawn)
			return
		}
		sv.runRun(idx)
	} else {
		s.clearTimeout()
	}
}

func (sv *Supervisor) onExited(idx int, s *Service, from State) {
	switch from {
	case StateUp:
		sv.setState(idx, s, StateRestart)
		sv.runFinish(idx)
	case StateStarting, StateRestart, StateShutdown, StateFatal:
		sv.runFinish(idx)
	}
}

func (sv *Supervisor) onFinished(idx int, s *Service, from State) {
	switch from {
	case StateStarting:
		s.resetChildren()
		if sv.global == GlobalUp {
			sv.setState(idx, s, StateDelay)
			s.armTimeout(DelayRespawn)
		} else {
			s.clearTimeout()
		}
	case StateUp, StateRestart:
		s.resetChildren()
		if sv.global == GlobalUp {
			sv.setState(idx, s, StateSetup)
			sv.runSetup(idx)
		} else {
			sv.setState(idx, s, StateDown)
			s.clearTimeout()
		}
	case StateOneshot, StateShutdown:
		s.resetChildren()
		sv.setState(idx, s, StateDown)
		s.clearTimeout()
	case StateFatal:
		s.resetChildren()
		sv.setState(idx, s, StateFatal)
		s.clearTimeout()
		sv.notifyChange(idx)
	}
}

func (sv *Supervisor) onTimeout(idx int, s *Service, from State) {
	switch from {
	case StateDelay:
		if s.Name == shutdownSlotName {
			sv.onShutdownTimerFired(idx, s)
			return
		}
		sv.setState(idx, s, StateSetup)
		sv.runSetup(idx)
	case StateStarting:
		sv.setState(idx, s, StateUp)
		s.clearTimeout()
		sv.notifyChange(idx)
	case StateRestart, StateShutdown, StateOneshot:
		sv.escalateToSigkill(s)
	}
}

// shutdownService sends the graceful-stop signal (down-signal for the main
// run process, SIGTERM for any helper) plus SIGCONT to whichever pid is
// currently live.
func (sv *Supervisor) shutdownService(idx int, s *Service) {
	pid, sig := sv.livePidAndSignal(s)
	if pid == 0 {
		return
	}
	_ = syscall.Kill(pid, sig)
	_ = syscall.Kill(pid, syscall.SIGCONT)
}

// escalateToSigkill is the final per-service resort when the graceful-stop
// grace period elapses without the process exiting.
func (sv *Supervisor) escalateToSigkill(s *Service) {
	pid, _ := sv.livePidAndSignal(s)
	if pid == 0 {
		return
	}
	_ = syscall.Kill(pid, syscall.SIGKILL)
}

// livePidAndSignal picks whichever of pid/setup_pid/finish_pid is live for
// this state and the signal to use against it: down-signal for the main
// run pid, SIGTERM for setup/finish helpers.
func (sv *Supervisor) livePidAndSignal(s *Service) (int, syscall.Signal) {
	if s.Pid != 0 {
		return s.Pid, s.DownSignal
	}
	if s.FinishPid != 0 {
		return s.FinishPid, syscall.SIGTERM
	}
	if s.SetupPid != 0 {
		return s.SetupPid, syscall.SIGTERM
	}
	return 0, 0
}
