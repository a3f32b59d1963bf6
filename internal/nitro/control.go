package nitro

import (
	"fmt"
	"os"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// controlSignals maps a control-socket verb byte to the signal it forwards
// to a service's main pid. The letters deliberately avoid l, ?, #, u, d, r,
// s, S, R, which are reserved for the other verbs in the same table.
var controlSignals = map[byte]syscall.Signal{
	't': syscall.SIGTERM,
	'h': syscall.SIGHUP,
	'i': syscall.SIGINT,
	'q': syscall.SIGQUIT,
	'k': syscall.SIGKILL,
	'c': syscall.SIGCONT,
	'a': syscall.SIGALRM,
	'K': syscall.SIGUSR1,
	'U': syscall.SIGUSR2,
	'p': syscall.SIGSTOP,
}

// openControlSocket binds the datagram control socket at sv.SockPath.
// A stale socket file from a previous run is removed first.
func (sv *Supervisor) openControlSocket() error {
	os.Remove(sv.SockPath)
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return fatalf(true, "create control socket", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: sv.SockPath}); err != nil {
		unix.Close(fd)
		return fatalf(true, "bind control socket", err)
	}
	sv.ctrlFD = fd
	return nil
}

// drainControl handles every pending datagram on the control socket. It
// runs once per wake-up, after reaped children are processed and before
// ready pipes are drained.
func (sv *Supervisor) drainControl() {
	buf := make([]byte, 4096)
	for {
		n, from, err := unix.Recvfrom(sv.ctrlFD, buf, 0)
		if err != nil {
			if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
				sv.log.Debugf("control socket recv error: %v", err)
			}
			return
		}
		if n == 0 {
			continue
		}
		reply := sv.handleRequest(buf[:n])
		if reply == nil {
			continue
		}
		ua, ok := from.(*unix.SockaddrUnix)
		if !ok || ua.Name == "" {
			// Empty source address: peer did not bind, suppress reply.
			continue
		}
		_ = unix.Sendto(sv.ctrlFD, reply, 0, from)
	}
}

func okReply() []byte    { return []byte("ok") }
func errReply() []byte   { return []byte("error") }

// handleRequest parses one request packet and returns the reply payload
// for the verb table below.
func (sv *Supervisor) handleRequest(data []byte) []byte {
	if len(data) == 0 {
		return nil
	}
	verb := data[0]
	name := string(data[1:])

	switch verb {
	case 'l':
		return sv.cmdList()
	case '?':
		return sv.cmdQuery(name)
	case '#':
		return sv.cmdStats()
	case 'u':
		return sv.cmdWant(name, EventWantUp, true)
	case 'd':
		return sv.cmdWant(name, EventWantDown, false)
	case 'r':
		return sv.cmdWant(name, EventWantRestart, true)
	case 's':
		sv.wantRescan.Store(true)
		sv.wake()
		return okReply()
	case 'S':
		sv.wantShutdown.Store(true)
		sv.wake()
		return okReply()
	case 'R':
		sv.wantReboot.Store(true)
		sv.wake()
		return okReply()
	default:
		return sv.cmdSignal(verb, name)
	}
}

func (sv *Supervisor) cmdList() []byte {
	var b strings.Builder
	sv.table.Each(func(i int, s *Service) {
		fmt.Fprintf(&b, "%s,%d,%d,%d,%d\n",
			s.FullName(), int(s.State), s.Pid, rawWaitStatus(s.WStatus), sv.uptimeSeconds(s))
	})
	return []byte(b.String())
}

func (sv *Supervisor) cmdQuery(name string) []byte {
	_, s, ok := sv.resolveOrCreate(name)
	if !ok {
		return errReply()
	}
	return []byte(fmt.Sprintf("%c%d,%d,%d", s.State.Letter(), s.Pid, rawWaitStatus(s.WStatus), sv.uptimeSeconds(s)))
}

func (sv *Supervisor) cmdStats() []byte {
	return []byte(fmt.Sprintf("%d %d %d %d", os.Getpid(), sv.table.Len(), sv.totalReaps, sv.totalSvReaps))
}

func (sv *Supervisor) cmdWant(name string, ev Event, autoCreate bool) []byte {
	if !validServiceName(name) {
		return errReply()
	}
	var idx int
	var ok bool
	if autoCreate {
		idx, _, ok = sv.resolveOrCreate(name)
	} else {
		idx, _ = sv.table.Find(name)
		ok = idx >= 0
	}
	if !ok {
		return errReply()
	}
	sv.dispatch(idx, ev)
	return okReply()
}

func (sv *Supervisor) cmdSignal(verb byte, name string) []byte {
	sig, known := controlSignals[verb]
	if !known {
		return errReply()
	}
	_, s, ok := sv.resolveOrCreate(name)
	if !ok {
		return errReply()
	}
	pid := s.Pid
	if pid == 0 {
		return errReply()
	}
	if err := syscall.Kill(pid, sig); err != nil {
		return errReply()
	}
	return okReply()
}

// resolveOrCreate looks up name, auto-creating a slot if the directory
// exists but no slot does yet. Unknown names for verbs other than `d`
// auto-create when the directory exists.
func (sv *Supervisor) resolveOrCreate(name string) (int, *Service, bool) {
	if idx, s := sv.table.Find(name); s != nil {
		return idx, s, true
	}
	if !validServiceName(name) {
		return -1, nil, false
	}
	base, tag := splitInstance(name)
	if fi, err := os.Stat(sv.serviceDir(base)); err != nil || !fi.IsDir() {
		return -1, nil, false
	}
	idx, s, err := sv.table.Add(base, tag)
	if err != nil {
		return -1, nil, false
	}
	sv.populateDefaults(idx)
	return idx, s, true
}

func (sv *Supervisor) uptimeSeconds(s *Service) int64 {
	if s.StartStop == 0 {
		return 0
	}
	d := sv.clock.NowMillis() - s.StartStop
	if d < 0 {
		return 0
	}
	return d / 1000
}

func rawWaitStatus(ws syscall.WaitStatus) uint32 {
	return uint32(ws)
}
