package nitro

import (
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
)

// openSelfPipe creates the pipe signal handlers wake poll() through.
func (sv *Supervisor) openSelfPipe() error {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return fatalf(true, "create self-pipe", err)
	}
	sv.selfPipeR, sv.selfPipeW = fds[0], fds[1]
	return nil
}

// wake writes one byte to the self-pipe, waking a blocked poll().
func (sv *Supervisor) wake() {
	var b [1]byte
	for {
		_, err := unix.Write(sv.selfPipeW, b[:])
		if err == unix.EINTR {
			continue
		}
		return
	}
}

// drainSelfPipe empties the self-pipe after a wake-up; it is the first
// thing drained each loop iteration.
func (sv *Supervisor) drainSelfPipe() {
	var buf [64]byte
	for {
		_, err := unix.Read(sv.selfPipeR, buf[:])
		if err == nil {
			continue
		}
		return
	}
}

// StartSignalHandler launches the minimal signal-producer goroutine: it
// only ever sets an atomic flag and wakes the self-pipe, never touching
// supervisor state directly.
func (sv *Supervisor) StartSignalHandler() {
	ch := make(chan os.Signal, 8)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGCHLD)
	go func() {
		for sig := range ch {
			switch sig {
			case syscall.SIGINT:
				if sv.IsPid1 {
					sv.wantReboot.Store(true)
				} else {
					sv.wantShutdown.Store(true)
				}
			case syscall.SIGTERM:
				if !sv.IsPid1 {
					sv.wantShutdown.Store(true)
				}
			case syscall.SIGHUP:
				sv.wantRescan.Store(true)
			case syscall.SIGCHLD:
				// no flag needed, the wake-up alone lets drainReaped run
			}
			sv.wake()
		}
	}()
}
