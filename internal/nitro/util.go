package nitro

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// osStdinFD returns the fd number nitro inherited as its own stdin, used
// only when wiring SYS/setup's controlling-terminal acquisition. It is
// always 0 on POSIX; named as a function so the one call site documents
// intent rather than a bare literal.
func osStdinFD() int { return 0 }

// pipe2 allocates a close-on-exec pipe pair into dst[0] (read) / dst[1] (write).
func pipe2(dst []int) error {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return err
	}
	dst[0], dst[1] = fds[0], fds[1]
	return nil
}

func exePath() (string, error) {
	return os.Executable()
}

func sleep(seconds int) {
	time.Sleep(time.Duration(seconds) * time.Second)
}

func sleepMillis(ms int) {
	time.Sleep(time.Duration(ms) * time.Millisecond)
}
