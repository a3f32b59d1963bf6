// Command nitro is a small init and process supervisor. It manages a
// fixed-directory catalog of services, reaps every child process, and
// mediates an operator control channel over a local datagram socket; when
// running as the system's first process it also orchestrates boot and
// shutdown.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"

	"github.com/tuxdude/zzzlog"
	"github.com/tuxdude/zzzlogi"

	"github.com/tuxdude/nitro/internal/nitro"
)

const (
	defaultServiceDir = "/etc/nitro"
	defaultPath       = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
)

func main() {
	if os.Getenv(sigkillHelperEnv) == "1" {
		runSigkillHelper()
		return
	}

	log := newLogger()
	os.Exit(run(log))
}

const sigkillHelperEnv = "NITRO_SIGKILL_HELPER"

// runSigkillHelper is the re-exec target used to broadcast SIGKILL from a
// short-lived child, so a process stuck in D-state never blocks the
// supervisor itself.
func runSigkillHelper() {
	_ = syscall.Kill(-1, syscall.SIGKILL)
}

func run(log zzzlogi.Logger) int {
	dir := defaultServiceDir
	if len(os.Args) > 1 {
		dir = os.Args[1]
	}

	sockPath := resolveSockPath()
	notifyDir := filepath.Join(filepath.Dir(sockPath), "notify")
	if err := os.MkdirAll(notifyDir, 0755); err != nil {
		log.Warnf("cannot create notify dir %s: %v", notifyDir, err)
	}

	isPid1 := os.Getpid() == 1
	env := buildEnv()

	sv := nitro.NewSupervisor(dir, sockPath, notifyDir, isPid1, log, env)
	if err := sv.Open(); err != nil {
		log.Warnf("fatal: %v", err)
		var ferr *nitro.FatalError
		if errors.As(err, &ferr) && ferr.ChdirOK {
			sv.RunSysFatal()
		}
		return 1
	}
	defer sv.Close()

	sv.StartSignalHandler()
	sv.Boot()

	if err := sv.Run(); err != nil {
		log.Warnf("event loop exited with error: %v", err)
		return 1
	}
	return 0
}

// resolveSockPath resolves the control socket path: $NITRO_SOCK if set,
// else the symlink target of /etc/nitro.sock, else a platform default
// under /run/nitro (Linux) or /var/run/nitro (other).
func resolveSockPath() string {
	if p := os.Getenv("NITRO_SOCK"); p != "" {
		return p
	}
	if target, err := os.Readlink("/etc/nitro.sock"); err == nil && target != "" {
		return target
	}
	if runtime.GOOS == "linux" {
		return "/run/nitro/nitro.sock"
	}
	return "/var/run/nitro/nitro.sock"
}

// buildEnv inherits the environment, defaulting PATH to the platform
// standard when unset
func buildEnv() []string {
	env := os.Environ()
	hasPath := false
	for _, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			hasPath = true
			break
		}
	}
	if !hasPath {
		env = append(env, fmt.Sprintf("PATH=%s", defaultPath))
	}
	return env
}

func newLogger() zzzlogi.Logger {
	cfg := zzzlog.NewConfig()
	cfg.Level = zzzlog.LevelInfo
	return zzzlog.NewLogger(cfg)
}
