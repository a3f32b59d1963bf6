package nitro

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// notifyKey maps a service's full name to the subscriber filename prefix
// used in <sockdir>/notify/: '/' becomes ','. Service names
// may not themselves contain '/', so this is mostly a no-op,
// kept for fidelity with directory-path-derived names.
func notifyKey(fullName string) string {
	return strings.ReplaceAll(fullName, "/", ",")
}

// notifyChange broadcasts a one-line "<state-letter><name>\n" datagram to
// every subscriber socket in NotifyDir whose filename prefix matches this
// service's name, or is "ALL". Stale sockets (ECONNREFUSED)
// are unlinked; other send errors are silently ignored.
func (sv *Supervisor) notifyChange(idx int) {
	s := sv.table.At(idx)
	if s == nil || sv.NotifyDir == "" {
		return
	}
	key := notifyKey(s.FullName())
	line := string([]byte{s.State.Letter()}) + s.FullName() + "\n"

	entries, err := os.ReadDir(sv.NotifyDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		comma := strings.IndexByte(name, ',')
		if comma < 0 {
			continue
		}
		prefix := name[:comma]
		if prefix != "ALL" && prefix != key {
			continue
		}
		sv.sendNotify(filepath.Join(sv.NotifyDir, name), line)
	}
}

func (sv *Supervisor) sendNotify(path, line string) {
	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		if isConnRefused(err) {
			os.Remove(path)
		}
		return
	}
	defer conn.Close()
	_, err = conn.Write([]byte(line))
	if err != nil && isConnRefused(err) {
		os.Remove(path)
	}
}

func isConnRefused(err error) bool {
	return strings.Contains(err.Error(), syscall.ECONNREFUSED.Error())
}
