package nitro

import (
	"os"
	"path/filepath"
	"strings"
)

// shutdownSlotName is the synthetic timer row the boot orchestrator uses
// during WAIT_TERM/WAIT_KILL. It is never present on disk.
const shutdownSlotName = ".SHUTDOWN"

// validServiceName enforces the name rules: up to MaxNameLen bytes, no
// '/', ',', newline, and must not start with '.'. The check is applied
// to the base name (before any "@tag" suffix).
func validServiceName(name string) bool {
	if name == "" {
		return false
	}
	base, _ := splitInstance(name)
	if base == "" || len(base) > MaxNameLen {
		return false
	}
	if base[0] == '.' {
		return false
	}
	return !strings.ContainsAny(base, "/,\n")
}

// splitInstance splits "name@tag" into ("name", "tag"); a name with no '@'
// returns an empty tag.
func splitInstance(name string) (base, tag string) {
	if i := strings.IndexByte(name, '@'); i >= 0 {
		return name[:i], name[i+1:]
	}
	return name, ""
}

func (sv *Supervisor) serviceDir(base string) string {
	return filepath.Join(sv.Dir, base)
}

// populateDefaults fills in the per-service fields a fresh slot needs
// before it can be launched: down-marker detection only (log-symlink
// resolution happens in the full rescan walk, since auto-created slots
// from the control socket intentionally skip logger wiring until the
// next rescan picks them up).
func (sv *Supervisor) populateDefaults(idx int) {
	s := sv.table.At(idx)
	dir := sv.serviceDir(s.dirName())
	if _, err := os.Stat(filepath.Join(dir, "down")); err == nil {
		s.DownMarker = true
		s.State = StateDown
		s.clearTimeout()
	}
	s.HasRun = fileExecutable(filepath.Join(dir, "run"))
	s.HasSetup = fileExecutable(filepath.Join(dir, "setup"))
	s.HasFinish = fileExecutable(filepath.Join(dir, "finish"))
}

// Rescan clears the seen mark, walks the directory, creates new slots,
// resolves log wiring, then compacts whatever is unseen and DOWN.
func (sv *Supervisor) Rescan() {
	sv.table.ClearSeen()

	entries, err := os.ReadDir(sv.Dir)
	if err != nil {
		sv.log.Warnf("rescan: cannot read %s: %v", sv.Dir, err)
		return
	}

	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if !e.IsDir() {
			continue
		}
		if name == "SYS" {
			continue
		}
		if strings.HasSuffix(name, "@") {
			continue
		}
		sv.rescanOne(name)
	}

	sv.markInstancesSeen()
	sv.table.Compact()

	if sv.shutdownSlot >= 0 {
		sv.shutdownSlot, _ = sv.table.Find(shutdownSlotName)
	}
}

// rescanOne handles one directory entry found during the walk: mark an
// existing slot seen, or create and populate a new one.
func (sv *Supervisor) rescanOne(name string) {
	if _, s := sv.table.Find(name); s != nil {
		s.Seen = true
		return
	}

	dir := sv.serviceDir(name)
	hasRun := fileExecutable(filepath.Join(dir, "run"))
	hasSetup := fileExecutable(filepath.Join(dir, "setup"))
	if !hasRun && !hasSetup {
		return
	}

	idx, s, err := sv.table.Add(name, "")
	if err != nil {
		sv.log.Warnf("rescan: %v", err)
		return
	}
	s.Seen = true
	s.HasRun = hasRun
	s.HasSetup = hasSetup
	s.HasFinish = fileExecutable(filepath.Join(dir, "finish"))

	if _, err := os.Stat(filepath.Join(dir, "down")); err == nil {
		s.DownMarker = true
		s.State = StateDown
		s.clearTimeout()
	}

	sv.resolveLogSymlink(idx, dir)
}

// resolveLogSymlink resolves the `log` symlink: the basename of its target
// names the logger service, created on demand and marked IsLogger; the
// current service is aliased to it via LoggerIdx.
func (sv *Supervisor) resolveLogSymlink(idx int, dir string) {
	target, err := os.Readlink(filepath.Join(dir, "log"))
	if err != nil {
		return
	}
	loggerName := filepath.Base(target)
	if loggerName == "" || loggerName == "." {
		return
	}

	loggerIdx, logger := sv.table.FindLogger(loggerName)
	if logger == nil {
		var addErr error
		loggerIdx, logger, addErr = sv.table.Add(loggerName, "")
		if addErr != nil {
			sv.log.Warnf("rescan: cannot create logger %q: %v", loggerName, addErr)
			return
		}
		ldir := sv.serviceDir(loggerName)
		logger.HasRun = fileExecutable(filepath.Join(ldir, "run"))
		logger.HasSetup = fileExecutable(filepath.Join(ldir, "setup"))
		logger.HasFinish = fileExecutable(filepath.Join(ldir, "finish"))
	}
	logger.Seen = true
	logger.IsLogger = true
	if logger.LogIn[0] < 0 {
		var fds [2]int
		if err := pipe2(fds[:]); err != nil {
			sv.log.Warnf("rescan: cannot allocate log pipe for %q: %v", loggerName, err)
			return
		}
		logger.LogIn = fds
	}

	sv.table.At(idx).LoggerIdx = loggerIdx
}

// markInstancesSeen applies the rule for parameterised services: "seen"
// whenever any X@Y slot derived from the prefix X@ is still non-DOWN.
// Instance rows are never walked directly (their backing
// directory is the template "X@", which the main walk skips), so they are
// only protected from compaction while still active.
func (sv *Supervisor) markInstancesSeen() {
	sv.table.Each(func(_ int, s *Service) {
		if s.Tag != "" {
			s.Seen = s.State != StateDown
		}
	})
}
