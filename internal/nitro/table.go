package nitro

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/tuxdude/zzzlogi"
)

// Table is the fixed-capacity (MaxServices) service table. A slice is used
// rather than a raw [MaxServices]Service array — more idiomatic Go for a
// "currently populated" count that grows and shrinks — but Add refuses to
// grow past MaxServices.
type Table struct {
	rows []Service
	log  zzzlogi.Logger

	// globalLogWrite is the write end of the fallback global log pipe. It is
	// stored negated while the LOG service is not running, so an accidental
	// use-while-inactive shows up immediately as a negative, invalid fd
	// rather than a stale valid one.
	globalLogWrite int
	globalLogRead  int
}

// NewTable constructs an empty service table.
func NewTable(log zzzlogi.Logger) *Table {
	return &Table{
		rows:            make([]Service, 0, 64),
		log:             log,
		globalLogWrite: -1,
		globalLogRead:  -1,
	}
}

func (t *Table) Len() int { return len(t.rows) }

func (t *Table) At(i int) *Service {
	if i < 0 || i >= len(t.rows) {
		return nil
	}
	return &t.rows[i]
}

// Find locates a service by its full "name" or "name@tag" form.
func (t *Table) Find(fullName string) (int, *Service) {
	for i := range t.rows {
		if t.rows[i].FullName() == fullName {
			return i, &t.rows[i]
		}
	}
	return -1, nil
}

// FindLogger locates a non-instance service by bare name, used when
// resolving a `log` symlink target's basename.
func (t *Table) FindLogger(name string) (int, *Service) {
	return t.Find(name)
}

// Add appends a new slot, failing once the table is at MaxServices.
func (t *Table) Add(name, tag string) (int, *Service, error) {
	if len(t.rows) >= MaxServices {
		return -1, nil, fmt.Errorf("nitro: service table full (%d services)", MaxServices)
	}
	t.rows = append(t.rows, newService(name, tag))
	idx := len(t.rows) - 1
	return idx, &t.rows[idx], nil
}

// Each calls fn for every current row index; fn may not mutate table length.
func (t *Table) Each(fn func(i int, s *Service)) {
	for i := range t.rows {
		fn(i, &t.rows[i])
	}
}

// ClearSeen clears the mark-and-sweep flag on every non-instance service,
// the first step of each rescan. Parameterised instances
// (Tag != "") are re-derived from liveness, not from the directory walk,
// so their Seen flag is left untouched here.
func (t *Table) ClearSeen() {
	for i := range t.rows {
		if t.rows[i].Tag == "" {
			t.rows[i].Seen = false
		}
	}
}

// isLoggerReferenced reports whether any other slot still aliases logger
// index i, which blocks compaction of i.
func (t *Table) isLoggerReferenced(i int) bool {
	for j := range t.rows {
		if j != i && t.rows[j].LoggerIdx == i {
			return true
		}
	}
	return false
}

// Compact removes every slot that is unseen, DOWN, and not referenced by a
// logger alias, via swap-with-last. It fixes up LoggerIdx references
// across the table so indices remain valid after a swap.
func (t *Table) Compact() {
	for i := 0; i < len(t.rows); {
		s := &t.rows[i]
		if s.Seen || s.State != StateDown || t.isLoggerReferenced(i) {
			i++
			continue
		}
		last := len(t.rows) - 1
		if i != last {
			t.closeServicePipes(i)
			t.rows[i] = t.rows[last]
			for j := 0; j < last; j++ {
				if t.rows[j].LoggerIdx == last {
					t.rows[j].LoggerIdx = i
				}
			}
		} else {
			t.closeServicePipes(i)
		}
		t.rows = t.rows[:last]
		// Do not advance i: the slot now holds what was the last row.
	}
}

// closeServicePipes closes whatever fds a slot about to be removed still
// owns. A client's LogOut is never physically stored (see logOutFds), so
// there is nothing to close there; only a logger's own LogIn pipe needs
// releasing, and only once every referencing client is already gone
// (guaranteed by the isLoggerReferenced check in Compact).
func (t *Table) closeServicePipes(i int) {
	s := &t.rows[i]
	if s.IsLogger {
		if s.LogIn[0] >= 0 {
			unix.Close(s.LogIn[0])
		}
		if s.LogIn[1] >= 0 {
			unix.Close(s.LogIn[1])
		}
		s.LogIn = [2]int{-1, -1}
	}
	if s.ReadyPipe >= 0 {
		unix.Close(s.ReadyPipe)
		s.ReadyPipe = -1
	}
}

// logOutFds returns the pipe pair this service currently writes its run
// process's stdout into, resolving the logger alias on demand, falling
// back to the global log pipe if one is active, or {-1,-1} meaning
// "inherit fd 1" when neither applies.
func (t *Table) logOutFds(s *Service) [2]int {
	if s.LoggerIdx >= 0 {
		if logger := t.At(s.LoggerIdx); logger != nil && logger.IsLogger && logger.LogIn[1] >= 0 {
			return logger.LogIn
		}
	}
	if t.globalLogWrite >= 0 {
		return [2]int{t.globalLogRead, t.globalLogWrite}
	}
	return [2]int{-1, -1}
}

// ensureGlobalLogPipe opens the fallback log pipe the first time the LOG
// service itself is launched, and marks it active by un-negating the write
// end.
func (t *Table) ensureGlobalLogPipe() error {
	if t.globalLogWrite >= 0 {
		return nil
	}
	if t.globalLogRead >= 0 {
		t.reactivateGlobalLogPipe()
		return nil
	}
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return fmt.Errorf("nitro: global log pipe: %w", err)
	}
	t.globalLogRead = fds[0]
	t.globalLogWrite = fds[1]
	return nil
}

// deactivateGlobalLogPipe negates the write end when LOG stops running, so
// logOutFds stops handing it out.
func (t *Table) deactivateGlobalLogPipe() {
	if t.globalLogWrite >= 0 {
		t.globalLogWrite = -t.globalLogWrite
	}
}

// reactivateGlobalLogPipe restores the write end if LOG is started again
// without the pipe having been closed.
func (t *Table) reactivateGlobalLogPipe() {
	if t.globalLogWrite < 0 {
		t.globalLogWrite = -t.globalLogWrite
	}
}
