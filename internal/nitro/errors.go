package nitro

import "fmt"

// FatalError marks one of the handful of supervisor-level failures treated
// as unrecoverable: the service directory can't be opened, /dev/null can't
// be opened, the control socket can't be created, or the self-pipe can't
// be created. The caller
// (cmd/nitro) uses ChdirOK to decide whether SYS/fatal is invokable.
type FatalError struct {
	Op     string
	Err    error
	ChdirOK bool
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("nitro: fatal: %s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

func fatalf(chdirOK bool, op string, err error) *FatalError {
	return &FatalError{Op: op, Err: err, ChdirOK: chdirOK}
}

// spawnErrKind classifies an exec/fork failure as transient or persistent.
type spawnErrKind int

const (
	spawnErrNone spawnErrKind = iota
	spawnErrTransient
	spawnErrPersistent
)
