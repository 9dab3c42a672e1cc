package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/holdfast/internal/ir"
	"github.com/roach88/holdfast/internal/store"
)

var (
	// ErrTriggerClosed is returned by Trigger.Listen once the trigger has
	// been closed. Consumers treat it as a request to shut down.
	ErrTriggerClosed = errors.New("trigger closed")

	// ErrNotYetAvailable is returned by cell reads when the data is held
	// only by ops that are still being validated.
	ErrNotYetAvailable = errors.New("not yet available: still pending validation")

	// ErrCellRunning is returned by Drain while Run owns the consumers.
	ErrCellRunning = errors.New("cell is running")
)

// StageError reports a pass that stopped the cell. It wraps the
// underlying *ir.InvariantError.
type StageError struct {
	Stage  store.Stage
	PassID string
	Err    error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s pass %s: %v", e.Stage, e.PassID, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// fatal reports whether a pass error must stop the cell. Only broken
// bookkeeping is fatal; anything else is retried on the next signal.
func fatal(err error) bool {
	return ir.IsInvariant(err)
}
