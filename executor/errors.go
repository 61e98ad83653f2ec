package executor

import (
	"errors"
	"fmt"
)

// ErrAlreadyRunning is matched by AlreadyRunningError via errors.Is
var ErrAlreadyRunning = errors.New("rule execution already running")

// AlreadyRunningError is returned when a run is requested while another
// is in progress
type AlreadyRunningError struct {
	RunID string
}

func (e *AlreadyRunningError) Error() string {
	if e.RunID == "" {
		return ErrAlreadyRunning.Error()
	}
	return fmt.Sprintf("rule execution already running (run %s)", e.RunID)
}

func (e *AlreadyRunningError) Is(target error) bool {
	return target == ErrAlreadyRunning
}
