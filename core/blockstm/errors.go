// Package blockstm implements the per-worker speculative view of the
// block executor: the read-caching layer every VM load goes through, the
// per-transaction captured-read log used for validation, and the
// speculative protocol for delayed fields.
package blockstm

import "fmt"

// HaltError aborts the current speculative execution attempt. It is
// recoverable at the block level: the VM surfaces it as a speculative
// abort and the transaction is re-executed.
type HaltError struct {
	Msg string
}

func (e *HaltError) Error() string {
	return "speculative execution halted: " + e.Msg
}

func haltErrorf(format string, args ...interface{}) error {
	return &HaltError{Msg: fmt.Sprintf(format, args...)}
}

// IsHalt reports whether err is a speculative-abort signal.
func IsHalt(err error) bool {
	_, ok := err.(*HaltError)
	return ok
}

// CaptureError reports that a newly observed read contradicts an earlier
// capture of the same location. Always due to speculation; callers turn
// it into a HaltError.
type CaptureError struct {
	Reason string
}

func (e *CaptureError) Error() string {
	return "inconsistent captured read: " + e.Reason
}
