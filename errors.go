package stackresize

import (
	"errors"
	"fmt"
)

// Error taxonomy for the resize pipeline.
//
// Planning-phase errors (ProbeError, UnsupportedOperationError) guarantee
// zero side effects: nothing has been mutated when they are returned.
// Execution-phase errors (ConcurrentModificationError,
// PostconditionMismatchError) halt the run immediately; the ExecutionResult
// accompanying them reports exactly which steps were applied.
// VerificationError is informational and never interrupts anything.

// ProbeError indicates a device could not be inspected: it does not exist,
// or its metadata was unreadable. No mutation has been attempted.
type ProbeError struct {
	Device string
	Reason string
	Err    error
}

func (e *ProbeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("probe %s: %s: %v", e.Device, e.Reason, e.Err)
	}
	return fmt.Sprintf("probe %s: %s", e.Device, e.Reason)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// UnsupportedOperationError indicates a requested resize cannot be planned
// because some layer lacks the required capability (e.g. shrinking a
// mounted xfs filesystem) or would violate a minimum-size constraint.
// Raised during planning, before any mutation.
type UnsupportedOperationError struct {
	Layer  LayerKind
	Reason string
}

func (e *UnsupportedOperationError) Error() string {
	if e.Layer != "" {
		return fmt.Sprintf("unsupported operation on %s layer: %s", e.Layer, e.Reason)
	}
	return fmt.Sprintf("unsupported operation: %s", e.Reason)
}

// ConcurrentModificationError indicates a layer's size changed out-of-band
// between planning and execution of its step. The run halts; layers already
// resized keep their new sizes.
type ConcurrentModificationError struct {
	Layer        LayerKind
	ID           string
	PlannedBytes int64
	ActualBytes  int64

	// Reason overrides the size-based message for non-size conflicts
	// (lost advisory lock, filesystem unmounted mid-run).
	Reason string
}

func (e *ConcurrentModificationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("concurrent modification of %s %s: %s", e.Layer, e.ID, e.Reason)
	}
	return fmt.Sprintf("concurrent modification of %s %s: planned from %d bytes, found %d bytes",
		e.Layer, e.ID, e.PlannedBytes, e.ActualBytes)
}

// PostconditionMismatchError indicates the owning tool reported success but
// the layer's size did not reach the planned target. The run halts.
type PostconditionMismatchError struct {
	Layer       LayerKind
	ID          string
	WantBytes   int64
	ActualBytes int64
}

func (e *PostconditionMismatchError) Error() string {
	return fmt.Sprintf("postcondition mismatch on %s %s: want %d bytes, have %d bytes",
		e.Layer, e.ID, e.WantBytes, e.ActualBytes)
}

// VerificationError reports a post-run consistency check failure. It is
// non-fatal: the run itself completed, but the re-probed state does not
// match the plan's effective targets.
type VerificationError struct {
	Device string
	Reason string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification of %s failed: %s", e.Device, e.Reason)
}

// IsProbeError reports whether err is (or wraps) a ProbeError.
func IsProbeError(err error) bool {
	var pe *ProbeError
	return errors.As(err, &pe)
}

// IsUnsupportedOperation reports whether err is (or wraps) an
// UnsupportedOperationError.
func IsUnsupportedOperation(err error) bool {
	var ue *UnsupportedOperationError
	return errors.As(err, &ue)
}

// IsConcurrentModification reports whether err is (or wraps) a
// ConcurrentModificationError.
func IsConcurrentModification(err error) bool {
	var ce *ConcurrentModificationError
	return errors.As(err, &ce)
}

// IsPostconditionMismatch reports whether err is (or wraps) a
// PostconditionMismatchError.
func IsPostconditionMismatch(err error) bool {
	var pe *PostconditionMismatchError
	return errors.As(err, &pe)
}

// Exit codes for the CLI. 1 is reserved for usage and unclassified errors.
const (
	ExitOK                    = 0
	ExitError                 = 1
	ExitProbeError            = 2
	ExitUnsupportedOperation  = 3
	ExitConcurrentModified    = 4
	ExitPostconditionMismatch = 5
)

// ExitCode maps an error from the pipeline to the CLI exit code contract.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case IsProbeError(err):
		return ExitProbeError
	case IsUnsupportedOperation(err):
		return ExitUnsupportedOperation
	case IsConcurrentModification(err):
		return ExitConcurrentModified
	case IsPostconditionMismatch(err):
		return ExitPostconditionMismatch
	default:
		return ExitError
	}
}
