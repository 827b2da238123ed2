// Package execute applies a ResizePlan strictly in plan order against the
// external tools that own each layer.
//
// Each step runs a small state machine:
//
//	Pending -> PreconditionChecked -> Applied -> PostconditionVerified
//
// or Pending -> Failed when the precondition check rejects the step. The
// precondition re-reads the layer's live size and requires it to equal the
// plan's recorded old size, which catches out-of-band modification between
// planning and execution. The postcondition re-reads until the size equals
// the target, with a short backoff to absorb kernel/udev settle delay.
//
// Failure policy: execution halts at the first failed step and nothing is
// rolled back. The underlying tools offer no multi-layer transaction, so
// pretending otherwise would only hide which layers already moved. The
// ExecutionResult reports per-step outcomes truthfully; remediation is the
// caller's decision.
//
// Concurrency: an advisory lock keyed on the volume identity is acquired
// before step 1 and released on every exit path, so at most one run
// operates per storage stack. An in-process guard additionally serializes
// device-mutating work within this process. Mounted filesystems stay
// mounted throughout; the executor never unmounts as a side effect, and a
// filesystem that goes away mid-run fails the run as a concurrent
// modification.
package execute

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	stackresize "github.com/superfly/stackresize"
	"github.com/superfly/stackresize/perf"
	"github.com/superfly/stackresize/safeguards"
)

// DefaultSettleTimeout bounds how long a postcondition check waits for the
// kernel to report the new size before declaring a mismatch.
const DefaultSettleTimeout = 10 * time.Second

// VolumeManager resizes the bottom block volume.
type VolumeManager interface {
	GetSize(ctx context.Context, id string) (int64, error)
	Resize(ctx context.Context, id string, newSizeBytes int64) error
}

// CryptMapper resizes an active dm-crypt mapping.
type CryptMapper interface {
	GetSize(ctx context.Context, name string) (int64, error)
	Resize(ctx context.Context, name string, newSizeBytes int64) error
}

// FilesystemTool resizes the filesystem layer.
type FilesystemTool interface {
	GetSize(ctx context.Context, devicePath, fsType, mountpoint string) (int64, error)
	Resize(ctx context.Context, devicePath, fsType, mountpoint string, newSizeBytes int64) error
}

// MountTable answers read-only mount queries.
type MountTable interface {
	IsMounted(devicePath string) string
}

// Locker provides the advisory lock at volume-identity granularity.
// The database package's DB satisfies this.
type Locker interface {
	AcquireVolumeLock(ctx context.Context, lockKey, lockedBy string) error
	ReleaseVolumeLock(ctx context.Context, lockKey string) error
}

// Journal records step-state transitions as they happen, so an interrupted
// run leaves a truthful partial-progress record. The journal package's
// Journal satisfies this.
type Journal interface {
	BeginRun(runID, device string, plan *stackresize.ResizePlan) error
	RecordStep(runID string, stepIndex int, state stackresize.StepState, detail string) error
	FinishRun(runID string, result *stackresize.ExecutionResult) error
}

// Executor applies plans. All fields except Logger, Guard, Metrics and
// SettleTimeout are required.
type Executor struct {
	Volumes VolumeManager
	Crypt   CryptMapper
	FS      FilesystemTool
	Mounts  MountTable
	Locks   Locker
	Journal Journal

	// Guard serializes device-mutating operations in-process. Optional.
	Guard *safeguards.OperationGuard

	// Metrics records step timings and outcomes. Optional.
	Metrics *perf.Metrics

	// SettleTimeout overrides DefaultSettleTimeout when positive.
	SettleTimeout time.Duration

	Logger logrus.FieldLogger
}

// Execute runs the plan. The returned ExecutionResult is non-nil whenever
// the run started, including on failure: it is the partial-progress record.
// The error, when non-nil, classifies the halt cause (see the root
// package's taxonomy).
func (e *Executor) Execute(ctx context.Context, p *stackresize.ResizePlan) (*stackresize.ExecutionResult, error) {
	runID := stackresize.NewRunID()
	lockKey := stackresize.DeriveLockKey(p.Device)
	logger := e.logger().WithFields(logrus.Fields{
		"run_id": runID,
		"device": p.Device,
		"op":     string(p.Op()),
	})

	if err := e.Locks.AcquireVolumeLock(ctx, lockKey, "stackresize/"+runID); err != nil {
		return nil, &stackresize.ConcurrentModificationError{
			Layer:  stackresize.LayerBlockVolume,
			ID:     p.Device,
			Reason: fmt.Sprintf("another resize holds the lock: %v", err),
		}
	}
	defer func() {
		// Release must survive a cancelled ctx or the lock leaks until
		// manual cleanup.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.Locks.ReleaseVolumeLock(releaseCtx, lockKey); err != nil {
			logger.WithError(err).Error("failed to release volume lock")
		}
	}()

	if e.Guard != nil {
		if err := e.Guard.Acquire(ctx, "resize-"+p.Device); err != nil {
			return nil, err
		}
		defer e.Guard.Release("resize-" + p.Device)
	}

	result := &stackresize.ExecutionResult{
		RunID:     runID,
		Device:    p.Device,
		StartedAt: time.Now(),
		Steps:     make([]stackresize.StepResult, len(p.Steps)),
	}
	for i, step := range p.Steps {
		result.Steps[i] = stackresize.StepResult{Step: step, State: stackresize.StepPending}
	}

	if err := e.Journal.BeginRun(runID, p.Device, p); err != nil {
		return nil, fmt.Errorf("recording run start: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"steps":       len(p.Steps),
		"delta_bytes": p.EffectiveDeltaBytes,
	}).Info("executing resize plan")

	var haltErr error
	for i := range p.Steps {
		if haltErr != nil {
			result.Steps[i].Outcome = stackresize.OutcomeSkipped
			e.journalStep(logger, runID, i, stackresize.StepPending, "skipped: earlier step failed")
			continue
		}
		haltErr = e.runStep(ctx, logger, runID, i, &result.Steps[i])
	}

	if size, err := e.layerSize(ctx, p.Steps[bottomIndex(p)].Layer); err == nil {
		result.FinalSizeBytes = size
	} else {
		logger.WithError(err).Warn("could not read final volume size")
	}
	result.FinishedAt = time.Now()

	if e.Metrics != nil {
		e.Metrics.RunFinished(string(p.Op()), haltErr == nil, result.FinishedAt.Sub(result.StartedAt))
	}
	if err := e.Journal.FinishRun(runID, result); err != nil {
		logger.WithError(err).Error("failed to record run completion")
	}

	if haltErr != nil {
		logger.WithError(haltErr).WithField("applied_steps", result.AppliedSteps()).Error("resize halted")
		return result, haltErr
	}
	logger.WithField("final_size_bytes", result.FinalSizeBytes).Info("resize complete")
	return result, nil
}

// runStep drives one step through the state machine, mutating sr in place
// and returning the halt cause on failure.
func (e *Executor) runStep(ctx context.Context, logger logrus.FieldLogger, runID string, idx int, sr *stackresize.StepResult) error {
	step := sr.Step
	stepLogger := logger.WithFields(logrus.Fields{
		"step":  idx,
		"layer": string(step.Layer.Kind),
		"id":    step.Layer.ID,
	})
	timer := perf.Start(fmt.Sprintf("step-%d-%s", idx, step.Layer.Kind), stepLogger)
	defer func() {
		sr.Duration = timer.Stop()
		if e.Metrics != nil {
			e.Metrics.StepFinished(string(step.Layer.Kind), string(sr.Outcome), sr.Duration)
		}
	}()

	fail := func(outcome stackresize.StepOutcome, err error) error {
		sr.State = stackresize.StepFailed
		sr.Outcome = outcome
		sr.Error = err.Error()
		e.journalStep(stepLogger, runID, idx, stackresize.StepFailed, err.Error())
		return err
	}

	// Precondition: live size must match the plan's recorded old size, and
	// a filesystem that was mounted at planning time must still be mounted
	// at the same place.
	cur, err := e.layerSize(ctx, step.Layer)
	if err != nil {
		return fail(stackresize.OutcomeFailedPrecondition, fmt.Errorf("reading %s size: %w", step.Layer.Kind, err))
	}
	if cur != step.OldSizeBytes {
		return fail(stackresize.OutcomeFailedPrecondition, &stackresize.ConcurrentModificationError{
			Layer:        step.Layer.Kind,
			ID:           step.Layer.ID,
			PlannedBytes: step.OldSizeBytes,
			ActualBytes:  cur,
		})
	}
	if step.Layer.Mounted() {
		if mp := e.Mounts.IsMounted(step.Layer.DevicePath); mp != step.Layer.Mountpoint {
			return fail(stackresize.OutcomeFailedPrecondition, &stackresize.ConcurrentModificationError{
				Layer:  step.Layer.Kind,
				ID:     step.Layer.ID,
				Reason: fmt.Sprintf("filesystem moved from %s to %q since planning", step.Layer.Mountpoint, mp),
			})
		}
	}
	sr.State = stackresize.StepPreconditionChecked
	e.journalStep(stepLogger, runID, idx, sr.State, "")

	stepLogger.WithFields(logrus.Fields{
		"old_size_bytes": step.OldSizeBytes,
		"new_size_bytes": step.NewSizeBytes,
	}).Info("applying resize step")

	if err := e.applyResize(ctx, step); err != nil {
		return fail(stackresize.OutcomeFailedOperation, fmt.Errorf("resizing %s %s: %w", step.Layer.Kind, step.Layer.ID, err))
	}
	sr.State = stackresize.StepApplied
	e.journalStep(stepLogger, runID, idx, sr.State, "")

	// Postcondition: the tool reported success; the kernel must agree.
	// Sizes can lag a resize briefly, so re-read with backoff before
	// declaring a mismatch.
	if err := e.awaitSize(ctx, step.Layer, step.NewSizeBytes); err != nil {
		return fail(stackresize.OutcomeFailedOperation, err)
	}
	if step.Layer.Mounted() {
		if mp := e.Mounts.IsMounted(step.Layer.DevicePath); mp != step.Layer.Mountpoint {
			return fail(stackresize.OutcomeFailedOperation, &stackresize.ConcurrentModificationError{
				Layer:  step.Layer.Kind,
				ID:     step.Layer.ID,
				Reason: fmt.Sprintf("filesystem no longer mounted at %s after resize", step.Layer.Mountpoint),
			})
		}
	}
	sr.State = stackresize.StepPostconditionVerified
	sr.Outcome = stackresize.OutcomeSuccess
	e.journalStep(stepLogger, runID, idx, sr.State, "")
	return nil
}

// awaitSize re-reads the layer size until it equals want or the settle
// timeout elapses, then returns a PostconditionMismatchError carrying the
// last observed size.
func (e *Executor) awaitSize(ctx context.Context, layer stackresize.StorageLayer, want int64) error {
	settle := e.SettleTimeout
	if settle <= 0 {
		settle = DefaultSettleTimeout
	}

	var last int64
	var readErr error
	check := func() error {
		cur, err := e.layerSize(ctx, layer)
		if err != nil {
			readErr = err
			return backoff.Permanent(err)
		}
		readErr = nil
		last = cur
		if cur != want {
			return fmt.Errorf("size is %d, want %d", cur, want)
		}
		return nil
	}
	b := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(50*time.Millisecond),
		backoff.WithMaxInterval(time.Second),
		backoff.WithMaxElapsedTime(settle),
	), ctx)
	if err := backoff.Retry(check, b); err != nil {
		if readErr != nil {
			return fmt.Errorf("re-reading %s size: %w", layer.Kind, readErr)
		}
		return &stackresize.PostconditionMismatchError{
			Layer:       layer.Kind,
			ID:          layer.ID,
			WantBytes:   want,
			ActualBytes: last,
		}
	}
	return nil
}

func (e *Executor) applyResize(ctx context.Context, step stackresize.ResizeStep) error {
	switch step.Layer.Kind {
	case stackresize.LayerBlockVolume:
		return e.Volumes.Resize(ctx, step.Layer.ID, step.NewSizeBytes)
	case stackresize.LayerCryptMapping:
		return e.Crypt.Resize(ctx, step.Layer.ID, step.NewSizeBytes)
	case stackresize.LayerFilesystem:
		return e.FS.Resize(ctx, step.Layer.DevicePath, step.Layer.FSType, step.Layer.Mountpoint, step.NewSizeBytes)
	default:
		return fmt.Errorf("unknown layer kind %q", step.Layer.Kind)
	}
}

func (e *Executor) layerSize(ctx context.Context, layer stackresize.StorageLayer) (int64, error) {
	switch layer.Kind {
	case stackresize.LayerBlockVolume:
		return e.Volumes.GetSize(ctx, layer.ID)
	case stackresize.LayerCryptMapping:
		return e.Crypt.GetSize(ctx, layer.ID)
	case stackresize.LayerFilesystem:
		return e.FS.GetSize(ctx, layer.DevicePath, layer.FSType, layer.Mountpoint)
	default:
		return 0, fmt.Errorf("unknown layer kind %q", layer.Kind)
	}
}

func (e *Executor) journalStep(logger logrus.FieldLogger, runID string, idx int, state stackresize.StepState, detail string) {
	if err := e.Journal.RecordStep(runID, idx, state, detail); err != nil {
		logger.WithError(err).WithFields(logrus.Fields{
			"step":  idx,
			"state": string(state),
		}).Error("failed to journal step transition")
	}
}

func (e *Executor) logger() logrus.FieldLogger {
	if e.Logger != nil {
		return e.Logger
	}
	return logrus.StandardLogger().WithField("component", "execute")
}

// bottomIndex locates the block-volume step regardless of plan direction.
func bottomIndex(p *stackresize.ResizePlan) int {
	for i, s := range p.Steps {
		if s.Layer.Kind == stackresize.LayerBlockVolume {
			return i
		}
	}
	return 0
}
