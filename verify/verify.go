// Package verify closes the loop after execution: it re-probes the stack
// and checks that reality matches the plan's effective targets and that
// the filesystem's usable capacity moved in the expected direction.
//
// Verification is informational. It mutates nothing and its failure is
// reported, never thrown: by the time verify runs, the resize either
// happened or halted, and a second opinion must not change that record.
// Re-running verify against an unchanged system yields the same answer.
package verify

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	stackresize "github.com/superfly/stackresize"
)

// Prober re-reads the live stack. The probe package's Prober satisfies this.
type Prober interface {
	Probe(ctx context.Context, device string) (*stackresize.StorageStack, error)
}

// Capacity reads a mounted filesystem's usable size. The fsys package's
// Client satisfies this.
type Capacity interface {
	UsableSize(mountpoint string) (int64, error)
}

// Report is the outcome of one verification pass.
type Report struct {
	// OK is true when every check passed.
	OK bool

	// Findings lists each failed check as a VerificationError. Empty when OK.
	Findings []*stackresize.VerificationError

	// UsableBefore and UsableAfter hold the mounted filesystem's usable
	// capacity around the run, zero when the stack has no mounted
	// filesystem.
	UsableBefore int64
	UsableAfter  int64
}

// Verifier checks executed plans against live state.
type Verifier struct {
	Prober   Prober
	Capacity Capacity
	Logger   logrus.FieldLogger
}

// Verify re-probes the stack behind plan.Device and compares it with the
// plan's targets, taking result into account: only layers whose steps were
// actually applied are expected at their new sizes; layers behind a halt
// must still be at their old sizes.
//
// usableBefore is the filesystem's usable capacity captured before
// execution (zero if unknown or unmounted); when available it feeds a
// monotonicity check: a grow must not lose usable capacity, a shrink must
// not gain it.
func (v *Verifier) Verify(ctx context.Context, p *stackresize.ResizePlan, result *stackresize.ExecutionResult, usableBefore int64) *Report {
	logger := v.logger().WithField("device", p.Device)
	report := &Report{OK: true, UsableBefore: usableBefore}

	stack, err := v.Prober.Probe(ctx, p.Device)
	if err != nil {
		report.fail(p.Device, fmt.Sprintf("re-probe failed: %v", err))
		return report
	}

	for i, sr := range result.Steps {
		want := sr.Step.OldSizeBytes
		if sr.Outcome == stackresize.OutcomeSuccess {
			want = sr.Step.NewSizeBytes
		}
		layer, ok := stack.Layer(sr.Step.Layer.Kind)
		if !ok {
			report.fail(p.Device, fmt.Sprintf("step %d: %s layer disappeared from the stack", i, sr.Step.Layer.Kind))
			continue
		}
		if layer.SizeBytes != want {
			report.fail(p.Device, fmt.Sprintf("step %d: %s %s is %d bytes, want %d",
				i, layer.Kind, layer.ID, layer.SizeBytes, want))
		}
	}

	// A mounted filesystem must have survived the run mounted; silent
	// truncation usually surfaces as a vanished or remounted filesystem.
	if fsLayer, ok := planFilesystem(p); ok && fsLayer.Mounted() {
		live, ok := stack.Layer(stackresize.LayerFilesystem)
		switch {
		case !ok:
			report.fail(p.Device, "filesystem was mounted before the run and is gone after it")
		case live.Mountpoint != fsLayer.Mountpoint:
			report.fail(p.Device, fmt.Sprintf("filesystem moved from %s to %q during the run",
				fsLayer.Mountpoint, live.Mountpoint))
		default:
			usable, err := v.Capacity.UsableSize(live.Mountpoint)
			if err != nil {
				report.fail(p.Device, fmt.Sprintf("reading usable capacity: %v", err))
				break
			}
			report.UsableAfter = usable
			if usableBefore > 0 && result.Succeeded() {
				if p.Op() == stackresize.OpGrow && usable < usableBefore {
					report.fail(p.Device, fmt.Sprintf("usable capacity fell from %d to %d across a grow", usableBefore, usable))
				}
				if p.Op() == stackresize.OpShrink && usable > usableBefore {
					report.fail(p.Device, fmt.Sprintf("usable capacity rose from %d to %d across a shrink", usableBefore, usable))
				}
			}
		}
	}

	if report.OK {
		logger.Info("verification passed")
	} else {
		for _, f := range report.Findings {
			logger.WithField("finding", f.Reason).Warn("verification finding")
		}
	}
	return report
}

func (r *Report) fail(device, reason string) {
	r.OK = false
	r.Findings = append(r.Findings, &stackresize.VerificationError{Device: device, Reason: reason})
}

func planFilesystem(p *stackresize.ResizePlan) (stackresize.StorageLayer, bool) {
	for _, s := range p.Steps {
		if s.Layer.Kind == stackresize.LayerFilesystem {
			return s.Layer, true
		}
	}
	return stackresize.StorageLayer{}, false
}

func (v *Verifier) logger() logrus.FieldLogger {
	if v.Logger != nil {
		return v.Logger
	}
	return logrus.StandardLogger().WithField("component", "verify")
}
