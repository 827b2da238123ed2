package verify

import (
	"context"
	"errors"
	"testing"

	stackresize "github.com/superfly/stackresize"
)

const mib = int64(1) << 20

type fakeProber struct {
	stack *stackresize.StorageStack
	err   error
}

func (f *fakeProber) Probe(ctx context.Context, device string) (*stackresize.StorageStack, error) {
	return f.stack, f.err
}

type fakeCapacity struct {
	usable int64
	err    error
}

func (f *fakeCapacity) UsableSize(mountpoint string) (int64, error) {
	return f.usable, f.err
}

func grownStack() *stackresize.StorageStack {
	return &stackresize.StorageStack{
		Device: "vg0/data",
		Layers: []stackresize.StorageLayer{
			{Kind: stackresize.LayerBlockVolume, ID: "vg0/data", SizeBytes: 712 * mib},
			{Kind: stackresize.LayerCryptMapping, ID: "crypt-data", SizeBytes: 696 * mib},
			{
				Kind: stackresize.LayerFilesystem, ID: "/dev/mapper/crypt-data",
				SizeBytes: 696 * mib, FSType: "ext4", Mountpoint: "/data",
			},
		},
	}
}

func growPlan() *stackresize.ResizePlan {
	return &stackresize.ResizePlan{
		Device:              "vg0/data",
		RequestedDeltaBytes: 200 * mib,
		EffectiveDeltaBytes: 200 * mib,
		Steps: []stackresize.ResizeStep{
			{
				Layer:        stackresize.StorageLayer{Kind: stackresize.LayerBlockVolume, ID: "vg0/data", SizeBytes: 512 * mib},
				OldSizeBytes: 512 * mib, NewSizeBytes: 712 * mib, Op: stackresize.OpGrow,
			},
			{
				Layer:        stackresize.StorageLayer{Kind: stackresize.LayerCryptMapping, ID: "crypt-data", SizeBytes: 496 * mib},
				OldSizeBytes: 496 * mib, NewSizeBytes: 696 * mib, Op: stackresize.OpGrow,
			},
			{
				Layer: stackresize.StorageLayer{
					Kind: stackresize.LayerFilesystem, ID: "/dev/mapper/crypt-data",
					SizeBytes: 496 * mib, FSType: "ext4", Mountpoint: "/data",
				},
				OldSizeBytes: 496 * mib, NewSizeBytes: 696 * mib, Op: stackresize.OpGrow,
			},
		},
	}
}

func successResult(p *stackresize.ResizePlan) *stackresize.ExecutionResult {
	result := &stackresize.ExecutionResult{RunID: "01TEST", Device: p.Device}
	for _, step := range p.Steps {
		result.Steps = append(result.Steps, stackresize.StepResult{
			Step:    step,
			State:   stackresize.StepPostconditionVerified,
			Outcome: stackresize.OutcomeSuccess,
		})
	}
	return result
}

// TestVerify_CleanGrow verifies a fully applied grow whose re-probe
// matches every target passes with no findings.
func TestVerify_CleanGrow(t *testing.T) {
	p := growPlan()
	v := &Verifier{
		Prober:   &fakeProber{stack: grownStack()},
		Capacity: &fakeCapacity{usable: 680 * mib},
	}
	report := v.Verify(context.Background(), p, successResult(p), 480*mib)
	if !report.OK {
		t.Fatalf("report not OK: %v", findingReasons(report))
	}
	if report.UsableAfter != 680*mib {
		t.Errorf("UsableAfter = %d", report.UsableAfter)
	}
}

// TestVerify_Idempotent verifies running the same verification twice
// against an unchanged system yields the same answer.
func TestVerify_Idempotent(t *testing.T) {
	p := growPlan()
	v := &Verifier{
		Prober:   &fakeProber{stack: grownStack()},
		Capacity: &fakeCapacity{usable: 680 * mib},
	}
	first := v.Verify(context.Background(), p, successResult(p), 480*mib)
	second := v.Verify(context.Background(), p, successResult(p), 480*mib)
	if first.OK != second.OK || len(first.Findings) != len(second.Findings) {
		t.Errorf("verification is not idempotent: first=%+v second=%+v", first, second)
	}
}

// TestVerify_HaltedRunExpectsOldSizes verifies layers behind a halt are
// checked against their old sizes, not their never-reached targets.
func TestVerify_HaltedRunExpectsOldSizes(t *testing.T) {
	p := growPlan()
	result := successResult(p)
	// The crypt step failed; it and the filesystem never moved.
	result.Steps[1].State = stackresize.StepFailed
	result.Steps[1].Outcome = stackresize.OutcomeFailedOperation
	result.Steps[2].State = stackresize.StepPending
	result.Steps[2].Outcome = stackresize.OutcomeSkipped

	stack := grownStack()
	stack.Layers[1].SizeBytes = 496 * mib
	stack.Layers[2].SizeBytes = 496 * mib

	v := &Verifier{
		Prober:   &fakeProber{stack: stack},
		Capacity: &fakeCapacity{usable: 480 * mib},
	}
	report := v.Verify(context.Background(), p, result, 480*mib)
	if !report.OK {
		t.Errorf("halted-but-consistent state flagged: %v", findingReasons(report))
	}
}

// TestVerify_SizeMismatchFinding verifies a layer off its expected size
// produces a finding without failing the whole pass.
func TestVerify_SizeMismatchFinding(t *testing.T) {
	p := growPlan()
	stack := grownStack()
	stack.Layers[0].SizeBytes = 708 * mib // not the planned 712

	v := &Verifier{
		Prober:   &fakeProber{stack: stack},
		Capacity: &fakeCapacity{usable: 680 * mib},
	}
	report := v.Verify(context.Background(), p, successResult(p), 480*mib)
	if report.OK {
		t.Fatal("size mismatch passed verification")
	}
	if len(report.Findings) != 1 {
		t.Errorf("got %d findings, want 1: %v", len(report.Findings), findingReasons(report))
	}
}

// TestVerify_ReprobeFailureIsFinding verifies a failed re-probe reports a
// finding instead of returning an error: verification never throws.
func TestVerify_ReprobeFailureIsFinding(t *testing.T) {
	p := growPlan()
	v := &Verifier{
		Prober:   &fakeProber{err: errors.New("lvs: connection refused")},
		Capacity: &fakeCapacity{},
	}
	report := v.Verify(context.Background(), p, successResult(p), 0)
	if report.OK {
		t.Fatal("failed re-probe passed verification")
	}
	if len(report.Findings) != 1 {
		t.Errorf("got %d findings, want 1", len(report.Findings))
	}
}

// TestVerify_CapacityMonotonicity verifies usable capacity moving the
// wrong way across a successful grow is flagged.
func TestVerify_CapacityMonotonicity(t *testing.T) {
	p := growPlan()
	v := &Verifier{
		Prober:   &fakeProber{stack: grownStack()},
		Capacity: &fakeCapacity{usable: 400 * mib}, // less than before the grow
	}
	report := v.Verify(context.Background(), p, successResult(p), 480*mib)
	if report.OK {
		t.Fatal("capacity loss across a grow passed verification")
	}
}

// TestVerify_UnmountedFilesystemSkipsCapacity verifies the capacity check
// only applies to mounted filesystems.
func TestVerify_UnmountedFilesystemSkipsCapacity(t *testing.T) {
	p := growPlan()
	p.Steps[2].Layer.Mountpoint = ""
	stack := grownStack()
	stack.Layers[2].Mountpoint = ""

	v := &Verifier{
		Prober:   &fakeProber{stack: stack},
		Capacity: &fakeCapacity{err: errors.New("statfs must not be called")},
	}
	report := v.Verify(context.Background(), p, successResult(p), 0)
	if !report.OK {
		t.Errorf("unmounted stack failed verification: %v", findingReasons(report))
	}
}

// TestVerify_MountpointMoved verifies a filesystem that moved during the
// run is flagged.
func TestVerify_MountpointMoved(t *testing.T) {
	p := growPlan()
	stack := grownStack()
	stack.Layers[2].Mountpoint = "/mnt/elsewhere"

	v := &Verifier{
		Prober:   &fakeProber{stack: stack},
		Capacity: &fakeCapacity{usable: 680 * mib},
	}
	report := v.Verify(context.Background(), p, successResult(p), 480*mib)
	if report.OK {
		t.Fatal("moved mountpoint passed verification")
	}
}

func findingReasons(r *Report) []string {
	var reasons []string
	for _, f := range r.Findings {
		reasons = append(reasons, f.Reason)
	}
	return reasons
}
