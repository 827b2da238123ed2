package stackresize

import (
	"testing"
)

// TestParseDelta verifies sign handling and binary units.
func TestParseDelta(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"+200MiB", 200 << 20},
		{"200MiB", 200 << 20},
		{"-1GiB", -(1 << 30)},
		{"512M", 512 << 20},
		{"-512m", -(512 << 20)},
		{"4096", 4096},
		{"1KiB", 1024},
		{"2T", 2 << 40},
		{" +1Gi ", 1 << 30},
		{"0", 0},
	}
	for _, tc := range cases {
		got, err := ParseDelta(tc.in)
		if err != nil {
			t.Errorf("ParseDelta(%q) returned error: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseDelta(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

// TestParseDelta_Rejects verifies malformed deltas fail instead of being
// silently misread.
func TestParseDelta_Rejects(t *testing.T) {
	for _, in := range []string{"", "MiB", "+", "-", "12XB", "1.5GiB", "10MB10"} {
		if _, err := ParseDelta(in); err == nil {
			t.Errorf("ParseDelta(%q) succeeded, want error", in)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	cases := []struct {
		in   int64
		want string
	}{
		{512, "512B"},
		{4096, "4KiB"},
		{200 << 20, "200MiB"},
		{1 << 30, "1GiB"},
		{-(1 << 30), "-1GiB"},
		{(1 << 20) + 1, "1048577B"},
	}
	for _, tc := range cases {
		if got := FormatBytes(tc.in); got != tc.want {
			t.Errorf("FormatBytes(%d) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

// TestPlanOp verifies the direction is derived from the effective delta,
// which may differ in magnitude from the requested one after rounding.
func TestPlanOp(t *testing.T) {
	grow := &ResizePlan{EffectiveDeltaBytes: 4 << 20}
	if grow.Op() != OpGrow {
		t.Errorf("positive delta: Op() = %q, want %q", grow.Op(), OpGrow)
	}
	shrink := &ResizePlan{EffectiveDeltaBytes: -(4 << 20)}
	if shrink.Op() != OpShrink {
		t.Errorf("negative delta: Op() = %q, want %q", shrink.Op(), OpShrink)
	}
}

func TestExecutionResult_Succeeded(t *testing.T) {
	empty := &ExecutionResult{}
	if empty.Succeeded() {
		t.Error("empty result reported success")
	}

	ok := &ExecutionResult{Steps: []StepResult{
		{Outcome: OutcomeSuccess},
		{Outcome: OutcomeSuccess},
	}}
	if !ok.Succeeded() {
		t.Error("all-success result did not report success")
	}

	halted := &ExecutionResult{Steps: []StepResult{
		{Outcome: OutcomeSuccess, State: StepPostconditionVerified},
		{Outcome: OutcomeFailedOperation, State: StepFailed},
		{Outcome: OutcomeSkipped, State: StepPending},
	}}
	if halted.Succeeded() {
		t.Error("halted result reported success")
	}
	if got := halted.AppliedSteps(); got != 1 {
		t.Errorf("AppliedSteps() = %d, want 1", got)
	}
}

// TestStorageLayer_Mounted verifies the mount predicate only holds for
// filesystem layers with a mountpoint.
func TestStorageLayer_Mounted(t *testing.T) {
	fs := StorageLayer{Kind: LayerFilesystem, Mountpoint: "/data"}
	if !fs.Mounted() {
		t.Error("mounted filesystem layer reported unmounted")
	}
	unmounted := StorageLayer{Kind: LayerFilesystem}
	if unmounted.Mounted() {
		t.Error("unmounted filesystem layer reported mounted")
	}
	vol := StorageLayer{Kind: LayerBlockVolume, Mountpoint: "/data"}
	if vol.Mounted() {
		t.Error("block volume reported mounted")
	}
}

func TestStorageStack_Layer(t *testing.T) {
	stack := &StorageStack{Layers: []StorageLayer{
		{Kind: LayerBlockVolume, ID: "vg0/data"},
		{Kind: LayerFilesystem, ID: "/dev/vg0/data"},
	}}
	fs, ok := stack.Layer(LayerFilesystem)
	if !ok || fs.ID != "/dev/vg0/data" {
		t.Errorf("Layer(filesystem) = %+v, %t", fs, ok)
	}
	if _, ok := stack.Layer(LayerCryptMapping); ok {
		t.Error("Layer(crypt-mapping) found a layer in a two-layer stack")
	}
	if stack.Bottom().ID != "vg0/data" {
		t.Errorf("Bottom().ID = %q, want vg0/data", stack.Bottom().ID)
	}
}
