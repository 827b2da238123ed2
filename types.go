// Package stackresize defines the shared data model for orchestrating
// resize of a layered storage stack: an LVM logical volume, an optional
// dm-crypt mapping on top of it, and an optional filesystem on top of that.
//
// The packages in this module form a pipeline over these types:
//
//	probe   -> StorageStack   (read-only inspection of live devices)
//	plan    -> ResizePlan     (ordered per-layer steps, direction-aware)
//	execute -> ExecutionResult (strict in-order application with checks)
//	verify  -> consistency report (re-probe, non-fatal)
//
// A StorageStack is always rebuilt from live system state per request and
// never persisted; only run outcomes are recorded (see the database and
// journal packages).
package stackresize

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// LayerKind identifies one layer of a storage stack.
type LayerKind string

const (
	// LayerBlockVolume is the bottom layer: a resizable LVM logical volume.
	LayerBlockVolume LayerKind = "block-volume"

	// LayerCryptMapping is a dm-crypt mapping backed by the layer below.
	LayerCryptMapping LayerKind = "crypt-mapping"

	// LayerFilesystem is the top layer: a filesystem on the device below.
	LayerFilesystem LayerKind = "filesystem"
)

// OpKind is the direction of a resize step.
type OpKind string

const (
	OpGrow   OpKind = "grow"
	OpShrink OpKind = "shrink"
)

// StorageLayer describes one layer of a probed stack.
//
// Device identity is layer-dependent:
//   - block volume: "vg/lv" plus the /dev/mapper path
//   - crypt mapping: the dm-crypt mapping name plus its /dev/mapper path
//   - filesystem: the device path it lives on plus its type
type StorageLayer struct {
	// Kind is the layer kind.
	Kind LayerKind `json:"kind"`

	// ID is the layer's identity for the tool that owns it (e.g. "vg0/data"
	// for an LV, "crypt-data" for a dm-crypt mapping, "/dev/mapper/crypt-data"
	// for a filesystem).
	ID string `json:"id"`

	// DevicePath is the block device node presenting this layer.
	DevicePath string `json:"device_path"`

	// SizeBytes is the layer's current size in bytes.
	SizeBytes int64 `json:"size_bytes"`

	// MinSizeBytes is the smallest size this layer can shrink to.
	// Zero means no known lower bound beyond zero.
	MinSizeBytes int64 `json:"min_size_bytes,omitempty"`

	// SupportsGrow reports whether the layer can be grown in place.
	SupportsGrow bool `json:"supports_grow"`

	// SupportsShrink reports whether the layer can be shrunk in its current
	// state. For filesystems this is mount-state dependent: ext filesystems
	// shrink only while unmounted, xfs never shrinks.
	SupportsShrink bool `json:"supports_shrink"`

	// FSType is the filesystem type for LayerFilesystem, empty otherwise.
	FSType string `json:"fs_type,omitempty"`

	// Mountpoint is where the filesystem is mounted, empty if unmounted.
	// Only meaningful for LayerFilesystem.
	Mountpoint string `json:"mountpoint,omitempty"`
}

// Mounted reports whether the layer is a mounted filesystem.
func (l StorageLayer) Mounted() bool {
	return l.Kind == LayerFilesystem && l.Mountpoint != ""
}

// StorageStack is an ordered sequence of layers, bottom (volume) first.
// The stack owns the ordering only; the underlying devices belong to their
// respective tools (lvm2, cryptsetup, the kernel).
type StorageStack struct {
	// Device is the identity the stack was probed from, as given by the
	// caller (e.g. "vg0/data" or "/dev/vg0/data").
	Device string `json:"device"`

	// Layers is ordered bottom-up and holds one to three layers.
	Layers []StorageLayer `json:"layers"`

	// ProbedAt is when the stack was read from the live system.
	ProbedAt time.Time `json:"probed_at"`
}

// Bottom returns the bottom (volume) layer.
func (s *StorageStack) Bottom() StorageLayer {
	return s.Layers[0]
}

// Layer returns the first layer of the given kind, or false if the stack
// does not contain one.
func (s *StorageStack) Layer(kind LayerKind) (StorageLayer, bool) {
	for _, l := range s.Layers {
		if l.Kind == kind {
			return l, true
		}
	}
	return StorageLayer{}, false
}

// ResizeStep is one planned per-layer resize operation.
type ResizeStep struct {
	// Layer is a snapshot of the target layer at planning time.
	Layer StorageLayer `json:"layer"`

	// OldSizeBytes is the layer size observed at planning time. The executor
	// re-checks this immediately before applying the step.
	OldSizeBytes int64 `json:"old_size_bytes"`

	// NewSizeBytes is the effective (extent-rounded) target size.
	NewSizeBytes int64 `json:"new_size_bytes"`

	// Op is grow or shrink.
	Op OpKind `json:"op"`
}

// ResizePlan is the ordered sequence of steps for one resize request.
// Grow plans run bottom-to-top, shrink plans top-to-bottom. A plan is
// immutable once the executor starts consuming it.
type ResizePlan struct {
	// Device is the stack identity the plan was derived from.
	Device string `json:"device"`

	// RequestedDeltaBytes is the signed delta the caller asked for.
	RequestedDeltaBytes int64 `json:"requested_delta_bytes"`

	// EffectiveDeltaBytes is the delta after rounding the bottom-layer
	// target up to the volume group's extent granularity.
	EffectiveDeltaBytes int64 `json:"effective_delta_bytes"`

	// ExtentBytes is the volume group extent size used for rounding.
	ExtentBytes int64 `json:"extent_bytes"`

	// Steps is ordered for execution.
	Steps []ResizeStep `json:"steps"`
}

// Op returns the plan direction, derived from the effective delta.
func (p *ResizePlan) Op() OpKind {
	if p.EffectiveDeltaBytes < 0 {
		return OpShrink
	}
	return OpGrow
}

// StepState tracks a step through the executor's state machine.
type StepState string

const (
	StepPending               StepState = "pending"
	StepPreconditionChecked   StepState = "precondition-checked"
	StepApplied               StepState = "applied"
	StepPostconditionVerified StepState = "postcondition-verified"
	StepFailed                StepState = "failed"
)

// StepOutcome is the terminal classification of one executed step.
type StepOutcome string

const (
	OutcomeSuccess            StepOutcome = "success"
	OutcomeFailedPrecondition StepOutcome = "failed-precondition"
	OutcomeFailedOperation    StepOutcome = "failed-operation"
	OutcomeSkipped            StepOutcome = "skipped"
)

// StepResult is the recorded outcome of one step.
type StepResult struct {
	Step    ResizeStep  `json:"step"`
	State   StepState   `json:"state"`
	Outcome StepOutcome `json:"outcome"`

	// Error holds the failure message for non-success outcomes.
	Error string `json:"error,omitempty"`

	// Duration is how long the step took, including settle re-probes.
	Duration time.Duration `json:"duration_ns,omitempty"`
}

// ExecutionResult is the truthful record of a run: exactly which steps
// succeeded before the run completed or halted. Already-applied steps are
// never rolled back; the layers below a failure keep their new sizes.
type ExecutionResult struct {
	// RunID identifies this orchestration run (ULID).
	RunID string `json:"run_id"`

	// Device is the stack identity that was resized.
	Device string `json:"device"`

	// Steps holds one result per plan step, in plan order. Steps after a
	// failure are recorded as skipped.
	Steps []StepResult `json:"steps"`

	// FinalSizeBytes is the bottom layer's size observed after the run.
	FinalSizeBytes int64 `json:"final_size_bytes"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Succeeded reports whether every step completed its state machine.
func (r *ExecutionResult) Succeeded() bool {
	if len(r.Steps) == 0 {
		return false
	}
	for _, s := range r.Steps {
		if s.Outcome != OutcomeSuccess {
			return false
		}
	}
	return true
}

// AppliedSteps returns the number of steps that mutated a layer.
func (r *ExecutionResult) AppliedSteps() int {
	n := 0
	for _, s := range r.Steps {
		if s.State == StepApplied || s.State == StepPostconditionVerified {
			n++
		}
	}
	return n
}

// Marshal implements the codec used by the journal package.
func (r *ExecutionResult) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// Unmarshal implements the codec used by the journal package.
func (r *ExecutionResult) Unmarshal(data []byte) error {
	return json.Unmarshal(data, r)
}

// FormatBytes renders a byte count the way the CLI and logs present sizes.
func FormatBytes(n int64) string {
	const (
		kib = 1024
		mib = 1024 * kib
		gib = 1024 * mib
	)
	neg := ""
	if n < 0 {
		neg = "-"
		n = -n
	}
	switch {
	case n >= gib && n%gib == 0:
		return fmt.Sprintf("%s%dGiB", neg, n/gib)
	case n >= mib && n%mib == 0:
		return fmt.Sprintf("%s%dMiB", neg, n/mib)
	case n >= kib && n%kib == 0:
		return fmt.Sprintf("%s%dKiB", neg, n/kib)
	default:
		return fmt.Sprintf("%s%dB", neg, n)
	}
}

// ParseDelta parses a signed size delta such as "+200MiB", "-1GiB" or
// "512M". An explicit "+" means grow, "-" means shrink, no sign means
// grow. Binary units only (K/Ki/KiB and so on up to TiB); a bare number
// is bytes.
func ParseDelta(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size delta")
	}
	sign := int64(1)
	switch s[0] {
	case '+':
		s = s[1:]
	case '-':
		sign = -1
		s = s[1:]
	}
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 {
		return 0, fmt.Errorf("size delta %q has no digits", s)
	}
	n, err := strconv.ParseInt(s[:i], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unparseable size delta %q: %w", s, err)
	}
	var unit int64
	switch strings.ToLower(strings.TrimSpace(s[i:])) {
	case "", "b":
		unit = 1
	case "k", "ki", "kib":
		unit = 1 << 10
	case "m", "mi", "mib":
		unit = 1 << 20
	case "g", "gi", "gib":
		unit = 1 << 30
	case "t", "ti", "tib":
		unit = 1 << 40
	default:
		return 0, fmt.Errorf("unknown size unit %q", s[i:])
	}
	if n > math.MaxInt64/unit {
		return 0, fmt.Errorf("size delta %q overflows", s)
	}
	return sign * n * unit, nil
}
