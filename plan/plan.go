// Package plan turns a probed StorageStack and a signed size delta into an
// ordered ResizePlan.
//
// Ordering is the correctness core of the whole module:
//
//	grow:   volume, then crypt mapping, then filesystem (bottom-up);
//	        a layer can only use space its container already has
//	shrink: filesystem, then crypt mapping, then volume (top-down);
//	        a layer must vacate space before its container gives it up
//
// Planning is pure: it mutates nothing and fails with
// UnsupportedOperationError before any tool runs when a layer lacks the
// required capability or a target would violate a minimum-size constraint.
package plan

import (
	"fmt"

	stackresize "github.com/superfly/stackresize"
)

// Plan computes the step sequence for resizing stack's bottom volume by
// deltaBytes (positive grows, negative shrinks). extentBytes is the volume
// group's allocation granularity; the bottom target is rounded up to it
// and every layer moves by the same effective delta.
//
// Rounding up holds in both directions: a grow delivers at least the
// requested space, a shrink takes away no more than requested.
func Plan(stack *stackresize.StorageStack, deltaBytes, extentBytes int64) (*stackresize.ResizePlan, error) {
	if deltaBytes == 0 {
		return nil, &stackresize.UnsupportedOperationError{Reason: "delta is zero; nothing to resize"}
	}
	if extentBytes <= 0 {
		return nil, fmt.Errorf("invalid extent size %d", extentBytes)
	}
	if len(stack.Layers) == 0 || stack.Layers[0].Kind != stackresize.LayerBlockVolume {
		return nil, fmt.Errorf("stack has no block volume at the bottom")
	}
	if _, ok := stack.Layer(stackresize.LayerFilesystem); !ok {
		// Layer-aware resize was requested but the stack top carries no
		// recognizable filesystem; resizing blind would be a plain lvresize,
		// which is not this tool's contract.
		return nil, &stackresize.UnsupportedOperationError{
			Layer:  stackresize.LayerFilesystem,
			Reason: "no filesystem found on the stack; refusing layer-aware resize",
		}
	}

	op := stackresize.OpGrow
	if deltaBytes < 0 {
		op = stackresize.OpShrink
	}

	effectiveDelta := roundDeltaToExtent(deltaBytes, extentBytes)
	if effectiveDelta == 0 {
		return nil, &stackresize.UnsupportedOperationError{
			Reason: fmt.Sprintf("shrink of %s is below the %s extent granularity",
				stackresize.FormatBytes(-deltaBytes), stackresize.FormatBytes(extentBytes)),
		}
	}

	// Capability and minimum-size checks for every layer before building a
	// single step: a rejected plan must leave no doubt that nothing ran.
	for _, layer := range stack.Layers {
		target := layer.SizeBytes + effectiveDelta
		switch op {
		case stackresize.OpGrow:
			if !layer.SupportsGrow {
				return nil, &stackresize.UnsupportedOperationError{
					Layer:  layer.Kind,
					Reason: fmt.Sprintf("%s cannot grow in its current state", layer.ID),
				}
			}
		case stackresize.OpShrink:
			if !layer.SupportsShrink {
				return nil, &stackresize.UnsupportedOperationError{
					Layer:  layer.Kind,
					Reason: shrinkRefusalReason(layer),
				}
			}
			if target < layer.MinSizeBytes {
				return nil, &stackresize.UnsupportedOperationError{
					Layer: layer.Kind,
					Reason: fmt.Sprintf("target %s is below the layer minimum %s",
						stackresize.FormatBytes(target), stackresize.FormatBytes(layer.MinSizeBytes)),
				}
			}
			if target <= 0 {
				return nil, &stackresize.UnsupportedOperationError{
					Layer:  layer.Kind,
					Reason: fmt.Sprintf("target size %d is not positive", target),
				}
			}
		}
	}

	ordered := make([]stackresize.StorageLayer, len(stack.Layers))
	copy(ordered, stack.Layers)
	if op == stackresize.OpShrink {
		reverse(ordered)
	}

	p := &stackresize.ResizePlan{
		Device:              stack.Device,
		RequestedDeltaBytes: deltaBytes,
		EffectiveDeltaBytes: effectiveDelta,
		ExtentBytes:         extentBytes,
		Steps:               make([]stackresize.ResizeStep, 0, len(ordered)),
	}
	for _, layer := range ordered {
		p.Steps = append(p.Steps, stackresize.ResizeStep{
			Layer:        layer,
			OldSizeBytes: layer.SizeBytes,
			NewSizeBytes: layer.SizeBytes + effectiveDelta,
			Op:           op,
		})
	}
	return p, nil
}

// roundDeltaToExtent rounds the delta's magnitude so that every target
// lands on an extent boundary relative to the current sizes: grow deltas
// round up to the next extent multiple, shrink deltas round down (toward
// zero), so a shrink never removes more than asked.
func roundDeltaToExtent(delta, extent int64) int64 {
	if delta > 0 {
		rem := delta % extent
		if rem != 0 {
			delta += extent - rem
		}
		return delta
	}
	mag := -delta
	mag -= mag % extent
	return -mag
}

func shrinkRefusalReason(layer stackresize.StorageLayer) string {
	if layer.Kind == stackresize.LayerFilesystem {
		if layer.FSType == "xfs" {
			return fmt.Sprintf("xfs filesystem on %s cannot shrink", layer.ID)
		}
		if layer.Mounted() {
			return fmt.Sprintf("%s filesystem mounted at %s cannot shrink while mounted", layer.FSType, layer.Mountpoint)
		}
	}
	return fmt.Sprintf("%s cannot shrink in its current state", layer.ID)
}

func reverse(layers []stackresize.StorageLayer) {
	for i, j := 0, len(layers)-1; i < j; i, j = i+1, j-1 {
		layers[i], layers[j] = layers[j], layers[i]
	}
}
