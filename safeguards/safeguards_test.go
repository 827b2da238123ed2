package safeguards

import (
	"context"
	"errors"
	"testing"
	"time"
)

// TestOperationGuard_Serializes verifies the guard admits at most
// MaxConcurrent operations and frees the slot on release.
func TestOperationGuard_Serializes(t *testing.T) {
	guard := NewOperationGuard(GuardConfig{MaxConcurrent: 1})
	ctx := context.Background()

	if err := guard.Acquire(ctx, "resize-vg0/data"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if guard.ActiveOperations() != 1 {
		t.Errorf("ActiveOperations = %d, want 1", guard.ActiveOperations())
	}

	// A second acquire must block until release; give it a short deadline.
	blockedCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := guard.Acquire(blockedCtx, "resize-vg0/other"); err == nil {
		t.Fatal("second acquire succeeded while slot held")
	}

	guard.Release("resize-vg0/data")
	if err := guard.Acquire(ctx, "resize-vg0/other"); err != nil {
		t.Errorf("acquire after release: %v", err)
	}
}

// TestOperationGuard_HealthCheckBlocks verifies a failing health check
// refuses the operation before a slot is taken.
func TestOperationGuard_HealthCheckBlocks(t *testing.T) {
	unhealthy := errors.New("suspended devicemapper device found")
	guard := NewOperationGuard(GuardConfig{
		MaxConcurrent:   1,
		HealthCheckFunc: func(ctx context.Context) error { return unhealthy },
	})

	err := guard.Acquire(context.Background(), "resize-vg0/data")
	if !errors.Is(err, unhealthy) {
		t.Fatalf("err = %v, want health check failure", err)
	}
	if guard.ActiveOperations() != 0 {
		t.Errorf("failed acquire left %d active operations", guard.ActiveOperations())
	}
}

// TestWithOperation verifies the slot is released on both success and
// failure paths.
func TestWithOperation(t *testing.T) {
	guard := NewOperationGuard(GuardConfig{MaxConcurrent: 1})
	ctx := context.Background()

	if err := guard.WithOperation(ctx, "op", func() error { return nil }); err != nil {
		t.Fatalf("WithOperation: %v", err)
	}
	boom := errors.New("boom")
	if err := guard.WithOperation(ctx, "op", func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if guard.ActiveOperations() != 0 {
		t.Errorf("ActiveOperations = %d after completed operations", guard.ActiveOperations())
	}
}

// TestRecoverableOperation verifies a panic inside the operation comes
// back as an error instead of taking the process down.
func TestRecoverableOperation(t *testing.T) {
	err := RecoverableOperation(nil, "panicky", func() error {
		panic("dm table vanished")
	})
	if err == nil {
		t.Fatal("panic was not converted to an error")
	}
}
