// Package safeguards provides in-process concurrency control and recovery
// mechanisms around device-mutating operations. The advisory database lock
// serializes resize runs across processes; the OperationGuard here
// additionally serializes them within one process and gates each run on a
// cheap system health check, since resizing a device-mapper stack that is
// already wedged only makes it worse.
package safeguards

import (
	"context"
	"fmt"
	"os/exec"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// OperationGuard provides serialized access to device-mutating operations.
type OperationGuard struct {
	mu              sync.Mutex
	semaphore       chan struct{}
	maxConcurrent   int
	activeOps       int
	logger          logrus.FieldLogger
	healthCheckFunc func(context.Context) error
}

// GuardConfig configures the operation guard.
type GuardConfig struct {
	// MaxConcurrent is the maximum number of concurrent device operations
	// (default: 1). Layer ordering is a correctness requirement, so resize
	// runs are never parallelized; a value above 1 only makes sense for
	// callers orchestrating unrelated stacks.
	MaxConcurrent int
	// Logger for logging operations
	Logger logrus.FieldLogger
	// HealthCheckFunc is called before each operation to verify system health
	HealthCheckFunc func(context.Context) error
}

// NewOperationGuard creates a new operation guard.
func NewOperationGuard(cfg GuardConfig) *OperationGuard {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &OperationGuard{
		semaphore:       make(chan struct{}, cfg.MaxConcurrent),
		maxConcurrent:   cfg.MaxConcurrent,
		logger:          cfg.Logger.WithField("component", "operation-guard"),
		healthCheckFunc: cfg.HealthCheckFunc,
	}
}

// Acquire acquires a slot for a device operation. It performs the health
// check before allowing the operation to proceed.
func (g *OperationGuard) Acquire(ctx context.Context, opName string) error {
	g.logger.WithField("operation", opName).Debug("acquiring operation slot")

	select {
	case g.semaphore <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("context cancelled while waiting for operation slot: %w", ctx.Err())
	}

	g.mu.Lock()
	g.activeOps++
	activeOps := g.activeOps
	g.mu.Unlock()

	g.logger.WithFields(logrus.Fields{
		"operation":  opName,
		"active_ops": activeOps,
	}).Debug("acquired operation slot")

	if g.healthCheckFunc != nil {
		if err := g.healthCheckFunc(ctx); err != nil {
			g.Release(opName)
			return fmt.Errorf("health check failed before operation %s: %w", opName, err)
		}
	}

	return nil
}

// Release releases an operation slot.
func (g *OperationGuard) Release(opName string) {
	g.mu.Lock()
	g.activeOps--
	activeOps := g.activeOps
	g.mu.Unlock()

	<-g.semaphore

	g.logger.WithFields(logrus.Fields{
		"operation":  opName,
		"active_ops": activeOps,
	}).Debug("released operation slot")
}

// ActiveOperations returns the number of active operations.
func (g *OperationGuard) ActiveOperations() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.activeOps
}

// WithOperation executes a function with operation guard protection.
func (g *OperationGuard) WithOperation(ctx context.Context, opName string, fn func() error) error {
	if err := g.Acquire(ctx, opName); err != nil {
		return err
	}
	defer g.Release(opName)
	return fn()
}

// RecoverableOperation wraps a function with panic recovery.
func RecoverableOperation(logger logrus.FieldLogger, opName string, fn func() error) (err error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			logger.WithFields(logrus.Fields{
				"operation": opName,
				"panic":     r,
				"stack":     string(stack),
			}).Error("recovered from panic in operation")
			err = fmt.Errorf("panic in operation %s: %v", opName, r)
		}
	}()
	return fn()
}

// SystemHealthChecker verifies the device-mapper stack is in a state where
// resizing it is sane.
type SystemHealthChecker struct {
	logger logrus.FieldLogger
}

// NewSystemHealthChecker creates a new health checker.
func NewSystemHealthChecker(logger logrus.FieldLogger) *SystemHealthChecker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &SystemHealthChecker{
		logger: logger.WithField("component", "health-checker"),
	}
}

// CheckAll performs all health checks.
func (h *SystemHealthChecker) CheckAll(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := h.checkDStateProcesses(checkCtx); err != nil {
		return err
	}
	if err := h.checkSuspendedDevices(checkCtx); err != nil {
		return err
	}
	return nil
}

// checkDStateProcesses looks for dm-related processes stuck in
// uninterruptible sleep. A resize layered on a hung device-mapper stack
// joins the hang instead of failing cleanly.
func (h *SystemHealthChecker) checkDStateProcesses(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "bash", "-c", "ps aux | awk '$8 ~ /^D/ {print $0}'")
	output, err := cmd.Output()
	if err != nil {
		return nil // health check is best-effort
	}

	outputStr := strings.TrimSpace(string(output))
	if outputStr == "" {
		return nil
	}
	for _, line := range strings.Split(outputStr, "\n") {
		if strings.Contains(line, "dm-") || strings.Contains(line, "kworker") ||
			strings.Contains(line, "jbd2") || strings.Contains(line, "xfs") {
			h.logger.WithField("processes", outputStr).Warn("D-state processes detected")
			return fmt.Errorf("D-state processes detected - device stack may be hung: %s", line)
		}
	}
	return nil
}

// checkSuspendedDevices refuses to operate while any dm device is
// suspended. A suspended device queues I/O indefinitely, and lvresize
// itself suspends devices mid-flight, so finding one means another tool is
// (or was) in the middle of something.
func (h *SystemHealthChecker) checkSuspendedDevices(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "dmsetup", "info", "-c", "--noheadings", "-o", "name,suspended")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil // dmsetup may be absent; best-effort
	}
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		if strings.Contains(line, "Suspended") {
			name, _, _ := strings.Cut(strings.TrimSpace(line), ":")
			h.logger.WithField("device", name).Warn("suspended dm device detected")
			return fmt.Errorf("device-mapper device %s is suspended", name)
		}
	}
	return nil
}
