package cli

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	stackresize "github.com/superfly/stackresize"
	"github.com/superfly/stackresize/database"
	"github.com/superfly/stackresize/execute"
	"github.com/superfly/stackresize/journal"
	"github.com/superfly/stackresize/perf"
	"github.com/superfly/stackresize/plan"
	"github.com/superfly/stackresize/safeguards"
	"github.com/superfly/stackresize/verify"
)

var (
	resizeDevice        string
	resizeDelta         string
	resizeDryRun        bool
	resizeSkipVerify    bool
	resizeSettleTimeout time.Duration
)

var resizeCmd = &cobra.Command{
	Use:   "resize",
	Short: "Resize a storage stack by a signed delta",
	Long: `Probe the stack behind --device, plan a resize by --delta, and apply it
layer by layer. Grows run bottom-up, shrinks top-down. The request is
validated against every layer's capabilities before anything is changed;
an unsupported request leaves the stack untouched.

The delta is rounded to the volume group's extent size: up for grows,
down for shrinks (a shrink never takes more than asked).`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		delta, err := stackresize.ParseDelta(resizeDelta)
		if err != nil {
			return err
		}
		if delta == 0 {
			return fmt.Errorf("--delta must be non-zero")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return runResize(ctx, resizeDevice, delta)
	},
}

func runResize(ctx context.Context, device string, delta int64) error {
	prober, volumes, crypto, filesystems, mounts, err := newProber()
	if err != nil {
		return err
	}

	stack, err := prober.Probe(ctx, device)
	if err != nil {
		return err
	}
	printStack(stack)

	extent, err := volumes.ExtentSize(ctx, device)
	if err != nil {
		return &stackresize.ProbeError{Device: device, Err: err}
	}

	p, err := plan.Plan(stack, delta, extent)
	if err != nil {
		return err
	}
	printPlan(p)

	if resizeDryRun {
		fmt.Println("Dry run: nothing applied.")
		return nil
	}

	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	jnl, err := openJournal()
	if err != nil {
		return err
	}
	defer jnl.Close()

	// Usable capacity before the run feeds the verifier's monotonicity
	// check. Zero when no filesystem is mounted.
	var usableBefore int64
	if fs, ok := stack.Layer(stackresize.LayerFilesystem); ok && fs.Mounted() {
		usableBefore, err = filesystems.UsableSize(fs.Mountpoint)
		if err != nil {
			log.WithError(err).Warn("failed to read usable capacity before run")
			usableBefore = 0
		}
	}

	health := safeguards.NewSystemHealthChecker(log)
	guard := safeguards.NewOperationGuard(safeguards.GuardConfig{
		MaxConcurrent:   1,
		Logger:          log,
		HealthCheckFunc: health.CheckAll,
	})

	reg := prometheus.NewRegistry()
	metrics := perf.NewMetrics(reg)
	if config.MetricsListen != "" {
		go serveMetrics(config.MetricsListen, reg)
	}

	executor := &execute.Executor{
		Volumes:       volumes,
		Crypt:         crypto,
		FS:            filesystems,
		Mounts:        mounts,
		Locks:         db,
		Journal:       &runRecorder{journal: jnl, db: db, ctx: ctx},
		Guard:         guard,
		Metrics:       metrics,
		SettleTimeout: resizeSettleTimeout,
		Logger:        log,
	}

	result, execErr := executor.Execute(ctx, p)
	if result != nil {
		if err := db.StoreRunResult(ctx, result, execErr); err != nil {
			log.WithError(err).Error("failed to store run result")
		}
		printResult(result)
	}
	if execErr != nil {
		return execErr
	}

	if resizeSkipVerify {
		return nil
	}

	// Verification is advisory. A failed check is a warning, not an error:
	// the resize itself already happened and already verified each step's
	// postcondition.
	verifier := &verify.Verifier{Prober: prober, Capacity: filesystems, Logger: log}
	report := verifier.Verify(ctx, p, result, usableBefore)
	if report.OK {
		fmt.Println("Verification passed.")
		return nil
	}
	for _, finding := range report.Findings {
		log.WithField("device", finding.Device).Warn(finding.Reason)
	}
	fmt.Printf("Verification found %d inconsistencies (see warnings above).\n", len(report.Findings))
	return nil
}

func printResult(result *stackresize.ExecutionResult) {
	for i, sr := range result.Steps {
		line := fmt.Sprintf("  %d. %-13s %s: %s", i+1, sr.Step.Layer.Kind, sr.Step.Layer.ID, sr.Outcome)
		if sr.Error != "" {
			line += " (" + sr.Error + ")"
		}
		fmt.Println(line)
	}
	if result.Succeeded() {
		fmt.Printf("Run %s succeeded: %s is now %s.\n",
			result.RunID, result.Device, stackresize.FormatBytes(result.FinalSizeBytes))
	} else {
		fmt.Printf("Run %s halted; the stack was left as recorded above.\n", result.RunID)
	}
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithError(err).Error("metrics listener failed")
	}
}

// runRecorder fans the executor's journaling out to the crash-consistent
// bbolt journal and the sqlite run history. The history row is written at
// BeginRun so an in-flight (or crashed) run is visible as status=running;
// the CLI finalizes it after Execute returns, when the halt error is known.
type runRecorder struct {
	journal *journal.Journal
	db      *database.DB
	ctx     context.Context
}

func (r *runRecorder) BeginRun(runID, device string, p *stackresize.ResizePlan) error {
	if err := r.journal.BeginRun(runID, device, p); err != nil {
		return err
	}
	return r.db.StoreRunStart(r.ctx, runID, p)
}

func (r *runRecorder) RecordStep(runID string, stepIndex int, state stackresize.StepState, detail string) error {
	return r.journal.RecordStep(runID, stepIndex, state, detail)
}

func (r *runRecorder) FinishRun(runID string, result *stackresize.ExecutionResult) error {
	return r.journal.FinishRun(runID, result)
}

func init() {
	resizeCmd.Flags().StringVar(&resizeDevice, "device", "", "Volume identity, vg/lv or /dev path (required)")
	resizeCmd.Flags().StringVar(&resizeDelta, "delta", "", "Signed size delta, e.g. +200MiB or -1GiB (required)")
	resizeCmd.Flags().BoolVar(&resizeDryRun, "dry-run", false, "Print the plan without applying it")
	resizeCmd.Flags().BoolVar(&resizeSkipVerify, "skip-verify", false, "Skip the post-run verification pass")
	resizeCmd.Flags().DurationVar(&resizeSettleTimeout, "settle-timeout", 0, "How long to wait for a layer to report its new size (default 10s)")
	resizeCmd.Flags().StringVar(&config.MetricsListen, "metrics-listen", "", "Serve Prometheus metrics on this address during the run")
	resizeCmd.MarkFlagRequired("device")
	resizeCmd.MarkFlagRequired("delta")
	rootCmd.AddCommand(resizeCmd)
}
