// Package cli implements the stackresize command line interface. Each
// subcommand wires the probe, plan, execute and verify packages together;
// the pipeline packages themselves never touch flags or process exit.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	stackresize "github.com/superfly/stackresize"
	"github.com/superfly/stackresize/crypt"
	"github.com/superfly/stackresize/database"
	"github.com/superfly/stackresize/fsys"
	"github.com/superfly/stackresize/journal"
	"github.com/superfly/stackresize/lvm"
	"github.com/superfly/stackresize/mounttab"
	"github.com/superfly/stackresize/probe"
)

// Config holds CLI configuration.
type Config struct {
	// Database Configuration
	DBPath      string
	JournalPath string

	// Logging
	LogLevel string

	// Metrics Configuration
	MetricsListen string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		DBPath:      "/var/lib/stackresize/runs.db",
		JournalPath: "/var/lib/stackresize/journal.db",
		LogLevel:    "info",
	}
}

var (
	config = DefaultConfig()

	log = logrus.New()
)

func setupLogger() error {
	level, err := logrus.ParseLevel(config.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", config.LogLevel, err)
	}
	log.SetLevel(level)
	log.SetOutput(os.Stderr)
	return nil
}

// openDatabase opens the run-history database, creating its directory if
// needed.
func openDatabase() (*database.DB, error) {
	if err := os.MkdirAll(filepath.Dir(config.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	cfg := database.DefaultConfig()
	cfg.Path = config.DBPath
	return database.New(cfg)
}

func openJournal() (*journal.Journal, error) {
	if err := os.MkdirAll(filepath.Dir(config.JournalPath), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	return journal.Open(config.JournalPath)
}

// newProber assembles a Prober over the live system. The returned fsys
// client is shared with the executor and verifier.
func newProber() (*probe.Prober, *lvm.Client, *crypt.Client, *fsys.Client, *mounttab.Table, error) {
	mounts, err := mounttab.Load()
	if err != nil {
		return nil, nil, nil, nil, nil, &stackresize.ProbeError{Device: "/proc/self/mounts", Err: err}
	}
	volumes := lvm.New(log)
	crypto := crypt.New(log)
	filesystems := fsys.New(log)
	p := &probe.Prober{
		Volumes: volumes,
		Crypt:   crypto,
		FS:      filesystems,
		Mounts:  mounts,
		Logger:  log,
	}
	return p, volumes, crypto, filesystems, mounts, nil
}

func printStack(stack *stackresize.StorageStack) {
	fmt.Printf("Device: %s\n", stack.Device)
	for _, layer := range stack.Layers {
		mounted := ""
		if layer.Mounted() {
			mounted = fmt.Sprintf(" mounted at %s", layer.Mountpoint)
		}
		fstype := ""
		if layer.FSType != "" {
			fstype = fmt.Sprintf(" [%s]", layer.FSType)
		}
		fmt.Printf("  %-13s %s%s  %s%s\n",
			layer.Kind, layer.ID, fstype, stackresize.FormatBytes(layer.SizeBytes), mounted)
	}
}

func printPlan(p *stackresize.ResizePlan) {
	fmt.Printf("Plan: %s %s by %s (requested %s, extent %s)\n",
		p.Op(), p.Device,
		stackresize.FormatBytes(abs(p.EffectiveDeltaBytes)),
		stackresize.FormatBytes(abs(p.RequestedDeltaBytes)),
		stackresize.FormatBytes(p.ExtentBytes))
	for i, step := range p.Steps {
		fmt.Printf("  %d. %s %-13s %s: %s -> %s\n",
			i+1, step.Op, step.Layer.Kind, step.Layer.ID,
			stackresize.FormatBytes(step.OldSizeBytes),
			stackresize.FormatBytes(step.NewSizeBytes))
	}
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
