// Package lvm wraps the lvm2 command-line tools behind the narrow
// VolumeManager capability the resize pipeline needs: read a logical
// volume's size, read its volume group's extent granularity, and resize it.
//
// Requires:
//   - Linux with lvm2 installed (lvs, vgs, lvextend, lvreduce)
//   - Root privileges
//
// The package never creates or removes volumes; resizing the bottom layer
// of an existing stack is its whole surface. Errors from lvm2 are
// classified by inspecting stderr, since lvm2 exit codes do not
// distinguish failure causes.
package lvm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrNotFound is returned when the volume or volume group does not exist.
	ErrNotFound = errors.New("logical volume not found")

	// ErrInsufficientSpace is returned when the volume group has no free
	// extents for the requested extension.
	ErrInsufficientSpace = errors.New("insufficient free space in volume group")

	// ErrInUse is returned when lvm2 refuses to shrink a volume whose
	// filesystem it considers in use.
	ErrInUse = errors.New("volume in use")
)

// Volume describes a logical volume as reported by lvs.
type Volume struct {
	VGName    string
	LVName    string
	Path      string
	SizeBytes int64
}

// FullName returns the "vg/lv" identity.
func (v Volume) FullName() string {
	return v.VGName + "/" + v.LVName
}

// Client wraps lvm2 operations.
type Client struct {
	logger logrus.FieldLogger
}

// New creates a new lvm client.
func New(logger logrus.FieldLogger) *Client {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Client{logger: logger.WithField("component", "lvm")}
}

// GetVolume reads the current state of the named logical volume.
// Accepts "vg/lv" or a /dev path; lvs resolves both.
func (c *Client) GetVolume(ctx context.Context, id string) (*Volume, error) {
	out, err := c.run(ctx, "lvs", "--reportformat=json", "--units=b", "--nosuffix",
		"--options=vg_name,lv_name,lv_path,lv_size", id)
	if err != nil {
		return nil, classify(err)
	}
	vols, err := parseLVSReport(out)
	if err != nil {
		return nil, fmt.Errorf("parsing lvs report for %s: %w", id, err)
	}
	if len(vols) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if len(vols) > 1 {
		return nil, fmt.Errorf("ambiguous volume identity %s: %d matches", id, len(vols))
	}
	return &vols[0], nil
}

// GetSize returns the current size of the named logical volume in bytes.
func (c *Client) GetSize(ctx context.Context, id string) (int64, error) {
	v, err := c.GetVolume(ctx, id)
	if err != nil {
		return 0, err
	}
	return v.SizeBytes, nil
}

// ExtentSize returns the extent granularity of the named volume's group in
// bytes. Resize targets must be multiples of this value.
func (c *Client) ExtentSize(ctx context.Context, id string) (int64, error) {
	v, err := c.GetVolume(ctx, id)
	if err != nil {
		return 0, err
	}
	out, err := c.run(ctx, "vgs", "--reportformat=json", "--units=b", "--nosuffix",
		"--options=vg_name,vg_extent_size", v.VGName)
	if err != nil {
		return 0, classify(err)
	}
	return parseVGSExtentSize(out, v.VGName)
}

// Resize sets the named logical volume to exactly newSizeBytes, choosing
// lvextend or lvreduce from the current size. newSizeBytes must already be
// a multiple of the VG extent size; lvm2 rejects unaligned sizes rather
// than silently rounding, so planning-time rounding errors surface here.
//
// Shrinks pass --force: the filesystem above has already been shrunk (or
// verified absent) by the time the planner lets a volume reduce run, and
// lvreduce's own fs heuristics would otherwise block dm-crypt stacks it
// cannot see through. Resize never touches the filesystem itself
// (--fs ignore); filesystem resizing is the fsys package's job.
func (c *Client) Resize(ctx context.Context, id string, newSizeBytes int64) error {
	cur, err := c.GetSize(ctx, id)
	if err != nil {
		return err
	}
	sizeArg := fmt.Sprintf("%db", newSizeBytes)

	logger := c.logger.WithFields(logrus.Fields{
		"volume":     id,
		"size_bytes": newSizeBytes,
	})

	switch {
	case newSizeBytes == cur:
		logger.Info("volume already at target size")
		return nil
	case newSizeBytes > cur:
		logger.Info("extending logical volume")
		_, err = c.run(ctx, "lvextend", "--yes", "--fs", "ignore", "-L", sizeArg, id)
	default:
		logger.Info("reducing logical volume")
		_, err = c.run(ctx, "lvreduce", "--yes", "--force", "--fs", "ignore", "-L", sizeArg, id)
	}
	if err != nil {
		return classify(err)
	}
	return nil
}

// run executes an lvm2 tool and returns stdout. Stderr is folded into the
// returned error for classification.
func (c *Client) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	logger := c.logger.WithFields(logrus.Fields{
		"command": name,
		"args":    args,
	})
	logger.Debug("executing lvm command")

	startTime := time.Now()
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	duration := time.Since(startTime)

	logger.WithFields(logrus.Fields{
		"duration_ms": duration.Milliseconds(),
		"exit_code":   cmd.ProcessState.ExitCode(),
	}).Debug("lvm command completed")

	if err != nil {
		errText := strings.TrimSpace(stderr.String())
		logger.WithFields(logrus.Fields{
			"error":  err.Error(),
			"stderr": errText,
		}).Error("lvm command failed")
		return nil, fmt.Errorf("%s failed: %w: %s", name, err, errText)
	}
	return []byte(stdout.String()), nil
}

// lvsReport mirrors the JSON shape of `lvs --reportformat=json`.
type lvsReport struct {
	Report []struct {
		LV []struct {
			VGName string `json:"vg_name"`
			LVName string `json:"lv_name"`
			LVPath string `json:"lv_path"`
			LVSize string `json:"lv_size"`
		} `json:"lv"`
		VG []struct {
			VGName       string `json:"vg_name"`
			VGExtentSize string `json:"vg_extent_size"`
		} `json:"vg"`
	} `json:"report"`
}

func parseLVSReport(data []byte) ([]Volume, error) {
	var report lvsReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, err
	}
	var vols []Volume
	for _, r := range report.Report {
		for _, lv := range r.LV {
			size, err := strconv.ParseInt(strings.TrimSpace(lv.LVSize), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("unparseable lv_size %q for %s/%s: %w", lv.LVSize, lv.VGName, lv.LVName, err)
			}
			vols = append(vols, Volume{
				VGName:    lv.VGName,
				LVName:    lv.LVName,
				Path:      lv.LVPath,
				SizeBytes: size,
			})
		}
	}
	return vols, nil
}

func parseVGSExtentSize(data []byte, vgName string) (int64, error) {
	var report lvsReport
	if err := json.Unmarshal(data, &report); err != nil {
		return 0, err
	}
	for _, r := range report.Report {
		for _, vg := range r.VG {
			if vg.VGName != vgName {
				continue
			}
			size, err := strconv.ParseInt(strings.TrimSpace(vg.VGExtentSize), 10, 64)
			if err != nil {
				return 0, fmt.Errorf("unparseable vg_extent_size %q for %s: %w", vg.VGExtentSize, vgName, err)
			}
			return size, nil
		}
	}
	return 0, fmt.Errorf("%w: volume group %s", ErrNotFound, vgName)
}

// classify maps lvm2's inconsistent stderr messages onto the package's
// sentinel errors so callers can branch with errors.Is.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "failed to find"), strings.Contains(msg, "not found"):
		return fmt.Errorf("%w: %s", ErrNotFound, err.Error())
	case strings.Contains(msg, "insufficient free space"), strings.Contains(msg, "insufficient suitable"):
		return fmt.Errorf("%w: %s", ErrInsufficientSpace, err.Error())
	case strings.Contains(msg, "in use"):
		return fmt.Errorf("%w: %s", ErrInUse, err.Error())
	default:
		return err
	}
}
