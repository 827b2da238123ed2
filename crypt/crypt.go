// Package crypt wraps cryptsetup behind the CryptMapper capability: detect
// whether a device backs a dm-crypt mapping, read a mapping's size, and
// resize it. It never formats, opens, or closes mappings.
package crypt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// SectorSize is the dm sector unit used by `cryptsetup resize --size`.
const SectorSize = 512

// ErrNotMapped is returned when the named mapping does not exist.
var ErrNotMapped = errors.New("no such crypt mapping")

// Status describes an active dm-crypt mapping.
type Status struct {
	// Name is the mapping name under /dev/mapper.
	Name string
	// DevicePath is the mapping's device node.
	DevicePath string
	// BackingDevice is the device the mapping sits on.
	BackingDevice string
	// SizeBytes is the mapping's current size.
	SizeBytes int64
	// OffsetBytes is the start offset into the backing device (the LUKS
	// header lives below it). Mapping size tracks backing size minus this.
	OffsetBytes int64
}

// Client wraps cryptsetup operations.
type Client struct {
	logger logrus.FieldLogger
}

// New creates a new cryptsetup client.
func New(logger logrus.FieldLogger) *Client {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Client{logger: logger.WithField("component", "crypt")}
}

// IsMapped reports whether devicePath backs an active crypt mapping, and
// if so returns the mapping name. Detection walks the device's holders in
// sysfs and checks each holder's dm UUID for the CRYPT- prefix, which is
// how the kernel tags dm-crypt targets.
func (c *Client) IsMapped(devicePath string) (string, bool) {
	kname, err := filepath.EvalSymlinks(devicePath)
	if err != nil {
		return "", false
	}
	holdersDir := filepath.Join("/sys/class/block", filepath.Base(kname), "holders")
	holders, err := os.ReadDir(holdersDir)
	if err != nil {
		return "", false
	}
	for _, h := range holders {
		uuid, err := os.ReadFile(filepath.Join("/sys/class/block", h.Name(), "dm", "uuid"))
		if err != nil {
			continue
		}
		if !strings.HasPrefix(string(uuid), "CRYPT-") {
			continue
		}
		name, err := os.ReadFile(filepath.Join("/sys/class/block", h.Name(), "dm", "name"))
		if err != nil {
			continue
		}
		return strings.TrimSpace(string(name)), true
	}
	return "", false
}

// GetStatus reads the mapping's state via `cryptsetup status`.
func (c *Client) GetStatus(ctx context.Context, name string) (*Status, error) {
	out, err := c.run(ctx, "status", name)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "inactive") ||
			strings.Contains(strings.ToLower(err.Error()), "not active") {
			return nil, fmt.Errorf("%w: %s", ErrNotMapped, name)
		}
		return nil, err
	}
	st, err := parseStatus(name, out)
	if err != nil {
		return nil, fmt.Errorf("parsing cryptsetup status for %s: %w", name, err)
	}
	return st, nil
}

// GetSize returns the mapping's current size in bytes.
func (c *Client) GetSize(ctx context.Context, name string) (int64, error) {
	st, err := c.GetStatus(ctx, name)
	if err != nil {
		return 0, err
	}
	return st.SizeBytes, nil
}

// Resize sets the mapping to exactly newSizeBytes. The size must be a
// multiple of the dm sector size; growth additionally requires the backing
// device to have been extended first, which the plan ordering guarantees.
func (c *Client) Resize(ctx context.Context, name string, newSizeBytes int64) error {
	if newSizeBytes <= 0 {
		return fmt.Errorf("mapping size must be positive: %d", newSizeBytes)
	}
	if newSizeBytes%SectorSize != 0 {
		return fmt.Errorf("mapping size %d is not a multiple of the %d-byte sector", newSizeBytes, SectorSize)
	}
	c.logger.WithFields(logrus.Fields{
		"mapping":    name,
		"size_bytes": newSizeBytes,
	}).Info("resizing crypt mapping")

	_, err := c.run(ctx, "resize", "--size", strconv.FormatInt(newSizeBytes/SectorSize, 10), name)
	return err
}

func (c *Client) run(ctx context.Context, args ...string) ([]byte, error) {
	logger := c.logger.WithFields(logrus.Fields{
		"command": "cryptsetup",
		"args":    args,
	})
	logger.Debug("executing cryptsetup")

	startTime := time.Now()
	cmd := exec.CommandContext(ctx, "cryptsetup", args...)
	output, err := cmd.CombinedOutput()
	duration := time.Since(startTime)

	logger.WithFields(logrus.Fields{
		"duration_ms": duration.Milliseconds(),
		"exit_code":   cmd.ProcessState.ExitCode(),
	}).Debug("cryptsetup completed")

	if err != nil {
		outText := strings.TrimSpace(string(output))
		logger.WithFields(logrus.Fields{
			"error":  err.Error(),
			"output": outText,
		}).Error("cryptsetup failed")
		return nil, fmt.Errorf("cryptsetup %s failed: %w: %s", args[0], err, outText)
	}
	return output, nil
}

// parseStatus extracts the fields this package cares about from
// `cryptsetup status` output, which looks like:
//
//	/dev/mapper/crypt-data is active and is in use.
//	  type:    LUKS2
//	  device:  /dev/mapper/vg0-data
//	  sector size:  512
//	  offset:  32768 sectors
//	  size:    1015808 sectors
func parseStatus(name string, out []byte) (*Status, error) {
	st := &Status{
		Name:       name,
		DevicePath: "/dev/mapper/" + name,
	}
	for _, line := range strings.Split(string(out), "\n") {
		key, val, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		val = strings.TrimSpace(val)
		switch strings.TrimSpace(key) {
		case "device":
			st.BackingDevice = val
		case "size":
			sectors, err := parseSectors(val)
			if err != nil {
				return nil, fmt.Errorf("size field: %w", err)
			}
			st.SizeBytes = sectors * SectorSize
		case "offset":
			sectors, err := parseSectors(val)
			if err != nil {
				return nil, fmt.Errorf("offset field: %w", err)
			}
			st.OffsetBytes = sectors * SectorSize
		}
	}
	if st.SizeBytes == 0 {
		return nil, fmt.Errorf("no size field in status output")
	}
	return st, nil
}

func parseSectors(val string) (int64, error) {
	fields := strings.Fields(val)
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty value")
	}
	return strconv.ParseInt(fields[0], 10, 64)
}
