// Package fsys wraps filesystem tooling behind the FilesystemTool
// capability: detect a filesystem on a device, report its exact, usable
// and minimum sizes, answer capability questions, and resize it in place.
// It never formats, mounts, or unmounts; mount state is read-only input
// (see the mounttab package).
//
// Supported filesystems and their resize capabilities:
//
//	ext2/ext3/ext4  grow online or offline (resize2fs), shrink offline only
//	xfs             grow online only (xfs_growfs), no shrink at all
//
// Anything else probes fine but plans as resize-incapable.
//
// Sizes are read from the filesystem's own superblock (dumpe2fs for ext,
// xfs_info for xfs) rather than statfs, so they change exactly when a
// resize tool runs and support the executor's equality checks. statfs is
// used only for usable-capacity reporting.
package fsys

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const kib = 1024

// ErrNoFilesystem is returned when blkid finds no filesystem signature.
var ErrNoFilesystem = errors.New("no filesystem detected")

// Client wraps filesystem tool invocations.
type Client struct {
	logger logrus.FieldLogger
}

// New creates a new filesystem tool client.
func New(logger logrus.FieldLogger) *Client {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Client{logger: logger.WithField("component", "fsys")}
}

// Detect returns the filesystem type on devicePath, or ErrNoFilesystem if
// the device carries no recognizable signature.
func (c *Client) Detect(ctx context.Context, devicePath string) (string, error) {
	out, err := c.run(ctx, "blkid", "-s", "TYPE", "-o", "value", devicePath)
	if err != nil {
		// blkid exits 2 when no signature is found; that is a clean
		// "no filesystem" answer, not a probe failure.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 2 {
			return "", ErrNoFilesystem
		}
		return "", err
	}
	fsType := strings.TrimSpace(string(out))
	if fsType == "" {
		return "", ErrNoFilesystem
	}
	return fsType, nil
}

// GetSize returns the filesystem's exact size in bytes as recorded in its
// own superblock. mountpoint is required for xfs (xfs_info reads the
// mounted filesystem) and ignored for ext.
func (c *Client) GetSize(ctx context.Context, devicePath, fsType, mountpoint string) (int64, error) {
	switch {
	case isExt(fsType):
		blocks, blockSize, err := c.extGeometry(ctx, devicePath)
		if err != nil {
			return 0, err
		}
		return blocks * blockSize, nil
	case fsType == "xfs":
		target := mountpoint
		if target == "" {
			target = devicePath
		}
		out, err := c.run(ctx, "xfs_info", target)
		if err != nil {
			return 0, err
		}
		return parseXFSSize(out)
	default:
		return 0, fmt.Errorf("cannot read size of filesystem type %q", fsType)
	}
}

// UsableSize returns the mounted filesystem's usable capacity in bytes via
// statfs. This is smaller than GetSize by the filesystem's own overhead;
// the verifier uses it for direction-of-change checks, never equality.
func (c *Client) UsableSize(mountpoint string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(mountpoint, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", mountpoint, err)
	}
	return int64(st.Blocks) * st.Bsize, nil
}

// MinSize returns the smallest size the filesystem can shrink to, in
// bytes. For ext filesystems this asks resize2fs for its estimate; for
// xfs (and anything unknown) the minimum is the current size since no
// shrink is possible.
func (c *Client) MinSize(ctx context.Context, devicePath, fsType string, currentSizeBytes int64) (int64, error) {
	if !isExt(fsType) {
		return currentSizeBytes, nil
	}
	_, blockSize, err := c.extGeometry(ctx, devicePath)
	if err != nil {
		return 0, err
	}
	out, err := c.run(ctx, "resize2fs", "-P", devicePath)
	if err != nil {
		return 0, err
	}
	blocks, err := parseMinBlocks(out)
	if err != nil {
		return 0, err
	}
	return blocks * blockSize, nil
}

// SupportsGrow reports whether fsType can grow given its mount state.
// ext grows mounted or unmounted; xfs grows only while mounted.
func (c *Client) SupportsGrow(fsType string, mounted bool) bool {
	if isExt(fsType) {
		return true
	}
	return fsType == "xfs" && mounted
}

// SupportsShrink reports whether fsType can shrink given its mount state.
// ext filesystems shrink offline only; xfs never shrinks. The planner asks
// this before any mutation, so an unsupported shrink fails the whole
// request up front.
func (c *Client) SupportsShrink(fsType string, mounted bool) bool {
	return isExt(fsType) && !mounted
}

// Resize sets the filesystem on devicePath to exactly newSizeBytes.
// mountpoint is required for xfs growth (xfs_growfs operates on the mount
// path) and ignored for ext.
func (c *Client) Resize(ctx context.Context, devicePath, fsType, mountpoint string, newSizeBytes int64) error {
	logger := c.logger.WithFields(logrus.Fields{
		"device":     devicePath,
		"fs_type":    fsType,
		"size_bytes": newSizeBytes,
	})

	switch {
	case isExt(fsType):
		logger.Info("resizing ext filesystem")
		if newSizeBytes%kib != 0 {
			return fmt.Errorf("ext resize target %d is not KiB-aligned", newSizeBytes)
		}
		sizeArg := fmt.Sprintf("%dK", newSizeBytes/kib)
		_, err := c.run(ctx, "resize2fs", devicePath, sizeArg)
		return err
	case fsType == "xfs":
		if mountpoint == "" {
			return fmt.Errorf("xfs growth requires a mounted filesystem")
		}
		logger.Info("growing xfs filesystem")
		// xfs only ever grows to fill its device, which the plan has
		// already extended; no explicit size needed.
		_, err := c.run(ctx, "xfs_growfs", mountpoint)
		return err
	default:
		return fmt.Errorf("filesystem type %q is not resizable by this tool", fsType)
	}
}

// extGeometry reads block count and block size from the ext superblock.
// dumpe2fs works on mounted and unmounted filesystems alike.
func (c *Client) extGeometry(ctx context.Context, devicePath string) (blocks, blockSize int64, err error) {
	out, err := c.run(ctx, "dumpe2fs", "-h", devicePath)
	if err != nil {
		return 0, 0, err
	}
	return parseExtGeometry(out)
}

func (c *Client) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	logger := c.logger.WithFields(logrus.Fields{
		"command": name,
		"args":    args,
	})
	logger.Debug("executing filesystem tool")

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
	}).Debug("filesystem tool completed")

	if err != nil {
		errText := strings.TrimSpace(stderr.String())
		logger.WithFields(logrus.Fields{
			"error":  err.Error(),
			"stderr": errText,
		}).Error("filesystem tool failed")
		return nil, fmt.Errorf("%s failed: %w: %s", name, err, errText)
	}
	return []byte(stdout.String()), nil
}

func isExt(fsType string) bool {
	switch fsType {
	case "ext2", "ext3", "ext4":
		return true
	}
	return false
}

// parseExtGeometry extracts "Block count:" and "Block size:" from
// dumpe2fs -h output.
func parseExtGeometry(out []byte) (blocks, blockSize int64, err error) {
	for _, line := range strings.Split(string(out), "\n") {
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		val = strings.TrimSpace(val)
		switch strings.TrimSpace(key) {
		case "Block count":
			blocks, err = strconv.ParseInt(val, 10, 64)
		case "Block size":
			blockSize, err = strconv.ParseInt(val, 10, 64)
		}
		if err != nil {
			return 0, 0, fmt.Errorf("unparseable dumpe2fs field %q: %w", strings.TrimSpace(key), err)
		}
	}
	if blocks == 0 || blockSize == 0 {
		return 0, 0, fmt.Errorf("dumpe2fs output missing block count or block size")
	}
	return blocks, blockSize, nil
}

// parseXFSSize extracts total bytes from xfs_info's data line:
//
//	data     =                       bsize=4096   blocks=130816, imaxpct=25
func parseXFSSize(out []byte) (int64, error) {
	var bsize, blocks int64
	for _, line := range strings.Split(string(out), "\n") {
		if !strings.HasPrefix(strings.TrimSpace(line), "data") {
			continue
		}
		for _, field := range strings.FieldsFunc(line, func(r rune) bool {
			return r == ' ' || r == ',' || r == '\t'
		}) {
			if v, ok := strings.CutPrefix(field, "bsize="); ok {
				n, err := strconv.ParseInt(v, 10, 64)
				if err != nil {
					return 0, fmt.Errorf("unparseable bsize %q: %w", v, err)
				}
				bsize = n
			}
			if v, ok := strings.CutPrefix(field, "blocks="); ok {
				n, err := strconv.ParseInt(v, 10, 64)
				if err != nil {
					return 0, fmt.Errorf("unparseable blocks %q: %w", v, err)
				}
				blocks = n
			}
		}
		if bsize > 0 && blocks > 0 {
			return bsize * blocks, nil
		}
	}
	return 0, fmt.Errorf("no data geometry in xfs_info output")
}

// parseMinBlocks extracts the estimate from resize2fs -P output:
//
//	Estimated minimum size of the filesystem: 33054
//
// The figure is in filesystem blocks; callers multiply by the block size
// from the superblock.
func parseMinBlocks(out []byte) (int64, error) {
	for _, line := range strings.Split(string(out), "\n") {
		_, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		blocks, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("unparseable minimum size %q: %w", strings.TrimSpace(val), err)
		}
		return blocks, nil
	}
	return 0, fmt.Errorf("no minimum size estimate in resize2fs output")
}
