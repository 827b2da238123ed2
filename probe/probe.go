// Package probe inspects a live storage stack bottom-up and reports each
// layer's current size and capabilities. Probing is strictly read-only.
//
// The walk starts from an LVM logical volume, follows the device's sysfs
// holders to find an active dm-crypt mapping stacked on it, and finishes at the
// filesystem (if any) on the topmost device. The result is a one- to
// three-layer StorageStack that planning and verification both consume;
// nothing is cached between probes.
package probe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	stackresize "github.com/superfly/stackresize"
	"github.com/superfly/stackresize/crypt"
	"github.com/superfly/stackresize/fsys"
	"github.com/superfly/stackresize/lvm"
)

// VolumeInfo is the read side of the volume manager used during probing.
type VolumeInfo interface {
	GetVolume(ctx context.Context, id string) (*lvm.Volume, error)
}

// CryptInfo detects and inspects dm-crypt mappings.
type CryptInfo interface {
	IsMapped(devicePath string) (string, bool)
	GetStatus(ctx context.Context, name string) (*crypt.Status, error)
}

// FilesystemInfo is the read side of the filesystem tool used during probing.
type FilesystemInfo interface {
	Detect(ctx context.Context, devicePath string) (string, error)
	GetSize(ctx context.Context, devicePath, fsType, mountpoint string) (int64, error)
	MinSize(ctx context.Context, devicePath, fsType string, currentSizeBytes int64) (int64, error)
	SupportsGrow(fsType string, mounted bool) bool
	SupportsShrink(fsType string, mounted bool) bool
}

// MountInfo answers mount queries from a mount table snapshot.
type MountInfo interface {
	IsMounted(devicePath string) string
}

// Prober walks a storage stack from the named volume upward.
type Prober struct {
	Volumes VolumeInfo
	Crypt   CryptInfo
	FS      FilesystemInfo
	Mounts  MountInfo
	Logger  logrus.FieldLogger
}

// Probe builds the StorageStack for the given device identity. It returns
// a *stackresize.ProbeError when the device does not exist or any layer's
// metadata is unreadable.
func (p *Prober) Probe(ctx context.Context, device string) (*stackresize.StorageStack, error) {
	logger := p.logger().WithField("device", device)
	logger.Debug("probing storage stack")

	vol, err := p.Volumes.GetVolume(ctx, device)
	if err != nil {
		if errors.Is(err, lvm.ErrNotFound) {
			return nil, &stackresize.ProbeError{Device: device, Reason: "logical volume does not exist", Err: err}
		}
		return nil, &stackresize.ProbeError{Device: device, Reason: "reading logical volume", Err: err}
	}

	stack := &stackresize.StorageStack{
		Device:   device,
		ProbedAt: time.Now(),
		Layers: []stackresize.StorageLayer{{
			Kind:           stackresize.LayerBlockVolume,
			ID:             vol.FullName(),
			DevicePath:     vol.Path,
			SizeBytes:      vol.SizeBytes,
			SupportsGrow:   true,
			SupportsShrink: true,
		}},
	}

	// The filesystem (or LUKS container) signature to inspect sits on the
	// volume unless an active crypt mapping intervenes.
	fsDevice := vol.Path
	if name, mapped := p.Crypt.IsMapped(vol.Path); mapped {
		st, err := p.Crypt.GetStatus(ctx, name)
		if err != nil {
			return nil, &stackresize.ProbeError{Device: device, Reason: fmt.Sprintf("reading crypt mapping %s", name), Err: err}
		}
		stack.Layers = append(stack.Layers, stackresize.StorageLayer{
			Kind:           stackresize.LayerCryptMapping,
			ID:             st.Name,
			DevicePath:     st.DevicePath,
			SizeBytes:      st.SizeBytes,
			SupportsGrow:   true,
			SupportsShrink: true,
		})
		fsDevice = st.DevicePath
		logger = logger.WithField("crypt_mapping", name)
	}

	fsType, err := p.FS.Detect(ctx, fsDevice)
	if err != nil {
		if errors.Is(err, fsys.ErrNoFilesystem) {
			logger.Info("no filesystem on top of stack")
			return stack, nil
		}
		return nil, &stackresize.ProbeError{Device: device, Reason: fmt.Sprintf("detecting filesystem on %s", fsDevice), Err: err}
	}

	// A LUKS signature without an active mapping means the stack is only
	// partially assembled: resizing the volume under a closed container
	// would move data the container's view still depends on. Refuse to
	// probe rather than report a stack that looks safely resizable.
	if fsType == "crypto_LUKS" {
		return nil, &stackresize.ProbeError{
			Device: device,
			Reason: fmt.Sprintf("%s holds a LUKS container that is not open; open it before resizing", fsDevice),
		}
	}

	mountpoint := p.Mounts.IsMounted(fsDevice)
	mounted := mountpoint != ""

	fsSize, err := p.FS.GetSize(ctx, fsDevice, fsType, mountpoint)
	if err != nil {
		return nil, &stackresize.ProbeError{Device: device, Reason: fmt.Sprintf("reading %s filesystem size on %s", fsType, fsDevice), Err: err}
	}
	minSize, err := p.FS.MinSize(ctx, fsDevice, fsType, fsSize)
	if err != nil {
		return nil, &stackresize.ProbeError{Device: device, Reason: fmt.Sprintf("reading %s filesystem minimum size", fsType), Err: err}
	}

	stack.Layers = append(stack.Layers, stackresize.StorageLayer{
		Kind:           stackresize.LayerFilesystem,
		ID:             fsDevice,
		DevicePath:     fsDevice,
		SizeBytes:      fsSize,
		MinSizeBytes:   minSize,
		SupportsGrow:   p.FS.SupportsGrow(fsType, mounted),
		SupportsShrink: p.FS.SupportsShrink(fsType, mounted),
		FSType:         fsType,
		Mountpoint:     mountpoint,
	})

	logger.WithFields(logrus.Fields{
		"layers":  len(stack.Layers),
		"fs_type": fsType,
		"mounted": mounted,
	}).Debug("probe complete")
	return stack, nil
}

func (p *Prober) logger() logrus.FieldLogger {
	if p.Logger != nil {
		return p.Logger
	}
	return logrus.StandardLogger().WithField("component", "probe")
}
