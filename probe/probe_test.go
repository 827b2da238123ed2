package probe

import (
	"context"
	"errors"
	"testing"

	stackresize "github.com/superfly/stackresize"
	"github.com/superfly/stackresize/crypt"
	"github.com/superfly/stackresize/fsys"
	"github.com/superfly/stackresize/lvm"
)

type fakeVolumes struct {
	volume *lvm.Volume
	err    error
}

func (f *fakeVolumes) GetVolume(ctx context.Context, id string) (*lvm.Volume, error) {
	return f.volume, f.err
}

type fakeCrypt struct {
	mappingName string
	status      *crypt.Status
	statusErr   error
}

func (f *fakeCrypt) IsMapped(devicePath string) (string, bool) {
	return f.mappingName, f.mappingName != ""
}

func (f *fakeCrypt) GetStatus(ctx context.Context, name string) (*crypt.Status, error) {
	return f.status, f.statusErr
}

type fakeFS struct {
	fsType    string
	detectErr error
	size      int64
	minSize   int64
}

func (f *fakeFS) Detect(ctx context.Context, devicePath string) (string, error) {
	return f.fsType, f.detectErr
}

func (f *fakeFS) GetSize(ctx context.Context, devicePath, fsType, mountpoint string) (int64, error) {
	return f.size, nil
}

func (f *fakeFS) MinSize(ctx context.Context, devicePath, fsType string, currentSizeBytes int64) (int64, error) {
	return f.minSize, nil
}

func (f *fakeFS) SupportsGrow(fsType string, mounted bool) bool {
	return fsType != "xfs" || mounted
}

func (f *fakeFS) SupportsShrink(fsType string, mounted bool) bool {
	return fsType != "xfs" && !mounted
}

type fakeMounts map[string]string

func (f fakeMounts) IsMounted(devicePath string) string { return f[devicePath] }

const mib = int64(1) << 20

func testVolume() *lvm.Volume {
	return &lvm.Volume{
		VGName: "vg0", LVName: "data",
		Path: "/dev/mapper/vg0-data", SizeBytes: 512 * mib,
	}
}

// TestProbe_ThreeLayers verifies a full stack probe: volume, active crypt
// mapping, mounted ext4 filesystem.
func TestProbe_ThreeLayers(t *testing.T) {
	p := &Prober{
		Volumes: &fakeVolumes{volume: testVolume()},
		Crypt: &fakeCrypt{
			mappingName: "crypt-data",
			status: &crypt.Status{
				Name:          "crypt-data",
				DevicePath:    "/dev/mapper/crypt-data",
				BackingDevice: "/dev/mapper/vg0-data",
				SizeBytes:     496 * mib,
				OffsetBytes:   16 * mib,
			},
		},
		FS:     &fakeFS{fsType: "ext4", size: 496 * mib, minSize: 128 * mib},
		Mounts: fakeMounts{"/dev/mapper/crypt-data": "/data"},
	}

	stack, err := p.Probe(context.Background(), "vg0/data")
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if len(stack.Layers) != 3 {
		t.Fatalf("got %d layers, want 3", len(stack.Layers))
	}

	vol := stack.Layers[0]
	if vol.Kind != stackresize.LayerBlockVolume || vol.ID != "vg0/data" || vol.SizeBytes != 512*mib {
		t.Errorf("volume layer = %+v", vol)
	}
	cm := stack.Layers[1]
	if cm.Kind != stackresize.LayerCryptMapping || cm.ID != "crypt-data" || cm.SizeBytes != 496*mib {
		t.Errorf("crypt layer = %+v", cm)
	}
	fs := stack.Layers[2]
	if fs.Kind != stackresize.LayerFilesystem || fs.FSType != "ext4" {
		t.Errorf("fs layer = %+v", fs)
	}
	if fs.DevicePath != "/dev/mapper/crypt-data" {
		t.Errorf("filesystem probed on %q, want the crypt mapping's device", fs.DevicePath)
	}
	if fs.Mountpoint != "/data" || !fs.Mounted() {
		t.Errorf("fs mountpoint = %q", fs.Mountpoint)
	}
	if fs.MinSizeBytes != 128*mib {
		t.Errorf("fs min size = %d", fs.MinSizeBytes)
	}
	// Mounted ext4: grows, does not shrink.
	if !fs.SupportsGrow || fs.SupportsShrink {
		t.Errorf("fs capabilities grow=%t shrink=%t", fs.SupportsGrow, fs.SupportsShrink)
	}
}

// TestProbe_NoCryptLayer verifies the filesystem is probed directly on the
// volume when no mapping intervenes.
func TestProbe_NoCryptLayer(t *testing.T) {
	p := &Prober{
		Volumes: &fakeVolumes{volume: testVolume()},
		Crypt:   &fakeCrypt{},
		FS:      &fakeFS{fsType: "ext4", size: 512 * mib},
		Mounts:  fakeMounts{},
	}
	stack, err := p.Probe(context.Background(), "vg0/data")
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if len(stack.Layers) != 2 {
		t.Fatalf("got %d layers, want 2", len(stack.Layers))
	}
	if stack.Layers[1].DevicePath != "/dev/mapper/vg0-data" {
		t.Errorf("filesystem probed on %q, want the volume's device", stack.Layers[1].DevicePath)
	}
	// Unmounted ext4 shrinks.
	if !stack.Layers[1].SupportsShrink {
		t.Error("unmounted ext4 layer reports no shrink support")
	}
}

// TestProbe_NoFilesystem verifies a bare volume probes to a one-layer
// stack; refusing to resize it is the planner's job, not the prober's.
func TestProbe_NoFilesystem(t *testing.T) {
	p := &Prober{
		Volumes: &fakeVolumes{volume: testVolume()},
		Crypt:   &fakeCrypt{},
		FS:      &fakeFS{detectErr: fsys.ErrNoFilesystem},
		Mounts:  fakeMounts{},
	}
	stack, err := p.Probe(context.Background(), "vg0/data")
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if len(stack.Layers) != 1 {
		t.Errorf("got %d layers, want 1", len(stack.Layers))
	}
}

// TestProbe_MissingVolume verifies an unknown volume maps to a ProbeError.
func TestProbe_MissingVolume(t *testing.T) {
	p := &Prober{
		Volumes: &fakeVolumes{err: lvm.ErrNotFound},
		Crypt:   &fakeCrypt{},
		FS:      &fakeFS{},
		Mounts:  fakeMounts{},
	}
	_, err := p.Probe(context.Background(), "vg0/nope")
	if !stackresize.IsProbeError(err) {
		t.Fatalf("err = %v, want ProbeError", err)
	}
	if !errors.Is(err, lvm.ErrNotFound) {
		t.Error("ProbeError does not unwrap to lvm.ErrNotFound")
	}
}

// TestProbe_ClosedLUKSContainer verifies a crypto_LUKS signature without
// an active mapping refuses to probe: the stack is partially assembled.
func TestProbe_ClosedLUKSContainer(t *testing.T) {
	p := &Prober{
		Volumes: &fakeVolumes{volume: testVolume()},
		Crypt:   &fakeCrypt{},
		FS:      &fakeFS{fsType: "crypto_LUKS"},
		Mounts:  fakeMounts{},
	}
	if _, err := p.Probe(context.Background(), "vg0/data"); !stackresize.IsProbeError(err) {
		t.Errorf("err = %v, want ProbeError", err)
	}
}
