package mounttab

import (
	"strings"
	"testing"
)

const mountsData = `/dev/mapper/vg0-root / ext4 rw,relatime 0 0
proc /proc proc rw,nosuid,nodev,noexec,relatime 0 0
/dev/mapper/vg0-data /data ext4 rw,relatime 0 0
/dev/mapper/vg0-data /srv/bind ext4 rw,relatime 0 0
tmpfs /tmp tmpfs rw,nosuid,nodev 0 0
/dev/sda1 /boot\040with\040space ext4 rw,relatime 0 0
`

// TestParse verifies device-to-mountpoint extraction: only /dev devices
// are kept, and the first mount of a device wins over later bind mounts.
func TestParse(t *testing.T) {
	tab, err := parse(strings.NewReader(mountsData))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if mp := tab.IsMounted("/dev/mapper/vg0-data"); mp != "/data" {
		t.Errorf("IsMounted(vg0-data) = %q, want /data", mp)
	}
	if mp := tab.IsMounted("/dev/mapper/vg0-root"); mp != "/" {
		t.Errorf("IsMounted(vg0-root) = %q, want /", mp)
	}
	if mp := tab.IsMounted("/dev/mapper/vg0-nope"); mp != "" {
		t.Errorf("IsMounted(nonexistent) = %q, want empty", mp)
	}
	// Pseudo-filesystems are not devices.
	if mp := tab.IsMounted("proc"); mp != "" {
		t.Errorf("IsMounted(proc) = %q, want empty", mp)
	}
}

// TestParse_EscapedMountpoint verifies octal escapes in mountpoints are
// decoded the way the kernel writes them.
func TestParse_EscapedMountpoint(t *testing.T) {
	tab, err := parse(strings.NewReader(mountsData))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if mp := tab.IsMounted("/dev/sda1"); mp != "/boot with space" {
		t.Errorf("IsMounted(sda1) = %q, want %q", mp, "/boot with space")
	}
}

func TestUnescapeMountPath(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`/plain`, "/plain"},
		{`/a\040b`, "/a b"},
		{`/a\011b`, "/a\tb"},
		{`/a\134b`, `/a\b`},
	}
	for _, tc := range cases {
		if got := unescapeMountPath(tc.in); got != tc.want {
			t.Errorf("unescapeMountPath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
