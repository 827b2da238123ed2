package fsys

import (
	"testing"
)

const dumpe2fsOutput = `dumpe2fs 1.47.0 (5-Feb-2023)
Filesystem volume name:   <none>
Last mounted on:          /data
Filesystem UUID:          9c6e3b0e-9f2f-4f43-9e52-2a1d3c9b7a10
Filesystem features:      has_journal ext_attr resize_inode dir_index
Block count:              126976
Block size:               4096
Fragment size:            4096
Reserved block count:     6348
Free blocks:              118925
`

const xfsInfoOutput = `meta-data=/dev/mapper/vg0-data   isize=512    agcount=4, agsize=32704 blks
         =                       sectsz=512   attr=2, projid32bit=1
data     =                       bsize=4096   blocks=130816, imaxpct=25
         =                       sunit=0      swidth=0 blks
naming   =version 2              bsize=4096   ascii-ci=0, ftype=1
log      =internal log           bsize=4096   blocks=2560, version=2
realtime =none                   extsz=4096   blocks=0, rtextents=0
`

const resize2fsPOutput = `resize2fs 1.47.0 (5-Feb-2023)
Estimated minimum size of the filesystem: 33054
`

// TestParseExtGeometry verifies block count and size extraction from
// dumpe2fs -h output.
func TestParseExtGeometry(t *testing.T) {
	blocks, blockSize, err := parseExtGeometry([]byte(dumpe2fsOutput))
	if err != nil {
		t.Fatalf("parseExtGeometry: %v", err)
	}
	if blocks != 126976 {
		t.Errorf("blocks = %d, want 126976", blocks)
	}
	if blockSize != 4096 {
		t.Errorf("blockSize = %d, want 4096", blockSize)
	}
}

func TestParseExtGeometry_Incomplete(t *testing.T) {
	if _, _, err := parseExtGeometry([]byte("Filesystem features: has_journal\n")); err == nil {
		t.Error("output without geometry parsed without error")
	}
}

// TestParseXFSSize verifies size extraction from xfs_info's data line.
func TestParseXFSSize(t *testing.T) {
	size, err := parseXFSSize([]byte(xfsInfoOutput))
	if err != nil {
		t.Fatalf("parseXFSSize: %v", err)
	}
	if want := int64(4096) * 130816; size != want {
		t.Errorf("size = %d, want %d", size, want)
	}
}

func TestParseXFSSize_NoData(t *testing.T) {
	if _, err := parseXFSSize([]byte("log =internal log bsize=4096 blocks=2560\n")); err == nil {
		t.Error("output without a data line parsed without error")
	}
}

func TestParseMinBlocks(t *testing.T) {
	blocks, err := parseMinBlocks([]byte(resize2fsPOutput))
	if err != nil {
		t.Fatalf("parseMinBlocks: %v", err)
	}
	if blocks != 33054 {
		t.Errorf("blocks = %d, want 33054", blocks)
	}
}

// TestSupportsGrow encodes the capability matrix: ext grows in any mount
// state, xfs only while mounted, everything else never.
func TestSupportsGrow(t *testing.T) {
	c := New(nil)
	cases := []struct {
		fsType  string
		mounted bool
		want    bool
	}{
		{"ext4", true, true},
		{"ext4", false, true},
		{"ext2", false, true},
		{"xfs", true, true},
		{"xfs", false, false},
		{"btrfs", true, false},
	}
	for _, tc := range cases {
		if got := c.SupportsGrow(tc.fsType, tc.mounted); got != tc.want {
			t.Errorf("SupportsGrow(%q, mounted=%t) = %t, want %t", tc.fsType, tc.mounted, got, tc.want)
		}
	}
}

// TestSupportsShrink encodes the capability matrix: only unmounted ext
// filesystems shrink.
func TestSupportsShrink(t *testing.T) {
	c := New(nil)
	cases := []struct {
		fsType  string
		mounted bool
		want    bool
	}{
		{"ext4", false, true},
		{"ext4", true, false},
		{"ext3", false, true},
		{"xfs", false, false},
		{"xfs", true, false},
		{"btrfs", false, false},
	}
	for _, tc := range cases {
		if got := c.SupportsShrink(tc.fsType, tc.mounted); got != tc.want {
			t.Errorf("SupportsShrink(%q, mounted=%t) = %t, want %t", tc.fsType, tc.mounted, got, tc.want)
		}
	}
}
