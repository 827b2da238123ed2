// Package mounttab reads the kernel mount table. It is strictly read-only:
// the resize pipeline never mounts or unmounts anything, it only needs to
// know whether a device is mounted and where.
package mounttab

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const procMounts = "/proc/self/mounts"

// Table is a snapshot of the mount table, keyed by resolved device path.
type Table struct {
	byDevice map[string]string
}

// Load reads /proc/self/mounts.
func Load() (*Table, error) {
	f, err := os.Open(procMounts)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", procMounts, err)
	}
	defer f.Close()
	return parse(f)
}

// IsMounted returns the mountpoint of devicePath, or "" if it is not
// mounted. Symlinked device paths (/dev/vg/lv vs /dev/mapper/vg-lv vs
// /dev/dm-N) are resolved before comparison.
func (t *Table) IsMounted(devicePath string) string {
	resolved := resolve(devicePath)
	return t.byDevice[resolved]
}

func parse(r io.Reader) (*Table, error) {
	t := &Table{byDevice: make(map[string]string)}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		device, mountpoint := fields[0], fields[1]
		if !strings.HasPrefix(device, "/dev/") {
			continue
		}
		// First mount of a device wins; later bind mounts of the same
		// source do not change the answer to "is this device in use".
		resolved := resolve(device)
		if _, seen := t.byDevice[resolved]; !seen {
			t.byDevice[resolved] = unescapeMountPath(mountpoint)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", procMounts, err)
	}
	return t, nil
}

func resolve(devicePath string) string {
	if r, err := filepath.EvalSymlinks(devicePath); err == nil {
		return r
	}
	return devicePath
}

// unescapeMountPath decodes the octal escapes /proc/self/mounts uses for
// whitespace in mountpoints (\040 for space, \011 for tab).
func unescapeMountPath(p string) string {
	replacer := strings.NewReplacer(`\040`, " ", `\011`, "\t", `\012`, "\n", `\134`, `\`)
	return replacer.Replace(p)
}
