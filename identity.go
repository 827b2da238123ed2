package stackresize

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/oklog/ulid/v2"
)

// lockKeyNamespace is a stable, process-wide namespace used when deriving
// lock keys from device identities. It must never change: the same device
// must always map to the same lock key so that two invocations (or two
// processes) racing on one stack collide on the same advisory lock row.
const lockKeyNamespace = "stackresize-v1"

// NormalizeDevice canonicalizes the caller-supplied device identity so that
// the spellings "vg0/data", "/dev/vg0/data" and "/dev/mapper/vg0-data" all
// resolve to the same "vg/lv" form.
//
// The mapper form uses '-' as the vg/lv separator with literal dashes
// doubled, per lvm2's device naming.
func NormalizeDevice(device string) string {
	d := strings.TrimSpace(device)
	if rest, ok := strings.CutPrefix(d, "/dev/mapper/"); ok {
		return splitMapperName(rest)
	}
	d = strings.TrimPrefix(d, "/dev/")
	return strings.Trim(d, "/")
}

// splitMapperName converts lvm2's mapper encoding ("vg--a-lv--b") back to
// "vg-a/lv-b". A single '-' separates vg from lv; "--" is a literal dash.
func splitMapperName(name string) string {
	var b strings.Builder
	i := 0
	for i < len(name) {
		if name[i] == '-' {
			if i+1 < len(name) && name[i+1] == '-' {
				b.WriteByte('-')
				i += 2
				continue
			}
			b.WriteByte('/')
			i++
			continue
		}
		b.WriteByte(name[i])
		i++
	}
	return b.String()
}

// DeriveLockKey deterministically derives the advisory lock key for a
// device identity.
//
// The lock key is the unit of mutual exclusion for the whole module: at
// most one resize orchestration may run per storage stack, and the stack is
// identified by its bottom volume. Deriving the key from the normalized
// device identity means concurrent invocations naming the same volume under
// different spellings still contend on one database row.
//
// The returned key is a lowercase hex string with a "stk_" prefix, making
// it easy to spot in logs and in the volume_locks table.
func DeriveLockKey(device string) string {
	h := sha256.Sum256([]byte(lockKeyNamespace + ":" + NormalizeDevice(device)))
	return "stk_" + hex.EncodeToString(h[:16])
}

// NewRunID returns a fresh ULID identifying one orchestration run.
// Run IDs sort by start time, which keeps the history listing in
// chronological order without a separate sort key.
func NewRunID() string {
	return ulid.Make().String()
}
