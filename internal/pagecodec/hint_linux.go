//go:build linux

package pagecodec

import "golang.org/x/sys/unix"

// adviseDontNeed hints to the kernel that a just-zeroed page's backing
// memory can be discarded, the same MADV_DONTNEED hint ram_load issues
// after memset-ing a zero-run page (arch_init.c's
// qemu_madvise(host, TARGET_PAGE_SIZE, QEMU_MADV_DONTNEED)). Best-effort:
// a failure here is not fatal to the migration.
func adviseDontNeed(dst []byte) {
	_ = unix.Madvise(dst, unix.MADV_DONTNEED)
}
