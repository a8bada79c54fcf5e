//go:build !linux

package pagecodec

// adviseDontNeed is a no-op on platforms without MADV_DONTNEED.
func adviseDontNeed(dst []byte) {}
