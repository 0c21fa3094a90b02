//go:build linux

package source

import "golang.org/x/sys/unix"

// adviseDontNeed calls posix_fadvise(POSIX_FADV_DONTNEED) on the span
// [from, to) of the underlying file descriptor, if any.
//
// Grounded on rclone's backend/local/fadvise_unix.go, simplified to a
// direct synchronous call: that file dispatches the syscall through a
// worker goroutine to avoid blocking a concurrent upload pipeline, a
// concern this single-threaded, pull-driven reader does not have.
func adviseDontNeed(s *Source, from, to int64) {
	if !s.hasFd || to <= from {
		return
	}
	_ = unix.Fadvise(int(s.fd), from, to-from, unix.FADV_DONTNEED)
}
