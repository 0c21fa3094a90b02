//go:build !linux

package source

// adviseDontNeed is a no-op on platforms without posix_fadvise. The hint is
// advisory only, so the reader degrades gracefully where it is unavailable.
func adviseDontNeed(s *Source, from, to int64) {}
