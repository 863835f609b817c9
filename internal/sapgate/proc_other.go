//go:build !linux

package sapgate

func residentBytes() (uint64, bool) { return 0, false }
