//go:build !linux

package offline0

func processRSSBytes() (uint64, bool) { return 0, false }
