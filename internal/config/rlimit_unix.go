//go:build unix

package config

import "golang.org/x/sys/unix"

// defaultNofileLimit and expandedNofileLimit mirror the original
// implementation's unix_limits constants: a forwarder with many rules
// and connections needs more file descriptors than the OS default.
const (
	defaultNofileLimit  = 1 << 16
	expandedNofileLimit = 1 << 20
)

// RaiseNofileLimit raises the process's open-file soft limit, to
// expandedNofileLimit if requested, else defaultNofileLimit — capped by
// whatever the hard limit already allows.
func RaiseNofileLimit(expanded bool) error {
	target := uint64(defaultNofileLimit)
	if expanded {
		target = expandedNofileLimit
	}

	var limit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
		return err
	}

	if limit.Cur >= target {
		return nil
	}
	if limit.Max < target {
		target = limit.Max
	}

	limit.Cur = target
	return unix.Setrlimit(unix.RLIMIT_NOFILE, &limit)
}
