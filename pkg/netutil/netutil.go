// Package netutil holds small network helpers shared across the
// control plane and the entrypoint, adapted from the teacher's
// pkg/utils package.
package netutil

import (
	"net"
	"time"

	"github.com/rs/zerolog/log"
)

// LocalIP returns the first non-loopback IPv4 address bound to this
// host, or "unknown" if none can be found.
func LocalIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "unknown"
	}
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			if ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}
	return "unknown"
}

// RetryWithBackoff calls fn up to maxRetries times in total, doubling the
// delay after each failure up to a 30-second ceiling. Used to ride out a
// transient failure opening the on-disk store at startup.
func RetryWithBackoff(fn func() error, maxRetries int, initialDelay time.Duration) error {
	delay := initialDelay
	var lastErr error
	for i := 0; i < maxRetries; i++ {
		if err := fn(); err != nil {
			lastErr = err
			log.Warn().Err(err).Int("attempt", i+1).Int("max_retries", maxRetries).
				Dur("backoff", delay).Msg("retrying after failure")
			time.Sleep(delay)
			delay *= 2
			if delay > 30*time.Second {
				delay = 30 * time.Second
			}
			continue
		}
		return nil
	}
	return lastErr
}
