package forward

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/TheOrdinaryWow/pedicab/internal/model"
	"github.com/TheOrdinaryWow/pedicab/internal/statscache"
)

// serveConfig bounds one running forwarder task. It is assembled once by
// the manager from the agent-wide Config and the rule's own Config.
type serveConfig struct {
	bufferSize          int
	connectionsLimit    *uint64 // nil = unlimited
	statsUpdateInterval time.Duration
}

// connTimeoutClient is how long the client->server half of a relay may
// sit idle before it's torn down.
const connTimeoutClient = 60 * time.Second

// connTimeoutServer is how long the server->client half may sit idle.
const connTimeoutServer = 300 * time.Second

// connWallClock bounds the total lifetime of a single TCP connection,
// regardless of activity.
const connWallClock = 5 * time.Minute

// flushCoalesceWindow is a 50ms write-coalescing window. relay does not
// use it: every read is written to the destination straight away.
const flushCoalesceWindow = 50 * time.Millisecond

func bindTCP(listen string) (*net.TCPListener, error) {
	addr, err := net.ResolveTCPAddr("tcp", listen)
	if err != nil {
		return nil, fmt.Errorf("resolving listen address: %w", err)
	}
	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("binding %s: %w", listen, err)
	}
	return ln, nil
}

// serveTCP accepts connections on ln until ctx is cancelled, relaying
// each to a target chosen from rule.Target. Accept errors are logged and
// the loop keeps accepting; it returns nil once ctx is cancelled.
func serveTCP(ctx context.Context, ln *net.TCPListener, rule *model.Rule, cache *statscache.Cache, cfg serveConfig) error {
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	sem := newConnSemaphore(cfg.connectionsLimit)

	for {
		conn, err := ln.AcceptTCP()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			log.Warn().Err(err).Str("rule_id", rule.ID.String()).Msg("tcp accept error")
			continue
		}

		if sem != nil && !sem.TryAcquire(1) {
			conn.Close()
			continue
		}

		cache.Mutate(rule.ID, func(s model.RuleStats) model.RuleStats {
			s.Connections.TCP++
			return s
		})

		go func() {
			defer func() {
				if sem != nil {
					sem.Release(1)
				}
				cache.Mutate(rule.ID, func(s model.RuleStats) model.RuleStats {
					if s.Connections.TCP > 0 {
						s.Connections.TCP--
					}
					return s
				})
			}()
			handleTCPConnection(ctx, conn, rule, cache, cfg)
		}()
	}
}

// newConnSemaphore returns nil (meaning unlimited) when limit is nil.
func newConnSemaphore(limit *uint64) *semaphore.Weighted {
	if limit == nil {
		return nil
	}
	return semaphore.NewWeighted(int64(*limit))
}

func applySocketOptions(conn *net.TCPConn, bufferSize int) {
	conn.SetKeepAlive(true)
	conn.SetKeepAlivePeriod(20 * time.Second)
	conn.SetNoDelay(true)
	conn.SetReadBuffer(bufferSize * 4)
	conn.SetWriteBuffer(bufferSize * 4)
}

func handleTCPConnection(parent context.Context, client *net.TCPConn, rule *model.Rule, cache *statscache.Cache, cfg serveConfig) {
	defer client.Close()
	applySocketOptions(client, cfg.bufferSize)

	targetAddr, err := selectTarget(rule.Target)
	if err != nil {
		log.Warn().Err(err).Str("rule_id", rule.ID.String()).Msg("no target available")
		return
	}

	server, err := net.DialTimeout("tcp", targetAddr, connTimeoutClient)
	if err != nil {
		log.Warn().Err(err).Str("rule_id", rule.ID.String()).Str("target", targetAddr).Msg("dialing target failed")
		return
	}
	defer server.Close()
	if tc, ok := server.(*net.TCPConn); ok {
		applySocketOptions(tc, cfg.bufferSize)
	}

	ctx, cancel := context.WithTimeout(parent, connWallClock)
	defer cancel()

	var transferred atomic.Uint64

	updateInterval := cfg.statsUpdateInterval
	if updateInterval <= 0 {
		updateInterval = 300 * time.Millisecond
	}
	statsDone := make(chan struct{})
	go runStatsUpdater(ctx, rule.ID, cache, &transferred, updateInterval, statsDone)

	done := make(chan struct{}, 2)
	go func() {
		relay(ctx, server, client, cfg.bufferSize, connTimeoutClient, &transferred)
		done <- struct{}{}
	}()
	go func() {
		relay(ctx, client, server, cfg.bufferSize, connTimeoutServer, &transferred)
		done <- struct{}{}
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
	close(statsDone)
}

// relay copies from src to dst, resetting an idle deadline on src before
// every read. Each read is written to dst in one Write call with no
// user-space batching; with TCP_NODELAY set by applySocketOptions, the
// kernel does not hold small writes back to merge them either.
func relay(ctx context.Context, dst, src net.Conn, bufferSize int, idleTimeout time.Duration, transferred *atomic.Uint64) {
	buf := make([]byte, bufferSize)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		src.SetReadDeadline(time.Now().Add(idleTimeout))
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
			transferred.Add(uint64(n))
		}
		if err != nil {
			return
		}
	}
}

func runStatsUpdater(ctx context.Context, id uuid.UUID, cache *statscache.Cache, transferred *atomic.Uint64, interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			delta := transferred.Swap(0)
			cache.Mutate(id, func(s model.RuleStats) model.RuleStats {
				s.Speed = decaySpeed(s.Speed, delta, interval)
				s.Bandwidth += delta
				return s
			})
		}
	}
}

// decaySpeed computes the next reported speed in bytes/second. With
// traffic in the window, speed is the direct instantaneous throughput
// for that window; with none, the previous speed decays toward zero so
// a quiet rule doesn't keep reporting its last burst forever. The decay
// fraction is keyed on the previous speed's own bucket, not on delta.
func decaySpeed(prevSpeed, delta uint64, interval time.Duration) uint64 {
	if delta > 0 {
		ms := uint64(interval.Milliseconds())
		if ms == 0 {
			return prevSpeed
		}
		return delta * 1000 / ms
	}

	var retain uint64
	switch {
	case prevSpeed > 1_000_000:
		retain = 40
	case prevSpeed > 500_000:
		retain = 30
	case prevSpeed > 25_000:
		retain = 20
	case prevSpeed > 1_000:
		retain = 10
	default:
		retain = 5
	}
	return prevSpeed * retain / 100
}
