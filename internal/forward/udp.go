package forward

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/TheOrdinaryWow/pedicab/internal/model"
	"github.com/TheOrdinaryWow/pedicab/internal/statscache"
)

// udpSocketBuffer is the send/receive buffer size set on both the
// listening socket and every per-client ephemeral target socket.
const udpSocketBuffer = 65535 * 2

// udpClientIdle is how long a per-client session waits for activity (in
// either direction) before it tears itself down.
const udpClientIdle = 60 * time.Second

// udpSweepInterval is how often the listener prunes clients table entries
// that have received no datagram from their client for udpClientIdle.
const udpSweepInterval = 30 * time.Second

// udpFragmentThreshold and udpFragmentSize bound the payload the target
// socket is asked to send in one call: payloads above the threshold that
// the kernel refuses with EMSGSIZE are resent in chunks of this size.
const (
	udpFragmentThreshold = 16000
	udpFragmentSize      = 8192
)

type udpClient struct {
	send       chan []byte
	lastActive atomic.Int64 // unix nanoseconds
}

func bindUDP(listen string) (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", listen)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	conn.SetReadBuffer(udpSocketBuffer)
	conn.SetWriteBuffer(udpSocketBuffer)
	return conn, nil
}

// serveUDP reads datagrams from conn until ctx is cancelled, demuxing
// them into a per-source-address session, each of which owns its own
// ephemeral socket to the target.
func serveUDP(ctx context.Context, conn *net.UDPConn, rule *model.Rule, cache *statscache.Cache, cfg serveConfig) error {
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	var mu sync.Mutex
	clients := make(map[string]*udpClient)

	var transferred atomic.Uint64

	updateInterval := cfg.statsUpdateInterval
	if updateInterval <= 0 {
		updateInterval = 300 * time.Millisecond
	}
	go runUDPStatsUpdater(ctx, rule.ID, cache, &transferred, updateInterval, &mu, clients)
	go runUDPSweeper(ctx, &mu, clients)

	buf := make([]byte, 65535)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			log.Warn().Err(err).Str("rule_id", rule.ID.String()).Msg("udp read error")
			continue
		}

		data := append([]byte(nil), buf[:n]...)
		transferred.Add(uint64(n))

		key := addr.String()
		mu.Lock()
		c, exists := clients[key]
		if exists {
			c.lastActive.Store(time.Now().UnixNano())
			mu.Unlock()
			select {
			case c.send <- data:
			default:
				log.Warn().Str("rule_id", rule.ID.String()).Str("client", key).Msg("udp client channel full, dropping datagram")
			}
			continue
		}

		targetAddr, terr := selectTarget(rule.Target)
		if terr != nil {
			mu.Unlock()
			log.Warn().Err(terr).Str("rule_id", rule.ID.String()).Msg("no target available")
			continue
		}

		c = &udpClient{send: make(chan []byte, 100)}
		c.lastActive.Store(time.Now().UnixNano())
		clients[key] = c
		mu.Unlock()

		clientAddr := addr
		go func() {
			defer func() {
				mu.Lock()
				delete(clients, key)
				mu.Unlock()
			}()
			if err := runUDPSession(ctx, conn, clientAddr, targetAddr, data, c.send, &transferred); err != nil {
				log.Warn().Err(err).Str("rule_id", rule.ID.String()).Str("client", key).Msg("udp session ended with error")
			}
		}()
	}
}

// runUDPSession owns one client's ephemeral target socket: it relays
// whatever arrives on clientRx to the target, and whatever the target
// sends back to clientAddr via listener.
func runUDPSession(ctx context.Context, listener *net.UDPConn, clientAddr *net.UDPAddr, targetAddr string, initialData []byte, clientRx <-chan []byte, transferred *atomic.Uint64) error {
	targetConn, err := net.Dial("udp", targetAddr)
	if err != nil {
		return err
	}
	defer targetConn.Close()
	if uc, ok := targetConn.(*net.UDPConn); ok {
		uc.SetReadBuffer(udpSocketBuffer)
		uc.SetWriteBuffer(udpSocketBuffer)
	}

	if err := writeUDPPayload(targetConn, initialData); err != nil {
		return err
	}

	respCh := make(chan []byte, 100)
	go func() {
		defer close(respCh)
		buf := make([]byte, 65535)
		for {
			n, err := targetConn.Read(buf)
			if err != nil {
				return
			}
			resp := append([]byte(nil), buf[:n]...)
			select {
			case respCh <- resp:
			case <-ctx.Done():
				return
			}
		}
	}()

	idle := time.NewTimer(udpClientIdle)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case data, ok := <-clientRx:
			if !ok {
				return nil
			}
			resetIdle(idle, udpClientIdle)
			if err := writeUDPPayload(targetConn, data); err != nil {
				return err
			}

		case resp, ok := <-respCh:
			if !ok {
				return nil
			}
			resetIdle(idle, udpClientIdle)
			if _, err := listener.WriteToUDP(resp, clientAddr); err != nil {
				return err
			}
			transferred.Add(uint64(len(resp)))

		case <-idle.C:
			return nil
		}
	}
}

func resetIdle(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// writeUDPPayload sends data whole, falling back to udpFragmentSize
// chunks if the kernel rejects an oversized datagram with EMSGSIZE.
func writeUDPPayload(conn net.Conn, data []byte) error {
	if len(data) <= udpFragmentThreshold {
		_, err := conn.Write(data)
		return err
	}

	_, err := conn.Write(data)
	if err == nil {
		return nil
	}
	if !isMsgSizeError(err) {
		return err
	}

	for offset := 0; offset < len(data); offset += udpFragmentSize {
		end := offset + udpFragmentSize
		if end > len(data) {
			end = len(data)
		}
		if _, ferr := conn.Write(data[offset:end]); ferr != nil {
			return ferr
		}
	}
	return nil
}

func runUDPStatsUpdater(ctx context.Context, id uuid.UUID, cache *statscache.Cache, transferred *atomic.Uint64, interval time.Duration, mu *sync.Mutex, clients map[string]*udpClient) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			delta := transferred.Swap(0)
			mu.Lock()
			count := uint64(len(clients))
			mu.Unlock()

			cache.Mutate(id, func(s model.RuleStats) model.RuleStats {
				s.Speed = decaySpeed(s.Speed, delta, interval)
				s.Bandwidth += delta
				s.Connections.UDP = count
				return s
			})
		}
	}
}

func runUDPSweeper(ctx context.Context, mu *sync.Mutex, clients map[string]*udpClient) {
	ticker := time.NewTicker(udpSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-udpClientIdle).UnixNano()
			mu.Lock()
			for key, c := range clients {
				if c.lastActive.Load() < cutoff {
					delete(clients, key)
				}
			}
			mu.Unlock()
		}
	}
}
