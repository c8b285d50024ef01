package httpapi

import (
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/TheOrdinaryWow/pedicab/pkg/netutil"
)

// systemInfo is a deliberately narrow stand-in for host-wide CPU/memory
// telemetry: no example repo in the pack carries a host-inspection
// library, so this is one of the few standard-library-only corners of
// the control plane.
type systemInfo struct {
	NumCPU       int    `json:"num_cpu"`
	GoVersion    string `json:"go_version"`
	HeapAllocMB  uint64 `json:"heap_alloc_mb"`
	HeapSysMB    uint64 `json:"heap_sys_mb"`
	NumGoroutine int    `json:"num_goroutine"`
}

type networkInfo struct {
	// Host-wide NIC byte counters aren't available cross-platform on the
	// standard library; this reports the process's own forwarded-traffic
	// counters instead, already tracked by the stats cache.
	TotalBandwidthBytes uint64 `json:"total_bandwidth_bytes"`
	LiveTCPConnections  uint64 `json:"live_tcp_connections"`
	LiveUDPConnections  uint64 `json:"live_udp_connections"`
}

type hostInfo struct {
	Hostname  string    `json:"hostname"`
	LocalIP   string    `json:"local_ip"`
	OS        string    `json:"os"`
	Arch      string    `json:"arch"`
	StartedAt time.Time `json:"started_at"`
}

func (s *Server) metricsSystem(c *gin.Context) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	respondData(c, http.StatusOK, systemInfo{
		NumCPU:       runtime.NumCPU(),
		GoVersion:    runtime.Version(),
		HeapAllocMB:  mem.HeapAlloc / (1 << 20),
		HeapSysMB:    mem.HeapSys / (1 << 20),
		NumGoroutine: runtime.NumGoroutine(),
	})
}

func (s *Server) metricsNetwork(c *gin.Context) {
	var bandwidth, tcpConns, udpConns uint64
	for _, stats := range s.manager.GetStats() {
		bandwidth += stats.Bandwidth
		tcpConns += stats.Connections.TCP
		udpConns += stats.Connections.UDP
	}

	respondData(c, http.StatusOK, networkInfo{
		TotalBandwidthBytes: bandwidth,
		LiveTCPConnections:  tcpConns,
		LiveUDPConnections:  udpConns,
	})
}

func (s *Server) metricsHost(c *gin.Context) {
	hostname, _ := os.Hostname()
	respondData(c, http.StatusOK, hostInfo{
		Hostname:  hostname,
		LocalIP:   netutil.LocalIP(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		StartedAt: s.startedAt,
	})
}

func (s *Server) health(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}
