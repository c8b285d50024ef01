package httpapi

import (
	"github.com/prometheus/client_golang/prometheus"
)

// promCollectors samples the forward manager's live stats cache fresh on
// every scrape rather than mirroring it into separate gauges that could
// drift between updates.
type promCollectors struct {
	server *Server

	activeRules    *prometheus.Desc
	totalBandwidth *prometheus.Desc
	liveTCPConns   *prometheus.Desc
	liveUDPConns   *prometheus.Desc
}

func newPromCollectors(s *Server) *promCollectors {
	return &promCollectors{
		server: s,
		activeRules: prometheus.NewDesc(
			"pedicab_active_rules", "Number of rules currently supervised by the forward manager.", nil, nil),
		totalBandwidth: prometheus.NewDesc(
			"pedicab_total_bandwidth_bytes", "Cumulative bytes transferred across all live rules.", nil, nil),
		liveTCPConns: prometheus.NewDesc(
			"pedicab_live_tcp_connections", "Live TCP connections across all rules.", nil, nil),
		liveUDPConns: prometheus.NewDesc(
			"pedicab_live_udp_connections", "Live UDP sessions across all rules.", nil, nil),
	}
}

func (p *promCollectors) Describe(ch chan<- *prometheus.Desc) {
	ch <- p.activeRules
	ch <- p.totalBandwidth
	ch <- p.liveTCPConns
	ch <- p.liveUDPConns
}

func (p *promCollectors) Collect(ch chan<- prometheus.Metric) {
	stats := p.server.manager.GetStats()

	var bandwidth, tcpConns, udpConns uint64
	for _, s := range stats {
		bandwidth += s.Bandwidth
		tcpConns += s.Connections.TCP
		udpConns += s.Connections.UDP
	}

	ch <- prometheus.MustNewConstMetric(p.activeRules, prometheus.GaugeValue, float64(len(stats)))
	ch <- prometheus.MustNewConstMetric(p.totalBandwidth, prometheus.CounterValue, float64(bandwidth))
	ch <- prometheus.MustNewConstMetric(p.liveTCPConns, prometheus.GaugeValue, float64(tcpConns))
	ch <- prometheus.MustNewConstMetric(p.liveUDPConns, prometheus.GaugeValue, float64(udpConns))
}
