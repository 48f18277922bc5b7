package core

import (
	"fmt"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the node's Prometheus collectors, served on a loopback-only
// /metrics handler distinct from the QUIC P2P listener and from the
// out-of-scope RPC gateway (ambient observability addendum, see
// SPEC_FULL.md §4.8).
type Metrics struct {
	registry     *prometheus.Registry
	chainHeight  prometheus.Gauge
	mempoolDepth prometheus.Gauge
	peerCount    prometheus.Gauge
}

// NewMetrics constructs and registers the node's collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		chainHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ghostchain",
			Name:      "chain_height",
			Help:      "Highest committed block height.",
		}),
		mempoolDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ghostchain",
			Name:      "mempool_depth",
			Help:      "Number of pending transactions in the mempool.",
		}),
		peerCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ghostchain",
			Name:      "connected_peers",
			Help:      "Number of peers currently Connected.",
		}),
	}
	reg.MustRegister(m.chainHeight, m.mempoolDepth, m.peerCount)
	return m
}

func (m *Metrics) SetChainHeight(h uint64) { m.chainHeight.Set(float64(h)) }
func (m *Metrics) SetMempoolDepth(n int)   { m.mempoolDepth.Set(float64(n)) }
func (m *Metrics) SetPeerCount(n int)      { m.peerCount.Set(float64(n)) }

// ServeLoopback starts a loopback-only HTTP server exposing /metrics. It
// refuses an addr whose host is neither "localhost" nor a loopback IP.
func (m *Metrics) ServeLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		return fmt.Errorf("metrics: %s is not a loopback address", addr)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	return http.ListenAndServe(addr, mux)
}
