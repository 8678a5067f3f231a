package gatewayd

import (
	"net"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the per-protocol counters the gateway exports.
type Metrics struct {
	ConnectionsTotal *prometheus.CounterVec
	ActiveConns      *prometheus.GaugeVec
	CommandsTotal    *prometheus.CounterVec
	AuthTotal        *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ConnectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_connections_total",
			Help: "Accepted client connections.",
		}, []string{"protocol"}),
		ActiveConns: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_active_connections",
			Help: "Currently open client connections.",
		}, []string{"protocol"}),
		CommandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_commands_total",
			Help: "Protocol commands served.",
		}, []string{"protocol", "command"}),
		AuthTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_auth_attempts_total",
			Help: "Authentication attempts.",
		}, []string{"protocol", "result"}),
	}
}

func (m *Metrics) onCommand(protocol string) func(string) {
	if m == nil {
		return nil
	}
	return func(name string) {
		m.CommandsTotal.WithLabelValues(protocol, name).Inc()
	}
}

func (m *Metrics) onAuth(protocol string) func(bool) {
	if m == nil {
		return nil
	}
	return func(ok bool) {
		result := "fail"
		if ok {
			result = "ok"
		}
		m.AuthTotal.WithLabelValues(protocol, result).Inc()
	}
}

// countingListener feeds the connection metrics without the servers
// knowing about prometheus.
type countingListener struct {
	net.Listener
	metrics  *Metrics
	protocol string
}

func (ln *countingListener) Accept() (net.Conn, error) {
	c, err := ln.Listener.Accept()
	if err != nil {
		return nil, err
	}
	if ln.metrics != nil {
		ln.metrics.ConnectionsTotal.WithLabelValues(ln.protocol).Inc()
		ln.metrics.ActiveConns.WithLabelValues(ln.protocol).Inc()
		return &countedConn{Conn: c, gauge: ln.metrics.ActiveConns.WithLabelValues(ln.protocol)}, nil
	}
	return c, nil
}

type countedConn struct {
	net.Conn
	gauge  prometheus.Gauge
	closed int32
}

func (c *countedConn) Close() error {
	if atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		c.gauge.Dec()
	}
	return c.Conn.Close()
}
