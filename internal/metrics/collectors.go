// =============================================================================
// 文件: internal/metrics/collectors.go
// 描述: Prometheus 指标收集器 - 从 uTP 传输层统计拉取
// =============================================================================
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mrcgq/utp/internal/transport"
)

const namespace = "utp"

// StatsProvider 传输层统计数据接口 (*transport.Stats 实现)
type StatsProvider interface {
	Snapshot() transport.StatsSnapshot
}

// statMetric 单个指标: 描述符 + 取值
type statMetric struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	value     func(s *transport.StatsSnapshot) float64
}

// TransportCollector 传输层指标收集器
type TransportCollector struct {
	statsProvider StatsProvider
	metrics       []statMetric
}

// NewTransportCollector 创建传输层收集器
// role 作为常量标签区分监听端与拨号端
func NewTransportCollector(role string, provider StatsProvider) *TransportCollector {
	subsystem := "transport"
	labels := prometheus.Labels{"role": role}

	counter := func(name, help string, fn func(s *transport.StatsSnapshot) uint64) statMetric {
		return statMetric{
			desc: prometheus.NewDesc(
				prometheus.BuildFQName(namespace, subsystem, name),
				help, nil, labels,
			),
			valueType: prometheus.CounterValue,
			value:     func(s *transport.StatsSnapshot) float64 { return float64(fn(s)) },
		}
	}

	return &TransportCollector{
		statsProvider: provider,
		metrics: []statMetric{
			counter("packets_sent_total", "Total datagrams sent",
				func(s *transport.StatsSnapshot) uint64 { return s.PacketsSent }),
			counter("packets_received_total", "Total datagrams received",
				func(s *transport.StatsSnapshot) uint64 { return s.PacketsReceived }),
			counter("bytes_sent_total", "Total bytes sent including headers",
				func(s *transport.StatsSnapshot) uint64 { return s.BytesSent }),
			counter("bytes_received_total", "Total bytes received including headers",
				func(s *transport.StatsSnapshot) uint64 { return s.BytesReceived }),
			counter("retransmits_total", "Packets retransmitted after timeout",
				func(s *transport.StatsSnapshot) uint64 { return s.Retransmits }),
			counter("keepalives_total", "Keep-alive acks sent on idle connections",
				func(s *transport.StatsSnapshot) uint64 { return s.KeepAlives }),
			counter("duplicate_syns_total", "Duplicate SYNs answered with the cached SYN-ACK",
				func(s *transport.StatsSnapshot) uint64 { return s.DuplicateSyns }),
			counter("resets_sent_total", "RESET packets sent",
				func(s *transport.StatsSnapshot) uint64 { return s.ResetsSent }),
			counter("resets_received_total", "RESET packets received",
				func(s *transport.StatsSnapshot) uint64 { return s.ResetsReceived }),
			counter("malformed_total", "Datagrams discarded by the codec",
				func(s *transport.StatsSnapshot) uint64 { return s.Malformed }),
			counter("unrecognized_total", "Datagrams not handled by any connection",
				func(s *transport.StatsSnapshot) uint64 { return s.Unrecognized }),
			counter("ignored_acks_total", "Out-of-range acknowledgments ignored",
				func(s *transport.StatsSnapshot) uint64 { return s.IgnoredAcks }),
			counter("stale_packets_total", "Packets outside the receive window or already delivered",
				func(s *transport.StatsSnapshot) uint64 { return s.StalePackets }),
			counter("syn_dropped_total", "SYNs dropped by backlog or rate limit",
				func(s *transport.StatsSnapshot) uint64 { return s.SynDropped }),
			counter("send_errors_total", "Socket send failures",
				func(s *transport.StatsSnapshot) uint64 { return s.SendErrors }),
			counter("connections_accepted_total", "Connections accepted",
				func(s *transport.StatsSnapshot) uint64 { return s.ConnsAccepted }),
			counter("connections_dialed_total", "Connections dialed",
				func(s *transport.StatsSnapshot) uint64 { return s.ConnsDialed }),
			{
				desc: prometheus.NewDesc(
					prometheus.BuildFQName(namespace, subsystem, "active_connections"),
					"Connections not yet closed", nil, labels,
				),
				valueType: prometheus.GaugeValue,
				value:     func(s *transport.StatsSnapshot) float64 { return float64(s.ConnsActive) },
			},
		},
	}
}

// Describe 实现 prometheus.Collector
func (c *TransportCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.metrics {
		ch <- m.desc
	}
}

// Collect 实现 prometheus.Collector
func (c *TransportCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.statsProvider.Snapshot()
	for _, m := range c.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.valueType, m.value(&snap))
	}
}
