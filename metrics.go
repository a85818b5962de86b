// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ipc

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"code.hybscloud.com/ipc/messageq"
	"code.hybscloud.com/ipc/multiproc"
	"code.hybscloud.com/ipc/nameserver"
	"code.hybscloud.com/ipc/status"
	"code.hybscloud.com/ipc/transport"
)

// Metrics are the Prometheus collectors of one Context. Labels name the
// remote processor.
type Metrics struct {
	TransportPuts      *prometheus.CounterVec
	TransportFull      *prometheus.CounterVec
	TransportDelivered *prometheus.CounterVec
	TransportUp        *prometheus.GaugeVec

	NameServerLookups *prometheus.CounterVec
	NameServerLatency *prometheus.HistogramVec

	MessagesDelivered *prometheus.CounterVec
	MessagesDropped   *prometheus.CounterVec

	HeapFree *prometheus.GaugeVec

	procs *multiproc.Table
}

// NewMetrics registers the collectors with reg. A nil reg leaves them
// unregistered.
func NewMetrics(reg prometheus.Registerer, procs *multiproc.Table) *Metrics {
	f := promauto.With(reg)
	local := prometheus.Labels{"local": procs.Name(procs.Self())}
	return &Metrics{
		procs: procs,
		TransportPuts: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "ipc_transport_puts_total",
			Help:        "Messages written to a transport ring.",
			ConstLabels: local,
		}, []string{"remote"}),
		TransportFull: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "ipc_transport_full_total",
			Help:        "Puts rejected because the ring was full.",
			ConstLabels: local,
		}, []string{"remote"}),
		TransportDelivered: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "ipc_transport_delivered_total",
			Help:        "Messages drained from a transport ring.",
			ConstLabels: local,
		}, []string{"remote"}),
		TransportUp: f.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "ipc_transport_up",
			Help:        "1 while the transport to the remote is up.",
			ConstLabels: local,
		}, []string{"remote"}),
		NameServerLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "ipc_nameserver_remote_lookups_total",
			Help:        "Remote NameServer lookups by result.",
			ConstLabels: local,
		}, []string{"remote", "result"}),
		NameServerLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "ipc_nameserver_remote_lookup_seconds",
			Help:        "Latency of remote NameServer lookups.",
			ConstLabels: local,
			Buckets:     prometheus.ExponentialBuckets(1e-5, 4, 8),
		}, []string{"remote"}),
		MessagesDelivered: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "ipc_messageq_delivered_total",
			Help:        "Messages queued on a local MessageQ by source.",
			ConstLabels: local,
		}, []string{"source"}),
		MessagesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "ipc_messageq_dropped_total",
			Help:        "Messages dropped for an unknown or full queue.",
			ConstLabels: local,
		}, []string{"source"}),
		HeapFree: f.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "ipc_heap_free_blocks",
			Help:        "Free blocks of a message heap at the last sample.",
			ConstLabels: local,
		}, []string{"heap"}),
	}
}

func (m *Metrics) name(id multiproc.ID) string { return m.procs.Name(id) }

func (m *Metrics) transportHooks() transport.Hooks {
	return transport.Hooks{
		Put:  func(r multiproc.ID) { m.TransportPuts.WithLabelValues(m.name(r)).Inc() },
		Full: func(r multiproc.ID) { m.TransportFull.WithLabelValues(m.name(r)).Inc() },
		Deliver: func(r multiproc.ID, n int) {
			m.TransportDelivered.WithLabelValues(m.name(r)).Add(float64(n))
		},
		State: func(r multiproc.ID, s transport.State) {
			up := 0.0
			if s == transport.StateUp {
				up = 1
			}
			m.TransportUp.WithLabelValues(m.name(r)).Set(up)
		},
	}
}

func (m *Metrics) messageqHooks() messageq.Hooks {
	return messageq.Hooks{
		Delivered: func(src multiproc.ID) { m.MessagesDelivered.WithLabelValues(m.name(src)).Inc() },
		Dropped:   func(src multiproc.ID) { m.MessagesDropped.WithLabelValues(m.name(src)).Inc() },
	}
}

func lookupResult(err error) string {
	switch {
	case err == nil:
		return "found"
	case errors.Is(err, status.NotFound):
		return "not_found"
	case errors.Is(err, status.Timeout):
		return "timeout"
	case errors.Is(err, status.Down):
		return "down"
	}
	return "error"
}

func (m *Metrics) observeLookup() nameserver.Observer {
	return func(r multiproc.ID, elapsed time.Duration, err error) {
		m.NameServerLookups.WithLabelValues(m.name(r), lookupResult(err)).Inc()
		m.NameServerLatency.WithLabelValues(m.name(r)).Observe(elapsed.Seconds())
	}
}
