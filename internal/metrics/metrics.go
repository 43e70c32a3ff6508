package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "lanparty"

// Metrics counts session traffic. Roles are "host", "client" and "discovery".
type Metrics struct {
	EnvelopesIn        *prometheus.CounterVec
	EnvelopesOut       *prometheus.CounterVec
	DecodeFailures     *prometheus.CounterVec
	SendFailures       *prometheus.CounterVec
	Evictions          *prometheus.CounterVec
	ConnectedPeers     prometheus.Gauge
	DiscoveredSessions prometheus.Gauge
	LobbyConflicts     prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EnvelopesIn: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_received_total",
			Help:      "Envelopes decoded, by role and kind.",
		}, []string{"role", "kind"}),
		EnvelopesOut: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_sent_total",
			Help:      "Envelopes handed to the socket, by role and kind.",
		}, []string{"role", "kind"}),
		DecodeFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_failures_total",
			Help:      "Datagrams dropped because they were not valid envelopes.",
		}, []string{"role"}),
		SendFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Socket writes that failed.",
		}, []string{"role"}),
		Evictions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_evictions_total",
			Help:      "Peers removed from the session, by reason.",
		}, []string{"reason"}),
		ConnectedPeers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_peers",
			Help:      "Players in the hosted session, host included.",
		}),
		DiscoveredSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "discovered_sessions",
			Help:      "Sessions currently in the discovery table.",
		}),
		LobbyConflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lobby_conflicts_total",
			Help:      "Selections refused because another peer held the resource.",
		}),
	}
}

// Private returns metrics on a throwaway registry, for components built
// without a shared one.
func Private() *Metrics { return New(prometheus.NewRegistry()) }
