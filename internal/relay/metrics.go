package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the relay's operational counters.
type Metrics struct {
	ConnectedClients prometheus.Gauge
	OpenRooms        prometheus.Gauge
	MutationsRelayed *prometheus.CounterVec
	MutationsDropped *prometheus.CounterVec
	PresenceRelayed  prometheus.Counter
	DocumentSaves    prometheus.Counter
	DocumentSaveErrs prometheus.Counter
}

// NewMetrics registers the relay collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ConnectedClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "canvasd_connected_clients",
			Help: "Websocket clients currently attached to the relay.",
		}),
		OpenRooms: factory.NewGauge(prometheus.GaugeOpts{
			Name: "canvasd_open_rooms",
			Help: "Canvas rooms with at least one client or pending autosave.",
		}),
		MutationsRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "canvasd_mutations_relayed_total",
			Help: "Mutations accepted and fanned out, by kind.",
		}, []string{"kind"}),
		MutationsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "canvasd_mutations_dropped_total",
			Help: "Mutations rejected by the resolver, by reason.",
		}, []string{"reason"}),
		PresenceRelayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "canvasd_presence_relayed_total",
			Help: "Presence records fanned out to clients.",
		}),
		DocumentSaves: factory.NewCounter(prometheus.CounterOpts{
			Name: "canvasd_document_saves_total",
			Help: "Canvas documents persisted by autosave.",
		}),
		DocumentSaveErrs: factory.NewCounter(prometheus.CounterOpts{
			Name: "canvasd_document_save_errors_total",
			Help: "Autosave attempts that failed.",
		}),
	}
}
