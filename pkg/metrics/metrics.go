// Prometheus instrumentation for a virtual tap.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Config struct {
	// Namespace is the metrics namespace (default: "vnetsock").
	Namespace string
	// ConstLabels are added to every metric, typically the tap id.
	ConstLabels prometheus.Labels
	// Registry defaults to a fresh private registry so several taps can live
	// in one process.
	Registry prometheus.Registerer
}

type Metrics struct {
	FramesIn         prometheus.Counter
	FramesOut        prometheus.Counter
	FramesDropped    *prometheus.CounterVec
	BytesToApp       prometheus.Counter
	BytesFromApp     prometheus.Counter
	RecvDeferred     prometheus.Counter
	DatagramsDropped prometheus.Counter
	Sockets          *prometheus.GaugeVec
	EngineErrors     *prometheus.CounterVec
	TimerFires       *prometheus.CounterVec
}

func New(config Config) *Metrics {
	if config.Namespace == "" {
		config.Namespace = "vnetsock"
	}
	if config.Registry == nil {
		config.Registry = prometheus.NewRegistry()
	}
	factory := promauto.With(config.Registry)

	return &Metrics{
		FramesIn: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "frames_in_total",
			Help:        "Frames fed into the protocol engine",
			ConstLabels: config.ConstLabels,
		}),
		FramesOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "frames_out_total",
			Help:        "Frames emitted by the protocol engine",
			ConstLabels: config.ConstLabels,
		}),
		FramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "frames_dropped_total",
			Help:        "Frames dropped at the interface boundary by reason",
			ConstLabels: config.ConstLabels,
		}, []string{"reason"}),
		BytesToApp: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "app_rx_bytes_total",
			Help:        "Stream bytes delivered to application transports",
			ConstLabels: config.ConstLabels,
		}),
		BytesFromApp: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "app_tx_bytes_total",
			Help:        "Bytes accepted from applications",
			ConstLabels: config.ConstLabels,
		}),
		RecvDeferred: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "recv_deferred_total",
			Help:        "Receive callbacks that left data with the engine because the socket was busy",
			ConstLabels: config.ConstLabels,
		}),
		DatagramsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "datagrams_dropped_total",
			Help:        "Inbound datagrams dropped because the application transport was full",
			ConstLabels: config.ConstLabels,
		}),
		Sockets: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Name:        "sockets",
			Help:        "Open virtual sockets by type",
			ConstLabels: config.ConstLabels,
		}, []string{"type"}),
		EngineErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "engine_errors_total",
			Help:        "Connection errors reported by the engine, by normalized kind",
			ConstLabels: config.ConstLabels,
		}, []string{"kind"}),
		TimerFires: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "timer_fires_total",
			Help:        "Protocol timer invocations",
			ConstLabels: config.ConstLabels,
		}, []string{"timer"}),
	}
}
