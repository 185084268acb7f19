package metrics

import (
	"github.com/go-go-golems/chorus/pkg/events"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chorus"

// Metrics collects counters about generations and streams. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	generations       *prometheus.CounterVec
	activeGenerations prometheus.Gauge
	frames            *prometheus.CounterVec
	protocolErrors    prometheus.Counter
	hydrations        *prometheus.CounterVec
	modeUpgrades      prometheus.Counter
	compareModels     *prometheus.CounterVec
}

func New() *Metrics {
	return &Metrics{
		generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_total",
			Help:      "Generations by kind and terminal outcome.",
		}, []string{"kind", "outcome"}),
		activeGenerations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_generations",
			Help:      "Generations currently streaming.",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_events_total",
			Help:      "Decoded stream events by type.",
		}, []string{"type"}),
		protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_protocol_errors_total",
			Help:      "Frames skipped because they could not be decoded.",
		}),
		hydrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hydration_attempts_total",
			Help:      "Session refetch attempts after user_message_id, by result.",
		}, []string{"result"}),
		modeUpgrades: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mode_upgrades_total",
			Help:      "Sessions upgraded to group mode from stream evidence.",
		}),
		compareModels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compare_model_results_total",
			Help:      "Compare sub-stream results by status.",
		}, []string{"status"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.generations,
		m.activeGenerations,
		m.frames,
		m.protocolErrors,
		m.hydrations,
		m.modeUpgrades,
		m.compareModels,
	}
}

// Register adds all collectors to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) GenerationStarted() {
	if m == nil {
		return
	}
	m.activeGenerations.Inc()
}

func (m *Metrics) GenerationFinished(kind, outcome string) {
	if m == nil {
		return
	}
	m.activeGenerations.Dec()
	m.generations.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) FrameDecoded(ev events.Event) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(string(ev.Type())).Inc()
}

func (m *Metrics) FrameSkipped(error) {
	if m == nil {
		return
	}
	m.protocolErrors.Inc()
}

func (m *Metrics) HydrationAttempt(ok bool) {
	if m == nil {
		return
	}
	result := "miss"
	if ok {
		result = "hit"
	}
	m.hydrations.WithLabelValues(result).Inc()
}

func (m *Metrics) HydrationExhausted() {
	if m == nil {
		return
	}
	m.hydrations.WithLabelValues("exhausted").Inc()
}

func (m *Metrics) ModeUpgraded() {
	if m == nil {
		return
	}
	m.modeUpgrades.Inc()
}

func (m *Metrics) CompareModelFinished(status string) {
	if m == nil {
		return
	}
	m.compareModels.WithLabelValues(status).Inc()
}
