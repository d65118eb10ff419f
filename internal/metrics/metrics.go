package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the orchestrator and the
// reaction hub. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	publishTotal       *prometheus.CounterVec
	playTotal          *prometheus.CounterVec
	liveSessions       prometheus.Gauge
	presenceWriteFails prometheus.Counter
	recordingsTotal    *prometheus.CounterVec
	recordingsActive   prometheus.Gauge
	reactionClients    prometheus.Gauge
	reactionMessages   *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		publishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livecast_publish_attempts_total",
			Help: "Publish attempts by outcome",
		}, []string{"result"}),
		playTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livecast_play_attempts_total",
			Help: "Play attempts by outcome",
		}, []string{"result"}),
		liveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livecast_live_sessions",
			Help: "Sessions currently publishing",
		}),
		presenceWriteFails: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livecast_presence_write_failures_total",
			Help: "Viewer count writes that failed to reach the store",
		}),
		recordingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livecast_recordings_total",
			Help: "Recording jobs by terminal state",
		}, []string{"state"}),
		recordingsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livecast_recordings_active",
			Help: "Recording jobs not yet in a terminal state",
		}),
		reactionClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livecast_reaction_clients",
			Help: "Connected reaction hub clients",
		}),
		reactionMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livecast_reaction_messages_total",
			Help: "Inbound reaction messages by outcome",
		}, []string{"result"}),
	}

	registry.MustRegister(
		m.publishTotal,
		m.playTotal,
		m.liveSessions,
		m.presenceWriteFails,
		m.recordingsTotal,
		m.recordingsActive,
		m.reactionClients,
		m.reactionMessages,
	)

	return m
}

func (m *Metrics) PublishAttempt(result string) {
	if m == nil {
		return
	}
	m.publishTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) PlayAttempt(result string) {
	if m == nil {
		return
	}
	m.playTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) SessionLive() {
	if m == nil {
		return
	}
	m.liveSessions.Inc()
}

func (m *Metrics) SessionOffline() {
	if m == nil {
		return
	}
	m.liveSessions.Dec()
}

func (m *Metrics) PresenceWriteFailed() {
	if m == nil {
		return
	}
	m.presenceWriteFails.Inc()
}

func (m *Metrics) RecordingStarted() {
	if m == nil {
		return
	}
	m.recordingsActive.Inc()
}

// RecordingFinished moves a job out of the active gauge under its final state.
func (m *Metrics) RecordingFinished(state string) {
	if m == nil {
		return
	}
	m.recordingsActive.Dec()
	m.recordingsTotal.WithLabelValues(state).Inc()
}

func (m *Metrics) SetReactionClients(n int) {
	if m == nil {
		return
	}
	m.reactionClients.Set(float64(n))
}

func (m *Metrics) ReactionMessage(result string) {
	if m == nil {
		return
	}
	m.reactionMessages.WithLabelValues(result).Inc()
}

// Handler serves the private registry. updateGauges runs before each scrape.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
