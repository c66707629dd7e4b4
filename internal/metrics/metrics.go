// Package metrics exposes prometheus collectors for the realtime layer.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "listenparty"

// Outcome labels for handled events.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// Backplane direction labels.
const (
	DirectionPublished = "published"
	DirectionReceived  = "received"
	DirectionDropped   = "dropped"
)

// Recorder owns a private registry. A nil *Recorder records nothing.
type Recorder struct {
	registry          *prometheus.Registry
	connections       prometheus.Gauge
	rooms             prometheus.Gauge
	events            *prometheus.CounterVec
	eventDuration     *prometheus.HistogramVec
	backplaneMessages *prometheus.CounterVec
	droppedFrames     prometheus.Counter
}

// NewRecorder registers the collectors on a fresh registry together with the Go and process
// collectors.
func NewRecorder() *Recorder {
	recorder := &Recorder{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Open WebSocket connections on this instance",
		}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms_active",
			Help:      "Rooms with at least one local member",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Inbound realtime events by name and outcome",
		}, []string{"event", "outcome"}),
		eventDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_duration_seconds",
			Help:      "Time spent handling inbound realtime events",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event"}),
		backplaneMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backplane_messages_total",
			Help:      "Room envelopes crossing the pub/sub backplane",
		}, []string{"direction"}),
		droppedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_frames_total",
			Help:      "Outbound frames dropped because a client send buffer was full",
		}),
	}
	recorder.registry.MustRegister(
		recorder.connections,
		recorder.rooms,
		recorder.events,
		recorder.eventDuration,
		recorder.backplaneMessages,
		recorder.droppedFrames,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return recorder
}

// Handler serves the registry in the prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and custom collectors.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

func (r *Recorder) ConnectionOpened() {
	if r != nil {
		r.connections.Inc()
	}
}

func (r *Recorder) ConnectionClosed() {
	if r != nil {
		r.connections.Dec()
	}
}

func (r *Recorder) SetRooms(count int) {
	if r != nil {
		r.rooms.Set(float64(count))
	}
}

// ObserveEvent counts one handled event and its latency.
func (r *Recorder) ObserveEvent(event, outcome string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.events.WithLabelValues(event, outcome).Inc()
	r.eventDuration.WithLabelValues(event).Observe(elapsed.Seconds())
}

func (r *Recorder) BackplaneMessage(direction string) {
	if r != nil {
		r.backplaneMessages.WithLabelValues(direction).Inc()
	}
}

func (r *Recorder) FrameDropped() {
	if r != nil {
		r.droppedFrames.Inc()
	}
}
