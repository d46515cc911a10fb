package swproxy

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the prometheus collectors of the worker. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Fetches            *prometheus.CounterVec
	FetchErrors        *prometheus.CounterVec
	Lifecycle          *prometheus.CounterVec
	GenerationsDeleted prometheus.Counter
	Notifications      *prometheus.CounterVec
	ActiveVersion      *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swproxy",
			Name:      "fetch_responses_total",
			Help:      "Intercepted requests answered, by request class and response source.",
		}, []string{"class", "source"}),
		FetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swproxy",
			Name:      "fetch_errors_total",
			Help:      "Intercepted requests that ended with no response, by request class.",
		}, []string{"class"}),
		Lifecycle: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swproxy",
			Name:      "lifecycle_events_total",
			Help:      "Install and activate runs by outcome.",
		}, []string{"event", "outcome"}),
		GenerationsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "swproxy",
			Name:      "generations_deleted_total",
			Help:      "Stale cache generations removed during activation.",
		}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swproxy",
			Name:      "notifications_total",
			Help:      "Notification surface activity by outcome.",
		}, []string{"outcome"}),
		ActiveVersion: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "swproxy",
			Name:      "active_version",
			Help:      "1 for the cache generation currently serving.",
		}, []string{"version"}),
	}

	for _, c := range []prometheus.Collector{
		m.Fetches, m.FetchErrors, m.Lifecycle, m.GenerationsDeleted, m.Notifications, m.ActiveVersion,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) observeFetch(c Class, src Source) {
	if m == nil {
		return
	}
	m.Fetches.WithLabelValues(c.String(), string(src)).Inc()
}

func (m *Metrics) observeFetchError(c Class) {
	if m == nil {
		return
	}
	m.FetchErrors.WithLabelValues(c.String()).Inc()
}

func (m *Metrics) observeLifecycle(ev EventKind, ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	m.Lifecycle.WithLabelValues(string(ev), outcome).Inc()
}

func (m *Metrics) observeDeleted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.GenerationsDeleted.Add(float64(n))
}

func (m *Metrics) observeNotification(outcome string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(outcome).Inc()
}

func (m *Metrics) setActive(prev, next string) {
	if m == nil {
		return
	}
	if prev != "" && prev != next {
		m.ActiveVersion.DeleteLabelValues(prev)
	}
	m.ActiveVersion.WithLabelValues(next).Set(1)
}
