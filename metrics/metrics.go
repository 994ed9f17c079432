// Package metrics exposes session and dispatch counters to Prometheus. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "remotedb"

// Login results.
const (
	LoginOK     = "ok"
	LoginDenied = "denied"
	LoginFailed = "failed"
)

// Metrics holds the collectors of one server.
type Metrics struct {
	sessionsOpen   prometheus.Gauge
	logins         *prometheus.CounterVec
	reaped         prometheus.Counter
	dispatchErrors *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. Collectors that are
// already registered are reused.
//
// Parameters:
//   - reg: The registry to register with
//
// Returns:
//   - The Metrics
//   - An error if a collector clashes with a different one of the same name
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		sessionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_open",
			Help:      "Number of open sessions.",
		}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logins_total",
			Help:      "Login attempts by result.",
		}, []string{"result"}),
		reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_reaped_total",
			Help:      "Sessions closed by the reaper.",
		}),
		dispatchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_errors_total",
			Help:      "Failed remote calls by operation.",
		}, []string{"op"}),
	}

	var err error
	m.sessionsOpen, err = register(reg, m.sessionsOpen)
	if err != nil {
		return nil, err
	}
	if m.logins, err = register(reg, m.logins); err != nil {
		return nil, err
	}
	if m.reaped, err = register(reg, m.reaped); err != nil {
		return nil, err
	}
	if m.dispatchErrors, err = register(reg, m.dispatchErrors); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// SessionOpened increments the open session gauge.
func (m *Metrics) SessionOpened() {
	if m != nil {
		m.sessionsOpen.Inc()
	}
}

// SessionClosed decrements the open session gauge.
func (m *Metrics) SessionClosed() {
	if m != nil {
		m.sessionsOpen.Dec()
	}
}

// Login counts a login attempt.
func (m *Metrics) Login(result string) {
	if m != nil {
		m.logins.WithLabelValues(result).Inc()
	}
}

// Reaped counts a session closed by the reaper.
func (m *Metrics) Reaped() {
	if m != nil {
		m.reaped.Inc()
	}
}

// DispatchError counts a failed remote call.
func (m *Metrics) DispatchError(op string) {
	if m != nil {
		m.dispatchErrors.WithLabelValues(op).Inc()
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
