// Package throughput counts events per fixed time window for observability
package throughput

import (
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventsPerSecondGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "postscraper_intake_events_per_second",
	Help: "The number of events observed in the last completed one second window",
}, []string{"ident"})

// Monitor counts events and reports the rate once per window
// It never blocks or delays the caller beyond a short critical section
type Monitor struct {
	window time.Duration
	now    func() time.Time
	logger *slog.Logger
	gauge  prometheus.Gauge

	lk          sync.Mutex
	count       int64
	windowStart time.Time
	last        int64
}

// NewMonitor creates a Monitor with a one second window
func NewMonitor(ident string, logger *slog.Logger) *Monitor {
	return newMonitor(ident, logger, time.Second, time.Now)
}

func newMonitor(ident string, logger *slog.Logger, window time.Duration, now func() time.Time) *Monitor {
	return &Monitor{
		window:      window,
		now:         now,
		logger:      logger.With("component", "throughput-monitor", "ident", ident),
		gauge:       eventsPerSecondGauge.WithLabelValues(ident),
		windowStart: now(),
	}
}

// Observe counts one event, reporting and resetting the window once it has elapsed
func (m *Monitor) Observe() {
	m.lk.Lock()
	defer m.lk.Unlock()

	m.count++
	now := m.now()
	if now.Sub(m.windowStart) < m.window {
		return
	}

	m.last = m.count
	m.gauge.Set(float64(m.count))
	m.logger.Info("intake throughput", "events_per_second", m.count)

	m.count = 0
	m.windowStart = now
}

// Last returns the count reported for the most recent completed window
func (m *Monitor) Last() int64 {
	m.lk.Lock()
	defer m.lk.Unlock()
	return m.last
}
