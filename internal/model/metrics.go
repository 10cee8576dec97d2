package model

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts arbitration decisions. All methods are nil-safe so the
// model can run without a registry in tests.
type Metrics struct {
	grants        *prometheus.CounterVec
	rejections    *prometheus.CounterVec
	releases      *prometheus.CounterVec
	loads         prometheus.Counter
	supersessions prometheus.Counter
	lockHeld      *prometheus.GaugeVec
}

// NewMetrics registers arbitration metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		grants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "viewsync_lock_grants_total",
			Help: "Interaction lock grants and refreshes by kind.",
		}, []string{"kind"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "viewsync_lock_rejections_total",
			Help: "Commands rejected because the lock was unavailable.",
		}, []string{"kind"}),
		releases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "viewsync_lock_releases_total",
			Help: "Lock releases by reason.",
		}, []string{"reason"}),
		loads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "viewsync_loads_total",
			Help: "Documents published via accepted StartLoad commands.",
		}),
		supersessions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "viewsync_load_supersessions_total",
			Help: "StartLoad commands dropped by the supersession rule.",
		}),
		lockHeld: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "viewsync_lock_held",
			Help: "Whether the interaction lock is currently held, by kind.",
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.grants, m.rejections, m.releases, m.loads, m.supersessions, m.lockHeld)
	}
	return m
}

func (m *Metrics) grant(kind string) {
	if m == nil {
		return
	}
	m.grants.WithLabelValues(kind).Inc()
}

func (m *Metrics) reject(kind string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(kind).Inc()
}

func (m *Metrics) release(reason string) {
	if m == nil {
		return
	}
	m.releases.WithLabelValues(reason).Inc()
}

func (m *Metrics) load() {
	if m == nil {
		return
	}
	m.loads.Inc()
}

func (m *Metrics) supersede() {
	if m == nil {
		return
	}
	m.supersessions.Inc()
}

func (m *Metrics) setLock(kind string) {
	if m == nil {
		return
	}
	for _, k := range []string{"none", "place", "load"} {
		val := 0.0
		if k == kind {
			val = 1
		}
		m.lockHeld.WithLabelValues(k).Set(val)
	}
}
