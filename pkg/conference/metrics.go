package conference

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics сборщик метрик слоя конференций.
//
// Экспортирует Prometheus метрики с namespace "sip" и subsystem
// "conference". Каждый Core владеет собственным сборщиком; при nil
// Registerer используется отдельный реестр, что позволяет создавать
// несколько Core в одном процессе (тесты, несколько аккаунтов).
type Metrics struct {
	registry prometheus.Registerer

	conferencesTotal  prometheus.Counter
	conferencesActive prometheus.Gauge

	participantsActive prometheus.Gauge
	admissionsTotal    *prometheus.CounterVec
	removalsTotal      prometheus.Counter

	notificationsTotal *prometheus.CounterVec
	stateTransitions   *prometheus.CounterVec

	transfersTotal   *prometheus.CounterVec
	dialOutsTotal    prometheus.Counter
	pendingActionsRun prometheus.Counter
}

// NewMetrics создает сборщик метрик конференций.
//
// reg == nil создает изолированный реестр.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	m := &Metrics{registry: reg}

	m.conferencesTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "sip",
		Subsystem: "conference",
		Name:      "conferences_total",
		Help:      "Total number of conferences created",
	})

	m.conferencesActive = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "sip",
		Subsystem: "conference",
		Name:      "conferences_active",
		Help:      "Number of currently active conferences",
	})

	m.participantsActive = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "sip",
		Subsystem: "conference",
		Name:      "participants_active",
		Help:      "Number of participants across all active conferences",
	})

	m.admissionsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sip",
		Subsystem: "conference",
		Name:      "admissions_total",
		Help:      "Call admissions into conferences by result",
	}, []string{"result"})

	m.removalsTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "sip",
		Subsystem: "conference",
		Name:      "removals_total",
		Help:      "Participant removals from conferences",
	})

	m.notificationsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sip",
		Subsystem: "conference",
		Name:      "notifications_total",
		Help:      "Conference notifications dispatched to listeners by type",
	}, []string{"type"})

	m.stateTransitions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sip",
		Subsystem: "conference",
		Name:      "state_transitions_total",
		Help:      "Conference state transitions",
	}, []string{"from", "to"})

	m.transfersTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sip",
		Subsystem: "conference",
		Name:      "transfers_total",
		Help:      "REFER transfers toward the focus by result",
	}, []string{"result"})

	m.dialOutsTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "sip",
		Subsystem: "conference",
		Name:      "dial_outs_total",
		Help:      "Outgoing calls originated for dial-out conferences",
	})

	m.pendingActionsRun = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "sip",
		Subsystem: "conference",
		Name:      "pending_actions_run_total",
		Help:      "Deferred session actions executed",
	})

	return m
}

// Registerer возвращает реестр метрик
func (m *Metrics) Registerer() prometheus.Registerer {
	return m.registry
}

func (m *Metrics) conferenceCreated()  { m.conferencesTotal.Inc(); m.conferencesActive.Inc() }
func (m *Metrics) conferenceDeleted()  { m.conferencesActive.Dec() }
func (m *Metrics) participantAdded()   { m.participantsActive.Inc() }
func (m *Metrics) participantRemoved() { m.participantsActive.Dec(); m.removalsTotal.Inc() }

func (m *Metrics) admission(result string) {
	m.admissionsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) notification(kind string) {
	m.notificationsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) stateTransition(from, to State) {
	m.stateTransitions.WithLabelValues(from.String(), to.String()).Inc()
}

func (m *Metrics) transfer(result string) {
	m.transfersTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) dialOut() { m.dialOutsTotal.Inc() }

func (m *Metrics) pendingActionRun(n int) {
	m.pendingActionsRun.Add(float64(n))
}
