package tofubot

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const metricsNamespace = "tofubot"

const (
	tierLabel      = "tier"
	tierThirtyMin  = "30m"
	tierTwoMin     = "2m"
	commandLabel   = "command"
	outcomeLabel   = "outcome"
	outcomeOK      = "ok"
	outcomeError   = "error"
	outcomeInvalid = "invalid"
	outcomeDenied  = "denied"
)

// Metrics holds the bot's Prometheus collectors. Each bot gets its own
// registry so tests can create as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	promoted         *prometheus.CounterVec
	fired            prometheus.Counter
	firedLate        prometheus.Counter
	deliveryFailures prometheus.Counter
	persistFailures  prometheus.Counter
	tierSize         *prometheus.GaugeVec
	commands         *prometheus.CounterVec
	discordConnected prometheus.Gauge
	bansLifted       prometheus.Counter
}

func newMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		promoted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "reminders_promoted_total",
				Help:      "Reminder occurrences promoted into a polling tier.",
			},
			[]string{tierLabel},
		),
		fired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "reminders_fired_total",
				Help:      "Reminder occurrences handed to discord for delivery.",
			},
		),
		firedLate: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "reminders_fired_late_total",
				Help:      "Reminder occurrences fired after their due second.",
			},
		),
		deliveryFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "reminder_delivery_failures_total",
				Help:      "Reminder messages discord refused. These are not retried.",
			},
		),
		persistFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "reminder_persist_failures_total",
				Help:      "Failed writes of the reminder table.",
			},
		),
		tierSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "reminder_tier_size",
				Help:      "Reminder occurrences currently held in each polling tier.",
			},
			[]string{tierLabel},
		),
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "commands_total",
				Help:      "Slash commands handled, by command and outcome.",
			},
			[]string{commandLabel, outcomeLabel},
		),
		discordConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "discord_connected",
				Help:      "1 while the discord gateway is connected.",
			},
		),
		bansLifted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "voice_bans_lifted_total",
				Help:      "Voice bans lifted by expiry or /unban.",
			},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.promoted,
		m.fired,
		m.firedLate,
		m.deliveryFailures,
		m.persistFailures,
		m.tierSize,
		m.commands,
		m.discordConnected,
		m.bansLifted,
	)
	return m
}

// registerReminderCount exposes the reminder table size as a gauge
func (m *Metrics) registerReminderCount(table *ReminderTable) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "reminders",
				Help:      "Reminder definitions in the table.",
			},
			func() float64 {
				return float64(table.Len())
			},
		),
	)
}

func (m *Metrics) commandHandled(command string, outcome string) {
	m.commands.WithLabelValues(command, outcome).Inc()
}
