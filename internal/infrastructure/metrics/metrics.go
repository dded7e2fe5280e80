// Package metrics exposes workflow counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/garyjia/expense-approval/internal/application/port"
	"github.com/garyjia/expense-approval/internal/domain/event"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "expense_approval"

// Collector implements port.Metrics and observes dispatcher handlers
type Collector struct {
	gatherer prometheus.Gatherer

	// submitted counts expenses by rule kind ("none" when no rule was active)
	submitted *prometheus.CounterVec

	// tasksPerExpense tracks how many approval tasks a submission created
	tasksPerExpense prometheus.Histogram

	// decisions counts decisions by action and resulting outcome
	decisions *prometheus.CounterVec

	retries prometheus.Counter

	// notifications counts delivery attempts by channel and result
	notifications *prometheus.CounterVec

	// handlerRuns counts event handler executions by event type, handler and result
	handlerRuns *prometheus.CounterVec
}

// New registers the collectors on reg. Pass prometheus.NewRegistry() in tests
// to avoid duplicate registration against the default registry.
func New(reg *prometheus.Registry) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		gatherer: reg,
		submitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expenses_submitted_total",
			Help:      "Expenses submitted by rule kind",
		}, []string{"rule_kind"}),
		tasksPerExpense: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "approval_tasks_per_expense",
			Help:      "Approval tasks created when an expense is submitted",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13},
		}),
		decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Approver decisions by action and outcome",
		}, []string{"action", "outcome"}),
		retries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decision_retries_total",
			Help:      "Decisions retried after a concurrent update",
		}),
		notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Approver notification attempts by channel and result",
		}, []string{"channel", "result"}),
		handlerRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_handler_runs_total",
			Help:      "Event handler executions by event type, handler and result",
		}, []string{"event_type", "handler", "result"}),
	}
}

// ExpenseSubmitted implements port.Metrics
func (c *Collector) ExpenseSubmitted(ruleKind string, taskCount int) {
	if ruleKind == "" {
		ruleKind = "none"
	}
	c.submitted.WithLabelValues(ruleKind).Inc()
	c.tasksPerExpense.Observe(float64(taskCount))
}

// DecisionRecorded implements port.Metrics
func (c *Collector) DecisionRecorded(action, outcome string) {
	c.decisions.WithLabelValues(action, outcome).Inc()
}

// ConcurrencyRetry implements port.Metrics
func (c *Collector) ConcurrencyRetry() {
	c.retries.Inc()
}

// NotificationDelivered implements port.Metrics
func (c *Collector) NotificationDelivered(channel string, err error) {
	c.notifications.WithLabelValues(channel, result(err)).Inc()
}

// ObserveHandler matches dispatcher.Observer
func (c *Collector) ObserveHandler(eventType event.Type, handlerName string, err error) {
	c.handlerRuns.WithLabelValues(string(eventType), handlerName, result(err)).Inc()
}

// Handler serves the registry in the Prometheus text format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

var _ port.Metrics = (*Collector)(nil)
