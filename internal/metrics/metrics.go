// Package metrics exposes the messaging core's Prometheus collectors. A nil
// *Collectors is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sideline_chat"

type Collectors struct {
	messagesAppended    prometheus.Counter
	eventsPublished     *prometheus.CounterVec
	outboxRetries       prometheus.Counter
	outboxDeadLetters   prometheus.Counter
	activeSubscriptions prometheus.Gauge
	evictions           prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		messagesAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_appended_total",
			Help:      "Messages durably appended, excluding idempotent replays.",
		}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Outbox events handed to the realtime publisher.",
		}, []string{"type"}),
		outboxRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_retries_total",
			Help:      "Failed publish attempts scheduled for retry.",
		}),
		outboxDeadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_dead_letters_total",
			Help:      "Events abandoned after exhausting retries.",
		}),
		activeSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_subscriptions",
			Help:      "Open realtime subscriptions on this node.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slow_subscriber_evictions_total",
			Help:      "Subscriptions closed because their buffer was full.",
		}),
	}
	reg.MustRegister(
		c.messagesAppended,
		c.eventsPublished,
		c.outboxRetries,
		c.outboxDeadLetters,
		c.activeSubscriptions,
		c.evictions,
	)
	return c
}

func (c *Collectors) MessageAppended() {
	if c != nil {
		c.messagesAppended.Inc()
	}
}

func (c *Collectors) EventPublished(eventType string) {
	if c != nil {
		c.eventsPublished.WithLabelValues(eventType).Inc()
	}
}

func (c *Collectors) OutboxRetry() {
	if c != nil {
		c.outboxRetries.Inc()
	}
}

func (c *Collectors) OutboxDeadLetter() {
	if c != nil {
		c.outboxDeadLetters.Inc()
	}
}

func (c *Collectors) SubscriptionOpened() {
	if c != nil {
		c.activeSubscriptions.Inc()
	}
}

func (c *Collectors) SubscriptionClosed() {
	if c != nil {
		c.activeSubscriptions.Dec()
	}
}

func (c *Collectors) SubscriberEvicted() {
	if c != nil {
		c.evictions.Inc()
	}
}
