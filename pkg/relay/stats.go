// Copyright 2024-2026 Aiku AI

package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Stats counts what happened to inbound envelopes. The counters live on a
// registry owned by the instance, so several relays can run in one process.
type Stats struct {
	registry *prometheus.Registry

	Admitted          prometheus.Counter
	Duplicates        prometheus.Counter
	Broadcasts        prometheus.Counter
	BroadcastFailures prometheus.Counter
	Forwarded         prometheus.Counter
	ForwardFailures   prometheus.Counter
	OutboxDropped     prometheus.Counter
	ExternalFiltered  prometheus.Counter
	ExternalEmpty     prometheus.Counter
}

// NewStats creates the counters on a fresh registry.
func NewStats() *Stats {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Name:      name,
			Help:      help,
		})
	}
	return &Stats{
		registry: reg,

		Admitted:          counter("envelopes_admitted_total", "Envelopes that passed dedup"),
		Duplicates:        counter("envelopes_duplicate_total", "Envelopes dropped as duplicates"),
		Broadcasts:        counter("broadcasts_total", "Envelopes delivered to client connections"),
		BroadcastFailures: counter("broadcast_failures_total", "Failed deliveries to client connections"),
		Forwarded:         counter("external_forwarded_total", "Lines sent to the external channel"),
		ForwardFailures:   counter("external_forward_failures_total", "Failed sends to the external channel"),
		OutboxDropped:     counter("outbox_dropped_total", "Lines dropped because the outbox was full"),
		ExternalFiltered:  counter("external_filtered_total", "External messages from unbridged chats"),
		ExternalEmpty:     counter("external_empty_total", "External updates without text"),
	}
}

// Registry returns the registry holding the counters. Callers may register
// more collectors on it.
func (s *Stats) Registry() *prometheus.Registry {
	return s.registry
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Admitted          int64 `json:"admitted"`
	Duplicates        int64 `json:"duplicates"`
	Broadcasts        int64 `json:"broadcasts"`
	BroadcastFailures int64 `json:"broadcast_failures"`
	Forwarded         int64 `json:"forwarded"`
	ForwardFailures   int64 `json:"forward_failures"`
	OutboxDropped     int64 `json:"outbox_dropped"`
	ExternalFiltered  int64 `json:"external_filtered"`
	ExternalEmpty     int64 `json:"external_empty"`
}

// Snapshot copies the current counter values.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Admitted:          counterValue(s.Admitted),
		Duplicates:        counterValue(s.Duplicates),
		Broadcasts:        counterValue(s.Broadcasts),
		BroadcastFailures: counterValue(s.BroadcastFailures),
		Forwarded:         counterValue(s.Forwarded),
		ForwardFailures:   counterValue(s.ForwardFailures),
		OutboxDropped:     counterValue(s.OutboxDropped),
		ExternalFiltered:  counterValue(s.ExternalFiltered),
		ExternalEmpty:     counterValue(s.ExternalEmpty),
	}
}

func counterValue(c prometheus.Counter) int64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return int64(m.GetCounter().GetValue())
}
