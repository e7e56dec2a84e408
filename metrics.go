// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "opcua_gateway"

// Metrics holds the gateway's prometheus collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	// Registry metrics
	SessionsActive  prometheus.Gauge
	ConnectAttempts *prometheus.CounterVec
	Evictions       prometheus.Counter

	// Session metrics
	StateTransitions *prometheus.CounterVec
	Reconnections    prometheus.Counter
	RequestDuration  *prometheus.HistogramVec
	RequestErrors    *prometheus.CounterVec

	// Subscription metrics
	SubscriptionsActive    prometheus.Gauge
	MonitoredItems         prometheus.Gauge
	NotificationsDelivered prometheus.Counter
	NotificationsDropped   prometheus.Counter

	// Browse metrics
	AttributeCacheHits   prometheus.Counter
	AttributeCacheMisses prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg when reg is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "registry",
			Name:      "sessions_active",
			Help:      "Number of live sessions held by the registry",
		}),
		ConnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "registry",
			Name:      "connect_attempts_total",
			Help:      "Connection attempts by result",
		}, []string{"result"}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "registry",
			Name:      "evictions_total",
			Help:      "Idle sessions evicted by the registry",
		}),
		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "session",
			Name:      "state_transitions_total",
			Help:      "Session state transitions by target state",
		}, []string{"state"}),
		Reconnections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "session",
			Name:      "reconnections_total",
			Help:      "Reconnection attempts",
		}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "session",
			Name:      "request_duration_seconds",
			Help:      "Duration of synchronous session operations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		RequestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "session",
			Name:      "request_errors_total",
			Help:      "Failed synchronous session operations",
		}, []string{"operation"}),
		SubscriptionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "subscriptions",
			Name:      "active",
			Help:      "Registered caller subscriptions",
		}),
		MonitoredItems: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "subscriptions",
			Name:      "monitored_items",
			Help:      "Monitored items shared by caller subscriptions",
		}),
		NotificationsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "subscriptions",
			Name:      "notifications_delivered_total",
			Help:      "Notifications handed to caller sinks",
		}),
		NotificationsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "subscriptions",
			Name:      "notifications_dropped_total",
			Help:      "Notifications dropped because a caller queue was full",
		}),
		AttributeCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "browse",
			Name:      "attribute_cache_hits_total",
			Help:      "Attribute dictionary reads served from cache",
		}),
		AttributeCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "browse",
			Name:      "attribute_cache_misses_total",
			Help:      "Attribute dictionary reads sent to the server",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.SessionsActive, m.ConnectAttempts, m.Evictions,
			m.StateTransitions, m.Reconnections, m.RequestDuration, m.RequestErrors,
			m.SubscriptionsActive, m.MonitoredItems, m.NotificationsDelivered, m.NotificationsDropped,
			m.AttributeCacheHits, m.AttributeCacheMisses,
		)
	}
	return m
}

func (m *Metrics) sessionOpened() {
	if m != nil {
		m.SessionsActive.Inc()
	}
}

func (m *Metrics) sessionClosed() {
	if m != nil {
		m.SessionsActive.Dec()
	}
}

func (m *Metrics) connectAttempt(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.ConnectAttempts.WithLabelValues("failure").Inc()
		return
	}
	m.ConnectAttempts.WithLabelValues("success").Inc()
}

func (m *Metrics) evicted() {
	if m != nil {
		m.Evictions.Inc()
	}
}

func (m *Metrics) transition(state SessionState) {
	if m != nil {
		m.StateTransitions.WithLabelValues(state.String()).Inc()
	}
}

func (m *Metrics) reconnecting() {
	if m != nil {
		m.Reconnections.Inc()
	}
}

func (m *Metrics) observe(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		m.RequestErrors.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) subscriptionAdded(delta float64) {
	if m != nil {
		m.SubscriptionsActive.Add(delta)
	}
}

func (m *Metrics) monitoredItemAdded(delta float64) {
	if m != nil {
		m.MonitoredItems.Add(delta)
	}
}

func (m *Metrics) delivered() {
	if m != nil {
		m.NotificationsDelivered.Inc()
	}
}

func (m *Metrics) dropped() {
	if m != nil {
		m.NotificationsDropped.Inc()
	}
}

func (m *Metrics) cacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.AttributeCacheHits.Inc()
		return
	}
	m.AttributeCacheMisses.Inc()
}
