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

package opcua

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the client-side collectors of every transport a Connector
// opened. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Connects        prometheus.Counter
	ConnectErrors   prometheus.Counter
	ConnectionLoss  prometheus.Counter
	ActiveConns     prometheus.Gauge
	MonitoredItems  prometheus.Gauge
	ServiceRequests *prometheus.CounterVec
	ServiceErrors   *prometheus.CounterVec
	ServiceDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg when reg is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	const namespace, subsystem = "opcua_gateway", "client"

	m := &Metrics{
		Connects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connects_total",
			Help:      "Sessions activated on OPC UA servers",
		}),
		ConnectErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connect_errors_total",
			Help:      "Failed endpoint discovery, channel or session activation attempts",
		}),
		ConnectionLoss: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connection_loss_total",
			Help:      "Connections lost after activation",
		}),
		ActiveConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections_active",
			Help:      "Open client connections",
		}),
		MonitoredItems: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "monitored_items",
			Help:      "Monitored items created on OPC UA servers",
		}),
		ServiceRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "service_requests_total",
			Help:      "OPC UA service calls by service",
		}, []string{"service"}),
		ServiceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "service_errors_total",
			Help:      "Failed OPC UA service calls by service",
		}, []string{"service"}),
		ServiceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "service_duration_seconds",
			Help:      "Duration of OPC UA service calls",
			Buckets:   []float64{.005, .025, .1, .25, .5, 1, 5, 10},
		}, []string{"service"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Connects, m.ConnectErrors, m.ConnectionLoss, m.ActiveConns, m.MonitoredItems,
			m.ServiceRequests, m.ServiceErrors, m.ServiceDuration,
		)
	}
	return m
}

func (m *Metrics) connected(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.ConnectErrors.Inc()
		return
	}
	m.Connects.Inc()
	m.ActiveConns.Inc()
}

func (m *Metrics) disconnected(items int) {
	if m != nil {
		m.ActiveConns.Dec()
		m.MonitoredItems.Sub(float64(items))
	}
}

func (m *Metrics) connectionLost() {
	if m != nil {
		m.ConnectionLoss.Inc()
	}
}

func (m *Metrics) monitored(delta float64) {
	if m != nil {
		m.MonitoredItems.Add(delta)
	}
}

func (m *Metrics) observe(service string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.ServiceRequests.WithLabelValues(service).Inc()
	m.ServiceDuration.WithLabelValues(service).Observe(time.Since(start).Seconds())
	if err != nil {
		m.ServiceErrors.WithLabelValues(service).Inc()
	}
}
