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
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// Option configures a Registry and the sessions it creates.
type Option func(*options)

type options struct {
	requestTimeout time.Duration

	// Connection settings
	connectRetries int
	connectRate    rate.Limit
	connectBurst   int

	// Reconnection settings
	reconnectBackoff       time.Duration
	maxReconnectTime       time.Duration
	maxConsecutiveFailures int

	// Eviction settings
	idleTimeout     time.Duration
	janitorInterval time.Duration

	// Delivery settings
	queueSize int

	// Callbacks
	onStateChange func(key EndpointKey, state SessionState)

	logger  *slog.Logger
	metrics *Metrics
}

func defaultOptions() *options {
	return &options{
		requestTimeout:         DefaultTimeout,
		connectRetries:         3,
		connectRate:            rate.Limit(5),
		connectBurst:           5,
		reconnectBackoff:       1 * time.Second,
		maxReconnectTime:       30 * time.Second,
		maxConsecutiveFailures: 10,
		idleTimeout:            2 * time.Minute,
		janitorInterval:        15 * time.Second,
		queueSize:              256,
		logger:                 slog.Default(),
	}
}

// WithRequestTimeout sets the timeout for each synchronous operation.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) {
		o.requestTimeout = d
	}
}

// WithConnectRetries sets how many connect attempts Acquire makes before failing.
func WithConnectRetries(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.connectRetries = n
		}
	}
}

// WithConnectRate limits connect attempts across all endpoints.
func WithConnectRate(perSecond float64, burst int) Option {
	return func(o *options) {
		o.connectRate = rate.Limit(perSecond)
		o.connectBurst = burst
	}
}

// WithReconnectBackoff sets the initial backoff between reconnection attempts.
func WithReconnectBackoff(d time.Duration) Option {
	return func(o *options) {
		o.reconnectBackoff = d
	}
}

// WithMaxReconnectTime caps the backoff between reconnection attempts.
func WithMaxReconnectTime(d time.Duration) Option {
	return func(o *options) {
		o.maxReconnectTime = d
	}
}

// WithMaxConsecutiveFailures sets how many failed reconnects close a session.
func WithMaxConsecutiveFailures(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxConsecutiveFailures = n
		}
	}
}

// WithIdleTimeout sets the grace period before an unused session is evicted.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *options) {
		o.idleTimeout = d
	}
}

// WithJanitorInterval sets how often idle sessions are checked.
func WithJanitorInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.janitorInterval = d
		}
	}
}

// WithQueueSize sets the per-subscription notification queue length.
func WithQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// WithOnStateChange sets a callback invoked on every session state transition.
func WithOnStateChange(fn func(key EndpointKey, state SessionState)) Option {
	return func(o *options) {
		o.onStateChange = fn
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the metrics collectors.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// SubscribeOption configures a single subscription.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	queueSize int
}

// WithSubscriptionQueueSize overrides the registry queue size for one subscription.
func WithSubscriptionQueueSize(n int) SubscribeOption {
	return func(o *subscribeOptions) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// BrowseOption configures a BrowseEngine.
type BrowseOption func(*browseOptions)

type browseOptions struct {
	cacheSize int
	cacheTTL  time.Duration
	logger    *slog.Logger
	metrics   *Metrics
}

func defaultBrowseOptions() *browseOptions {
	return &browseOptions{
		cacheSize: 1024,
		cacheTTL:  5 * time.Second,
		logger:    slog.Default(),
	}
}

// WithAttributeCache sets the size and lifetime of the node attribute cache.
// A zero ttl disables caching.
func WithAttributeCache(size int, ttl time.Duration) BrowseOption {
	return func(o *browseOptions) {
		o.cacheSize = size
		o.cacheTTL = ttl
	}
}

// WithBrowseLogger sets the logger.
func WithBrowseLogger(logger *slog.Logger) BrowseOption {
	return func(o *browseOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithBrowseMetrics sets the metrics collectors.
func WithBrowseMetrics(m *Metrics) BrowseOption {
	return func(o *browseOptions) {
		o.metrics = m
	}
}
