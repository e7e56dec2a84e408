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
	"log/slog"
	"time"

	gateway "github.com/edgeo-scada/opcua-gateway"
)

// Option configures a Connector.
type Option func(*connectorOptions)

type connectorOptions struct {
	// Security settings
	certificates *gateway.CertificateStore

	// Session settings
	sessionTimeout time.Duration
	requestTimeout time.Duration

	// Authentication settings
	authType AuthType
	username string
	password string

	// Subscription settings
	publishingInterval time.Duration
	watchInterval      time.Duration
	eventBuffer        int

	// Application description
	applicationURI string

	logger  *slog.Logger
	metrics *Metrics
}

// AuthType represents the type of user authentication.
type AuthType int

const (
	AuthTypeAnonymous AuthType = iota
	AuthTypeUserPassword
)

func defaultOptions() *connectorOptions {
	return &connectorOptions{
		sessionTimeout:     time.Hour,
		requestTimeout:     gateway.DefaultTimeout,
		authType:           AuthTypeAnonymous,
		publishingInterval: time.Second,
		watchInterval:      time.Second,
		eventBuffer:        1024,
		applicationURI:     "urn:edgeo:opcua:gateway",
		logger:             slog.Default(),
	}
}

// WithCertificates sets the store resolving EndpointConfig.CertificateBundleRef.
func WithCertificates(store *gateway.CertificateStore) Option {
	return func(o *connectorOptions) {
		o.certificates = store
	}
}

// WithSessionTimeout sets the requested session timeout.
func WithSessionTimeout(d time.Duration) Option {
	return func(o *connectorOptions) {
		o.sessionTimeout = d
	}
}

// WithRequestTimeout sets the default timeout of service calls.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *connectorOptions) {
		o.requestTimeout = d
	}
}

// WithAnonymousAuth uses anonymous authentication.
func WithAnonymousAuth() Option {
	return func(o *connectorOptions) {
		o.authType = AuthTypeAnonymous
	}
}

// WithUserPasswordAuth uses username/password authentication.
func WithUserPasswordAuth(username, password string) Option {
	return func(o *connectorOptions) {
		o.authType = AuthTypeUserPassword
		o.username = username
		o.password = password
	}
}

// WithPublishingInterval sets the publishing interval of the transport's subscription.
func WithPublishingInterval(d time.Duration) Option {
	return func(o *connectorOptions) {
		if d > 0 {
			o.publishingInterval = d
		}
	}
}

// WithWatchInterval sets how often the connection state is checked.
func WithWatchInterval(d time.Duration) Option {
	return func(o *connectorOptions) {
		if d > 0 {
			o.watchInterval = d
		}
	}
}

// WithEventBuffer sets the capacity of the transport event channel.
func WithEventBuffer(n int) Option {
	return func(o *connectorOptions) {
		if n > 0 {
			o.eventBuffer = n
		}
	}
}

// WithApplicationURI sets the application URI.
func WithApplicationURI(uri string) Option {
	return func(o *connectorOptions) {
		o.applicationURI = uri
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *connectorOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the client collectors. Without it nothing is recorded.
func WithMetrics(m *Metrics) Option {
	return func(o *connectorOptions) {
		o.metrics = m
	}
}
