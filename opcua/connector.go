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

// Package opcua implements the gateway transport on top of gopcua.
package opcua

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	gopcua "github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	gateway "github.com/edgeo-scada/opcua-gateway"
)

// Connector opens gopcua client connections for the gateway.
type Connector struct {
	opts    *connectorOptions
	logger  *slog.Logger
	metrics *Metrics
}

var _ gateway.Connector = (*Connector)(nil)

// NewConnector creates a Connector.
func NewConnector(opts ...Option) *Connector {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	return &Connector{
		opts:    options,
		logger:  options.logger,
		metrics: options.metrics,
	}
}

// Connect discovers the endpoint matching cfg, opens a secure channel and
// activates a session.
func (c *Connector) Connect(ctx context.Context, cfg gateway.EndpointConfig) (gateway.Transport, error) {
	t, err := c.connect(ctx, cfg)
	c.metrics.connected(err)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (c *Connector) connect(ctx context.Context, cfg gateway.EndpointConfig) (*transport, error) {
	c.logger.Debug("connecting",
		slog.String("addr", cfg.URL),
		slog.String("security_mode", cfg.SecurityMode.String()),
		slog.String("security_policy", cfg.SecurityPolicy))

	endpoints, err := gopcua.GetEndpoints(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("get endpoints: %w", wrapError(err))
	}

	ep := selectEndpoint(endpoints, cfg.SecurityPolicy, cfg.SecurityMode)
	if ep == nil {
		return nil, fmt.Errorf("no endpoint matches policy=%s mode=%s", cfg.SecurityPolicy, cfg.SecurityMode)
	}

	opts, err := c.clientOptions(cfg, ep)
	if err != nil {
		return nil, err
	}

	// The server may advertise a hostname the gateway cannot reach.
	connectURL := ep.EndpointURL
	if connectURL != cfg.URL {
		c.logger.Debug("server advertised a different endpoint url, using configured url",
			slog.String("advertised", connectURL),
			slog.String("addr", cfg.URL))
		connectURL = cfg.URL
	}

	client, err := gopcua.NewClient(connectURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}

	// The connection outlives ctx, which only bounds the handshake.
	connCtx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- client.Connect(connCtx)
	}()

	select {
	case err := <-errc:
		if err != nil {
			cancel()
			return nil, fmt.Errorf("connect: %w", wrapError(err))
		}
	case <-ctx.Done():
		cancel()
		client.Close(context.Background())
		return nil, ctx.Err()
	}

	c.logger.Info("connected",
		slog.String("addr", cfg.URL),
		slog.String("security_policy", strings.TrimPrefix(ep.SecurityPolicyURI, ua.SecurityPolicyURIPrefix)))

	t := newTransport(client, cancel, cfg.URL, c.opts)
	go t.run()
	return t, nil
}

func (c *Connector) clientOptions(cfg gateway.EndpointConfig, ep *ua.EndpointDescription) ([]gopcua.Option, error) {
	tokenType := ua.UserTokenTypeAnonymous
	if c.opts.authType == AuthTypeUserPassword {
		tokenType = ua.UserTokenTypeUserName
	}

	opts := []gopcua.Option{
		gopcua.SecurityFromEndpoint(ep, tokenType),
		gopcua.ApplicationURI(c.opts.applicationURI),
		gopcua.SessionTimeout(c.opts.sessionTimeout),
		gopcua.RequestTimeout(c.opts.requestTimeout),
		// Reconnection is driven by the gateway session.
		gopcua.AutoReconnect(false),
	}

	switch c.opts.authType {
	case AuthTypeUserPassword:
		opts = append(opts, gopcua.AuthUsername(c.opts.username, c.opts.password))
	default:
		opts = append(opts, gopcua.AuthAnonymous())
	}

	if cfg.SecurityMode == gateway.SecurityModeNone {
		return opts, nil
	}

	if c.opts.certificates == nil {
		return nil, fmt.Errorf("%w: no certificate store configured", gateway.ErrCertificateNotFound)
	}
	bundle, err := c.opts.certificates.Get(cfg.CertificateBundleRef)
	if err != nil {
		return nil, err
	}
	if !cfg.SkipVerify {
		if err := bundle.VerifyServerCertificate(ep.ServerCertificate); err != nil {
			return nil, err
		}
	}

	return append(opts,
		gopcua.Certificate(bundle.Certificate),
		gopcua.PrivateKey(bundle.PrivateKey),
	), nil
}

// selectEndpoint returns the endpoint with the requested policy and mode,
// falling back to an endpoint with the requested policy and a stronger mode.
func selectEndpoint(endpoints []*ua.EndpointDescription, policy string, mode gateway.SecurityMode) *ua.EndpointDescription {
	targetURI := ua.SecurityPolicyURIPrefix + policy
	targetMode := messageSecurityMode(mode)

	for _, ep := range endpoints {
		if ep.SecurityPolicyURI == targetURI && ep.SecurityMode == targetMode {
			return ep
		}
	}
	// Never fall back to a weaker mode than requested.
	for _, ep := range endpoints {
		if ep.SecurityPolicyURI == targetURI && securityRank(ep.SecurityMode) > securityRank(targetMode) {
			return ep
		}
	}
	return nil
}

// securityRank orders message security modes from weakest to strongest.
func securityRank(mode ua.MessageSecurityMode) int {
	switch mode {
	case ua.MessageSecurityModeNone:
		return 1
	case ua.MessageSecurityModeSign:
		return 2
	case ua.MessageSecurityModeSignAndEncrypt:
		return 3
	default:
		return 0
	}
}

func messageSecurityMode(mode gateway.SecurityMode) ua.MessageSecurityMode {
	switch mode {
	case gateway.SecurityModeSign:
		return ua.MessageSecurityModeSign
	case gateway.SecurityModeSignAndEncrypt:
		return ua.MessageSecurityModeSignAndEncrypt
	default:
		return ua.MessageSecurityModeNone
	}
}

// errNoResults reports a response without per-node results.
var errNoResults = errors.New("opcua: response contains no results")
