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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	gateway "github.com/edgeo-scada/opcua-gateway"
	"github.com/edgeo-scada/opcua-gateway/opcua"
)

// cliBundle is the certificate store reference of the --cert/--key bundle.
const cliBundle = "cli"

// newLogger builds the command logger from --log-level, --log-format and --verbose.
func newLogger() *slog.Logger {
	level := slog.LevelWarn
	switch strings.ToLower(viper.GetString("log.level")) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(viper.GetString("log.format"), "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func requestTimeout() time.Duration {
	return time.Duration(viper.GetInt("timeout")) * time.Millisecond
}

// endpointConfig builds the endpoint configuration and certificate store from
// CLI flags.
func endpointConfig() (gateway.EndpointConfig, *gateway.CertificateStore, error) {
	mode, err := gateway.ParseSecurityMode(viper.GetString("security-mode"))
	if err != nil {
		return gateway.EndpointConfig{}, nil, err
	}

	cfg := gateway.EndpointConfig{
		URL:            viper.GetString("endpoint"),
		SecurityMode:   mode,
		SecurityPolicy: viper.GetString("security-policy"),
		SkipVerify:     skipVerify,
	}

	store := gateway.NewCertificateStore()
	switch {
	case certFile != "" && keyFile != "":
		bundle, err := gateway.LoadCertificateBundleFiles(certFile, keyFile, caFile)
		if err != nil {
			return gateway.EndpointConfig{}, nil, err
		}
		store.Add(cliBundle, bundle)
		cfg.CertificateBundleRef = cliBundle
	case certFile != "" || keyFile != "":
		return gateway.EndpointConfig{}, nil, fmt.Errorf("both --cert and --key must be specified together")
	}

	if mode != gateway.SecurityModeNone && cfg.CertificateBundleRef == "" {
		return gateway.EndpointConfig{}, nil, fmt.Errorf("security mode %s requires a client certificate (use --cert and --key)", mode)
	}

	cfg, err = cfg.Validate()
	if err != nil {
		return gateway.EndpointConfig{}, nil, err
	}
	return cfg, store, nil
}

// withSession connects to the endpoint from the CLI flags, runs fn and closes
// the connection.
func withSession(ctx context.Context, fn func(s *gateway.Session) error) error {
	cfg, store, err := endpointConfig()
	if err != nil {
		return err
	}

	logger := newLogger()
	connector := opcua.NewConnector(
		opcua.WithCertificates(store),
		opcua.WithRequestTimeout(requestTimeout()),
		opcua.WithLogger(logger),
	)
	registry, err := gateway.NewRegistry(connector,
		gateway.WithRequestTimeout(requestTimeout()),
		gateway.WithConnectRetries(1),
		gateway.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	defer registry.Close()

	return registry.Execute(ctx, cfg, fn)
}
