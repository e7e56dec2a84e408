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

package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gateway "github.com/edgeo-scada/opcua-gateway"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, gateway.DefaultTimeout, cfg.RequestTimeout)
	assert.Equal(t, 3, cfg.ConnectRetries)
	assert.Equal(t, gateway.EventFilterServer, cfg.FilterMode())
	assert.Equal(t, 5*time.Minute, cfg.PollBufferTTL)
	assert.Equal(t, "urn:edgeo:opcua:gateway", cfg.OPCUA.ApplicationURI)
	assert.Empty(t, cfg.Datasources)

	level, err := cfg.LogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, level)
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	certPEM, keyPEM, err := gateway.GenerateSelfSigned(gateway.CertificateRequest{ApplicationURI: "urn:edgeo:test"})
	require.NoError(t, err)
	certFile := writeFile(t, dir, "cert.pem", string(certPEM))
	keyFile := writeFile(t, dir, "key.pem", string(keyPEM))

	file := writeFile(t, dir, "gateway.yaml", `
listen: ":9090"
request_timeout: 250ms
event_filter_mode: client
idle_timeout: 1m
log:
  level: debug
certificates:
  PlantCert:
    cert_file: `+certFile+`
    key_file: `+keyFile+`
datasources:
  Boiler:
    url: opc.tcp://boiler.local:4840
  Press:
    url: opc.tcp://press.local:4840
    security_mode: SignAndEncrypt
    certificate: PlantCert
`)

	cfg, err := Load(viper.New(), file)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, 250*time.Millisecond, cfg.RequestTimeout)
	assert.Equal(t, time.Minute, cfg.IdleTimeout)
	assert.Equal(t, gateway.EventFilterClient, cfg.FilterMode())
	assert.Equal(t, []string{"boiler", "press"}, cfg.DatasourceNames())

	press, err := cfg.Endpoint("Press")
	require.NoError(t, err)
	assert.Equal(t, gateway.SecurityModeSignAndEncrypt, press.SecurityMode)
	assert.Equal(t, gateway.SecurityPolicyBasic256Sha256, press.SecurityPolicy)
	assert.Equal(t, "plantcert", press.CertificateBundleRef)

	endpoints, err := cfg.Endpoints()
	require.NoError(t, err)
	assert.Len(t, endpoints, 2)
	assert.Equal(t, "opc.tcp://boiler.local:4840", endpoints["boiler"].URL)

	store, err := cfg.CertificateStore()
	require.NoError(t, err)
	bundle, err := store.Get(press.CertificateBundleRef)
	require.NoError(t, err)
	assert.NotNil(t, bundle.PrivateKey)

	_, err = cfg.Endpoint("mixer")
	assert.ErrorIs(t, err, ErrUnknownDatasource)

	assert.NotEmpty(t, cfg.RegistryOptions(slog.Default(), nil))
	assert.NotEmpty(t, cfg.ConnectorOptions(store, slog.Default()))
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("OPCUA_GATEWAY_LISTEN", "127.0.0.1:7000")
	t.Setenv("OPCUA_GATEWAY_LOG_LEVEL", "warn")
	t.Setenv("OPCUA_GATEWAY_EVENT_FILTER_MODE", "client")

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", cfg.Listen)
	assert.Equal(t, gateway.EventFilterClient, cfg.FilterMode())

	level, err := cfg.LogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level)
}

func TestLoad_Invalid(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name string
		yaml string
	}{
		{"unknown certificate", "datasources:\n  press:\n    url: opc.tcp://press.local:4840\n    security_mode: Sign\n    certificate: missing\n"},
		{"bad url", "datasources:\n  press:\n    url: http://press.local\n"},
		{"secure without certificate", "datasources:\n  press:\n    url: opc.tcp://press.local:4840\n    security_mode: Sign\n"},
		{"bad security mode", "datasources:\n  press:\n    url: opc.tcp://press.local:4840\n    security_mode: Encrypt\n"},
		{"bad filter mode", "event_filter_mode: sometimes\n"},
		{"bad log level", "log:\n  level: loud\n"},
		{"zero timeout", "request_timeout: 0s\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			file := writeFile(t, dir, "gateway.yaml", tt.yaml)
			_, err := Load(viper.New(), file)
			assert.Error(t, err)
		})
	}

	_, err := Load(viper.New(), filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestConfig_CertificateStoreMissingFiles(t *testing.T) {
	cfg := &Config{Certificates: map[string]CertificateConfig{
		"plant": {CertFile: "/nonexistent/cert.pem", KeyFile: "/nonexistent/key.pem"},
	}}
	_, err := cfg.CertificateStore()
	assert.Error(t, err)
}
