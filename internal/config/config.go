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

// Package config loads the gateway process configuration from a YAML file and
// OPCUA_GATEWAY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	gateway "github.com/edgeo-scada/opcua-gateway"
	"github.com/edgeo-scada/opcua-gateway/opcua"
)

// EnvPrefix is the prefix of environment variables overriding file settings.
const EnvPrefix = "OPCUA_GATEWAY"

// Config is the gateway process configuration.
type Config struct {
	Listen string `mapstructure:"listen"`

	RequestTimeout         time.Duration `mapstructure:"request_timeout"`
	ConnectRetries         int           `mapstructure:"connect_retries"`
	ConnectRate            float64       `mapstructure:"connect_rate"`
	ConnectBurst           int           `mapstructure:"connect_burst"`
	ReconnectBackoff       time.Duration `mapstructure:"reconnect_backoff"`
	MaxReconnectTime       time.Duration `mapstructure:"max_reconnect_time"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`
	IdleTimeout            time.Duration `mapstructure:"idle_timeout"`
	QueueSize              int           `mapstructure:"queue_size"`

	EventFilterMode    string        `mapstructure:"event_filter_mode"`
	PollBufferSize     int           `mapstructure:"poll_buffer_size"`
	PollBufferTTL      time.Duration `mapstructure:"poll_buffer_ttl"`
	AttributeCacheSize int           `mapstructure:"attribute_cache_size"`
	AttributeCacheTTL  time.Duration `mapstructure:"attribute_cache_ttl"`

	Log   LogConfig   `mapstructure:"log"`
	OPCUA OPCUAConfig `mapstructure:"opcua"`

	Certificates map[string]CertificateConfig `mapstructure:"certificates"`
	Datasources  map[string]DatasourceConfig  `mapstructure:"datasources"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// OPCUAConfig configures the client side of every connection.
type OPCUAConfig struct {
	ApplicationURI     string        `mapstructure:"application_uri"`
	SessionTimeout     time.Duration `mapstructure:"session_timeout"`
	PublishingInterval time.Duration `mapstructure:"publishing_interval"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
}

// CertificateConfig names the PEM files of one certificate bundle.
type CertificateConfig struct {
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
	CAFile   string `mapstructure:"ca_file"`
}

// DatasourceConfig is one configured OPC UA endpoint.
type DatasourceConfig struct {
	URL            string `mapstructure:"url"`
	SecurityMode   string `mapstructure:"security_mode"`
	SecurityPolicy string `mapstructure:"security_policy"`
	Certificate    string `mapstructure:"certificate"`
	TLSSkipVerify  bool   `mapstructure:"tls_skip_verify"`
}

// ErrUnknownDatasource indicates a datasource name missing from the configuration.
var ErrUnknownDatasource = errors.New("config: unknown datasource")

// setDefaults registers every scalar key so that environment variables can
// override it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":8080")
	v.SetDefault("request_timeout", gateway.DefaultTimeout)
	v.SetDefault("connect_retries", 3)
	v.SetDefault("connect_rate", 5.0)
	v.SetDefault("connect_burst", 5)
	v.SetDefault("reconnect_backoff", time.Second)
	v.SetDefault("max_reconnect_time", 30*time.Second)
	v.SetDefault("max_consecutive_failures", 10)
	v.SetDefault("idle_timeout", 2*time.Minute)
	v.SetDefault("queue_size", 256)
	v.SetDefault("event_filter_mode", "server")
	v.SetDefault("poll_buffer_size", 1000)
	v.SetDefault("poll_buffer_ttl", 5*time.Minute)
	v.SetDefault("attribute_cache_size", 1024)
	v.SetDefault("attribute_cache_ttl", 5*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("opcua.application_uri", "urn:edgeo:opcua:gateway")
	v.SetDefault("opcua.session_timeout", time.Hour)
	v.SetDefault("opcua.publishing_interval", time.Second)
	v.SetDefault("opcua.username", "")
	v.SetDefault("opcua.password", "")
}

// Load reads file (optional) and the environment into a validated Config.
func Load(v *viper.Viper, file string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for values the gateway cannot run with.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return errors.New("config: listen address cannot be empty")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("config: request_timeout must be positive")
	}
	if _, err := gateway.ParseEventFilterMode(c.EventFilterMode); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	for name := range c.Datasources {
		if _, err := c.Endpoint(name); err != nil {
			return err
		}
	}
	return nil
}

// Endpoint resolves a datasource into an EndpointConfig.
func (c *Config) Endpoint(name string) (gateway.EndpointConfig, error) {
	ds, ok := c.Datasources[strings.ToLower(name)]
	if !ok {
		return gateway.EndpointConfig{}, fmt.Errorf("%w: %q", ErrUnknownDatasource, name)
	}

	mode, err := gateway.ParseSecurityMode(ds.SecurityMode)
	if err != nil {
		return gateway.EndpointConfig{}, fmt.Errorf("config: datasource %q: %w", name, err)
	}
	if ds.Certificate != "" {
		if _, ok := c.Certificates[strings.ToLower(ds.Certificate)]; !ok {
			return gateway.EndpointConfig{}, fmt.Errorf("config: datasource %q: %w: %q", name, gateway.ErrCertificateNotFound, ds.Certificate)
		}
	}

	ep, err := gateway.EndpointConfig{
		URL:                  ds.URL,
		SecurityMode:         mode,
		SecurityPolicy:       ds.SecurityPolicy,
		CertificateBundleRef: strings.ToLower(ds.Certificate),
		SkipVerify:           ds.TLSSkipVerify,
	}.Validate()
	if err != nil {
		return gateway.EndpointConfig{}, fmt.Errorf("config: datasource %q: %w", name, err)
	}
	return ep, nil
}

// Endpoints resolves every datasource.
func (c *Config) Endpoints() (map[string]gateway.EndpointConfig, error) {
	out := make(map[string]gateway.EndpointConfig, len(c.Datasources))
	for name := range c.Datasources {
		ep, err := c.Endpoint(name)
		if err != nil {
			return nil, err
		}
		out[name] = ep
	}
	return out, nil
}

// DatasourceNames returns the configured datasource names, sorted.
func (c *Config) DatasourceNames() []string {
	names := make([]string, 0, len(c.Datasources))
	for name := range c.Datasources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CertificateStore loads every configured certificate bundle.
func (c *Config) CertificateStore() (*gateway.CertificateStore, error) {
	store := gateway.NewCertificateStore()
	for name, cc := range c.Certificates {
		bundle, err := gateway.LoadCertificateBundleFiles(cc.CertFile, cc.KeyFile, cc.CAFile)
		if err != nil {
			return nil, fmt.Errorf("config: certificate %q: %w", name, err)
		}
		store.Add(name, bundle)
	}
	return store, nil
}

// FilterMode returns the parsed event filter mode.
func (c *Config) FilterMode() gateway.EventFilterMode {
	mode, _ := gateway.ParseEventFilterMode(c.EventFilterMode)
	return mode
}

// LogLevel returns the parsed log level.
func (c *Config) LogLevel() (slog.Level, error) {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("config: unknown log level %q", c.Log.Level)
	}
}

// NewLogger builds the process logger from the log settings.
func (c *Config) NewLogger() *slog.Logger {
	level, _ := c.LogLevel()
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// RegistryOptions returns the registry options derived from the configuration.
func (c *Config) RegistryOptions(logger *slog.Logger, metrics *gateway.Metrics) []gateway.Option {
	return []gateway.Option{
		gateway.WithRequestTimeout(c.RequestTimeout),
		gateway.WithConnectRetries(c.ConnectRetries),
		gateway.WithConnectRate(c.ConnectRate, c.ConnectBurst),
		gateway.WithReconnectBackoff(c.ReconnectBackoff),
		gateway.WithMaxReconnectTime(c.MaxReconnectTime),
		gateway.WithMaxConsecutiveFailures(c.MaxConsecutiveFailures),
		gateway.WithIdleTimeout(c.IdleTimeout),
		gateway.WithQueueSize(c.QueueSize),
		gateway.WithLogger(logger),
		gateway.WithMetrics(metrics),
	}
}

// BrowseOptions returns the browse engine options derived from the configuration.
func (c *Config) BrowseOptions(logger *slog.Logger, metrics *gateway.Metrics) []gateway.BrowseOption {
	return []gateway.BrowseOption{
		gateway.WithAttributeCache(c.AttributeCacheSize, c.AttributeCacheTTL),
		gateway.WithBrowseLogger(logger),
		gateway.WithBrowseMetrics(metrics),
	}
}

// TranslatorOptions returns the translator options derived from the configuration.
func (c *Config) TranslatorOptions(logger *slog.Logger) []gateway.TranslatorOption {
	return []gateway.TranslatorOption{
		gateway.WithEventFilterMode(c.FilterMode()),
		gateway.WithPollBufferSize(c.PollBufferSize),
		gateway.WithPollBufferTTL(c.PollBufferTTL),
		gateway.WithTranslatorLogger(logger),
	}
}

// ConnectorOptions returns the gopcua connector options derived from the
// configuration.
func (c *Config) ConnectorOptions(store *gateway.CertificateStore, logger *slog.Logger) []opcua.Option {
	opts := []opcua.Option{
		opcua.WithCertificates(store),
		opcua.WithRequestTimeout(c.RequestTimeout),
		opcua.WithSessionTimeout(c.OPCUA.SessionTimeout),
		opcua.WithPublishingInterval(c.OPCUA.PublishingInterval),
		opcua.WithApplicationURI(c.OPCUA.ApplicationURI),
		opcua.WithLogger(logger),
	}
	if c.OPCUA.Username != "" {
		opts = append(opts, opcua.WithUserPasswordAuth(c.OPCUA.Username, c.OPCUA.Password))
	} else {
		opts = append(opts, opcua.WithAnonymousAuth())
	}
	return opts
}
