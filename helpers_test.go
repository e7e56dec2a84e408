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

package gateway_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	gateway "github.com/edgeo-scada/opcua-gateway"
	"github.com/edgeo-scada/opcua-gateway/internal/testutil"
)

const (
	testEndpoint = "opc.tcp://plc.local:4840"
	waitFor      = 2 * time.Second
	tick         = 5 * time.Millisecond
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func endpoint() gateway.EndpointConfig {
	return gateway.EndpointConfig{URL: testEndpoint}
}

// newRegistry creates a registry over an in-memory server with timings short
// enough for tests. opts are applied after the defaults.
func newRegistry(t *testing.T, conn gateway.Connector, opts ...gateway.Option) *gateway.Registry {
	t.Helper()

	base := []gateway.Option{
		gateway.WithRequestTimeout(time.Second),
		gateway.WithConnectRetries(2),
		gateway.WithConnectRate(1000, 100),
		gateway.WithReconnectBackoff(5 * time.Millisecond),
		gateway.WithMaxReconnectTime(20 * time.Millisecond),
		gateway.WithLogger(discardLogger),
	}
	reg, err := gateway.NewRegistry(conn, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	return reg
}

// acquire returns a session for the test endpoint, released on cleanup.
func acquire(t *testing.T, reg *gateway.Registry) *gateway.Session {
	t.Helper()

	s, err := reg.Acquire(context.Background(), endpoint())
	require.NoError(t, err)
	t.Cleanup(func() { reg.Release(s) })
	return s
}

// collector is a Sink recording every notification it receives.
type collector struct {
	mu  sync.Mutex
	got []gateway.Notification
}

func (c *collector) Deliver(n gateway.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, n)
	return nil
}

func (c *collector) values() []interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []interface{}
	for _, n := range c.got {
		if n.Err == nil {
			out = append(out, n.Point.Value)
		}
	}
	return out
}

func (c *collector) terminal() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, n := range c.got {
		if n.Err != nil {
			return n.Err
		}
	}
	return nil
}

// plantServer returns a server with two variables below Objects.
func plantServer() *testutil.Server {
	srv := testutil.NewServer()
	srv.AddVariable(gateway.ObjectsFolderNodeID, "ns=2;s=Temperature", "Temperature", 42.5)
	srv.AddVariable(gateway.ObjectsFolderNodeID, "ns=2;s=Pressure", "Pressure", 1.2)
	return srv
}
