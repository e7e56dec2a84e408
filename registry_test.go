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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gateway "github.com/edgeo-scada/opcua-gateway"
	"github.com/edgeo-scada/opcua-gateway/internal/testutil"
)

func TestRegistry_ConcurrentAcquireSharesOneConnection(t *testing.T) {
	srv := plantServer()
	conn := testutil.NewConnector(srv)
	conn.Delay = 50 * time.Millisecond
	reg := newRegistry(t, conn)

	const callers = 16
	sessions := make([]*gateway.Session, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := reg.Acquire(context.Background(), endpoint())
			assert.NoError(t, err)
			sessions[i] = s
		}(i)
	}
	wg.Wait()

	for _, s := range sessions {
		require.NotNil(t, s)
		assert.Same(t, sessions[0], s)
	}
	assert.Equal(t, 1, srv.Connects())
	assert.Equal(t, 1, conn.Attempts())
	assert.Equal(t, callers, sessions[0].Refs())
	assert.Equal(t, 1, reg.Len())

	for _, s := range sessions {
		reg.Release(s)
	}
	assert.Equal(t, 0, sessions[0].Refs())
}

func TestRegistry_FingerprintSeparatesSessions(t *testing.T) {
	srv := plantServer()
	reg := newRegistry(t, testutil.NewConnector(srv))

	a := acquire(t, reg)
	other := gateway.EndpointConfig{URL: "opc.tcp://other.local:4840"}
	b, err := reg.Acquire(context.Background(), other)
	require.NoError(t, err)
	defer reg.Release(b)

	// Policy is not part of the fingerprint.
	same, err := reg.Acquire(context.Background(), gateway.EndpointConfig{URL: testEndpoint, SecurityPolicy: "None"})
	require.NoError(t, err)
	defer reg.Release(same)

	assert.NotSame(t, a, b)
	assert.Same(t, a, same)
	assert.Equal(t, 2, reg.Len())
	assert.Equal(t, 2, srv.Connects())

	infos := reg.Sessions()
	require.Len(t, infos, 2)
	assert.Equal(t, "opc.tcp://other.local:4840", infos[0].Endpoint)
	assert.Equal(t, testEndpoint, infos[1].Endpoint)
	assert.Equal(t, "ready", infos[1].State)
	assert.Equal(t, 2, infos[1].Refs)
}

func TestRegistry_AcquireRejectsInvalidEndpoint(t *testing.T) {
	srv := plantServer()
	reg := newRegistry(t, testutil.NewConnector(srv))

	_, err := reg.Acquire(context.Background(), gateway.EndpointConfig{URL: "http://plc.local"})
	assert.ErrorIs(t, err, gateway.ErrInvalidEndpoint)

	_, err = reg.Acquire(context.Background(), gateway.EndpointConfig{URL: testEndpoint, SecurityMode: gateway.SecurityModeSign})
	assert.ErrorIs(t, err, gateway.ErrInvalidEndpoint)

	assert.Equal(t, 0, srv.Connects())
}

func TestRegistry_ConnectFailureAfterRetries(t *testing.T) {
	srv := plantServer()
	srv.SetDown(true)
	conn := testutil.NewConnector(srv)
	reg := newRegistry(t, conn, gateway.WithConnectRetries(3))

	_, err := reg.Acquire(context.Background(), endpoint())
	require.Error(t, err)
	assert.True(t, gateway.IsConnectError(err))
	assert.ErrorIs(t, err, gateway.ErrConnectionLost)

	var ce *gateway.ConnectError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 3, ce.Attempts)
	assert.Equal(t, 3, conn.Attempts())
	assert.Equal(t, 0, reg.Len())

	// A later attempt succeeds once the server is back.
	srv.SetDown(false)
	s, err := reg.Acquire(context.Background(), endpoint())
	require.NoError(t, err)
	reg.Release(s)
	assert.Equal(t, 1, srv.Connects())
}

func TestRegistry_EvictsIdleSessions(t *testing.T) {
	srv := plantServer()
	reg := newRegistry(t, testutil.NewConnector(srv),
		gateway.WithIdleTimeout(20*time.Millisecond),
		gateway.WithJanitorInterval(5*time.Millisecond),
	)

	s, err := reg.Acquire(context.Background(), endpoint())
	require.NoError(t, err)

	// Held sessions are never evicted.
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, reg.Len())

	reg.Release(s)
	require.Eventually(t, func() bool { return reg.Len() == 0 }, waitFor, tick)
	assert.Equal(t, gateway.StateClosed, s.State())
	assert.Equal(t, 0, srv.LiveTransports())

	// The next acquire opens a fresh session.
	s2, err := reg.Acquire(context.Background(), endpoint())
	require.NoError(t, err)
	defer reg.Release(s2)
	assert.NotSame(t, s, s2)
	assert.Equal(t, 2, srv.Connects())
}

func TestRegistry_SubscriptionsKeepSessionAlive(t *testing.T) {
	srv := plantServer()
	reg := newRegistry(t, testutil.NewConnector(srv),
		gateway.WithIdleTimeout(10*time.Millisecond),
		gateway.WithJanitorInterval(5*time.Millisecond),
	)

	s, err := reg.Acquire(context.Background(), endpoint())
	require.NoError(t, err)
	id, err := s.Subscriptions().Subscribe(context.Background(), "ns=2;s=Temperature", "A", &collector{})
	require.NoError(t, err)
	reg.Release(s)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, reg.Len())

	require.NoError(t, s.Subscriptions().Unsubscribe(context.Background(), id))
	require.Eventually(t, func() bool { return reg.Len() == 0 }, waitFor, tick)
}

func TestRegistry_InvalidatesAfterMaxFailures(t *testing.T) {
	srv := plantServer()
	var mu sync.Mutex
	var states []gateway.SessionState
	reg := newRegistry(t, testutil.NewConnector(srv),
		gateway.WithMaxConsecutiveFailures(2),
		gateway.WithOnStateChange(func(_ gateway.EndpointKey, state gateway.SessionState) {
			mu.Lock()
			states = append(states, state)
			mu.Unlock()
		}),
	)

	s, err := reg.Acquire(context.Background(), endpoint())
	require.NoError(t, err)
	sink := &collector{}
	_, err = s.Subscriptions().Subscribe(context.Background(), "ns=2;s=Temperature", "A", sink)
	require.NoError(t, err)
	reg.Release(s)

	srv.SetDown(true)
	srv.Drop()

	require.Eventually(t, func() bool { return reg.Len() == 0 }, waitFor, tick)
	require.Eventually(t, func() bool { return sink.terminal() != nil }, waitFor, tick)
	assert.Equal(t, gateway.StateClosed, s.State())
	assert.True(t, gateway.IsDeliveryError(sink.terminal()))
	assert.True(t, gateway.IsConnectError(sink.terminal()))

	mu.Lock()
	assert.Equal(t, []gateway.SessionState{gateway.StateReady, gateway.StateDegraded, gateway.StateClosed}, states)
	mu.Unlock()

	srv.SetDown(false)
	s2, err := reg.Acquire(context.Background(), endpoint())
	require.NoError(t, err)
	defer reg.Release(s2)
	assert.NotSame(t, s, s2)
	assert.Equal(t, 2, srv.Connects())
}

func TestRegistry_Close(t *testing.T) {
	srv := plantServer()
	reg, err := gateway.NewRegistry(testutil.NewConnector(srv), gateway.WithLogger(discardLogger))
	require.NoError(t, err)

	s, err := reg.Acquire(context.Background(), endpoint())
	require.NoError(t, err)
	sink := &collector{}
	_, err = s.Subscriptions().Subscribe(context.Background(), "ns=2;s=Temperature", "A", sink)
	require.NoError(t, err)

	require.NoError(t, reg.Close())
	require.NoError(t, reg.Close())

	assert.Equal(t, gateway.StateClosed, s.State())
	assert.ErrorIs(t, sink.terminal(), gateway.ErrSessionClosed)
	assert.Equal(t, 0, srv.LiveTransports())

	_, err = reg.Acquire(context.Background(), endpoint())
	assert.ErrorIs(t, err, gateway.ErrRegistryClosed)

	_, err = s.ReadValue(context.Background(), "ns=2;s=Temperature")
	assert.ErrorIs(t, err, gateway.ErrSessionClosed)
}

func TestRegistry_Metrics(t *testing.T) {
	srv := plantServer()
	promReg := prometheus.NewRegistry()
	metrics := gateway.NewMetrics(promReg)
	reg := newRegistry(t, testutil.NewConnector(srv), gateway.WithMetrics(metrics))

	s := acquire(t, reg)
	_, err := s.ReadValue(context.Background(), "ns=2;s=Temperature")
	require.NoError(t, err)
	_, err = s.ReadValue(context.Background(), "ns=2;s=Missing")
	require.Error(t, err)
	_, err = s.Subscriptions().Subscribe(context.Background(), "ns=2;s=Temperature", "A", &collector{})
	require.NoError(t, err)

	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.SessionsActive))
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.ConnectAttempts.WithLabelValues("success")))
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.StateTransitions.WithLabelValues("ready")))
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.RequestErrors.WithLabelValues("read")))
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.SubscriptionsActive))
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.MonitoredItems))

	count, err := promtest.GatherAndCount(promReg, "opcua_gateway_session_request_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
