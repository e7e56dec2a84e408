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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gateway "github.com/edgeo-scada/opcua-gateway"
	"github.com/edgeo-scada/opcua-gateway/internal/testutil"
)

func TestSession_ReadValue(t *testing.T) {
	srv := plantServer()
	s := acquire(t, newRegistry(t, testutil.NewConnector(srv)))

	point, err := s.ReadValue(context.Background(), "ns=2;s=Temperature")
	require.NoError(t, err)
	assert.Equal(t, 42.5, point.Value)
	assert.False(t, point.Timestamp.IsZero())
	assert.Equal(t, gateway.StateReady, s.State())
	assert.Equal(t, testEndpoint, s.Config().URL)
	assert.Equal(t, gateway.SecurityPolicyNone, s.Config().SecurityPolicy)
}

func TestSession_ReconnectRestoresMonitoredItems(t *testing.T) {
	srv := plantServer()
	s := acquire(t, newRegistry(t, testutil.NewConnector(srv)))

	temp, pressure := &collector{}, &collector{}
	_, err := s.Subscriptions().Subscribe(context.Background(), "ns=2;s=Temperature", "A", temp)
	require.NoError(t, err)
	_, err = s.Subscriptions().Subscribe(context.Background(), "ns=2;s=Pressure", "B", pressure)
	require.NoError(t, err)
	require.Equal(t, []string{"ns=2;s=Pressure", "ns=2;s=Temperature"}, srv.MonitoredItems())

	srv.Drop()

	require.Eventually(t, func() bool {
		return srv.Connects() == 2 && s.State() == gateway.StateReady
	}, waitFor, tick)
	assert.Equal(t, []string{"ns=2;s=Pressure", "ns=2;s=Temperature"}, srv.MonitoredItems())
	assert.Equal(t, 2, s.Subscriptions().Len())

	assert.Equal(t, 1, srv.Publish("ns=2;s=Temperature", 43.0))
	assert.Equal(t, 1, srv.Publish("ns=2;s=Pressure", 1.3))
	require.Eventually(t, func() bool {
		return len(temp.values()) == 1 && len(pressure.values()) == 1
	}, waitFor, tick)
	assert.Equal(t, []interface{}{43.0}, temp.values())
	assert.Equal(t, []interface{}{1.3}, pressure.values())
	assert.NoError(t, temp.terminal())
}

func TestSession_RestoreFailureTerminatesOnlyThatNode(t *testing.T) {
	srv := plantServer()
	s := acquire(t, newRegistry(t, testutil.NewConnector(srv)))

	temp, pressure := &collector{}, &collector{}
	_, err := s.Subscriptions().Subscribe(context.Background(), "ns=2;s=Temperature", "A", temp)
	require.NoError(t, err)
	pressureID, err := s.Subscriptions().Subscribe(context.Background(), "ns=2;s=Pressure", "A", pressure)
	require.NoError(t, err)

	refused := errors.New("BadNodeIdUnknown")
	srv.FailMonitor("ns=2;s=Pressure", refused)
	srv.Drop()

	require.Eventually(t, func() bool { return pressure.terminal() != nil }, waitFor, tick)
	require.Eventually(t, func() bool { return s.State() == gateway.StateReady }, waitFor, tick)

	var delivery *gateway.SubscriptionDeliveryError
	require.True(t, errors.As(pressure.terminal(), &delivery))
	assert.Equal(t, pressureID, delivery.SubscriptionID)
	assert.Equal(t, "ns=2;s=Pressure", delivery.NodeID)
	assert.ErrorIs(t, delivery, refused)

	assert.Equal(t, 1, s.Subscriptions().Len())
	assert.Equal(t, []string{"ns=2;s=Temperature"}, srv.MonitoredItems())
	assert.NoError(t, temp.terminal())

	_, ok := s.Subscriptions().Find("ns=2;s=Pressure", "A")
	assert.False(t, ok)
}

func TestSession_RequestRetriedAfterReconnect(t *testing.T) {
	srv := plantServer()
	s := acquire(t, newRegistry(t, testutil.NewConnector(srv)))

	srv.Drop()

	// The read either lands on the lost transport and is retried, or waits for
	// the reconnect; both succeed.
	point, err := s.ReadValue(context.Background(), "ns=2;s=Pressure")
	require.NoError(t, err)
	assert.Equal(t, 1.2, point.Value)
	assert.Equal(t, 2, srv.Connects())
}

func TestSession_RequestHonorsContext(t *testing.T) {
	srv := plantServer()
	s := acquire(t, newRegistry(t, testutil.NewConnector(srv), gateway.WithMaxConsecutiveFailures(1000)))

	srv.SetDown(true)
	srv.Drop()
	require.Eventually(t, func() bool { return s.State() == gateway.StateDegraded }, waitFor, tick)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.ReadValue(ctx, "ns=2;s=Pressure")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSession_ReadAttributes(t *testing.T) {
	srv := plantServer()
	s := acquire(t, newRegistry(t, testutil.NewConnector(srv)))

	got, err := s.ReadAttributes(context.Background(), "ns=2;s=Temperature",
		[]gateway.AttributeID{gateway.AttributeDisplayName, gateway.AttributeValue})
	require.NoError(t, err)
	require.Len(t, got, 2)

	want := []gateway.AttributeResult{
		{ID: gateway.AttributeDisplayName, Value: "Temperature"},
		{ID: gateway.AttributeValue, Value: 42.5},
	}
	for i := range want {
		assert.Equal(t, want[i].ID, got[i].ID)
		assert.Equal(t, want[i].Value, got[i].Value)
		assert.Zero(t, got[i].Status)
	}
}

func TestSession_StaleEventsDroppedAcrossReconnect(t *testing.T) {
	srv := plantServer()
	s := acquire(t, newRegistry(t, testutil.NewConnector(srv)))

	c := &collector{}
	_, err := s.Subscriptions().Subscribe(context.Background(), "ns=2;s=Temperature", "A", c)
	require.NoError(t, err)

	require.Equal(t, 1, srv.Publish("ns=2;s=Temperature", 1.0))
	require.Eventually(t, func() bool { return len(c.values()) == 1 }, waitFor, tick)

	// 2.0 arrives on the broken connection after the failure.
	srv.DropInFlight("ns=2;s=Temperature", 2.0)

	require.Eventually(t, func() bool {
		return srv.Connects() == 2 && s.State() == gateway.StateReady
	}, waitFor, tick)
	require.Equal(t, 1, srv.Publish("ns=2;s=Temperature", 3.0))
	require.Eventually(t, func() bool { return len(c.values()) >= 2 }, waitFor, tick)

	assert.Equal(t, []interface{}{1.0, 3.0}, c.values())
	assert.NoError(t, c.terminal())
}
