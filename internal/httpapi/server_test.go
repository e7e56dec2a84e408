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

package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gateway "github.com/edgeo-scada/opcua-gateway"
	"github.com/edgeo-scada/opcua-gateway/internal/testutil"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fixture struct {
	plc  *testutil.Server
	reg  *gateway.Registry
	http *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	plc := testutil.NewServer()
	plc.AddVariable(gateway.ObjectsFolderNodeID, "ns=2;s=Temperature", "Temperature", 42.5)
	plc.AddVariable(gateway.ObjectsFolderNodeID, "ns=2;s=Pressure", "Pressure", 1.2)

	promReg := prometheus.NewRegistry()
	metrics := gateway.NewMetrics(promReg)

	reg, err := gateway.NewRegistry(testutil.NewConnector(plc),
		gateway.WithRequestTimeout(time.Second),
		gateway.WithConnectRetries(1),
		gateway.WithConnectRate(1000, 100),
		gateway.WithReconnectBackoff(5*time.Millisecond),
		gateway.WithMaxReconnectTime(20*time.Millisecond),
		gateway.WithLogger(discardLogger),
		gateway.WithMetrics(metrics),
	)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	translator := gateway.NewTranslator(gateway.WithTranslatorLogger(discardLogger))
	t.Cleanup(translator.Close)

	srv := New(reg,
		gateway.NewBrowseEngine(gateway.WithBrowseLogger(discardLogger)),
		translator,
		map[string]gateway.EndpointConfig{"Plant": {URL: "opc.tcp://plc.local:4840"}},
		WithLogger(discardLogger),
		WithMetricsHandler(promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})),
	)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	return &fixture{plc: plc, reg: reg, http: ts}
}

func (f *fixture) query(t *testing.T, ds string, queries ...string) (int, queryResponse) {
	t.Helper()

	body := `{"queries":[` + strings.Join(queries, ",") + `]}`
	resp, err := http.Post(f.http.URL+"/api/datasources/"+ds+"/query", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out queryResponse
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, out
}

func (f *fixture) get(t *testing.T, path string, v interface{}) int {
	t.Helper()

	resp, err := http.Get(f.http.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	if v != nil && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestQuery_Batch(t *testing.T) {
	f := newFixture(t)

	status, resp := f.query(t, "plant",
		`{"refId":"A","payload":{"nodeId":"ns=2;s=Temperature","value":["Objects","Temperature"],"readType":"ReadNode"}}`,
		`{"refId":"B","payload":{"nodeId":"ns=2;s=Missing","readType":"ReadNode"}}`,
		`{"refId":"C","payload":{"readType":"ReadNode"}}`,
	)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, resp.Results, 3)

	a := resp.Results["A"]
	require.Empty(t, a.Error)
	require.Len(t, a.Frames, 1)
	value, ok := a.Frames[0].Field("Temperature")
	require.True(t, ok)
	assert.Equal(t, []interface{}{42.5}, value.Values)

	assert.NotEmpty(t, resp.Results["B"].Error)
	assert.Equal(t, "InternalError", resp.Results["B"].Kind)

	assert.Equal(t, "MalformedQueryError", resp.Results["C"].Kind)
	assert.Contains(t, resp.Results["C"].Error, "nodeId")
}

func TestQuery_MalformedNeverConnects(t *testing.T) {
	f := newFixture(t)

	status, resp := f.query(t, "plant",
		`{"refId":"A","payload":"not base64!"}`,
		`{"refId":"B","payload":{"nodeId":"i=2258","readType":"ReadDataRaw"}}`,
	)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "MalformedQueryError", resp.Results["A"].Kind)
	assert.Equal(t, "MalformedQueryError", resp.Results["B"].Kind)
	assert.Equal(t, 0, f.plc.Connects())
}

func TestQuery_BadBody(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Post(f.http.URL+"/api/datasources/plant/query", "application/json", bytes.NewBufferString("{"))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "MalformedQueryError", body.Kind)
}

func TestQuery_UnknownDatasource(t *testing.T) {
	f := newFixture(t)

	status, _ := f.query(t, "factory", `{"refId":"A","payload":{"nodeId":"i=2258","readType":"ReadNode"}}`)
	assert.Equal(t, http.StatusNotFound, status)

	// Names are matched without regard to case.
	status, resp := f.query(t, "PLANT", `{"refId":"A","payload":{"nodeId":"ns=2;s=Pressure","readType":"ReadNode"}}`)
	assert.Equal(t, http.StatusOK, status)
	assert.Empty(t, resp.Results["A"].Error)
}

func TestResources_Browse(t *testing.T) {
	f := newFixture(t)

	var results []gateway.BrowseResult
	require.Equal(t, http.StatusOK, f.get(t, "/api/datasources/plant/resources/browse", &results))
	names := make([]string, 0, len(results))
	for _, r := range results {
		names = append(names, r.BrowseName)
	}
	assert.Contains(t, names, "Temperature")
	assert.Contains(t, names, "Pressure")

	var aggregates []gateway.BrowseResult
	require.Equal(t, http.StatusOK, f.get(t, "/api/datasources/plant/resources/aggregates", &aggregates))
	assert.Len(t, aggregates, 3)

	var attrs map[string]interface{}
	require.Equal(t, http.StatusOK, f.get(t, "/api/datasources/plant/resources/getAggregates?nodeId=ns%3D2%3Bs%3DTemperature", &attrs))
	assert.Equal(t, "Temperature", attrs["BrowseName"])

	var body errorBody
	assert.Equal(t, http.StatusBadGateway, f.get(t, "/api/datasources/plant/resources/browse?nodeId=ns%3D2%3Bs%3DMissing", &body))
	assert.Equal(t, "BrowseError", body.Kind)
}

func TestResources_NotFound(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.http.URL + "/api/datasources/plant/resources/shutdown")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body errorBody
	assert.Equal(t, http.StatusNotFound, f.get(t, "/api/datasources/factory/resources/browse", &body))
	assert.Equal(t, "UnknownDatasource", body.Kind)
}

func TestResources_SubscribeThenPoll(t *testing.T) {
	f := newFixture(t)
	const node = "ns%3D2%3Bs%3DTemperature"

	require.Equal(t, http.StatusNoContent, f.get(t, "/api/datasources/plant/resources/subscribe?refId=A&nodeId="+node, nil))
	require.Eventually(t, func() bool {
		return len(f.plc.MonitoredItems()) == 1
	}, waitFor, tick)

	assert.Equal(t, 1, f.plc.Publish("ns=2;s=Temperature", 50.0))

	poll := `{"refId":"A","payload":{"nodeId":"ns=2;s=Temperature","value":["Temperature"],"readType":"Subscribe"}}`
	var values []interface{}
	require.Eventually(t, func() bool {
		_, resp := f.query(t, "plant", poll)
		frames := resp.Results["A"].Frames
		if len(frames) == 1 {
			if field, ok := frames[0].Field("Temperature"); ok {
				values = append(values, field.Values...)
			}
		}
		return len(values) > 0
	}, waitFor, 20*time.Millisecond)
	assert.Contains(t, values, 50.0)

	require.Equal(t, http.StatusNoContent, f.get(t, "/api/datasources/plant/resources/unsubscribe?refId=A&nodeId="+node, nil))
	require.Eventually(t, func() bool {
		return len(f.plc.MonitoredItems()) == 0
	}, waitFor, tick)

	var body errorBody
	assert.Equal(t, http.StatusNotFound, f.get(t, "/api/datasources/plant/resources/unsubscribe?refId=A&nodeId="+node, &body))
	assert.Equal(t, "SubscriptionNotFound", body.Kind)

	assert.Equal(t, http.StatusBadRequest, f.get(t, "/api/datasources/plant/resources/subscribe?nodeId="+node, &body))
}

func TestStream(t *testing.T) {
	f := newFixture(t)

	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/api/datasources/plant/stream?refId=A&nodeId=ns%3D2%3Bs%3DPressure"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()

	require.Eventually(t, func() bool {
		return len(f.plc.MonitoredItems()) == 1
	}, waitFor, tick)

	// Publish until the subscription is wired to the monitored item.
	var msg StreamMessage
	require.Eventually(t, func() bool {
		return f.plc.Publish("ns=2;s=Pressure", 3.5) > 0
	}, waitFor, tick)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "A", msg.RefID)
	assert.Equal(t, "ns=2;s=Pressure", msg.NodeID)
	assert.Equal(t, 3.5, msg.Value)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return len(f.plc.MonitoredItems()) == 0
	}, waitFor, tick)
}

func TestStream_RequiresParameters(t *testing.T) {
	f := newFixture(t)

	var body errorBody
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/api/datasources/plant/stream?nodeId=i%3D2258", &body))
	assert.Equal(t, "MalformedQueryError", body.Kind)

	assert.Equal(t, http.StatusBadRequest, f.get(t, "/api/datasources/plant/stream?refId=A&nodeId=i%3Dx", &body))
	assert.Equal(t, 0, f.plc.Connects())
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	status, _ := f.query(t, "plant", `{"refId":"A","payload":{"nodeId":"ns=2;s=Pressure","readType":"ReadNode"}}`)
	require.Equal(t, http.StatusOK, status)

	var health healthResponse
	require.Equal(t, http.StatusOK, f.get(t, "/healthz", &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, gateway.Version, health.Version)
	assert.Equal(t, "server", health.Mode)
	require.Len(t, health.Sessions, 1)
	assert.Equal(t, "opc.tcp://plc.local:4840", health.Sessions[0].Endpoint)
	assert.Equal(t, 1, f.plc.Connects())

	resp, err := http.Get(f.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	text, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(text), "opcua_gateway_registry_sessions_active 1")
}

func TestStatusOf(t *testing.T) {
	lost := fmt.Errorf("%w: reset", gateway.ErrConnectionLost)

	tests := []struct {
		err    error
		status int
		kind   string
	}{
		{fmt.Errorf("%w: %q", ErrUnknownDatasource, "x"), http.StatusNotFound, "UnknownDatasource"},
		{&gateway.MalformedQueryError{RefID: "A", Reason: "bad"}, http.StatusBadRequest, "MalformedQueryError"},
		{fmt.Errorf("%w: empty", gateway.ErrInvalidNodeID), http.StatusBadRequest, "MalformedQueryError"},
		{&gateway.DuplicateSubscriptionError{NodeID: "i=1", CallerID: "A"}, http.StatusConflict, "DuplicateSubscriptionError"},
		{gateway.ErrSubscriptionNotFound, http.StatusNotFound, "SubscriptionNotFound"},
		{&gateway.BrowseError{NodeID: "i=1", Err: gateway.ErrInvalidNodeID}, http.StatusBadRequest, "BrowseError"},
		{&gateway.BrowseError{NodeID: "i=1", Err: errors.New("BadNodeIdUnknown")}, http.StatusBadGateway, "BrowseError"},
		{&gateway.ConnectError{Endpoint: "opc.tcp://x", Attempts: 3, Err: lost}, http.StatusServiceUnavailable, "ConnectError"},
		{lost, http.StatusServiceUnavailable, "InternalError"},
		{gateway.ErrRegistryClosed, http.StatusServiceUnavailable, "InternalError"},
		{errors.New("boom"), http.StatusInternalServerError, "InternalError"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, statusOf(tt.err), "%v", tt.err)
		assert.Equal(t, tt.kind, kindOf(tt.err), "%v", tt.err)
	}
}
