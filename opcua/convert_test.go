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
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/gopcua/opcua/ua"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gateway "github.com/edgeo-scada/opcua-gateway"
)

func predicate(name string) *ua.ContentFilterElement {
	return &ua.ContentFilterElement{
		FilterOperator: ua.FilterOperatorIsNull,
		FilterOperands: []*ua.ExtensionObject{ua.NewExtensionObject(eventField(name))},
	}
}

func operandIndexes(t *testing.T, el *ua.ContentFilterElement) []uint32 {
	t.Helper()
	out := make([]uint32, 0, len(el.FilterOperands))
	for _, op := range el.FilterOperands {
		eo, ok := op.Value.(*ua.ElementOperand)
		require.True(t, ok, "operand is %T", op.Value)
		out = append(out, eo.Index)
	}
	return out
}

func TestConjunction(t *testing.T) {
	assert.Empty(t, conjunction(nil))

	one := []*ua.ContentFilterElement{predicate("A")}
	assert.Equal(t, one, conjunction(one))

	two := conjunction([]*ua.ContentFilterElement{predicate("A"), predicate("B")})
	require.Len(t, two, 3)
	assert.Equal(t, ua.FilterOperatorAnd, two[0].FilterOperator)
	assert.Equal(t, []uint32{1, 2}, operandIndexes(t, two[0]))

	preds := []*ua.ContentFilterElement{predicate("A"), predicate("B"), predicate("C")}
	three := conjunction(preds)
	require.Len(t, three, 5)
	assert.Equal(t, []uint32{2, 1}, operandIndexes(t, three[0]))
	assert.Equal(t, []uint32{3, 4}, operandIndexes(t, three[1]))
	assert.Same(t, preds[0], three[2])
	assert.Same(t, preds[2], three[4])

	// Every And operand points forward and every predicate is reachable.
	for k := 2; k <= 6; k++ {
		preds := make([]*ua.ContentFilterElement, k)
		for i := range preds {
			preds[i] = predicate(fmt.Sprintf("F%d", i))
		}
		elements := conjunction(preds)
		require.Len(t, elements, 2*k-1)

		reached := map[uint32]bool{}
		for i := 0; i < k-1; i++ {
			for _, idx := range operandIndexes(t, elements[i]) {
				assert.Greater(t, idx, uint32(i))
				reached[idx] = true
			}
		}
		for i := k - 1; i <= 2*k-2; i++ {
			assert.True(t, reached[uint32(i)], "k=%d predicate %d unreachable", k, i)
		}
	}
}

func TestEventFilter(t *testing.T) {
	filter, err := eventFilter(gateway.EventRequest{
		EventTypeNodeID: "i=2130",
		Fields:          []string{"Time", "2:Plant/Line"},
		Where: []gateway.EventFilter{
			{Oper: gateway.FilterGreaterThan, Operands: []string{"Severity", "500"}},
		},
	})
	require.NoError(t, err)
	require.Len(t, filter.SelectClauses, 2)
	assert.Equal(t, "Time", filter.SelectClauses[0].BrowsePath[0].Name)

	elements := filter.WhereClause.Elements
	require.Len(t, elements, 3)
	assert.Equal(t, ua.FilterOperatorAnd, elements[0].FilterOperator)
	assert.Equal(t, ua.FilterOperatorOfType, elements[1].FilterOperator)
	assert.Equal(t, ua.FilterOperatorGreaterThan, elements[2].FilterOperator)

	lit, ok := elements[2].FilterOperands[1].Value.(*ua.LiteralOperand)
	require.True(t, ok)
	assert.Equal(t, int32(500), lit.Value.Value())

	_, err = eventFilter(gateway.EventRequest{Where: []gateway.EventFilter{{Oper: gateway.FilterOr, Operands: []string{"a", "b"}}}})
	assert.Error(t, err)

	_, err = eventFilter(gateway.EventRequest{EventTypeNodeID: "i=abc"})
	assert.ErrorIs(t, err, gateway.ErrInvalidNodeID)

	filter, err = eventFilter(gateway.EventRequest{Fields: []string{"Message"}})
	require.NoError(t, err)
	assert.Empty(t, filter.WhereClause.Elements)
}

func TestLiteralVariant(t *testing.T) {
	tests := []struct {
		in   string
		want interface{}
	}{
		{"true", true},
		{"FALSE", false},
		{"42", int32(42)},
		{"-7", int32(-7)},
		{"4294967296", int64(4294967296)},
		{"1.5", 1.5},
		{"Boiler", "Boiler"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, literalVariant(tt.in).Value(), tt.in)
	}
}

func TestBrowsePath(t *testing.T) {
	path := browsePath("2:Plant/Line")
	require.Len(t, path, 2)
	assert.Equal(t, ua.QualifiedName{NamespaceIndex: 2, Name: "Plant"}, *path[0])
	assert.Equal(t, ua.QualifiedName{Name: "Line"}, *path[1])

	path = browsePath("Severity")
	require.Len(t, path, 1)
	assert.Equal(t, ua.QualifiedName{Name: "Severity"}, *path[0])

	path = browsePath("urn:x")
	assert.Equal(t, "urn:x", path[0].Name)
}

func TestWrapError(t *testing.T) {
	assert.Nil(t, wrapError(nil))

	for _, err := range []error{
		io.EOF,
		fmt.Errorf("read: %w", io.ErrUnexpectedEOF),
		ua.StatusBadSessionIDInvalid,
		fmt.Errorf("publish: %w", ua.StatusBadSecureChannelClosed),
	} {
		assert.True(t, isConnectionLoss(err), "%v", err)
		assert.ErrorIs(t, wrapError(err), gateway.ErrConnectionLost, "%v", err)
	}

	for _, err := range []error{
		ua.StatusBadNodeIDUnknown,
		errors.New("boom"),
	} {
		assert.False(t, isConnectionLoss(err), "%v", err)
		assert.NotErrorIs(t, wrapError(err), gateway.ErrConnectionLost)
	}

	lost := fmt.Errorf("%w: already", gateway.ErrConnectionLost)
	assert.Same(t, lost, wrapError(lost))
}

func TestStatusError(t *testing.T) {
	assert.NoError(t, statusError(ua.StatusOK))
	assert.ErrorIs(t, statusError(ua.StatusBadNodeIDUnknown), ua.StatusBadNodeIDUnknown)
}

func TestSelectEndpoint(t *testing.T) {
	endpoint := func(policy string, mode ua.MessageSecurityMode) *ua.EndpointDescription {
		return &ua.EndpointDescription{
			EndpointURL:       "opc.tcp://plc.local:4840",
			SecurityPolicyURI: ua.SecurityPolicyURIPrefix + policy,
			SecurityMode:      mode,
		}
	}
	none := endpoint("None", ua.MessageSecurityModeNone)
	sign := endpoint("Basic256Sha256", ua.MessageSecurityModeSign)
	encrypt := endpoint("Basic256Sha256", ua.MessageSecurityModeSignAndEncrypt)

	all := []*ua.EndpointDescription{none, sign, encrypt}
	assert.Same(t, none, selectEndpoint(all, "None", gateway.SecurityModeNone))
	assert.Same(t, encrypt, selectEndpoint(all, "Basic256Sha256", gateway.SecurityModeSignAndEncrypt))
	assert.Same(t, sign, selectEndpoint(all, "Basic256Sha256", gateway.SecurityModeSign))

	// A request may be upgraded to a stronger mode but never downgraded.
	assert.Same(t, encrypt, selectEndpoint([]*ua.EndpointDescription{none, encrypt}, "Basic256Sha256", gateway.SecurityModeSign))
	assert.Nil(t, selectEndpoint([]*ua.EndpointDescription{none, sign}, "Basic256Sha256", gateway.SecurityModeSignAndEncrypt))
	assert.Nil(t, selectEndpoint([]*ua.EndpointDescription{none}, "Basic256Sha256", gateway.SecurityModeSign))
	assert.Nil(t, selectEndpoint(all, "Basic256", gateway.SecurityModeSign))
}

func TestVariantValue(t *testing.T) {
	assert.Nil(t, variantValue(nil))
	assert.Equal(t, "Pressure", variantValue(ua.MustVariant(&ua.LocalizedText{Text: "Pressure"})))
	assert.Equal(t, "Temperature", variantValue(ua.MustVariant(&ua.QualifiedName{NamespaceIndex: 2, Name: "Temperature"})))
	assert.Equal(t, "i=2253", variantValue(ua.MustVariant(ua.NewNumericNodeID(0, 2253))))
	assert.Equal(t, 42.5, variantValue(ua.MustVariant(42.5)))
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.connected(nil)
	m.connected(nil)
	m.connected(errors.New("refused"))
	m.monitored(3)
	m.observe("read", time.Now().Add(-3*time.Millisecond), nil)
	m.observe("read", time.Now().Add(-time.Millisecond), errors.New("boom"))
	m.disconnected(2)
	m.connectionLost()

	assert.Equal(t, 2.0, promtest.ToFloat64(m.Connects))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.ConnectErrors))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.ActiveConns))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.MonitoredItems))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.ConnectionLoss))
	assert.Equal(t, 2.0, promtest.ToFloat64(m.ServiceRequests.WithLabelValues("read")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.ServiceErrors.WithLabelValues("read")))
	assert.Equal(t, 1, promtest.CollectAndCount(m.ServiceDuration))

	n, err := promtest.GatherAndCount(reg, "opcua_gateway_client_connects_total", "opcua_gateway_client_service_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var nilMetrics *Metrics
	assert.NotPanics(t, func() {
		nilMetrics.connected(nil)
		nilMetrics.monitored(1)
		nilMetrics.disconnected(1)
		nilMetrics.connectionLost()
		nilMetrics.observe("read", time.Now(), nil)
	})
}
