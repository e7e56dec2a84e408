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
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"

	gateway "github.com/edgeo-scada/opcua-gateway"
)

// connectionLossCodes are the status codes that mean the session or secure
// channel is gone.
var connectionLossCodes = map[ua.StatusCode]bool{
	ua.StatusBadConnectionClosed:       true,
	ua.StatusBadSecureChannelClosed:    true,
	ua.StatusBadSecureChannelIDInvalid: true,
	ua.StatusBadSessionClosed:          true,
	ua.StatusBadSessionIDInvalid:       true,
	ua.StatusBadCommunicationError:     true,
	ua.StatusBadNotConnected:           true,
	ua.StatusBadServerNotConnected:     true,
}

// isConnectionLoss reports whether err means the connection must be rebuilt.
func isConnectionLoss(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var code ua.StatusCode
	if errors.As(err, &code) {
		return connectionLossCodes[code]
	}
	var netErr net.Error
	return errors.As(err, &netErr) && !netErr.Timeout()
}

// wrapError marks connection-level failures with gateway.ErrConnectionLost.
func wrapError(err error) error {
	if err == nil || errors.Is(err, gateway.ErrConnectionLost) {
		return err
	}
	if isConnectionLoss(err) {
		return fmt.Errorf("%w: %v", gateway.ErrConnectionLost, err)
	}
	return err
}

// statusError returns a non-nil error for a status code of severity Bad.
func statusError(code ua.StatusCode) error {
	if uint32(code)&0x80000000 != 0 {
		return code
	}
	return nil
}

func parseNodeID(s string) (*ua.NodeID, error) {
	nodeID, err := ua.ParseNodeID(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", gateway.ErrInvalidNodeID, s, err)
	}
	return nodeID, nil
}

// dataPoint converts a DataValue, preferring the source timestamp.
func dataPoint(dv *ua.DataValue) gateway.DataPoint {
	if dv == nil {
		return gateway.DataPoint{Timestamp: time.Now()}
	}
	return gateway.DataPoint{
		Timestamp: timestamp(dv),
		Value:     variantValue(dv.Value),
		Status:    uint32(dv.Status),
	}
}

func timestamp(dv *ua.DataValue) time.Time {
	switch {
	case !dv.SourceTimestamp.IsZero():
		return dv.SourceTimestamp
	case !dv.ServerTimestamp.IsZero():
		return dv.ServerTimestamp
	default:
		return time.Now()
	}
}

// variantValue unwraps a Variant into a JSON-friendly Go value.
func variantValue(v *ua.Variant) interface{} {
	if v == nil {
		return nil
	}
	switch val := v.Value().(type) {
	case *ua.LocalizedText:
		if val == nil {
			return nil
		}
		return val.Text
	case *ua.QualifiedName:
		if val == nil {
			return nil
		}
		return val.Name
	case *ua.NodeID:
		if val == nil {
			return nil
		}
		return val.String()
	case *ua.ExpandedNodeID:
		if val == nil || val.NodeID == nil {
			return nil
		}
		return val.NodeID.String()
	case ua.StatusCode:
		return uint32(val)
	default:
		return val
	}
}

func browseResult(ref *ua.ReferenceDescription) gateway.BrowseResult {
	r := gateway.BrowseResult{
		IsForward: ref.IsForward,
		NodeClass: gateway.NodeClass(ref.NodeClass),
	}
	if ref.DisplayName != nil {
		r.DisplayName = ref.DisplayName.Text
	}
	if ref.BrowseName != nil {
		r.BrowseName = ref.BrowseName.Name
	}
	if ref.NodeID != nil && ref.NodeID.NodeID != nil {
		r.NodeID = ref.NodeID.NodeID.String()
	}
	if ref.TypeDefinition != nil && ref.TypeDefinition.NodeID != nil {
		r.TypeID = ref.TypeDefinition.NodeID.String()
	}
	return r
}

// browsePath converts "Name" or "ns:Name/ns:Child" into qualified names.
func browsePath(field string) []*ua.QualifiedName {
	parts := strings.Split(field, "/")
	path := make([]*ua.QualifiedName, 0, len(parts))
	for _, part := range parts {
		qn := &ua.QualifiedName{Name: part}
		if ns, name, ok := strings.Cut(part, ":"); ok {
			if n, err := strconv.ParseUint(ns, 10, 16); err == nil {
				qn = &ua.QualifiedName{NamespaceIndex: uint16(n), Name: name}
			}
		}
		path = append(path, qn)
	}
	return path
}

func eventField(field string) *ua.SimpleAttributeOperand {
	return &ua.SimpleAttributeOperand{
		TypeDefinitionID: ua.NewNumericNodeID(0, id.BaseEventType),
		BrowsePath:       browsePath(field),
		AttributeID:      ua.AttributeIDValue,
	}
}

// literalVariant types a literal operand: booleans, integers and floats are
// sent as such, everything else as a string.
func literalVariant(s string) *ua.Variant {
	switch strings.ToLower(s) {
	case "true":
		return ua.MustVariant(true)
	case "false":
		return ua.MustVariant(false)
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n >= -1<<31 && n < 1<<31 {
			return ua.MustVariant(int32(n))
		}
		return ua.MustVariant(n)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return ua.MustVariant(f)
	}
	return ua.MustVariant(s)
}

// eventFilter builds the select and where clauses of an event read. The where
// clause is the conjunction of the OfType clause and every filter.
func eventFilter(req gateway.EventRequest) (*ua.EventFilter, error) {
	selects := make([]*ua.SimpleAttributeOperand, 0, len(req.Fields))
	for _, f := range req.Fields {
		selects = append(selects, eventField(f))
	}

	var predicates []*ua.ContentFilterElement
	if req.EventTypeNodeID != "" {
		typeID, err := parseNodeID(req.EventTypeNodeID)
		if err != nil {
			return nil, err
		}
		predicates = append(predicates, ofTypeElement(typeID))
	}
	for _, f := range req.Where {
		el, err := filterElement(f)
		if err != nil {
			return nil, err
		}
		predicates = append(predicates, el)
	}

	return &ua.EventFilter{
		SelectClauses: selects,
		WhereClause:   &ua.ContentFilter{Elements: conjunction(predicates)},
	}, nil
}

func ofTypeElement(typeID *ua.NodeID) *ua.ContentFilterElement {
	return &ua.ContentFilterElement{
		FilterOperator: ua.FilterOperatorOfType,
		FilterOperands: []*ua.ExtensionObject{
			ua.NewExtensionObject(&ua.LiteralOperand{Value: ua.MustVariant(typeID)}),
		},
	}
}

func filterElement(f gateway.EventFilter) (*ua.ContentFilterElement, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if f.Oper == gateway.FilterOfType {
		typeID, err := parseNodeID(f.Field())
		if err != nil {
			return nil, err
		}
		return ofTypeElement(typeID), nil
	}

	operands := []*ua.ExtensionObject{ua.NewExtensionObject(eventField(f.Field()))}
	for _, lit := range f.Literals() {
		operands = append(operands, ua.NewExtensionObject(&ua.LiteralOperand{Value: literalVariant(lit)}))
	}
	return &ua.ContentFilterElement{
		FilterOperator: ua.FilterOperator(f.Oper),
		FilterOperands: operands,
	}, nil
}

// conjunction lays predicates out as a content filter whose root element is
// their logical AND. For k predicates, elements 0..k-2 are And nodes and
// k-1..2k-2 are the predicates.
func conjunction(predicates []*ua.ContentFilterElement) []*ua.ContentFilterElement {
	k := len(predicates)
	if k <= 1 {
		return predicates
	}

	elements := make([]*ua.ContentFilterElement, 0, 2*k-1)
	for i := 0; i < k-1; i++ {
		right := uint32(i + 1)
		if i == k-2 {
			right = uint32(2*k - 2)
		}
		elements = append(elements, &ua.ContentFilterElement{
			FilterOperator: ua.FilterOperatorAnd,
			FilterOperands: []*ua.ExtensionObject{
				ua.NewExtensionObject(&ua.ElementOperand{Index: uint32(k - 1 + i)}),
				ua.NewExtensionObject(&ua.ElementOperand{Index: right}),
			},
		})
	}
	return append(elements, predicates...)
}
