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

// Package testutil provides an in-memory OPC UA server behind the gateway
// Connector and Transport interfaces.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	gateway "github.com/edgeo-scada/opcua-gateway"
)

// Reference type identifiers understood by the fake address space.
const (
	Organizes    = "i=35"
	HasComponent = "i=47"
	HasProperty  = "i=46"
	HasSubtype   = "i=45"
)

// hierarchical lists the reference types that are subtypes of HierarchicalReferences.
var hierarchical = map[string]bool{
	gateway.HierarchicalReferencesNodeID: true,
	Organizes:                            true,
	HasComponent:                         true,
	HasProperty:                          true,
	HasSubtype:                           true,
}

// Node is one node of the fake address space.
type Node struct {
	NodeID      string
	BrowseName  string
	DisplayName string
	Description string
	NodeClass   gateway.NodeClass
	TypeID      string
	DataType    string
	Value       interface{}
}

type reference struct {
	refType string
	target  string
}

// Server is an address space shared by every transport a Connector opens.
type Server struct {
	mu          sync.Mutex
	nodes       map[string]*Node
	refs        map[string][]reference
	history     map[string][]gateway.DataPoint
	events      map[string][]map[string]interface{}
	monitorErrs map[string]error
	down        bool
	transports  []*Transport

	connects     int
	monitorCalls int
	browseCalls  int
	readCalls    int
	lastHistory  gateway.HistoryRequest
	lastEvents   gateway.EventRequest
}

// NewServer creates a server seeded with the standard Root, Objects, Server,
// EventTypes and AggregateFunctions nodes.
func NewServer() *Server {
	s := &Server{
		nodes:       make(map[string]*Node),
		refs:        make(map[string][]reference),
		history:     make(map[string][]gateway.DataPoint),
		events:      make(map[string][]map[string]interface{}),
		monitorErrs: make(map[string]error),
	}

	s.nodes["i=84"] = &Node{NodeID: "i=84", BrowseName: "Root", DisplayName: "Root", NodeClass: gateway.NodeClassObject, TypeID: "i=61"}
	s.AddNode("i=84", Organizes, Node{NodeID: gateway.ObjectsFolderNodeID, BrowseName: "Objects", DisplayName: "Objects", NodeClass: gateway.NodeClassObject, TypeID: "i=61"})
	s.AddNode("i=84", Organizes, Node{NodeID: "i=86", BrowseName: "Types", DisplayName: "Types", NodeClass: gateway.NodeClassObject, TypeID: "i=61"})
	s.AddNode(gateway.ObjectsFolderNodeID, Organizes, Node{NodeID: gateway.ServerNodeID, BrowseName: "Server", DisplayName: "Server", NodeClass: gateway.NodeClassObject, TypeID: "i=2004"})
	s.AddNode("i=86", Organizes, Node{NodeID: gateway.EventTypesNodeID, BrowseName: "EventTypes", DisplayName: "EventTypes", NodeClass: gateway.NodeClassObject, TypeID: "i=61"})
	s.AddNode(gateway.EventTypesNodeID, HasSubtype, Node{NodeID: gateway.BaseEventTypeNodeID, BrowseName: "BaseEventType", DisplayName: "BaseEventType", NodeClass: gateway.NodeClassObjectType})
	s.AddNode(gateway.BaseEventTypeNodeID, HasSubtype, Node{NodeID: "i=2130", BrowseName: "SystemEventType", DisplayName: "SystemEventType", NodeClass: gateway.NodeClassObjectType})
	s.AddNode(gateway.BaseEventTypeNodeID, HasSubtype, Node{NodeID: "i=2782", BrowseName: "ConditionType", DisplayName: "ConditionType", NodeClass: gateway.NodeClassObjectType})
	s.AddNode(gateway.ServerNodeID, HasComponent, Node{NodeID: "i=2997", BrowseName: "AggregateFunctions", DisplayName: "AggregateFunctions", NodeClass: gateway.NodeClassObject, TypeID: "i=61"})
	s.AddNode("i=2997", Organizes, Node{NodeID: gateway.AggregateFunctionsNodeID, BrowseName: "AggregateFunctions", DisplayName: "AggregateFunctions", NodeClass: gateway.NodeClassObject, TypeID: "i=61"})
	s.AddNode(gateway.AggregateFunctionsNodeID, Organizes, Node{NodeID: "i=2342", BrowseName: "Average", DisplayName: "Average", NodeClass: gateway.NodeClassObject, TypeID: "i=2340"})
	s.AddNode(gateway.AggregateFunctionsNodeID, Organizes, Node{NodeID: "i=2346", BrowseName: "Minimum", DisplayName: "Minimum", NodeClass: gateway.NodeClassObject, TypeID: "i=2340"})
	s.AddNode(gateway.AggregateFunctionsNodeID, Organizes, Node{NodeID: "i=2347", BrowseName: "Maximum", DisplayName: "Maximum", NodeClass: gateway.NodeClassObject, TypeID: "i=2340"})
	return s
}

// AddNode adds n below parent through a reference of refType.
func (s *Server) AddNode(parent, refType string, n Node) {
	s.mu.Lock()
	defer s.mu.Unlock()

	node := n
	s.nodes[n.NodeID] = &node
	s.refs[parent] = append(s.refs[parent], reference{refType: refType, target: n.NodeID})
}

// AddVariable adds a Variable node holding value below parent.
func (s *Server) AddVariable(parent, nodeID, name string, value interface{}) {
	s.AddNode(parent, HasComponent, Node{
		NodeID:      nodeID,
		BrowseName:  name,
		DisplayName: name,
		NodeClass:   gateway.NodeClassVariable,
		TypeID:      "i=63",
		DataType:    "i=11",
		Value:       value,
	})
}

// SetValue replaces the current value of a node.
func (s *Server) SetValue(nodeID string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[nodeID]; ok {
		n.Value = value
	}
}

// SetHistory replaces the stored history of a node.
func (s *Server) SetHistory(nodeID string, points []gateway.DataPoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[nodeID] = append([]gateway.DataPoint(nil), points...)
}

// AddEvent records an event raised by notifier. fields maps browse names to
// values; "Time" should hold a time.Time.
func (s *Server) AddEvent(notifier string, fields map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[notifier] = append(s.events[notifier], fields)
}

// FailMonitor makes every monitor request for nodeID fail with err. A nil err
// clears the failure.
func (s *Server) FailMonitor(nodeID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.monitorErrs, nodeID)
		return
	}
	s.monitorErrs[nodeID] = err
}

// SetDown makes new connection attempts fail while down is true.
func (s *Server) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

// Drop breaks every live connection.
func (s *Server) Drop() {
	for _, t := range s.live() {
		t.lose()
	}
}

// DropInFlight breaks every live connection like Drop, leaving a value change
// of nodeID queued behind the failure.
func (s *Server) DropInFlight(nodeID string, value interface{}) {
	point := gateway.DataPoint{Timestamp: time.Now(), Value: value}
	for _, t := range s.live() {
		t.loseWith(nodeID, point)
	}
}

// Publish sends a value change of nodeID to every live transport monitoring it
// and returns how many monitored items received it.
func (s *Server) Publish(nodeID string, value interface{}) int {
	point := gateway.DataPoint{Timestamp: time.Now(), Value: value}
	sent := 0
	for _, t := range s.live() {
		sent += t.publish(nodeID, point)
	}
	return sent
}

// Connects returns the number of successful connections.
func (s *Server) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

// MonitorCalls returns the number of monitor requests received.
func (s *Server) MonitorCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.monitorCalls
}

// BrowseCalls returns the number of browse requests received.
func (s *Server) BrowseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.browseCalls
}

// ReadCalls returns the number of read requests received.
func (s *Server) ReadCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readCalls
}

// LastHistoryRequest returns the most recent history read.
func (s *Server) LastHistoryRequest() gateway.HistoryRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHistory
}

// LastEventRequest returns the most recent event read.
func (s *Server) LastEventRequest() gateway.EventRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEvents
}

// MonitoredItems returns the node ids monitored on live transports, sorted,
// one entry per item.
func (s *Server) MonitoredItems() []string {
	var out []string
	for _, t := range s.live() {
		out = append(out, t.monitored()...)
	}
	sort.Strings(out)
	return out
}

// LiveTransports returns the number of open, connected transports.
func (s *Server) LiveTransports() int {
	return len(s.live())
}

func (s *Server) live() []*Transport {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Transport, 0, len(s.transports))
	for _, t := range s.transports {
		if t.usable() {
			out = append(out, t)
		}
	}
	return out
}

func (s *Server) browse(nodeID string, filter gateway.ReferenceFilter) ([]gateway.BrowseResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.browseCalls++
	if _, ok := s.nodes[nodeID]; !ok {
		return nil, fmt.Errorf("testutil: BadNodeIdUnknown: %s", nodeID)
	}

	results := make([]gateway.BrowseResult, 0, len(s.refs[nodeID]))
	for _, ref := range s.refs[nodeID] {
		if !matchReference(ref.refType, filter) {
			continue
		}
		n := s.nodes[ref.target]
		results = append(results, gateway.BrowseResult{
			DisplayName: n.DisplayName,
			BrowseName:  n.BrowseName,
			NodeID:      n.NodeID,
			IsForward:   true,
			NodeClass:   n.NodeClass,
			TypeID:      n.TypeID,
		})
	}
	return results, nil
}

func matchReference(refType string, filter gateway.ReferenceFilter) bool {
	if refType == filter.ReferenceTypeID {
		return true
	}
	return filter.IncludeSubtypes && filter.ReferenceTypeID == gateway.HierarchicalReferencesNodeID && hierarchical[refType]
}

func (s *Server) read(nodeID string, attrs []gateway.AttributeID) ([]gateway.AttributeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.readCalls++
	n, ok := s.nodes[nodeID]
	if !ok {
		return nil, fmt.Errorf("testutil: BadNodeIdUnknown: %s", nodeID)
	}

	now := time.Now()
	out := make([]gateway.AttributeResult, 0, len(attrs))
	for _, id := range attrs {
		v := gateway.AttributeResult{ID: id, Timestamp: now}
		switch id {
		case gateway.AttributeNodeID:
			v.Value = n.NodeID
		case gateway.AttributeNodeClass:
			v.Value = int32(n.NodeClass)
		case gateway.AttributeBrowseName:
			v.Value = n.BrowseName
		case gateway.AttributeDisplayName:
			v.Value = n.DisplayName
		case gateway.AttributeDescription:
			v.Value = n.Description
		case gateway.AttributeValue:
			if n.NodeClass != gateway.NodeClassVariable {
				v.Status = statusBadAttributeIDInvalid
				break
			}
			v.Value = n.Value
		case gateway.AttributeDataType:
			if n.DataType == "" {
				v.Status = statusBadAttributeIDInvalid
				break
			}
			v.Value = n.DataType
		default:
			v.Status = statusBadAttributeIDInvalid
		}
		out = append(out, v)
	}
	return out, nil
}

const statusBadAttributeIDInvalid = 0x80350000

func (s *Server) readHistory(req gateway.HistoryRequest) []gateway.DataPoint {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastHistory = req
	var out []gateway.DataPoint
	for _, p := range s.history[req.NodeID] {
		if p.Timestamp.Before(req.Range.From) || p.Timestamp.After(req.Range.To) {
			continue
		}
		if req.MaxValues > 0 && uint32(len(out)) >= req.MaxValues {
			break
		}
		out = append(out, p)
	}
	return out
}

func (s *Server) readEvents(req gateway.EventRequest) [][]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastEvents = req
	var rows [][]interface{}
	for _, ev := range s.events[req.NodeID] {
		if ts, ok := ev["Time"].(time.Time); ok && (ts.Before(req.Range.From) || ts.After(req.Range.To)) {
			continue
		}
		if req.EventTypeNodeID != "" && req.EventTypeNodeID != gateway.BaseEventTypeNodeID && ev["EventType"] != req.EventTypeNodeID {
			continue
		}
		if !matchAll(req.Where, ev) {
			continue
		}
		if req.MaxEvents > 0 && uint32(len(rows)) >= req.MaxEvents {
			break
		}
		row := make([]interface{}, len(req.Fields))
		for i, f := range req.Fields {
			row[i] = ev[f]
		}
		rows = append(rows, row)
	}
	return rows
}

func matchAll(filters []gateway.EventFilter, fields map[string]interface{}) bool {
	for _, f := range filters {
		if !f.Match(fields) {
			return false
		}
	}
	return true
}

func (s *Server) monitor(nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.monitorCalls++
	if err, ok := s.monitorErrs[nodeID]; ok {
		return err
	}
	if _, ok := s.nodes[nodeID]; !ok {
		return fmt.Errorf("testutil: BadNodeIdUnknown: %s", nodeID)
	}
	return nil
}

// Connector opens transports to a Server.
type Connector struct {
	Server *Server
	// Delay is waited before every connection attempt.
	Delay time.Duration

	mu       sync.Mutex
	attempts int
	configs  []gateway.EndpointConfig
}

var _ gateway.Connector = (*Connector)(nil)

// NewConnector creates a Connector for srv.
func NewConnector(srv *Server) *Connector {
	return &Connector{Server: srv}
}

// Connect implements gateway.Connector.
func (c *Connector) Connect(ctx context.Context, cfg gateway.EndpointConfig) (gateway.Transport, error) {
	c.mu.Lock()
	c.attempts++
	c.configs = append(c.configs, cfg)
	delay := c.Delay
	c.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s := c.Server
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.down {
		return nil, fmt.Errorf("%w: %s unreachable", gateway.ErrConnectionLost, cfg.URL)
	}
	s.connects++
	t := newTransport(s)
	s.transports = append(s.transports, t)
	return t, nil
}

// Attempts returns the number of connection attempts, failed ones included.
func (c *Connector) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Configs returns the endpoint configurations passed to Connect.
func (c *Connector) Configs() []gateway.EndpointConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]gateway.EndpointConfig(nil), c.configs...)
}
