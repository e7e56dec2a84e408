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

package testutil

import (
	"context"
	"fmt"
	"sync"

	gateway "github.com/edgeo-scada/opcua-gateway"
)

// Transport is one connection to a Server.
type Transport struct {
	server *Server

	mu     sync.Mutex
	items  map[uint32]string
	events chan gateway.TransportEvent
	lost   bool
	closed bool
}

var _ gateway.Transport = (*Transport)(nil)

func newTransport(s *Server) *Transport {
	return &Transport{
		server: s,
		items:  make(map[uint32]string),
		events: make(chan gateway.TransportEvent, 256),
	}
}

func (t *Transport) check() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.closed:
		return fmt.Errorf("%w: transport closed", gateway.ErrConnectionLost)
	case t.lost:
		return fmt.Errorf("%w: connection reset", gateway.ErrConnectionLost)
	}
	return nil
}

// Browse implements gateway.Transport.
func (t *Transport) Browse(ctx context.Context, nodeID string, filter gateway.ReferenceFilter) ([]gateway.BrowseResult, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	return t.server.browse(nodeID, filter)
}

// Read implements gateway.Transport.
func (t *Transport) Read(ctx context.Context, nodeID string, attrs []gateway.AttributeID) ([]gateway.AttributeResult, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	return t.server.read(nodeID, attrs)
}

// ReadHistory implements gateway.Transport.
func (t *Transport) ReadHistory(ctx context.Context, req gateway.HistoryRequest) ([]gateway.DataPoint, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	return t.server.readHistory(req), nil
}

// ReadEvents implements gateway.Transport.
func (t *Transport) ReadEvents(ctx context.Context, req gateway.EventRequest) ([][]interface{}, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	return t.server.readEvents(req), nil
}

// Monitor implements gateway.Transport. Monitoring a handle twice keeps one item.
func (t *Transport) Monitor(ctx context.Context, nodeID string, handle uint32) error {
	if err := t.check(); err != nil {
		return err
	}
	if err := t.server.monitor(nodeID); err != nil {
		return err
	}

	t.mu.Lock()
	t.items[handle] = nodeID
	t.mu.Unlock()
	return nil
}

// Unmonitor implements gateway.Transport.
func (t *Transport) Unmonitor(ctx context.Context, handle uint32) error {
	if err := t.check(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.items[handle]; !ok {
		return fmt.Errorf("testutil: BadMonitoredItemIdInvalid: handle %d", handle)
	}
	delete(t.items, handle)
	return nil
}

// Events implements gateway.Transport.
func (t *Transport) Events() <-chan gateway.TransportEvent {
	return t.events
}

// Close implements gateway.Transport.
func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	close(t.events)
	return nil
}

func (t *Transport) usable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed && !t.lost
}

func (t *Transport) lose() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.loseLocked()
}

func (t *Transport) loseWith(nodeID string, point gateway.DataPoint) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.loseLocked() {
		return
	}
	for handle, id := range t.items {
		if id == nodeID {
			t.events <- gateway.TransportEvent{Handle: handle, Point: point}
		}
	}
}

func (t *Transport) loseLocked() bool {
	if t.closed || t.lost {
		return false
	}
	t.lost = true
	t.events <- gateway.TransportEvent{Err: fmt.Errorf("%w: connection reset by peer", gateway.ErrConnectionLost)}
	return true
}

func (t *Transport) publish(nodeID string, point gateway.DataPoint) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed || t.lost {
		return 0
	}
	sent := 0
	for handle, id := range t.items {
		if id != nodeID {
			continue
		}
		t.events <- gateway.TransportEvent{Handle: handle, Point: point}
		sent++
	}
	return sent
}

func (t *Transport) monitored() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, 0, len(t.items))
	for _, id := range t.items {
		out = append(out, id)
	}
	return out
}
