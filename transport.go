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

package gateway

import "context"

// Connector establishes transports to OPC UA endpoints.
type Connector interface {
	// Connect opens a secure channel and activates a session.
	Connect(ctx context.Context, cfg EndpointConfig) (Transport, error)
}

// Transport is one established, authenticated connection to a server.
//
// Connection-level failures must wrap ErrConnectionLost. Monitor is idempotent
// per handle: monitoring a handle twice keeps a single server-side item.
type Transport interface {
	Browse(ctx context.Context, nodeID string, filter ReferenceFilter) ([]BrowseResult, error)
	Read(ctx context.Context, nodeID string, attrs []AttributeID) ([]AttributeResult, error)
	ReadHistory(ctx context.Context, req HistoryRequest) ([]DataPoint, error)
	// ReadEvents returns one row per event, each aligned with req.Fields.
	ReadEvents(ctx context.Context, req EventRequest) ([][]interface{}, error)
	Monitor(ctx context.Context, nodeID string, handle uint32) error
	Unmonitor(ctx context.Context, handle uint32) error
	// Events delivers value changes in the order received from the server.
	// The channel is closed when the transport closes.
	Events() <-chan TransportEvent
	Close(ctx context.Context) error
}

// TransportEvent is a value change for a monitored handle, or a transport failure
// when Err is set.
type TransportEvent struct {
	Handle uint32
	Point  DataPoint
	Err    error
}
