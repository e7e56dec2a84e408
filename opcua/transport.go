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
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gopcua "github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	gateway "github.com/edgeo-scada/opcua-gateway"
)

// transport is one gopcua client connection with a lazily created
// subscription carrying every monitored item.
type transport struct {
	client  *gopcua.Client
	cancel  context.CancelFunc
	addr    string
	opts    *connectorOptions
	logger  *slog.Logger
	metrics *Metrics

	mu    sync.Mutex // serializes subscription changes
	sub   *gopcua.Subscription
	items map[uint32]uint32 // client handle -> monitored item id

	notify    chan *gopcua.PublishNotificationData
	events    chan gateway.TransportEvent
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

var _ gateway.Transport = (*transport)(nil)

func newTransport(client *gopcua.Client, cancel context.CancelFunc, addr string, opts *connectorOptions) *transport {
	return &transport{
		client:  client,
		cancel:  cancel,
		addr:    addr,
		opts:    opts,
		logger:  opts.logger,
		metrics: opts.metrics,
		items:   make(map[uint32]uint32),
		notify:  make(chan *gopcua.PublishNotificationData, opts.eventBuffer),
		events:  make(chan gateway.TransportEvent, opts.eventBuffer),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Browse follows the references of nodeID matching filter, including
// continuation points.
func (t *transport) Browse(ctx context.Context, nodeID string, filter gateway.ReferenceFilter) (results []gateway.BrowseResult, err error) {
	defer t.observe("browse", time.Now(), &err)

	id, err := parseNodeID(nodeID)
	if err != nil {
		return nil, err
	}
	refType, err := parseNodeID(filter.ReferenceTypeID)
	if err != nil {
		return nil, err
	}

	req := &ua.BrowseRequest{
		View: &ua.ViewDescription{ViewID: ua.NewTwoByteNodeID(0)},
		NodesToBrowse: []*ua.BrowseDescription{{
			NodeID:          id,
			BrowseDirection: ua.BrowseDirectionForward,
			ReferenceTypeID: refType,
			IncludeSubtypes: filter.IncludeSubtypes,
			ResultMask:      uint32(ua.BrowseResultMaskAll),
		}},
	}

	resp, err := t.client.Browse(ctx, req)
	if err != nil {
		return nil, wrapError(err)
	}
	if len(resp.Results) == 0 {
		return nil, errNoResults
	}
	res := resp.Results[0]

	for {
		if err := statusError(res.StatusCode); err != nil {
			return nil, err
		}
		for _, ref := range res.References {
			results = append(results, browseResult(ref))
		}
		if len(res.ContinuationPoint) == 0 {
			return results, nil
		}

		next, err := t.client.BrowseNext(ctx, &ua.BrowseNextRequest{
			ContinuationPoints: [][]byte{res.ContinuationPoint},
		})
		if err != nil {
			return nil, wrapError(err)
		}
		if len(next.Results) == 0 {
			return nil, errNoResults
		}
		res = next.Results[0]
	}
}

// Read reads attrs of nodeID in one request.
func (t *transport) Read(ctx context.Context, nodeID string, attrs []gateway.AttributeID) (values []gateway.AttributeResult, err error) {
	defer t.observe("read", time.Now(), &err)

	id, err := parseNodeID(nodeID)
	if err != nil {
		return nil, err
	}

	nodes := make([]*ua.ReadValueID, 0, len(attrs))
	for _, attr := range attrs {
		nodes = append(nodes, &ua.ReadValueID{
			NodeID:       id,
			AttributeID:  ua.AttributeID(attr),
			DataEncoding: &ua.QualifiedName{},
		})
	}

	resp, err := t.client.Read(ctx, &ua.ReadRequest{
		NodesToRead:        nodes,
		TimestampsToReturn: ua.TimestampsToReturnBoth,
	})
	if err != nil {
		return nil, wrapError(err)
	}
	if len(resp.Results) != len(attrs) {
		return nil, fmt.Errorf("opcua: read returned %d results for %d attributes", len(resp.Results), len(attrs))
	}

	values = make([]gateway.AttributeResult, 0, len(attrs))
	for i, dv := range resp.Results {
		point := dataPoint(dv)
		values = append(values, gateway.AttributeResult{
			ID:        attrs[i],
			Value:     point.Value,
			Status:    point.Status,
			Timestamp: point.Timestamp,
		})
	}
	return values, nil
}

// ReadHistory performs a raw read, or a processed read when an aggregate is set.
func (t *transport) ReadHistory(ctx context.Context, req gateway.HistoryRequest) (points []gateway.DataPoint, err error) {
	service := "history_raw"
	if req.AggregateNodeID != "" {
		service = "history_processed"
	}
	defer t.observe(service, time.Now(), &err)

	id, err := parseNodeID(req.NodeID)
	if err != nil {
		return nil, err
	}
	nodes := []*ua.HistoryReadValueID{{NodeID: id, DataEncoding: &ua.QualifiedName{}}}

	var read func() (*ua.HistoryReadResponse, error)
	if req.AggregateNodeID == "" {
		details := &ua.ReadRawModifiedDetails{
			StartTime:        req.Range.From,
			EndTime:          req.Range.To,
			NumValuesPerNode: req.MaxValues,
		}
		read = func() (*ua.HistoryReadResponse, error) {
			return t.client.HistoryReadRawModified(ctx, nodes, details)
		}
	} else {
		aggregate, err := parseNodeID(req.AggregateNodeID)
		if err != nil {
			return nil, err
		}
		details := &ua.ReadProcessedDetails{
			StartTime:              req.Range.From,
			EndTime:                req.Range.To,
			ProcessingInterval:     float64(req.Interval.Milliseconds()),
			AggregateType:          []*ua.NodeID{aggregate},
			AggregateConfiguration: &ua.AggregateConfiguration{UseServerCapabilitiesDefaults: true},
		}
		read = func() (*ua.HistoryReadResponse, error) {
			return t.client.HistoryReadProcessed(ctx, nodes, details)
		}
	}

	for {
		resp, err := read()
		if err != nil {
			return nil, wrapError(err)
		}
		if len(resp.Results) == 0 {
			return nil, errNoResults
		}
		res := resp.Results[0]
		if err := statusError(res.StatusCode); err != nil {
			return nil, err
		}

		if res.HistoryData != nil {
			if data, ok := res.HistoryData.Value.(*ua.HistoryData); ok {
				for _, dv := range data.DataValues {
					points = append(points, dataPoint(dv))
				}
			}
		}

		if len(res.ContinuationPoint) == 0 {
			return points, nil
		}
		if req.MaxValues > 0 && uint32(len(points)) >= req.MaxValues {
			return points[:req.MaxValues], nil
		}
		nodes[0].ContinuationPoint = res.ContinuationPoint
	}
}

// ReadEvents reads event history with the select and where clauses of req.
func (t *transport) ReadEvents(ctx context.Context, req gateway.EventRequest) (rows [][]interface{}, err error) {
	defer t.observe("history_events", time.Now(), &err)

	id, err := parseNodeID(req.NodeID)
	if err != nil {
		return nil, err
	}
	filter, err := eventFilter(req)
	if err != nil {
		return nil, err
	}

	nodes := []*ua.HistoryReadValueID{{NodeID: id, DataEncoding: &ua.QualifiedName{}}}
	details := &ua.ReadEventDetails{
		NumValuesPerNode: req.MaxEvents,
		StartTime:        req.Range.From,
		EndTime:          req.Range.To,
		Filter:           filter,
	}

	for {
		resp, err := t.client.HistoryReadEvent(ctx, nodes, details)
		if err != nil {
			return nil, wrapError(err)
		}
		if len(resp.Results) == 0 {
			return nil, errNoResults
		}
		res := resp.Results[0]
		if err := statusError(res.StatusCode); err != nil {
			return nil, err
		}

		if res.HistoryData != nil {
			if data, ok := res.HistoryData.Value.(*ua.HistoryEvent); ok {
				for _, ev := range data.Events {
					row := make([]interface{}, len(req.Fields))
					for i := range row {
						if i < len(ev.EventFields) {
							row[i] = variantValue(ev.EventFields[i])
						}
					}
					rows = append(rows, row)
				}
			}
		}

		if len(res.ContinuationPoint) == 0 {
			return rows, nil
		}
		if req.MaxEvents > 0 && uint32(len(rows)) >= req.MaxEvents {
			return rows[:req.MaxEvents], nil
		}
		nodes[0].ContinuationPoint = res.ContinuationPoint
	}
}

// Monitor creates a monitored item for nodeID reporting under handle. A
// handle that is already monitored is left unchanged.
func (t *transport) Monitor(ctx context.Context, nodeID string, handle uint32) (err error) {
	defer t.observe("monitor", time.Now(), &err)

	id, err := parseNodeID(nodeID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.items[handle]; ok {
		return nil
	}

	if t.sub == nil {
		sub, err := t.client.Subscribe(ctx, &gopcua.SubscriptionParameters{
			Interval: t.opts.publishingInterval,
		}, t.notify)
		if err != nil {
			return wrapError(err)
		}
		t.sub = sub
		t.logger.Debug("subscription created",
			slog.String("addr", t.addr),
			slog.Uint64("subscription_id", uint64(sub.SubscriptionID)))
	}

	req := gopcua.NewMonitoredItemCreateRequestWithDefaults(id, ua.AttributeIDValue, handle)
	resp, err := t.sub.Monitor(ctx, ua.TimestampsToReturnBoth, req)
	if err != nil {
		return wrapError(err)
	}
	if len(resp.Results) == 0 {
		return errNoResults
	}
	res := resp.Results[0]
	if err := statusError(res.StatusCode); err != nil {
		return fmt.Errorf("monitor %s: %w", nodeID, err)
	}

	t.items[handle] = res.MonitoredItemID
	t.metrics.monitored(1)
	return nil
}

// Unmonitor deletes the monitored item reporting under handle.
func (t *transport) Unmonitor(ctx context.Context, handle uint32) (err error) {
	defer t.observe("unmonitor", time.Now(), &err)

	t.mu.Lock()
	defer t.mu.Unlock()

	itemID, ok := t.items[handle]
	if !ok || t.sub == nil {
		return nil
	}

	resp, err := t.sub.Unmonitor(ctx, itemID)
	if err != nil {
		return wrapError(err)
	}
	delete(t.items, handle)
	t.metrics.monitored(-1)

	if len(resp.Results) > 0 {
		if err := statusError(resp.Results[0]); err != nil {
			return fmt.Errorf("unmonitor handle %d: %w", handle, err)
		}
	}
	return nil
}

// Events implements gateway.Transport.
func (t *transport) Events() <-chan gateway.TransportEvent {
	return t.events
}

// Close cancels the subscription and closes the client connection.
func (t *transport) Close(ctx context.Context) error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closing)

		t.mu.Lock()
		sub := t.sub
		t.sub = nil
		items := len(t.items)
		t.items = make(map[uint32]uint32)
		t.mu.Unlock()

		if sub != nil {
			if cerr := sub.Cancel(ctx); cerr != nil {
				t.logger.Debug("failed to cancel subscription",
					slog.String("addr", t.addr),
					slog.String("error", cerr.Error()))
			}
		}
		err = t.client.Close(ctx)
		t.cancel()
		<-t.done

		t.metrics.disconnected(items)
		t.logger.Debug("connection closed", slog.String("addr", t.addr))
	})
	return err
}

// run converts publish notifications into transport events and watches the
// connection state. It closes the event channel when it returns.
func (t *transport) run() {
	defer close(t.done)
	defer close(t.events)

	ticker := time.NewTicker(t.opts.watchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.closing:
			return

		case msg := <-t.notify:
			if msg == nil {
				continue
			}
			if msg.Error != nil {
				if isConnectionLoss(msg.Error) {
					t.lost(msg.Error)
					return
				}
				t.logger.Warn("publish error",
					slog.String("addr", t.addr),
					slog.String("error", msg.Error.Error()))
				continue
			}
			if !t.dispatch(msg.Value) {
				return
			}

		case <-ticker.C:
			switch state := t.client.State(); state {
			case gopcua.Disconnected, gopcua.Closed:
				t.lost(fmt.Errorf("client state %v", state))
				return
			}
		}
	}
}

func (t *transport) dispatch(value interface{}) bool {
	switch v := value.(type) {
	case *ua.DataChangeNotification:
		for _, item := range v.MonitoredItems {
			if !t.emit(gateway.TransportEvent{Handle: item.ClientHandle, Point: dataPoint(item.Value)}) {
				return false
			}
		}
	case *ua.StatusChangeNotification:
		if err := statusError(v.Status); err != nil {
			// The server dropped the subscription: rebuild the connection so
			// monitored items are restored.
			t.lost(err)
			return false
		}
	}
	return true
}

func (t *transport) lost(cause error) {
	t.metrics.connectionLost()
	t.logger.Warn("connection lost",
		slog.String("addr", t.addr),
		slog.String("error", cause.Error()))
	t.emit(gateway.TransportEvent{Err: fmt.Errorf("%w: %v", gateway.ErrConnectionLost, cause)})
}

func (t *transport) emit(ev gateway.TransportEvent) bool {
	select {
	case t.events <- ev:
		return true
	case <-t.closing:
		return false
	}
}

func (t *transport) observe(service string, start time.Time, err *error) {
	t.metrics.observe(service, start, *err)
}
