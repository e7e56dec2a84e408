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

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ReadType selects the operation a query performs.
type ReadType string

// Query read types.
const (
	ReadDataRaw       ReadType = "ReadDataRaw"
	ReadDataProcessed ReadType = "ReadDataProcessed"
	ReadNode          ReadType = "ReadNode"
	ReadSubscribe     ReadType = "Subscribe"
	ReadEvents        ReadType = "ReadEvents"
)

// EventFilterMode selects where event filters are evaluated.
type EventFilterMode int

// Event filter modes.
const (
	// EventFilterServer sends filters to the server as a where clause.
	EventFilterServer EventFilterMode = iota
	// EventFilterClient reads unfiltered events and filters them in the gateway.
	EventFilterClient
)

// String returns the string representation of an EventFilterMode.
func (m EventFilterMode) String() string {
	if m == EventFilterClient {
		return "client"
	}
	return "server"
}

// ParseEventFilterMode converts "server" or "client" into an EventFilterMode.
func ParseEventFilterMode(s string) (EventFilterMode, error) {
	switch strings.ToLower(s) {
	case "", "server":
		return EventFilterServer, nil
	case "client":
		return EventFilterClient, nil
	default:
		return EventFilterServer, fmt.Errorf("gateway: unknown event filter mode %q", s)
	}
}

// RawQuery is a query as received from the frontend. Payload holds the
// editor's JSON model, either inline or as a base64-encoded string.
type RawQuery struct {
	RefID         string          `json:"refId"`
	MaxDataPoints int64           `json:"maxDataPoints"`
	IntervalMS    int64           `json:"intervalMs"`
	TimeRange     TimeRange       `json:"timeRange"`
	Payload       json.RawMessage `json:"payload"`
}

// Aggregate identifies a server aggregate function.
type Aggregate struct {
	Name   string `json:"name"`
	NodeID string `json:"nodeId"`
}

type queryPayload struct {
	NodeID     string      `json:"nodeId"`
	Value      []string    `json:"value"`
	ReadType   ReadType    `json:"readType"`
	Aggregate  *Aggregate  `json:"aggregate"`
	Interval   string      `json:"interval"`
	EventQuery *EventQuery `json:"eventQuery"`
}

// Query is a validated query ready for execution.
type Query struct {
	RefID         string
	NodeID        string
	Path          []string
	ReadType      ReadType
	TimeRange     TimeRange
	MaxDataPoints int64
	Interval      time.Duration
	Aggregate     *Aggregate
	Events        *EventQuery
}

// limit returns MaxDataPoints as a server-side row limit. Zero means no limit.
func (q *Query) limit() uint32 {
	if q.MaxDataPoints > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(q.MaxDataPoints)
}

// displayName names the value column: the last browse path label, else the node id.
func (q *Query) displayName() string {
	if n := len(q.Path); n > 0 && q.Path[n-1] != "" {
		return q.Path[n-1]
	}
	return q.NodeID
}

// Translator turns frontend queries into session operations and their results
// into frames.
type Translator struct {
	mode       EventFilterMode
	bufferSize int
	bufferTTL  time.Duration
	logger     *slog.Logger

	mu      sync.Mutex
	buffers map[pollKey]*pollBuffer
	group   singleflight.Group

	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type pollKey struct {
	endpoint EndpointKey
	refID    string
	nodeID   string
}

func (k pollKey) String() string {
	return k.endpoint.String() + "|" + k.refID + "|" + k.nodeID
}

type pollBuffer struct {
	session  *Session
	id       SubscriptionID
	sink     *BufferSink
	lastPoll time.Time // guarded by Translator.mu
}

// TranslatorOption configures a Translator.
type TranslatorOption func(*Translator)

// WithEventFilterMode sets where event filters are evaluated.
func WithEventFilterMode(mode EventFilterMode) TranslatorOption {
	return func(t *Translator) {
		t.mode = mode
	}
}

// WithPollBufferSize sets how many notifications a polled subscription keeps.
func WithPollBufferSize(n int) TranslatorOption {
	return func(t *Translator) {
		if n > 0 {
			t.bufferSize = n
		}
	}
}

// WithPollBufferTTL sets how long a polled subscription survives without being
// drained. Zero keeps polled subscriptions until Unsubscribe or Close.
func WithPollBufferTTL(d time.Duration) TranslatorOption {
	return func(t *Translator) {
		if d >= 0 {
			t.bufferTTL = d
		}
	}
}

// WithTranslatorLogger sets the logger.
func WithTranslatorLogger(logger *slog.Logger) TranslatorOption {
	return func(t *Translator) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// NewTranslator creates a Translator.
func NewTranslator(opts ...TranslatorOption) *Translator {
	t := &Translator{
		mode:       EventFilterServer,
		bufferSize: 1000,
		bufferTTL:  5 * time.Minute,
		logger:     slog.Default(),
		buffers:    make(map[pollKey]*pollBuffer),
		closeCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.bufferTTL > 0 {
		t.wg.Add(1)
		go t.janitor()
	}
	return t
}

// Mode returns the event filter mode.
func (t *Translator) Mode() EventFilterMode {
	return t.mode
}

// Translate decodes and validates a raw query. It never contacts a server.
func (t *Translator) Translate(raw RawQuery) (*Query, error) {
	malformed := func(field, format string, args ...interface{}) error {
		return &MalformedQueryError{RefID: raw.RefID, Field: field, Reason: fmt.Sprintf(format, args...)}
	}

	if raw.RefID == "" {
		return nil, malformed("refId", "is required")
	}
	if raw.MaxDataPoints < 0 {
		return nil, malformed("maxDataPoints", "must not be negative")
	}

	payload, err := decodePayload(raw.Payload)
	if err != nil {
		return nil, malformed("payload", "%v", err)
	}

	q := &Query{
		RefID:         raw.RefID,
		NodeID:        strings.TrimSpace(payload.NodeID),
		Path:          payload.Value,
		ReadType:      payload.ReadType,
		TimeRange:     raw.TimeRange,
		MaxDataPoints: raw.MaxDataPoints,
	}

	switch q.ReadType {
	case ReadNode, ReadSubscribe:
	case ReadDataRaw, ReadDataProcessed, ReadEvents:
		if q.TimeRange.From.IsZero() || q.TimeRange.To.IsZero() {
			return nil, malformed("timeRange", "from and to are required for %s", q.ReadType)
		}
		if q.TimeRange.From.After(q.TimeRange.To) {
			return nil, malformed("timeRange", "from is after to")
		}
	case "":
		return nil, malformed("readType", "is required")
	default:
		return nil, malformed("readType", "unknown read type %q", q.ReadType)
	}

	if q.NodeID == "" && q.ReadType == ReadEvents {
		q.NodeID = ServerNodeID
	}
	if q.NodeID == "" {
		return nil, malformed("nodeId", "is required for %s", q.ReadType)
	}
	if err := ValidateNodeID(q.NodeID); err != nil {
		return nil, malformed("nodeId", "%v", err)
	}

	switch q.ReadType {
	case ReadDataProcessed:
		if payload.Aggregate == nil || payload.Aggregate.NodeID == "" {
			return nil, malformed("aggregate", "an aggregate nodeId is required for %s", q.ReadType)
		}
		if err := ValidateNodeID(payload.Aggregate.NodeID); err != nil {
			return nil, malformed("aggregate", "%v", err)
		}
		q.Aggregate = payload.Aggregate

		interval, err := resolveInterval(payload.Interval, raw)
		if err != nil {
			return nil, malformed("interval", "%v", err)
		}
		q.Interval = interval

	case ReadEvents:
		events := EventQuery{}
		if payload.EventQuery != nil {
			events = *payload.EventQuery
		}
		events.EventTypeNodeID = strings.TrimSpace(events.EventTypeNodeID)
		if events.EventTypeNodeID == "" {
			return nil, malformed("eventQuery.eventTypeNodeId", "is required for %s", q.ReadType)
		}
		if err := ValidateNodeID(events.EventTypeNodeID); err != nil {
			return nil, malformed("eventQuery.eventTypeNodeId", "%v", err)
		}
		if len(events.EventColumns) == 0 {
			events.EventColumns = DefaultEventColumns
		}
		for i, c := range events.EventColumns {
			if strings.TrimSpace(c.BrowseName) == "" {
				return nil, malformed(fmt.Sprintf("eventQuery.eventColumns[%d]", i), "browseName is required")
			}
		}
		for i, f := range events.EventFilters {
			if err := f.Validate(); err != nil {
				return nil, malformed(fmt.Sprintf("eventQuery.eventFilters[%d]", i), "%v", err)
			}
		}
		q.Events = &events
	}

	return q, nil
}

// decodePayload accepts the editor model as a JSON object or as a JSON string
// holding its base64 encoding.
func decodePayload(raw json.RawMessage) (*queryPayload, error) {
	data := bytes.TrimSpace(raw)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, errors.New("is required")
	}

	if data[0] == '"' {
		var encoded string
		if err := json.Unmarshal(data, &encoded); err != nil {
			return nil, fmt.Errorf("invalid string: %v", err)
		}
		decoded, err := decodeBase64(strings.TrimSpace(encoded))
		if err != nil {
			return nil, fmt.Errorf("invalid base64: %v", err)
		}
		data = bytes.TrimSpace(decoded)
	}

	if len(data) == 0 || data[0] != '{' {
		return nil, errors.New("must be a JSON object")
	}

	var p queryPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("invalid JSON: %v", err)
	}
	return &p, nil
}

func decodeBase64(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, errors.New("not base64 encoded")
}

// resolveInterval picks the processing interval: the explicit interval string,
// then intervalMs, then the time range divided by maxDataPoints.
func resolveInterval(interval string, raw RawQuery) (time.Duration, error) {
	if interval = strings.TrimSpace(interval); interval != "" {
		d, err := ParseInterval(interval)
		if err != nil {
			return 0, err
		}
		if d <= 0 {
			return 0, fmt.Errorf("must be positive, got %q", interval)
		}
		return d, nil
	}
	if raw.IntervalMS > 0 {
		return time.Duration(raw.IntervalMS) * time.Millisecond, nil
	}
	if raw.MaxDataPoints > 0 {
		if d := raw.TimeRange.To.Sub(raw.TimeRange.From) / time.Duration(raw.MaxDataPoints); d > 0 {
			return d, nil
		}
	}
	return 0, errors.New("is required when intervalMs and maxDataPoints are not set")
}

// ParseInterval parses a duration, additionally accepting the d (day) and
// w (week) units.
func ParseInterval(s string) (time.Duration, error) {
	for suffix, unit := range map[string]time.Duration{"d": 24 * time.Hour, "w": 7 * 24 * time.Hour} {
		if num, ok := strings.CutSuffix(s, suffix); ok {
			n, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid interval %q", s)
			}
			return time.Duration(n * float64(unit)), nil
		}
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q", s)
	}
	return d, nil
}

// Execute runs q against s and returns its result frame.
func (t *Translator) Execute(ctx context.Context, s *Session, q *Query) (*Frame, error) {
	switch q.ReadType {
	case ReadNode:
		point, err := s.ReadValue(ctx, q.NodeID)
		if err != nil {
			return nil, err
		}
		return pointsFrame(q.RefID, q.displayName(), []DataPoint{point}), nil

	case ReadDataRaw:
		points, err := s.ReadHistory(ctx, HistoryRequest{
			NodeID:    q.NodeID,
			Range:     q.TimeRange,
			MaxValues: q.limit(),
		})
		if err != nil {
			return nil, err
		}
		return pointsFrame(q.RefID, q.displayName(), points), nil

	case ReadDataProcessed:
		points, err := s.ReadHistory(ctx, HistoryRequest{
			NodeID:          q.NodeID,
			Range:           q.TimeRange,
			AggregateNodeID: q.Aggregate.NodeID,
			Interval:        q.Interval,
		})
		if err != nil {
			return nil, err
		}
		return pointsFrame(q.RefID, q.displayName(), points), nil

	case ReadEvents:
		return t.executeEvents(ctx, s, q)

	case ReadSubscribe:
		points, err := t.poll(ctx, s, q.RefID, q.NodeID)
		if err != nil {
			return nil, err
		}
		return pointsFrame(q.RefID, q.displayName(), points), nil

	default:
		return nil, &MalformedQueryError{RefID: q.RefID, Field: "readType", Reason: fmt.Sprintf("unknown read type %q", q.ReadType)}
	}
}

func (t *Translator) executeEvents(ctx context.Context, s *Session, q *Query) (*Frame, error) {
	columns := q.Events.EventColumns
	fields := make([]string, 0, len(columns))
	index := make(map[string]int, len(columns))
	for _, c := range columns {
		if _, ok := index[c.BrowseName]; !ok {
			index[c.BrowseName] = len(fields)
			fields = append(fields, c.BrowseName)
		}
	}

	req := EventRequest{
		NodeID:          q.NodeID,
		EventTypeNodeID: q.Events.EventTypeNodeID,
		Range:           q.TimeRange,
		MaxEvents:       q.limit(),
	}

	var clientFilters []EventFilter
	if t.mode == EventFilterServer {
		req.Where = q.Events.EventFilters
	} else {
		clientFilters = q.Events.EventFilters
		for _, f := range clientFilters {
			name := f.Field()
			if f.Oper == FilterOfType {
				name = "EventType"
			}
			if _, ok := index[name]; !ok {
				index[name] = len(fields)
				fields = append(fields, name)
			}
		}
		// The server must not truncate before the gateway filters.
		req.MaxEvents = 0
	}
	req.Fields = fields

	rows, err := s.ReadEvents(ctx, req)
	if err != nil {
		return nil, err
	}

	frame := NewFrame(q.RefID, q.displayName())
	for _, c := range columns {
		frame.Fields = append(frame.Fields, NewField(c.Name(), FieldTypeOther))
	}

	for _, row := range rows {
		if len(clientFilters) > 0 {
			values := make(map[string]interface{}, len(fields))
			for i, name := range fields {
				if i < len(row) {
					values[name] = row[i]
				}
			}
			if !matchEvent(clientFilters, values) {
				continue
			}
		}
		if q.MaxDataPoints > 0 && int64(frame.Rows()) >= q.MaxDataPoints {
			break
		}
		for i, c := range columns {
			var v interface{}
			if j := index[c.BrowseName]; j < len(row) {
				v = row[j]
			}
			frame.Fields[i].Values = append(frame.Fields[i].Values, v)
		}
	}

	frame.inferTypes()
	return frame, nil
}

// Subscribe registers a polled subscription for (refID, nodeID) on s. Its
// notifications are buffered until a Subscribe query drains them. Subscribing
// an already polled pair is a no-op.
func (t *Translator) Subscribe(ctx context.Context, s *Session, refID, nodeID string) error {
	_, err := t.buffer(ctx, s, refID, nodeID)
	return err
}

// Unsubscribe removes the polled subscription for (refID, nodeID) on s.
func (t *Translator) Unsubscribe(ctx context.Context, s *Session, refID, nodeID string) error {
	key := pollKey{endpoint: s.Key(), refID: refID, nodeID: nodeID}

	t.mu.Lock()
	pb, ok := t.buffers[key]
	if ok {
		delete(t.buffers, key)
	}
	t.mu.Unlock()

	if !ok {
		return ErrSubscriptionNotFound
	}
	pb.sink.Close()
	err := pb.session.Subscriptions().Unsubscribe(ctx, pb.id)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return nil
	}
	return err
}

func (t *Translator) poll(ctx context.Context, s *Session, refID, nodeID string) ([]DataPoint, error) {
	pb, err := t.buffer(ctx, s, refID, nodeID)
	if err != nil {
		return nil, err
	}

	notifications, termErr := pb.sink.Drain()
	if termErr != nil {
		t.forget(pollKey{endpoint: s.Key(), refID: refID, nodeID: nodeID}, pb)
		return nil, termErr
	}

	points := make([]DataPoint, 0, len(notifications))
	for _, n := range notifications {
		points = append(points, n.Point)
	}
	return points, nil
}

// buffer returns the polled subscription for the key, creating it when missing
// or when it belongs to a session that has since been replaced.
func (t *Translator) buffer(ctx context.Context, s *Session, refID, nodeID string) (*pollBuffer, error) {
	key := pollKey{endpoint: s.Key(), refID: refID, nodeID: nodeID}

	t.mu.Lock()
	pb, ok := t.buffers[key]
	t.mu.Unlock()
	if ok {
		if pb.session == s {
			t.mu.Lock()
			pb.lastPoll = time.Now()
			t.mu.Unlock()
			return pb, nil
		}
		t.forget(key, pb)
	}

	v, err, _ := t.group.Do(key.String(), func() (interface{}, error) {
		t.mu.Lock()
		if existing, ok := t.buffers[key]; ok && existing.session == s {
			t.mu.Unlock()
			return existing, nil
		}
		t.mu.Unlock()

		sink := NewBufferSink(t.bufferSize)
		id, err := s.Subscriptions().Subscribe(ctx, nodeID, refID, sink)
		if err != nil {
			return nil, err
		}
		pb := &pollBuffer{session: s, id: id, sink: sink, lastPoll: time.Now()}

		t.mu.Lock()
		t.buffers[key] = pb
		t.mu.Unlock()

		t.logger.Debug("polled subscription created",
			slog.String("ref_id", refID),
			slog.String("node_id", nodeID))
		return pb, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*pollBuffer), nil
}

func (t *Translator) forget(key pollKey, pb *pollBuffer) {
	t.mu.Lock()
	if t.buffers[key] == pb {
		delete(t.buffers, key)
	}
	t.mu.Unlock()

	pb.sink.Close()
	if err := pb.session.Subscriptions().Unsubscribe(context.Background(), pb.id); err != nil && !errors.Is(err, ErrSubscriptionNotFound) {
		t.logger.Debug("failed to remove polled subscription",
			slog.String("ref_id", key.refID),
			slog.String("error", err.Error()))
	}
}

// janitor drops polled subscriptions nobody drained within the TTL.
func (t *Translator) janitor() {
	defer t.wg.Done()

	interval := t.bufferTTL / 2
	if interval <= 0 {
		interval = t.bufferTTL
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.closeCh:
			return
		case now := <-ticker.C:
			t.expire(now)
		}
	}
}

func (t *Translator) expire(now time.Time) {
	t.mu.Lock()
	stale := make(map[pollKey]*pollBuffer)
	for key, pb := range t.buffers {
		if now.Sub(pb.lastPoll) >= t.bufferTTL {
			stale[key] = pb
			delete(t.buffers, key)
		}
	}
	t.mu.Unlock()

	for key, pb := range stale {
		t.logger.Debug("dropping undrained polled subscription",
			slog.String("ref_id", key.refID),
			slog.String("node_id", key.nodeID))
		t.forget(key, pb)
	}
}

// Close stops the janitor and drops every polled subscription.
func (t *Translator) Close() {
	t.closeOnce.Do(func() { close(t.closeCh) })
	t.wg.Wait()

	t.mu.Lock()
	buffers := t.buffers
	t.buffers = make(map[pollKey]*pollBuffer)
	t.mu.Unlock()

	for _, pb := range buffers {
		pb.sink.Close()
		pb.session.Subscriptions().Unsubscribe(context.Background(), pb.id)
	}
}
