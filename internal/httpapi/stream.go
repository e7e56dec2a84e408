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
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	gateway "github.com/edgeo-scada/opcua-gateway"
)

const streamWriteTimeout = 5 * time.Second

// streamCallerPrefix keeps stream subscriptions apart from polled ones with
// the same refId.
const streamCallerPrefix = "stream/"

// StreamMessage is one notification pushed on a stream.
type StreamMessage struct {
	RefID  string      `json:"refId"`
	NodeID string      `json:"nodeId"`
	Time   time.Time   `json:"time"`
	Value  interface{} `json:"value,omitempty"`
	Status uint32      `json:"status,omitempty"`
	Error  string      `json:"error,omitempty"`
	Kind   string      `json:"kind,omitempty"`
}

// wsSink writes notifications to a websocket connection. Gorilla connections
// allow one concurrent writer, so writes are serialized.
type wsSink struct {
	refID string

	mu   sync.Mutex
	conn *websocket.Conn

	done chan struct{}
	once sync.Once
}

func newWSSink(conn *websocket.Conn, refID string) *wsSink {
	return &wsSink{refID: refID, conn: conn, done: make(chan struct{})}
}

// Deliver implements gateway.Sink.
func (s *wsSink) Deliver(n gateway.Notification) error {
	msg := StreamMessage{RefID: s.refID, NodeID: n.NodeID}
	if n.Err != nil {
		msg.Error = n.Err.Error()
		msg.Kind = kindOf(n.Err)
	} else {
		msg.Time = n.Point.Timestamp
		msg.Value = n.Point.Value
		msg.Status = n.Point.Status
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	err := s.conn.WriteJSON(msg)
	if err != nil || n.Err != nil {
		s.finish()
	}
	return err
}

func (s *wsSink) finish() {
	s.once.Do(func() { close(s.done) })
}

func (s *wsSink) closeWith(code int, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
}

// handleStream pushes value changes of one node over a websocket. The
// subscription lives as long as the socket.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.endpoint(r)
	if err != nil {
		writeError(w, err)
		return
	}

	params := r.URL.Query()
	nodeID := params.Get("nodeId")
	refID := params.Get("refId")
	if refID == "" {
		writeError(w, &gateway.MalformedQueryError{Field: "refId", Reason: "is required"})
		return
	}
	if err := gateway.ValidateNodeID(nodeID); err != nil {
		writeError(w, &gateway.MalformedQueryError{RefID: refID, Field: "nodeId", Reason: err.Error()})
		return
	}

	sess, err := s.registry.Acquire(r.Context(), cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	defer s.registry.Release(sess)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	sink := newWSSink(conn, refID)
	id, err := sess.Subscriptions().Subscribe(r.Context(), nodeID, streamCallerPrefix+refID, sink)
	if err != nil {
		code := websocket.CloseInternalServerErr
		if gateway.IsDuplicateSubscription(err) || errors.Is(err, gateway.ErrInvalidNodeID) {
			code = websocket.ClosePolicyViolation
		}
		sink.closeWith(code, err.Error())
		return
	}

	s.logger.Info("stream opened",
		slog.String("ref_id", refID),
		slog.String("node_id", nodeID))

	// Reads only detect the peer closing the socket.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-closed:
	case <-sink.done:
		sink.closeWith(websocket.CloseGoingAway, "subscription ended")
	}

	ctx, cancel := context.WithTimeout(context.Background(), streamWriteTimeout)
	defer cancel()
	if err := sess.Subscriptions().Unsubscribe(ctx, id); err != nil && !errors.Is(err, gateway.ErrSubscriptionNotFound) {
		s.logger.Warn("failed to remove stream subscription",
			slog.String("ref_id", refID),
			slog.String("error", err.Error()))
	}

	s.logger.Info("stream closed",
		slog.String("ref_id", refID),
		slog.String("node_id", nodeID))
}
