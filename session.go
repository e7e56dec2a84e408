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
	"context"
	"log/slog"
	"math"
	"sync"
	"time"
)

type dialFunc func(ctx context.Context) (Transport, error)

// Session is a shared connection to one endpoint. It survives transient
// transport loss by reconnecting and restoring its monitored items.
// Sessions are created and closed by a Registry.
type Session struct {
	key     EndpointKey
	cfg     EndpointConfig
	dial    dialFunc
	opts    *options
	metrics *Metrics
	logger  *slog.Logger

	mu                  sync.Mutex
	state               SessionState
	transport           Transport
	pumpDone            chan struct{} // closed when the pump of the last transport returns
	ready               chan struct{} // closed while state is StateReady
	closeCh             chan struct{}
	refs                int
	lastActivity        time.Time
	consecutiveFailures int

	onClosed func(*Session)
	subs     *SubscriptionManager
	wg       sync.WaitGroup
}

func newSession(cfg EndpointConfig, dial dialFunc, opts *options, onClosed func(*Session)) *Session {
	s := &Session{
		key:          cfg.Key(),
		cfg:          cfg,
		dial:         dial,
		opts:         opts,
		metrics:      opts.metrics,
		logger:       opts.logger,
		state:        StateConnecting,
		ready:        make(chan struct{}),
		closeCh:      make(chan struct{}),
		lastActivity: time.Now(),
		onClosed:     onClosed,
	}
	s.subs = newSubscriptionManager(s)
	return s
}

// Key returns the endpoint fingerprint the session serves.
func (s *Session) Key() EndpointKey {
	return s.key
}

// Config returns the endpoint configuration.
func (s *Session) Config() EndpointConfig {
	return s.cfg
}

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Refs returns the number of holders that acquired the session.
func (s *Session) Refs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs
}

// Subscriptions returns the session's subscription manager.
func (s *Session) Subscriptions() *SubscriptionManager {
	return s.subs
}

// Browse returns the references of nodeID matching filter, in server order.
func (s *Session) Browse(ctx context.Context, nodeID string, filter ReferenceFilter) ([]BrowseResult, error) {
	var results []BrowseResult
	err := s.do(ctx, "browse", func(ctx context.Context, t Transport) error {
		var err error
		results, err = t.Browse(ctx, nodeID, filter)
		return err
	})
	return results, err
}

// ReadAttributes reads the given attributes of nodeID.
func (s *Session) ReadAttributes(ctx context.Context, nodeID string, attrs []AttributeID) ([]AttributeResult, error) {
	var results []AttributeResult
	err := s.do(ctx, "read", func(ctx context.Context, t Transport) error {
		var err error
		results, err = t.Read(ctx, nodeID, attrs)
		return err
	})
	return results, err
}

// ReadValue reads the current value of nodeID.
func (s *Session) ReadValue(ctx context.Context, nodeID string) (DataPoint, error) {
	values, err := s.ReadAttributes(ctx, nodeID, []AttributeID{AttributeValue})
	if err != nil {
		return DataPoint{}, err
	}
	if len(values) == 0 {
		return DataPoint{}, ErrInvalidNodeID
	}
	v := values[0]
	ts := v.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return DataPoint{Timestamp: ts, Value: v.Value, Status: v.Status}, nil
}

// ReadHistory reads raw or processed history, ordered by timestamp.
func (s *Session) ReadHistory(ctx context.Context, req HistoryRequest) ([]DataPoint, error) {
	op := "history_raw"
	if req.AggregateNodeID != "" {
		op = "history_processed"
	}
	var points []DataPoint
	err := s.do(ctx, op, func(ctx context.Context, t Transport) error {
		var err error
		points, err = t.ReadHistory(ctx, req)
		return err
	})
	return points, err
}

// ReadEvents reads event history. Each row is aligned with req.Fields.
func (s *Session) ReadEvents(ctx context.Context, req EventRequest) ([][]interface{}, error) {
	var rows [][]interface{}
	err := s.do(ctx, "history_events", func(ctx context.Context, t Transport) error {
		var err error
		rows, err = t.ReadEvents(ctx, req)
		return err
	})
	return rows, err
}

func (s *Session) monitor(ctx context.Context, nodeID string, handle uint32) error {
	return s.do(ctx, "monitor", func(ctx context.Context, t Transport) error {
		return t.Monitor(ctx, nodeID, handle)
	})
}

func (s *Session) unmonitor(ctx context.Context, handle uint32) error {
	return s.do(ctx, "unmonitor", func(ctx context.Context, t Transport) error {
		return t.Unmonitor(ctx, handle)
	})
}

// do runs fn against a ready transport. A lost connection degrades the session
// and the call is retried once after recovery.
func (s *Session) do(ctx context.Context, op string, fn func(ctx context.Context, t Transport) error) error {
	start := time.Now()

	var err error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			s.logger.Debug("retrying request",
				slog.String("operation", op),
				slog.String("addr", s.cfg.URL))
		}

		waitCtx, cancel := context.WithTimeout(ctx, s.opts.requestTimeout)
		var t Transport
		t, err = s.readyTransport(waitCtx)
		cancel()
		if err != nil {
			break
		}

		callCtx, cancel := context.WithTimeout(ctx, s.opts.requestTimeout)
		err = fn(callCtx, t)
		cancel()
		if err == nil || !IsConnectionLost(err) {
			break
		}
		s.degrade(t, err)
	}

	if err == nil {
		s.touch()
	}
	s.metrics.observe(op, start, err)
	return err
}

func (s *Session) readyTransport(ctx context.Context) (Transport, error) {
	for {
		s.mu.Lock()
		switch s.state {
		case StateReady:
			t := s.transport
			s.mu.Unlock()
			return t, nil
		case StateClosed:
			s.mu.Unlock()
			return nil, ErrSessionClosed
		}
		ready := s.ready
		s.mu.Unlock()

		select {
		case <-ready:
		case <-s.closeCh:
			return nil, ErrSessionClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// connect performs the initial handshake, retrying with backoff.
func (s *Session) connect(ctx context.Context) error {
	backoff := s.opts.reconnectBackoff

	var lastErr error
	attempts := 0
	for attempts < s.opts.connectRetries {
		attempts++
		t, err := s.dial(ctx)
		s.metrics.connectAttempt(err)
		if err == nil {
			s.mu.Lock()
			if s.state == StateClosed {
				s.mu.Unlock()
				t.Close(context.Background())
				return ErrSessionClosed
			}
			done := make(chan struct{})
			s.transport = t
			s.pumpDone = done
			s.wg.Add(1)
			s.setStateLocked(StateReady)
			s.mu.Unlock()

			go s.pump(t, done)
			s.logger.Info("session ready",
				slog.String("addr", s.cfg.URL),
				slog.String("security_mode", s.cfg.SecurityMode.String()))
			return nil
		}

		lastErr = err
		s.logger.Warn("connect attempt failed",
			slog.String("addr", s.cfg.URL),
			slog.Int("attempt", attempts),
			slog.String("error", err.Error()))

		if attempts == s.opts.connectRetries {
			break
		}
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempts = s.opts.connectRetries
		case <-s.closeCh:
			return ErrSessionClosed
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff, s.opts.maxReconnectTime)
	}

	s.shutdown(context.Background())
	return &ConnectError{Endpoint: s.cfg.URL, Attempts: attempts, Err: lastErr}
}

// pump forwards transport events to the subscription manager in arrival order.
// It stops at the first failure; events queued behind it are stale.
func (s *Session) pump(t Transport, done chan struct{}) {
	defer s.wg.Done()
	defer close(done)

	for ev := range t.Events() {
		if ev.Err != nil {
			s.degrade(t, ev.Err)
			return
		}
		s.subs.dispatch(ev.Handle, ev.Point)
	}
	s.degrade(t, ErrConnectionLost)
}

// degrade moves a Ready session using t to Degraded and starts reconnecting.
// It is a no-op when t is no longer the session's transport.
func (s *Session) degrade(t Transport, cause error) {
	s.mu.Lock()
	if s.state != StateReady || s.transport != t {
		s.mu.Unlock()
		return
	}
	s.transport = nil
	s.setStateLocked(StateDegraded)
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Warn("session degraded",
		slog.String("addr", s.cfg.URL),
		slog.String("error", cause.Error()))

	go t.Close(context.Background())
	go s.reconnect()
}

func (s *Session) reconnect() {
	defer s.wg.Done()

	backoff := s.opts.reconnectBackoff
	for {
		select {
		case <-s.closeCh:
			return
		default:
		}

		s.logger.Info("attempting reconnection",
			slog.String("addr", s.cfg.URL),
			slog.Duration("backoff", backoff))
		s.metrics.reconnecting()

		ctx, cancel := s.boundedContext(s.opts.requestTimeout)
		t, err := s.dial(ctx)
		cancel()
		s.metrics.connectAttempt(err)
		if err == nil {
			if err = s.restore(t); err == nil {
				return
			}
		}

		s.mu.Lock()
		s.consecutiveFailures++
		failures := s.consecutiveFailures
		s.mu.Unlock()

		s.logger.Warn("reconnection failed",
			slog.String("addr", s.cfg.URL),
			slog.Int("failures", failures),
			slog.String("error", err.Error()))

		if failures >= s.opts.maxConsecutiveFailures {
			s.fail(&ConnectError{Endpoint: s.cfg.URL, Attempts: failures, Err: err})
			return
		}

		select {
		case <-s.closeCh:
			return
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff, s.opts.maxReconnectTime)
	}
}

// restore re-establishes monitored items on t before it starts delivering.
func (s *Session) restore(t Transport) error {
	// The previous transport's pump must finish before t delivers.
	s.mu.Lock()
	prev := s.pumpDone
	s.mu.Unlock()
	if prev != nil {
		select {
		case <-prev:
		case <-s.closeCh:
			t.Close(context.Background())
			return ErrSessionClosed
		}
	}

	ctx, cancel := s.boundedContext(s.opts.requestTimeout)
	defer cancel()

	if err := s.subs.reestablish(ctx, t); err != nil {
		t.Close(context.Background())
		return err
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		t.Close(context.Background())
		return ErrSessionClosed
	}
	done := make(chan struct{})
	s.transport = t
	s.pumpDone = done
	s.consecutiveFailures = 0
	s.wg.Add(1)
	s.setStateLocked(StateReady)
	s.mu.Unlock()

	go s.pump(t, done)
	s.logger.Info("reconnected", slog.String("addr", s.cfg.URL))
	return nil
}

// fail terminates subscriptions with err, closes the session and tells the
// registry to forget it.
func (s *Session) fail(err error) {
	s.logger.Error("session closed after unrecoverable failure",
		slog.String("addr", s.cfg.URL),
		slog.String("error", err.Error()))

	s.subs.terminate(err)
	s.shutdown(context.Background())
	if s.onClosed != nil {
		s.onClosed(s)
	}
}

// close terminates all subscriptions and closes the transport. Only the
// registry closes sessions.
func (s *Session) close(ctx context.Context) error {
	s.subs.terminate(ErrSessionClosed)
	err := s.shutdown(ctx)
	s.wg.Wait()
	return err
}

func (s *Session) shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	t := s.transport
	s.transport = nil
	s.setStateLocked(StateClosed)
	s.mu.Unlock()

	s.logger.Debug("closing session", slog.String("addr", s.cfg.URL))
	if t != nil {
		return t.Close(ctx)
	}
	return nil
}

func (s *Session) setStateLocked(state SessionState) {
	if s.state == state {
		return
	}
	prev := s.state
	s.state = state

	switch {
	case state == StateReady:
		close(s.ready)
	case prev == StateReady:
		s.ready = make(chan struct{})
	}
	if state == StateClosed {
		close(s.closeCh)
	}

	s.metrics.transition(state)
	if s.opts.onStateChange != nil {
		s.opts.onStateChange(s.key, state)
	}
}

func (s *Session) retain() {
	s.mu.Lock()
	s.refs++
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) release() {
	s.mu.Lock()
	if s.refs > 0 {
		s.refs--
	}
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// idle reports whether the session has no holders and no subscriptions, and
// since when it has been unused.
func (s *Session) idle() (time.Time, bool) {
	subs := s.subs.Len()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity, s.refs == 0 && subs == 0
}

func (s *Session) closed() bool {
	return s.State() == StateClosed
}

// boundedContext returns a context that ends after d or when the session closes.
func (s *Session) boundedContext(d time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	go func() {
		select {
		case <-s.closeCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func nextBackoff(backoff, limit time.Duration) time.Duration {
	return time.Duration(math.Min(float64(backoff)*2, float64(limit)))
}
