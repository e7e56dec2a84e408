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
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Registry shares one Session per endpoint fingerprint between all callers.
type Registry struct {
	connector Connector
	opts      *options
	limiter   *rate.Limiter
	group     singleflight.Group

	mu       sync.Mutex
	sessions map[EndpointKey]*Session
	closed   bool
	closeCh  chan struct{}
	wg       sync.WaitGroup

	metrics *Metrics
	logger  *slog.Logger
}

// SessionInfo is a point-in-time view of a registered session.
type SessionInfo struct {
	Endpoint      string `json:"endpoint"`
	SecurityMode  string `json:"securityMode"`
	State         string `json:"state"`
	Refs          int    `json:"refs"`
	Subscriptions int    `json:"subscriptions"`
}

// NewRegistry creates a registry that opens transports with connector.
func NewRegistry(connector Connector, opts ...Option) (*Registry, error) {
	if connector == nil {
		return nil, errors.New("gateway: connector cannot be nil")
	}

	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	r := &Registry{
		connector: connector,
		opts:      options,
		limiter:   rate.NewLimiter(options.connectRate, options.connectBurst),
		sessions:  make(map[EndpointKey]*Session),
		closeCh:   make(chan struct{}),
		metrics:   options.metrics,
		logger:    options.logger,
	}

	r.wg.Add(1)
	go r.janitor()

	return r, nil
}

// Acquire returns the live session for cfg, connecting on first use. Concurrent
// callers for the same fingerprint share a single connection attempt. Callers
// must Release the session when done.
func (r *Registry) Acquire(ctx context.Context, cfg EndpointConfig) (*Session, error) {
	cfg, err := cfg.Validate()
	if err != nil {
		return nil, err
	}
	key := cfg.Key()

	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrRegistryClosed
		}
		if s, ok := r.sessions[key]; ok && !s.closed() {
			s.retain()
			r.mu.Unlock()
			return s, nil
		}
		r.mu.Unlock()

		ch := r.group.DoChan(key.String(), func() (interface{}, error) {
			return r.open(cfg)
		})

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.closeCh:
			return nil, ErrRegistryClosed
		case res := <-ch:
			if res.Err != nil {
				return nil, res.Err
			}
			s := res.Val.(*Session)
			r.mu.Lock()
			if r.sessions[key] == s && !s.closed() {
				s.retain()
				r.mu.Unlock()
				return s, nil
			}
			r.mu.Unlock()
		}
	}
}

func (r *Registry) open(cfg EndpointConfig) (*Session, error) {
	key := cfg.Key()

	r.mu.Lock()
	if s, ok := r.sessions[key]; ok && !s.closed() {
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-r.closeCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	s := newSession(cfg, r.dialer(cfg), r.opts, r.Invalidate)
	if err := s.connect(ctx); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		s.close(context.Background())
		return nil, ErrRegistryClosed
	}
	r.sessions[key] = s
	r.mu.Unlock()

	r.metrics.sessionOpened()
	r.logger.Info("session opened",
		slog.String("addr", cfg.URL),
		slog.String("security_mode", cfg.SecurityMode.String()))

	return s, nil
}

func (r *Registry) dialer(cfg EndpointConfig) dialFunc {
	return func(ctx context.Context) (Transport, error) {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(ctx, r.opts.requestTimeout)
		defer cancel()
		return r.connector.Connect(ctx, cfg)
	}
}

// Release returns a session obtained from Acquire. A session without holders or
// subscriptions is evicted once it has been idle for the grace period.
func (r *Registry) Release(s *Session) {
	if s != nil {
		s.release()
	}
}

// Invalidate removes a session that can no longer recover. The next Acquire for
// its fingerprint opens a new session.
func (r *Registry) Invalidate(s *Session) {
	r.mu.Lock()
	current, ok := r.sessions[s.key]
	if !ok || current != s {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, s.key)
	r.mu.Unlock()

	r.metrics.sessionClosed()
	r.logger.Warn("session invalidated", slog.String("addr", s.cfg.URL))

	go s.close(context.Background())
}

// Execute acquires the session for cfg, runs fn and releases the session.
func (r *Registry) Execute(ctx context.Context, cfg EndpointConfig, fn func(*Session) error) error {
	s, err := r.Acquire(ctx, cfg)
	if err != nil {
		return err
	}
	defer r.Release(s)

	return fn(s)
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sessions returns a snapshot of the registered sessions ordered by endpoint.
func (r *Registry) Sessions() []SessionInfo {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, SessionInfo{
			Endpoint:      s.cfg.URL,
			SecurityMode:  s.cfg.SecurityMode.String(),
			State:         s.State().String(),
			Refs:          s.Refs(),
			Subscriptions: s.subs.Len(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

// Close closes the registry and every session it holds.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.closeCh)
	sessions := make([]*Session, 0, len(r.sessions))
	for key, s := range r.sessions {
		sessions = append(sessions, s)
		delete(r.sessions, key)
	}
	r.mu.Unlock()

	r.wg.Wait()

	var errs []error
	for _, s := range sessions {
		if err := s.close(context.Background()); err != nil {
			errs = append(errs, err)
		}
		r.metrics.sessionClosed()
	}
	return errors.Join(errs...)
}

func (r *Registry) janitor() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.opts.janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.closeCh:
			return
		case now := <-ticker.C:
			r.evictIdle(now)
		}
	}
}

func (r *Registry) evictIdle(now time.Time) {
	r.mu.Lock()
	var victims []*Session
	for key, s := range r.sessions {
		if s.closed() {
			delete(r.sessions, key)
			victims = append(victims, s)
			continue
		}
		last, idle := s.idle()
		if idle && now.Sub(last) >= r.opts.idleTimeout {
			delete(r.sessions, key)
			victims = append(victims, s)
		}
	}
	r.mu.Unlock()

	for _, s := range victims {
		r.logger.Info("evicting idle session", slog.String("addr", s.cfg.URL))
		if err := s.close(context.Background()); err != nil {
			r.logger.Error("failed to close session",
				slog.String("addr", s.cfg.URL),
				slog.String("error", err.Error()))
		}
		r.metrics.evicted()
		r.metrics.sessionClosed()
	}
}
