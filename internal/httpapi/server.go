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

// Package httpapi exposes the gateway to the visualization frontend over HTTP:
// batched queries, editor resources, a websocket push stream, metrics and
// health.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	gateway "github.com/edgeo-scada/opcua-gateway"
)

// Server routes HTTP requests to the gateway components.
type Server struct {
	registry    *gateway.Registry
	browser     *gateway.BrowseEngine
	translator  *gateway.Translator
	datasources map[string]gateway.EndpointConfig

	metrics     http.Handler
	parallelism int
	logger      *slog.Logger
	upgrader    websocket.Upgrader
	mux         *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithQueryParallelism limits how many queries of one request run at once.
func WithQueryParallelism(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.parallelism = n
		}
	}
}

// WithCheckOrigin sets the websocket origin check. All origins are accepted by default.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(s *Server) {
		s.upgrader.CheckOrigin = fn
	}
}

// New creates a Server. datasources maps datasource names to endpoints.
func New(registry *gateway.Registry, browser *gateway.BrowseEngine, translator *gateway.Translator, datasources map[string]gateway.EndpointConfig, opts ...Option) *Server {
	byName := make(map[string]gateway.EndpointConfig, len(datasources))
	for name, cfg := range datasources {
		byName[strings.ToLower(name)] = cfg
	}

	s := &Server{
		registry:    registry,
		browser:     browser,
		translator:  translator,
		datasources: byName,
		parallelism: 8,
		logger:      slog.Default(),
		upgrader:    websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/datasources/{ds}/query", s.handleQuery)
	mux.HandleFunc("GET /api/datasources/{ds}/resources/{path}", s.handleResource)
	mux.HandleFunc("GET /api/datasources/{ds}/stream", s.handleStream)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	s.mux = mux
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) endpoint(r *http.Request) (gateway.EndpointConfig, error) {
	// Datasource names are case-insensitive.
	name := strings.ToLower(r.PathValue("ds"))
	cfg, ok := s.datasources[name]
	if !ok {
		return gateway.EndpointConfig{}, fmt.Errorf("%w: %q", ErrUnknownDatasource, name)
	}
	return cfg, nil
}

type queryRequest struct {
	Queries []gateway.RawQuery `json:"queries"`
}

type queryResult struct {
	Frames []*gateway.Frame `json:"frames,omitempty"`
	Error  string           `json:"error,omitempty"`
	Kind   string           `json:"kind,omitempty"`
}

type queryResponse struct {
	Results map[string]queryResult `json:"results"`
}

// handleQuery runs a batch of queries. Each query succeeds or fails on its own.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.endpoint(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &gateway.MalformedQueryError{Field: "body", Reason: err.Error()})
		return
	}

	var mu sync.Mutex
	resp := queryResponse{Results: make(map[string]queryResult, len(req.Queries))}
	record := func(refID string, res queryResult) {
		mu.Lock()
		resp.Results[refID] = res
		mu.Unlock()
	}
	failed := func(err error) queryResult {
		return queryResult{Error: err.Error(), Kind: kindOf(err)}
	}

	g, ctx := errgroup.WithContext(r.Context())
	g.SetLimit(s.parallelism)
	for _, raw := range req.Queries {
		q, err := s.translator.Translate(raw)
		if err != nil {
			record(raw.RefID, failed(err))
			continue
		}
		g.Go(func() error {
			frame, err := s.execute(ctx, cfg, q)
			if err != nil {
				s.logger.Debug("query failed",
					slog.String("ref_id", q.RefID),
					slog.String("error", err.Error()))
				record(q.RefID, failed(err))
				return nil
			}
			record(q.RefID, queryResult{Frames: []*gateway.Frame{frame}})
			return nil
		})
	}
	g.Wait()

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) execute(ctx context.Context, cfg gateway.EndpointConfig, q *gateway.Query) (*gateway.Frame, error) {
	var frame *gateway.Frame
	err := s.registry.Execute(ctx, cfg, func(sess *gateway.Session) error {
		var err error
		frame, err = s.translator.Execute(ctx, sess, q)
		return err
	})
	return frame, err
}

// handleResource serves the query editor's resource calls.
func (s *Server) handleResource(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.endpoint(r)
	if err != nil {
		writeError(w, err)
		return
	}

	path := r.PathValue("path")
	if !resources[path] {
		http.Error(w, fmt.Sprintf("unknown resource %q", path), http.StatusNotFound)
		return
	}

	params := r.URL.Query()
	nodeID := params.Get("nodeId")
	refID := params.Get("refId")

	var body interface{}
	err = s.registry.Execute(r.Context(), cfg, func(sess *gateway.Session) error {
		var err error
		switch path {
		case "subscribe":
			if refID == "" {
				return &gateway.MalformedQueryError{Field: "refId", Reason: "is required"}
			}
			return s.translator.Subscribe(r.Context(), sess, refID, nodeID)
		case "unsubscribe":
			if refID == "" {
				return &gateway.MalformedQueryError{Field: "refId", Reason: "is required"}
			}
			return s.translator.Unsubscribe(r.Context(), sess, refID, nodeID)
		case "types", "browseTypes":
			body, err = s.browser.BrowseTypes(r.Context(), sess, nodeID)
		case "browse":
			body, err = s.browser.Browse(r.Context(), sess, nodeID)
		case "getAggregates":
			body, err = s.browser.ReadNodeAttributesAsDictionary(r.Context(), sess, nodeID)
		case "aggregates":
			body, err = s.browser.Aggregates(r.Context(), sess)
		}
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}

	if body == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

var resources = map[string]bool{
	"subscribe":     true,
	"unsubscribe":   true,
	"types":         true,
	"browseTypes":   true,
	"browse":        true,
	"getAggregates": true,
	"aggregates":    true,
}

type healthResponse struct {
	Status   string                `json:"status"`
	Version  string                `json:"version"`
	Mode     string                `json:"eventFilterMode"`
	Sessions []gateway.SessionInfo `json:"sessions"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:   "ok",
		Version:  gateway.Version,
		Mode:     s.translator.Mode().String(),
		Sessions: s.registry.Sessions(),
	}
	writeJSON(w, http.StatusOK, resp)
}
