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
	"maps"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// BrowseEngine lists the address space and reads node attributes on behalf of
// the query editor. It is safe for concurrent use across sessions.
type BrowseEngine struct {
	cache   *expirable.LRU[attributeKey, map[string]interface{}]
	logger  *slog.Logger
	metrics *Metrics
}

type attributeKey struct {
	endpoint EndpointKey
	nodeID   string
}

// NewBrowseEngine creates a BrowseEngine.
func NewBrowseEngine(opts ...BrowseOption) *BrowseEngine {
	options := defaultBrowseOptions()
	for _, opt := range opts {
		opt(options)
	}

	b := &BrowseEngine{
		logger:  options.logger,
		metrics: options.metrics,
	}
	if options.cacheTTL > 0 && options.cacheSize > 0 {
		b.cache = expirable.NewLRU[attributeKey, map[string]interface{}](options.cacheSize, nil, options.cacheTTL)
	}
	return b
}

// Browse returns the hierarchical forward references of nodeID in server order.
// An empty nodeID browses the Objects folder.
func (b *BrowseEngine) Browse(ctx context.Context, s *Session, nodeID string) ([]BrowseResult, error) {
	if nodeID == "" {
		nodeID = ObjectsFolderNodeID
	}
	return b.browse(ctx, s, nodeID, HierarchicalFilter)
}

// BrowseTypes returns the subtypes of nodeID. An empty nodeID starts at the
// EventTypes folder.
func (b *BrowseEngine) BrowseTypes(ctx context.Context, s *Session, nodeID string) ([]BrowseResult, error) {
	if nodeID == "" {
		nodeID = EventTypesNodeID
	}
	return b.browse(ctx, s, nodeID, SubtypeFilter)
}

// Aggregates lists the aggregate functions the server supports.
func (b *BrowseEngine) Aggregates(ctx context.Context, s *Session) ([]BrowseResult, error) {
	return b.browse(ctx, s, AggregateFunctionsNodeID, HierarchicalFilter)
}

func (b *BrowseEngine) browse(ctx context.Context, s *Session, nodeID string, filter ReferenceFilter) ([]BrowseResult, error) {
	if err := ValidateNodeID(nodeID); err != nil {
		return nil, &BrowseError{NodeID: nodeID, Err: err}
	}

	results, err := s.Browse(ctx, nodeID, filter)
	if err != nil {
		b.logger.Debug("browse failed",
			slog.String("node_id", nodeID),
			slog.String("error", err.Error()))
		return nil, &BrowseError{NodeID: nodeID, Err: err}
	}
	if results == nil {
		results = []BrowseResult{}
	}
	return results, nil
}

// ReadNodeAttributesAsDictionary reads the common attributes of nodeID and
// returns them keyed by attribute name. Attributes the node does not have are
// omitted. Results are cached briefly per endpoint and node.
func (b *BrowseEngine) ReadNodeAttributesAsDictionary(ctx context.Context, s *Session, nodeID string) (map[string]interface{}, error) {
	if err := ValidateNodeID(nodeID); err != nil {
		return nil, &BrowseError{NodeID: nodeID, Err: err}
	}

	key := attributeKey{endpoint: s.Key(), nodeID: nodeID}
	if b.cache != nil {
		if dict, ok := b.cache.Get(key); ok {
			b.metrics.cacheLookup(true)
			return maps.Clone(dict), nil
		}
		b.metrics.cacheLookup(false)
	}

	values, err := s.ReadAttributes(ctx, nodeID, DictionaryAttributes)
	if err != nil {
		return nil, &BrowseError{NodeID: nodeID, Err: err}
	}

	dict := make(map[string]interface{}, len(values))
	for _, v := range values {
		if isBadStatus(v.Status) {
			continue
		}
		dict[v.ID.String()] = v.Value
	}

	if b.cache != nil {
		b.cache.Add(key, dict)
	}
	return maps.Clone(dict), nil
}

// Purge drops every cached attribute dictionary.
func (b *BrowseEngine) Purge() {
	if b.cache != nil {
		b.cache.Purge()
	}
}

// isBadStatus reports whether an OPC UA status code has severity Bad.
func isBadStatus(code uint32) bool {
	return code&0x80000000 != 0
}
