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

	"github.com/google/uuid"
)

// SubscriptionInfo describes a registered subscription.
type SubscriptionInfo struct {
	ID       SubscriptionID `json:"id"`
	NodeID   string         `json:"nodeId"`
	CallerID string         `json:"refId"`
}

// SubscriptionManager multiplexes caller subscriptions onto one monitored item
// per node and fans value changes out to every caller of that node.
type SubscriptionManager struct {
	session *Session
	metrics *Metrics
	logger  *slog.Logger

	mu         sync.RWMutex
	subs       map[SubscriptionID]*subscription
	nodes      map[string]*monitoredNode
	handles    map[uint32]*monitoredNode
	nextHandle uint32
	terminated bool
}

type monitoredNode struct {
	nodeID  string
	handle  uint32
	callers map[string]*subscription
	pending chan struct{} // closed once the first monitor call returns
	err     error
}

func newSubscriptionManager(s *Session) *SubscriptionManager {
	return &SubscriptionManager{
		session: s,
		metrics: s.metrics,
		logger:  s.logger,
		subs:    make(map[SubscriptionID]*subscription),
		nodes:   make(map[string]*monitoredNode),
		handles: make(map[uint32]*monitoredNode),
	}
}

// Subscribe registers sink for value changes of nodeID on behalf of callerID.
// Each (nodeID, callerID) pair may be registered once.
func (m *SubscriptionManager) Subscribe(ctx context.Context, nodeID, callerID string, sink Sink, opts ...SubscribeOption) (SubscriptionID, error) {
	if err := ValidateNodeID(nodeID); err != nil {
		return "", err
	}
	if callerID == "" {
		return "", errors.New("gateway: caller id cannot be empty")
	}
	if sink == nil {
		return "", errors.New("gateway: sink cannot be nil")
	}

	options := &subscribeOptions{queueSize: m.session.opts.queueSize}
	for _, opt := range opts {
		opt(options)
	}

	m.mu.Lock()
	if m.terminated {
		m.mu.Unlock()
		return "", ErrSessionClosed
	}
	node := m.nodes[nodeID]
	if node != nil {
		if existing, ok := node.callers[callerID]; ok {
			m.mu.Unlock()
			return "", &DuplicateSubscriptionError{NodeID: nodeID, CallerID: callerID, Existing: existing.id}
		}
	}
	created := node == nil
	if created {
		m.nextHandle++
		node = &monitoredNode{
			nodeID:  nodeID,
			handle:  m.nextHandle,
			callers: make(map[string]*subscription),
			pending: make(chan struct{}),
		}
		m.nodes[nodeID] = node
		m.handles[node.handle] = node
	}
	sub := newSubscription(m, node, callerID, sink, options.queueSize)
	node.callers[callerID] = sub
	m.subs[sub.id] = sub
	m.mu.Unlock()

	go sub.run()

	if created {
		err := m.session.monitor(ctx, nodeID, node.handle)
		m.mu.Lock()
		node.err = err
		close(node.pending)
		if err != nil && m.nodes[nodeID] == node {
			delete(m.nodes, nodeID)
			delete(m.handles, node.handle)
		}
		m.mu.Unlock()
		if err != nil {
			m.discard(sub)
			return "", err
		}
		m.metrics.monitoredItemAdded(1)
	} else {
		select {
		case <-node.pending:
		case <-ctx.Done():
			m.discard(sub)
			return "", ctx.Err()
		}
		m.mu.RLock()
		err := node.err
		m.mu.RUnlock()
		if err != nil {
			m.discard(sub)
			return "", err
		}
	}

	m.metrics.subscriptionAdded(1)
	m.logger.Info("subscription created",
		slog.String("subscription_id", string(sub.id)),
		slog.String("node_id", nodeID),
		slog.String("ref_id", callerID))

	return sub.id, nil
}

// Unsubscribe removes a subscription. Once it returns, the sink is never invoked
// again. The node's monitored item is removed with its last caller.
func (m *SubscriptionManager) Unsubscribe(ctx context.Context, id SubscriptionID) error {
	return m.unsubscribe(ctx, id, true)
}

func (m *SubscriptionManager) unsubscribe(ctx context.Context, id SubscriptionID, wait bool) error {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if !ok {
		m.mu.Unlock()
		return ErrSubscriptionNotFound
	}
	delete(m.subs, id)
	node := sub.node
	delete(node.callers, sub.callerID)
	last := len(node.callers) == 0 && m.nodes[node.nodeID] == node
	if last {
		delete(m.nodes, node.nodeID)
		delete(m.handles, node.handle)
	}
	m.mu.Unlock()

	sub.halt()
	if wait {
		<-sub.done
	}
	m.metrics.subscriptionAdded(-1)

	m.logger.Info("subscription removed",
		slog.String("subscription_id", string(id)),
		slog.String("node_id", node.nodeID))

	if last {
		m.metrics.monitoredItemAdded(-1)
		if err := m.session.unmonitor(ctx, node.handle); err != nil && !errors.Is(err, ErrSessionClosed) {
			m.logger.Warn("failed to remove monitored item",
				slog.String("node_id", node.nodeID),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

// discard drops a subscription whose registration did not complete.
func (m *SubscriptionManager) discard(sub *subscription) {
	m.mu.Lock()
	delete(m.subs, sub.id)
	delete(sub.node.callers, sub.callerID)
	m.mu.Unlock()

	sub.halt()
	<-sub.done
}

// Find returns the subscription registered for (nodeID, callerID).
func (m *SubscriptionManager) Find(nodeID, callerID string) (SubscriptionID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	node, ok := m.nodes[nodeID]
	if !ok {
		return "", false
	}
	sub, ok := node.callers[callerID]
	if !ok {
		return "", false
	}
	return sub.id, true
}

// Len returns the number of registered subscriptions.
func (m *SubscriptionManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

// List returns the registered subscriptions ordered by node and caller.
func (m *SubscriptionManager) List() []SubscriptionInfo {
	m.mu.RLock()
	out := make([]SubscriptionInfo, 0, len(m.subs))
	for _, sub := range m.subs {
		out = append(out, SubscriptionInfo{ID: sub.id, NodeID: sub.node.nodeID, CallerID: sub.callerID})
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].NodeID != out[j].NodeID {
			return out[i].NodeID < out[j].NodeID
		}
		return out[i].CallerID < out[j].CallerID
	})
	return out
}

// dispatch queues a value change for every caller of the handle's node.
func (m *SubscriptionManager) dispatch(handle uint32, point DataPoint) {
	m.mu.RLock()
	node, ok := m.handles[handle]
	if !ok {
		m.mu.RUnlock()
		return
	}
	targets := make([]*subscription, 0, len(node.callers))
	for _, sub := range node.callers {
		targets = append(targets, sub)
	}
	m.mu.RUnlock()

	for _, sub := range targets {
		sub.enqueue(Notification{
			SubscriptionID: sub.id,
			NodeID:         node.nodeID,
			CallerID:       sub.callerID,
			Point:          point,
		})
	}
}

// reestablish monitors every registered node on t. A node the server refuses
// terminates its subscriptions. A lost connection aborts the restore.
func (m *SubscriptionManager) reestablish(ctx context.Context, t Transport) error {
	m.mu.RLock()
	nodes := make([]*monitoredNode, 0, len(m.nodes))
	for _, node := range m.nodes {
		nodes = append(nodes, node)
	}
	m.mu.RUnlock()

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].handle < nodes[j].handle })

	for _, node := range nodes {
		err := t.Monitor(ctx, node.nodeID, node.handle)
		if err == nil {
			continue
		}
		if IsConnectionLost(err) {
			return err
		}
		m.logger.Warn("failed to re-establish monitored item",
			slog.String("node_id", node.nodeID),
			slog.String("error", err.Error()))
		m.failNode(node, err)
	}

	if len(nodes) > 0 {
		m.logger.Info("monitored items re-established", slog.Int("count", len(nodes)))
	}
	return nil
}

func (m *SubscriptionManager) failNode(node *monitoredNode, cause error) {
	m.mu.Lock()
	if m.nodes[node.nodeID] == node {
		delete(m.nodes, node.nodeID)
		delete(m.handles, node.handle)
	}
	failed := make([]*subscription, 0, len(node.callers))
	for callerID, sub := range node.callers {
		delete(node.callers, callerID)
		delete(m.subs, sub.id)
		failed = append(failed, sub)
	}
	m.mu.Unlock()

	m.metrics.monitoredItemAdded(-1)
	for _, sub := range failed {
		m.metrics.subscriptionAdded(-1)
		sub.finish(&SubscriptionDeliveryError{SubscriptionID: sub.id, NodeID: node.nodeID, Err: cause})
	}
}

// terminate ends every subscription with a terminal error and waits until
// their sinks are no longer invoked.
func (m *SubscriptionManager) terminate(cause error) {
	m.mu.Lock()
	if m.terminated {
		m.mu.Unlock()
		return
	}
	m.terminated = true
	subs := make([]*subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	items := len(m.nodes)
	m.subs = make(map[SubscriptionID]*subscription)
	m.nodes = make(map[string]*monitoredNode)
	m.handles = make(map[uint32]*monitoredNode)
	m.mu.Unlock()

	for _, sub := range subs {
		sub.finish(&SubscriptionDeliveryError{SubscriptionID: sub.id, NodeID: sub.node.nodeID, Err: cause})
	}
	for _, sub := range subs {
		<-sub.done
	}

	m.metrics.subscriptionAdded(-float64(len(subs)))
	m.metrics.monitoredItemAdded(-float64(items))
}

// subscription is one caller registration with its own ordered delivery queue.
type subscription struct {
	id       SubscriptionID
	callerID string
	node     *monitoredNode
	sink     Sink
	manager  *SubscriptionManager

	queue    chan Notification
	final    chan Notification
	stop     chan struct{}
	finished chan struct{}
	done     chan struct{}

	stopOnce   sync.Once
	finishOnce sync.Once
}

func newSubscription(m *SubscriptionManager, node *monitoredNode, callerID string, sink Sink, queueSize int) *subscription {
	return &subscription{
		id:       SubscriptionID(uuid.NewString()),
		callerID: callerID,
		node:     node,
		sink:     sink,
		manager:  m,
		queue:    make(chan Notification, queueSize),
		final:    make(chan Notification, 1),
		stop:     make(chan struct{}),
		finished: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (s *subscription) enqueue(n Notification) {
	select {
	case <-s.stop:
		return
	case <-s.finished:
		return
	default:
	}

	select {
	case s.queue <- n:
	default:
		s.manager.metrics.dropped()
		s.manager.logger.Warn("notification queue full, dropping notification",
			slog.String("subscription_id", string(s.id)),
			slog.String("node_id", n.NodeID))
	}
}

// halt stops delivery without a terminal notification.
func (s *subscription) halt() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// finish delivers queued notifications followed by a terminal error.
func (s *subscription) finish(err error) {
	s.finishOnce.Do(func() {
		s.final <- Notification{
			SubscriptionID: s.id,
			NodeID:         s.node.nodeID,
			CallerID:       s.callerID,
			Err:            err,
		}
		close(s.finished)
	})
}

func (s *subscription) run() {
	defer close(s.done)

	for {
		select {
		case <-s.stop:
			return
		case <-s.finished:
			s.drain()
			return
		case n := <-s.queue:
			select {
			case <-s.stop:
				return
			default:
			}
			if !s.deliver(n) {
				return
			}
		}
	}
}

func (s *subscription) drain() {
	for {
		select {
		case <-s.stop:
			return
		case n := <-s.queue:
			if !s.deliver(n) {
				return
			}
		default:
			select {
			case n := <-s.final:
				s.deliver(n)
			default:
			}
			return
		}
	}
}

func (s *subscription) deliver(n Notification) bool {
	if err := s.sink.Deliver(n); err != nil {
		if n.Err == nil {
			s.manager.logger.Debug("sink rejected notification, detaching subscription",
				slog.String("subscription_id", string(s.id)),
				slog.String("error", err.Error()))
			go s.manager.unsubscribe(context.Background(), s.id, false)
		}
		return false
	}
	if n.Err == nil {
		s.manager.metrics.delivered()
	}
	return true
}
