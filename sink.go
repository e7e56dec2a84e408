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

import "sync"

// SubscriptionID identifies one caller registration.
type SubscriptionID string

// Notification is a value change delivered to a subscription's sink.
// A notification with Err set is terminal: no further notifications follow.
type Notification struct {
	SubscriptionID SubscriptionID `json:"subscriptionId"`
	NodeID         string         `json:"nodeId"`
	CallerID       string         `json:"refId"`
	Point          DataPoint      `json:"point"`
	Err            error          `json:"-"`
}

// Sink receives notifications for one subscription.
//
// Deliver is called from a single goroutine per subscription, in order. Returning
// an error detaches the subscription. Deliver must not call Unsubscribe for its
// own subscription.
type Sink interface {
	Deliver(n Notification) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(n Notification) error

// Deliver calls f(n).
func (f SinkFunc) Deliver(n Notification) error {
	return f(n)
}

// BufferSink accumulates notifications until they are drained by polling.
// When full it discards the oldest entry.
type BufferSink struct {
	mu      sync.Mutex
	buf     []Notification
	limit   int
	closed  bool
	lastErr error
}

// NewBufferSink creates a BufferSink holding at most limit notifications.
func NewBufferSink(limit int) *BufferSink {
	if limit <= 0 {
		limit = 1000
	}
	return &BufferSink{limit: limit}
}

// Deliver implements Sink.
func (b *BufferSink) Deliver(n Notification) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrSinkClosed
	}
	if n.Err != nil {
		b.lastErr = n.Err
		return nil
	}
	if len(b.buf) == b.limit {
		copy(b.buf, b.buf[1:])
		b.buf = b.buf[:len(b.buf)-1]
	}
	b.buf = append(b.buf, n)
	return nil
}

// Drain returns and clears the buffered notifications, together with the
// terminal error if the subscription has ended.
func (b *BufferSink) Drain() ([]Notification, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := b.buf
	b.buf = nil
	return out, b.lastErr
}

// Len returns the number of buffered notifications.
func (b *BufferSink) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Close makes subsequent deliveries fail with ErrSinkClosed.
func (b *BufferSink) Close() error {
	b.mu.Lock()
	b.closed = true
	b.buf = nil
	b.mu.Unlock()
	return nil
}
