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
	"errors"
	"fmt"
)

// Common errors.
var (
	// ErrRegistryClosed indicates the registry has been closed.
	ErrRegistryClosed = errors.New("gateway: session registry closed")

	// ErrSessionClosed indicates the session was closed.
	ErrSessionClosed = errors.New("gateway: session closed")

	// ErrConnectionLost indicates the transport lost its connection to the server.
	// Transports wrap connection-level failures with it so sessions can recover.
	ErrConnectionLost = errors.New("gateway: connection lost")

	// ErrMaxRetriesExceeded indicates the maximum number of retries was exceeded.
	ErrMaxRetriesExceeded = errors.New("gateway: max retries exceeded")

	// ErrInvalidNodeID indicates an invalid NodeID was specified.
	ErrInvalidNodeID = errors.New("gateway: invalid node ID")

	// ErrInvalidEndpoint indicates an invalid endpoint was specified.
	ErrInvalidEndpoint = errors.New("gateway: invalid endpoint")

	// ErrSubscriptionNotFound indicates the subscription was not found.
	ErrSubscriptionNotFound = errors.New("gateway: subscription not found")

	// ErrSinkClosed indicates a sink no longer accepts notifications.
	ErrSinkClosed = errors.New("gateway: sink closed")

	// ErrCertificateNotFound indicates an unknown certificate bundle reference.
	ErrCertificateNotFound = errors.New("gateway: certificate bundle not found")
)

// ConnectError reports a transport that could not be established after retries.
type ConnectError struct {
	Endpoint string
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *ConnectError) Error() string {
	return fmt.Sprintf("gateway: connect %s failed after %d attempt(s): %v", e.Endpoint, e.Attempts, e.Err)
}

// Unwrap returns the last connection error.
func (e *ConnectError) Unwrap() error { return e.Err }

// MalformedQueryError reports a query with missing or invalid fields.
type MalformedQueryError struct {
	RefID  string
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *MalformedQueryError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("gateway: malformed query %q: %s", e.RefID, e.Reason)
	}
	return fmt.Sprintf("gateway: malformed query %q: %s: %s", e.RefID, e.Field, e.Reason)
}

// BrowseError reports a failed browse or attribute read.
type BrowseError struct {
	NodeID string
	Err    error
}

// Error implements the error interface.
func (e *BrowseError) Error() string {
	return fmt.Sprintf("gateway: browse %s: %v", e.NodeID, e.Err)
}

// Unwrap returns the underlying cause.
func (e *BrowseError) Unwrap() error { return e.Err }

// DuplicateSubscriptionError reports a caller already subscribed to a node.
type DuplicateSubscriptionError struct {
	NodeID   string
	CallerID string
	Existing SubscriptionID
}

// Error implements the error interface.
func (e *DuplicateSubscriptionError) Error() string {
	return fmt.Sprintf("gateway: caller %q already subscribed to %s", e.CallerID, e.NodeID)
}

// SubscriptionDeliveryError terminates a subscription whose monitored item was lost.
type SubscriptionDeliveryError struct {
	SubscriptionID SubscriptionID
	NodeID         string
	Err            error
}

// Error implements the error interface.
func (e *SubscriptionDeliveryError) Error() string {
	return fmt.Sprintf("gateway: subscription %s on %s terminated: %v", e.SubscriptionID, e.NodeID, e.Err)
}

// Unwrap returns the underlying cause.
func (e *SubscriptionDeliveryError) Unwrap() error { return e.Err }

// IsConnectError checks if the error is a ConnectError.
func IsConnectError(err error) bool {
	var e *ConnectError
	return errors.As(err, &e)
}

// IsMalformedQuery checks if the error is a MalformedQueryError.
func IsMalformedQuery(err error) bool {
	var e *MalformedQueryError
	return errors.As(err, &e)
}

// IsBrowseError checks if the error is a BrowseError.
func IsBrowseError(err error) bool {
	var e *BrowseError
	return errors.As(err, &e)
}

// IsDuplicateSubscription checks if the error is a DuplicateSubscriptionError.
func IsDuplicateSubscription(err error) bool {
	var e *DuplicateSubscriptionError
	return errors.As(err, &e)
}

// IsDeliveryError checks if the error is a SubscriptionDeliveryError.
func IsDeliveryError(err error) bool {
	var e *SubscriptionDeliveryError
	return errors.As(err, &e)
}

// IsConnectionLost checks if the error indicates a lost transport.
func IsConnectionLost(err error) bool {
	return errors.Is(err, ErrConnectionLost)
}

// ErrorKind names the taxonomy class of err for boundary responses.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case IsMalformedQuery(err):
		return "MalformedQueryError"
	case IsDuplicateSubscription(err):
		return "DuplicateSubscriptionError"
	case IsDeliveryError(err):
		return "SubscriptionDeliveryError"
	case IsBrowseError(err):
		return "BrowseError"
	case IsConnectError(err):
		return "ConnectError"
	default:
		return "InternalError"
	}
}
