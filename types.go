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

// Package gateway bridges time-series queries onto shared OPC UA sessions.
//
// A Registry hands out one Session per endpoint fingerprint. Each Session owns a
// Transport, survives transient connection loss and multiplexes caller
// subscriptions onto the server's monitored items. BrowseEngine and Translator
// turn browse requests and queries into operations against a Session.
package gateway

import (
	"fmt"
	"strings"
	"time"

	"github.com/gopcua/opcua/ua"
)

// Well-known node identifiers used as browse roots.
const (
	// ObjectsFolderNodeID is the root of the data address space.
	ObjectsFolderNodeID = "i=85"
	// ServerNodeID is the Server object, the default event notifier.
	ServerNodeID = "i=2253"
	// BaseEventTypeNodeID is the root of all event types.
	BaseEventTypeNodeID = "i=2041"
	// EventTypesNodeID is the EventTypes folder browsed for event type selection.
	EventTypesNodeID = "i=3048"
	// AggregateFunctionsNodeID is the folder listing the server's aggregate functions.
	AggregateFunctionsNodeID = "i=11201"
)

// Reference type identifiers used to filter browse traversal.
const (
	HierarchicalReferencesNodeID = "i=33"
	HasSubtypeNodeID             = "i=45"
)

// DefaultTimeout is the default per-call timeout.
const DefaultTimeout = 5 * time.Second

// SecurityMode is the message security mode of an endpoint.
type SecurityMode uint32

// Message security modes.
const (
	SecurityModeInvalid        SecurityMode = 0
	SecurityModeNone           SecurityMode = 1
	SecurityModeSign           SecurityMode = 2
	SecurityModeSignAndEncrypt SecurityMode = 3
)

// String returns the string representation of a SecurityMode.
func (m SecurityMode) String() string {
	switch m {
	case SecurityModeNone:
		return "None"
	case SecurityModeSign:
		return "Sign"
	case SecurityModeSignAndEncrypt:
		return "SignAndEncrypt"
	default:
		return "Invalid"
	}
}

// ParseSecurityMode converts a case-insensitive name into a SecurityMode.
func ParseSecurityMode(s string) (SecurityMode, error) {
	switch strings.ToLower(s) {
	case "none", "":
		return SecurityModeNone, nil
	case "sign":
		return SecurityModeSign, nil
	case "signandencrypt", "sign_and_encrypt":
		return SecurityModeSignAndEncrypt, nil
	default:
		return SecurityModeInvalid, fmt.Errorf("%w: unknown security mode %q", ErrInvalidEndpoint, s)
	}
}

// Security policy names accepted in EndpointConfig.SecurityPolicy.
const (
	SecurityPolicyNone           = "None"
	SecurityPolicyBasic128Rsa15  = "Basic128Rsa15"
	SecurityPolicyBasic256       = "Basic256"
	SecurityPolicyBasic256Sha256 = "Basic256Sha256"
)

// EndpointConfig holds the resolved connection parameters of one data source.
type EndpointConfig struct {
	URL                  string
	SecurityMode         SecurityMode
	SecurityPolicy       string
	CertificateBundleRef string
	SkipVerify           bool
}

// EndpointKey identifies the sessions an EndpointConfig may share.
type EndpointKey struct {
	URL                  string
	SecurityMode         SecurityMode
	CertificateBundleRef string
}

// String returns a stable textual form of the key.
func (k EndpointKey) String() string {
	return fmt.Sprintf("%s|%s|%s", k.URL, k.SecurityMode, k.CertificateBundleRef)
}

// Key returns the fingerprint of the configuration.
func (c EndpointConfig) Key() EndpointKey {
	return EndpointKey{
		URL:                  c.URL,
		SecurityMode:         c.SecurityMode,
		CertificateBundleRef: c.CertificateBundleRef,
	}
}

// Validate checks the configuration and fills in the security policy default.
func (c EndpointConfig) Validate() (EndpointConfig, error) {
	if c.URL == "" {
		return c, fmt.Errorf("%w: url cannot be empty", ErrInvalidEndpoint)
	}
	if !strings.HasPrefix(c.URL, "opc.tcp://") {
		return c, fmt.Errorf("%w: unsupported scheme in %q", ErrInvalidEndpoint, c.URL)
	}
	if c.SecurityMode == SecurityModeInvalid {
		c.SecurityMode = SecurityModeNone
	}
	if c.SecurityPolicy == "" {
		if c.SecurityMode == SecurityModeNone {
			c.SecurityPolicy = SecurityPolicyNone
		} else {
			c.SecurityPolicy = SecurityPolicyBasic256Sha256
		}
	}
	if c.SecurityMode != SecurityModeNone {
		if c.SecurityPolicy == SecurityPolicyNone {
			return c, fmt.Errorf("%w: security mode %s requires a security policy other than None", ErrInvalidEndpoint, c.SecurityMode)
		}
		if c.CertificateBundleRef == "" {
			return c, fmt.Errorf("%w: security mode %s requires a certificate bundle", ErrInvalidEndpoint, c.SecurityMode)
		}
	}
	return c, nil
}

// NodeClass represents the class of an OPC UA node.
type NodeClass uint32

// OPC UA Node Classes.
const (
	NodeClassUnspecified   NodeClass = 0
	NodeClassObject        NodeClass = 1
	NodeClassVariable      NodeClass = 2
	NodeClassMethod        NodeClass = 4
	NodeClassObjectType    NodeClass = 8
	NodeClassVariableType  NodeClass = 16
	NodeClassReferenceType NodeClass = 32
	NodeClassDataType      NodeClass = 64
	NodeClassView          NodeClass = 128
)

// String returns the string representation of a NodeClass.
func (n NodeClass) String() string {
	switch n {
	case NodeClassUnspecified:
		return "Unspecified"
	case NodeClassObject:
		return "Object"
	case NodeClassVariable:
		return "Variable"
	case NodeClassMethod:
		return "Method"
	case NodeClassObjectType:
		return "ObjectType"
	case NodeClassVariableType:
		return "VariableType"
	case NodeClassReferenceType:
		return "ReferenceType"
	case NodeClassDataType:
		return "DataType"
	case NodeClassView:
		return "View"
	default:
		return "Unknown"
	}
}

// AttributeID represents an OPC UA attribute identifier.
type AttributeID uint32

// OPC UA Attribute IDs.
const (
	AttributeNodeID                  AttributeID = 1
	AttributeNodeClass               AttributeID = 2
	AttributeBrowseName              AttributeID = 3
	AttributeDisplayName             AttributeID = 4
	AttributeDescription             AttributeID = 5
	AttributeEventNotifier           AttributeID = 12
	AttributeValue                   AttributeID = 13
	AttributeDataType                AttributeID = 14
	AttributeValueRank               AttributeID = 15
	AttributeAccessLevel             AttributeID = 17
	AttributeMinimumSamplingInterval AttributeID = 19
	AttributeHistorizing             AttributeID = 20
)

// String returns the string representation of an AttributeID.
func (a AttributeID) String() string {
	switch a {
	case AttributeNodeID:
		return "NodeId"
	case AttributeNodeClass:
		return "NodeClass"
	case AttributeBrowseName:
		return "BrowseName"
	case AttributeDisplayName:
		return "DisplayName"
	case AttributeDescription:
		return "Description"
	case AttributeEventNotifier:
		return "EventNotifier"
	case AttributeValue:
		return "Value"
	case AttributeDataType:
		return "DataType"
	case AttributeValueRank:
		return "ValueRank"
	case AttributeAccessLevel:
		return "AccessLevel"
	case AttributeMinimumSamplingInterval:
		return "MinimumSamplingInterval"
	case AttributeHistorizing:
		return "Historizing"
	default:
		return fmt.Sprintf("Attribute(%d)", uint32(a))
	}
}

// DictionaryAttributes are the attributes read by ReadNodeAttributesAsDictionary.
var DictionaryAttributes = []AttributeID{
	AttributeNodeID,
	AttributeNodeClass,
	AttributeBrowseName,
	AttributeDisplayName,
	AttributeDescription,
	AttributeValue,
	AttributeDataType,
	AttributeValueRank,
	AttributeAccessLevel,
	AttributeMinimumSamplingInterval,
	AttributeHistorizing,
}

// AttributeResult is the result of reading one attribute.
type AttributeResult struct {
	ID        AttributeID
	Value     interface{}
	Status    uint32
	Timestamp time.Time
}

// BrowseResult describes one reference returned by a browse.
type BrowseResult struct {
	DisplayName string    `json:"displayName"`
	BrowseName  string    `json:"browseName"`
	NodeID      string    `json:"nodeId"`
	IsForward   bool      `json:"isForward"`
	NodeClass   NodeClass `json:"nodeClass"`
	TypeID      string    `json:"typeId"`
}

// IsLeaf reports whether the node has no further children worth browsing.
func (r BrowseResult) IsLeaf() bool {
	return !r.IsForward || r.NodeClass == NodeClassVariable
}

// ReferenceFilter restricts which references a browse follows.
type ReferenceFilter struct {
	ReferenceTypeID string
	IncludeSubtypes bool
}

// Predefined reference filters.
var (
	HierarchicalFilter = ReferenceFilter{ReferenceTypeID: HierarchicalReferencesNodeID, IncludeSubtypes: true}
	SubtypeFilter      = ReferenceFilter{ReferenceTypeID: HasSubtypeNodeID, IncludeSubtypes: true}
)

// SessionState represents the lifecycle state of a Session.
type SessionState int

// Session states.
const (
	StateConnecting SessionState = iota
	StateReady
	StateDegraded
	StateClosed
)

// String returns the string representation of a SessionState.
func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TimeRange is a closed time interval.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// DataPoint is one timestamped value.
type DataPoint struct {
	Timestamp time.Time   `json:"timestamp"`
	Value     interface{} `json:"value"`
	Status    uint32      `json:"status,omitempty"`
}

// HistoryRequest describes a raw or processed history read.
type HistoryRequest struct {
	NodeID string
	Range  TimeRange
	// MaxValues limits a raw read. Zero means no limit.
	MaxValues uint32
	// AggregateNodeID selects a processed read when set.
	AggregateNodeID string
	Interval        time.Duration
}

// EventRequest describes an event history read.
type EventRequest struct {
	NodeID          string
	EventTypeNodeID string
	Range           TimeRange
	Fields          []string
	// Where is evaluated by the server. Empty when filtering happens client side.
	Where     []EventFilter
	MaxEvents uint32
}

// ValidateNodeID reports whether s is a well-formed node id string.
func ValidateNodeID(s string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidNodeID)
	}
	if _, err := ua.ParseNodeID(s); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidNodeID, s, err)
	}
	return nil
}
