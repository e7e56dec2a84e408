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
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// FilterOperator is an OPC UA content filter operator.
type FilterOperator uint32

// Filter operators usable in event filters.
const (
	FilterEquals             FilterOperator = 0
	FilterIsNull             FilterOperator = 1
	FilterGreaterThan        FilterOperator = 2
	FilterLessThan           FilterOperator = 3
	FilterGreaterThanOrEqual FilterOperator = 4
	FilterLessThanOrEqual    FilterOperator = 5
	FilterLike               FilterOperator = 6
	FilterNot                FilterOperator = 7
	FilterBetween            FilterOperator = 8
	FilterInList             FilterOperator = 9
	FilterAnd                FilterOperator = 10
	FilterOr                 FilterOperator = 11
	FilterOfType             FilterOperator = 14
)

var filterOperatorNames = map[FilterOperator]string{
	FilterEquals:             "Equals",
	FilterIsNull:             "IsNull",
	FilterGreaterThan:        "GreaterThan",
	FilterLessThan:           "LessThan",
	FilterGreaterThanOrEqual: "GreaterThanOrEqual",
	FilterLessThanOrEqual:    "LessThanOrEqual",
	FilterLike:               "Like",
	FilterNot:                "Not",
	FilterBetween:            "Between",
	FilterInList:             "InList",
	FilterAnd:                "And",
	FilterOr:                 "Or",
	FilterOfType:             "OfType",
}

// String returns the string representation of a FilterOperator.
func (o FilterOperator) String() string {
	if name, ok := filterOperatorNames[o]; ok {
		return name
	}
	return fmt.Sprintf("FilterOperator(%d)", uint32(o))
}

// ParseFilterOperator converts an operator name into a FilterOperator.
func ParseFilterOperator(s string) (FilterOperator, error) {
	for op, name := range filterOperatorNames {
		if strings.EqualFold(name, s) {
			return op, nil
		}
	}
	return 0, fmt.Errorf("unknown filter operator %q", s)
}

// UnmarshalJSON accepts an operator number or name.
func (o *FilterOperator) UnmarshalJSON(b []byte) error {
	var n uint32
	if err := json.Unmarshal(b, &n); err == nil {
		*o = FilterOperator(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("filter operator must be a number or a name")
	}
	if n, err := strconv.ParseUint(s, 10, 32); err == nil {
		*o = FilterOperator(n)
		return nil
	}
	op, err := ParseFilterOperator(s)
	if err != nil {
		return err
	}
	*o = op
	return nil
}

// EventColumn selects one event field for the result frame.
type EventColumn struct {
	BrowseName string `json:"browseName"`
	Alias      string `json:"alias"`
}

// Name returns the column header: the alias when set, else the browse name.
func (c EventColumn) Name() string {
	if c.Alias != "" {
		return c.Alias
	}
	return c.BrowseName
}

// DefaultEventColumns are selected when an event query names no columns.
var DefaultEventColumns = []EventColumn{
	{BrowseName: "Time"},
	{BrowseName: "EventId"},
	{BrowseName: "EventType"},
	{BrowseName: "SourceName"},
	{BrowseName: "Message"},
	{BrowseName: "Severity"},
}

// EventFilter is one where-clause element. Operands[0] names the event field
// (the event type node id for OfType); the remaining operands are literals.
// The filters of a query are combined with a logical AND.
type EventFilter struct {
	Oper     FilterOperator `json:"oper"`
	Operands []string       `json:"operands"`
}

// Field returns the event field the filter tests.
func (f EventFilter) Field() string {
	if len(f.Operands) == 0 {
		return ""
	}
	return f.Operands[0]
}

// Literals returns the literal operands.
func (f EventFilter) Literals() []string {
	if len(f.Operands) < 2 {
		return nil
	}
	return f.Operands[1:]
}

// Validate checks the operator is supported and has the right number of operands.
func (f EventFilter) Validate() error {
	n := len(f.Operands)
	if n == 0 || strings.TrimSpace(f.Operands[0]) == "" {
		return fmt.Errorf("%s requires a field operand", f.Oper)
	}

	switch f.Oper {
	case FilterIsNull:
		if n != 1 {
			return fmt.Errorf("%s takes exactly 1 operand, got %d", f.Oper, n)
		}
	case FilterOfType:
		if n != 1 {
			return fmt.Errorf("%s takes exactly 1 operand, got %d", f.Oper, n)
		}
		if err := ValidateNodeID(f.Operands[0]); err != nil {
			return err
		}
	case FilterEquals, FilterGreaterThan, FilterLessThan,
		FilterGreaterThanOrEqual, FilterLessThanOrEqual, FilterLike:
		if n != 2 {
			return fmt.Errorf("%s takes exactly 2 operands, got %d", f.Oper, n)
		}
	case FilterBetween:
		if n != 3 {
			return fmt.Errorf("%s takes exactly 3 operands, got %d", f.Oper, n)
		}
	case FilterInList:
		if n < 2 {
			return fmt.Errorf("%s takes at least 2 operands, got %d", f.Oper, n)
		}
	case FilterAnd, FilterOr, FilterNot:
		return fmt.Errorf("%s is not supported: filters are combined with And", f.Oper)
	default:
		return fmt.Errorf("unsupported filter operator %s", f.Oper)
	}
	return nil
}

// EventQuery is the event-specific part of a ReadEvents query.
type EventQuery struct {
	EventTypeNodeID string        `json:"eventTypeNodeId"`
	EventTypes      []string      `json:"eventTypes"`
	EventColumns    []EventColumn `json:"eventColumns"`
	EventFilters    []EventFilter `json:"eventFilters"`
}

// matchEvent evaluates filters against one event. fields maps browse names to
// values. An event passes when every filter holds.
func matchEvent(filters []EventFilter, fields map[string]interface{}) bool {
	for _, f := range filters {
		if !matchFilter(f, fields) {
			return false
		}
	}
	return true
}

// Match reports whether an event, given as browse name to value, satisfies f.
// OfType compares the EventType field exactly; subtypes of the operand do not
// match, unlike a server-side OfType clause.
func (f EventFilter) Match(fields map[string]interface{}) bool {
	return matchFilter(f, fields)
}

func matchFilter(f EventFilter, fields map[string]interface{}) bool {
	if f.Oper == FilterOfType {
		return formatOperand(fields["EventType"]) == f.Field()
	}

	value, ok := fields[f.Field()]
	if f.Oper == FilterIsNull {
		return !ok || value == nil
	}
	if !ok || value == nil {
		return false
	}

	lits := f.Literals()
	switch f.Oper {
	case FilterEquals:
		return compareOperand(value, lits[0]) == 0
	case FilterGreaterThan:
		return compareOperand(value, lits[0]) > 0
	case FilterLessThan:
		return compareOperand(value, lits[0]) < 0
	case FilterGreaterThanOrEqual:
		return compareOperand(value, lits[0]) >= 0
	case FilterLessThanOrEqual:
		return compareOperand(value, lits[0]) <= 0
	case FilterBetween:
		return compareOperand(value, lits[0]) >= 0 && compareOperand(value, lits[1]) <= 0
	case FilterInList:
		for _, lit := range lits {
			if compareOperand(value, lit) == 0 {
				return true
			}
		}
		return false
	case FilterLike:
		re, err := likePattern(lits[0])
		if err != nil {
			return false
		}
		return re.MatchString(formatOperand(value))
	default:
		return false
	}
}

// compareOperand compares an event value with a literal, numerically when both
// sides are numbers and as strings otherwise.
func compareOperand(value interface{}, literal string) int {
	if v, ok := toFloat(value); ok {
		if l, err := strconv.ParseFloat(literal, 64); err == nil {
			switch {
			case v < l:
				return -1
			case v > l:
				return 1
			default:
				return 0
			}
		}
	}
	if t, ok := value.(time.Time); ok {
		if l, err := time.Parse(time.RFC3339Nano, literal); err == nil {
			return t.Compare(l)
		}
	}
	return strings.Compare(formatOperand(value), literal)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func formatOperand(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case time.Time:
		return t.Format(time.RFC3339Nano)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(v)
	}
}

// likePattern compiles an OPC UA Like pattern: % matches any run of
// characters, _ matches one character and [...] is a character class.
func likePattern(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	inClass := false
	for _, r := range pattern {
		switch {
		case inClass:
			if r == ']' {
				inClass = false
			}
			if r == '\\' {
				b.WriteString(`\\`)
				continue
			}
			b.WriteRune(r)
		case r == '%':
			b.WriteString(".*")
		case r == '_':
			b.WriteString(".")
		case r == '[':
			inClass = true
			b.WriteRune(r)
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}
