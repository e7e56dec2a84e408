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
	"fmt"
	"time"
)

// FieldType is the value type of a frame column.
type FieldType string

// Frame column types.
const (
	FieldTypeTime    FieldType = "time"
	FieldTypeNumber  FieldType = "number"
	FieldTypeString  FieldType = "string"
	FieldTypeBoolean FieldType = "boolean"
	FieldTypeOther   FieldType = "other"
)

// Field is one column of a Frame.
type Field struct {
	Name   string        `json:"name"`
	Type   FieldType     `json:"type"`
	Values []interface{} `json:"values"`
}

// Frame is a columnar result table. All fields have the same length.
type Frame struct {
	RefID  string   `json:"refId"`
	Name   string   `json:"name,omitempty"`
	Fields []*Field `json:"fields"`
}

// NewFrame creates an empty frame with the named columns.
func NewFrame(refID, name string, fields ...*Field) *Frame {
	return &Frame{RefID: refID, Name: name, Fields: fields}
}

// NewField creates an empty column.
func NewField(name string, typ FieldType) *Field {
	return &Field{Name: name, Type: typ, Values: []interface{}{}}
}

// Rows returns the number of rows in the frame.
func (f *Frame) Rows() int {
	if len(f.Fields) == 0 {
		return 0
	}
	return len(f.Fields[0].Values)
}

// AppendRow appends one value per field.
func (f *Frame) AppendRow(values ...interface{}) error {
	if len(values) != len(f.Fields) {
		return fmt.Errorf("gateway: row has %d values, frame has %d fields", len(values), len(f.Fields))
	}
	for i, v := range values {
		f.Fields[i].Values = append(f.Fields[i].Values, v)
	}
	return nil
}

// Field returns the column with the given name.
func (f *Frame) Field(name string) (*Field, bool) {
	for _, field := range f.Fields {
		if field.Name == name {
			return field, true
		}
	}
	return nil, false
}

// inferTypes sets the type of every FieldTypeOther column from its first
// non-nil value.
func (f *Frame) inferTypes() {
	for _, field := range f.Fields {
		if field.Type != FieldTypeOther {
			continue
		}
		for _, v := range field.Values {
			if v != nil {
				field.Type = fieldTypeOf(v)
				break
			}
		}
	}
}

func fieldTypeOf(v interface{}) FieldType {
	switch v.(type) {
	case time.Time:
		return FieldTypeTime
	case bool:
		return FieldTypeBoolean
	case string:
		return FieldTypeString
	}
	if _, ok := toFloat(v); ok {
		return FieldTypeNumber
	}
	return FieldTypeOther
}

// pointsFrame builds a two-column Time/value frame.
func pointsFrame(refID, valueName string, points []DataPoint) *Frame {
	times := NewField("Time", FieldTypeTime)
	values := NewField(valueName, FieldTypeOther)
	for _, p := range points {
		times.Values = append(times.Values, p.Timestamp)
		values.Values = append(values.Values, p.Value)
	}
	frame := NewFrame(refID, valueName, times, values)
	frame.inferTypes()
	return frame
}
