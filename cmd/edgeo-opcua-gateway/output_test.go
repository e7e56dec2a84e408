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

package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	type row struct {
		NodeID string  `json:"nodeId" yaml:"nodeId"`
		Value  float64 `json:"value" yaml:"value"`
	}
	rows := []row{{"ns=2;s=Temperature", 42.5}, {"ns=2;s=Pressure", 1.2}}

	tbl := &table{headers: []string{"NodeID", "Value"}}
	for _, r := range rows {
		tbl.add(r.NodeID, r.Value)
	}

	var buf bytes.Buffer
	require.NoError(t, render(&buf, "table", rows, tbl))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "NodeID"))
	assert.Contains(t, lines[1], "42.5")

	buf.Reset()
	require.NoError(t, render(&buf, "JSON", rows, tbl))
	assert.JSONEq(t, `[{"nodeId":"ns=2;s=Temperature","value":42.5},{"nodeId":"ns=2;s=Pressure","value":1.2}]`, buf.String())

	buf.Reset()
	require.NoError(t, render(&buf, "yaml", rows, tbl))
	assert.Contains(t, buf.String(), "nodeId: ns=2;s=Pressure")

	assert.Error(t, render(&buf, "xml", rows, tbl))
}

func TestFormatValue(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "<null>", formatValue(nil))
	assert.Equal(t, "", formatValue(time.Time{}))
	assert.Equal(t, "2024-03-01T12:00:00Z", formatValue(at))
	assert.Equal(t, "0aff", formatValue([]byte{0x0a, 0xff}))
	assert.Equal(t, "true", formatValue(true))
}
