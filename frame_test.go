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

package gateway_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gateway "github.com/edgeo-scada/opcua-gateway"
)

func TestFrame_AppendRow(t *testing.T) {
	frame := gateway.NewFrame("A", "Temperature",
		gateway.NewField("Time", gateway.FieldTypeTime),
		gateway.NewField("Value", gateway.FieldTypeNumber),
	)
	assert.Equal(t, 0, frame.Rows())

	now := time.Now()
	require.NoError(t, frame.AppendRow(now, 42.5))
	require.NoError(t, frame.AppendRow(now.Add(time.Second), 43.0))
	assert.Equal(t, 2, frame.Rows())

	assert.Error(t, frame.AppendRow(now))
	assert.Equal(t, 2, frame.Rows())

	field, ok := frame.Field("Value")
	require.True(t, ok)
	assert.Equal(t, []interface{}{42.5, 43.0}, field.Values)

	_, ok = frame.Field("Missing")
	assert.False(t, ok)
}

func TestFrame_JSON(t *testing.T) {
	frame := gateway.NewFrame("A", "", gateway.NewField("Value", gateway.FieldTypeString))

	data, err := json.Marshal(frame)
	require.NoError(t, err)
	assert.JSONEq(t, `{"refId":"A","fields":[{"name":"Value","type":"string","values":[]}]}`, string(data))
}
