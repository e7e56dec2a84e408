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
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	dimStyle    = lipgloss.NewStyle().Faint(true)
	nodeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

// table is a header plus rows, rendered aligned or serialized as records.
type table struct {
	headers []string
	rows    [][]string
}

func (t *table) add(values ...interface{}) {
	row := make([]string, len(values))
	for i, v := range values {
		row[i] = formatValue(v)
	}
	t.rows = append(t.rows, row)
}

// render writes v in the --output format. Tables render t, json and yaml
// serialize v.
func render(w io.Writer, format string, v interface{}, t *table) error {
	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	case "table", "":
		if len(t.rows) == 0 {
			fmt.Fprintln(w, dimStyle.Render("No results."))
			return nil
		}
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, strings.Join(t.headers, "\t"))
		for _, row := range t.rows {
			fmt.Fprintln(tw, strings.Join(row, "\t"))
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func formatValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "<null>"
	case time.Time:
		if val.IsZero() {
			return ""
		}
		return val.Format(time.RFC3339Nano)
	case []byte:
		return fmt.Sprintf("%x", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
