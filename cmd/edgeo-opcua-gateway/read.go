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
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	gateway "github.com/edgeo-scada/opcua-gateway"
)

var readCmd = &cobra.Command{
	Use:   "read",
	Short: "Read values from OPC UA nodes",
	Long: `Read the current value or the attributes of OPC UA nodes.

Examples:
  edgeo-opcua-gateway read -e opc.tcp://localhost:4840 -n "ns=2;i=1"
  edgeo-opcua-gateway read -e opc.tcp://localhost:4840 -n "ns=2;s=Temperature" --attributes
  edgeo-opcua-gateway read -e opc.tcp://localhost:4840 -n "i=2255" -n "i=2256" -o yaml`,
	RunE: runRead,
}

var (
	readNodeIDs    []string
	readAttributes bool
)

func init() {
	readCmd.Flags().StringArrayVarP(&readNodeIDs, "node", "n", nil, "Node ID(s) to read (can specify multiple)")
	readCmd.Flags().BoolVarP(&readAttributes, "attributes", "a", false, "Read all common attributes instead of the value")
	readCmd.MarkFlagRequired("node")
}

type readResult struct {
	NodeID string                 `json:"nodeId" yaml:"nodeId"`
	Point  *gateway.DataPoint     `json:"point,omitempty" yaml:"point,omitempty"`
	Attrs  map[string]interface{} `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

func runRead(cmd *cobra.Command, args []string) error {
	for _, id := range readNodeIDs {
		if err := gateway.ValidateNodeID(id); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout()*2)
	defer cancel()

	engine := gateway.NewBrowseEngine(gateway.WithAttributeCache(0, 0))

	results := make([]readResult, 0, len(readNodeIDs))
	err := withSession(ctx, func(s *gateway.Session) error {
		for _, id := range readNodeIDs {
			if readAttributes {
				attrs, err := engine.ReadNodeAttributesAsDictionary(ctx, s, id)
				if err != nil {
					return err
				}
				results = append(results, readResult{NodeID: id, Attrs: attrs})
				continue
			}
			point, err := s.ReadValue(ctx, id)
			if err != nil {
				return fmt.Errorf("read %s: %w", id, err)
			}
			results = append(results, readResult{NodeID: id, Point: &point})
		}
		return nil
	})
	if err != nil {
		return err
	}

	if readAttributes {
		t := &table{headers: []string{"NodeID", "Attribute", "Value"}}
		for _, r := range results {
			names := make([]string, 0, len(r.Attrs))
			for name := range r.Attrs {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				t.add(r.NodeID, name, r.Attrs[name])
			}
		}
		return render(os.Stdout, outputFormat, results, t)
	}

	t := &table{headers: []string{"NodeID", "Value", "Type", "Timestamp", "Status"}}
	for _, r := range results {
		t.add(r.NodeID, r.Point.Value, fmt.Sprintf("%T", r.Point.Value), r.Point.Timestamp, fmt.Sprintf("0x%08X", r.Point.Status))
	}
	return render(os.Stdout, outputFormat, results, t)
}
