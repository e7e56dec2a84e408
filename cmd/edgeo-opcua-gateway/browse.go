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
	"os"

	"github.com/spf13/cobra"

	gateway "github.com/edgeo-scada/opcua-gateway"
)

var browseCmd = &cobra.Command{
	Use:   "browse",
	Short: "Browse the OPC UA address space",
	Long: `Browse nodes in the OPC UA server address space.

Examples:
  edgeo-opcua-gateway browse -e opc.tcp://localhost:4840
  edgeo-opcua-gateway browse -e opc.tcp://localhost:4840 -n "ns=2;s=MyNode"
  edgeo-opcua-gateway browse -e opc.tcp://localhost:4840 --types
  edgeo-opcua-gateway browse -e opc.tcp://localhost:4840 --aggregates -o json`,
	RunE: runBrowse,
}

var (
	browseNodeID     string
	browseTypes      bool
	browseAggregates bool
)

func init() {
	browseCmd.Flags().StringVarP(&browseNodeID, "node", "n", "", "Node ID to browse from (default: Objects, or EventTypes with --types)")
	browseCmd.Flags().BoolVar(&browseTypes, "types", false, "Browse subtypes instead of hierarchical references")
	browseCmd.Flags().BoolVar(&browseAggregates, "aggregates", false, "List the server's aggregate functions")
}

func runBrowse(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout()*2)
	defer cancel()

	engine := gateway.NewBrowseEngine(gateway.WithBrowseLogger(newLogger()))

	var results []gateway.BrowseResult
	err := withSession(ctx, func(s *gateway.Session) error {
		var err error
		switch {
		case browseAggregates:
			results, err = engine.Aggregates(ctx, s)
		case browseTypes:
			results, err = engine.BrowseTypes(ctx, s, browseNodeID)
		default:
			results, err = engine.Browse(ctx, s, browseNodeID)
		}
		return err
	})
	if err != nil {
		return err
	}

	t := &table{headers: []string{"NodeID", "BrowseName", "DisplayName", "NodeClass", "TypeID", "Leaf"}}
	for _, r := range results {
		t.add(r.NodeID, r.BrowseName, r.DisplayName, r.NodeClass, r.TypeID, r.IsLeaf())
	}
	return render(os.Stdout, outputFormat, results, t)
}
