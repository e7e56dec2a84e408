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
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	gateway "github.com/edgeo-scada/opcua-gateway"
)

var subscribeCmd = &cobra.Command{
	Use:   "subscribe",
	Short: "Subscribe to data changes on OPC UA nodes",
	Long: `Subscribe to data changes on OPC UA nodes and print updates.

The subscription survives connection loss: the gateway reconnects and
re-establishes the monitored items.

Examples:
  edgeo-opcua-gateway subscribe -e opc.tcp://localhost:4840 -n "ns=2;i=1"
  edgeo-opcua-gateway subscribe -e opc.tcp://localhost:4840 -n "i=2258" -n "ns=2;s=Temperature"`,
	RunE: runSubscribe,
}

var subscribeNodeIDs []string

func init() {
	subscribeCmd.Flags().StringArrayVarP(&subscribeNodeIDs, "node", "n", nil, "Node ID(s) to subscribe to (can specify multiple)")
	subscribeCmd.MarkFlagRequired("node")
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	notifications := make(chan gateway.Notification, 64)
	sink := gateway.SinkFunc(func(n gateway.Notification) error {
		select {
		case notifications <- n:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	return withSession(ctx, func(s *gateway.Session) error {
		for _, id := range subscribeNodeIDs {
			subCtx, subCancel := context.WithTimeout(ctx, requestTimeout())
			subID, err := s.Subscriptions().Subscribe(subCtx, id, "cli", sink)
			subCancel()
			if err != nil {
				return fmt.Errorf("subscribe %s: %w", id, err)
			}
			defer s.Subscriptions().Unsubscribe(context.Background(), subID)
		}

		fmt.Printf("Monitoring %d node(s), waiting for data changes (Ctrl+C to stop)...\n\n", len(subscribeNodeIDs))

		active := len(subscribeNodeIDs)
		for active > 0 {
			select {
			case <-ctx.Done():
				fmt.Println("\nReceived interrupt, stopping...")
				return nil
			case n := <-notifications:
				ts := dimStyle.Render(time.Now().Format("15:04:05.000"))
				if n.Err != nil {
					fmt.Printf("[%s] %s %s\n", ts, nodeStyle.Render(n.NodeID), errorStyle.Render(n.Err.Error()))
					active--
					continue
				}
				fmt.Printf("[%s] %s = %s\n", ts, nodeStyle.Render(n.NodeID), formatValue(n.Point.Value))
			}
		}
		return fmt.Errorf("all subscriptions ended")
	})
}
