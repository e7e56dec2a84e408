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
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgeo-scada/opcua-gateway/internal/config"
)

var (
	configFile     string
	endpoint       string
	timeout        int
	verbose        bool
	securityPolicy string
	securityMode   string
	certFile       string
	keyFile        string
	caFile         string
	skipVerify     bool
	outputFormat   string
	logLevel       string
	logFormat      string
)

var rootCmd = &cobra.Command{
	Use:   "edgeo-opcua-gateway",
	Short: "OPC UA query gateway",
	Long: `A gateway between a time-series frontend and OPC UA servers.

Examples:
  edgeo-opcua-gateway serve -c gateway.yaml
  edgeo-opcua-gateway browse -e opc.tcp://localhost:4840
  edgeo-opcua-gateway read -e opc.tcp://localhost:4840 -n "ns=2;i=1"
  edgeo-opcua-gateway subscribe -e opc.tcp://localhost:4840 -n "ns=2;s=Temperature"`,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to the gateway configuration file (YAML)")
	rootCmd.PersistentFlags().StringVarP(&endpoint, "endpoint", "e", "opc.tcp://localhost:4840", "OPC UA server endpoint URL")
	rootCmd.PersistentFlags().IntVarP(&timeout, "timeout", "t", 5000, "Operation timeout in milliseconds")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&securityPolicy, "security-policy", "s", "", "Security policy (None, Basic128Rsa15, Basic256, Basic256Sha256)")
	rootCmd.PersistentFlags().StringVarP(&securityMode, "security-mode", "m", "None", "Security mode (None, Sign, SignAndEncrypt)")
	rootCmd.PersistentFlags().StringVar(&certFile, "cert", "", "Path to client certificate file (PEM format)")
	rootCmd.PersistentFlags().StringVar(&keyFile, "key", "", "Path to client private key file (PEM format)")
	rootCmd.PersistentFlags().StringVar(&caFile, "ca", "", "Path to CA certificate used to verify the server (PEM format)")
	rootCmd.PersistentFlags().BoolVar(&skipVerify, "skip-verify", false, "Do not verify the server certificate")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, json, yaml")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format: text, json")

	viper.BindPFlag("endpoint", rootCmd.PersistentFlags().Lookup("endpoint"))
	viper.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))
	viper.BindPFlag("security-policy", rootCmd.PersistentFlags().Lookup("security-policy"))
	viper.BindPFlag("security-mode", rootCmd.PersistentFlags().Lookup("security-mode"))
	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))

	// Add subcommands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(browseCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(subscribeCmd)
	rootCmd.AddCommand(endpointsCmd)
	rootCmd.AddCommand(gencertCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	viper.SetEnvPrefix(config.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}
