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
	"strings"

	gopcua "github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var endpointsCmd = &cobra.Command{
	Use:     "endpoints",
	Aliases: []string{"discovery"},
	Short:   "List the endpoints an OPC UA server offers",
	Long: `List the endpoints of an OPC UA server with their security settings.

Examples:
  edgeo-opcua-gateway endpoints -e opc.tcp://localhost:4840
  edgeo-opcua-gateway endpoints -e opc.tcp://opcuaserver.com:48010 -o json`,
	RunE: runEndpoints,
}

type endpointInfo struct {
	URL            string   `json:"url" yaml:"url"`
	SecurityPolicy string   `json:"securityPolicy" yaml:"securityPolicy"`
	SecurityMode   string   `json:"securityMode" yaml:"securityMode"`
	SecurityLevel  uint8    `json:"securityLevel" yaml:"securityLevel"`
	UserTokens     []string `json:"userTokens" yaml:"userTokens"`
	Certificate    int      `json:"certificateBytes" yaml:"certificateBytes"`
}

func runEndpoints(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout())
	defer cancel()

	url := viper.GetString("endpoint")
	endpoints, err := gopcua.GetEndpoints(ctx, url)
	if err != nil {
		return fmt.Errorf("discovery failed on %s: %w", url, err)
	}

	infos := make([]endpointInfo, 0, len(endpoints))
	for _, ep := range endpoints {
		info := endpointInfo{
			URL:            ep.EndpointURL,
			SecurityPolicy: strings.TrimPrefix(ep.SecurityPolicyURI, ua.SecurityPolicyURIPrefix),
			SecurityMode:   securityModeName(ep.SecurityMode),
			SecurityLevel:  ep.SecurityLevel,
			Certificate:    len(ep.ServerCertificate),
		}
		for _, token := range ep.UserIdentityTokens {
			info.UserTokens = append(info.UserTokens, userTokenTypeName(token.TokenType))
		}
		infos = append(infos, info)
	}

	if verbose && len(endpoints) > 0 && endpoints[0].Server != nil {
		server := endpoints[0].Server
		fmt.Println(headerStyle.Render("Server Information"))
		fmt.Printf("  Application URI:  %s\n", server.ApplicationURI)
		fmt.Printf("  Product URI:      %s\n", server.ProductURI)
		if server.ApplicationName != nil {
			fmt.Printf("  Application Name: %s\n", server.ApplicationName.Text)
		}
		fmt.Println()
	}

	t := &table{headers: []string{"URL", "Policy", "Mode", "Level", "UserTokens"}}
	for _, info := range infos {
		t.add(info.URL, info.SecurityPolicy, info.SecurityMode, info.SecurityLevel, strings.Join(info.UserTokens, ","))
	}
	return render(os.Stdout, outputFormat, infos, t)
}

func securityModeName(mode ua.MessageSecurityMode) string {
	switch mode {
	case ua.MessageSecurityModeNone:
		return "None"
	case ua.MessageSecurityModeSign:
		return "Sign"
	case ua.MessageSecurityModeSignAndEncrypt:
		return "SignAndEncrypt"
	default:
		return "Invalid"
	}
}

func userTokenTypeName(t ua.UserTokenType) string {
	switch t {
	case ua.UserTokenTypeAnonymous:
		return "Anonymous"
	case ua.UserTokenTypeUserName:
		return "UserName"
	case ua.UserTokenTypeCertificate:
		return "Certificate"
	case ua.UserTokenTypeIssuedToken:
		return "IssuedToken"
	default:
		return fmt.Sprintf("Unknown(%d)", t)
	}
}
