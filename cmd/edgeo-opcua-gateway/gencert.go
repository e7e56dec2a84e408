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
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	gateway "github.com/edgeo-scada/opcua-gateway"
)

var (
	certOutput      string
	keyOutput       string
	certOrg         string
	certCountry     string
	certLocality    string
	certAppURI      string
	certDNSNames    string
	certIPAddresses string
	certValidDays   int
	certKeySize     int
)

var gencertCmd = &cobra.Command{
	Use:   "gencert",
	Short: "Generate a self-signed certificate for OPC UA client authentication",
	Long: `Generate a self-signed X.509 certificate and private key the gateway can
present on Sign and SignAndEncrypt endpoints.

Examples:
  edgeo-opcua-gateway gencert
  edgeo-opcua-gateway gencert --cert-out ./pki/gateway.pem --key-out ./pki/gateway.key
  edgeo-opcua-gateway gencert --app-uri "urn:mycompany:gateway" --dns "localhost,scada.local"`,
	RunE: runGencert,
}

func init() {
	gencertCmd.Flags().StringVar(&certOutput, "cert-out", "client-cert.pem", "Output path for certificate")
	gencertCmd.Flags().StringVar(&keyOutput, "key-out", "client-key.pem", "Output path for private key")
	gencertCmd.Flags().StringVar(&certOrg, "org", "Edgeo OPC UA Gateway", "Organization name")
	gencertCmd.Flags().StringVar(&certCountry, "country", "US", "Country code (2 letters)")
	gencertCmd.Flags().StringVar(&certLocality, "locality", "", "Locality/City name")
	gencertCmd.Flags().StringVar(&certAppURI, "app-uri", "urn:edgeo:opcua-gateway", "OPC UA Application URI")
	gencertCmd.Flags().StringVar(&certDNSNames, "dns", "localhost", "Comma-separated DNS names")
	gencertCmd.Flags().StringVar(&certIPAddresses, "ip", "127.0.0.1", "Comma-separated IP addresses")
	gencertCmd.Flags().IntVar(&certValidDays, "days", 365, "Certificate validity in days")
	gencertCmd.Flags().IntVar(&certKeySize, "key-size", 2048, "RSA key size in bits (2048 or 4096)")
}

func runGencert(cmd *cobra.Command, args []string) error {
	req := gateway.CertificateRequest{
		Organization:   certOrg,
		Country:        certCountry,
		Locality:       certLocality,
		ApplicationURI: certAppURI,
		DNSNames:       splitList(certDNSNames),
		ValidFor:       time.Duration(certValidDays) * 24 * time.Hour,
		KeySize:        certKeySize,
	}
	for _, s := range splitList(certIPAddresses) {
		ip := net.ParseIP(s)
		if ip == nil {
			return fmt.Errorf("invalid IP address: %s", s)
		}
		req.IPAddresses = append(req.IPAddresses, ip)
	}

	fmt.Printf("Generating %d-bit RSA key pair...\n", certKeySize)
	certPEM, keyPEM, err := gateway.GenerateSelfSigned(req)
	if err != nil {
		return err
	}

	for _, path := range []string{certOutput, keyOutput} {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", dir, err)
			}
		}
	}
	if err := os.WriteFile(certOutput, certPEM, 0644); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}
	if err := os.WriteFile(keyOutput, keyPEM, 0600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}

	fmt.Println()
	fmt.Println(headerStyle.Render("Certificate generated"))
	fmt.Printf("  Certificate:     %s\n", certOutput)
	fmt.Printf("  Private Key:     %s\n", keyOutput)
	fmt.Printf("  Application URI: %s\n", certAppURI)
	fmt.Printf("  DNS Names:       %s\n", strings.Join(req.DNSNames, ", "))
	fmt.Printf("  IP Addresses:    %v\n", req.IPAddresses)
	fmt.Printf("  Valid For:       %d days\n", certValidDays)
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Printf("  edgeo-opcua-gateway endpoints -e <endpoint> -s Basic256Sha256 -m SignAndEncrypt --cert %s --key %s\n", certOutput, keyOutput)
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
