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
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"net/url"
	"os"
	"sync"
	"time"
)

// CertificateBundle is the client identity used on secure endpoints, with an
// optional CA pool for verifying server certificates.
type CertificateBundle struct {
	Certificate []byte // DER
	PrivateKey  *rsa.PrivateKey
	CAPool      *x509.CertPool
}

// LoadCertificateBundle builds a bundle from PEM encoded data. caPEM may be nil.
func LoadCertificateBundle(certPEM, keyPEM, caPEM []byte) (*CertificateBundle, error) {
	_, der, err := LoadCertificate(certPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate: %w", err)
	}

	key, err := LoadPrivateKey(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to load private key: %w", err)
	}

	bundle := &CertificateBundle{Certificate: der, PrivateKey: key}
	if len(caPEM) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("no CA certificates found")
		}
		bundle.CAPool = pool
	}
	return bundle, nil
}

// LoadCertificateBundleFiles reads a bundle from PEM files. caFile may be empty.
func LoadCertificateBundleFiles(certFile, keyFile, caFile string) (*CertificateBundle, error) {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return nil, err
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, err
	}
	var caPEM []byte
	if caFile != "" {
		if caPEM, err = os.ReadFile(caFile); err != nil {
			return nil, err
		}
	}
	return LoadCertificateBundle(certPEM, keyPEM, caPEM)
}

// VerifyServerCertificate checks a DER server certificate against the bundle's
// CA pool. It succeeds when the bundle has no CA pool.
func (b *CertificateBundle) VerifyServerCertificate(der []byte) error {
	if b == nil || b.CAPool == nil {
		return nil
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("failed to parse server certificate: %w", err)
	}
	_, err = cert.Verify(x509.VerifyOptions{
		Roots:     b.CAPool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return fmt.Errorf("server certificate not trusted: %w", err)
	}
	return nil
}

// LoadCertificate loads a certificate from PEM encoded bytes.
func LoadCertificate(pemData []byte) (*x509.Certificate, []byte, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, nil, fmt.Errorf("failed to decode PEM block")
	}

	if block.Type != "CERTIFICATE" {
		return nil, nil, fmt.Errorf("expected CERTIFICATE, got %s", block.Type)
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	return cert, block.Bytes, nil
}

// LoadPrivateKey loads an RSA private key from PEM encoded bytes.
func LoadPrivateKey(pemData []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKCS8 private key: %w", err)
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is not RSA")
		}
		return rsaKey, nil
	default:
		return nil, fmt.Errorf("unsupported key type: %s", block.Type)
	}
}

// CertificateStore resolves EndpointConfig.CertificateBundleRef to a bundle.
type CertificateStore struct {
	mu      sync.RWMutex
	bundles map[string]*CertificateBundle
}

// NewCertificateStore creates an empty store.
func NewCertificateStore() *CertificateStore {
	return &CertificateStore{bundles: make(map[string]*CertificateBundle)}
}

// Add registers a bundle under ref, replacing any previous one.
func (s *CertificateStore) Add(ref string, b *CertificateBundle) {
	s.mu.Lock()
	s.bundles[ref] = b
	s.mu.Unlock()
}

// Get returns the bundle registered under ref.
func (s *CertificateStore) Get(ref string) (*CertificateBundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bundles[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrCertificateNotFound, ref)
	}
	return b, nil
}

// CertificateRequest describes a self-signed OPC UA client certificate.
type CertificateRequest struct {
	CommonName     string
	Organization   string
	Country        string
	Locality       string
	ApplicationURI string
	DNSNames       []string
	IPAddresses    []net.IP
	ValidFor       time.Duration
	KeySize        int
}

// GenerateSelfSigned creates a self-signed client certificate carrying the
// application URI in its subject alternative names, as OPC UA requires. It
// returns the PEM encoded certificate and PKCS1 private key.
func GenerateSelfSigned(req CertificateRequest) (certPEM, keyPEM []byte, err error) {
	if req.KeySize == 0 {
		req.KeySize = 2048
	}
	if req.KeySize != 2048 && req.KeySize != 4096 {
		return nil, nil, fmt.Errorf("key size must be 2048 or 4096, got %d", req.KeySize)
	}
	if req.ValidFor <= 0 {
		req.ValidFor = 365 * 24 * time.Hour
	}
	if req.CommonName == "" {
		req.CommonName = "OPC UA Client"
	}

	appURI, err := url.Parse(req.ApplicationURI)
	if err != nil || appURI.Scheme == "" {
		return nil, nil, fmt.Errorf("invalid application URI %q", req.ApplicationURI)
	}

	privateKey, err := rsa.GenerateKey(rand.Reader, req.KeySize)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	subject := pkix.Name{CommonName: req.CommonName}
	if req.Organization != "" {
		subject.Organization = []string{req.Organization}
	}
	if req.Country != "" {
		subject.Country = []string{req.Country}
	}
	if req.Locality != "" {
		subject.Locality = []string{req.Locality}
	}

	notBefore := time.Now()
	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      subject,
		NotBefore:    notBefore,
		NotAfter:     notBefore.Add(req.ValidFor),
		KeyUsage: x509.KeyUsageDigitalSignature |
			x509.KeyUsageKeyEncipherment |
			x509.KeyUsageDataEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		DNSNames:              req.DNSNames,
		IPAddresses:           req.IPAddresses,
		URIs:                  []*url.URL{appURI},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(privateKey)})
	return certPEM, keyPEM, nil
}
