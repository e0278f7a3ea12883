// Package auth builds the mutually authenticated TLS configurations for the
// load-balance socket. Cluster peers present certificates signed by a shared
// CA; both directions are verified.
package auth

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// TLSSettings names the certificate material for one node.
type TLSSettings struct {
	CertPath string
	KeyPath  string
	CAPath   string
}

// BuildServerConfig creates the TLS configuration for the receiving side.
// Client certificates are required and verified against the cluster CA.
func BuildServerConfig(s TLSSettings) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(s.CertPath, s.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}
	caPool, err := loadCAPool(s.CAPath)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    caPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// BuildClientConfig creates the TLS configuration for dialing peers,
// presenting this node's certificate and verifying the peer against the
// cluster CA.
func BuildClientConfig(s TLSSettings) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(s.CertPath, s.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load client certificate: %w", err)
	}
	caPool, err := loadCAPool(s.CAPath)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      caPool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func loadCAPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("parse CA certificate from %s", path)
	}
	return pool, nil
}
