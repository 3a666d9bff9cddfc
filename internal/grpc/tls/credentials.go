package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"
)

var ErrNoPeerCertificate = errors.New("no verified client certificate")

// ServerCredentials builds server credentials from PEM material. caPEM is only
// read when clients are asked for a certificate.
func ServerCredentials(certPEM, keyPEM, caPEM []byte, clientAuth tls.ClientAuthType) (credentials.TransportCredentials, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}

	config := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   clientAuth,
		MinVersion:   tls.VersionTLS12,
	}

	if clientAuth != tls.NoClientCert {
		caPool := x509.NewCertPool()
		if !caPool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to append CA certificate")
		}
		config.ClientCAs = caPool
	}

	return credentials.NewTLS(config), nil
}

func ClientCredentials(certPEM, keyPEM, caPEM []byte, serverNameOverride string) (credentials.TransportCredentials, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to load client certificate: %w", err)
	}

	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("failed to append CA certificate")
	}

	config := &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      caPool,
		MinVersion:   tls.VersionTLS12,
	}

	if serverNameOverride != "" {
		config.ServerName = serverNameOverride
	}

	return credentials.NewTLS(config), nil
}

// LoadClientCredentials reads the PEM files written by the pairing command.
func LoadClientCredentials(certFile, keyFile, caFile, serverNameOverride string) (credentials.TransportCredentials, error) {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read client certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read client key: %w", err)
	}
	caPEM, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	return ClientCredentials(certPEM, keyPEM, caPEM, serverNameOverride)
}

func ParseClientAuthType(authType string) (tls.ClientAuthType, error) {
	switch authType {
	case "none", "":
		return tls.NoClientCert, nil
	case "request":
		return tls.VerifyClientCertIfGiven, nil
	case "require":
		return tls.RequireAndVerifyClientCert, nil
	default:
		return tls.NoClientCert, fmt.Errorf("invalid client auth type: %s (valid: none, request, require)", authType)
	}
}

// PeerCommonName returns the CommonName of the verified client certificate
// attached to a stream peer.
func PeerCommonName(p *peer.Peer) (string, error) {
	if p == nil {
		return "", ErrNoPeerCertificate
	}
	info, ok := p.AuthInfo.(credentials.TLSInfo)
	if !ok {
		return "", ErrNoPeerCertificate
	}
	for _, chain := range info.State.VerifiedChains {
		if len(chain) > 0 {
			return chain[0].Subject.CommonName, nil
		}
	}
	return "", ErrNoPeerCertificate
}
