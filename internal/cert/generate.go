package cert

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"time"
)

const organization = "Silo Link"

func serialNumber() (*big.Int, error) {
	n, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	return n, nil
}

// sign creates a key pair and a certificate from template. A nil parent self-signs.
func sign(template, parent *x509.Certificate, parentKey *rsa.PrivateKey, bits int) (*x509.Certificate, *rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate key: %w", err)
	}

	serial, err := serialNumber()
	if err != nil {
		return nil, nil, err
	}
	template.SerialNumber = serial

	if parent == nil {
		parent, parentKey = template, key
	}

	der, err := x509.CreateCertificate(rand.Reader, template, parent, &key.PublicKey, parentKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	c, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return c, key, nil
}

func generateCA(bits int) (*x509.Certificate, *rsa.PrivateKey, error) {
	now := time.Now()
	return sign(&x509.Certificate{
		Subject: pkix.Name{
			Organization: []string{organization},
			CommonName:   organization + " Root CA",
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}, nil, nil, bits)
}

func generateServerCert(ca *x509.Certificate, caKey *rsa.PrivateKey, bits int, domains []string, ips []net.IP) (*x509.Certificate, *rsa.PrivateKey, error) {
	commonName := "localhost"
	if len(domains) > 0 {
		commonName = domains[0]
	}
	now := time.Now()
	return sign(&x509.Certificate{
		Subject: pkix.Name{
			Organization: []string{organization},
			CommonName:   commonName,
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              domains,
		IPAddresses:           ips,
	}, ca, caKey, bits)
}

func generateClientCert(ca *x509.Certificate, caKey *rsa.PrivateKey, bits int, deviceID string, validity time.Duration) (*x509.Certificate, *rsa.PrivateKey, error) {
	now := time.Now()
	return sign(&x509.Certificate{
		Subject: pkix.Name{
			Organization: []string{organization},
			CommonName:   deviceID,
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}, ca, caKey, bits)
}
