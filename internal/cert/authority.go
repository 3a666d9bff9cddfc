package cert

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"time"
)

const (
	DefaultKeyBits            = 2048
	DefaultClientCertValidity = 365 * 24 * time.Hour
)

type Config struct {
	CACertPath     string
	CAKeyPath      string
	ServerCertPath string
	ServerKeyPath  string
	DomainNames    []string
	IPAddresses    []net.IP
	KeyBits        int
	ClientValidity time.Duration
}

// Persistent reports whether the CA lives on disk. Without paths an
// ephemeral CA is generated in memory on every start.
func (c Config) Persistent() bool {
	return c.CACertPath != "" && c.CAKeyPath != ""
}

// Bundle is the credential material handed to a device after pairing.
type Bundle struct {
	CACertPEM     string
	ClientCertPEM string
	ClientKeyPEM  string
	Fingerprint   string
	NotAfter      time.Time
}

// Authority signs device client certificates with the host CA.
type Authority struct {
	cfg       Config
	caCert    *x509.Certificate
	caKey     *rsa.PrivateKey
	caPEM     string
	serverPEM string
	serverKey string
}

func NewAuthority(cfg Config) (*Authority, error) {
	if cfg.KeyBits <= 0 {
		cfg.KeyBits = DefaultKeyBits
	}
	if cfg.ClientValidity <= 0 {
		cfg.ClientValidity = DefaultClientCertValidity
	}
	if len(cfg.DomainNames) == 0 {
		cfg.DomainNames = []string{"localhost"}
	}
	if len(cfg.IPAddresses) == 0 {
		cfg.IPAddresses = []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")}
	}

	a := &Authority{cfg: cfg}
	if err := a.ensureCA(); err != nil {
		return nil, fmt.Errorf("failed to prepare CA: %w", err)
	}
	if err := a.ensureServerCert(); err != nil {
		return nil, fmt.Errorf("failed to prepare server certificate: %w", err)
	}
	return a, nil
}

func (a *Authority) ensureCA() error {
	if a.cfg.Persistent() && fileExists(a.cfg.CACertPath) && fileExists(a.cfg.CAKeyPath) {
		caCert, caKey, err := loadCA(a.cfg.CACertPath, a.cfg.CAKeyPath)
		if err != nil {
			return err
		}
		a.caCert, a.caKey = caCert, caKey
		a.caPEM = string(encodeCert(caCert))
		slog.Debug("Using existing CA certificate", "cert_path", a.cfg.CACertPath)
		return nil
	}

	caCert, caKey, err := generateCA(a.cfg.KeyBits)
	if err != nil {
		return err
	}
	a.caCert, a.caKey = caCert, caKey
	a.caPEM = string(encodeCert(caCert))

	if !a.cfg.Persistent() {
		slog.Warn("CA paths not configured, using an ephemeral CA")
		return nil
	}
	if err := writeCertToFile(caCert, a.cfg.CACertPath); err != nil {
		return err
	}
	if err := writeKeyToFile(caKey, a.cfg.CAKeyPath); err != nil {
		return err
	}
	slog.Info("Generated CA certificate", "cert_path", a.cfg.CACertPath, "key_path", a.cfg.CAKeyPath)
	return nil
}

func (a *Authority) ensureServerCert() error {
	persistent := a.cfg.ServerCertPath != "" && a.cfg.ServerKeyPath != ""
	if persistent && fileExists(a.cfg.ServerCertPath) && fileExists(a.cfg.ServerKeyPath) {
		certPEM, keyPEM, err := readPair(a.cfg.ServerCertPath, a.cfg.ServerKeyPath)
		if err != nil {
			return err
		}
		a.serverPEM, a.serverKey = certPEM, keyPEM
		return nil
	}

	serverCert, serverKey, err := generateServerCert(a.caCert, a.caKey, a.cfg.KeyBits, a.cfg.DomainNames, a.cfg.IPAddresses)
	if err != nil {
		return err
	}
	keyPEM, err := encodeKey(serverKey)
	if err != nil {
		return err
	}
	a.serverPEM, a.serverKey = string(encodeCert(serverCert)), string(keyPEM)

	if !persistent {
		return nil
	}
	if err := writeCertToFile(serverCert, a.cfg.ServerCertPath); err != nil {
		return err
	}
	if err := writeKeyToFile(serverKey, a.cfg.ServerKeyPath); err != nil {
		return err
	}
	slog.Info("Generated server certificate",
		"cert_path", a.cfg.ServerCertPath,
		"domains", a.cfg.DomainNames,
		"ips", a.cfg.IPAddresses)
	return nil
}

// Issue signs a fresh client certificate whose CommonName is deviceID.
func (a *Authority) Issue(ctx context.Context, deviceID string) (*Bundle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	clientCert, clientKey, err := generateClientCert(a.caCert, a.caKey, a.cfg.KeyBits, deviceID, a.cfg.ClientValidity)
	if err != nil {
		slog.Error("Failed to issue client certificate", "device_id", deviceID, "error", err)
		return nil, err
	}
	keyPEM, err := encodeKey(clientKey)
	if err != nil {
		return nil, err
	}

	bundle := &Bundle{
		CACertPEM:     a.caPEM,
		ClientCertPEM: string(encodeCert(clientCert)),
		ClientKeyPEM:  string(keyPEM),
		Fingerprint:   Fingerprint(clientCert),
		NotAfter:      clientCert.NotAfter,
	}
	slog.Info("Issued client certificate", "device_id", deviceID, "fingerprint", bundle.Fingerprint)
	return bundle, nil
}

func (a *Authority) CACertPEM() string { return a.caPEM }

// ServerKeyPair returns the PEM encoded server certificate and key.
func (a *Authority) ServerKeyPair() (certPEM, keyPEM string) {
	return a.serverPEM, a.serverKey
}

// Fingerprint is the hex SHA-256 of the certificate DER.
func Fingerprint(c *x509.Certificate) string {
	sum := sha256.Sum256(c.Raw)
	return hex.EncodeToString(sum[:])
}
