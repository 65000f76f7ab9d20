package transport

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"os"
	"slices"
	"time"
)

// ALPNProtocol is negotiated by the QUIC transport and sent as the protocol
// marker on WebSocket and HTTP/2 links.
const ALPNProtocol = "examcast/1"

const selfSignedValidity = 24 * time.Hour

func baseTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS13,
		NextProtos: []string{ALPNProtocol},
	}
}

// LoadServerTLS reads a PEM certificate and key pair.
func LoadServerTLS(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	cfg := baseTLSConfig()
	cfg.Certificates = []tls.Certificate{cert}
	return cfg, nil
}

// LoadClientTLS builds the dial side. Without strictVerify any peer
// certificate is accepted; with it the chain must lead to caFile, or to
// the system pool when caFile is empty.
func LoadClientTLS(caFile string, strictVerify bool) (*tls.Config, error) {
	cfg := baseTLSConfig()
	cfg.InsecureSkipVerify = !strictVerify
	if caFile == "" {
		return cfg, nil
	}

	pemData, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemData) {
		return nil, errors.New("no certificates found in CA file")
	}
	cfg.RootCAs = pool
	return cfg, nil
}

// SelfSignedTLSConfig returns a server config holding a fresh Ed25519
// certificate for commonName, valid for one day.
func SelfSignedTLSConfig(commonName string) (*tls.Config, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName, Organization: []string{"ExamCast"}},
		DNSNames:              []string{commonName, "localhost"},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(selfSignedValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, priv)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}

	cfg := baseTLSConfig()
	cfg.Certificates = []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: priv}}
	return cfg, nil
}

// serverTLSConfig falls back to a self-signed certificate.
func serverTLSConfig(cfg *tls.Config) (*tls.Config, error) {
	if cfg != nil {
		return cfg, nil
	}
	return SelfSignedTLSConfig("examcast")
}

// prepareTLSConfigForDial copies cfg, or starts from the default client
// config, and replaces the ALPN list.
func prepareTLSConfigForDial(cfg *tls.Config, strictVerify bool, nextProtos []string) *tls.Config {
	if cfg == nil {
		cfg = baseTLSConfig()
		cfg.InsecureSkipVerify = !strictVerify
	} else {
		cfg = cfg.Clone()
	}
	cfg.NextProtos = nextProtos
	return cfg
}

// ensureH2InNextProtos returns a copy that offers "h2" first.
func ensureH2InNextProtos(cfg *tls.Config) *tls.Config {
	out := cfg.Clone()
	if !slices.Contains(out.NextProtos, "h2") {
		out.NextProtos = append([]string{"h2"}, out.NextProtos...)
	}
	return out
}
