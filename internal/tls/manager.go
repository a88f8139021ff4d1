// Package tls provides the API server certificate: a configured pair, or a
// self-signed one that is generated on first use and renewed before it
// expires.
package tls

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"grimm.is/warden/internal/brand"
	"grimm.is/warden/internal/clock"
	"grimm.is/warden/internal/logging"
)

const (
	// DefaultValidDays is the lifetime of generated certificates.
	DefaultValidDays = 365
	// RenewBefore is how long before expiry a self-signed certificate is
	// replaced.
	RenewBefore = 30 * 24 * time.Hour
)

// Options configures a Manager.
type Options struct {
	CertFile string
	KeyFile  string
	// SelfSigned allows the manager to create and renew the pair itself.
	SelfSigned bool
	ValidDays  int
	// Hosts are extra DNS names or IPs for generated certificates.
	Hosts  []string
	Clock  clock.Clock
	Logger *logging.Logger
}

// Manager serves one certificate pair.
type Manager struct {
	opts   Options
	clock  clock.Clock
	logger *logging.Logger

	mu   sync.RWMutex
	cert *tls.Certificate
	leaf *x509.Certificate
}

// NewManager loads the pair, generating it first when allowed.
func NewManager(opts Options) (*Manager, error) {
	if opts.CertFile == "" || opts.KeyFile == "" {
		return nil, errors.New("tls: cert and key files are required")
	}
	if opts.ValidDays <= 0 {
		opts.ValidDays = DefaultValidDays
	}
	if opts.Clock == nil {
		opts.Clock = &clock.RealClock{}
	}
	m := &Manager{
		opts:   opts,
		clock:  opts.Clock,
		logger: logging.OrDefault(opts.Logger).WithComponent("tls"),
	}
	if err := m.Ensure(); err != nil {
		return nil, err
	}
	return m, nil
}

// Ensure (re)loads the pair from disk. A self-signed pair that is missing,
// unreadable or close to expiry is regenerated first.
func (m *Manager) Ensure() error {
	if m.opts.SelfSigned && m.needsRenewal() {
		if err := GenerateSelfSigned(m.opts.CertFile, m.opts.KeyFile, m.opts.ValidDays, m.opts.Hosts, m.clock.Now()); err != nil {
			return fmt.Errorf("failed to generate self-signed certificate: %w", err)
		}
		m.logger.Info("generated self-signed certificate", "cert", m.opts.CertFile, "valid_days", m.opts.ValidDays)
	}

	cert, leaf, err := LoadCertificate(m.opts.CertFile, m.opts.KeyFile)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.cert, m.leaf = cert, leaf
	m.mu.Unlock()
	return nil
}

// needsRenewal reports whether the pair on disk is missing or expires
// within RenewBefore.
func (m *Manager) needsRenewal() bool {
	if _, err := os.Stat(m.opts.KeyFile); err != nil {
		return true
	}
	leaf, err := readLeaf(m.opts.CertFile)
	if err != nil {
		return true
	}
	return leaf.NotAfter.Sub(m.clock.Now()) < RenewBefore
}

// GetCertificate returns the current certificate for a client connection
func (m *Manager) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cert == nil {
		return nil, errors.New("no certificate available")
	}
	return m.cert, nil
}

// NotAfter returns the expiry of the current certificate.
func (m *Manager) NotAfter() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.leaf == nil {
		return time.Time{}
	}
	return m.leaf.NotAfter
}

// ServerConfig returns a server TLS configuration that always presents the
// current certificate.
func (m *Manager) ServerConfig() *tls.Config {
	return &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: m.GetCertificate,
	}
}

// StartAutoRenew re-runs Ensure every interval until ctx is cancelled, so a
// replaced or renewed pair is picked up without a restart.
func (m *Manager) StartAutoRenew(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.Ensure(); err != nil {
					m.logger.Error("certificate refresh failed", "error", err)
				}
			}
		}
	}()
}

// GenerateSelfSigned writes a new ECDSA certificate and key valid from now
// for validDays. It always covers localhost and the loopback addresses.
func GenerateSelfSigned(certFile, keyFile string, validDays int, hosts []string, now time.Time) error {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate private key: %w", err)
	}

	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{brand.Name},
			CommonName:   brand.Name + " API",
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(time.Duration(validDays) * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		// Self-signed, so clients can trust the certificate file directly
		IsCA:        true,
		DNSNames:    []string{"localhost"},
		IPAddresses: []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}
	for _, h := range hosts {
		if h == "" {
			continue
		}
		if ip := net.ParseIP(h); ip != nil {
			if !ip.IsUnspecified() && !slices.ContainsFunc(template.IPAddresses, ip.Equal) {
				template.IPAddresses = append(template.IPAddresses, ip)
			}
		} else if !slices.Contains(template.DNSNames, h) {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return fmt.Errorf("failed to create certificate: %w", err)
	}
	privBytes, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(certFile), 0o700); err != nil {
		return fmt.Errorf("failed to create certificate directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(keyFile), 0o700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}

	// Key first, so a reader never pairs a new certificate with an old key
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privBytes})
	if err := writeAtomic(keyFile, keyPEM, 0o600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	if err := writeAtomic(certFile, certPEM, 0o644); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}
	return nil
}

// LoadCertificate loads a certificate pair and parses its leaf.
func LoadCertificate(certFile, keyFile string) (*tls.Certificate, *x509.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	cert.Leaf = leaf
	return &cert, leaf, nil
}

// CertPool returns a pool trusting the PEM certificates in file.
func CertPool(file string) (*x509.CertPool, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates in %s", file)
	}
	return pool, nil
}

func readLeaf(certFile string) (*x509.Certificate, error) {
	data, err := os.ReadFile(certFile)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("failed to decode PEM")
	}
	return x509.ParseCertificate(block.Bytes)
}

func writeAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
