// Package ca implements HomeRoute's private certificate authority: a
// root key/cert persisted once, and leaf certificates issued for
// application and static-route domains. NeedingRenewal reports leaves
// within 30 days of expiry and Renew replaces one; nothing in this
// package renews them on its own schedule.
//
// It generates an RSA key and a self-signed root x509.Certificate,
// PEM-encoding both to disk, then issues leaf certificates signed by
// that root rather than handing out more self-signed certs, using the
// same crypto/x509 + crypto/rsa + encoding/pem toolchain and the same
// "only regenerate if files are missing" idempotency check.
package ca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/homeroute/homeroute/internal/model"
)

const (
	rootCertFile = "root.crt"
	rootKeyFile  = "root.key"
	leafValidity = 397 * 24 * time.Hour // just under the CA/Browser Forum's 398-day cap
	rootValidity = 10 * 365 * 24 * time.Hour
)

// CA issues and tracks leaf certificates signed by a single root key
// persisted under dir.
type CA struct {
	dir string

	mu       sync.Mutex
	rootCert *x509.Certificate
	rootKey  *rsa.PrivateKey
	leaves   map[string]*model.Certificate // by Certificate.ID
}

// Open loads (or creates, on first run) the root CA under dir.
func Open(dir string) (*CA, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("ca: mkdir %s: %w", dir, err)
	}
	c := &CA{dir: dir, leaves: map[string]*model.Certificate{}}
	if err := c.ensureRoot(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *CA) rootCertPath() string { return filepath.Join(c.dir, rootCertFile) }
func (c *CA) rootKeyPath() string  { return filepath.Join(c.dir, rootKeyFile) }

func (c *CA) ensureRoot() error {
	certPath, keyPath := c.rootCertPath(), c.rootKeyPath()
	if certBytes, err := os.ReadFile(certPath); err == nil {
		if keyBytes, err2 := os.ReadFile(keyPath); err2 == nil {
			cert, key, err3 := decodeCertAndKey(certBytes, keyBytes)
			if err3 == nil {
				c.rootCert, c.rootKey = cert, key
				return nil
			}
		}
	}

	priv, err := rsa.GenerateKey(rand.Reader, 4096)
	if err != nil {
		return fmt.Errorf("ca: generate root key: %w", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: "HomeRoute Root CA", Organization: []string{"HomeRoute"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(rootValidity),
		KeyUsage:     x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		IsCA:         true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return fmt.Errorf("ca: create root certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("ca: parse generated root: %w", err)
	}
	if err := writePEM(certPath, "CERTIFICATE", der, 0o644); err != nil {
		return err
	}
	if err := writePEM(keyPath, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(priv), 0o600); err != nil {
		return err
	}
	c.rootCert, c.rootKey = cert, priv
	return nil
}

// RootCertPEM returns the root certificate, PEM-encoded, so it can be
// distributed to clients that need to trust HomeRoute's private CA.
func (c *CA) RootCertPEM() ([]byte, error) {
	return os.ReadFile(c.rootCertPath())
}

// Issue signs a new leaf certificate for the given SANs (DNS names and
// optionally IP literals) and persists the key/cert pair under dir.
func (c *CA) Issue(sans []string) (*model.Certificate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := uuid.NewString()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("ca: generate leaf key: %w", err)
	}

	var dnsNames []string
	var ips []net.IP
	for _, s := range sans {
		if ip := net.ParseIP(s); ip != nil {
			ips = append(ips, ip)
		} else {
			dnsNames = append(dnsNames, s)
		}
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(now.UnixNano()),
		Subject:               pkix.Name{CommonName: firstOr(dnsNames, "homeroute-leaf")},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(leafValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              dnsNames,
		IPAddresses:           ips,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, c.rootCert, &priv.PublicKey, c.rootKey)
	if err != nil {
		return nil, fmt.Errorf("ca: sign leaf: %w", err)
	}

	certPath := filepath.Join(c.dir, "leaves", id+".crt")
	keyPath := filepath.Join(c.dir, "leaves", id+".key")
	if err := os.MkdirAll(filepath.Dir(certPath), 0o700); err != nil {
		return nil, fmt.Errorf("ca: mkdir leaves: %w", err)
	}
	if err := writePEM(certPath, "CERTIFICATE", der, 0o644); err != nil {
		return nil, err
	}
	if err := writePEM(keyPath, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(priv), 0o600); err != nil {
		return nil, err
	}

	leaf := &model.Certificate{
		ID:        id,
		SANs:      sans,
		CertPath:  certPath,
		KeyPath:   keyPath,
		IssuedAt:  tmpl.NotBefore,
		ExpiresAt: tmpl.NotAfter,
	}
	c.leaves[id] = leaf
	return leaf, nil
}

// Renew issues a replacement leaf for the same SANs and discards the
// old key/cert files.
func (c *CA) Renew(old *model.Certificate) (*model.Certificate, error) {
	fresh, err := c.Issue(old.SANs)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	delete(c.leaves, old.ID)
	c.mu.Unlock()
	_ = os.Remove(old.CertPath)
	_ = os.Remove(old.KeyPath)
	return fresh, nil
}

// List returns every leaf this CA has issued since the process started.
func (c *CA) List() []*model.Certificate {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*model.Certificate, 0, len(c.leaves))
	for _, l := range c.leaves {
		out = append(out, l)
	}
	return out
}

// NeedingRenewal returns leaves within 30 days of expiry.
func (c *CA) NeedingRenewal(now time.Time) []*model.Certificate {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*model.Certificate
	for _, l := range c.leaves {
		if l.NeedsRenewal(now) {
			out = append(out, l)
		}
	}
	return out
}

func firstOr(xs []string, def string) string {
	if len(xs) > 0 {
		return xs[0]
	}
	return def
}

func writePEM(path, blockType string, der []byte, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("ca: create %s: %w", path, err)
	}
	defer f.Close()
	return pem.Encode(f, &pem.Block{Type: blockType, Bytes: der})
}

func decodeCertAndKey(certPEM, keyPEM []byte) (*x509.Certificate, *rsa.PrivateKey, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, nil, fmt.Errorf("ca: no PEM block in certificate file")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("ca: parse certificate: %w", err)
	}
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, nil, fmt.Errorf("ca: no PEM block in key file")
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("ca: parse key: %w", err)
	}
	return cert, key, nil
}
