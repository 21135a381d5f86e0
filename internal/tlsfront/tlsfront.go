// Package tlsfront provides the crypto/tls GetCertificate callback
// used by both the central proxy's TLS listener and an agent's
// edge-proxy listener: a dynamically updatable SNI-keyed certificate
// store backed by internal/ca-issued leaves, with ALPN pinned to
// HTTP/1.1 (no h2 on the backend hop; no HTTP/3 either: internal/proxy
// sends "Alt-Svc: clear" on every response).
package tlsfront

import (
	"crypto/tls"
	"fmt"
	"strings"
	"sync"
)

// Store holds the current set of serving certificates, keyed by exact
// SNI name and by a parent wildcard suffix (e.g. "*.home.example.com"
// stored under key "home.example.com" for two-tier lookups on an
// agent's edge proxy, where a single wildcard leaf covers every
// application on that host).
type Store struct {
	mu       sync.RWMutex
	exact    map[string]*tls.Certificate
	wildcard map[string]*tls.Certificate
}

func NewStore() *Store {
	return &Store{exact: map[string]*tls.Certificate{}, wildcard: map[string]*tls.Certificate{}}
}

// Put registers cert under the literal SNI name.
func (s *Store) Put(name string, cert *tls.Certificate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exact[strings.ToLower(name)] = cert
}

// PutWildcard registers cert as the wildcard certificate for parent
// domain (e.g. parent "home.example.com" matches "anything.home.example.com").
func (s *Store) PutWildcard(parent string, cert *tls.Certificate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wildcard[strings.ToLower(parent)] = cert
}

// Remove drops the exact-match entry for name, if any.
func (s *Store) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.exact, strings.ToLower(name))
}

// GetCertificate implements tls.Config.GetCertificate: an exact SNI
// match wins, then the longest matching wildcard parent, in that order
// (this is the "two-tier" resolution spec.md's agent edge proxy uses:
// a per-application leaf if one was issued, else the host's wildcard).
func (s *Store) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	name := strings.ToLower(hello.ServerName)
	if name == "" {
		return nil, fmt.Errorf("tlsfront: client sent no SNI server name")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if cert, ok := s.exact[name]; ok {
		return cert, nil
	}
	var best *tls.Certificate
	bestLen := -1
	for parent, cert := range s.wildcard {
		if (name == parent || strings.HasSuffix(name, "."+parent)) && len(parent) > bestLen {
			best, bestLen = cert, len(parent)
		}
	}
	if best != nil {
		return best, nil
	}
	return nil, fmt.Errorf("tlsfront: no certificate for SNI name %q", name)
}

// Config builds a *tls.Config pinned to HTTP/1.1 (NextProtos excludes
// "h2") with GetCertificate backed by s.
func (s *Store) Config() *tls.Config {
	return &tls.Config{
		GetCertificate: s.GetCertificate,
		MinVersion:     tls.VersionTLS12,
		NextProtos:     []string{"http/1.1"},
	}
}

// LoadKeyPair parses a PEM certificate+key pair for use with Put/PutWildcard.
func LoadKeyPair(certPEM, keyPEM []byte) (*tls.Certificate, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("tlsfront: parse keypair: %w", err)
	}
	return &cert, nil
}
