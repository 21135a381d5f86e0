package tlsfront

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"
)

func selfSigned(t *testing.T, cn string) *tls.Certificate {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{cn},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	cert, err := LoadKeyPair(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("load keypair: %v", err)
	}
	return cert
}

func TestGetCertificateExactMatch(t *testing.T) {
	s := NewStore()
	cert := selfSigned(t, "plex.home.example.com")
	s.Put("plex.home.example.com", cert)

	got, err := s.GetCertificate(&tls.ClientHelloInfo{ServerName: "plex.home.example.com"})
	if err != nil {
		t.Fatalf("get cert: %v", err)
	}
	if got != cert {
		t.Fatalf("expected the exact-match certificate")
	}
}

func TestGetCertificateWildcardFallback(t *testing.T) {
	s := NewStore()
	wc := selfSigned(t, "*.host1.home.example.com")
	s.PutWildcard("host1.home.example.com", wc)

	got, err := s.GetCertificate(&tls.ClientHelloInfo{ServerName: "anything.host1.home.example.com"})
	if err != nil {
		t.Fatalf("get cert: %v", err)
	}
	if got != wc {
		t.Fatalf("expected the wildcard certificate")
	}
}

func TestGetCertificateNoSNI(t *testing.T) {
	s := NewStore()
	if _, err := s.GetCertificate(&tls.ClientHelloInfo{ServerName: ""}); err == nil {
		t.Fatalf("expected an error when no SNI name is presented")
	}
}

func TestGetCertificateUnknownName(t *testing.T) {
	s := NewStore()
	if _, err := s.GetCertificate(&tls.ClientHelloInfo{ServerName: "nowhere.example.com"}); err == nil {
		t.Fatalf("expected an error for an unregistered name")
	}
}

func TestConfigPinsHTTP1(t *testing.T) {
	s := NewStore()
	cfg := s.Config()
	if len(cfg.NextProtos) != 1 || cfg.NextProtos[0] != "http/1.1" {
		t.Fatalf("expected NextProtos to pin http/1.1, got %v", cfg.NextProtos)
	}
}
