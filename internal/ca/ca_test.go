package ca

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"testing"
	"time"
)

func TestOpenCreatesRoot(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if c.rootCert == nil || c.rootKey == nil {
		t.Fatalf("expected root cert/key to be populated")
	}
	if !c.rootCert.IsCA {
		t.Fatalf("root certificate must be a CA")
	}
}

func TestOpenReloadsExistingRoot(t *testing.T) {
	dir := t.TempDir()
	first, err := Open(dir)
	if err != nil {
		t.Fatalf("open 1: %v", err)
	}
	second, err := Open(dir)
	if err != nil {
		t.Fatalf("open 2: %v", err)
	}
	if first.rootCert.SerialNumber.Cmp(second.rootCert.SerialNumber) != 0 {
		t.Fatalf("expected the same root to be reloaded, got different serials")
	}
}

func TestIssueLeafVerifiesAgainstRoot(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	leaf, err := c.Issue([]string{"plex.home.example.com"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if leaf.ID == "" {
		t.Fatalf("expected a non-empty leaf id")
	}

	rootPool := x509.NewCertPool()
	rootPEM, err := c.RootCertPEM()
	if err != nil {
		t.Fatalf("root pem: %v", err)
	}
	if !rootPool.AppendCertsFromPEM(rootPEM) {
		t.Fatalf("failed to add root to pool")
	}

	leafPEM, err := os.ReadFile(leaf.CertPath)
	if err != nil {
		t.Fatalf("read leaf cert: %v", err)
	}
	block, _ := pem.Decode(leafPEM)
	leafCert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parse leaf cert: %v", err)
	}
	if _, err := leafCert.Verify(x509.VerifyOptions{DNSName: "plex.home.example.com", Roots: rootPool}); err != nil {
		t.Fatalf("leaf did not verify against issued root: %v", err)
	}
}

func TestRenewIssuesReplacementAndRemovesOldFiles(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	leaf, err := c.Issue([]string{"old.home.example.com"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	renewed, err := c.Renew(leaf)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if renewed.ID == leaf.ID {
		t.Fatalf("expected a new leaf id after renewal")
	}
	if _, err := os.Stat(leaf.CertPath); !os.IsNotExist(err) {
		t.Fatalf("expected old cert file to be removed")
	}
}

func TestNeedingRenewal(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	leaf, err := c.Issue([]string{"fresh.home.example.com"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if got := c.NeedingRenewal(time.Now()); len(got) != 0 {
		t.Fatalf("fresh leaf should not need renewal, got %d", len(got))
	}
	if got := c.NeedingRenewal(leaf.ExpiresAt.AddDate(0, 0, -10)); len(got) != 1 {
		t.Fatalf("expected the leaf to need renewal close to expiry, got %d", len(got))
	}
}
