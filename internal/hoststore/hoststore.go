// Package hoststore persists spec.md §6's hosts.json — the SSH/MAC/
// group inventory of every physical or virtual machine that may run
// application containers — and implements internal/power.Prober over
// a plain TCP dial, the way internal/registry persists applications.json
// with the same atomic-write pattern (internal/persist).
package hoststore

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/homeroute/homeroute/internal/model"
	"github.com/homeroute/homeroute/internal/persist"
	"github.com/homeroute/homeroute/internal/secrets"
)

const hostsFile = "hosts.json"

// Store owns the persisted Host inventory, keyed by host ID. It caches
// each host's MAC address in memory so Wake-on-LAN callers don't pay a
// disk read per request; UpdateMAC invalidates and re-persists it.
type Store struct {
	mu      sync.RWMutex
	dataDir string
	hosts   map[string]*model.Host
	secrets *secrets.Manager
}

// SetSecretsManager attaches the envelope-encryption manager used to
// seal/open SSH credentials at rest (cmd/homerouted builds it from
// config.MasterKey). A nil manager leaves SetSSHCredential/
// SSHCredential storing/returning cleartext, matching secrets.New's
// own no-op-cipher behavior for an empty master key.
func (s *Store) SetSecretsManager(m *secrets.Manager) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets = m
}

func Open(dataDir string) (*Store, error) {
	s := &Store{dataDir: dataDir, hosts: map[string]*model.Host{}}
	var saved []model.Host
	if err := persist.ReadJSON(s.path(), &saved); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("hoststore: load: %w", err)
		}
	}
	for i := range saved {
		h := saved[i]
		s.hosts[h.ID] = &h
	}
	if _, ok := s.hosts[model.LocalHostID]; !ok {
		s.hosts[model.LocalHostID] = &model.Host{ID: model.LocalHostID, Name: "local"}
	}
	return s, nil
}

func (s *Store) path() string { return filepath.Join(s.dataDir, hostsFile) }

// Upsert adds or replaces a host record.
func (s *Store) Upsert(h model.Host) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hosts[h.ID] = &h
	return s.persistLocked()
}

// Get returns a copy of the host record, if present.
func (s *Store) Get(id string) (model.Host, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.hosts[id]
	if !ok {
		return model.Host{}, false
	}
	return *h, true
}

// List returns a snapshot of every host.
func (s *Store) List() []model.Host {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Host, 0, len(s.hosts))
	for _, h := range s.hosts {
		out = append(out, *h)
	}
	return out
}

// UpdateMAC replaces a host's cached MAC address (spec.md §4.5: "A
// host's MAC is cached; invalidated when updated via API").
func (s *Store) UpdateMAC(id, mac string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hosts[id]
	if !ok {
		return fmt.Errorf("hoststore: unknown host %q", id)
	}
	h.MAC = mac
	return s.persistLocked()
}

// ManagementAddr returns the host:port used for WOD liveness probing
// and SSH access (spec.md's SSH host+port), defaulting to port 22.
func (s *Store) ManagementAddr(id string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.hosts[id]
	if !ok || h.SSHHost == "" {
		return "", false
	}
	port := h.SSHPort
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s:%d", h.SSHHost, port), true
}

// SetSSHCredential seals plaintext (an SSH password or key passphrase)
// with the store's secrets manager and persists it on the host record.
// Used by the admin API so an operator can store a remote host's
// credential once instead of passing it on every migration/SSH call.
func (s *Store) SetSSHCredential(id, plaintext string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hosts[id]
	if !ok {
		return fmt.Errorf("hoststore: unknown host %q", id)
	}
	if s.secrets == nil {
		return fmt.Errorf("hoststore: no secrets manager configured")
	}
	enc, err := s.secrets.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("hoststore: seal credential: %w", err)
	}
	h.SSHCredentialEnc = enc
	return s.persistLocked()
}

// SSHCredential opens the sealed SSH credential for id, if any.
func (s *Store) SSHCredential(id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.hosts[id]
	if !ok {
		return "", fmt.Errorf("hoststore: unknown host %q", id)
	}
	if h.SSHCredentialEnc == "" {
		return "", nil
	}
	if s.secrets == nil {
		return "", fmt.Errorf("hoststore: no secrets manager configured")
	}
	return s.secrets.Decrypt(h.SSHCredentialEnc)
}

func (s *Store) persistLocked() error {
	list := make([]model.Host, 0, len(s.hosts))
	for _, h := range s.hosts {
		list = append(list, *h)
	}
	return persist.WriteJSON(s.path(), list)
}

// Probe implements internal/power.Prober with a bounded TCP dial
// against the host's SSH management address. A successful connect
// counts as "online" for spec.md §4.5's heartbeat-or-probe transition
// out of WakingUp.
func (s *Store) Probe(ctx context.Context, hostID string) (bool, time.Duration, error) {
	addr, ok := s.ManagementAddr(hostID)
	if !ok {
		return false, 0, fmt.Errorf("hoststore: host %q has no management address", hostID)
	}
	start := time.Now()
	d := net.Dialer{Timeout: 2 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false, 0, nil
	}
	_ = conn.Close()
	return true, time.Since(start), nil
}
