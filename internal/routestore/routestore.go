// Package routestore persists spec.md §4.4's statically configured
// central-proxy routes (routes.json) and implements internal/proxy's
// Resolver against them — the fallback step 4 lookup used whenever no
// agent-published AppRoute matches the request's Host header.
package routestore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/homeroute/homeroute/internal/model"
	"github.com/homeroute/homeroute/internal/persist"
	"github.com/homeroute/homeroute/internal/proxy"
)

const routesFile = "routes.json"

// Store owns the statically configured Route table.
type Store struct {
	mu      sync.RWMutex
	dataDir string
	routes  map[string]model.Route // by domain
}

func Open(dataDir string) (*Store, error) {
	s := &Store{dataDir: dataDir, routes: map[string]model.Route{}}
	var saved []model.Route
	if err := persist.ReadJSON(s.path(), &saved); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("routestore: load: %w", err)
		}
	}
	for _, rt := range saved {
		s.routes[strings.ToLower(rt.Domain)] = rt
	}
	return s, nil
}

func (s *Store) path() string { return filepath.Join(s.dataDir, routesFile) }

// Put adds or replaces a static route.
func (s *Store) Put(rt model.Route) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[strings.ToLower(rt.Domain)] = rt
	return s.persistLocked()
}

// Remove deletes a static route by domain.
func (s *Store) Remove(domain string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.routes, strings.ToLower(domain))
	return s.persistLocked()
}

// List returns every configured static route.
func (s *Store) List() []model.Route {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Route, 0, len(s.routes))
	for _, rt := range s.routes {
		out = append(out, rt)
	}
	return out
}

// Resolve implements proxy.Resolver: the first enabled static route
// whose domain equals Host (spec.md §4.4 step 4). A disabled route is
// never selected, matching Testable Property 5.
func (s *Store) Resolve(domain string) (proxy.Target, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rt, ok := s.routes[strings.ToLower(domain)]
	if !ok || !rt.Enabled {
		return proxy.Target{}, false
	}
	return proxy.Target{
		Domain:        rt.Domain,
		Scheme:        "http",
		HostPort:      fmt.Sprintf("%s:%d", rt.BackendHost, rt.BackendPort),
		AuthRequired:  rt.AuthRequired,
		AllowedGroups: rt.AllowedGroups,
		LocalOnly:     rt.LocalOnly,
	}, true
}

func (s *Store) persistLocked() error {
	list := make([]model.Route, 0, len(s.routes))
	for _, rt := range s.routes {
		list = append(list, rt)
	}
	return persist.WriteJSON(s.path(), list)
}
