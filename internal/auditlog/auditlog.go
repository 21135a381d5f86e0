// Package auditlog persists bounded rings of recent access-log and DNS
// query-log entries so the admin surface can serve them without
// re-parsing text logs. It is grounded in internal/localdb's
// ReadLog/ReplaceLog pair, which stores one byte blob per
// (collection, key); auditlog adds the bounded-ring trim and typed
// JSON-lines encoding on top.
package auditlog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/homeroute/homeroute/internal/localdb"
)

const (
	collectionAccess = "access_log"
	collectionDNS     = "dns_query_log"
	ringKey          = "ring"

	defaultMaxEntries = 2000
)

// AccessEntry is one central-proxy request, recorded after the
// response has been written (spec.md's access-logging requirement).
type AccessEntry struct {
	Time       time.Time `json:"time"`
	Method     string    `json:"method"`
	Host       string    `json:"host"`
	Path       string    `json:"path"`
	Status     int       `json:"status"`
	DurationMS int64     `json:"duration_ms"`
	RemoteAddr string    `json:"remote_addr"`
	AppID      string    `json:"app_id,omitempty"`
	AuthResult string    `json:"auth_result,omitempty"`
}

// DNSEntry is one resolved query, sampled for diagnostics.
type DNSEntry struct {
	Time     time.Time `json:"time"`
	Name     string    `json:"name"`
	QType    string    `json:"qtype"`
	Result   string    `json:"result"`
	CacheHit bool      `json:"cache_hit"`
}

// Log is a bounded, sqlite-persisted ring of log entries. It is safe
// for concurrent use.
type Log struct {
	mu         sync.Mutex
	db         *localdb.DB
	collection string
	max        int
}

func newLog(db *localdb.DB, collection string, max int) *Log {
	if max <= 0 {
		max = defaultMaxEntries
	}
	return &Log{db: db, collection: collection, max: max}
}

// NewAccessLog returns a ring bounded to max entries (0 uses the default).
func NewAccessLog(db *localdb.DB, max int) *Log { return newLog(db, collectionAccess, max) }

// NewDNSLog returns a ring bounded to max entries (0 uses the default).
func NewDNSLog(db *localdb.DB, max int) *Log { return newLog(db, collectionDNS, max) }

// appendLine JSON-encodes v as a single line and trims the ring to l.max
// entries, writing the result back atomically via localdb's ReplaceLog
// (localdb stores the whole blob per key, so
// "trim" means re-writing the retained tail, not a true append).
func (l *Log) appendLine(v any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, err := l.db.ReadLog(l.collection, ringKey)
	if err != nil {
		return err
	}
	lines := splitNonEmpty(cur)

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	lines = append(lines, b)
	if len(lines) > l.max {
		lines = lines[len(lines)-l.max:]
	}

	var buf bytes.Buffer
	for _, line := range lines {
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return l.db.ReplaceLog(l.collection, ringKey, buf.Bytes())
}

// AppendAccess records one access-log entry, trimming the ring if full.
func (l *Log) AppendAccess(e AccessEntry) error { return l.appendLine(e) }

// AppendDNS records one DNS query-log entry, trimming the ring if full.
func (l *Log) AppendDNS(e DNSEntry) error { return l.appendLine(e) }

// RecordAccess implements internal/proxy.AccessRecorder directly on the
// access-log ring, so a central Proxy can be handed a *Log with no
// adapter type in between.
func (l *Log) RecordAccess(domain, method, path, remoteAddr, appID, authResult string, status int, dur time.Duration) {
	_ = l.AppendAccess(AccessEntry{
		Time:       time.Now().UTC(),
		Method:     method,
		Host:       domain,
		Path:       path,
		Status:     status,
		DurationMS: dur.Milliseconds(),
		RemoteAddr: remoteAddr,
		AppID:      appID,
		AuthResult: authResult,
	})
}

// LogQuery implements internal/dnsengine.QueryLogger directly on the
// DNS query-log ring.
func (l *Log) LogQuery(name string, qtype uint16, result string, cacheHit bool) {
	_ = l.AppendDNS(DNSEntry{
		Time:     time.Now().UTC(),
		Name:     name,
		QType:    qtypeString(qtype),
		Result:   result,
		CacheHit: cacheHit,
	})
}

// qtypeString renders the handful of record types spec.md §4.1-4.2
// actually deals with; anything else falls back to its numeric form so
// nothing is silently dropped from the log.
func qtypeString(qtype uint16) string {
	switch qtype {
	case 1:
		return "A"
	case 28:
		return "AAAA"
	case 5:
		return "CNAME"
	case 15:
		return "MX"
	case 16:
		return "TXT"
	case 2:
		return "NS"
	case 6:
		return "SOA"
	case 12:
		return "PTR"
	default:
		return fmt.Sprintf("TYPE%d", qtype)
	}
}

// RecentAccess returns the retained access-log entries, oldest first.
func (l *Log) RecentAccess() ([]AccessEntry, error) {
	raw, err := l.readLines()
	if err != nil {
		return nil, err
	}
	out := make([]AccessEntry, 0, len(raw))
	for _, line := range raw {
		var e AccessEntry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// RecentDNS returns the retained DNS query-log entries, oldest first.
func (l *Log) RecentDNS() ([]DNSEntry, error) {
	raw, err := l.readLines()
	if err != nil {
		return nil, err
	}
	out := make([]DNSEntry, 0, len(raw))
	for _, line := range raw {
		var e DNSEntry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (l *Log) readLines() ([][]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, err := l.db.ReadLog(l.collection, ringKey)
	if err != nil {
		return nil, err
	}
	return splitNonEmpty(cur), nil
}

func splitNonEmpty(b []byte) [][]byte {
	var out [][]byte
	for _, line := range bytes.Split(b, []byte("\n")) {
		if len(line) > 0 {
			out = append(out, append([]byte(nil), line...))
		}
	}
	return out
}
