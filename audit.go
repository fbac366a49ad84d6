package trapgate

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// AuditRecord is the single append emitted per verdict. Records are totally
// ordered by AuditID within one orchestrator instance.
type AuditRecord struct {
	AuditID        uint64  `json:"audit_id" db:"audit_id"`
	Timestamp      float64 `json:"timestamp" db:"timestamp"`
	Fingerprint    string  `json:"fingerprint" db:"fingerprint"`
	Action         string  `json:"action" db:"action"`
	Level          string  `json:"level" db:"level"`
	ThreatCategory string  `json:"threat_category,omitempty" db:"threat_category"`
	RiskScore      float64 `json:"risk_score" db:"risk_score"`
	Scenario       string  `json:"scenario,omitempty" db:"scenario"`
	Token          string  `json:"token,omitempty" db:"token"`
	FailClosed     bool    `json:"fail_closed,omitempty" db:"fail_closed"`
}

// AuditAppendError marks a failed append; the orchestrator fails the
// request closed when it sees one.
type AuditAppendError struct {
	Reason string
}

func (e *AuditAppendError) Error() string {
	return "audit append: " + e.Reason
}

// AuditSink receives records in AuditID order, at least once.
type AuditSink interface {
	Write(rec AuditRecord) error
	Close() error
}

// AuditLog owns the sequence counter and serializes appends, so sink
// writes arrive strictly ordered.
type AuditLog struct {
	mu   sync.Mutex
	seq  uint64
	sink AuditSink
}

func NewAuditLog(sink AuditSink) *AuditLog {
	return &AuditLog{sink: sink}
}

// Append assigns the next audit ID and writes the record. The ID is
// consumed even on failure; IDs stay strictly increasing either way.
func (l *AuditLog) Append(rec AuditRecord) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	rec.AuditID = l.seq
	if err := l.sink.Write(rec); err != nil {
		return rec.AuditID, &AuditAppendError{Reason: err.Error()}
	}
	return rec.AuditID, nil
}

// Close flushes the underlying sink.
func (l *AuditLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sink.Close()
}

// RingAuditSink keeps the last N records in memory for the status surface.
type RingAuditSink struct {
	mu      sync.Mutex
	records []AuditRecord
	head    int
	count   int

	byAction map[string]uint64
	byLevel  map[string]uint64
}

func NewRingAuditSink(capacity int) *RingAuditSink {
	if capacity <= 0 {
		capacity = 1024
	}
	return &RingAuditSink{
		records:  make([]AuditRecord, capacity),
		byAction: make(map[string]uint64),
		byLevel:  make(map[string]uint64),
	}
}

func (s *RingAuditSink) Write(rec AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count == len(s.records) {
		s.head = (s.head + 1) % len(s.records)
		s.count--
	}
	s.records[(s.head+s.count)%len(s.records)] = rec
	s.count++
	s.byAction[rec.Action]++
	s.byLevel[rec.Level]++
	return nil
}

func (s *RingAuditSink) Close() error { return nil }

// Recent returns up to n of the newest records, oldest first.
func (s *RingAuditSink) Recent(n int) []AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > s.count {
		n = s.count
	}
	out := make([]AuditRecord, n)
	for i := 0; i < n; i++ {
		out[i] = s.records[(s.head+s.count-n+i)%len(s.records)]
	}
	return out
}

// Summary reports cumulative verdict counts by action and level.
func (s *RingAuditSink) Summary() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	actions := make(map[string]uint64, len(s.byAction))
	for k, v := range s.byAction {
		actions[k] = v
	}
	levels := make(map[string]uint64, len(s.byLevel))
	for k, v := range s.byLevel {
		levels[k] = v
	}
	return map[string]any{
		"buffered": s.count,
		"actions":  actions,
		"levels":   levels,
	}
}

// FileAuditSink appends JSON lines to a log file.
type FileAuditSink struct {
	f   *os.File
	enc *json.Encoder
}

func NewFileAuditSink(path string) (*FileAuditSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit file: %w", err)
	}
	return &FileAuditSink{f: f, enc: json.NewEncoder(f)}, nil
}

func (s *FileAuditSink) Write(rec AuditRecord) error { return s.enc.Encode(rec) }
func (s *FileAuditSink) Close() error                { return s.f.Close() }

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_records (
	audit_id        INTEGER PRIMARY KEY,
	timestamp       REAL NOT NULL,
	fingerprint     TEXT NOT NULL,
	action          TEXT NOT NULL,
	level           TEXT NOT NULL,
	threat_category TEXT NOT NULL DEFAULT '',
	risk_score      REAL NOT NULL,
	scenario        TEXT NOT NULL DEFAULT '',
	token           TEXT NOT NULL DEFAULT '',
	fail_closed     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_audit_fingerprint ON audit_records(fingerprint);
CREATE INDEX IF NOT EXISTS idx_audit_token ON audit_records(token);
`

// SQLiteAuditSink persists records for after-the-fact token correlation.
type SQLiteAuditSink struct {
	db *sqlx.DB
}

func NewSQLiteAuditSink(path string) (*SQLiteAuditSink, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("audit db: %w", err)
	}
	if _, err := db.Exec(auditSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit schema: %w", err)
	}
	return &SQLiteAuditSink{db: db}, nil
}

func (s *SQLiteAuditSink) Write(rec AuditRecord) error {
	_, err := s.db.NamedExec(`INSERT INTO audit_records
		(audit_id, timestamp, fingerprint, action, level, threat_category, risk_score, scenario, token, fail_closed)
		VALUES (:audit_id, :timestamp, :fingerprint, :action, :level, :threat_category, :risk_score, :scenario, :token, :fail_closed)`, rec)
	return err
}

func (s *SQLiteAuditSink) Close() error { return s.db.Close() }

// ByToken looks up the records that served a given tracking token.
func (s *SQLiteAuditSink) ByToken(token string) ([]AuditRecord, error) {
	var recs []AuditRecord
	err := s.db.Select(&recs, `SELECT * FROM audit_records WHERE token = ? ORDER BY audit_id`, token)
	return recs, err
}

// MultiSink fans one record out to several sinks. The first error wins; the
// remaining sinks still receive the record.
type MultiSink struct {
	sinks []AuditSink
}

func NewMultiSink(sinks ...AuditSink) *MultiSink { return &MultiSink{sinks: sinks} }

func (m *MultiSink) Write(rec AuditRecord) error {
	var first error
	for _, s := range m.sinks {
		if err := s.Write(rec); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m *MultiSink) Close() error {
	var first error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
