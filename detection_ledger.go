package trapgate

import "sync"

// ThreatLedger keeps the most recent hostile verdict per source address for
// a bounded window. It backs the live status endpoint; the audit log stays
// the durable record.
type ThreatLedger struct {
	mu      sync.RWMutex
	ttl     float64
	entries map[string]*ThreatEvent
}

type ThreatEvent struct {
	SourceAddress  string  `json:"sourceAddress"`
	Endpoint       string  `json:"endpoint"`
	Action         string  `json:"action"`
	Level          string  `json:"level"`
	ThreatCategory string  `json:"threatCategory"`
	Scenario       string  `json:"scenario"`
	RiskScore      float64 `json:"riskScore"`
	Recorded       float64 `json:"recorded"`
}

type ThreatSummary struct {
	ActiveCategories map[string]int `json:"activeCategories"`
	ActiveSources    int            `json:"activeSources"`
	TotalEvents      int            `json:"totalEvents"`
	LastRecorded     float64        `json:"lastRecorded"`
}

// NewThreatLedger creates a ledger whose entries expire ttlSeconds after
// they were recorded. Zero or negative means five minutes.
func NewThreatLedger(ttlSeconds float64) *ThreatLedger {
	if ttlSeconds <= 0 {
		ttlSeconds = 300
	}
	return &ThreatLedger{
		ttl:     ttlSeconds,
		entries: make(map[string]*ThreatEvent),
	}
}

func (l *ThreatLedger) Record(event ThreatEvent) {
	if event.SourceAddress == "" {
		return
	}
	l.mu.Lock()
	l.entries[event.SourceAddress] = &event
	l.mu.Unlock()
}

// Snapshot returns the unexpired events as of now.
func (l *ThreatLedger) Snapshot(now float64) []ThreatEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var events []ThreatEvent
	for _, entry := range l.entries {
		if now-entry.Recorded > l.ttl {
			continue
		}
		events = append(events, *entry)
	}
	return events
}

// Cleanup drops expired entries. Snapshot filters regardless, so skipping
// it only costs memory.
func (l *ThreatLedger) Cleanup(now float64) {
	l.mu.Lock()
	for addr, entry := range l.entries {
		if now-entry.Recorded > l.ttl {
			delete(l.entries, addr)
		}
	}
	l.mu.Unlock()
}

func (l *ThreatLedger) Summary(now float64) ThreatSummary {
	summary := ThreatSummary{
		ActiveCategories: make(map[string]int),
	}
	events := l.Snapshot(now)
	summary.ActiveSources = len(events)
	for _, ev := range events {
		summary.ActiveCategories[ev.ThreatCategory]++
		summary.TotalEvents++
		if ev.Recorded > summary.LastRecorded {
			summary.LastRecorded = ev.Recorded
		}
	}
	return summary
}
