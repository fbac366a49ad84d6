package trapgate

import (
	"sync"
)

const (
	// DefaultMaxHistory bounds the number of entries kept per fingerprint.
	DefaultMaxHistory = 200
	// DefaultRetentionSeconds bounds the age of the oldest kept entry.
	DefaultRetentionSeconds = 3600.0

	historyShards = 64
)

// HistoryEntry is one observed request, reduced to what the detectors need.
// Bodies are never stored; ContentHash stands in for them.
type HistoryEntry struct {
	Timestamp   float64
	Endpoint    string
	ContentHash [32]byte
	Size        int
	ParamSig    string
	ParamCount  int
	UserAgent   string
	Params      []QueryParam
}

// HistoryStore keeps a bounded sliding window of entries per fingerprint.
// Writes and snapshot reads for a fingerprint serialize on its shard mutex;
// snapshots are copies, so detectors never observe concurrent appends.
type HistoryStore struct {
	maxEntries int
	retention  float64
	shards     [historyShards]historyShard
}

type historyShard struct {
	mu      sync.Mutex
	windows map[Fingerprint]*historyWindow
}

// historyWindow is a ring buffer; head points at the oldest entry.
type historyWindow struct {
	entries []HistoryEntry
	head    int
	count   int
}

func NewHistoryStore(maxEntries int, retentionSeconds float64) *HistoryStore {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxHistory
	}
	if retentionSeconds <= 0 {
		retentionSeconds = DefaultRetentionSeconds
	}
	s := &HistoryStore{maxEntries: maxEntries, retention: retentionSeconds}
	for i := range s.shards {
		s.shards[i].windows = make(map[Fingerprint]*historyWindow)
	}
	return s
}

func (s *HistoryStore) shard(fp Fingerprint) *historyShard {
	return &s.shards[int(fp[0])%historyShards]
}

// Append records an entry and trims the window to both bounds before
// returning. Amortized constant time.
func (s *HistoryStore) Append(fp Fingerprint, entry HistoryEntry) {
	sh := s.shard(fp)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	w, ok := sh.windows[fp]
	if !ok {
		w = &historyWindow{entries: make([]HistoryEntry, s.maxEntries)}
		sh.windows[fp] = w
	}
	w.trim(entry.Timestamp - s.retention)
	if w.count == len(w.entries) {
		// Full ring: overwrite the oldest slot.
		w.head = (w.head + 1) % len(w.entries)
		w.count--
	}
	w.entries[(w.head+w.count)%len(w.entries)] = entry
	w.count++
}

// Snapshot returns a copy of the current window in insertion order, trimmed
// to the retention cutoff relative to the supplied time. The copy is the
// only thing handed to detectors.
func (s *HistoryStore) Snapshot(fp Fingerprint, now float64) []HistoryEntry {
	sh := s.shard(fp)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	w, ok := sh.windows[fp]
	if !ok {
		return nil
	}
	w.trim(now - s.retention)
	if w.count == 0 {
		// Lazy GC: a window empty after full retention is dropped.
		delete(sh.windows, fp)
		return nil
	}
	out := make([]HistoryEntry, w.count)
	for i := 0; i < w.count; i++ {
		out[i] = w.entries[(w.head+i)%len(w.entries)]
	}
	return out
}

// Len reports the current entry count for a fingerprint.
func (s *HistoryStore) Len(fp Fingerprint) int {
	sh := s.shard(fp)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if w, ok := sh.windows[fp]; ok {
		return w.count
	}
	return 0
}

func (w *historyWindow) trim(cutoff float64) {
	for w.count > 0 && w.entries[w.head].Timestamp < cutoff {
		w.entries[w.head] = HistoryEntry{}
		w.head = (w.head + 1) % len(w.entries)
		w.count--
	}
}
