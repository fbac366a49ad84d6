package trapgate

import (
	"container/list"
	"sync"
)

const (
	// DefaultMaxReputations caps the table size; least recently touched
	// fingerprints are evicted beyond it.
	DefaultMaxReputations = 100000

	reputationFloor = -100
	reputationCeil  = 100

	// Idle reputation drifts toward zero by one point per full decay
	// interval. Step function, applied lazily on access.
	reputationDecaySeconds = 600.0

	reputationShards = 32
)

// ReputationTable tracks a per-fingerprint score in [-100, +100]. Positive
// scores earn the stage-1 fast path; negative scores are earned by confirmed
// hostile verdicts.
type ReputationTable struct {
	perShardCap int
	shards      [reputationShards]reputationShard
}

type reputationShard struct {
	mu      sync.Mutex
	entries map[Fingerprint]*list.Element
	order   *list.List // front = most recently touched
}

type reputationEntry struct {
	fp         Fingerprint
	score      int
	lastUpdate float64
}

func NewReputationTable(maxEntries int) *ReputationTable {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxReputations
	}
	t := &ReputationTable{perShardCap: (maxEntries + reputationShards - 1) / reputationShards}
	for i := range t.shards {
		t.shards[i].entries = make(map[Fingerprint]*list.Element)
		t.shards[i].order = list.New()
	}
	return t
}

func (t *ReputationTable) shard(fp Fingerprint) *reputationShard {
	return &t.shards[int(fp[1])%reputationShards]
}

// Score returns the decayed score for a fingerprint; unknown fingerprints
// score zero.
func (t *ReputationTable) Score(fp Fingerprint, now float64) int {
	sh := t.shard(fp)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	el, ok := sh.entries[fp]
	if !ok {
		return 0
	}
	e := el.Value.(*reputationEntry)
	sh.decay(e, now)
	sh.order.MoveToFront(el)
	return e.score
}

// Adjust applies a delta (clamped to the table bounds) and refreshes the
// entry's LRU position, evicting the coldest entry if the shard is full.
func (t *ReputationTable) Adjust(fp Fingerprint, delta int, now float64) int {
	sh := t.shard(fp)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	el, ok := sh.entries[fp]
	if !ok {
		if sh.order.Len() >= t.perShardCap {
			oldest := sh.order.Back()
			if oldest != nil {
				delete(sh.entries, oldest.Value.(*reputationEntry).fp)
				sh.order.Remove(oldest)
			}
		}
		el = sh.order.PushFront(&reputationEntry{fp: fp, lastUpdate: now})
		sh.entries[fp] = el
	}
	e := el.Value.(*reputationEntry)
	sh.decay(e, now)
	e.score = clampInt(e.score+delta, reputationFloor, reputationCeil)
	e.lastUpdate = now
	sh.order.MoveToFront(el)
	return e.score
}

// Len reports the number of tracked fingerprints.
func (t *ReputationTable) Len() int {
	n := 0
	for i := range t.shards {
		t.shards[i].mu.Lock()
		n += t.shards[i].order.Len()
		t.shards[i].mu.Unlock()
	}
	return n
}

// decay steps the score toward zero, one point per full idle interval.
func (sh *reputationShard) decay(e *reputationEntry, now float64) {
	if e.score == 0 || now <= e.lastUpdate {
		return
	}
	steps := int((now - e.lastUpdate) / reputationDecaySeconds)
	if steps == 0 {
		return
	}
	if e.score > 0 {
		e.score = maxInt(0, e.score-steps)
	} else {
		e.score = minInt(0, e.score+steps)
	}
	e.lastUpdate += float64(steps) * reputationDecaySeconds
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
