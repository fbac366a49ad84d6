package trapgate

import "testing"

func TestHistoryEntryBound(t *testing.T) {
	store := NewHistoryStore(200, 3600)
	fp := Fingerprint{1}
	for i := 0; i < 300; i++ {
		store.Append(fp, HistoryEntry{Timestamp: float64(i)})
	}
	if n := store.Len(fp); n != 200 {
		t.Fatalf("expected 200 entries after 300 appends, got %d", n)
	}
	snap := store.Snapshot(fp, 299)
	if snap[0].Timestamp != 100 {
		t.Fatalf("expected oldest surviving entry at t=100, got %v", snap[0].Timestamp)
	}
}

func TestHistoryRetentionBound(t *testing.T) {
	store := NewHistoryStore(200, 60)
	fp := Fingerprint{2}
	for i := 0; i < 100; i++ {
		store.Append(fp, HistoryEntry{Timestamp: float64(i)})
	}
	snap := store.Snapshot(fp, 99)
	for _, e := range snap {
		if 99-e.Timestamp > 60 {
			t.Fatalf("entry at t=%v exceeds the retention window", e.Timestamp)
		}
	}
	if len(snap) == 0 {
		t.Fatal("expected entries inside the window")
	}
}

func TestHistorySnapshotOrder(t *testing.T) {
	store := NewHistoryStore(10, 3600)
	fp := Fingerprint{3}
	for i := 0; i < 25; i++ {
		store.Append(fp, HistoryEntry{Timestamp: float64(i)})
	}
	snap := store.Snapshot(fp, 25)
	for i := 1; i < len(snap); i++ {
		if snap[i].Timestamp <= snap[i-1].Timestamp {
			t.Fatalf("snapshot out of insertion order at %d", i)
		}
	}
}

func TestHistoryEmptyWindowCollected(t *testing.T) {
	store := NewHistoryStore(10, 60)
	fp := Fingerprint{4}
	store.Append(fp, HistoryEntry{Timestamp: 0})
	if snap := store.Snapshot(fp, 1000); snap != nil {
		t.Fatalf("expected nil snapshot after retention, got %d entries", len(snap))
	}
	if n := store.Len(fp); n != 0 {
		t.Fatalf("expected collected window, got %d entries", n)
	}
}

func TestHistorySnapshotIsCopy(t *testing.T) {
	store := NewHistoryStore(10, 3600)
	fp := Fingerprint{5}
	store.Append(fp, HistoryEntry{Timestamp: 1, Endpoint: "/a"})
	snap := store.Snapshot(fp, 1)
	store.Append(fp, HistoryEntry{Timestamp: 2, Endpoint: "/b"})
	if len(snap) != 1 || snap[0].Endpoint != "/a" {
		t.Fatalf("snapshot observed a later append: %+v", snap)
	}
}
