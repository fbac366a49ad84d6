package trapgate

import (
	"fmt"
	"reflect"
	"testing"
)

func scrapeHistory(n int, interval float64) []HistoryEntry {
	history := make([]HistoryEntry, 0, n)
	for i := 0; i < n; i++ {
		req := scrapeRequest(1000+float64(i)*interval, i+1)
		history = append(history, HistoryEntry{
			Timestamp:   req.Timestamp,
			Endpoint:    req.Endpoint,
			ContentHash: ContentHash(req),
			ParamSig:    paramSignature(req),
			UserAgent:   req.UserAgent,
			Params:      req.QueryParams,
		})
	}
	return history
}

func TestDetectSQLInjection(t *testing.T) {
	rules := testRules(t)
	detector := NewPatternDetector()
	req := &Request{
		Timestamp:     1000,
		SourceAddress: "203.0.113.9",
		UserAgent:     "curl/7.88.0",
		Endpoint:      "/api/users",
		QueryParams:   []QueryParam{{Key: "id", Value: "1' OR '1'='1"}},
		Body:          "SELECT * FROM users WHERE id='1' OR '1'='1'",
	}
	result := detector.Detect(rules, req, nil, 1)
	if !result.IsSuspicious {
		t.Fatalf("expected suspicious, got %+v", result)
	}
	if result.ThreatCategory != "sql_injection" {
		t.Fatalf("expected sql_injection category, got %q", result.ThreatCategory)
	}
	if result.RiskScore < 80 {
		t.Fatalf("expected score >= 80, got %v", result.RiskScore)
	}
	if !result.ContentFired {
		t.Fatal("content family should have fired")
	}
}

func TestDetectPathTraversal(t *testing.T) {
	rules := testRules(t)
	detector := NewPatternDetector()
	req := &Request{
		Timestamp:     1000,
		SourceAddress: "203.0.113.9",
		UserAgent:     "curl/7.88.0",
		Endpoint:      "/api/files/read",
		QueryParams:   []QueryParam{{Key: "path", Value: "../../etc/passwd"}},
	}
	result := detector.Detect(rules, req, nil, 1)
	if result.ThreatCategory != "path_traversal" {
		t.Fatalf("expected path_traversal, got %q", result.ThreatCategory)
	}
	if result.RiskScore < 60 {
		t.Fatalf("expected at least high-band score, got %v", result.RiskScore)
	}
}

func TestDetectTimingAndBehavior(t *testing.T) {
	rules := testRules(t)
	detector := NewPatternDetector()
	history := scrapeHistory(30, 0.05)
	req := scrapeRequest(1000+30*0.05, 31)
	result := detector.Detect(rules, req, history, 1)

	want := map[string]bool{"consistent_timing": true, "burst_activity": true, "systematic_enumeration": true, "token_sweep": true}
	got := make(map[string]bool)
	for _, p := range result.DetectedPatterns {
		got[p] = true
	}
	for p := range want {
		if !got[p] {
			t.Fatalf("expected pattern %s, detected %v", p, result.DetectedPatterns)
		}
	}
	if !result.TimingFired || !result.BehavioralFired {
		t.Fatalf("expected timing and behavioral families, got %+v", result)
	}
}

func TestDetectHoneypotHit(t *testing.T) {
	rules := testRules(t)
	detector := NewPatternDetector()
	req := &Request{Timestamp: 1000, SourceAddress: "203.0.113.9", UserAgent: "curl/7.88.0", Endpoint: "/.env"}
	result := detector.Detect(rules, req, nil, 1)
	if result.ThreatCategory != "secret_probe" {
		t.Fatalf("expected secret_probe, got %q", result.ThreatCategory)
	}
	if result.RiskScore < 80 {
		t.Fatalf("expected critical-band score, got %v", result.RiskScore)
	}
}

func TestDetectCredentialStuffing(t *testing.T) {
	rules := testRules(t)
	detector := NewPatternDetector()
	var history []HistoryEntry
	for i := 0; i < 10; i++ {
		history = append(history, HistoryEntry{
			Timestamp: 1000 + float64(i),
			Endpoint:  "/api/login",
			UserAgent: "curl/7.88.0",
			Params: []QueryParam{
				{Key: "username", Value: fmt.Sprintf("user%d", i)},
				{Key: "password", Value: fmt.Sprintf("hunter%d", i)},
			},
		})
	}
	req := &Request{Timestamp: 1010, SourceAddress: "203.0.113.9", UserAgent: "curl/7.88.0", Endpoint: "/api/login"}
	result := detector.Detect(rules, req, history, 1)
	if result.ThreatCategory != "credential_stuffing" {
		t.Fatalf("expected credential_stuffing, got %q (%v)", result.ThreatCategory, result.DetectedPatterns)
	}
}

func TestDetectModelExtractionSweep(t *testing.T) {
	rules := testRules(t)
	detector := NewPatternDetector()
	var history []HistoryEntry
	for i := 0; i < 60; i++ {
		history = append(history, HistoryEntry{
			Timestamp: 1000 + float64(i),
			Endpoint:  "/api/predict",
			UserAgent: "python-requests/2.31",
			Params:    []QueryParam{{Key: "feature", Value: fmt.Sprintf("%d", i)}},
		})
	}
	req := &Request{Timestamp: 1060, SourceAddress: "203.0.113.9", UserAgent: "python-requests/2.31", Endpoint: "/api/predict"}
	result := detector.Detect(rules, req, history, 1)
	if result.ThreatCategory != "ml_attack" {
		t.Fatalf("expected ml_attack, got %q (%v)", result.ThreatCategory, result.DetectedPatterns)
	}
	if !result.MLFired {
		t.Fatal("ML family should have fired")
	}
}

func TestDetectAgentRotation(t *testing.T) {
	rules := testRules(t)
	detector := NewPatternDetector()
	req := benignRequest(1000)
	result := detector.Detect(rules, req, nil, 6)
	found := false
	for _, p := range result.DetectedPatterns {
		if p == "agent_rotation" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected agent_rotation with 6 distinct agents, got %v", result.DetectedPatterns)
	}
}

func TestDetectDeterministic(t *testing.T) {
	rules := testRules(t)
	detector := NewPatternDetector()
	history := scrapeHistory(40, 0.05)
	req := scrapeRequest(1002, 41)
	first := detector.Detect(rules, req, history, 2)
	second := detector.Detect(rules, req, history, 2)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("detector not deterministic:\n%+v\n%+v", first, second)
	}
}

func TestDetectBenignNotSuspicious(t *testing.T) {
	rules := testRules(t)
	detector := NewPatternDetector()
	result := detector.Detect(rules, benignRequest(1000), nil, 1)
	if result.IsSuspicious {
		t.Fatalf("benign request flagged: %+v", result)
	}
}
