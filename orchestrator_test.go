package trapgate

import (
	"bytes"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
)

type testPipeline struct {
	orchestrator *Orchestrator
	ring         *RingAuditSink
	reputation   *ReputationTable
	detectorHits atomic.Int64
	tokenMints   atomic.Int64
}

func newTestPipeline(t *testing.T) *testPipeline {
	t.Helper()
	p := &testPipeline{
		ring:       NewRingAuditSink(4096),
		reputation: NewReputationTable(0),
	}
	p.orchestrator = NewOrchestrator(Options{
		Config:     loadTestConfig(t),
		Reputation: p.reputation,
		Audit:      NewAuditLog(p.ring),
		Hooks: Hooks{
			DetectorInvoked: func(Fingerprint) { p.detectorHits.Add(1) },
			TokenGenerated:  func(TrackingToken) { p.tokenMints.Add(1) },
		},
	})
	return p
}

func TestProcessWhitelistedAllow(t *testing.T) {
	p := newTestPipeline(t)
	verdict := p.orchestrator.Process(&Request{
		Timestamp:     1000,
		SourceAddress: "198.51.100.7",
		UserAgent:     "HealthCheck/1.0",
		Endpoint:      "/health",
	})
	if verdict.Action != ActionAllow {
		t.Fatalf("expected allow, got %s", verdict.Action)
	}
	if verdict.RiskAssessment.Level != RiskLow {
		t.Fatalf("expected low level, got %s", verdict.RiskAssessment.Level)
	}
	if len(verdict.RiskAssessment.Actions) != 1 || verdict.RiskAssessment.Actions[0] != "log" {
		t.Fatalf("expected actions [log], got %v", verdict.RiskAssessment.Actions)
	}
	if verdict.TrackingToken != "" || verdict.DeceptivePayload != nil {
		t.Fatal("allow verdict must carry no token or payload")
	}
	if p.detectorHits.Load() != 0 || p.tokenMints.Load() != 0 {
		t.Fatal("safe path must not invoke the detector or mint tokens")
	}
	if verdict.AuditID == 0 {
		t.Fatal("verdict missing audit id")
	}
}

func TestProcessSQLInjection(t *testing.T) {
	p := newTestPipeline(t)
	req := &Request{
		Timestamp:     1000,
		SourceAddress: "203.0.113.9",
		UserAgent:     "sqlmap/1.7",
		Endpoint:      "/api/users",
		QueryParams:   []QueryParam{{Key: "id", Value: "1' OR '1'='1"}},
		Body:          "SELECT * FROM users WHERE id='1' OR '1'='1'",
	}
	verdict := p.orchestrator.Process(req)
	if verdict.Action != ActionCountermeasures {
		t.Fatalf("expected countermeasures, got %s (%+v)", verdict.Action, verdict.RiskAssessment)
	}
	if verdict.RiskAssessment.ThreatCategory != "sql_injection" {
		t.Fatalf("expected sql_injection, got %q", verdict.RiskAssessment.ThreatCategory)
	}
	if verdict.RiskAssessment.RiskScore < 80 || verdict.RiskAssessment.Level != RiskCritical {
		t.Fatalf("expected critical >=80, got %v %s", verdict.RiskAssessment.RiskScore, verdict.RiskAssessment.Level)
	}
	if verdict.DeceptivePayload.TemplateID != "sql_honeypot" {
		t.Fatalf("expected sql_honeypot payload, got %s", verdict.DeceptivePayload.TemplateID)
	}
	rows := verdict.DeceptivePayload.Document["rows"].([]any)
	if len(rows) < 50 {
		t.Fatalf("expected high-intensity payload >=50 rows, got %d", len(rows))
	}
	raw, err := verdict.DeceptivePayload.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(raw, []byte(verdict.TrackingToken)) {
		t.Fatal("payload must carry the tracking token")
	}
	if got := p.reputation.Score(FingerprintRequest(req), 1001); got != -5 {
		t.Fatalf("expected reputation -5 after countermeasures, got %d", got)
	}
}

func TestProcessBurstScraping(t *testing.T) {
	p := newTestPipeline(t)
	escalatedBy := 0
	var hostile *Verdict
	for i := 1; i <= 120; i++ {
		req := scrapeRequest(1000+float64(i-1)*0.05, i)
		verdict := p.orchestrator.Process(req)
		if verdict.Action != ActionAllow {
			if escalatedBy == 0 {
				escalatedBy = i
			}
			hostile = verdict
		}
	}
	if escalatedBy == 0 || escalatedBy > 60 {
		t.Fatalf("expected escalation by request 60, got %d", escalatedBy)
	}
	if hostile.RiskAssessment.Level != RiskHigh && hostile.RiskAssessment.Level != RiskCritical {
		t.Fatalf("expected high or critical, got %s", hostile.RiskAssessment.Level)
	}
	if hostile.DeceptivePayload == nil || hostile.DeceptivePayload.TemplateID != "api_flood" {
		t.Fatalf("expected api_flood payload, got %+v", hostile.DeceptivePayload)
	}
	items := hostile.DeceptivePayload.Document["items"].([]any)
	alternates := hostile.DeceptivePayload.Document["alternates"].([]any)
	if len(items) < 50 || len(alternates) != len(items) {
		t.Fatalf("expected flood with contradictory twins, got %d+%d", len(items), len(alternates))
	}
}

func TestProcessTraversal(t *testing.T) {
	p := newTestPipeline(t)
	verdict := p.orchestrator.Process(&Request{
		Timestamp:     1000,
		SourceAddress: "203.0.113.9",
		UserAgent:     "curl/7.88.0",
		Endpoint:      "/api/files/read",
		QueryParams:   []QueryParam{{Key: "path", Value: "../../etc/passwd"}},
	})
	if verdict.Action != ActionCountermeasures {
		t.Fatalf("expected countermeasures, got %s", verdict.Action)
	}
	if verdict.RiskAssessment.ThreatCategory != "path_traversal" {
		t.Fatalf("expected path_traversal, got %q", verdict.RiskAssessment.ThreatCategory)
	}
	if verdict.DeceptivePayload.TemplateID != "filesystem_tree" {
		t.Fatalf("expected filesystem_tree, got %s", verdict.DeceptivePayload.TemplateID)
	}
	files := verdict.DeceptivePayload.Document["files"].([]any)
	found := false
	for _, f := range files {
		entry := f.(map[string]any)
		if entry["path"] == "/etc/passwd" && strings.Contains(entry["content"].(string), string(verdict.TrackingToken)) {
			found = true
		}
	}
	if !found {
		t.Fatal("tree missing tokenized /etc/passwd")
	}
}

func TestProcessHoneypotPath(t *testing.T) {
	p := newTestPipeline(t)
	verdict := p.orchestrator.Process(&Request{
		Timestamp:     1000,
		SourceAddress: "203.0.113.9",
		UserAgent:     "curl/7.88.0",
		Endpoint:      "/.env",
	})
	if verdict.Action != ActionCountermeasures {
		t.Fatalf("expected countermeasures, got %s", verdict.Action)
	}
	if verdict.DeceptivePayload.TemplateID != "env_dump" {
		t.Fatalf("expected env_dump, got %s", verdict.DeceptivePayload.TemplateID)
	}
	for key, v := range verdict.DeceptivePayload.Document {
		if s, ok := v.(string); ok && !strings.Contains(s, string(verdict.TrackingToken)) {
			t.Fatalf("env value %s missing token", key)
		}
	}
}

func TestTokensDistinctAcrossVerdicts(t *testing.T) {
	p := newTestPipeline(t)
	seen := make(map[TrackingToken]bool)
	for i := 0; i < 50; i++ {
		verdict := p.orchestrator.Process(&Request{
			Timestamp:     1000 + float64(i),
			SourceAddress: "203.0.113." + string(rune('1'+i%9)),
			UserAgent:     "curl/7.88.0",
			Endpoint:      "/.env",
			SessionID:     string(rune('a' + i%26)),
		})
		if verdict.TrackingToken == "" {
			t.Fatalf("hostile verdict %d missing token", i)
		}
		if seen[verdict.TrackingToken] {
			t.Fatalf("token reuse at verdict %d", i)
		}
		seen[verdict.TrackingToken] = true
	}
}

func TestAuditOrdering(t *testing.T) {
	p := newTestPipeline(t)
	for i := 0; i < 20; i++ {
		p.orchestrator.Process(benignRequest(1000 + float64(i)*5))
	}
	records := p.ring.Recent(0)
	if len(records) != 20 {
		t.Fatalf("expected 20 audit records, got %d", len(records))
	}
	for i := 1; i < len(records); i++ {
		if records[i].AuditID <= records[i-1].AuditID {
			t.Fatalf("audit ids not strictly increasing at %d", i)
		}
	}
}

type failingSink struct{}

func (failingSink) Write(AuditRecord) error { return errors.New("sink down") }
func (failingSink) Close() error            { return nil }

func TestAuditFailureFailsClosed(t *testing.T) {
	reputation := NewReputationTable(0)
	o := NewOrchestrator(Options{
		Config:     loadTestConfig(t),
		Reputation: reputation,
		Audit:      NewAuditLog(failingSink{}),
	})
	req := &Request{Timestamp: 1000, SourceAddress: "203.0.113.9", UserAgent: "curl/7.88.0", Endpoint: "/.env"}
	verdict := o.Process(req)
	if verdict.Action != ActionBlock || !verdict.FailClosed {
		t.Fatalf("expected fail-closed block, got %+v", verdict)
	}
	if verdict.DeceptivePayload != nil || verdict.TrackingToken != "" {
		t.Fatal("fail-closed verdict must carry no payload or token")
	}
	if got := reputation.Score(FingerprintRequest(req), 1001); got != 0 {
		t.Fatalf("fail-closed request must not move reputation, got %d", got)
	}
}

func TestProcessLowConfidenceEscalationAllowsWithObservationActions(t *testing.T) {
	p := newTestPipeline(t)
	// Machine-regular cadence on one endpoint, no content or behavioral
	// signal: timing-only detection lands high risk at low confidence.
	var verdict *Verdict
	for i := 0; i < 30; i++ {
		verdict = p.orchestrator.Process(&Request{
			Timestamp:     1000 + float64(i)*0.1,
			SourceAddress: "203.0.113.77",
			UserAgent:     "python-requests/2.31",
			Endpoint:      "/api/feed",
		})
	}
	if verdict.Action != ActionAllow {
		t.Fatalf("expected low-confidence allow, got %s (%+v)", verdict.Action, verdict.RiskAssessment)
	}
	if verdict.RiskAssessment.Level != RiskHigh {
		t.Fatalf("expected high level, got %s", verdict.RiskAssessment.Level)
	}
	if verdict.RiskAssessment.Confidence >= 0.5 {
		t.Fatalf("expected confidence below the countermeasure bar, got %v", verdict.RiskAssessment.Confidence)
	}
	want := []string{"log", "track"}
	if len(verdict.RiskAssessment.Actions) != len(want) ||
		verdict.RiskAssessment.Actions[0] != want[0] || verdict.RiskAssessment.Actions[1] != want[1] {
		t.Fatalf("allow must carry observation actions only, got %v", verdict.RiskAssessment.Actions)
	}
	if verdict.TrackingToken != "" || verdict.DeceptivePayload != nil {
		t.Fatal("allow verdict must carry no token or payload")
	}
}

func TestProcessBenignAllowNudgesReputation(t *testing.T) {
	p := newTestPipeline(t)
	req := benignRequest(1000)
	verdict := p.orchestrator.Process(req)
	if verdict.Action != ActionAllow {
		t.Fatalf("expected allow, got %s", verdict.Action)
	}
	if got := p.reputation.Score(FingerprintRequest(req), 1001); got != 1 {
		t.Fatalf("expected +1 after stage-3 clear, got %d", got)
	}
}
