package trapgate

import "testing"

func TestSafetyWhitelistedAgent(t *testing.T) {
	rules := testRules(t)
	filter := NewSafetyFilter()
	req := &Request{
		Timestamp:     1000,
		SourceAddress: "198.51.100.7",
		UserAgent:     "HealthCheck/1.0",
		Endpoint:      "/api/users",
	}
	res := filter.Check(rules, req, nil, 0)
	if !res.Safe() || res.StageReached != 1 {
		t.Fatalf("expected stage-1 safe for whitelisted agent, got %+v", res)
	}
}

func TestSafetyWhitelistedEndpoint(t *testing.T) {
	rules := testRules(t)
	filter := NewSafetyFilter()
	req := benignRequest(1000)
	req.Endpoint = "/static/app.js"
	res := filter.Check(rules, req, nil, 0)
	if !res.Safe() || res.StageReached != 1 {
		t.Fatalf("expected stage-1 safe for whitelisted endpoint, got %+v", res)
	}
}

func TestSafetyHoneypotPathUnsafe(t *testing.T) {
	rules := testRules(t)
	filter := NewSafetyFilter()
	req := &Request{Timestamp: 1000, SourceAddress: "203.0.113.9", UserAgent: "curl/7.88.0", Endpoint: "/.env"}
	res := filter.Check(rules, req, nil, 0)
	if res.Outcome != OutcomeUnsafe {
		t.Fatalf("expected unsafe for honeypot path, got %v", res.Outcome)
	}
}

func TestSafetyReputationFastPath(t *testing.T) {
	rules := testRules(t)
	filter := NewSafetyFilter()
	res := filter.Check(rules, benignRequest(1000), nil, 60)
	if !res.Safe() || res.StageReached != 1 {
		t.Fatalf("expected reputation fast path, got %+v", res)
	}

	// A content match disables the fast path regardless of reputation.
	hostile := benignRequest(1000)
	hostile.Body = "' OR '1'='1"
	res = filter.Check(rules, hostile, nil, 60)
	if res.Safe() {
		t.Fatal("reputation must not whitewash a content match")
	}
}

func TestSafetyDeepInspectionClear(t *testing.T) {
	rules := testRules(t)
	filter := NewSafetyFilter()
	res := filter.Check(rules, benignRequest(1000), nil, 0)
	if !res.Safe() {
		t.Fatalf("expected clean request to clear at stage 3, got %+v", res)
	}
	if res.StageReached != 3 || res.ReputationNudge != 1 {
		t.Fatalf("expected stage-3 clear with +1 nudge, got %+v", res)
	}
}

func TestSafetyContentMatchUnsafe(t *testing.T) {
	rules := testRules(t)
	filter := NewSafetyFilter()
	req := benignRequest(1000)
	req.Body = "SELECT * FROM users WHERE id='1' OR '1'='1'"
	res := filter.Check(rules, req, nil, 0)
	if res.Outcome != OutcomeUnsafe || res.StageReached != 3 {
		t.Fatalf("expected stage-3 unsafe, got %+v", res)
	}
}

func TestSafetyBehavioralProgression(t *testing.T) {
	rules := testRules(t)
	filter := NewSafetyFilter()
	// Machine-regular scrape: constant 50ms cadence, monotonic page walk,
	// constant agent. No content signal anywhere.
	var history []HistoryEntry
	for i := 0; i < 20; i++ {
		req := scrapeRequest(1000+float64(i)*0.05, i+1)
		history = append(history, HistoryEntry{
			Timestamp:   req.Timestamp,
			Endpoint:    req.Endpoint,
			ContentHash: ContentHash(req),
			ParamSig:    paramSignature(req),
			UserAgent:   req.UserAgent,
			Params:      req.QueryParams,
		})
	}
	req := scrapeRequest(1001, 21)
	res := filter.Check(rules, req, history, 0)
	if res.Outcome != OutcomeIndeterminate {
		t.Fatalf("expected terminal indeterminate for behavioral scrape, got %v (%v)", res.Outcome, res.Reasons)
	}
	if res.ReputationNudge != 0 {
		t.Fatal("behavioral escalation must not nudge reputation up")
	}
}

func hasReason(res SafetyResult, reason string) bool {
	for _, r := range res.Reasons {
		if r == reason {
			return true
		}
	}
	return false
}

func TestSafetyBurstScreenMinuteBucket(t *testing.T) {
	rules := testRules(t)
	filter := NewSafetyFilter()

	// 360 requests over 54s is 6/s sustained on the minute bucket.
	sustained := scrapeHistory(360, 0.15)
	req := scrapeRequest(1000+360*0.15, 361)
	res := filter.Check(rules, req, sustained, 0)
	if !hasReason(res, "burst_screen") {
		t.Fatalf("sustained 6/s should trip the burst screen, got %v", res.Reasons)
	}

	// 120 requests in 6s is only 2/s over the minute; a short spike alone
	// must not trip it.
	spike := scrapeHistory(120, 0.05)
	req = scrapeRequest(1000+120*0.05, 121)
	res = filter.Check(rules, req, spike, 0)
	if hasReason(res, "burst_screen") {
		t.Fatalf("2/s over the minute bucket should not trip the burst screen, got %v", res.Reasons)
	}
}
