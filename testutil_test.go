package trapgate

import (
	"fmt"
	"testing"
)

func loadTestConfig(t *testing.T) *ConfigStore {
	t.Helper()
	factory := NewDeceptionFactory()
	store, err := NewConfigStore("configs/rules.json", "configs/policies.json", factory.TemplateIDs(), nil)
	if err != nil {
		t.Fatalf("loading config: %v", err)
	}
	return store
}

func testRules(t *testing.T) *RuleBook {
	t.Helper()
	rules, _ := loadTestConfig(t).Snapshot()
	return rules
}

func testPolicies(t *testing.T) *PolicyBook {
	t.Helper()
	_, policies := loadTestConfig(t).Snapshot()
	return policies
}

// sequencedSource hands out deterministic distinct token material.
type sequencedSource struct {
	n byte
}

func (s *sequencedSource) RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	s.n++
	for i := range b {
		b[i] = s.n
	}
	return b, nil
}

func benignRequest(ts float64) *Request {
	return &Request{
		Timestamp:     ts,
		SourceAddress: "198.51.100.7",
		UserAgent:     "Mozilla/5.0 (X11; Linux x86_64)",
		Endpoint:      "/api/users",
		Body:          "",
	}
}

func scrapeRequest(ts float64, page int) *Request {
	return &Request{
		Timestamp:     ts,
		SourceAddress: "203.0.113.50",
		UserAgent:     "python-requests/2.31",
		Endpoint:      "/api/products",
		QueryParams:   []QueryParam{{Key: "page", Value: fmt.Sprintf("%d", page)}},
	}
}
