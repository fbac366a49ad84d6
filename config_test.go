package trapgate

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadShippedConfig(t *testing.T) {
	store := loadTestConfig(t)
	rules, policies := store.Snapshot()
	if rules == nil || policies == nil {
		t.Fatal("nil snapshot")
	}
	if len(rules.ContentPatterns) == 0 {
		t.Fatal("no content patterns loaded")
	}
	if policies.Registry() == nil {
		t.Fatal("no scenario registry built")
	}
}

func writeConfigPair(t *testing.T, rules, policies string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	rp := filepath.Join(dir, "rules.json")
	pp := filepath.Join(dir, "policies.json")
	if err := os.WriteFile(rp, []byte(rules), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(pp, []byte(policies), 0o644); err != nil {
		t.Fatal(err)
	}
	return rp, pp
}

func readShippedConfig(t *testing.T) (string, string) {
	t.Helper()
	rules, err := os.ReadFile("configs/rules.json")
	if err != nil {
		t.Fatal(err)
	}
	policies, err := os.ReadFile("configs/policies.json")
	if err != nil {
		t.Fatal(err)
	}
	return string(rules), string(policies)
}

func TestConfigRejectsBrokenLadder(t *testing.T) {
	rules, policies := readShippedConfig(t)
	rules = strings.Replace(rules, `"riskThresholds": {"low": 0, "medium": 30, "high": 60, "critical": 80}`,
		`"riskThresholds": {"low": 0, "medium": 60, "high": 30, "critical": 80}`, 1)
	rp, pp := writeConfigPair(t, rules, policies)
	_, err := NewConfigStore(rp, pp, NewDeceptionFactory().TemplateIDs(), nil)
	if err == nil {
		t.Fatal("expected ConfigError for non-increasing ladder")
	}
	if ce, ok := err.(*ConfigError); !ok || ce.Which != "rules" {
		t.Fatalf("expected rules ConfigError, got %v", err)
	}
}

func TestConfigRejectsUnknownTemplate(t *testing.T) {
	rules, policies := readShippedConfig(t)
	policies = strings.Replace(policies, `"templateId": "sql_honeypot"`, `"templateId": "no_such_builder"`, 1)
	rp, pp := writeConfigPair(t, rules, policies)
	_, err := NewConfigStore(rp, pp, NewDeceptionFactory().TemplateIDs(), nil)
	if err == nil {
		t.Fatal("expected ConfigError for unknown template")
	}
	if ce, ok := err.(*ConfigError); !ok || ce.Which != "policies" {
		t.Fatalf("expected policies ConfigError, got %v", err)
	}
}

func TestConfigRejectsNonPositiveScore(t *testing.T) {
	rules, policies := readShippedConfig(t)
	rules = strings.Replace(rules, `{"name": "script_tag", "pattern": "<script[\\s>]", "riskScore": 55}`,
		`{"name": "script_tag", "pattern": "<script[\\s>]", "riskScore": 0}`, 1)
	rp, pp := writeConfigPair(t, rules, policies)
	if _, err := NewConfigStore(rp, pp, NewDeceptionFactory().TemplateIDs(), nil); err == nil {
		t.Fatal("expected ConfigError for zero riskScore")
	}
}

func TestConfigRejectsDecreasingTiers(t *testing.T) {
	rules, policies := readShippedConfig(t)
	policies = strings.Replace(policies, `"data_poisoning": {"tiers": {"low": 10, "medium": 25, "high": 60}}`,
		`"data_poisoning": {"tiers": {"low": 10, "medium": 5, "high": 60}}`, 1)
	rp, pp := writeConfigPair(t, rules, policies)
	if _, err := NewConfigStore(rp, pp, NewDeceptionFactory().TemplateIDs(), nil); err == nil {
		t.Fatal("expected ConfigError for decreasing tiers")
	}
}

func TestReloadSwapsAtomically(t *testing.T) {
	rules, policies := readShippedConfig(t)
	rp, pp := writeConfigPair(t, rules, policies)
	store, err := NewConfigStore(rp, pp, NewDeceptionFactory().TemplateIDs(), nil)
	if err != nil {
		t.Fatal(err)
	}
	before, _ := store.Snapshot()

	stricter := strings.Replace(rules, `"burstActivity": {"threshold": 5.0, "riskScore": 30}`,
		`"burstActivity": {"threshold": 2.0, "riskScore": 30}`, 1)
	if err := os.WriteFile(rp, []byte(stricter), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := store.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	after, _ := store.Snapshot()

	// The held snapshot keeps the old thresholds; the new snapshot sees
	// the stricter ones.
	if before.BurstActivity.Threshold != 5.0 {
		t.Fatalf("prior snapshot mutated: %v", before.BurstActivity.Threshold)
	}
	if after.BurstActivity.Threshold != 2.0 {
		t.Fatalf("new snapshot missing reloaded value: %v", after.BurstActivity.Threshold)
	}
}

func TestFailedReloadKeepsPriorSnapshot(t *testing.T) {
	rules, policies := readShippedConfig(t)
	rp, pp := writeConfigPair(t, rules, policies)
	store, err := NewConfigStore(rp, pp, NewDeceptionFactory().TemplateIDs(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(rp, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := store.Reload(); err == nil {
		t.Fatal("expected reload failure")
	}
	rb, _ := store.Snapshot()
	if rb == nil || rb.BurstActivity.Threshold != 5.0 {
		t.Fatal("prior snapshot lost after failed reload")
	}
}
