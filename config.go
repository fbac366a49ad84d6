package trapgate

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/oarkflow/log"
)

// ConfigError reports a rejected rules or policies document. Startup-fatal;
// a failed reload keeps the prior snapshot instead.
type ConfigError struct {
	Which  string // "rules" or "policies"
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Which, e.Reason)
}

func configErrf(which, format string, args ...any) *ConfigError {
	return &ConfigError{Which: which, Reason: fmt.Sprintf(format, args...)}
}

// RiskLevel is the four-step severity ladder.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Closed action vocabulary. Anything else in a strategy is a ConfigError.
var validActions = map[string]bool{
	"log":                   true,
	"track":                 true,
	"rate_limit":            true,
	"serve_fake":            true,
	"deploy_counter":        true,
	"aggressive_rate_limit": true,
	"set_traps":             true,
	"reverse_tracking":      true,
}

// ThresholdRule pairs a trigger threshold with the score it contributes.
type ThresholdRule struct {
	Threshold  float64 `json:"threshold"`
	RiskScore  float64 `json:"riskScore"`
	MinSamples int     `json:"minSamples,omitempty"`
}

// ContentPattern is one declarative regex with its score contribution.
type ContentPattern struct {
	Name      string  `json:"name"`
	Pattern   string  `json:"pattern"`
	RiskScore float64 `json:"riskScore"`
}

// BehavioralRules configures the enumeration and rotation checks.
type BehavioralRules struct {
	SystematicEnumeration ThresholdRule `json:"systematicEnumeration"`
	TokenSweep            ThresholdRule `json:"tokenSweep"`
	AgentRotation         ThresholdRule `json:"agentRotation"`
	CredentialStuffing    ThresholdRule `json:"credentialStuffing"`
}

// MLAttackRules configures the model-attack heuristics.
type MLAttackRules struct {
	ModelInversion      ThresholdRule `json:"modelInversion"`
	MembershipInference ThresholdRule `json:"membershipInference"`
	ModelExtraction     ThresholdRule `json:"modelExtraction"`
	ParameterSweep      ThresholdRule `json:"parameterSweep"`
}

// SafetyRules configures the stage-1/stage-2 gates of the safety filter.
type SafetyRules struct {
	WhitelistUserAgents []string `json:"whitelistUserAgents"`
	WhitelistCIDRs      []string `json:"whitelistCIDRs"`
	WhitelistEndpoints  []string `json:"whitelistEndpoints"`
	ReputationFastPath  int      `json:"reputationFastPath"`
	BurstPerSecond      float64  `json:"burstPerSecond"`
	TimingWindow        int      `json:"timingWindow"`
	StrongTimingCV      float64  `json:"strongTimingCV"`
}

// RuleBook is the validated, immutable detection side of the config pair.
type RuleBook struct {
	MinSuspicious    float64                     `json:"minSuspicious"`
	MaxScanBytes     int                         `json:"maxScanBytes"`
	ConsistentTiming ThresholdRule               `json:"consistentTiming"`
	BurstActivity    ThresholdRule               `json:"burstActivity"`
	Behavioral       BehavioralRules             `json:"behavioral"`
	MLAttack         MLAttackRules               `json:"mlAttack"`
	ContentPatterns  map[string][]ContentPattern `json:"contentPatterns"`
	HoneypotPaths    []string                    `json:"honeypotPaths"`
	HoneypotHit      ThresholdRule               `json:"honeypotHit"`
	Safety           SafetyRules                 `json:"safety"`
	RiskThresholds   map[RiskLevel]float64       `json:"riskThresholds"`
	ResponseActions  map[RiskLevel][]string      `json:"responseActions"`

	// Compiled at load; never mutated afterwards.
	patterns       *PatternSet
	whitelistNets  []*net.IPNet
	honeypotLookup map[string]bool
}

// Scenario binds threat categories to a deception recipe.
type Scenario struct {
	Name             string   `json:"name"`
	ThreatCategories []string `json:"threatCategories"`
	PayloadKinds     []string `json:"payloadKinds"`
	TemplateID       string   `json:"templateId"`
	CounterStrategy  string   `json:"counterStrategy"`
	IsolationLevel   string   `json:"isolationLevel"`
	Fallback         bool     `json:"fallback"`
}

// CounterStrategy declares the numeric intensity per tier.
type CounterStrategy struct {
	Tiers map[string]int `json:"tiers"` // low/medium/high record counts
}

// PolicyBook is the validated, immutable response side of the config pair.
type PolicyBook struct {
	Scenarios         []Scenario                 `json:"scenarios"`
	CounterStrategies map[string]CounterStrategy `json:"counterStrategies"`

	registry *ScenarioRegistry
}

// Registry returns the category index built at load.
func (pb *PolicyBook) Registry() *ScenarioRegistry { return pb.registry }

// ruleSet is the atomically swapped snapshot a request holds for its
// lifetime. No request ever observes a mixed pair.
type ruleSet struct {
	Rules    *RuleBook
	Policies *PolicyBook
}

// ConfigStore loads, validates, and swaps the RuleBook/PolicyBook pair.
type ConfigStore struct {
	rulesPath      string
	policiesPath   string
	current        atomic.Pointer[ruleSet]
	watcher        *fsnotify.Watcher
	logger         *log.Logger
	knownTemplates map[string]bool
}

// NewConfigStore loads both documents, failing with ConfigError on any
// schema violation. knownTemplates is the factory's builder table; scenarios
// referencing anything else are rejected at load, which is what lets the
// orchestrator treat payload builds as infallible-with-fallback.
func NewConfigStore(rulesPath, policiesPath string, knownTemplates map[string]bool, logger *log.Logger) (*ConfigStore, error) {
	s := &ConfigStore{
		rulesPath:      rulesPath,
		policiesPath:   policiesPath,
		logger:         logger,
		knownTemplates: knownTemplates,
	}
	set, err := s.load()
	if err != nil {
		return nil, err
	}
	s.current.Store(set)
	return s, nil
}

// Snapshot returns the pair the caller should use for one whole request.
func (s *ConfigStore) Snapshot() (*RuleBook, *PolicyBook) {
	set := s.current.Load()
	return set.Rules, set.Policies
}

// Reload re-reads and re-validates both documents and swaps them in
// atomically. On failure the prior snapshot stays live and the error is
// returned for the caller to log; traffic is never refused.
func (s *ConfigStore) Reload() error {
	set, err := s.load()
	if err != nil {
		return err
	}
	s.current.Store(set)
	if s.logger != nil {
		s.logger.Info().Str("rules", s.rulesPath).Str("policies", s.policiesPath).Msg("config reloaded")
	}
	return nil
}

// Watch starts an fsnotify watcher over both documents' directories and
// reloads on write. Reload failures are logged and otherwise ignored.
func (s *ConfigStore) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dirs := map[string]bool{
		filepath.Dir(s.rulesPath):    true,
		filepath.Dir(s.policiesPath): true,
	}
	for dir := range dirs {
		if err := w.Add(dir); err != nil {
			w.Close()
			return err
		}
	}
	s.watcher = w
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				if ev.Name != s.rulesPath && ev.Name != s.policiesPath {
					continue
				}
				if err := s.Reload(); err != nil && s.logger != nil {
					s.logger.Warn().Err(err).Str("file", ev.Name).Msg("config reload rejected, keeping prior snapshot")
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				if s.logger != nil {
					s.logger.Warn().Err(err).Msg("config watcher error")
				}
			}
		}
	}()
	return nil
}

// StopWatcher shuts the fsnotify watcher down, if one was started.
func (s *ConfigStore) StopWatcher() error {
	if s.watcher == nil {
		return nil
	}
	return s.watcher.Close()
}

func (s *ConfigStore) load() (*ruleSet, error) {
	rules, err := loadRuleBook(s.rulesPath)
	if err != nil {
		return nil, err
	}
	policies, err := loadPolicyBook(s.policiesPath, s.knownTemplates)
	if err != nil {
		return nil, err
	}
	return &ruleSet{Rules: rules, Policies: policies}, nil
}

func loadRuleBook(path string) (*RuleBook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, configErrf("rules", "read %s: %v", path, err)
	}
	if len(data) > 1024*1024 {
		return nil, configErrf("rules", "%s exceeds 1MB", path)
	}
	var rb RuleBook
	if err := json.Unmarshal(data, &rb); err != nil {
		return nil, configErrf("rules", "parse %s: %v", path, err)
	}
	if err := rb.validate(); err != nil {
		return nil, err
	}
	if err := rb.compile(); err != nil {
		return nil, err
	}
	return &rb, nil
}

func (rb *RuleBook) validate() error {
	if rb.MinSuspicious <= 0 {
		rb.MinSuspicious = 30
	}
	if rb.MaxScanBytes <= 0 {
		rb.MaxScanBytes = 64 * 1024
	}
	if rb.Safety.TimingWindow <= 0 {
		rb.Safety.TimingWindow = 10
	}
	if rb.Safety.BurstPerSecond <= 0 {
		rb.Safety.BurstPerSecond = 5
	}
	if rb.Safety.ReputationFastPath <= 0 {
		rb.Safety.ReputationFastPath = 50
	}
	if rb.Safety.StrongTimingCV <= 0 {
		rb.Safety.StrongTimingCV = 0.05
	}
	if rb.HoneypotHit.RiskScore <= 0 {
		rb.HoneypotHit.RiskScore = 85
	}

	// The ladder must be strictly increasing: low < medium < high < critical.
	// Each value is the minimum score admitting its level.
	ladder := []RiskLevel{RiskLow, RiskMedium, RiskHigh, RiskCritical}
	prev := -1.0
	for _, level := range ladder {
		v, ok := rb.RiskThresholds[level]
		if !ok {
			return configErrf("rules", "riskThresholds missing %q", level)
		}
		if v <= prev {
			return configErrf("rules", "riskThresholds must be strictly increasing, %q=%v", level, v)
		}
		prev = v
	}
	if rb.RiskThresholds[RiskLow] != 0 {
		return configErrf("rules", "riskThresholds.low must be 0, got %v", rb.RiskThresholds[RiskLow])
	}

	for _, level := range ladder {
		actions, ok := rb.ResponseActions[level]
		if !ok || len(actions) == 0 {
			return configErrf("rules", "responseActions missing level %q", level)
		}
		for _, a := range actions {
			if !validActions[a] {
				return configErrf("rules", "responseActions[%s]: unknown action %q", level, a)
			}
		}
	}

	for _, tr := range []struct {
		name string
		rule ThresholdRule
	}{
		{"consistentTiming", rb.ConsistentTiming},
		{"burstActivity", rb.BurstActivity},
		{"behavioral.systematicEnumeration", rb.Behavioral.SystematicEnumeration},
		{"behavioral.tokenSweep", rb.Behavioral.TokenSweep},
		{"behavioral.agentRotation", rb.Behavioral.AgentRotation},
		{"behavioral.credentialStuffing", rb.Behavioral.CredentialStuffing},
		{"mlAttack.modelInversion", rb.MLAttack.ModelInversion},
		{"mlAttack.membershipInference", rb.MLAttack.MembershipInference},
		{"mlAttack.modelExtraction", rb.MLAttack.ModelExtraction},
		{"mlAttack.parameterSweep", rb.MLAttack.ParameterSweep},
	} {
		if tr.rule.RiskScore <= 0 {
			return configErrf("rules", "%s.riskScore must be positive, got %v", tr.name, tr.rule.RiskScore)
		}
	}

	if len(rb.ContentPatterns) == 0 {
		return configErrf("rules", "contentPatterns must not be empty")
	}
	for group, pats := range rb.ContentPatterns {
		if len(pats) == 0 {
			return configErrf("rules", "contentPatterns[%s] is empty", group)
		}
		for _, p := range pats {
			if p.Name == "" || p.Pattern == "" {
				return configErrf("rules", "contentPatterns[%s]: pattern needs name and pattern", group)
			}
			if p.RiskScore <= 0 {
				return configErrf("rules", "contentPatterns[%s][%s]: riskScore must be positive", group, p.Name)
			}
		}
	}
	return nil
}

func (rb *RuleBook) compile() error {
	set, err := CompilePatterns(rb.ContentPatterns, rb.MaxScanBytes)
	if err != nil {
		return configErrf("rules", "%v", err)
	}
	rb.patterns = set
	rb.whitelistNets = parseCIDRs(rb.Safety.WhitelistCIDRs)
	rb.honeypotLookup = make(map[string]bool, len(rb.HoneypotPaths))
	for _, p := range rb.HoneypotPaths {
		rb.honeypotLookup[p] = true
	}
	return nil
}

// Patterns exposes the compiled content-pattern set.
func (rb *RuleBook) Patterns() *PatternSet { return rb.patterns }

// LevelFor maps a risk score onto the ladder.
func (rb *RuleBook) LevelFor(score float64) RiskLevel {
	switch {
	case score >= rb.RiskThresholds[RiskCritical]:
		return RiskCritical
	case score >= rb.RiskThresholds[RiskHigh]:
		return RiskHigh
	case score >= rb.RiskThresholds[RiskMedium]:
		return RiskMedium
	default:
		return RiskLow
	}
}

func loadPolicyBook(path string, knownTemplates map[string]bool) (*PolicyBook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, configErrf("policies", "read %s: %v", path, err)
	}
	if len(data) > 1024*1024 {
		return nil, configErrf("policies", "%s exceeds 1MB", path)
	}
	var pb PolicyBook
	if err := json.Unmarshal(data, &pb); err != nil {
		return nil, configErrf("policies", "parse %s: %v", path, err)
	}
	if err := pb.validate(knownTemplates); err != nil {
		return nil, err
	}
	pb.registry = NewScenarioRegistry(&pb)
	return &pb, nil
}

func (pb *PolicyBook) validate(knownTemplates map[string]bool) error {
	if len(pb.Scenarios) == 0 {
		return configErrf("policies", "no scenarios defined")
	}
	fallbacks := 0
	seen := make(map[string]bool)
	for _, sc := range pb.Scenarios {
		if sc.Name == "" {
			return configErrf("policies", "scenario with empty name")
		}
		if seen[sc.Name] {
			return configErrf("policies", "duplicate scenario %q", sc.Name)
		}
		seen[sc.Name] = true
		if sc.Fallback {
			fallbacks++
		} else if len(sc.ThreatCategories) == 0 {
			return configErrf("policies", "scenario %q names no threat category", sc.Name)
		}
		if len(knownTemplates) > 0 && !knownTemplates[sc.TemplateID] {
			return configErrf("policies", "scenario %q references unknown template %q", sc.Name, sc.TemplateID)
		}
		if sc.CounterStrategy != "" {
			if _, ok := pb.CounterStrategies[sc.CounterStrategy]; !ok {
				return configErrf("policies", "scenario %q references unknown counter strategy %q", sc.Name, sc.CounterStrategy)
			}
		}
	}
	if fallbacks != 1 {
		return configErrf("policies", "exactly one fallback scenario required, found %d", fallbacks)
	}
	for name, cs := range pb.CounterStrategies {
		if len(cs.Tiers) < 3 {
			return configErrf("policies", "counter strategy %q declares %d tiers, need at least 3", name, len(cs.Tiers))
		}
		low, okL := cs.Tiers["low"]
		med, okM := cs.Tiers["medium"]
		high, okH := cs.Tiers["high"]
		if !okL || !okM || !okH {
			return configErrf("policies", "counter strategy %q must declare low/medium/high tiers", name)
		}
		if low <= 0 || med < low || high < med {
			return configErrf("policies", "counter strategy %q tiers must be positive and non-decreasing", name)
		}
	}
	return nil
}
