package trapgate

import (
	"math"
	"sort"
	"strconv"
	"strings"
)

// DetectionResult is the structured outcome of the pattern checks. Evidence
// keys are pattern names; values hold the raw numbers behind the decision.
type DetectionResult struct {
	IsSuspicious     bool
	Confidence       float64
	DetectedPatterns []string
	RiskScore        float64
	Evidence         map[string]any
	ThreatCategory   string

	// Which families fired; the scorer weighs confidence by them.
	TimingFired     bool
	BehavioralFired bool
	ContentFired    bool
	MLFired         bool
}

// detectionInput is the read-only view a check runs against. History is a
// private snapshot; checks never read the clock or any shared state.
type detectionInput struct {
	req            *Request
	history        []HistoryEntry
	rules          *RuleBook
	distinctAgents int
}

// checkOutcome is one check's contribution to the detection result.
type checkOutcome struct {
	fired    bool
	patterns []string
	score    float64
	category string
	evidence map[string]any
}

type detectionCheck struct {
	name   string
	family string // timing, behavioral, content, ml
	run    func(detectionInput) checkOutcome
}

// Check order is fixed so evidence and scores are reproducible.
var detectionChecks = []detectionCheck{
	{name: "consistent_timing", family: "timing", run: checkConsistentTiming},
	{name: "burst_activity", family: "timing", run: checkBurstActivity},
	{name: "systematic_enumeration", family: "behavioral", run: checkSystematicEnumeration},
	{name: "token_sweep", family: "behavioral", run: checkTokenSweep},
	{name: "agent_rotation", family: "behavioral", run: checkAgentRotation},
	{name: "credential_stuffing", family: "behavioral", run: checkCredentialStuffing},
	{name: "honeypot_hit", family: "content", run: checkHoneypotHit},
	{name: "content_patterns", family: "content", run: checkContentPatterns},
	{name: "model_inversion", family: "ml", run: checkModelInversion},
	{name: "membership_inference", family: "ml", run: checkMembershipInference},
	{name: "model_extraction", family: "ml", run: checkModelExtraction},
	{name: "parameter_sweep", family: "ml", run: checkParameterSweep},
}

// PatternDetector runs the timing, behavioral, content, and ML checks over a
// history snapshot. Deterministic for a given snapshot and rule book.
type PatternDetector struct{}

func NewPatternDetector() *PatternDetector { return &PatternDetector{} }

func (d *PatternDetector) Detect(rules *RuleBook, req *Request, history []HistoryEntry, distinctAgents int) DetectionResult {
	in := detectionInput{req: req, history: history, rules: rules, distinctAgents: distinctAgents}
	result := DetectionResult{Evidence: make(map[string]any)}

	bestCategoryScore := 0.0
	for _, check := range detectionChecks {
		out := check.run(in)
		if !out.fired {
			continue
		}
		result.RiskScore += out.score
		result.DetectedPatterns = append(result.DetectedPatterns, out.patterns...)
		for k, v := range out.evidence {
			result.Evidence[k] = v
		}
		switch check.family {
		case "timing":
			result.TimingFired = true
		case "behavioral":
			result.BehavioralFired = true
		case "content":
			result.ContentFired = true
		case "ml":
			result.MLFired = true
		}
		// Highest-scoring content/ML check names the threat category.
		if out.category != "" && out.score > bestCategoryScore {
			bestCategoryScore = out.score
			result.ThreatCategory = out.category
		}
	}

	result.IsSuspicious = result.RiskScore >= rules.MinSuspicious
	result.Confidence = math.Min(result.RiskScore/100, 1)
	return result
}

// timingStats reduces the window to interval statistics: coefficient of
// variation of the inter-arrival gaps and the sustained request rate.
func timingStats(history []HistoryEntry, window int) (cv float64, rate float64, samples int) {
	if len(history) < 2 {
		return math.Inf(1), 0, len(history)
	}
	start := 0
	if window > 0 && len(history) > window+1 {
		start = len(history) - window - 1
	}
	recent := history[start:]
	intervals := make([]float64, 0, len(recent)-1)
	for i := 1; i < len(recent); i++ {
		intervals = append(intervals, recent[i].Timestamp-recent[i-1].Timestamp)
	}
	mean := 0.0
	for _, iv := range intervals {
		mean += iv
	}
	mean /= float64(len(intervals))
	if mean <= 0 {
		return 0, math.Inf(1), len(intervals) + 1
	}
	variance := 0.0
	for _, iv := range intervals {
		variance += (iv - mean) * (iv - mean)
	}
	variance /= float64(len(intervals))
	cv = math.Sqrt(variance) / mean

	span := history[len(history)-1].Timestamp - history[0].Timestamp
	if span > 0 {
		rate = float64(len(history)-1) / span
	}
	return cv, rate, len(intervals) + 1
}

func checkConsistentTiming(in detectionInput) checkOutcome {
	rule := in.rules.ConsistentTiming
	minSamples := rule.MinSamples
	if minSamples <= 0 {
		minSamples = in.rules.Safety.TimingWindow
	}
	cv, _, samples := timingStats(in.history, in.rules.Safety.TimingWindow)
	if samples < minSamples || cv > rule.Threshold {
		return checkOutcome{}
	}
	return checkOutcome{
		fired:    true,
		patterns: []string{"consistent_timing"},
		score:    rule.RiskScore,
		evidence: map[string]any{"consistent_timing": map[string]any{"cv": cv, "samples": samples}},
	}
}

func checkBurstActivity(in detectionInput) checkOutcome {
	rule := in.rules.BurstActivity
	_, rate, samples := timingStats(in.history, 0)
	if samples < 10 || rate < rule.Threshold {
		return checkOutcome{}
	}
	return checkOutcome{
		fired:    true,
		patterns: []string{"burst_activity"},
		score:    rule.RiskScore,
		evidence: map[string]any{"burst_activity": map[string]any{"rate": rate, "samples": samples}},
	}
}

// trailingNumber extracts a numeric path suffix or page-style param value.
func trailingNumber(e HistoryEntry) (int, bool) {
	p := strings.TrimSuffix(e.Endpoint, "/")
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		if n, err := strconv.Atoi(p[i+1:]); err == nil {
			return n, true
		}
	}
	for _, qp := range e.Params {
		if n, err := strconv.Atoi(qp.Value); err == nil {
			return n, true
		}
	}
	return 0, false
}

// checkSystematicEnumeration looks for an arithmetic progression in numeric
// endpoint suffixes or param values: id/1, id/2, ... or page=N walks.
func checkSystematicEnumeration(in detectionInput) checkOutcome {
	rule := in.rules.Behavioral.SystematicEnumeration
	minRun := int(rule.Threshold)
	if minRun < 2 {
		minRun = 5
	}
	run, bestRun, prev, step := 1, 1, 0, 0
	havePrev := false
	for _, e := range in.history {
		n, ok := trailingNumber(e)
		if !ok {
			havePrev, run = false, 1
			continue
		}
		if havePrev {
			d := n - prev
			if d != 0 && (run == 1 || d == step) {
				step = d
				run++
			} else {
				run = 1
			}
		}
		prev, havePrev = n, true
		if run > bestRun {
			bestRun = run
		}
	}
	if bestRun < minRun {
		return checkOutcome{}
	}
	return checkOutcome{
		fired:    true,
		patterns: []string{"systematic_enumeration"},
		score:    rule.RiskScore,
		evidence: map[string]any{"systematic_enumeration": map[string]any{"run": bestRun, "step": step}},
	}
}

// paramValueCounts tallies distinct values per param key across the window.
func paramValueCounts(history []HistoryEntry) map[string]map[string]int {
	counts := make(map[string]map[string]int)
	for _, e := range history {
		for _, p := range e.Params {
			vals, ok := counts[p.Key]
			if !ok {
				vals = make(map[string]int)
				counts[p.Key] = vals
			}
			vals[p.Value]++
		}
	}
	return counts
}

// sortedKeys gives map iteration a fixed order; determinism requires it.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func checkTokenSweep(in detectionInput) checkOutcome {
	rule := in.rules.Behavioral.TokenSweep
	minValues := int(rule.Threshold)
	if minValues < 2 {
		minValues = 8
	}
	counts := paramValueCounts(in.history)
	for _, key := range sortedKeys(counts) {
		if len(counts[key]) >= minValues {
			return checkOutcome{
				fired:    true,
				patterns: []string{"token_sweep"},
				score:    rule.RiskScore,
				evidence: map[string]any{"token_sweep": map[string]any{"param": key, "distinct": len(counts[key])}},
			}
		}
	}
	return checkOutcome{}
}

func checkAgentRotation(in detectionInput) checkOutcome {
	rule := in.rules.Behavioral.AgentRotation
	minAgents := int(rule.Threshold)
	if minAgents < 2 {
		minAgents = 4
	}
	if in.distinctAgents < minAgents {
		return checkOutcome{}
	}
	return checkOutcome{
		fired:    true,
		patterns: []string{"agent_rotation"},
		score:    rule.RiskScore,
		evidence: map[string]any{"agent_rotation": map[string]any{"agents": in.distinctAgents}},
	}
}

var credentialParams = map[string]bool{
	"user": true, "username": true, "email": true, "login": true,
	"password": true, "pass": true, "passwd": true,
}

func looksLikeLogin(endpoint string) bool {
	e := strings.ToLower(endpoint)
	return strings.Contains(e, "login") || strings.Contains(e, "signin") || strings.Contains(e, "auth")
}

// checkCredentialStuffing fires on credential-field sweeps against a
// login-shaped endpoint.
func checkCredentialStuffing(in detectionInput) checkOutcome {
	rule := in.rules.Behavioral.CredentialStuffing
	minAttempts := int(rule.Threshold)
	if minAttempts < 2 {
		minAttempts = 5
	}
	if !looksLikeLogin(in.req.Endpoint) {
		return checkOutcome{}
	}
	attempts := 0
	for _, e := range in.history {
		if !looksLikeLogin(e.Endpoint) {
			continue
		}
		for _, p := range e.Params {
			if credentialParams[strings.ToLower(p.Key)] {
				attempts++
				break
			}
		}
	}
	if attempts < minAttempts {
		return checkOutcome{}
	}
	return checkOutcome{
		fired:    true,
		patterns: []string{"credential_stuffing"},
		score:    rule.RiskScore,
		category: "credential_stuffing",
		evidence: map[string]any{"credential_stuffing": map[string]any{"attempts": attempts}},
	}
}

func checkHoneypotHit(in detectionInput) checkOutcome {
	if !in.rules.honeypotLookup[in.req.Endpoint] {
		return checkOutcome{}
	}
	return checkOutcome{
		fired:    true,
		patterns: []string{"honeypot_hit"},
		score:    in.rules.HoneypotHit.RiskScore,
		category: "secret_probe",
		evidence: map[string]any{"honeypot_hit": map[string]any{"endpoint": in.req.Endpoint}},
	}
}

// checkContentPatterns scans body and query values against the compiled rule
// regexes. A truncated scan contributes the suspicion floor and is flagged;
// oversized bodies never pass unexamined.
func checkContentPatterns(in detectionInput) checkOutcome {
	matches, truncated := in.rules.Patterns().Scan(searchableContent(in.req))
	if len(matches) == 0 && !truncated {
		return checkOutcome{}
	}
	out := checkOutcome{fired: true, evidence: make(map[string]any)}
	groupScores := make(map[string]float64)
	for _, m := range matches {
		out.score += m.RiskScore
		out.patterns = append(out.patterns, m.Group+":"+m.Name)
		groupScores[m.Group] += m.RiskScore
		out.evidence[m.Group+":"+m.Name] = map[string]any{"riskScore": m.RiskScore}
	}
	if truncated {
		out.score += in.rules.MinSuspicious
		out.patterns = append(out.patterns, "budget_exceeded")
		out.evidence["budget_exceeded"] = map[string]any{"maxScanBytes": in.rules.MaxScanBytes}
	}
	best := 0.0
	for _, g := range sortedKeys(groupScores) {
		if groupScores[g] > best {
			best = groupScores[g]
			out.category = g
		}
	}
	return out
}

// numericValues parses the distinct values of one param key as floats.
func numericValues(vals map[string]int) []float64 {
	nums := make([]float64, 0, len(vals))
	for v := range vals {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			nums = append(nums, f)
		}
	}
	sort.Float64s(nums)
	return nums
}

// checkModelInversion fires on fine-grained numeric probing of one endpoint:
// many distinct numeric values for a single param, stepped tightly.
func checkModelInversion(in detectionInput) checkOutcome {
	rule := in.rules.MLAttack.ModelInversion
	minSamples := rule.MinSamples
	if minSamples <= 0 {
		minSamples = 20
	}
	if len(in.history) < minSamples || !singleEndpoint(in.history) {
		return checkOutcome{}
	}
	counts := paramValueCounts(in.history)
	for _, key := range sortedKeys(counts) {
		nums := numericValues(counts[key])
		if len(nums) < minSamples {
			continue
		}
		uniqueRatio := float64(len(nums)) / float64(len(in.history))
		if uniqueRatio < rule.Threshold {
			continue
		}
		return checkOutcome{
			fired:    true,
			patterns: []string{"model_inversion"},
			score:    rule.RiskScore,
			category: "ml_attack",
			evidence: map[string]any{"model_inversion": map[string]any{"param": key, "distinct": len(nums), "uniqueRatio": uniqueRatio}},
		}
	}
	return checkOutcome{}
}

// checkMembershipInference fires on paired query sweeps: the same parameter
// signature replayed far more often than organic traffic would.
func checkMembershipInference(in detectionInput) checkOutcome {
	rule := in.rules.MLAttack.MembershipInference
	minSamples := rule.MinSamples
	if minSamples <= 0 {
		minSamples = 20
	}
	// Only parameterized queries count; identical bare GETs are ordinary
	// polling, not paired probes.
	sigs := make(map[string]int)
	counted := 0
	for _, e := range in.history {
		if e.ParamCount > 0 && e.ParamSig != "" {
			sigs[e.ParamSig]++
			counted++
		}
	}
	if counted < minSamples {
		return checkOutcome{}
	}
	dupes := 0
	for _, n := range sigs {
		if n > 1 {
			dupes += n
		}
	}
	ratio := float64(dupes) / float64(counted)
	if ratio < rule.Threshold {
		return checkOutcome{}
	}
	return checkOutcome{
		fired:    true,
		patterns: []string{"membership_inference"},
		score:    rule.RiskScore,
		category: "ml_attack",
		evidence: map[string]any{"membership_inference": map[string]any{"duplicateRatio": ratio, "signatures": len(sigs)}},
	}
}

// checkModelExtraction fires on systematic feature-space coverage: one
// endpoint, one param swept across a large distinct value set.
func checkModelExtraction(in detectionInput) checkOutcome {
	rule := in.rules.MLAttack.ModelExtraction
	minDistinct := int(rule.Threshold)
	if minDistinct < 2 {
		minDistinct = 50
	}
	if !singleEndpoint(in.history) {
		return checkOutcome{}
	}
	counts := paramValueCounts(in.history)
	for _, key := range sortedKeys(counts) {
		if len(counts[key]) >= minDistinct {
			return checkOutcome{
				fired:    true,
				patterns: []string{"model_extraction"},
				score:    rule.RiskScore,
				category: "ml_attack",
				evidence: map[string]any{"model_extraction": map[string]any{"param": key, "distinct": len(counts[key])}},
			}
		}
	}
	return checkOutcome{}
}

// checkParameterSweep is the broad variant: total distinct values across all
// params crosses the threshold regardless of endpoint spread.
func checkParameterSweep(in detectionInput) checkOutcome {
	rule := in.rules.MLAttack.ParameterSweep
	minDistinct := int(rule.Threshold)
	if minDistinct < 2 {
		minDistinct = 50
	}
	counts := paramValueCounts(in.history)
	total := 0
	for _, vals := range counts {
		total += len(vals)
	}
	if total < minDistinct {
		return checkOutcome{}
	}
	return checkOutcome{
		fired:    true,
		patterns: []string{"parameter_sweep"},
		score:    rule.RiskScore,
		category: "ml_attack",
		evidence: map[string]any{"parameter_sweep": map[string]any{"distinct": total}},
	}
}

func singleEndpoint(history []HistoryEntry) bool {
	if len(history) == 0 {
		return false
	}
	first := history[0].Endpoint
	for _, e := range history[1:] {
		if e.Endpoint != first {
			return false
		}
	}
	return true
}
