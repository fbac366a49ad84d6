package trapgate

import (
	"strings"
)

// SafetyOutcome is a stage's terminal classification.
type SafetyOutcome int

const (
	OutcomeSafe SafetyOutcome = iota
	OutcomeIndeterminate
	OutcomeUnsafe
)

func (o SafetyOutcome) String() string {
	switch o {
	case OutcomeSafe:
		return "safe"
	case OutcomeUnsafe:
		return "unsafe"
	default:
		return "indeterminate"
	}
}

// SafetyResult is the filter's verdict-substrate. Safe terminates the
// pipeline; unsafe and terminal-indeterminate both hand off to the pattern
// detector. The filter never computes a risk score.
type SafetyResult struct {
	Outcome      SafetyOutcome
	StageReached int
	Confidence   float64
	Reasons      []string
	Evidence     map[string]any

	// ReputationNudge is +1 when stage 3 cleared the request; the
	// orchestrator applies it so the filter stays side-effect free.
	ReputationNudge int
}

func (r SafetyResult) Safe() bool { return r.Outcome == OutcomeSafe }

// SafetyFilter is the three-stage false-positive gate. Stages run in order;
// the first definitive outcome terminates. Escalation needs staged evidence:
// a burst alone is never a verdict, and only stage 3 may call a request
// unsafe on its own.
type SafetyFilter struct{}

// burstBucketSeconds is the window the stage-1 burst screen measures over.
// The burst threshold is a sustained per-second rate on this bucket.
const burstBucketSeconds = 60

func NewSafetyFilter() *SafetyFilter { return &SafetyFilter{} }

// Check classifies one request against its history snapshot and current
// reputation. Pure with respect to shared state.
func (f *SafetyFilter) Check(rules *RuleBook, req *Request, history []HistoryEntry, reputation int) SafetyResult {
	res := SafetyResult{StageReached: 1, Evidence: make(map[string]any)}

	// Stage 1: whitelist, reputation fast path, burst screen.
	if reason, ok := f.whitelisted(rules, req); ok {
		res.Outcome = OutcomeSafe
		res.Confidence = 1
		res.Reasons = append(res.Reasons, reason)
		return res
	}
	if rules.honeypotLookup[req.Endpoint] {
		// A honeypot path has no legitimate caller; straight to detection.
		res.Outcome = OutcomeUnsafe
		res.Confidence = 0.9
		res.Reasons = append(res.Reasons, "honeypot_path")
		res.Evidence["honeypot_path"] = req.Endpoint
		return res
	}
	content := searchableContent(req)
	if reputation >= rules.Safety.ReputationFastPath && !rules.Patterns().MatchAny(content) {
		res.Outcome = OutcomeSafe
		res.Confidence = 0.8
		res.Reasons = append(res.Reasons, "reputation_fast_path")
		res.Evidence["reputation"] = reputation
		return res
	}
	if rate := recentRate(history, req.Timestamp, burstBucketSeconds); rate >= rules.Safety.BurstPerSecond {
		res.Reasons = append(res.Reasons, "burst_screen")
		res.Evidence["burst_rate"] = rate
		res.Confidence += 0.2
	}

	// Stage 2: behavioral screen over the history window. Two of three
	// criteria, or one strong timing signal, progresses with confidence;
	// otherwise stage 3 still runs, it just starts cold.
	res.StageReached = 2
	criteria := 0
	cv, _, samples := timingStats(history, rules.Safety.TimingWindow)
	machineTiming := samples >= rules.Safety.TimingWindow && cv <= rules.ConsistentTiming.Threshold
	if machineTiming {
		criteria++
		res.Reasons = append(res.Reasons, "machine_timing")
		res.Evidence["timing_cv"] = cv
	}
	if sig, ok := enumerationSignature(history); ok {
		criteria++
		res.Reasons = append(res.Reasons, "enumeration_signature")
		res.Evidence["enumeration"] = sig
	}
	if len(history) >= rules.Safety.TimingWindow && noHumanNoise(history) {
		criteria++
		res.Reasons = append(res.Reasons, "no_human_noise")
	}
	strongTiming := samples >= rules.Safety.TimingWindow && cv < rules.Safety.StrongTimingCV
	behavioral := criteria >= 2 || strongTiming
	if behavioral {
		res.Confidence += 0.3
	}

	// Stage 3: deep content inspection.
	res.StageReached = 3
	matches, truncated := rules.Patterns().Scan(content)
	if len(matches) > 0 || truncated {
		res.Outcome = OutcomeUnsafe
		res.Confidence = 1
		res.Reasons = append(res.Reasons, "content_match")
		for _, m := range matches {
			res.Evidence[m.Group+":"+m.Name] = m.RiskScore
		}
		if truncated {
			res.Reasons = append(res.Reasons, "budget_exceeded")
		}
		return res
	}
	if behavioral {
		// No content hit, but the behavioral screen held: terminal
		// indeterminate, detector decides.
		res.Outcome = OutcomeIndeterminate
		return res
	}
	res.Outcome = OutcomeSafe
	res.ReputationNudge = 1
	res.Reasons = append(res.Reasons, "deep_inspection_clear")
	return res
}

func (f *SafetyFilter) whitelisted(rules *RuleBook, req *Request) (string, bool) {
	ua := strings.TrimSpace(req.UserAgent)
	for _, w := range rules.Safety.WhitelistUserAgents {
		if strings.EqualFold(ua, w) {
			return "whitelisted_user_agent", true
		}
	}
	if ipInNets(req.SourceAddress, rules.whitelistNets) {
		return "whitelisted_address", true
	}
	for _, pattern := range rules.Safety.WhitelistEndpoints {
		if endpointMatches(pattern, req.Endpoint) {
			return "whitelisted_endpoint", true
		}
	}
	return "", false
}

// recentRate counts entries within the trailing window and reports them as a
// per-second rate.
func recentRate(history []HistoryEntry, now, windowSeconds float64) float64 {
	if windowSeconds <= 0 {
		return 0
	}
	cutoff := now - windowSeconds
	n := 0
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Timestamp < cutoff {
			break
		}
		n++
	}
	return float64(n) / windowSeconds
}

// enumerationSignature is the cheap stage-2 version of the enumeration
// check: any arithmetic run of length >= 5 in numeric suffixes.
func enumerationSignature(history []HistoryEntry) (map[string]any, bool) {
	run, bestRun, prev, step := 1, 1, 0, 0
	havePrev := false
	for _, e := range history {
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
	if bestRun < 5 {
		return nil, false
	}
	return map[string]any{"run": bestRun, "step": step}, true
}

// noHumanNoise reports a window with zero organic variation: one user agent
// and no repeated content (humans revisit; scanners do not).
func noHumanNoise(history []HistoryEntry) bool {
	agents := make(map[string]bool)
	hashes := make(map[[32]byte]int)
	for _, e := range history {
		agents[e.UserAgent] = true
		hashes[e.ContentHash]++
	}
	if len(agents) != 1 {
		return false
	}
	for _, n := range hashes {
		if n > 1 {
			return false
		}
	}
	return true
}
