package trapgate

import (
	"fmt"
	"regexp"
	"sort"
)

// PatternSet holds the content-inspection regexes, compiled once at config
// load. Matching is case-insensitive and bounded by a scan budget so a
// pathological body cannot stall the pipeline.
type PatternSet struct {
	groups       map[string][]compiledPattern
	groupNames   []string // sorted, for deterministic scan order
	maxScanBytes int
}

type compiledPattern struct {
	name      string
	re        *regexp.Regexp
	riskScore float64
}

// PatternMatch is one regex hit, carried into verdict evidence.
type PatternMatch struct {
	Group     string
	Name      string
	RiskScore float64
}

// CompilePatterns validates and compiles every declared pattern. A single
// bad regex rejects the whole document.
func CompilePatterns(groups map[string][]ContentPattern, maxScanBytes int) (*PatternSet, error) {
	set := &PatternSet{
		groups:       make(map[string][]compiledPattern, len(groups)),
		maxScanBytes: maxScanBytes,
	}
	for group, pats := range groups {
		compiled := make([]compiledPattern, 0, len(pats))
		for _, p := range pats {
			re, err := regexp.Compile("(?i)" + p.Pattern)
			if err != nil {
				return nil, fmt.Errorf("contentPatterns[%s][%s]: %v", group, p.Name, err)
			}
			compiled = append(compiled, compiledPattern{name: p.Name, re: re, riskScore: p.RiskScore})
		}
		set.groups[group] = compiled
		set.groupNames = append(set.groupNames, group)
	}
	sort.Strings(set.groupNames)
	return set, nil
}

// Scan runs every pattern over the content, truncated to the scan budget.
// truncated reports whether the budget was hit; callers treat that as
// evidence in its own right rather than silently passing oversized bodies.
func (s *PatternSet) Scan(content string) (matches []PatternMatch, truncated bool) {
	if s.maxScanBytes > 0 && len(content) > s.maxScanBytes {
		content = content[:s.maxScanBytes]
		truncated = true
	}
	for _, group := range s.groupNames {
		for _, p := range s.groups[group] {
			if p.re.MatchString(content) {
				matches = append(matches, PatternMatch{Group: group, Name: p.name, RiskScore: p.riskScore})
			}
		}
	}
	return matches, truncated
}

// MatchAny reports whether any pattern in the set matches, without
// collecting evidence. Used by the stage-1 fast path.
func (s *PatternSet) MatchAny(content string) bool {
	if s.maxScanBytes > 0 && len(content) > s.maxScanBytes {
		// Over-budget content never takes the fast path.
		return true
	}
	for _, group := range s.groupNames {
		for _, p := range s.groups[group] {
			if p.re.MatchString(content) {
				return true
			}
		}
	}
	return false
}

// Groups returns the configured group names in scan order.
func (s *PatternSet) Groups() []string { return s.groupNames }
