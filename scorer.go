package trapgate

import (
	"fmt"
	"math"
)

// VerdictAction is the orchestrator-level decision.
type VerdictAction string

const (
	ActionAllow           VerdictAction = "allow"
	ActionCountermeasures VerdictAction = "countermeasures"
	ActionBlock           VerdictAction = "block"
)

// RiskAssessment is the scored view of a detection: the verdict's decision
// substrate.
type RiskAssessment struct {
	Level          RiskLevel
	RiskScore      float64
	ThreatCategory string
	Actions        []string
	Confidence     float64
	Summary        string
}

// Confidence weights by evidence family. Content and ML hits are direct
// evidence; behavior and timing alone are circumstantial.
const (
	weightContent    = 1.0
	weightBehavioral = 0.7
	weightTiming     = 0.5
)

// RiskScorer maps a DetectionResult onto the risk ladder and the response
// policy's action set.
type RiskScorer struct{}

func NewRiskScorer() *RiskScorer { return &RiskScorer{} }

func (s *RiskScorer) Assess(rules *RuleBook, detection DetectionResult) RiskAssessment {
	level := rules.LevelFor(detection.RiskScore)

	category := detection.ThreatCategory
	if category == "" {
		category = "suspicious_behavior"
	}

	weight := weightTiming
	switch {
	case detection.ContentFired || detection.MLFired:
		weight = weightContent
	case detection.BehavioralFired:
		weight = weightBehavioral
	}
	confidence := math.Min(detection.Confidence*weight, 1)

	actions := rules.ResponseActions[level]
	out := make([]string, len(actions))
	copy(out, actions)

	return RiskAssessment{
		Level:          level,
		RiskScore:      detection.RiskScore,
		ThreatCategory: category,
		Actions:        out,
		Confidence:     confidence,
		Summary: fmt.Sprintf("%s %s (score %.0f, confidence %.2f, %d patterns)",
			level, category, detection.RiskScore, confidence, len(detection.DetectedPatterns)),
	}
}

// Decide applies the action rule: countermeasures need a high or critical
// level with real confidence, blocking needs near-certain critical evidence.
// Everything else passes through with log/track only.
func (s *RiskScorer) Decide(assessment RiskAssessment) VerdictAction {
	switch {
	case assessment.Level == RiskCritical && assessment.Confidence >= 0.9:
		return ActionBlock
	case (assessment.Level == RiskHigh || assessment.Level == RiskCritical) && assessment.Confidence >= 0.5:
		return ActionCountermeasures
	default:
		return ActionAllow
	}
}
