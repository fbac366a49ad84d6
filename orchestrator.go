package trapgate

import (
	"strconv"
	"time"

	"github.com/oarkflow/log"
)

// Verdict is the pipeline's single output record. It is total: every call
// to Process returns one, and no error ever escapes past it.
type Verdict struct {
	Action           VerdictAction
	RiskAssessment   RiskAssessment
	TrackingToken    TrackingToken
	DeceptivePayload *DeceptivePayload
	ScenarioName     string
	AuditID          uint64
	FailClosed       bool

	// Degradations records recovered internal failures (scenario miss,
	// payload fallback) for the audit trail and tests.
	Degradations []string
}

// Hooks are optional instrumentation points. Tests use them to observe that
// the safe path short-circuits detection and token generation.
type Hooks struct {
	DetectorInvoked func(fp Fingerprint)
	TokenGenerated  func(token TrackingToken)
}

// Options wires the orchestrator's collaborators. Zero-value fields get
// in-memory defaults; only Config is required.
type Options struct {
	Config      *ConfigStore
	History     *HistoryStore
	Reputation  *ReputationTable
	Agents      *AgentTracker
	Tokens      *TokenGenerator
	Factory     *DeceptionFactory
	Audit       *AuditLog
	Metrics     MetricsCollector
	Logger      *log.Logger
	Ledger      *ThreatLedger
	Alerts      *AlertRegistry
	Hooks       Hooks
}

// Orchestrator drives the verdict pipeline. Re-entrant; all shared state is
// owned by the collaborators, each safe for concurrent use.
type Orchestrator struct {
	config     *ConfigStore
	history    *HistoryStore
	reputation *ReputationTable
	agents     *AgentTracker
	filter     *SafetyFilter
	detector   *PatternDetector
	scorer     *RiskScorer
	factory    *DeceptionFactory
	tokens     *TokenGenerator
	audit      *AuditLog
	metrics    MetricsCollector
	logger     *log.Logger
	ledger     *ThreatLedger
	alerts     *AlertRegistry
	hooks      Hooks
}

func NewOrchestrator(opts Options) *Orchestrator {
	o := &Orchestrator{
		config:     opts.Config,
		history:    opts.History,
		reputation: opts.Reputation,
		agents:     opts.Agents,
		filter:     NewSafetyFilter(),
		detector:   NewPatternDetector(),
		scorer:     NewRiskScorer(),
		factory:    opts.Factory,
		tokens:     opts.Tokens,
		audit:      opts.Audit,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		ledger:     opts.Ledger,
		alerts:     opts.Alerts,
		hooks:      opts.Hooks,
	}
	if o.history == nil {
		o.history = NewHistoryStore(DefaultMaxHistory, DefaultRetentionSeconds)
	}
	if o.reputation == nil {
		o.reputation = NewReputationTable(DefaultMaxReputations)
	}
	if o.agents == nil {
		o.agents = NewAgentTracker()
	}
	if o.tokens == nil {
		o.tokens = NewTokenGenerator(nil)
	}
	if o.factory == nil {
		o.factory = NewDeceptionFactory()
	}
	if o.audit == nil {
		o.audit = NewAuditLog(NewRingAuditSink(0))
	}
	if o.metrics == nil {
		o.metrics = NopMetricsCollector{}
	}
	return o
}

// Process classifies one request and returns the verdict the adapter acts
// on. The call is synchronous and CPU-bound; it never suspends on I/O
// beyond the audit append.
func (o *Orchestrator) Process(req *Request) *Verdict {
	started := time.Now()
	rules, policies := o.config.Snapshot()

	fp := FingerprintRequest(req)
	distinctAgents := o.agents.Observe(req.SourceAddress, req.UserAgent, req.Timestamp)
	o.history.Append(fp, HistoryEntry{
		Timestamp:   req.Timestamp,
		Endpoint:    req.Endpoint,
		ContentHash: ContentHash(req),
		Size:        len(req.Body),
		ParamSig:    paramSignature(req),
		ParamCount:  len(req.QueryParams),
		UserAgent:   req.UserAgent,
		Params:      req.QueryParams,
	})
	history := o.history.Snapshot(fp, req.Timestamp)
	o.metrics.SetGauge(metricHistorySize, float64(len(history)), nil)

	reputation := o.reputation.Score(fp, req.Timestamp)
	safety := o.filter.Check(rules, req, history, reputation)
	if safety.Safe() {
		o.metrics.IncrementCounter(metricSafeShortcuts, nil)
		verdict := &Verdict{
			Action: ActionAllow,
			RiskAssessment: RiskAssessment{
				Level:      RiskLow,
				Confidence: safety.Confidence,
				Actions:    []string{"log"},
				Summary:    "cleared at stage " + strconv.Itoa(safety.StageReached),
			},
		}
		if !o.appendAudit(req, fp, verdict) {
			return o.failClosed(req, fp, started)
		}
		if safety.ReputationNudge != 0 {
			o.reputation.Adjust(fp, safety.ReputationNudge, req.Timestamp)
		}
		o.finish(verdict, started)
		return verdict
	}

	if o.hooks.DetectorInvoked != nil {
		o.hooks.DetectorInvoked(fp)
	}
	detection := o.detector.Detect(rules, req, history, distinctAgents)
	assessment := o.scorer.Assess(rules, detection)
	action := o.scorer.Decide(assessment)

	verdict := &Verdict{Action: action, RiskAssessment: assessment}
	if action == ActionAllow {
		// Low-confidence escalations fall back to plain observation; the
		// level's full action set only ships with a hostile verdict.
		verdict.RiskAssessment.Actions = []string{"log", "track"}
	}
	if action != ActionAllow {
		token, err := o.tokens.Generate()
		if err != nil {
			// Token generation failing means the RNG source is broken;
			// nothing downstream is trustworthy.
			if o.logger != nil {
				o.logger.Error().Err(err).Msg("token generation failed")
			}
			return o.failClosed(req, fp, started)
		}
		if o.hooks.TokenGenerated != nil {
			o.hooks.TokenGenerated(token)
		}
		verdict.TrackingToken = token

		registry := policies.Registry()
		scenario, missed := registry.Resolve(assessment.ThreatCategory)
		if missed {
			verdict.Degradations = append(verdict.Degradations, "scenario_resolution_miss:"+assessment.ThreatCategory)
		}
		tier := TierFor(assessment.Level)
		intensity := registry.Intensity(scenario, tier)
		payload, err := o.factory.Build(scenario, intensity, token, req.Timestamp)
		if err != nil {
			verdict.Degradations = append(verdict.Degradations, "payload_fallback:"+scenario.TemplateID)
			fallback, _ := registry.Resolve("")
			payload, err = o.factory.Build(fallback, intensity, token, req.Timestamp)
			if err != nil {
				// Generic builder failing breaks the factory contract.
				if o.logger != nil {
					o.logger.Error().Err(err).Msg("generic payload build failed")
				}
				return o.failClosed(req, fp, started)
			}
			scenario = fallback
		}
		verdict.ScenarioName = scenario.Name
		verdict.DeceptivePayload = payload
		o.metrics.IncrementCounter(metricPayloadBuilds, map[string]string{"template": payload.TemplateID})
	}

	if !o.appendAudit(req, fp, verdict) {
		return o.failClosed(req, fp, started)
	}

	switch action {
	case ActionBlock:
		o.reputation.Adjust(fp, -10, req.Timestamp)
	case ActionCountermeasures:
		o.reputation.Adjust(fp, -5, req.Timestamp)
	case ActionAllow:
		o.reputation.Adjust(fp, 1, req.Timestamp)
	}

	if action != ActionAllow {
		if o.ledger != nil {
			o.ledger.Record(ThreatEvent{
				SourceAddress:  req.SourceAddress,
				Endpoint:       req.Endpoint,
				Action:         string(action),
				Level:          string(assessment.Level),
				ThreatCategory: assessment.ThreatCategory,
				Scenario:       verdict.ScenarioName,
				RiskScore:      assessment.RiskScore,
				Recorded:       req.Timestamp,
			})
		}
		if o.alerts != nil {
			o.alerts.Dispatch(AlertPayload{
				SourceAddress:  req.SourceAddress,
				Endpoint:       req.Endpoint,
				Action:         string(action),
				Level:          string(assessment.Level),
				ThreatCategory: assessment.ThreatCategory,
				Scenario:       verdict.ScenarioName,
				RiskScore:      assessment.RiskScore,
				AuditID:        verdict.AuditID,
				Timestamp:      req.Timestamp,
			})
		}
	}

	if action != ActionAllow && o.logger != nil {
		o.logger.Info().
			Str("action", string(action)).
			Str("level", string(assessment.Level)).
			Str("category", assessment.ThreatCategory).
			Float64("score", assessment.RiskScore).
			Str("scenario", verdict.ScenarioName).
			Uint64("audit_id", verdict.AuditID).
			Msg("hostile request")
	}
	o.finish(verdict, started)
	return verdict
}

// Reload swaps in freshly validated config. On failure the prior snapshot
// stays live; traffic is never refused.
func (o *Orchestrator) Reload() error {
	err := o.config.Reload()
	if err != nil && o.logger != nil {
		o.logger.Warn().Err(err).Msg("reload failed, continuing on prior config")
	}
	return err
}

// appendAudit writes the verdict's record; false means the request must
// fail closed.
func (o *Orchestrator) appendAudit(req *Request, fp Fingerprint, v *Verdict) bool {
	id, err := o.audit.Append(AuditRecord{
		Timestamp:      req.Timestamp,
		Fingerprint:    fp.Hex(),
		Action:         string(v.Action),
		Level:          string(v.RiskAssessment.Level),
		ThreatCategory: v.RiskAssessment.ThreatCategory,
		RiskScore:      v.RiskAssessment.RiskScore,
		Scenario:       v.ScenarioName,
		Token:          string(v.TrackingToken),
		FailClosed:     v.FailClosed,
	})
	if err != nil {
		o.metrics.IncrementCounter(metricAuditFailures, nil)
		if o.logger != nil {
			o.logger.Error().Err(err).Msg("audit append failed")
		}
		return false
	}
	v.AuditID = id
	return true
}

// failClosed is the degraded verdict for requests whose audit trail or
// token source broke: block, no payload, no reputation movement.
func (o *Orchestrator) failClosed(req *Request, fp Fingerprint, started time.Time) *Verdict {
	verdict := &Verdict{
		Action:     ActionBlock,
		FailClosed: true,
		RiskAssessment: RiskAssessment{
			Level:   RiskCritical,
			Actions: []string{"log"},
			Summary: "fail closed",
		},
	}
	o.finish(verdict, started)
	return verdict
}

func (o *Orchestrator) finish(v *Verdict, started time.Time) {
	o.metrics.IncrementCounter(metricVerdicts, map[string]string{
		"action": string(v.Action),
		"level":  string(v.RiskAssessment.Level),
	})
	o.metrics.ObserveHistogram(metricProcessSeconds, time.Since(started).Seconds(), nil)
}
