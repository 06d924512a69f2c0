// Package coordinator implements the executive layer: one Pulse call
// drives telemetry intake, state update, guardrail checks, intent
// expiry, prioritization, stall escalation, and gated execution, then
// writes the pulse report and audit trail the rest of the system watches.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/stationcalyx/coordinator/pkg/calyxtypes"
	"github.com/stationcalyx/coordinator/pkg/config"
	"github.com/stationcalyx/coordinator/pkg/domains"
	"github.com/stationcalyx/coordinator/pkg/escalation"
	"github.com/stationcalyx/coordinator/pkg/evidence"
	"github.com/stationcalyx/coordinator/pkg/execution"
	"github.com/stationcalyx/coordinator/pkg/intentartifact"
	"github.com/stationcalyx/coordinator/pkg/intents"
	"github.com/stationcalyx/coordinator/pkg/log"
	"github.com/stationcalyx/coordinator/pkg/manifest"
	"github.com/stationcalyx/coordinator/pkg/metrics"
	"github.com/stationcalyx/coordinator/pkg/resourceprobe"
	"github.com/stationcalyx/coordinator/pkg/statecore"
	"github.com/stationcalyx/coordinator/pkg/telemetry"
	"github.com/stationcalyx/coordinator/pkg/verification"
)

// prioritizedLimit is how many intents the prioritizer surfaces per pulse.
const prioritizedLimit = 5

// maxExecutionsPerPulse is the per-pulse execution cap used when the
// config leaves MaxExecutionsPerPulse at zero or below.
const maxExecutionsPerPulse = 2

// Coordinator owns every pulse-stage component and drives one pulse at a
// time.
type Coordinator struct {
	cfg        config.Config
	telemetry  *telemetry.Intake
	state      *statecore.Core
	intents    *intents.Pipeline
	verify     *verification.Loop
	manifests  *manifest.System
	registry   *domains.Registry
	escalation *escalation.Manager
	execution  *execution.Engine
}

// newDefaultEvidenceStream constructs the filesystem-backed evidence.Stream
// every coordinator writes intent-rejection and lifecycle events to.
func newDefaultEvidenceStream(cfg config.Config) evidence.Stream {
	return evidence.NewStore(cfg.Paths.EvidenceLog)
}

// New wires every component from cfg, using a filesystem-backed evidence
// store and intent artifact loader as the default collaborators.
func New(cfg config.Config) *Coordinator {
	evStream := newDefaultEvidenceStream(cfg)
	artifactLoader := intentartifact.NewFileLoader(cfg.Paths.IntentArtifactDir)

	_, statErr := os.Stat(cfg.Paths.StateFile)
	state := statecore.New(cfg.Paths.StateFile)
	// A state file that does not exist yet starts in the configured default
	// autonomy mode rather than State Core's built-in "suggest".
	defaultMode := calyxtypes.AutonomyMode(cfg.DefaultAutonomyMode)
	if os.IsNotExist(statErr) && (defaultMode == calyxtypes.AutonomyGuide || defaultMode == calyxtypes.AutonomyExecute) {
		if err := state.SetAutonomyMode(defaultMode); err != nil {
			log.WithComponent("coordinator").Warn().Err(err).Msg("failed to apply default autonomy mode")
		}
	}
	intentPipeline := intents.New(filepath.Join(cfg.Paths.IntentsDir, "intents.jsonl"), artifactLoader, evStream)
	verify := verification.New(cfg.Paths.ConfidenceFile, cfg.Paths.HistoryLog)
	manifests := manifest.New(cfg.Paths.ManifestsDir, cfg.ManifestClaimWindow())
	registry := domains.NewRegistry(cfg.Paths.Root, cfg.SchemaValidationRules)
	escalationMgr := escalation.New(cfg.Paths.EscalationsDir)
	executionEngine := execution.New(manifests, registry, escalationMgr, verify)

	return &Coordinator{
		cfg:        cfg,
		telemetry:  telemetry.New(cfg.Paths.Root),
		state:      state,
		intents:    intentPipeline,
		verify:     verify,
		manifests:  manifests,
		registry:   registry,
		escalation: escalationMgr,
		execution:  executionEngine,
	}
}

// Report is the JSON artifact written after every pulse.
type Report struct {
	Timestamp          time.Time                  `json:"timestamp"`
	EventsIngested     int                        `json:"events_ingested"`
	Guardrails         calyxtypes.GuardrailReport `json:"guardrails"`
	IntentsExpired     int                        `json:"intents_expired"`
	// IntentsQueued is the queue depth as of step 4 (prioritization),
	// before gated execution may remove an intent in this same pulse.
	IntentsQueued      int                        `json:"intents_queued"`
	IntentsPrioritized int                        `json:"intents_prioritized"`
	ResourceHeadroom   map[string]interface{}     `json:"resource_headroom"`
	AutonomyMode       calyxtypes.AutonomyMode    `json:"autonomy_mode"`
	TopIntents         []calyxtypes.Intent        `json:"top_intents"`
	Executions         []ExecutionEntry           `json:"executions"`
	Stalls             []calyxtypes.Stall         `json:"stalls"`
	ActiveEscalations  int                        `json:"active_escalations"`
	PulseSequence      int64                      `json:"pulse_sequence"`
}

// ExecutionEntry pairs an intent ID with its execution result, as
// recorded in the pulse report and the audit summary.
type ExecutionEntry struct {
	IntentID string           `json:"intent_id"`
	Result   execution.Result `json:"result"`
}

// Pulse runs one full coordinator cycle and returns the resulting report.
func (c *Coordinator) Pulse() Report {
	logger := log.WithComponent("coordinator")
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.PulseDuration)
		metrics.PulsesTotal.Inc()
	}()

	// 1. Telemetry intake + state update.
	events := c.telemetry.IngestRecent(5 * time.Minute)
	metrics.EventsIngestedTotal.Add(float64(len(events)))
	c.state.UpdateFromEvents(events)

	// When no overseer heartbeat has populated resource_headroom yet (cold
	// start, or the overseer isn't running), fall back to a local reading
	// so guardrails and memory_embeddings.CanExecute have something to
	// gate on instead of treating every gate as unknown-therefore-ok.
	if _, cpuKnown := c.state.GetResourceHeadroom()["cpu_ok"]; !cpuKnown {
		c.probeLocalResources()
	}

	// 2. Guardrail check.
	guardrails := c.state.CheckGuardrails()
	for range guardrails.Violations {
		metrics.GuardrailViolationsTotal.WithLabelValues("guardrail").Inc()
	}

	// 3. Intent expiry.
	expiredCount := c.intents.ExpireIntents()

	// 4. Prioritization.
	prioritized := c.intents.GetPrioritizedIntents(prioritizedLimit)
	queuedAtPrioritization := c.intents.Len()

	// 5. Stall detection and escalation.
	stalls := c.escalation.CheckStalls()
	for _, stall := range stalls {
		intent, ok := c.intents.GetIntent(stall.IntentID)
		if !ok {
			continue
		}
		reason := fmt.Sprintf("execution stalled for %.1f minutes", stall.ElapsedMinutes)
		escalationID, err := c.escalation.Escalate(intent, reason)
		if err != nil {
			logger.Error().Err(err).Msg("failed to file escalation")
			continue
		}
		logger.Warn().Str("escalation_id", escalationID).Str("intent_id", stall.IntentID).Msg("escalation created for stalled intent")
	}

	// 6. Gated execution.
	state := c.state.Snapshot()
	var executions []ExecutionEntry
	if state.AutonomyMode == calyxtypes.AutonomyGuide || state.AutonomyMode == calyxtypes.AutonomyExecute {
		execLimit := c.cfg.MaxExecutionsPerPulse
		if execLimit <= 0 {
			execLimit = maxExecutionsPerPulse
		}
		for i := 0; i < len(prioritized) && i < execLimit; i++ {
			intent := prioritized[i]

			canExec := c.execution.CanExecute(intent, state)
			c.writeDebugTrace(intent, canExec)

			if !canExec {
				continue
			}

			result := c.execution.ExecuteIntent(intent, state)
			executions = append(executions, ExecutionEntry{IntentID: intent.ID, Result: result})

			if removeAfterExecution(result) {
				c.intents.RemoveIntent(intent.ID)
			}
		}
	}

	activeEscalations, err := c.escalation.GetActiveEscalations()
	if err != nil {
		logger.Warn().Err(err).Msg("failed to read active escalations")
	}

	pulseSeq, err := c.state.IncrementPulseSequence()
	if err != nil {
		logger.Error().Err(err).Msg("failed to persist pulse sequence")
	}

	top := prioritized
	if len(top) > 3 {
		top = top[:3]
	}

	report := Report{
		Timestamp:          time.Now(),
		EventsIngested:     len(events),
		Guardrails:         guardrails,
		IntentsExpired:     expiredCount,
		IntentsQueued:      queuedAtPrioritization,
		IntentsPrioritized: len(prioritized),
		ResourceHeadroom:   c.state.GetResourceHeadroom(),
		AutonomyMode:       state.AutonomyMode,
		TopIntents:         top,
		Executions:         executions,
		Stalls:             stalls,
		ActiveEscalations:  len(activeEscalations),
		PulseSequence:      pulseSeq,
	}

	c.writeReport(report)
	c.writeAuditSummary(report)
	c.writeDialogLog(report)

	return report
}

// removeAfterExecution is the queue-removal policy for an executed intent:
// any result other than "skipped" removes it, including "error".
func removeAfterExecution(result execution.Result) bool {
	return result.Status != "" && result.Status != "skipped"
}

// probeLocalResources samples local CPU/memory and folds the result
// directly into state as a synthetic overseer-shaped event, so the rest
// of the pipeline never needs to know whether a gate came from a real
// overseer heartbeat or a local fallback.
func (c *Coordinator) probeLocalResources() {
	headroom, err := resourceprobe.Sample(context.Background(), resourceprobe.DefaultThresholds(), 200*time.Millisecond)
	if err != nil {
		log.WithComponent("coordinator").Warn().Err(err).Msg("local resource probe failed")
		return
	}

	synthetic := calyxtypes.NewEventEnvelope(time.Now(), "cbo_overseer", calyxtypes.CategoryStatus, map[string]interface{}{
		"capacity": map[string]interface{}{
			"cpu_ok": headroom.CPUOk,
			"mem_ok": headroom.MemOk,
			"gpu_ok": headroom.GPUOk,
		},
	})
	c.state.UpdateFromEvents([]calyxtypes.EventEnvelope{synthetic})
}

func (c *Coordinator) bridgeDir() string {
	return filepath.Join(c.cfg.Paths.Root, "outgoing", "bridge")
}

func (c *Coordinator) writeDebugTrace(intent calyxtypes.Intent, canExecute bool) {
	path := c.cfg.Paths.DebugLog
	if path == "" {
		path = filepath.Join(c.bridgeDir(), "coord_debug.log")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return
	}

	line := fmt.Sprintf("%s DEBUG> considering intent=%s autonomy=%s can_execute=%t\n",
		time.Now().Format(time.RFC3339), intent.ID, intent.AutonomyRequired, canExecute)
	appendLine(path, line)
}

func (c *Coordinator) writeReport(report Report) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		log.WithComponent("coordinator").Error().Msg(err.Error())
		return
	}
	path := filepath.Join(c.bridgeDir(), "last_pulse_report.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return
	}
	_ = os.WriteFile(path, data, 0o644)
}

func (c *Coordinator) writeAuditSummary(report Report) {
	type auditEntry struct {
		IntentID   string `json:"intent_id"`
		Status     string `json:"status"`
		ManifestID string `json:"manifest_id,omitempty"`
		Domain     string `json:"domain,omitempty"`
	}
	summary := struct {
		Timestamp  time.Time    `json:"timestamp"`
		Executions []auditEntry `json:"executions"`
	}{Timestamp: time.Now()}

	for _, ex := range report.Executions {
		summary.Executions = append(summary.Executions, auditEntry{
			IntentID:   ex.IntentID,
			Status:     ex.Result.Status,
			ManifestID: ex.Result.ManifestID,
			Domain:     ex.Result.Domain,
		})
	}

	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return
	}
	path := filepath.Join(c.bridgeDir(), "execution_audit_summary.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return
	}
	_ = os.WriteFile(path, data, 0o644)
}

func (c *Coordinator) writeDialogLog(report Report) {
	path := c.cfg.Paths.DialogLog
	if path == "" {
		path = filepath.Join(c.bridgeDir(), "dialog.log")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return
	}

	ts := time.Now().Format(time.RFC3339)
	for _, ex := range report.Executions {
		line := fmt.Sprintf("%s COORD> intent=%s status=%s", ts, ex.IntentID, ex.Result.Status)
		if ex.Result.ManifestID != "" {
			line += " manifest=" + ex.Result.ManifestID
		}
		if ex.Result.Domain != "" {
			line += " domain=" + ex.Result.Domain
		}
		if ex.Result.Error != "" {
			line += " error=" + ex.Result.Error
		}
		appendLine(path, line+"\n")
	}
}

func appendLine(path, line string) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.WriteString(line)
}

// AddIntent constructs an Intent with a fresh ID and hands it to the
// pipeline's gate + dedup check, returning the new ID on success.
func (c *Coordinator) AddIntent(description, origin string, requiredCapabilities []string, desiredOutcome string, priorityHint int, autonomyRequired calyxtypes.AutonomyMode) (string, bool) {
	if origin == "" {
		origin = "CBO"
	}
	if autonomyRequired == "" {
		autonomyRequired = calyxtypes.AutonomySuggest
	}

	intent := calyxtypes.Intent{
		ID:                   "i-" + uuid.NewString()[:8],
		Origin:               origin,
		Description:          description,
		RequiredCapabilities: requiredCapabilities,
		DesiredOutcome:       desiredOutcome,
		PriorityHint:         priorityHint,
		AutonomyRequired:     autonomyRequired,
		Risk:                 calyxtypes.DefaultRisk(),
		Version:              calyxtypes.IntentVersion,
	}

	if !c.intents.AddIntent(intent) {
		return "", false
	}
	return intent.ID, true
}

// Status is the snapshot `calyxd status` reports.
type Status struct {
	State        calyxtypes.SystemState                 `json:"state"`
	IntentsCount int                                    `json:"intents_count"`
	Confidence   map[string]calyxtypes.ConfidenceEntry  `json:"confidence"`
	AutonomyMode calyxtypes.AutonomyMode                `json:"autonomy_mode"`
}

// GetStatus returns the current coordinator status.
func (c *Coordinator) GetStatus() Status {
	state := c.state.Snapshot()
	return Status{
		State:        state,
		IntentsCount: c.intents.Len(),
		Confidence:   c.verify.GetAllConfidence(),
		AutonomyMode: state.AutonomyMode,
	}
}

// SetAutonomyMode sets and persists the autonomy mode, for operational
// parity with the original out-of-process autonomy-mode tool.
func (c *Coordinator) SetAutonomyMode(mode calyxtypes.AutonomyMode) error {
	return c.state.SetAutonomyMode(mode)
}

// ResolveEscalation resolves an escalation with a human decision.
func (c *Coordinator) ResolveEscalation(escalationID, decision string) bool {
	return c.escalation.ResolveEscalation(escalationID, decision)
}
