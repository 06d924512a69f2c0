// Package execution implements the Execution Engine: it matches an
// intent's required capabilities against the domain registry, guards
// dispatch with a manifest claim, runs the domain, and routes the result
// through verification and, on failure, rollback.
package execution

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/stationcalyx/coordinator/pkg/calyxtypes"
	"github.com/stationcalyx/coordinator/pkg/domains"
	"github.com/stationcalyx/coordinator/pkg/escalation"
	"github.com/stationcalyx/coordinator/pkg/log"
	"github.com/stationcalyx/coordinator/pkg/manifest"
	"github.com/stationcalyx/coordinator/pkg/metrics"
	"github.com/stationcalyx/coordinator/pkg/verification"
)

// Engine wires the manifest system, domain registry, and escalation
// tracker together for a single ExecuteIntent call.
type Engine struct {
	manifests  *manifest.System
	registry   *domains.Registry
	escalation *escalation.Manager
	verify     *verification.Loop
}

// New constructs an Engine from its already-initialized collaborators.
func New(manifests *manifest.System, registry *domains.Registry, esc *escalation.Manager, verify *verification.Loop) *Engine {
	return &Engine{manifests: manifests, registry: registry, escalation: esc, verify: verify}
}

// Result is what ExecuteIntent returns.
type Result struct {
	Status     string
	ManifestID string
	Domain     string
	Result     map[string]interface{}
	Rollback   map[string]interface{}
	Confidence float64
	Error      string
}

// CanExecute reports whether any of intent's required capabilities can
// currently run.
func (e *Engine) CanExecute(intent calyxtypes.Intent, state calyxtypes.SystemState) bool {
	for _, capability := range intent.RequiredCapabilities {
		if e.registry.CanExecuteDomain(capability, state) {
			return true
		}
	}
	return false
}

// ExecuteIntent runs the first matching, currently-executable capability
// under manifest protection, verifies the result, and rolls back on
// failure.
func (e *Engine) ExecuteIntent(intent calyxtypes.Intent, state calyxtypes.SystemState) Result {
	logger := log.WithIntentID(intent.ID)

	for _, capability := range intent.RequiredCapabilities {
		domain := e.registry.GetDomain(capability)
		if domain == nil || !e.registry.CanExecuteDomain(capability, state) {
			continue
		}

		manifestContent := map[string]interface{}{
			"intent_id":   intent.ID,
			"capability":  capability,
			"description": intent.Description,
		}

		manifestID, err := e.manifests.CreateManifest(intent.ID, manifestContent)
		if err != nil {
			logger.Error().Msg(err.Error())
			return Result{Status: "error", Error: err.Error()}
		}

		if !e.manifests.ClaimManifest(manifestID) {
			return Result{Status: "skipped", ManifestID: manifestID, Error: "manifest already claimed by another process"}
		}

		e.escalation.TrackExecution(intent.ID)

		timer := metrics.NewTimer()
		result, panicErr := e.runDomain(domain, intent, logger)
		timer.ObserveDurationVec(metrics.ExecutionDuration, capability)
		e.registry.MarkRan(capability)

		if panicErr != "" {
			e.manifests.MarkFailed(manifestID, panicErr)
			e.escalation.ClearExecution(intent.ID)
			metrics.ExecutionsTotal.WithLabelValues(capability, "error").Inc()
			return Result{Status: "error", ManifestID: manifestID, Error: panicErr}
		}

		outcome := e.verify.VerifyExecution(intent, result)
		e.escalation.ClearExecution(intent.ID)

		if outcome.Success {
			e.manifests.MarkComplete(manifestID, result)
			metrics.ExecutionsTotal.WithLabelValues(capability, "done").Inc()
			return Result{
				Status:     "done",
				ManifestID: manifestID,
				Domain:     capability,
				Result:     result,
				Confidence: outcome.Confidence,
			}
		}

		rollback := domain.Rollback(result)
		errMsg := "unknown"
		if msg, ok := result["error"].(string); ok {
			errMsg = msg
		}
		e.manifests.MarkFailed(manifestID, errMsg)
		metrics.ExecutionsTotal.WithLabelValues(capability, "failed").Inc()
		return Result{
			Status:     "failed",
			ManifestID: manifestID,
			Domain:     capability,
			Result:     result,
			Rollback:   rollback,
		}
	}

	return Result{Status: "skipped", Error: "no matching autonomous domain"}
}

// runDomain invokes domain.Execute behind a catch-all guard: a domain that
// panics must surface as an execution error, not bring down the pulse loop.
// A non-empty panicErr means result is unset and the caller should take the
// uncaught-failure path (spec §4.6 step 5) rather than routing through
// verification.
func (e *Engine) runDomain(domain domains.Domain, intent calyxtypes.Intent, logger zerolog.Logger) (result map[string]interface{}, panicErr string) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("domain execution panicked")
			panicErr = fmt.Sprintf("domain panicked during execution: %v", r)
		}
	}()
	return domain.Execute(intent), ""
}
