// Package statecore maintains the coordinator's shared world model: the
// single persisted SystemState every other component reads gates,
// autonomy mode, and failure streaks from.
package statecore

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/stationcalyx/coordinator/pkg/atomicfile"
	"github.com/stationcalyx/coordinator/pkg/calyxtypes"
	"github.com/stationcalyx/coordinator/pkg/log"
	"github.com/stationcalyx/coordinator/pkg/metrics"
)

// failureStreakThreshold is the consecutive-failure count that trips the
// "too many consecutive failures" guardrail.
const failureStreakThreshold = 3

// Core owns the on-disk state file and serializes all access to it.
type Core struct {
	mu        sync.Mutex
	statePath string
	state     calyxtypes.SystemState
}

// New loads state from statePath, falling back to a freshly defaulted
// state if the file is missing or unreadable — matching the original's
// broad "corrupt state is empty state" recovery behavior.
func New(statePath string) *Core {
	c := &Core{statePath: statePath}
	c.state = c.load()
	return c
}

func (c *Core) load() calyxtypes.SystemState {
	logger := log.WithComponent("statecore")

	data, err := os.ReadFile(c.statePath)
	if err != nil {
		return calyxtypes.NewSystemState()
	}

	var state calyxtypes.SystemState
	if err := json.Unmarshal(data, &state); err != nil {
		logger.Warn().Err(err).Msg("state file unreadable, starting from defaults")
		return calyxtypes.NewSystemState()
	}

	if state.ResourceHeadroom == nil {
		state.ResourceHeadroom = map[string]interface{}{}
	}
	if state.Gates == nil {
		state.Gates = map[string]interface{}{}
	}
	if state.AgentStatus == nil {
		state.AgentStatus = map[string]interface{}{}
	}
	if state.TESSummary == nil {
		state.TESSummary = map[string]interface{}{}
	}
	if state.FailureStreaks == nil {
		state.FailureStreaks = map[string]int{}
	}
	if state.AutonomyMode == "" {
		state.AutonomyMode = calyxtypes.AutonomySuggest
	}

	return state
}

// saveLocked persists the current state. Callers must hold c.mu. Every
// call updates the "statecore" health component so the readiness surface
// reflects whether the world model is actually persisting, not just
// whether it was constructed.
func (c *Core) saveLocked() error {
	c.state.LastUpdated = time.Now()
	data, err := json.MarshalIndent(c.state, "", "  ")
	if err != nil {
		metrics.UpdateComponent("statecore", false, err.Error())
		return err
	}
	if err := atomicfile.WriteFile(c.statePath, data, 0o644); err != nil {
		metrics.UpdateComponent("statecore", false, err.Error())
		return err
	}
	metrics.UpdateComponent("statecore", true, "ready")
	return nil
}

// Snapshot returns a copy of the current state.
func (c *Core) Snapshot() calyxtypes.SystemState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// UpdateFromEvents folds a batch of telemetry events into state, matching
// the original per-source dispatch: cbo_overseer events replace gates,
// resource headroom, and agent status wholesale; agent_scheduler events
// update failure streaks.
func (c *Core) UpdateFromEvents(events []calyxtypes.EventEnvelope) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, event := range events {
		switch event.Source {
		case "cbo_overseer":
			c.updateFromOverseer(event.Payload)
		case "agent_scheduler":
			c.updateFromAgentMetrics(event.Payload)
		}
	}

	if err := c.saveLocked(); err != nil {
		log.WithComponent("statecore").Error().Msg(err.Error())
	}
}

func (c *Core) updateFromOverseer(payload map[string]interface{}) {
	if gates, ok := payload["gates"].(map[string]interface{}); ok {
		c.state.Gates = gates
	}
	if capacity, ok := payload["capacity"].(map[string]interface{}); ok {
		c.state.ResourceHeadroom = capacity
	}
	if locks, ok := payload["locks"].(map[string]interface{}); ok {
		c.state.AgentStatus = locks
	}
}

func (c *Core) updateFromAgentMetrics(payload map[string]interface{}) {
	status, _ := payload["status"].(string)
	autonomyMode, ok := payload["autonomy_mode"].(string)
	if !ok {
		autonomyMode = "unknown"
	}

	if status != "done" {
		key := "failure_" + autonomyMode
		c.state.FailureStreaks[key]++
	} else {
		for key := range c.state.FailureStreaks {
			c.state.FailureStreaks[key] = 0
		}
	}
}

// GetResourceHeadroom returns the current resource headroom map.
func (c *Core) GetResourceHeadroom() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.ResourceHeadroom
}

// GetAutonomyMode returns the current autonomy mode.
func (c *Core) GetAutonomyMode() calyxtypes.AutonomyMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.AutonomyMode
}

// SetAutonomyMode sets and persists the autonomy mode.
func (c *Core) SetAutonomyMode(mode calyxtypes.AutonomyMode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.AutonomyMode = mode
	return c.saveLocked()
}

// GetTESSummary returns the current task-execution-score summary.
func (c *Core) GetTESSummary() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.TESSummary
}

// SetTESSummary replaces the TES summary and persists it. The
// metrics_summary domain writes its summary to a file and does not call
// this.
func (c *Core) SetTESSummary(summary map[string]interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.TESSummary = summary
	return c.saveLocked()
}

// IncrementPulseSequence bumps and persists the pulse counter, returning
// the new value.
func (c *Core) IncrementPulseSequence() (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.PulseSequence++
	return c.state.PulseSequence, c.saveLocked()
}

// CheckGuardrails evaluates the pure guardrail predicate against the
// current state: any of cpu_ok/mem_ok/gpu_ok false, or any failure streak
// at or above the threshold, is a violation.
func (c *Core) CheckGuardrails() calyxtypes.GuardrailReport {
	c.mu.Lock()
	defer c.mu.Unlock()

	var violations []string

	if ok, present := c.state.ResourceHeadroom["cpu_ok"].(bool); !present || !ok {
		if present && !ok {
			violations = append(violations, "CPU headroom critical")
		}
	}
	if ok, present := c.state.ResourceHeadroom["mem_ok"].(bool); present && !ok {
		violations = append(violations, "RAM headroom critical")
	}
	if ok, present := c.state.ResourceHeadroom["gpu_ok"].(bool); present && !ok {
		violations = append(violations, "GPU headroom critical")
	}

	for _, count := range c.state.FailureStreaks {
		if count >= failureStreakThreshold {
			violations = append(violations, "Too many consecutive failures")
			break
		}
	}

	return calyxtypes.GuardrailReport{
		Violations: violations,
		OK:         len(violations) == 0,
	}
}
