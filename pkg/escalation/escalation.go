// Package escalation implements the Escalation Manager: it tracks
// in-flight executions for stall detection and files human-review
// artifacts when a stall or other unresolved condition needs attention.
package escalation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/stationcalyx/coordinator/pkg/atomicfile"
	"github.com/stationcalyx/coordinator/pkg/calyxtypes"
	"github.com/stationcalyx/coordinator/pkg/log"
	"github.com/stationcalyx/coordinator/pkg/metrics"
)

const stallThreshold = 900 * time.Second

// Manager tracks execution start times and owns the on-disk escalation
// directory.
type Manager struct {
	mu               sync.Mutex
	dir              string
	trackers         map[string]time.Time
	escalationCounts map[string]int // intent ID -> times escalated, for the severity bump
}

// New constructs a Manager rooted at dir (typically <root>/outgoing/escalations).
func New(dir string) *Manager {
	return &Manager{
		dir:              dir,
		trackers:         make(map[string]time.Time),
		escalationCounts: make(map[string]int),
	}
}

// TrackExecution records that intentID's execution started now.
func (m *Manager) TrackExecution(intentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trackers[intentID] = time.Now()
}

// ClearExecution drops intentID's tracker once it completes or fails.
func (m *Manager) ClearExecution(intentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.trackers, intentID)
}

// CheckStalls returns every tracked execution that has exceeded the stall
// threshold.
func (m *Manager) CheckStalls() []calyxtypes.Stall {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stalls []calyxtypes.Stall
	for intentID, startedAt := range m.trackers {
		elapsed := time.Since(startedAt)
		if elapsed > stallThreshold {
			stalls = append(stalls, calyxtypes.Stall{
				IntentID:       intentID,
				ElapsedMinutes: elapsed.Minutes(),
				Status:         "stalled",
			})
		}
	}

	if len(stalls) > 0 {
		metrics.StallsDetectedTotal.Add(float64(len(stalls)))
	}
	return stalls
}

// Escalate files a new escalation artifact for intent, returning its ID.
// Severity is "medium" on a first escalation for this intent and "high"
// thereafter — a repeat stall on the same intent is a stronger signal
// that automated recovery has failed.
func (m *Manager) Escalate(intent calyxtypes.Intent, reason string) (string, error) {
	m.mu.Lock()
	m.escalationCounts[intent.ID]++
	count := m.escalationCounts[intent.ID]
	m.mu.Unlock()

	severity := calyxtypes.SeverityMedium
	if count > 1 {
		severity = calyxtypes.SeverityHigh
	}

	escalationID := fmt.Sprintf("esc-%d", time.Now().Unix())
	record := calyxtypes.EscalationRecord{
		ID:             escalationID,
		Timestamp:      time.Now(),
		Intent:         intent,
		Reason:         reason,
		Severity:       severity,
		ActionRequired: "human_decision",
		Resolved:       false,
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return "", err
	}

	path := filepath.Join(m.dir, escalationID+".json")
	if err := atomicfile.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}

	metrics.EscalationsOpenTotal.Inc()
	return escalationID, nil
}

// ResolveEscalation marks an escalation resolved with decision, returning
// false if the escalation doesn't exist.
func (m *Manager) ResolveEscalation(escalationID, decision string) bool {
	path := filepath.Join(m.dir, escalationID+".json")

	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}

	var record calyxtypes.EscalationRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return false
	}

	now := time.Now()
	record.Resolved = true
	record.Resolution = decision
	record.ResolvedAt = &now

	out, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return false
	}
	if err := atomicfile.WriteFile(path, out, 0o644); err != nil {
		log.WithComponent("escalation").Error().Msg(err.Error())
		return false
	}

	metrics.EscalationsOpenTotal.Dec()
	return true
}

// GetActiveEscalations returns every unresolved escalation on disk.
func (m *Manager) GetActiveEscalations() ([]calyxtypes.EscalationRecord, error) {
	matches, err := filepath.Glob(filepath.Join(m.dir, "esc-*.json"))
	if err != nil {
		return nil, err
	}

	var active []calyxtypes.EscalationRecord
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var record calyxtypes.EscalationRecord
		if err := json.Unmarshal(data, &record); err != nil {
			continue
		}
		if !record.Resolved {
			active = append(active, record)
		}
	}
	return active, nil
}
