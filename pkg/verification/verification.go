// Package verification implements the Verification Loop: it checks an
// execution result against the intent, updates the learned confidence map
// with a bounded additive rule, and appends every outcome to the
// execution history log.
package verification

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/stationcalyx/coordinator/pkg/atomicfile"
	"github.com/stationcalyx/coordinator/pkg/calyxtypes"
	"github.com/stationcalyx/coordinator/pkg/log"
	"github.com/stationcalyx/coordinator/pkg/metrics"
)

const (
	confidenceSuccessDelta = 0.02
	confidenceFailureDelta = 0.05
)

// Outcome is the result of verifying one execution.
type Outcome struct {
	Success    bool
	Confidence float64
	Capability string
}

// Loop owns the persisted confidence map and appends to the history log.
type Loop struct {
	mu             sync.Mutex
	confidencePath string
	historyPath    string
	confidence     map[string]calyxtypes.ConfidenceEntry
}

// New loads the confidence map from confidencePath, defaulting to empty
// on a missing or corrupt file.
func New(confidencePath, historyPath string) *Loop {
	l := &Loop{confidencePath: confidencePath, historyPath: historyPath}
	l.confidence = l.load()
	return l
}

func (l *Loop) load() map[string]calyxtypes.ConfidenceEntry {
	data, err := os.ReadFile(l.confidencePath)
	if err != nil {
		return map[string]calyxtypes.ConfidenceEntry{}
	}
	var confidence map[string]calyxtypes.ConfidenceEntry
	if err := json.Unmarshal(data, &confidence); err != nil {
		log.WithComponent("verification").Warn().Err(err).Msg("confidence file unreadable, starting fresh")
		return map[string]calyxtypes.ConfidenceEntry{}
	}
	return confidence
}

func (l *Loop) saveLocked() error {
	data, err := json.MarshalIndent(l.confidence, "", "  ")
	if err != nil {
		return err
	}
	return atomicfile.WriteFile(l.confidencePath, data, 0o644)
}

// VerifyExecution checks result against intent, updates the confidence
// entry for the intent's first required capability, appends a history
// record, and returns the outcome.
func (l *Loop) VerifyExecution(intent calyxtypes.Intent, result map[string]interface{}) Outcome {
	status, _ := result["status"].(string)
	success := status == "done"

	capabilityKey := "unknown"
	if len(intent.RequiredCapabilities) > 0 {
		capabilityKey = intent.RequiredCapabilities[0]
	}

	l.mu.Lock()
	entry, ok := l.confidence[capabilityKey]
	if !ok {
		entry = calyxtypes.ConfidenceEntry{Score: calyxtypes.DefaultConfidence}
	}

	if success {
		entry.Score = min(calyxtypes.ConfidenceCeiling, entry.Score+confidenceSuccessDelta)
	} else {
		entry.Score = max(calyxtypes.ConfidenceFloor, entry.Score-confidenceFailureDelta)
	}
	entry.SampleCount++
	l.confidence[capabilityKey] = entry

	if err := l.saveLocked(); err != nil {
		log.WithComponent("verification").Error().Msg(err.Error())
	}
	l.mu.Unlock()

	metrics.ConfidenceScore.WithLabelValues(capabilityKey).Set(entry.Score)

	l.logHistory(intent, result, success)

	return Outcome{Success: success, Confidence: entry.Score, Capability: capabilityKey}
}

func (l *Loop) logHistory(intent calyxtypes.Intent, result map[string]interface{}, success bool) {
	record := calyxtypes.ExecutionHistoryRecord{
		Timestamp:         time.Now(),
		IntentID:          intent.ID,
		IntentDescription: intent.Description,
		Result:            result,
		Success:           success,
	}

	line, err := json.Marshal(record)
	if err != nil {
		log.WithComponent("verification").Error().Msg(err.Error())
		return
	}
	line = append(line, '\n')

	f, err := os.OpenFile(l.historyPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.WithComponent("verification").Error().Msg(err.Error())
		return
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		log.WithComponent("verification").Error().Msg(err.Error())
	}
}

// GetConfidence returns the current confidence score for a capability,
// defaulting to DefaultConfidence when no history exists.
func (l *Loop) GetConfidence(capability string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if entry, ok := l.confidence[capability]; ok {
		return entry.Score
	}
	return calyxtypes.DefaultConfidence
}

// GetAllConfidence returns a copy of the full confidence map.
func (l *Loop) GetAllConfidence() map[string]calyxtypes.ConfidenceEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]calyxtypes.ConfidenceEntry, len(l.confidence))
	for k, v := range l.confidence {
		out[k] = v
	}
	return out
}

// ReadHistory reads the full execution history log.
func ReadHistory(historyPath string) ([]calyxtypes.ExecutionHistoryRecord, error) {
	f, err := os.Open(historyPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []calyxtypes.ExecutionHistoryRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		var record calyxtypes.ExecutionHistoryRecord
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			continue
		}
		records = append(records, record)
	}
	return records, scanner.Err()
}
