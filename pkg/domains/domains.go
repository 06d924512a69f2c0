// Package domains implements the Domain Registry and the five Day-1 safe
// autonomous operations the Execution Engine is allowed to dispatch:
// log rotation, metrics summarization, schema validation, stale-probe
// detection, and memory embeddings maintenance.
package domains

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/stationcalyx/coordinator/pkg/calyxtypes"
)

// Domain is one autonomous capability the registry can dispatch.
type Domain interface {
	// CanExecute reports whether the domain's preconditions hold given
	// the current system state and the time it last ran (zero if never).
	CanExecute(state calyxtypes.SystemState, lastRun time.Time) bool
	Execute(intent calyxtypes.Intent) map[string]interface{}
	VerifySuccess(result map[string]interface{}) bool
	Rollback(result map[string]interface{}) map[string]interface{}
}

// Registry holds the five built-in domains and a per-capability last-run
// time, passed to every domain's CanExecute. Only log_rotation applies a
// cooldown from it; the other domains ignore it.
type Registry struct {
	mu      sync.Mutex
	domains map[string]Domain
	lastRun map[string]time.Time
}

// NewRegistry constructs the registry rooted at root, matching the
// original's directory layout (logs/, outgoing/). schemaRules,
// if non-empty, is wired into the schema_validation domain as additional
// JSONPath+gval assertions beyond its plain well-formed check.
func NewRegistry(root string, schemaRules []Rule) *Registry {
	return &Registry{
		domains: map[string]Domain{
			"log_rotation":      newLogRotationDomain(root),
			"metrics_summary":   newMetricsSummaryDomain(root),
			"schema_validation": newSchemaValidationDomain(root).WithRules(schemaRules),
			"auto_restart":      newAutoRestartDomain(root),
			"memory_embeddings": newMemoryEmbeddingsDomain(root),
		},
		lastRun: make(map[string]time.Time),
	}
}

// Capabilities returns the registered capability names, sorted for
// deterministic iteration (log output, tests).
func (r *Registry) Capabilities() []string {
	names := make([]string, 0, len(r.domains))
	for name := range r.domains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetDomain returns the domain for capability, or nil if unknown.
func (r *Registry) GetDomain(capability string) Domain {
	return r.domains[capability]
}

// Register adds or replaces the implementation for capability. New
// capabilities extend the registry this way; the Coordinator and
// Execution Engine need no change to dispatch them.
func (r *Registry) Register(capability string, domain Domain) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.domains[capability] = domain
}

// CanExecuteDomain reports whether capability's preconditions currently
// hold.
func (r *Registry) CanExecuteDomain(capability string, state calyxtypes.SystemState) bool {
	domain := r.GetDomain(capability)
	if domain == nil {
		return false
	}
	r.mu.Lock()
	lastRun := r.lastRun[capability]
	r.mu.Unlock()
	return domain.CanExecute(state, lastRun)
}

// MarkRan records that capability just ran, for the cooldown check on its
// next CanExecuteDomain call.
func (r *Registry) MarkRan(capability string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastRun[capability] = time.Now()
}

// --- log_rotation ---

const (
	logRotationFileThreshold = 20
	logRotationAgeThreshold  = 7 * 24 * time.Hour
	logRotationCooldown      = time.Hour
)

type logRotationDomain struct {
	logsDir    string
	archiveDir string
}

func newLogRotationDomain(root string) *logRotationDomain {
	logsDir := filepath.Join(root, "logs")
	return &logRotationDomain{logsDir: logsDir, archiveDir: filepath.Join(logsDir, "archive")}
}

func (d *logRotationDomain) CanExecute(_ calyxtypes.SystemState, lastRun time.Time) bool {
	if !lastRun.IsZero() && time.Since(lastRun) < logRotationCooldown {
		return false
	}
	files, err := filepath.Glob(filepath.Join(d.logsDir, "*.log"))
	if err != nil {
		return false
	}
	return len(files) > logRotationFileThreshold
}

func (d *logRotationDomain) Execute(_ calyxtypes.Intent) map[string]interface{} {
	if err := os.MkdirAll(d.archiveDir, 0o755); err != nil {
		return map[string]interface{}{"status": "error", "error": err.Error()}
	}

	files, err := filepath.Glob(filepath.Join(d.logsDir, "*.log"))
	if err != nil {
		return map[string]interface{}{"status": "error", "error": err.Error()}
	}

	cutoff := time.Now().Add(-logRotationAgeThreshold)
	rotated := 0
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		dest := filepath.Join(d.archiveDir, filepath.Base(file))
		if err := os.Rename(file, dest); err == nil {
			rotated++
		}
	}

	return map[string]interface{}{
		"status":        "done",
		"rotated_files": rotated,
		"message":       "rotated log files",
	}
}

func (d *logRotationDomain) VerifySuccess(result map[string]interface{}) bool {
	if status, _ := result["status"].(string); status != "done" {
		return false
	}
	if rotated, ok := result["rotated_files"].(int); ok && rotated > 0 {
		return true
	}
	files, err := filepath.Glob(filepath.Join(d.logsDir, "*.log"))
	if err != nil {
		return false
	}
	return len(files) <= logRotationFileThreshold
}

func (d *logRotationDomain) Rollback(map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{"status": "rollback", "message": "log rotation rollback not implemented"}
}

// --- metrics_summary ---

const metricsSummaryCooldown = time.Hour

type metricsSummaryDomain struct {
	metricsCSV  string
	summaryFile string
}

func newMetricsSummaryDomain(root string) *metricsSummaryDomain {
	return &metricsSummaryDomain{
		metricsCSV:  filepath.Join(root, "logs", "agent_metrics.csv"),
		summaryFile: filepath.Join(root, "outgoing", "metrics_summary.json"),
	}
}

func (d *metricsSummaryDomain) CanExecute(_ calyxtypes.SystemState, _ time.Time) bool {
	info, err := os.Stat(d.summaryFile)
	if err != nil {
		return true
	}
	return time.Since(info.ModTime()) > metricsSummaryCooldown
}

func (d *metricsSummaryDomain) Execute(_ calyxtypes.Intent) map[string]interface{} {
	rows, err := readCSVRows(d.metricsCSV)
	if err != nil {
		return map[string]interface{}{"status": "done", "message": "no metrics file to summarize"}
	}
	if len(rows) == 0 {
		return map[string]interface{}{"status": "done", "message": "no metrics to summarize"}
	}

	recent := rows
	if len(recent) > 20 {
		recent = recent[len(recent)-20:]
	}

	var tesValues []float64
	for _, row := range recent {
		if v, ok := parseFloatCell(row, "tes"); ok {
			tesValues = append(tesValues, v)
		}
	}

	summary := map[string]interface{}{
		"timestamp":   time.Now().Format(time.RFC3339),
		"total_runs":  len(rows),
		"recent_runs": len(recent),
		"mean_tes":    meanOf(tesValues),
		"max_tes":     maxOf(tesValues),
		"min_tes":     minOf(tesValues),
	}

	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return map[string]interface{}{"status": "error", "error": err.Error()}
	}
	if err := os.MkdirAll(filepath.Dir(d.summaryFile), 0o755); err != nil {
		return map[string]interface{}{"status": "error", "error": err.Error()}
	}
	if err := os.WriteFile(d.summaryFile, data, 0o644); err != nil {
		return map[string]interface{}{"status": "error", "error": err.Error()}
	}

	return map[string]interface{}{
		"status":       "done",
		"summary_file": d.summaryFile,
		"mean_tes":     summary["mean_tes"],
	}
}

func (d *metricsSummaryDomain) VerifySuccess(result map[string]interface{}) bool {
	if status, _ := result["status"].(string); status != "done" {
		return false
	}
	_, err := os.Stat(d.summaryFile)
	return err == nil
}

func (d *metricsSummaryDomain) Rollback(map[string]interface{}) map[string]interface{} {
	_ = os.Remove(d.summaryFile)
	return map[string]interface{}{"status": "rollback", "message": "metrics summary removed"}
}
