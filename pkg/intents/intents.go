// Package intents implements the Intent Pipeline: the gated, deduplicated,
// persisted queue of declarative work requests the Coordinator
// prioritizes and dispatches from.
package intents

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/stationcalyx/coordinator/pkg/atomicfile"
	"github.com/stationcalyx/coordinator/pkg/calyxtypes"
	"github.com/stationcalyx/coordinator/pkg/evidence"
	"github.com/stationcalyx/coordinator/pkg/intentartifact"
	"github.com/stationcalyx/coordinator/pkg/log"
	"github.com/stationcalyx/coordinator/pkg/metrics"
)

// maxFreshnessBoost caps the expiry-derived priority bonus.
const maxFreshnessBoost = 20.0

// ErrUnsupportedVersion marks a persisted intent record whose version this
// Coordinator build doesn't recognize. Loading treats it the same as a
// corrupt record: skip and keep going, never fail the whole queue.
var ErrUnsupportedVersion = errors.New("intents: unsupported intent version")

// Pipeline owns the persisted intent queue.
type Pipeline struct {
	mu          sync.Mutex
	path        string
	intents     []calyxtypes.Intent
	artifacts   intentartifact.Loader
	evidence    evidence.Stream
}

// New loads a pipeline from path, treating a missing or corrupt file as
// an empty queue.
func New(path string, artifacts intentartifact.Loader, stream evidence.Stream) *Pipeline {
	p := &Pipeline{path: path, artifacts: artifacts, evidence: stream}
	p.intents = p.load()
	return p
}

func (p *Pipeline) load() []calyxtypes.Intent {
	logger := log.WithComponent("intents")

	f, err := os.Open(p.path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var loaded []calyxtypes.Intent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		var intent calyxtypes.Intent
		if err := json.Unmarshal([]byte(line), &intent); err != nil {
			logger.Warn().Err(err).Msg("skipping unparseable intent record")
			continue
		}
		if intent.Version != "" && intent.Version != calyxtypes.IntentVersion {
			logger.Warn().Err(ErrUnsupportedVersion).Str("intent_id", intent.ID).Str("version", intent.Version).Msg("skipping intent record with unrecognized version")
			continue
		}
		loaded = append(loaded, intent)
	}

	return loaded
}

// saveLocked persists the queue and updates the "intents" health component
// so a failing write surfaces on the readiness endpoint instead of only in
// the log.
func (p *Pipeline) saveLocked() error {
	var buf []byte
	for _, intent := range p.intents {
		line, err := json.Marshal(intent)
		if err != nil {
			metrics.UpdateComponent("intents", false, err.Error())
			return err
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	if err := atomicfile.WriteFile(p.path, buf, 0o644); err != nil {
		metrics.UpdateComponent("intents", false, err.Error())
		return err
	}
	metrics.UpdateComponent("intents", true, "ready")
	return nil
}

// AddIntent admits intent into the queue after the artifact-clarification
// gate and a dedup check, matching the original's checks in that order:
// no-artifact and unclarified are rejected with a typed evidence event;
// a duplicate (identical description and required capabilities) is
// silently dropped — not itself a rejection.
func (p *Pipeline) AddIntent(intent calyxtypes.Intent) bool {
	if intent.Version == "" {
		intent.Version = calyxtypes.IntentVersion
	}

	artifact, err := p.artifacts.LoadIntentArtifact(intent.ID)
	if err != nil {
		p.rejectArtifactError(intent)
		return false
	}
	if artifact == nil {
		p.rejectNoArtifact(intent)
		return false
	}
	if err := intentartifact.RequireClarified(artifact); err != nil {
		p.rejectUnclarified(intent, err)
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, existing := range p.intents {
		if existing.Description == intent.Description && sameCapabilities(existing.RequiredCapabilities, intent.RequiredCapabilities) {
			return false
		}
	}

	p.intents = append(p.intents, intent)
	if err := p.saveLocked(); err != nil {
		log.WithComponent("intents").Error().Msg(err.Error())
	}
	metrics.IntentsQueued.Set(float64(len(p.intents)))
	return true
}

func sameCapabilities(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (p *Pipeline) rejectNoArtifact(intent calyxtypes.Intent) {
	metrics.IntentsRejectedTotal.WithLabelValues("no_artifact").Inc()
	evt := evidence.CreateEvent(
		"INTENT_REJECTED_NO_ARTIFACT",
		"intent_pipeline",
		"Intent "+intent.ID+" rejected: no artifact",
		map[string]interface{}{"intent_id": intent.ID, "reason": "No intent artifact present; ingestion required"},
		[]string{"intent", "rejection", "no_artifact"},
		intent.ID,
	)
	p.emit(evt)
}

func (p *Pipeline) rejectUnclarified(intent calyxtypes.Intent, cause error) {
	metrics.IntentsRejectedTotal.WithLabelValues("unclarified").Inc()
	evt := evidence.CreateEvent(
		"INTENT_REJECTED_UNCLARIFIED",
		"intent_pipeline",
		"Intent "+intent.ID+" rejected: unclarified",
		map[string]interface{}{"intent_id": intent.ID, "reason": cause.Error()},
		[]string{"intent", "rejection", "clarification_required"},
		intent.ID,
	)
	p.emit(evt)
}

func (p *Pipeline) rejectArtifactError(intent calyxtypes.Intent) {
	metrics.IntentsRejectedTotal.WithLabelValues("artifact_error").Inc()
	evt := evidence.CreateEvent(
		"INTENT_REJECTED_ARTIFACT_ERROR",
		"intent_pipeline",
		"Intent "+intent.ID+" rejected: artifact error",
		map[string]interface{}{"intent_id": intent.ID, "reason": "Failed to load intent artifact"},
		[]string{"intent", "rejection", "artifact_error"},
		intent.ID,
	)
	p.emit(evt)
}

func (p *Pipeline) emit(evt evidence.Event) {
	if p.evidence == nil {
		return
	}
	if err := p.evidence.AppendEvent(evt); err != nil {
		log.WithComponent("intents").Error().Msg(err.Error())
	}
}

// scoredIntent pairs an intent with its computed priority for sorting.
type scoredIntent struct {
	priority float64
	intent   calyxtypes.Intent
}

// GetPrioritizedIntents returns up to limit intents ranked by
// CalculatePriority plus an expiry-derived freshness boost, descending.
func (p *Pipeline) GetPrioritizedIntents(limit int) []calyxtypes.Intent {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()

	scored := make([]scoredIntent, 0, len(p.intents))
	for _, intent := range p.intents {
		freshness := 0.0
		if intent.Expiry != nil {
			hoursUntilExpiry := intent.Expiry.Sub(now).Hours()
			if hoursUntilExpiry > 0 {
				freshness = hoursUntilExpiry * 2
				if freshness > maxFreshnessBoost {
					freshness = maxFreshnessBoost
				}
			}
		}
		scored = append(scored, scoredIntent{priority: intent.CalculatePriority(freshness), intent: intent})
	}

	sortScoredDescending(scored)

	if limit > len(scored) {
		limit = len(scored)
	}

	result := make([]calyxtypes.Intent, limit)
	for i := 0; i < limit; i++ {
		result[i] = scored[i].intent
	}
	return result
}

func sortScoredDescending(scored []scoredIntent) {
	for i := 1; i < len(scored); i++ {
		for j := i; j > 0 && scored[j].priority > scored[j-1].priority; j-- {
			scored[j], scored[j-1] = scored[j-1], scored[j]
		}
	}
}

// RemoveIntent removes an intent by ID and persists the queue.
func (p *Pipeline) RemoveIntent(intentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	kept := p.intents[:0]
	for _, intent := range p.intents {
		if intent.ID != intentID {
			kept = append(kept, intent)
		}
	}
	p.intents = kept

	if err := p.saveLocked(); err != nil {
		log.WithComponent("intents").Error().Msg(err.Error())
	}
	metrics.IntentsQueued.Set(float64(len(p.intents)))
}

// GetIntent returns the intent with the given ID, if queued.
func (p *Pipeline) GetIntent(intentID string) (calyxtypes.Intent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, intent := range p.intents {
		if intent.ID == intentID {
			return intent, true
		}
	}
	return calyxtypes.Intent{}, false
}

// ExpireIntents removes every intent whose Expiry has passed and returns
// how many were removed.
func (p *Pipeline) ExpireIntents() int {
	now := time.Now()

	p.mu.Lock()
	var expired []string
	for _, intent := range p.intents {
		if intent.Expiry != nil && intent.Expiry.Before(now) {
			expired = append(expired, intent.ID)
		}
	}
	p.mu.Unlock()

	for _, id := range expired {
		p.RemoveIntent(id)
	}

	if len(expired) > 0 {
		metrics.IntentsExpiredTotal.Add(float64(len(expired)))
	}
	return len(expired)
}

// Len returns the number of queued intents.
func (p *Pipeline) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.intents)
}
