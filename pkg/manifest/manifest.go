// Package manifest implements the Manifest System: content-addressed
// execution tokens that prevent the same intent content from being
// dispatched twice. The manifest ID is a truncated SHA-256 of the
// canonicalized (sorted-key) content, and a manifest's status transitions
// created -> claimed -> complete/failed on disk, with an in-memory claim
// window standing in for the distributed lock a consensus system would
// otherwise provide.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/stationcalyx/coordinator/pkg/atomicfile"
	"github.com/stationcalyx/coordinator/pkg/calyxtypes"
	"github.com/stationcalyx/coordinator/pkg/log"
	"github.com/stationcalyx/coordinator/pkg/metrics"
)

// manifestIDLength is how many hex characters of the content hash become
// the manifest ID.
const manifestIDLength = 12

// System manages on-disk manifests and the in-memory claim window.
type System struct {
	mu       sync.Mutex
	dir      string
	claimed  map[string]time.Time
	claimTTL time.Duration
}

// New constructs a manifest System rooted at dir, with the given claim
// window (how long a claim blocks a re-claim of the same manifest).
func New(dir string, claimTTL time.Duration) *System {
	return &System{
		dir:      dir,
		claimed:  make(map[string]time.Time),
		claimTTL: claimTTL,
	}
}

func (s *System) path(manifestID string) string {
	return filepath.Join(s.dir, manifestID+".json")
}

// CreateManifest hashes content to a stable manifest ID and writes the
// created manifest to disk, returning the ID. If a readable manifest with
// that ID already exists it is left as it is, so creating it again never
// resets a claimed, complete or failed manifest back to created.
func (s *System) CreateManifest(intentID string, content map[string]interface{}) (string, error) {
	canonical, err := canonicalJSON(content)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(canonical)
	manifestID := hex.EncodeToString(sum[:])[:manifestIDLength]

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.readLocked(manifestID); err == nil {
		return manifestID, nil
	}

	m := calyxtypes.Manifest{
		ManifestID: manifestID,
		IntentID:   intentID,
		CreatedAt:  time.Now(),
		Content:    content,
		Status:     calyxtypes.ManifestCreated,
	}

	if err := s.write(m); err != nil {
		return manifestID, err
	}

	metrics.ManifestsCreatedTotal.Inc()
	return manifestID, nil
}

// ClaimManifest claims manifestID if it exists and hasn't been claimed
// within the claim window, marking it claimed on disk. The on-disk status
// and ClaimedAt are the source of truth — not just this process's
// in-memory map — so that two coordinator processes racing to claim the
// same content-addressed manifest still observe first-writer-wins: the
// loser sees a freshly "claimed" file on its own read and backs off, even
// though it never claimed anything itself.
func (s *System) ClaimManifest(manifestID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.readLocked(manifestID)
	if err != nil {
		metrics.ManifestClaimsTotal.WithLabelValues("rejected").Inc()
		return false
	}

	now := time.Now()

	switch m.Status {
	case calyxtypes.ManifestComplete, calyxtypes.ManifestFailed:
		metrics.ManifestClaimsTotal.WithLabelValues("rejected").Inc()
		return false
	case calyxtypes.ManifestClaimed:
		if m.ClaimedAt != nil && now.Sub(*m.ClaimedAt) < s.claimTTL {
			metrics.ManifestClaimsTotal.WithLabelValues("rejected").Inc()
			return false
		}
	}

	if claimedAt, ok := s.claimed[manifestID]; ok {
		if now.Sub(claimedAt) < s.claimTTL {
			metrics.ManifestClaimsTotal.WithLabelValues("rejected").Inc()
			return false
		}
	}

	s.claimed[manifestID] = now
	m.Status = calyxtypes.ManifestClaimed
	m.ClaimedAt = &now

	if err := s.write(m); err != nil {
		log.WithComponent("manifest").Error().Msg(err.Error())
	}
	metrics.ManifestClaimsTotal.WithLabelValues("claimed").Inc()
	return true
}

// MarkComplete transitions a manifest to complete with a result payload.
func (s *System) MarkComplete(manifestID string, result map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.readLocked(manifestID)
	if err != nil {
		return
	}

	now := time.Now()
	m.Status = calyxtypes.ManifestComplete
	m.CompletedAt = &now
	m.Result = result

	if err := s.write(m); err != nil {
		log.WithComponent("manifest").Error().Msg(err.Error())
	}
}

// MarkFailed transitions a manifest to failed with an error message.
func (s *System) MarkFailed(manifestID, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.readLocked(manifestID)
	if err != nil {
		return
	}

	now := time.Now()
	m.Status = calyxtypes.ManifestFailed
	m.FailedAt = &now
	m.Error = errMsg

	if err := s.write(m); err != nil {
		log.WithComponent("manifest").Error().Msg(err.Error())
	}
}

// GetManifest returns the manifest's current state, if present.
func (s *System) GetManifest(manifestID string) (calyxtypes.Manifest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.readLocked(manifestID)
	if err != nil {
		return calyxtypes.Manifest{}, false
	}
	return m, true
}

func (s *System) readLocked(manifestID string) (calyxtypes.Manifest, error) {
	data, err := os.ReadFile(s.path(manifestID))
	if err != nil {
		return calyxtypes.Manifest{}, err
	}
	var m calyxtypes.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return calyxtypes.Manifest{}, err
	}
	return m, nil
}

// write persists m and updates the "manifest" health component, so a
// failing write to the manifests directory surfaces on the readiness
// endpoint instead of only in the log.
func (s *System) write(m calyxtypes.Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		metrics.UpdateComponent("manifest", false, err.Error())
		return err
	}
	if err := atomicfile.WriteFile(s.path(m.ManifestID), data, 0o644); err != nil {
		metrics.UpdateComponent("manifest", false, err.Error())
		return err
	}
	metrics.UpdateComponent("manifest", true, "ready")
	return nil
}

// canonicalJSON marshals v with map keys sorted, matching Python's
// json.dumps(..., sort_keys=True) so the same logical content always
// hashes to the same manifest ID regardless of map iteration order.
func canonicalJSON(v interface{}) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(normalized)
}

// normalize converts maps into a form that round-trips through
// encoding/json with keys already visited in sorted order. encoding/json
// already sorts map[string]interface{} keys on marshal, so this mostly
// exists to recurse into nested structures uniformly.
func normalize(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		out := make(map[string]interface{}, len(val))
		for _, k := range keys {
			normalized, err := normalize(val[k])
			if err != nil {
				return nil, err
			}
			out[k] = normalized
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			normalized, err := normalize(item)
			if err != nil {
				return nil, err
			}
			out[i] = normalized
		}
		return out, nil
	default:
		return val, nil
	}
}
