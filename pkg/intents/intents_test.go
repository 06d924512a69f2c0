package intents

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stationcalyx/coordinator/pkg/calyxtypes"
	"github.com/stationcalyx/coordinator/pkg/evidence"
	"github.com/stationcalyx/coordinator/pkg/intentartifact"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeArtifactLoader lets tests control exactly which intent IDs have a
// clarified artifact, an unclarified one, or none at all.
type fakeArtifactLoader struct {
	clarified   map[string]bool
	loadErrorOn map[string]bool
}

func newFakeLoader() *fakeArtifactLoader {
	return &fakeArtifactLoader{clarified: map[string]bool{}, loadErrorOn: map[string]bool{}}
}

func (f *fakeArtifactLoader) LoadIntentArtifact(intentID string) (*intentartifact.Artifact, error) {
	if f.loadErrorOn[intentID] {
		return nil, errors.New("boom")
	}
	clarified, exists := f.clarified[intentID]
	if !exists {
		return nil, nil
	}
	return &intentartifact.Artifact{IntentID: intentID, Clarified: clarified}, nil
}

// recordingStream captures every evidence event appended to it.
type recordingStream struct {
	events []evidence.Event
}

func (r *recordingStream) AppendEvent(event evidence.Event) error {
	r.events = append(r.events, event)
	return nil
}

func newTestIntent(id, description string, capabilities []string) calyxtypes.Intent {
	return calyxtypes.Intent{
		ID:                   id,
		Description:          description,
		RequiredCapabilities: capabilities,
		Risk:                 calyxtypes.DefaultRisk(),
	}
}

func TestAddIntent_RejectsMissingArtifact(t *testing.T) {
	loader := newFakeLoader()
	stream := &recordingStream{}
	p := New(filepath.Join(t.TempDir(), "intents.jsonl"), loader, stream)

	ok := p.AddIntent(newTestIntent("i-1", "do thing", []string{"log_rotation"}))

	assert.False(t, ok)
	assert.Equal(t, 0, p.Len())
	require.Len(t, stream.events, 1)
	assert.Equal(t, "INTENT_REJECTED_NO_ARTIFACT", stream.events[0].Type)
}

func TestAddIntent_RejectsUnclarifiedArtifact(t *testing.T) {
	loader := newFakeLoader()
	loader.clarified["i-2"] = false
	stream := &recordingStream{}
	p := New(filepath.Join(t.TempDir(), "intents.jsonl"), loader, stream)

	ok := p.AddIntent(newTestIntent("i-2", "do thing", []string{"log_rotation"}))

	assert.False(t, ok)
	require.Len(t, stream.events, 1)
	assert.Equal(t, "INTENT_REJECTED_UNCLARIFIED", stream.events[0].Type)
}

func TestAddIntent_RejectsArtifactLoadError(t *testing.T) {
	loader := newFakeLoader()
	loader.loadErrorOn["i-3"] = true
	stream := &recordingStream{}
	p := New(filepath.Join(t.TempDir(), "intents.jsonl"), loader, stream)

	ok := p.AddIntent(newTestIntent("i-3", "do thing", []string{"log_rotation"}))

	assert.False(t, ok)
	require.Len(t, stream.events, 1)
	assert.Equal(t, "INTENT_REJECTED_ARTIFACT_ERROR", stream.events[0].Type)
}

func TestAddIntent_AcceptsClarifiedIntent(t *testing.T) {
	loader := newFakeLoader()
	loader.clarified["i-4"] = true
	stream := &recordingStream{}
	p := New(filepath.Join(t.TempDir(), "intents.jsonl"), loader, stream)

	ok := p.AddIntent(newTestIntent("i-4", "do thing", []string{"log_rotation"}))

	assert.True(t, ok)
	assert.Equal(t, 1, p.Len())
	assert.Empty(t, stream.events)
}

func TestAddIntent_DedupsIdenticalDescriptionAndCapabilities(t *testing.T) {
	loader := newFakeLoader()
	loader.clarified["i-5"] = true
	loader.clarified["i-6"] = true
	stream := &recordingStream{}
	p := New(filepath.Join(t.TempDir(), "intents.jsonl"), loader, stream)

	require.True(t, p.AddIntent(newTestIntent("i-5", "same text", []string{"log_rotation"})))
	ok := p.AddIntent(newTestIntent("i-6", "same text", []string{"log_rotation"}))

	assert.False(t, ok)
	assert.Equal(t, 1, p.Len())
	assert.Empty(t, stream.events, "a dedup is not a rejection and emits no evidence event")
}

func TestAddIntent_DifferentCapabilitiesNotDeduped(t *testing.T) {
	loader := newFakeLoader()
	loader.clarified["i-7"] = true
	loader.clarified["i-8"] = true
	stream := &recordingStream{}
	p := New(filepath.Join(t.TempDir(), "intents.jsonl"), loader, stream)

	require.True(t, p.AddIntent(newTestIntent("i-7", "same text", []string{"log_rotation"})))
	ok := p.AddIntent(newTestIntent("i-8", "same text", []string{"metrics_summary"}))

	assert.True(t, ok)
	assert.Equal(t, 2, p.Len())
}

func TestGetPrioritizedIntents_OrdersByComputedPriorityDescending(t *testing.T) {
	loader := newFakeLoader()
	loader.clarified["low"] = true
	loader.clarified["high"] = true
	stream := &recordingStream{}
	p := New(filepath.Join(t.TempDir(), "intents.jsonl"), loader, stream)

	low := newTestIntent("low", "low priority", []string{"a"})
	low.PriorityHint = 10

	high := newTestIntent("high", "high priority", []string{"b"})
	high.PriorityHint = 90

	require.True(t, p.AddIntent(low))
	require.True(t, p.AddIntent(high))

	prioritized := p.GetPrioritizedIntents(5)
	require.Len(t, prioritized, 2)
	assert.Equal(t, "high", prioritized[0].ID)
	assert.Equal(t, "low", prioritized[1].ID)
}

func TestGetPrioritizedIntents_FreshnessBoostClampedAt20(t *testing.T) {
	loader := newFakeLoader()
	loader.clarified["far-future"] = true
	loader.clarified["hint-21"] = true
	stream := &recordingStream{}
	p := New(filepath.Join(t.TempDir(), "intents.jsonl"), loader, stream)

	// A year out, an unclamped boost (2 per hour) would be in the thousands.
	// Clamped at 20, the far-future intent scores 0+10+5+20=35, one below a
	// no-expiry intent with priority hint 21 (21+10+5=36).
	farFuture := time.Now().Add(365 * 24 * time.Hour)
	intent := newTestIntent("far-future", "expires far away", []string{"a"})
	intent.Expiry = &farFuture
	require.True(t, p.AddIntent(intent))

	rival := newTestIntent("hint-21", "no expiry", []string{"b"})
	rival.PriorityHint = 21
	require.True(t, p.AddIntent(rival))

	prioritized := p.GetPrioritizedIntents(2)
	require.Len(t, prioritized, 2)
	assert.Equal(t, "hint-21", prioritized[0].ID)
	assert.Equal(t, "far-future", prioritized[1].ID)
}

func TestGetPrioritizedIntents_ExpiryAtNowHasZeroBoost(t *testing.T) {
	loader := newFakeLoader()
	loader.clarified["before"] = true
	loader.clarified["expiring-now"] = true
	loader.clarified["after"] = true
	stream := &recordingStream{}
	p := New(filepath.Join(t.TempDir(), "intents.jsonl"), loader, stream)

	// All three score 0+10+5=15 when the expired intent's boost is zero, so
	// the stable sort keeps insertion order; a positive boost would move it
	// first and a negative one last.
	require.True(t, p.AddIntent(newTestIntent("before", "no expiry, added first", []string{"b"})))

	past := time.Now().Add(-time.Second)
	intent := newTestIntent("expiring-now", "expires now", []string{"a"})
	intent.Expiry = &past
	require.True(t, p.AddIntent(intent))

	require.True(t, p.AddIntent(newTestIntent("after", "no expiry, added last", []string{"c"})))

	prioritized := p.GetPrioritizedIntents(3)
	require.Len(t, prioritized, 3)
	assert.Equal(t, "before", prioritized[0].ID)
	assert.Equal(t, "expiring-now", prioritized[1].ID)
	assert.Equal(t, "after", prioritized[2].ID)
}

func TestExpireIntents_RemovesPastExpiry(t *testing.T) {
	loader := newFakeLoader()
	loader.clarified["expired"] = true
	stream := &recordingStream{}
	p := New(filepath.Join(t.TempDir(), "intents.jsonl"), loader, stream)

	past := time.Now().Add(-time.Minute)
	intent := newTestIntent("expired", "long gone", []string{"a"})
	intent.Expiry = &past
	require.True(t, p.AddIntent(intent))

	removed := p.ExpireIntents()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, p.Len())
}

func TestExpireIntents_IdempotentWhenNoTimePasses(t *testing.T) {
	loader := newFakeLoader()
	loader.clarified["fresh"] = true
	stream := &recordingStream{}
	p := New(filepath.Join(t.TempDir(), "intents.jsonl"), loader, stream)

	require.True(t, p.AddIntent(newTestIntent("fresh", "not expiring", []string{"a"})))

	assert.Equal(t, 0, p.ExpireIntents())
	assert.Equal(t, 0, p.ExpireIntents())
	assert.Equal(t, 1, p.Len())
}

func TestRemoveIntent_DropsFromQueue(t *testing.T) {
	loader := newFakeLoader()
	loader.clarified["gone"] = true
	stream := &recordingStream{}
	p := New(filepath.Join(t.TempDir(), "intents.jsonl"), loader, stream)

	require.True(t, p.AddIntent(newTestIntent("gone", "to be removed", []string{"a"})))
	p.RemoveIntent("gone")

	_, ok := p.GetIntent("gone")
	assert.False(t, ok)
	assert.Equal(t, 0, p.Len())
}

func TestPipeline_PersistsAndReloadsAcrossInstances(t *testing.T) {
	loader := newFakeLoader()
	loader.clarified["persisted"] = true
	stream := &recordingStream{}
	path := filepath.Join(t.TempDir(), "intents.jsonl")

	p1 := New(path, loader, stream)
	require.True(t, p1.AddIntent(newTestIntent("persisted", "survives reload", []string{"a"})))

	p2 := New(path, loader, stream)
	assert.Equal(t, 1, p2.Len())
	intent, ok := p2.GetIntent("persisted")
	require.True(t, ok)
	assert.Equal(t, "survives reload", intent.Description)
}

func TestNew_SkipsRecordsWithUnrecognizedVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "intents.jsonl")
	data := `{"id":"old","version":"0","description":"from a future or past format","required_capabilities":["a"]}
{"id":"current","version":"i1","description":"still supported","required_capabilities":["a"]}
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	p := New(path, newFakeLoader(), &recordingStream{})

	assert.Equal(t, 1, p.Len())
	_, ok := p.GetIntent("old")
	assert.False(t, ok, "unrecognized version must be skipped, not loaded")
	_, ok = p.GetIntent("current")
	assert.True(t, ok)
}
