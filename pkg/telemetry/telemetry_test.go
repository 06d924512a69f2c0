package telemetry

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stationcalyx/coordinator/pkg/calyxtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIngestRecent_MissingFilesYieldNoEvents(t *testing.T) {
	intake := New(t.TempDir())
	events := intake.IngestRecent(5 * time.Minute)
	assert.Empty(t, events)
}

func TestIngestRecent_FreshHeartbeatYieldsStatusEvent(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "outgoing"), 0o755))

	now := time.Now().Unix()
	content := `{"ts": ` + jsonInt(now) + `, "gates": {"can_execute": true}, "capacity": {"cpu_ok": true, "mem_ok": true}, "locks": {}}`
	require.NoError(t, os.WriteFile(filepath.Join(root, "outgoing", "cbo.lock"), []byte(content), 0o644))

	intake := New(root)
	events := intake.IngestRecent(5 * time.Minute)

	require.Len(t, events, 1)
	assert.Equal(t, calyxtypes.CategoryStatus, events[0].Category)
	assert.Equal(t, "cbo_overseer", events[0].Source)
}

func TestIngestRecent_StaleHeartbeatIsSkipped(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "outgoing"), 0o755))

	old := time.Now().Add(-time.Hour).Unix()
	content := `{"ts": ` + jsonInt(old) + `, "gates": {}, "capacity": {}, "locks": {}}`
	require.NoError(t, os.WriteFile(filepath.Join(root, "outgoing", "cbo.lock"), []byte(content), 0o644))

	intake := New(root)
	events := intake.IngestRecent(5 * time.Minute)
	assert.Empty(t, events)
}

func TestIngestRecent_EmptyHeartbeatFileProducesNoEventNoCrash(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "outgoing"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "outgoing", "cbo.lock"), []byte(""), 0o644))

	intake := New(root)
	assert.NotPanics(t, func() {
		events := intake.IngestRecent(5 * time.Minute)
		assert.Empty(t, events)
	})
}

func TestIngestRecent_MetricsCSVTailBoundedAtFiveRows(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "logs"), 0o755))

	csv := "iso_ts,tes,duration_s,status,changed_files,autonomy_mode\n"
	for i := 0; i < 8; i++ {
		csv += "2026-01-01T00:00:00Z,0.5,1.0,done,1,execute\n"
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "logs", "agent_metrics.csv"), []byte(csv), 0o644))

	intake := New(root)
	events := intake.IngestRecent(5 * time.Minute)
	assert.Len(t, events, 5)
}

func TestIngestRecent_FewerThanFiveRowsProcessesAllAvailable(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "logs"), 0o755))

	csv := "iso_ts,tes,duration_s,status,changed_files,autonomy_mode\n" +
		"2026-01-01T00:00:00Z,0.5,1.0,done,1,execute\n" +
		"2026-01-01T00:01:00Z,0.6,1.0,done,1,execute\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, "logs", "agent_metrics.csv"), []byte(csv), 0o644))

	intake := New(root)
	events := intake.IngestRecent(5 * time.Minute)
	assert.Len(t, events, 2)
	assert.Equal(t, calyxtypes.CategoryMetric, events[0].Category)
	assert.Equal(t, 0.9, events[0].Confidence)
}

func TestIngestRecent_MalformedRowSkippedSilently(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "logs"), 0o755))

	csv := "iso_ts,tes,duration_s,status,changed_files,autonomy_mode\n" +
		"2026-01-01T00:00:00Z,not-a-number,1.0,done,1,execute\n" +
		"2026-01-01T00:01:00Z,0.6,1.0,done,1,execute\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, "logs", "agent_metrics.csv"), []byte(csv), 0o644))

	intake := New(root)
	events := intake.IngestRecent(5 * time.Minute)
	assert.Len(t, events, 1)
}

func jsonInt(v int64) string {
	return strconv.FormatInt(v, 10)
}
