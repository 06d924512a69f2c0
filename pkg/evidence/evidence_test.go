package evidence

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateEvent_FillsIDAndTimestamp(t *testing.T) {
	event := CreateEvent("INTENT_REJECTED_NO_ARTIFACT", "intent_pipeline", "rejected", nil, []string{"intent"}, "i-1")

	assert.NotEmpty(t, event.ID)
	assert.False(t, event.Timestamp.IsZero())
	assert.Equal(t, "INTENT_REJECTED_NO_ARTIFACT", event.Type)
	assert.Equal(t, "i-1", event.SessionID)
}

func TestStore_AppendEventWritesNDJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "evidence.jsonl")
	store := NewStore(path)

	e1 := CreateEvent("INTENT_REJECTED_NO_ARTIFACT", "intent_pipeline", "first", nil, nil, "i-1")
	e2 := CreateEvent("INTENT_REJECTED_UNCLARIFIED", "intent_pipeline", "second", nil, nil, "i-2")

	require.NoError(t, store.AppendEvent(e1))
	require.NoError(t, store.AppendEvent(e2))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.Len(t, lines, 2)

	var decoded Event
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &decoded))
	assert.Equal(t, "first", decoded.Summary)
}
