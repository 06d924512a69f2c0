// Package evidence implements the Coordinator's append-only evidence
// stream: the create_event/append_event interface the Intent Pipeline
// uses to record typed rejection events. The Coordinator only consumes
// this interface; a real deployment may point it at a shared evidence
// store owned by another collaborator. The default implementation here
// persists events as newline-delimited JSON, grounded on the
// publish/broadcast shape of the teacher's event broker but replacing
// pub/sub fan-out with durable append since the Coordinator's evidence
// stream is read after the fact, not subscribed to live.
package evidence

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one entry in the evidence stream.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	NodeRole  string                 `json:"node_role"`
	Summary   string                 `json:"summary"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Tags      []string               `json:"tags,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
}

// CreateEvent constructs an Event with a fresh ID and the current
// timestamp, matching the original's create_event(type, node_role,
// summary, payload, tags, session_id) factory.
func CreateEvent(eventType, nodeRole, summary string, payload map[string]interface{}, tags []string, sessionID string) Event {
	return Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Type:      eventType,
		NodeRole:  nodeRole,
		Summary:   summary,
		Payload:   payload,
		Tags:      tags,
		SessionID: sessionID,
	}
}

// Stream is the append_event collaborator interface. The Coordinator
// depends only on this; Store is the filesystem-backed default.
type Stream interface {
	AppendEvent(event Event) error
}

// Store appends events to a JSONL file, one event per line, matching the
// coordinator's other append-only logs (history, debug log).
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore opens (or prepares to create) the evidence log at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// AppendEvent serializes event and appends it to the log.
func (s *Store) AppendEvent(event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(data)
	return err
}

var _ Stream = (*Store)(nil)
