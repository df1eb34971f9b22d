package wal

import (
	"encoding/json"

	"github.com/ChuLiYu/fin-analysis/pkg/types"
)

// ============================================================================
// WAL Type Definitions
// Responsibility: Define core data structures for the handle journal
// ============================================================================

// EventType defines WAL event types
type EventType string

const (
	EventCreate  EventType = "CREATE"  // Handle created in pending state
	EventResolve EventType = "RESOLVE" // Handle reached a terminal state
)

// Event represents a WAL event record
type Event struct {
	Seq       uint64          `json:"seq"`       // Event sequence number (monotonically increasing)
	Type      EventType       `json:"type"`      // Event type
	HandleID  string          `json:"handle_id"` // Task handle ID
	Payload   json.RawMessage `json:"payload"`   // Handle state at the time of the event
	Timestamp int64           `json:"timestamp"` // Unix millisecond timestamp
	Checksum  uint32          `json:"checksum"`  // CRC32 checksum
}

// Handle decodes the handle carried by the event
func (e Event) Handle() (*types.TaskHandle, error) {
	var h types.TaskHandle
	if err := json.Unmarshal(e.Payload, &h); err != nil {
		return nil, &CorruptionError{Seq: e.Seq, Cause: err}
	}
	if h.ID == "" {
		h.ID = e.HandleID
	}
	return &h, nil
}

// EventHandler is the function type for processing WAL events
// Used during Replay to apply events to system state
type EventHandler func(event Event) error
