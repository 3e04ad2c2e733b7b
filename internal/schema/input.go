package schema

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventInput is the wire format of one event as received over HTTP or
// Kafka. ID is generated when absent and severity names are matched
// case-insensitively.
type EventInput struct {
	ID            string         `json:"id,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Severity      string         `json:"severity"`
	Category      string         `json:"category"`
	Message       string         `json:"message"`
	SourceID      string         `json:"source_id,omitempty"`
	AutoPatchable bool           `json:"auto_patchable"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Event converts the input to an Event. Unknown severities are kept as
// given so the validator reports them.
func (in EventInput) Event() *Event {
	severity, ok := ParseSeverity(in.Severity)
	if !ok {
		severity = Severity(in.Severity)
	}

	id := in.ID
	if id == "" {
		id = uuid.New().String()
	}

	return &Event{
		ID:            id,
		Timestamp:     in.Timestamp,
		Severity:      severity,
		Category:      in.Category,
		Message:       in.Message,
		SourceID:      in.SourceID,
		AutoPatchable: in.AutoPatchable,
		Metadata:      in.Metadata,
	}
}

// DecodeEvent parses one JSON-encoded EventInput.
func DecodeEvent(data []byte) (*Event, error) {
	var in EventInput
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("invalid request: malformed event JSON: %w", err)
	}
	return in.Event(), nil
}
