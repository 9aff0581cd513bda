package resilience

import (
	"time"
)

// DLQEntry records a message whose processing failed during an ingest run.
type DLQEntry struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	MessageID string    `json:"message_id"`
	Subject   string    `json:"subject,omitempty"`
	Stage     string    `json:"stage"`
	Error     string    `json:"error"`
	ErrorType string    `json:"error_type"` // "transient" or "permanent"
	CreatedAt time.Time `json:"created_at"`
}

// DLQFilter specifies criteria for querying the dead letter queue.
type DLQFilter struct {
	OrgID     string `json:"org_id,omitempty"`
	ErrorType string `json:"error_type,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// ClassifyError categorizes an error as "transient" or "permanent".
func ClassifyError(err error) string {
	if IsTransient(err) {
		return "transient"
	}
	return "permanent"
}
