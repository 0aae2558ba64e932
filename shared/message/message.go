package message

import (
	"time"

	"buildops/shared/model"
)

// BuildRequestMessage asks the orchestrator to start (or cancel) a build of a target.
type BuildRequestMessage struct {
	TargetID  string    `json:"target_id"`
	UserID    string    `json:"user_id"`
	Cancel    bool      `json:"cancel,omitempty"`
	DelaySecs int       `json:"delay_secs,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type BuildStatusMessage struct {
	TargetID  string       `json:"target_id"`
	RunID     int          `json:"run_id"`
	Status    model.Status `json:"status"`
	UpdatedAt time.Time    `json:"updated_at"`
}

type BuildLogMessage struct {
	TargetID  string    `json:"target_id"`
	RunID     int       `json:"run_id"`
	LogEntry  string    `json:"log_entry"`
	Timestamp time.Time `json:"timestamp"`
}
