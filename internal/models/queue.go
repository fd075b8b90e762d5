package models

import "time"

// QueueEntry is a deferred session-start request waiting for its project.
type QueueEntry struct {
	ID          string    `json:"id"`
	OwnerUserID string    `json:"owner_user_id"`
	Prompt      string    `json:"prompt"`
	ProjectPath string    `json:"project_path"`
	Model       string    `json:"model"`
	ThreadID    string    `json:"thread_id"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}
