package models

import "time"

// UsageRecord is the token and cost accounting of one runtime query.
type UsageRecord struct {
	ID               string    `json:"id"`
	ThreadID         string    `json:"thread_id"`
	RuntimeSessionID string    `json:"runtime_session_id"`
	OwnerUserID      string    `json:"owner_user_id"`
	ProjectPath      string    `json:"project_path"`
	Model            string    `json:"model"`
	InputTokens      int64     `json:"input_tokens"`
	OutputTokens     int64     `json:"output_tokens"`
	CacheReadTokens  int64     `json:"cache_read_tokens"`
	CacheWriteTokens int64     `json:"cache_write_tokens"`
	CostUSD          float64   `json:"cost_usd"`
	DurationMS       int64     `json:"duration_ms"`
	Turns            int       `json:"turns"`
	Success          bool      `json:"success"`
	CreatedAt        time.Time `json:"created_at"`
}

// DailyUsage aggregates one owner's usage over a UTC day.
type DailyUsage struct {
	Day          string  `json:"day"` // YYYY-MM-DD
	OwnerUserID  string  `json:"owner_user_id"`
	Sessions     int     `json:"sessions"`
	Queries      int     `json:"queries"`
	Failures     int     `json:"failures"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}
