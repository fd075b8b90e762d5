package store

import (
	"context"
	"errors"
	"time"

	"github.com/sean85120/ccbot/internal/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store persists session snapshots, queued start requests and usage.
type Store interface {
	// Sessions
	SaveSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, threadID string) (*models.Session, error)
	ListSessions(ctx context.Context, statuses []models.SessionStatus, limit int) ([]*models.Session, error)
	DeleteSession(ctx context.Context, threadID string) error

	// Queue
	SaveQueueEntry(ctx context.Context, e *models.QueueEntry) error
	DeleteQueueEntry(ctx context.Context, id string) error
	ListQueueEntries(ctx context.Context, projectPath string) ([]*models.QueueEntry, error)

	// Usage
	RecordUsage(ctx context.Context, u *models.UsageRecord) error
	ListUsage(ctx context.Context, threadID string) ([]*models.UsageRecord, error)
	DailyUsage(ctx context.Context, day time.Time) ([]*models.DailyUsage, error)
	UsageSummary(ctx context.Context, from, to time.Time) ([]*models.DailyUsage, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
