// Package sessions holds the in-memory directory of live agent sessions.
//
// The Directory exclusively owns every Session and its PendingApproval.
// Other components refer to a session only by thread ID and call back into
// the directory, which serializes all mutations of one thread behind that
// thread's lock.
package sessions

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/sean85120/ccbot/internal/models"
)

var (
	ErrNotFound          = errors.New("session not found")
	ErrExists            = errors.New("session already exists")
	ErrApprovalPending   = errors.New("an approval is already pending")
	ErrNoPendingApproval = errors.New("no pending approval")
)

type entry struct {
	mu      sync.Mutex
	session *models.Session
	pending *PendingApproval
	cancel  context.CancelFunc
	runID   string
	removed bool
}

// Directory maps thread IDs to live sessions.
type Directory struct {
	mu      sync.RWMutex
	entries map[string]*entry

	now             func() time.Time
	transcriptLimit int
}

// Option configures a Directory.
type Option func(*Directory)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Directory) { d.now = now }
}

// WithTranscriptLimit caps the text stored per transcript entry.
func WithTranscriptLimit(n int) Option {
	return func(d *Directory) { d.transcriptLimit = n }
}

// NewDirectory creates an empty directory.
func NewDirectory(opts ...Option) *Directory {
	d := &Directory{
		entries:         make(map[string]*entry),
		now:             time.Now,
		transcriptLimit: models.DefaultTranscriptEntryLimit,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// lock returns the locked entry for threadID, or nil if there is none.
func (d *Directory) lock(threadID string) *entry {
	d.mu.RLock()
	e := d.entries[threadID]
	d.mu.RUnlock()
	if e == nil {
		return nil
	}
	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return nil
	}
	return e
}

// touch refreshes LastActivityAt without ever moving it backwards.
func (d *Directory) touch(s *models.Session) {
	if now := d.now(); now.After(s.LastActivityAt) {
		s.LastActivityAt = now
	}
}

// Create registers a new session under its thread ID.
func (d *Directory) Create(s *models.Session) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.entries[s.ThreadID]; ok {
		return ErrExists
	}
	c := s.Clone()
	if c.LastActivityAt.IsZero() {
		c.LastActivityAt = d.now()
	}
	if c.StartedAt.IsZero() {
		c.StartedAt = c.LastActivityAt
	}
	d.entries[s.ThreadID] = &entry{session: c}
	return nil
}

// Get returns a copy of the session for threadID.
func (d *Directory) Get(threadID string) (*models.Session, bool) {
	e := d.lock(threadID)
	if e == nil {
		return nil, false
	}
	defer e.mu.Unlock()
	return e.session.Clone(), true
}

// Update applies fn to the session and refreshes its activity time.
// It is a no-op returning false when the session is absent.
func (d *Directory) Update(threadID string, fn func(s *models.Session)) bool {
	e := d.lock(threadID)
	if e == nil {
		return false
	}
	defer e.mu.Unlock()
	fn(e.session)
	d.touch(e.session)
	return true
}

// SetStatus is a shorthand for an Update that only changes the status.
func (d *Directory) SetStatus(threadID string, status models.SessionStatus) bool {
	return d.Update(threadID, func(s *models.Session) { s.Status = status })
}

// Remove deletes the session. A pending approval is resolved as stopped so
// its waiter is released.
func (d *Directory) Remove(threadID string) (*models.Session, bool) {
	d.mu.Lock()
	e, ok := d.entries[threadID]
	if ok {
		delete(d.entries, threadID)
	}
	d.mu.Unlock()
	if !ok {
		return nil, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed = true
	if p := e.pending; p != nil {
		e.pending = nil
		p.resolve(models.Deny(models.ReasonStopped))
	}
	return e.session.Clone(), true
}

// List returns copies of every session, oldest first.
func (d *Directory) List() []*models.Session {
	return d.collect(func(*models.Session) bool { return true })
}

// ListActive returns every session that is neither completed nor errored.
func (d *Directory) ListActive() []*models.Session {
	return d.collect(func(s *models.Session) bool { return !s.Status.Terminal() })
}

func (d *Directory) collect(keep func(*models.Session) bool) []*models.Session {
	d.mu.RLock()
	entries := make([]*entry, 0, len(d.entries))
	for _, e := range d.entries {
		entries = append(entries, e)
	}
	d.mu.RUnlock()

	var out []*models.Session
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed && keep(e.session) {
			out = append(out, e.session.Clone())
		}
		e.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b *models.Session) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		if a.ThreadID < b.ThreadID {
			return -1
		}
		if a.ThreadID > b.ThreadID {
			return 1
		}
		return 0
	})
	return out
}

// RecordToolUse increments the total and per-tool counters.
func (d *Directory) RecordToolUse(threadID, toolName string) bool {
	return d.Update(threadID, func(s *models.Session) {
		s.ToolUseCounts[toolName]++
		s.TotalToolUses++
	})
}

// AppendTranscript adds an entry, capped at the configured length.
func (d *Directory) AppendTranscript(threadID string, kind models.TranscriptKind, text string) bool {
	return d.Update(threadID, func(s *models.Session) {
		s.Transcript = append(s.Transcript, models.TranscriptEntry{
			Kind: kind,
			Text: models.Truncate(text, d.transcriptLimit),
			At:   d.now(),
		})
	})
}

// AllowTool pre-approves toolName for the lifetime of the session.
func (d *Directory) AllowTool(threadID, toolName string) bool {
	return d.Update(threadID, func(s *models.Session) { s.AllowedTools[toolName] = true })
}

// IsToolAllowed reports whether toolName was pre-approved.
func (d *Directory) IsToolAllowed(threadID, toolName string) bool {
	e := d.lock(threadID)
	if e == nil {
		return false
	}
	defer e.mu.Unlock()
	return e.session.AllowedTools[toolName]
}

// BeginRun records runID as the session's current run together with its
// cancellation handle. Events from any other run are stale.
func (d *Directory) BeginRun(threadID, runID string, cancel context.CancelFunc) bool {
	e := d.lock(threadID)
	if e == nil {
		return false
	}
	defer e.mu.Unlock()
	e.cancel = cancel
	e.runID = runID
	return true
}

// IsCurrentRun reports whether runID is the live session's current run.
func (d *Directory) IsCurrentRun(threadID, runID string) bool {
	e := d.lock(threadID)
	if e == nil {
		return false
	}
	defer e.mu.Unlock()
	return e.runID == runID
}

// UpdateRun is Update restricted to the session's current run. It reports
// false, without calling fn, when runID is stale.
func (d *Directory) UpdateRun(threadID, runID string, fn func(s *models.Session)) bool {
	e := d.lock(threadID)
	if e == nil {
		return false
	}
	defer e.mu.Unlock()
	if e.runID != runID {
		return false
	}
	fn(e.session)
	d.touch(e.session)
	return true
}

// Cancel fires the session's cancellation handle, if any.
func (d *Directory) Cancel(threadID string) bool {
	e := d.lock(threadID)
	if e == nil {
		return false
	}
	cancel := e.cancel
	e.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// SetPendingApproval stores p and moves the session to awaiting approval.
func (d *Directory) SetPendingApproval(threadID string, p *PendingApproval) error {
	e := d.lock(threadID)
	if e == nil {
		return ErrNotFound
	}
	defer e.mu.Unlock()
	if e.pending != nil {
		return ErrApprovalPending
	}
	e.pending = p
	e.session.Status = models.SessionStatusAwaitingApproval
	d.touch(e.session)
	return nil
}

// GetPendingApproval returns a copy of the outstanding approval.
func (d *Directory) GetPendingApproval(threadID string) (PendingApproval, bool) {
	e := d.lock(threadID)
	if e == nil {
		return PendingApproval{}, false
	}
	defer e.mu.Unlock()
	if e.pending == nil {
		return PendingApproval{}, false
	}
	return e.pending.snapshot(), true
}

// ResolvePendingApproval resolves whatever approval is pending.
func (d *Directory) ResolvePendingApproval(threadID string, outcome models.Outcome) bool {
	_, ok := d.resolve(threadID, func(*PendingApproval) bool { return true }, outcome)
	return ok
}

// ResolvePendingApprovalIf resolves the pending approval only if it is still
// the one identified by pendingID.
func (d *Directory) ResolvePendingApprovalIf(threadID, pendingID string, outcome models.Outcome) bool {
	_, ok := d.resolve(threadID, func(p *PendingApproval) bool { return p.ID == pendingID }, outcome)
	return ok
}

// ResolvePendingApprovalRef resolves the pending approval if its rendered
// prompt matches ref. An empty ref matches the current approval. When
// alwaysAllow is set and the outcome allows, the tool is pre-approved for the
// rest of the session before the waiter resumes.
func (d *Directory) ResolvePendingApprovalRef(threadID, ref string, outcome models.Outcome, alwaysAllow bool) (PendingApproval, bool) {
	return d.resolveWith(threadID, func(p *PendingApproval) bool {
		return ref == "" || p.NotificationRef == ref
	}, outcome, func(s *models.Session, p *PendingApproval) {
		if alwaysAllow && outcome.Allowed() {
			s.AllowedTools[p.ToolName] = true
		}
	})
}

func (d *Directory) resolve(threadID string, match func(*PendingApproval) bool, outcome models.Outcome) (PendingApproval, bool) {
	return d.resolveWith(threadID, match, outcome, nil)
}

func (d *Directory) resolveWith(threadID string, match func(*PendingApproval) bool, outcome models.Outcome, before func(*models.Session, *PendingApproval)) (PendingApproval, bool) {
	e := d.lock(threadID)
	if e == nil {
		return PendingApproval{}, false
	}
	defer e.mu.Unlock()
	p := e.pending
	if p == nil || !match(p) {
		return PendingApproval{}, false
	}
	if before != nil {
		before(e.session, p)
	}
	d.clearPending(e)
	p.resolve(outcome)
	return p.snapshot(), true
}

func (d *Directory) clearPending(e *entry) {
	e.pending = nil
	if e.session.Status == models.SessionStatusAwaitingApproval {
		e.session.Status = models.SessionStatusRunning
	}
	d.touch(e.session)
}

// WithPendingApproval runs fn against the pending approval under the
// session lock. pendingID, when non-empty, must match the current approval.
// If fn returns an outcome the approval is resolved with it before the lock
// is released.
func (d *Directory) WithPendingApproval(threadID, pendingID string, fn func(p *PendingApproval) (*models.Outcome, error)) error {
	e := d.lock(threadID)
	if e == nil {
		return ErrNotFound
	}
	defer e.mu.Unlock()
	p := e.pending
	if p == nil || (pendingID != "" && p.ID != pendingID) {
		return ErrNoPendingApproval
	}
	outcome, err := fn(p)
	if err != nil {
		return err
	}
	d.touch(e.session)
	if outcome != nil {
		d.clearPending(e)
		p.resolve(*outcome)
	}
	return nil
}
