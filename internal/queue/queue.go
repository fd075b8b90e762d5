// Package queue serializes agent runs per project with FIFO admission.
package queue

import (
	"path/filepath"
	"slices"
	"sync"

	"github.com/sean85120/ccbot/internal/models"
)

// SessionLister is the slice of the session directory the queue reads.
type SessionLister interface {
	ListActive() []*models.Session
}

// Queue holds one FIFO of pending start requests per project.
type Queue struct {
	mu     sync.Mutex
	queues map[string][]*models.QueueEntry

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{
		queues: make(map[string][]*models.QueueEntry),
		locks:  make(map[string]*sync.Mutex),
	}
}

func key(project string) string {
	if project == "" {
		return ""
	}
	return filepath.Clean(project)
}

// Lock acquires the admission lock for project and returns its release.
// Admission decisions and promotions for one project hold it so a check of
// IsBusy and the following start or enqueue happen atomically.
func (q *Queue) Lock(project string) func() {
	k := key(project)
	q.locksMu.Lock()
	m, ok := q.locks[k]
	if !ok {
		m = &sync.Mutex{}
		q.locks[k] = m
	}
	q.locksMu.Unlock()
	m.Lock()
	return m.Unlock
}

// IsBusy reports whether a non-queued active session targets project.
func (q *Queue) IsBusy(project string, sessions SessionLister) bool {
	k := key(project)
	for _, s := range sessions.ListActive() {
		if s.Status != models.SessionStatusQueued && key(s.ProjectPath) == k {
			return true
		}
	}
	return false
}

// Enqueue appends e to its project's queue and returns its 1-based position.
func (q *Queue) Enqueue(project string, e *models.QueueEntry) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	k := key(project)
	q.queues[k] = append(q.queues[k], e)
	return len(q.queues[k])
}

// Dequeue pops the head of project's queue, or returns nil when it is empty.
func (q *Queue) Dequeue(project string) *models.QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	k := key(project)
	entries := q.queues[k]
	if len(entries) == 0 {
		return nil
	}
	head := entries[0]
	entries[0] = nil
	if len(entries) == 1 {
		delete(q.queues, k)
	} else {
		q.queues[k] = entries[1:]
	}
	return head
}

// Position returns the 1-based position of the entry for threadID.
func (q *Queue) Position(threadID string) (string, int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for project, entries := range q.queues {
		for i, e := range entries {
			if e.ThreadID == threadID {
				return project, i + 1, true
			}
		}
	}
	return "", 0, false
}

// List returns a copy of project's queue in order.
func (q *Queue) List(project string) []models.QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries := q.queues[key(project)]
	out := make([]models.QueueEntry, len(entries))
	for i, e := range entries {
		out[i] = *e
	}
	return out
}

// Projects returns every project with a non-empty queue, sorted.
func (q *Queue) Projects() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.queues))
	for p := range q.queues {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// Remove drops the entry with id wherever it is queued.
func (q *Queue) Remove(id string) (*models.QueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for project, entries := range q.queues {
		for i, e := range entries {
			if e.ID != id {
				continue
			}
			entries = slices.Delete(entries, i, i+1)
			if len(entries) == 0 {
				delete(q.queues, project)
			} else {
				q.queues[project] = entries
			}
			return e, true
		}
	}
	return nil, false
}
