// Package stream throttles partial assistant output into live message edits.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// TruncationMarker prefixes a live update that only shows the buffer's tail.
const TruncationMarker = "…(truncated)\n"

// Sink delivers stream text to the messaging platform.
type Sink interface {
	// NotifyStreamUpdate posts text as a new message when ref is empty, or
	// edits message ref in place. It returns the ref of the message shown.
	NotifyStreamUpdate(ctx context.Context, threadID, ref, text string, final bool) (string, error)
	DeleteMessage(ctx context.Context, threadID, ref string) error
}

// Coalescer batches text fragments per thread so the platform sees at most
// one update per interval.
type Coalescer struct {
	sink     Sink
	interval time.Duration
	limit    int
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	streams map[string]*liveStream
}

type liveStream struct {
	mu        sync.Mutex
	ctx       context.Context
	buf       []rune
	ref       string
	lastFlush time.Time
	timer     *time.Timer
	gen       int
}

// Option configures a Coalescer.
type Option func(*Coalescer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coalescer) { c.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coalescer) { c.now = now }
}

// New creates a coalescer. limit is the platform's message size in runes.
func New(sink Sink, interval time.Duration, limit int, opts ...Option) *Coalescer {
	c := &Coalescer{
		sink:     sink,
		interval: interval,
		limit:    limit,
		logger:   slog.Default(),
		now:      time.Now,
		streams:  make(map[string]*liveStream),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.limit <= len([]rune(TruncationMarker)) {
		c.limit = 2000
	}
	return c
}

func (c *Coalescer) stream(ctx context.Context, threadID string) *liveStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.streams[threadID]
	if !ok {
		st = &liveStream{ctx: context.WithoutCancel(ctx)}
		c.streams[threadID] = st
	}
	return st
}

// Partial appends a fragment. The live message is updated immediately if
// the interval has passed since the last update, otherwise a single timer
// flushes the buffer once it has.
func (c *Coalescer) Partial(ctx context.Context, threadID, fragment string) {
	if fragment == "" {
		return
	}
	st := c.stream(ctx, threadID)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.buf = append(st.buf, []rune(fragment)...)
	elapsed := c.now().Sub(st.lastFlush)
	if elapsed >= c.interval {
		c.stopTimer(st)
		c.flush(threadID, st)
		return
	}
	if st.timer != nil {
		return
	}
	gen := st.gen
	st.timer = time.AfterFunc(c.interval-elapsed, func() {
		st.mu.Lock()
		defer st.mu.Unlock()
		if st.gen != gen {
			return
		}
		st.timer = nil
		c.flush(threadID, st)
	})
}

// Final replaces the live message with the finished text. A text that fits
// the limit is edited into the live message; a longer one deletes it and is
// sent as a series of full-size messages.
func (c *Coalescer) Final(ctx context.Context, threadID, text string) error {
	st := c.stream(ctx, threadID)
	st.mu.Lock()
	defer st.mu.Unlock()

	c.stopTimer(st)
	st.buf = st.buf[:0]
	ref := st.ref
	st.ref = ""
	st.lastFlush = time.Time{}
	if text == "" {
		return nil
	}

	runes := []rune(text)
	if len(runes) <= c.limit {
		_, err := c.sink.NotifyStreamUpdate(ctx, threadID, ref, text, true)
		return err
	}

	var errs []error
	if ref != "" {
		errs = append(errs, c.sink.DeleteMessage(ctx, threadID, ref))
	}
	for _, seg := range Split(text, c.limit) {
		if _, err := c.sink.NotifyStreamUpdate(ctx, threadID, "", seg, true); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close discards the thread's buffer and any scheduled flush.
func (c *Coalescer) Close(threadID string) {
	c.mu.Lock()
	st, ok := c.streams[threadID]
	delete(c.streams, threadID)
	c.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	c.stopTimer(st)
	st.mu.Unlock()
}

// stopTimer cancels a scheduled flush. Callers hold st.mu.
func (c *Coalescer) stopTimer(st *liveStream) {
	st.gen++
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
}

// flush shows the buffer on the live message. Callers hold st.mu.
func (c *Coalescer) flush(threadID string, st *liveStream) {
	st.lastFlush = c.now()
	if len(st.buf) == 0 {
		return
	}
	ref, err := c.sink.NotifyStreamUpdate(st.ctx, threadID, st.ref, Tail(string(st.buf), c.limit), false)
	if err != nil {
		c.logger.Warn("stream update failed", "thread", threadID, "error", err)
		return
	}
	st.ref = ref
}

// Tail returns text unchanged when it fits in limit runes, otherwise the
// truncation marker followed by as much of its end as fits.
func Tail(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	keep := limit - len([]rune(TruncationMarker))
	if keep <= 0 {
		return string(runes[len(runes)-limit:])
	}
	return TruncationMarker + string(runes[len(runes)-keep:])
}

// Split cuts text into segments of at most limit runes.
func Split(text string, limit int) []string {
	runes := []rune(text)
	if limit <= 0 || len(runes) <= limit {
		return []string{text}
	}
	var out []string
	for len(runes) > 0 {
		n := min(limit, len(runes))
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}
	return out
}
