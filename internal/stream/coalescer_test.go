package stream

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type update struct {
	ref   string
	text  string
	final bool
}

type fakeSink struct {
	mu      sync.Mutex
	n       int
	updates []update
	deleted []string
}

func (f *fakeSink) NotifyStreamUpdate(_ context.Context, _, ref, text string, final bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, update{ref: ref, text: text, final: final})
	if ref != "" {
		return ref, nil
	}
	f.n++
	return fmt.Sprintf("m%d", f.n), nil
}

func (f *fakeSink) DeleteMessage(_ context.Context, _, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, ref)
	return nil
}

func (f *fakeSink) snapshot() ([]update, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]update(nil), f.updates...), append([]string(nil), f.deleted...)
}

func TestPartial_ThrottlesToOneTimer(t *testing.T) {
	sink := &fakeSink{}
	c := New(sink, 50*time.Millisecond, 100)
	ctx := context.Background()

	c.Partial(ctx, "t1", "a")
	for _, s := range []string{"b", "c", "d", "e"} {
		c.Partial(ctx, "t1", s)
	}
	updates, _ := sink.snapshot()
	require.Len(t, updates, 1, "first fragment flushes immediately")
	assert.Equal(t, "a", updates[0].text)

	require.Eventually(t, func() bool {
		u, _ := sink.snapshot()
		return len(u) == 2
	}, time.Second, 5*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	updates, _ = sink.snapshot()
	require.Len(t, updates, 2, "pending fragments share a single flush")
	assert.Equal(t, update{ref: "m1", text: "abcde"}, updates[1])
}

func TestPartial_TruncatesToTail(t *testing.T) {
	sink := &fakeSink{}
	c := New(sink, 0, 30)
	c.Partial(context.Background(), "t1", strings.Repeat("x", 40)+"END")

	updates, _ := sink.snapshot()
	require.Len(t, updates, 1)
	assert.True(t, strings.HasPrefix(updates[0].text, TruncationMarker))
	assert.True(t, strings.HasSuffix(updates[0].text, "END"))
	assert.Len(t, []rune(updates[0].text), 30)
}

func TestFinal_EditsInPlace(t *testing.T) {
	sink := &fakeSink{}
	c := New(sink, time.Hour, 100)
	ctx := context.Background()

	c.Partial(ctx, "t1", "hel")
	c.Partial(ctx, "t1", "lo")
	require.NoError(t, c.Final(ctx, "t1", "hello world"))

	updates, deleted := sink.snapshot()
	require.Len(t, updates, 2)
	assert.Equal(t, update{ref: "m1", text: "hello world", final: true}, updates[1])
	assert.Empty(t, deleted)

	// The next partial starts a new live message.
	c.Partial(ctx, "t1", "next")
	updates, _ = sink.snapshot()
	assert.Equal(t, "", updates[2].ref)
}

func TestFinal_LongTextIsSplit(t *testing.T) {
	sink := &fakeSink{}
	c := New(sink, time.Hour, 20)
	ctx := context.Background()

	c.Partial(ctx, "t1", "streaming")
	long := strings.Repeat("a", 20) + strings.Repeat("b", 20) + "c"
	require.NoError(t, c.Final(ctx, "t1", long))

	updates, deleted := sink.snapshot()
	assert.Equal(t, []string{"m1"}, deleted)
	require.Len(t, updates, 4)
	for _, u := range updates[1:] {
		assert.Empty(t, u.ref)
		assert.True(t, u.final)
	}
	assert.Equal(t, long, updates[1].text+updates[2].text+updates[3].text)
}

func TestFinal_CancelsScheduledFlush(t *testing.T) {
	sink := &fakeSink{}
	c := New(sink, 30*time.Millisecond, 100)
	ctx := context.Background()

	c.Partial(ctx, "t1", "a")
	c.Partial(ctx, "t1", "b")
	require.NoError(t, c.Final(ctx, "t1", "ab"))

	time.Sleep(80 * time.Millisecond)
	updates, _ := sink.snapshot()
	require.Len(t, updates, 2)
	assert.True(t, updates[1].final)
}

func TestClose_DropsPending(t *testing.T) {
	sink := &fakeSink{}
	c := New(sink, 30*time.Millisecond, 100)
	ctx := context.Background()

	c.Partial(ctx, "t1", "a")
	c.Partial(ctx, "t1", "b")
	c.Close("t1")

	time.Sleep(80 * time.Millisecond)
	updates, _ := sink.snapshot()
	assert.Len(t, updates, 1)
}

func TestSplit(t *testing.T) {
	assert.Equal(t, []string{"abc"}, Split("abc", 5))
	assert.Equal(t, []string{"ab", "cd", "e"}, Split("abcde", 2))
	assert.Equal(t, []string{"日本", "語"}, Split("日本語", 2))
}
