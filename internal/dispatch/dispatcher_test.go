package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/harmonic/internal/changelog"
	"github.com/roach88/harmonic/internal/harmonic"
)

// recordingPublisher captures published frames; optionally fails first.
type recordingPublisher struct {
	mu       sync.Mutex
	frames   []harmonic.Frame
	channels []string
	failures int
}

func (p *recordingPublisher) Publish(channel string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return errors.New("transport down")
	}
	f, err := harmonic.DecodeFrame(data)
	if err != nil {
		return err
	}
	p.frames = append(p.frames, f)
	p.channels = append(p.channels, channel)
	return nil
}

func (p *recordingPublisher) published() []harmonic.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]harmonic.Frame(nil), p.frames...)
}

func openLog(t *testing.T) *changelog.Store {
	t.Helper()
	log, err := changelog.Open(filepath.Join(t.TempDir(), "changelog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	return log
}

func appendChange(t *testing.T, log *changelog.Store, record, key, scopeKey string) int64 {
	t.Helper()
	id, _, err := log.Append(context.Background(), changelog.Change{
		Table: "tasks", RecordID: record, Op: harmonic.OpCreate,
		Payload: harmonic.Row{"id": record}, ScopeKey: scopeKey, MutationKey: key,
	})
	require.NoError(t, err)
	return id
}

func TestDispatchPending_PublishesAndMarks(t *testing.T) {
	log := openLog(t)
	pub := &recordingPublisher{}
	d := New(log, pub, Config{Namespace: "ns"})
	ctx := context.Background()

	id1 := appendChange(t, log, "a", "m1", "user-1")
	id2 := appendChange(t, log, "b", "m2", "user-1")

	n, err := d.DispatchPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	frames := pub.published()
	require.Len(t, frames, 2)
	assert.Equal(t, id1, frames[0].ID)
	assert.Equal(t, "ns:user-1:tasks", frames[0].Channel)
	assert.Equal(t, int64(0), frames[0].PrevID, "first frame on a channel has prev_id 0")
	assert.Equal(t, id2, frames[1].ID)
	assert.Equal(t, id1, frames[1].PrevID, "prev_id chains frames per channel")

	// Nothing left to dispatch
	n, err = d.DispatchPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Len(t, pub.published(), 2, "processed entries are never re-published")
}

func TestDispatchPending_RetriesAfterPublishFailure(t *testing.T) {
	log := openLog(t)
	pub := &recordingPublisher{failures: 1}
	d := New(log, pub, Config{Namespace: "ns"})
	ctx := context.Background()

	id := appendChange(t, log, "a", "m1", "user-1")

	// First scan fails to publish; the entry must stay unprocessed
	n, err := d.DispatchPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = d.DispatchPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	frames := pub.published()
	require.Len(t, frames, 1)
	assert.Equal(t, id, frames[0].ID)
}

func TestDispatchPending_ChannelsSeparateScopesAndTables(t *testing.T) {
	log := openLog(t)
	pub := &recordingPublisher{}
	d := New(log, pub, Config{Namespace: "ns"})
	ctx := context.Background()

	appendChange(t, log, "a", "m1", "user-1")
	appendChange(t, log, "b", "m2", "user-2")

	_, err := d.DispatchPending(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"ns:user-1:tasks", "ns:user-2:tasks"}, pub.channels)

	frames := pub.published()
	assert.Equal(t, int64(0), frames[0].PrevID)
	assert.Equal(t, int64(0), frames[1].PrevID, "channels have independent prev_id chains")
}

func TestDispatch_ConcurrentDispatchersMarkOnce(t *testing.T) {
	log := openLog(t)
	pub := &recordingPublisher{}
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		appendChange(t, log, string(rune('a'+i)), string(rune('a'+i)), "u")
	}

	const instances = 4
	var wg sync.WaitGroup
	total := make([]int, instances)
	for i := 0; i < instances; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d := New(log, pub, Config{Namespace: "ns"})
			n, err := d.DispatchPending(ctx)
			if err != nil {
				t.Errorf("DispatchPending() failed: %v", err)
			}
			total[i] = n
		}(i)
	}
	wg.Wait()

	sum := 0
	for _, n := range total {
		sum += n
	}
	assert.Equal(t, 5, sum, "each entry is won by exactly one dispatcher")

	left, err := log.Unprocessed(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestDispatcherRun_KickTriggersImmediateScan(t *testing.T) {
	log := openLog(t)
	hub := NewHub()
	d := New(log, hub, Config{Namespace: "ns", ScanInterval: time.Hour})

	sub := hub.Subscribe("ns:u:tasks")
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	appendChange(t, log, "a", "m1", "u")
	d.Kick()

	select {
	case data := <-sub.Frames():
		f, err := harmonic.DecodeFrame(data)
		require.NoError(t, err)
		assert.Equal(t, "a", f.RecordID)
	case <-time.After(5 * time.Second):
		t.Fatal("kick did not trigger a scan")
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
