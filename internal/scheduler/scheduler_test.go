package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/crowdwarn/crowdwarn/internal/datastore"
	"github.com/crowdwarn/crowdwarn/internal/errors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recorder tracks run order and overlapping runs across sources.
type recorder struct {
	mu      sync.Mutex
	order   []string
	running atomic.Int32
	overlap atomic.Bool
	limit   int
	cancel  context.CancelFunc
}

func (r *recorder) enter(name string) {
	if r.running.Add(1) > 1 {
		r.overlap.Store(true)
	}
	r.mu.Lock()
	r.order = append(r.order, name)
	if len(r.order) >= r.limit {
		r.cancel()
	}
	r.mu.Unlock()
}

func (r *recorder) leave() {
	r.running.Add(-1)
}

func (r *recorder) runs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

type fakeSource struct {
	name    string
	rec     *recorder
	run     func() ([]datastore.RawItem, error)
	stopped atomic.Int32
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Run(context.Context) ([]datastore.RawItem, error) {
	f.rec.enter(f.name)
	defer f.rec.leave()
	time.Sleep(time.Millisecond)
	if f.run != nil {
		return f.run()
	}
	return nil, nil
}

func (f *fakeSource) Stop() error {
	f.stopped.Add(1)
	return nil
}

func noWait(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func discardSink(context.Context, []datastore.RawItem) (int, error) { return 0, nil }

func TestHandoffStartsWithA(t *testing.T) {
	h := NewHandoff()
	assert.Equal(t, SideA, h.Active())

	require.NoError(t, h.Wait(context.Background(), SideA))
	h.Pass(SideA)
	assert.Equal(t, SideB, h.Active())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.Wait(ctx, SideA), context.DeadlineExceeded, "A must not run while B holds the token")

	require.NoError(t, h.Wait(context.Background(), SideB))
	h.Pass(SideB)
	assert.Equal(t, SideA, h.Active())
}

func TestSchedulerAlternates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recorder{limit: 6, cancel: cancel}
	a := &fakeSource{name: "forum", rec: rec}
	b := &fakeSource{name: "gdacs", rec: rec}

	s := New(a, b, discardSink, WithWaitFunc(noWait))
	require.NoError(t, s.Run(ctx))

	runs := rec.runs()
	require.GreaterOrEqual(t, len(runs), 6)
	for i, name := range runs {
		want := "forum"
		if i%2 == 1 {
			want = "gdacs"
		}
		assert.Equal(t, want, name, "run %d", i)
	}
	assert.False(t, rec.overlap.Load(), "sources must never run concurrently")
	assert.Equal(t, int32(1), a.stopped.Load(), "stop releases the resource on exit")
	assert.Equal(t, int32(1), b.stopped.Load())
}

func TestSchedulerFailingRunStillPassesToken(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recorder{limit: 5, cancel: cancel}
	a := &fakeSource{name: "forum", rec: rec, run: func() ([]datastore.RawItem, error) {
		return nil, errors.NewStd("browser crashed")
	}}
	b := &fakeSource{name: "gdacs", rec: rec, run: func() ([]datastore.RawItem, error) {
		panic("feed parser exploded")
	}}

	var mu sync.Mutex
	failures := map[string]int{}
	s := New(a, b, discardSink,
		WithWaitFunc(noWait),
		WithErrorHandler(func(source string, err error) {
			mu.Lock()
			defer mu.Unlock()
			failures[source]++
		}))
	require.NoError(t, s.Run(ctx))

	assert.Equal(t, []string{"forum", "gdacs", "forum", "gdacs", "forum"}, rec.runs()[:5])
	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, failures["forum"], 2)
	assert.GreaterOrEqual(t, failures["gdacs"], 2, "panics are reported like errors")
}

func TestSchedulerSinkReceivesItems(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recorder{limit: 2, cancel: cancel}
	a := &fakeSource{name: "forum", rec: rec, run: func() ([]datastore.RawItem, error) {
		return []datastore.RawItem{{Kind: datastore.KindTopic, ExternalID: "1", Content: "x"}}, nil
	}}
	b := &fakeSource{name: "gdacs", rec: rec}

	var stored atomic.Int32
	sink := func(_ context.Context, items []datastore.RawItem) (int, error) {
		stored.Add(int32(len(items)))
		return len(items), nil
	}

	var sinkErrors atomic.Int32
	s := New(a, b, sink, WithWaitFunc(noWait), WithErrorHandler(func(string, error) { sinkErrors.Add(1) }))
	require.NoError(t, s.Run(ctx))

	assert.GreaterOrEqual(t, stored.Load(), int32(1))
	assert.Zero(t, sinkErrors.Load())
}

func TestSchedulerSingleSource(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recorder{limit: 3, cancel: cancel}
	a := &fakeSource{name: "gdacs", rec: rec}

	require.NoError(t, New(a, nil, discardSink, WithWaitFunc(noWait)).Run(ctx))
	assert.Equal(t, []string{"gdacs", "gdacs", "gdacs"}, rec.runs()[:3])
	assert.Equal(t, int32(1), a.stopped.Load())
}

func TestSchedulerPauseAndCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var pauses atomic.Int32
	rec := &recorder{limit: 100, cancel: cancel}
	a := &fakeSource{name: "forum", rec: rec}
	b := &fakeSource{name: "gdacs", rec: rec}

	s := New(a, b, discardSink,
		WithPause(time.Minute),
		WithWaitFunc(func(ctx context.Context, d time.Duration) error {
			assert.Equal(t, time.Minute, d)
			if pauses.Add(1) == 3 {
				cancel()
			}
			return ctx.Err()
		}))
	require.NoError(t, s.Run(ctx))

	assert.Len(t, rec.runs(), 2, "third turn is cancelled during its pause")
	assert.Equal(t, int32(1), a.stopped.Load())
	assert.Equal(t, int32(1), b.stopped.Load())
}
