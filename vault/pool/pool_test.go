package pool

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type funcTask func(h *Handle)

func (f funcTask) Perform(h *Handle) { f(h) }

func drainOne(t *testing.T, p *Pool) func() {
	select {
	case fn := <-p.Events():
		return fn
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestSubmitDelivers(t *testing.T) {
	p := newPool(nil, 1)
	defer p.Shutdown()

	var ran int32
	sub := p.Submit(funcTask(func(h *Handle) {
		atomic.StoreInt32(&ran, 1)
	}), func() {})
	require.NotNil(t, sub)
	require.NotEmpty(t, sub.ID())

	drainOne(t, p)()
	require.Equal(t, int32(1), atomic.LoadInt32(&ran))
	require.True(t, sub.Done())
}

func TestReleaseDropsCompletion(t *testing.T) {
	p := newPool(nil, 1)
	defer p.Shutdown()

	gate := make(chan struct{})
	// First task holds the single worker so the second stays queued.
	p.Submit(funcTask(func(h *Handle) { <-gate }), func() {})

	completed := make(chan struct{}, 1)
	sub := p.Submit(funcTask(func(h *Handle) {}), func() { completed <- struct{}{} })
	sub.Release()
	close(gate)

	// Only the first task's completion arrives.
	drainOne(t, p)()
	select {
	case <-completed:
		t.Fatal("released task delivered its completion")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCanceledObservedInBody(t *testing.T) {
	p := newPool(nil, 1)
	defer p.Shutdown()

	gate := make(chan struct{})
	canceled := make(chan bool, 1)
	sub := p.Submit(funcTask(func(h *Handle) {
		<-gate
		canceled <- h.Canceled()
	}), nil)
	sub.Release()
	close(gate)

	require.True(t, <-canceled)
}

func TestPostProgress(t *testing.T) {
	p := newPool(nil, 1)
	defer p.Shutdown()

	var got []int
	p.Submit(funcTask(func(h *Handle) {
		for i := 0; i < 3; i++ {
			i := i
			require.True(t, h.Post(func() { got = append(got, i) }))
		}
	}), func() {})

	// Three progress events, then the completion; total order preserved.
	for i := 0; i < 4; i++ {
		drainOne(t, p)()
	}
	require.Equal(t, []int{0, 1, 2}, got)
}

func TestPostAfterReleaseRefused(t *testing.T) {
	p := newPool(nil, 1)
	defer p.Shutdown()

	gate := make(chan struct{})
	posted := make(chan bool, 1)
	sub := p.Submit(funcTask(func(h *Handle) {
		<-gate
		posted <- h.Post(func() {})
	}), nil)
	sub.Release()
	close(gate)

	require.False(t, <-posted)
}

func TestShutdownRefusesSubmit(t *testing.T) {
	p := newPool(nil, 1)
	p.Shutdown()
	require.Nil(t, p.Submit(funcTask(func(h *Handle) {}), nil))
}

func TestPoolSizeClamp(t *testing.T) {
	p := New(nil)
	defer p.Shutdown()
	require.GreaterOrEqual(t, p.Size(), 1)
	require.LessOrEqual(t, p.Size(), MaxWorkers)
}

func TestPanicDoesNotKillWorker(t *testing.T) {
	p := newPool(nil, 1)
	defer p.Shutdown()

	p.Submit(funcTask(func(h *Handle) { panic("boom") }), func() {})
	ok := make(chan struct{}, 1)
	p.Submit(funcTask(func(h *Handle) {}), func() { ok <- struct{}{} })

	drainOne(t, p)()
	drainOne(t, p)()
	select {
	case <-ok:
	default:
		t.Fatal("worker did not survive panic")
	}
}
