// ABOUTME: Tests for the viewer broadcaster
// ABOUTME: Covers fan-out, failed-viewer removal, pruning, heartbeats, shutdown and concurrency

package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingViewer keeps every frame it accepts. failAfter > 0 makes it start
// failing once that many frames were accepted.
type recordingViewer struct {
	id        string
	mu        sync.Mutex
	frames    []Frame
	closed    bool
	failAfter int
}

func newRecorder(id string) *recordingViewer { return &recordingViewer{id: id} }

func (v *recordingViewer) ID() string { return v.id }

func (v *recordingViewer) Send(f Frame) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrViewerClosed
	}
	if v.failAfter > 0 && len(v.frames) >= v.failAfter {
		return errors.New("broken pipe")
	}
	v.frames = append(v.frames, f)
	return nil
}

func (v *recordingViewer) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closed = true
}

func (v *recordingViewer) types() []FrameType {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]FrameType, len(v.frames))
	for i, f := range v.frames {
		out[i] = f.Type
	}
	return out
}

func (v *recordingViewer) isClosed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closed
}

func TestBroadcaster_AddViewerSendsConnected(t *testing.T) {
	b := New(0, nil)
	defer b.Close()

	v := newRecorder("v1")
	require.NoError(t, b.AddViewer("s1", v))

	assert.Equal(t, []FrameType{FrameConnected}, v.types())
	assert.Equal(t, 1, b.ViewerCount("s1"))
}

func TestBroadcaster_FanOutToAllViewers(t *testing.T) {
	b := New(0, nil)
	defer b.Close()

	viewers := []*recordingViewer{newRecorder("a"), newRecorder("b"), newRecorder("c")}
	for _, v := range viewers {
		require.NoError(t, b.AddViewer("s1", v))
	}

	n := b.Broadcast("s1", NewFrame(FrameMessage, "s1", map[string]string{"body": "hi"}))
	assert.Equal(t, 3, n)

	for _, v := range viewers {
		assert.Equal(t, []FrameType{FrameConnected, FrameMessage}, v.types(), "viewer %s", v.id)
	}
}

func TestBroadcaster_SessionsAreIsolated(t *testing.T) {
	b := New(0, nil)
	defer b.Close()

	v1 := newRecorder("v1")
	v2 := newRecorder("v2")
	require.NoError(t, b.AddViewer("s1", v1))
	require.NoError(t, b.AddViewer("s2", v2))

	b.Broadcast("s1", NewFrame(FrameMessage, "s1", nil))

	assert.Equal(t, []FrameType{FrameConnected, FrameMessage}, v1.types())
	assert.Equal(t, []FrameType{FrameConnected}, v2.types())
}

func TestBroadcaster_FailingViewerRemovedOthersUnaffected(t *testing.T) {
	b := New(0, nil)
	defer b.Close()

	healthy := newRecorder("healthy")
	broken := newRecorder("broken")
	broken.failAfter = 1 // accepts the connected frame only

	require.NoError(t, b.AddViewer("s1", healthy))
	require.NoError(t, b.AddViewer("s1", broken))

	n := b.Broadcast("s1", NewFrame(FrameMessage, "s1", nil))
	assert.Equal(t, 1, n)
	assert.True(t, broken.isClosed())
	assert.Equal(t, 1, b.ViewerCount("s1"))

	n = b.Broadcast("s1", NewFrame(FrameMessage, "s1", nil))
	assert.Equal(t, 1, n)
	assert.Equal(t, []FrameType{FrameConnected, FrameMessage, FrameMessage}, healthy.types())
}

func TestBroadcaster_AddViewerFailsWhenConnectedFrameRejected(t *testing.T) {
	b := New(0, nil)
	defer b.Close()

	v := newRecorder("v1")
	v.Close()

	err := b.AddViewer("s1", v)
	require.ErrorIs(t, err, ErrViewerClosed)
	assert.Equal(t, 0, b.ViewerCount("s1"))
}

func TestBroadcaster_EmptySessionPruned(t *testing.T) {
	b := New(0, nil)
	defer b.Close()

	v := newRecorder("v1")
	require.NoError(t, b.AddViewer("s1", v))
	b.RemoveViewer("s1", "v1")

	assert.True(t, v.isClosed())
	b.mu.RLock()
	_, exists := b.sets["s1"]
	b.mu.RUnlock()
	assert.False(t, exists, "session with no viewers should be pruned")

	// A new viewer after pruning gets a fresh set.
	v2 := newRecorder("v2")
	require.NoError(t, b.AddViewer("s1", v2))
	assert.Equal(t, 1, b.Broadcast("s1", NewFrame(FrameMessage, "s1", nil)))
}

func TestBroadcaster_RemoveUnknownViewerIsNoop(t *testing.T) {
	b := New(0, nil)
	defer b.Close()

	b.RemoveViewer("nobody", "nothing")
	require.NoError(t, b.AddViewer("s1", newRecorder("v1")))
	b.RemoveViewer("s1", "other")
	assert.Equal(t, 1, b.ViewerCount("s1"))
}

func TestBroadcaster_BroadcastToNobody(t *testing.T) {
	b := New(0, nil)
	defer b.Close()

	assert.Equal(t, 0, b.Broadcast("nobody", NewFrame(FrameMessage, "nobody", nil)))
}

func TestBroadcaster_HeartbeatReachesEveryViewer(t *testing.T) {
	b := New(10*time.Millisecond, nil)
	defer b.Close()

	v1 := newRecorder("v1")
	v2 := newRecorder("v2")
	require.NoError(t, b.AddViewer("s1", v1))
	require.NoError(t, b.AddViewer("s2", v2))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	hasHeartbeat := func(v *recordingViewer) func() bool {
		return func() bool {
			for _, ft := range v.types() {
				if ft == FrameHeartbeat {
					return true
				}
			}
			return false
		}
	}
	require.Eventually(t, hasHeartbeat(v1), time.Second, 5*time.Millisecond)
	require.Eventually(t, hasHeartbeat(v2), time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestBroadcaster_CloseSessionSendsShutdown(t *testing.T) {
	b := New(0, nil)
	defer b.Close()

	v1 := newRecorder("v1")
	other := newRecorder("other")
	require.NoError(t, b.AddViewer("s1", v1))
	require.NoError(t, b.AddViewer("s2", other))

	b.CloseSession("s1")

	assert.Equal(t, []FrameType{FrameConnected, FrameShutdown}, v1.types())
	assert.True(t, v1.isClosed())
	assert.Equal(t, 0, b.ViewerCount("s1"))
	assert.Equal(t, 1, b.ViewerCount("s2"))
	assert.False(t, other.isClosed())
}

func TestBroadcaster_CloseShutsDownAllAndRefusesNew(t *testing.T) {
	b := New(0, nil)

	v1 := newRecorder("v1")
	v2 := newRecorder("v2")
	require.NoError(t, b.AddViewer("s1", v1))
	require.NoError(t, b.AddViewer("s2", v2))

	b.Close()

	for _, v := range []*recordingViewer{v1, v2} {
		assert.Equal(t, []FrameType{FrameConnected, FrameShutdown}, v.types(), "viewer %s", v.id)
		assert.True(t, v.isClosed())
	}

	err := b.AddViewer("s1", newRecorder("late"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBroadcaster_CloseReachesViewerWithFullBuffer(t *testing.T) {
	b := New(0, nil)

	v := NewStreamViewer(1)
	require.NoError(t, b.AddViewer("s1", v), "connected frame fills the only slot")

	b.Close()

	frames := v.drain()
	require.NotEmpty(t, frames)
	assert.Equal(t, FrameShutdown, frames[len(frames)-1].Type)
}

func TestBroadcaster_ConcurrentAddBroadcastRemove(t *testing.T) {
	b := New(time.Millisecond, nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Go(func() {
			id := string(rune('a' + i))
			v := newRecorder(id)
			if err := b.AddViewer("shared", v); err != nil {
				return
			}
			time.Sleep(time.Millisecond)
			b.RemoveViewer("shared", id)
		})
	}
	for range 10 {
		wg.Go(func() {
			for range 50 {
				b.Broadcast("shared", NewFrame(FrameMessage, "shared", nil))
			}
		})
	}
	wg.Wait()

	assert.Equal(t, 0, b.ViewerCount("shared"))
}
