// ABOUTME: Tests for the NDJSON and WebSocket viewer transports
// ABOUTME: Uses httptest recorders and servers with a live broadcaster

package broadcast

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferedViewer_FullBufferReportsSlow(t *testing.T) {
	v := NewStreamViewer(1)
	require.NoError(t, v.Send(NewFrame(FrameMessage, "s1", nil)))
	assert.ErrorIs(t, v.Send(NewFrame(FrameMessage, "s1", nil)), ErrViewerSlow)

	v.Close()
	v.Close()
	assert.ErrorIs(t, v.Send(NewFrame(FrameMessage, "s1", nil)), ErrViewerClosed)
}

func TestStreamViewer_ServeWritesNDJSON(t *testing.T) {
	b := New(0, nil)
	defer b.Close()

	v := NewStreamViewer(16)
	require.NoError(t, b.AddViewer("s1", v))

	rec := httptest.NewRecorder()
	served := make(chan error, 1)
	go func() { served <- v.Serve(context.Background(), rec) }()

	b.Broadcast("s1", NewFrame(FrameMessage, "s1", map[string]string{"body": "hello"}))
	b.CloseSession("s1")

	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after session close")
	}

	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))

	var types []FrameType
	scanner := bufio.NewScanner(strings.NewReader(rec.Body.String()))
	for scanner.Scan() {
		var f struct {
			Type      FrameType       `json:"type"`
			SessionID string          `json:"session_id"`
			Message   json.RawMessage `json:"message"`
		}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &f))
		assert.Equal(t, "s1", f.SessionID)
		if f.Type == FrameMessage {
			assert.JSONEq(t, `{"body":"hello"}`, string(f.Message))
		}
		types = append(types, f.Type)
	}
	assert.Equal(t, []FrameType{FrameConnected, FrameMessage, FrameShutdown}, types)
}

func TestStreamViewer_ServeStopsOnContextCancel(t *testing.T) {
	v := NewStreamViewer(4)
	ctx, cancel := context.WithCancel(context.Background())

	served := make(chan error, 1)
	go func() { served <- v.Serve(ctx, httptest.NewRecorder()) }()
	cancel()

	select {
	case err := <-served:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestBufferedViewer_SendFinalMakesRoom(t *testing.T) {
	v := NewStreamViewer(1)
	require.NoError(t, v.Send(NewFrame(FrameMessage, "s1", nil)))

	require.NoError(t, v.SendFinal(NewFrame(FrameShutdown, "s1", nil)))
	frames := v.drain()
	require.Len(t, frames, 1)
	assert.Equal(t, FrameShutdown, frames[0].Type)

	v.Close()
	assert.ErrorIs(t, v.SendFinal(NewFrame(FrameShutdown, "s1", nil)), ErrViewerClosed)
}

// stalledWriter accepts headers but blocks every body write until the
// write deadline passes, like a peer that stopped reading.
type stalledWriter struct {
	header http.Header

	mu       sync.Mutex
	deadline time.Time
	stuck    chan struct{}
}

func (w *stalledWriter) Header() http.Header { return w.header }
func (w *stalledWriter) WriteHeader(int)     {}
func (w *stalledWriter) Flush()              {}

func (w *stalledWriter) SetWriteDeadline(d time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.deadline = d
	return nil
}

func (w *stalledWriter) Write([]byte) (int, error) {
	w.mu.Lock()
	d := w.deadline
	w.mu.Unlock()
	if d.IsZero() {
		<-w.stuck
		return 0, os.ErrClosed
	}
	time.Sleep(time.Until(d))
	return 0, os.ErrDeadlineExceeded
}

func TestStreamViewer_StalledPeerFailsWrite(t *testing.T) {
	w := &stalledWriter{header: make(http.Header), stuck: make(chan struct{})}
	defer close(w.stuck)

	v := NewStreamViewer(4)
	v.writeWait = 20 * time.Millisecond
	require.NoError(t, v.Send(NewFrame(FrameHeartbeat, "s1", nil)))

	served := make(chan error, 1)
	go func() { served <- v.Serve(context.Background(), w) }()

	select {
	case err := <-served:
		assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("Serve stayed blocked on a stalled peer")
	}
}

func TestSocketViewer_DeliversFramesAndCloses(t *testing.T) {
	b := New(0, nil)
	defer b.Close()

	added := make(chan struct{})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		v := NewSocketViewer(conn, 16)
		if err := b.AddViewer("s1", v); err != nil {
			conn.Close()
			return
		}
		close(added)
		_ = v.Serve(r.Context())
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer client.Close()

	select {
	case <-added:
	case <-time.After(time.Second):
		t.Fatal("viewer was not added")
	}

	b.Broadcast("s1", NewFrame(FrameMessage, "s1", map[string]string{"body": "ws"}))
	b.CloseSession("s1")

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var types []FrameType
	for {
		var f Frame
		if err := client.ReadJSON(&f); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		types = append(types, f.Type)
	}
	assert.Equal(t, []FrameType{FrameConnected, FrameMessage, FrameShutdown}, types)
}
