// ABOUTME: Viewer transports: NDJSON over a streaming HTTP response and WebSocket
// ABOUTME: Both hand frames through a bounded buffer so broadcasting never blocks

package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Viewer write errors.
var (
	ErrViewerClosed = errors.New("viewer closed")
	ErrViewerSlow   = errors.New("viewer buffer full")
)

// buffered is the shared non-blocking handoff behind every transport.
type buffered struct {
	id     string
	frames chan Frame
	done   chan struct{}
	once   sync.Once
}

func newBuffered(size int) buffered {
	if size < 1 {
		size = 1
	}
	return buffered{
		id:     uuid.New().String(),
		frames: make(chan Frame, size),
		done:   make(chan struct{}),
	}
}

func (b *buffered) ID() string { return b.id }

func (b *buffered) Send(f Frame) error {
	select {
	case <-b.done:
		return ErrViewerClosed
	default:
	}
	select {
	case b.frames <- f:
		return nil
	default:
		return ErrViewerSlow
	}
}

// SendFinal hands over a last frame, discarding the oldest buffered frames
// when the buffer is full.
func (b *buffered) SendFinal(f Frame) error {
	select {
	case <-b.done:
		return ErrViewerClosed
	default:
	}
	for {
		select {
		case b.frames <- f:
			return nil
		default:
		}
		select {
		case <-b.frames:
		default:
		}
	}
}

func (b *buffered) Close() {
	b.once.Do(func() { close(b.done) })
}

// Done is closed once the viewer has been detached.
func (b *buffered) Done() <-chan struct{} { return b.done }

// drain returns the frames still buffered without blocking.
func (b *buffered) drain() []Frame {
	var out []Frame
	for {
		select {
		case f := <-b.frames:
			out = append(out, f)
		default:
			return out
		}
	}
}

// StreamViewer writes frames as newline-delimited JSON to an HTTP response.
type StreamViewer struct {
	buffered
	writeWait time.Duration
}

// NewStreamViewer creates a stream viewer with the given buffer size.
func NewStreamViewer(buffer int) *StreamViewer {
	return &StreamViewer{buffered: newBuffered(buffer), writeWait: socketWriteWait}
}

// Serve writes frames until the viewer is closed, the client goes away or a
// write fails. Frames buffered before Close (the shutdown notice) are flushed.
func (v *StreamViewer) Serve(ctx context.Context, w http.ResponseWriter) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return errors.New("streaming not supported")
	}

	// A peer that stops reading must fail the write instead of pinning the handler.
	rc := http.NewResponseController(w)
	deadline := func() error {
		err := rc.SetWriteDeadline(time.Now().Add(v.writeWait))
		if errors.Is(err, http.ErrNotSupported) {
			return nil
		}
		return err
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	if err := deadline(); err != nil {
		return err
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	write := func(f Frame) error {
		if err := deadline(); err != nil {
			return err
		}
		if err := enc.Encode(f); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	for {
		select {
		case f := <-v.frames:
			if err := write(f); err != nil {
				return err
			}
		case <-v.done:
			for _, f := range v.drain() {
				if err := write(f); err != nil {
					return err
				}
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

const (
	socketWriteWait  = 10 * time.Second
	socketPongWait   = 60 * time.Second
	socketPingPeriod = (socketPongWait * 9) / 10
)

// SocketViewer writes frames as WebSocket text messages.
type SocketViewer struct {
	buffered
	conn *websocket.Conn
}

// NewSocketViewer wraps an upgraded connection.
func NewSocketViewer(conn *websocket.Conn, buffer int) *SocketViewer {
	return &SocketViewer{buffered: newBuffered(buffer), conn: conn}
}

// Serve pumps frames to the socket until the viewer is closed, the peer
// disconnects or a write fails. The connection is closed on return.
func (v *SocketViewer) Serve(ctx context.Context) error {
	defer v.conn.Close()

	peerGone := make(chan struct{})
	go v.readPump(peerGone)

	ticker := time.NewTicker(socketPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case f := <-v.frames:
			if err := v.write(f); err != nil {
				return err
			}
		case <-ticker.C:
			v.conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
			if err := v.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		case <-v.done:
			for _, f := range v.drain() {
				if err := v.write(f); err != nil {
					return err
				}
			}
			v.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
				time.Now().Add(socketWriteWait))
			return nil
		case <-peerGone:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (v *SocketViewer) write(f Frame) error {
	v.conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
	return v.conn.WriteJSON(f)
}

// readPump discards client messages and reports when the peer goes away.
func (v *SocketViewer) readPump(peerGone chan<- struct{}) {
	defer close(peerGone)
	v.conn.SetReadLimit(512)
	v.conn.SetReadDeadline(time.Now().Add(socketPongWait))
	v.conn.SetPongHandler(func(string) error {
		v.conn.SetReadDeadline(time.Now().Add(socketPongWait))
		return nil
	})
	for {
		if _, _, err := v.conn.ReadMessage(); err != nil {
			return
		}
	}
}

var (
	_ Viewer = (*StreamViewer)(nil)
	_ Viewer = (*SocketViewer)(nil)
)
