// ABOUTME: In-memory fan-out of live session events to attached viewers
// ABOUTME: Failed viewers are dropped individually; heartbeats and shutdown notices go to all

package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrClosed is returned when adding a viewer to a closed broadcaster.
var ErrClosed = errors.New("broadcaster closed")

// FrameType discriminates viewer frames.
type FrameType string

// Frame types written to viewers.
const (
	FrameConnected FrameType = "connected"
	FrameHeartbeat FrameType = "heartbeat"
	FrameMessage   FrameType = "message"
	FrameShutdown  FrameType = "shutdown"
)

// Frame is one newline-delimited JSON object on a viewer stream.
type Frame struct {
	Type      FrameType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Message   any       `json:"message,omitempty"`
}

// NewFrame stamps a frame with the current time.
func NewFrame(t FrameType, sessionID string, message any) Frame {
	return Frame{Type: t, SessionID: sessionID, Timestamp: time.Now().UTC(), Message: message}
}

// Viewer is a live subscriber. Send must not block; an error means the viewer
// is gone or too slow and will be removed.
type Viewer interface {
	ID() string
	Send(Frame) error
	Close()
}

// viewerSet is one session's viewers. dead marks a set already pruned from
// the broadcaster so late adders create a fresh one.
type viewerSet struct {
	mu      sync.Mutex
	viewers map[string]Viewer
	dead    bool
}

// Broadcaster tracks viewers per session. The outer lock only guards set
// membership; frames are written under each set's own lock snapshot.
type Broadcaster struct {
	mu        sync.RWMutex
	sets      map[string]*viewerSet
	closed    bool
	heartbeat time.Duration
	logger    *slog.Logger
}

// New creates a broadcaster. Pass nil logger for default.
func New(heartbeat time.Duration, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		sets:      make(map[string]*viewerSet),
		heartbeat: heartbeat,
		logger:    logger.With("component", "broadcaster"),
	}
}

// AddViewer attaches v to a session and sends it a connected frame.
func (b *Broadcaster) AddViewer(sessionID string, v Viewer) error {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return ErrClosed
		}
		set, ok := b.sets[sessionID]
		if !ok {
			set = &viewerSet{viewers: make(map[string]Viewer)}
			b.sets[sessionID] = set
		}
		b.mu.Unlock()

		set.mu.Lock()
		if set.dead {
			set.mu.Unlock()
			continue
		}
		set.viewers[v.ID()] = v
		set.mu.Unlock()
		break
	}

	b.logger.Debug("viewer added", "session_id", sessionID, "viewer_id", v.ID())

	if err := v.Send(NewFrame(FrameConnected, sessionID, nil)); err != nil {
		b.RemoveViewer(sessionID, v.ID())
		return err
	}
	return nil
}

// RemoveViewer detaches and closes a viewer. Empty sessions are pruned.
func (b *Broadcaster) RemoveViewer(sessionID, viewerID string) {
	b.mu.RLock()
	set, ok := b.sets[sessionID]
	b.mu.RUnlock()
	if !ok {
		return
	}

	set.mu.Lock()
	v, exists := set.viewers[viewerID]
	if !exists {
		set.mu.Unlock()
		return
	}
	delete(set.viewers, viewerID)
	empty := len(set.viewers) == 0
	if empty {
		set.dead = true
	}
	set.mu.Unlock()

	v.Close()

	if empty {
		b.mu.Lock()
		if b.sets[sessionID] == set {
			delete(b.sets, sessionID)
		}
		b.mu.Unlock()
	}

	b.logger.Debug("viewer removed", "session_id", sessionID, "viewer_id", viewerID)
}

// Broadcast writes a frame to every viewer of a session and returns how many
// accepted it. Viewers that fail are removed; the caller never sees the error.
func (b *Broadcaster) Broadcast(sessionID string, frame Frame) int {
	targets := b.snapshot(sessionID)

	delivered := 0
	for _, v := range targets {
		if err := v.Send(frame); err != nil {
			b.logger.Info("dropping viewer after failed write",
				"session_id", sessionID,
				"viewer_id", v.ID(),
				"error", err)
			b.RemoveViewer(sessionID, v.ID())
			continue
		}
		delivered++
	}
	return delivered
}

// CloseSession sends a shutdown frame to a session's viewers and detaches them.
func (b *Broadcaster) CloseSession(sessionID string) {
	b.mu.Lock()
	set, ok := b.sets[sessionID]
	delete(b.sets, sessionID)
	b.mu.Unlock()
	if !ok {
		return
	}
	b.shutdownSet(sessionID, set)
}

// ViewerCount returns the number of viewers attached to a session.
func (b *Broadcaster) ViewerCount(sessionID string) int {
	return len(b.snapshot(sessionID))
}

// Run sends heartbeat frames to every viewer until ctx is cancelled.
func (b *Broadcaster) Run(ctx context.Context) {
	if b.heartbeat <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(b.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sessionID := range b.sessionIDs() {
				b.Broadcast(sessionID, NewFrame(FrameHeartbeat, sessionID, nil))
			}
		}
	}
}

// Close sends a shutdown frame to every viewer, detaches them all and refuses
// new viewers.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	b.closed = true
	sets := b.sets
	b.sets = make(map[string]*viewerSet)
	b.mu.Unlock()

	for sessionID, set := range sets {
		b.shutdownSet(sessionID, set)
	}
	b.logger.Debug("broadcaster closed")
}

func (b *Broadcaster) shutdownSet(sessionID string, set *viewerSet) {
	set.mu.Lock()
	set.dead = true
	viewers := set.viewers
	set.viewers = make(map[string]Viewer)
	set.mu.Unlock()

	frame := NewFrame(FrameShutdown, sessionID, nil)
	for _, v := range viewers {
		var err error
		if fs, ok := v.(finalSender); ok {
			err = fs.SendFinal(frame)
		} else {
			err = v.Send(frame)
		}
		if err != nil {
			b.logger.Debug("shutdown notice not delivered",
				"session_id", sessionID,
				"viewer_id", v.ID(),
				"error", err)
		}
		v.Close()
	}
}

// finalSender is implemented by viewers that can make room for a last frame.
type finalSender interface {
	SendFinal(f Frame) error
}

func (b *Broadcaster) snapshot(sessionID string) []Viewer {
	b.mu.RLock()
	set, ok := b.sets[sessionID]
	b.mu.RUnlock()
	if !ok {
		return nil
	}

	set.mu.Lock()
	defer set.mu.Unlock()
	out := make([]Viewer, 0, len(set.viewers))
	for _, v := range set.viewers {
		out = append(out, v)
	}
	return out
}

func (b *Broadcaster) sessionIDs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.sets))
	for id := range b.sets {
		ids = append(ids, id)
	}
	return ids
}
