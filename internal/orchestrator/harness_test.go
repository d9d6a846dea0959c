// ABOUTME: Shared test harness for orchestrator tests
// ABOUTME: Wires a fake driver, mock store, recording webhook server and broadcaster

package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/tether-gateway/internal/broadcast"
	"github.com/2389/tether-gateway/internal/driver"
	"github.com/2389/tether-gateway/internal/session"
	"github.com/2389/tether-gateway/internal/store"
	"github.com/2389/tether-gateway/internal/webhook"
)

const (
	testTenant  = "tenant-1"
	testAccount = "15550001111@s.whatsapp.net"
	waitFor     = 2 * time.Second
	tick        = 2 * time.Millisecond
)

// hookRecorder is a webhook endpoint that keeps every event it receives.
type hookRecorder struct {
	mu     sync.Mutex
	events []webhook.Event
	srv    *httptest.Server
}

func newHookRecorder(t *testing.T) *hookRecorder {
	t.Helper()
	h := &hookRecorder{}
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev webhook.Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		h.mu.Lock()
		h.events = append(h.events, ev)
		h.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *hookRecorder) ofKind(kind webhook.Kind) []webhook.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []webhook.Event
	for _, ev := range h.events {
		if ev.Type == kind {
			out = append(out, ev)
		}
	}
	return out
}

// waitKind waits for the n-th event of a kind and decodes its payload into data.
func (h *hookRecorder) waitKind(t *testing.T, kind webhook.Kind, n int, data any) webhook.Event {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.ofKind(kind)) >= n }, waitFor, tick,
		"expected %d %s webhooks", n, kind)
	ev := h.ofKind(kind)[n-1]
	if data != nil {
		require.NoError(t, json.Unmarshal(ev.Data, data))
	}
	return ev
}

type harness struct {
	orch    *Orchestrator
	store   *store.MockStore
	fake    *driver.Fake
	hooks   *hookRecorder
	viewers *broadcast.Broadcaster

	mu     sync.Mutex
	states map[string][]session.State
}

func testOptions() Options {
	return Options{
		ReconnectBase:        time.Millisecond,
		ReconnectCap:         5 * time.Millisecond,
		MaxReconnectAttempts: 5,
		PollInterval:         time.Hour,
		SendInterval:         5 * time.Millisecond,
		SendTimeout:          time.Second,
		MaxRetries:           3,
	}
}

// newHarness builds an orchestrator; tune may adjust options and the fake
// driver before anything starts.
func newHarness(t *testing.T, tune func(*Options, *driver.Fake)) *harness {
	t.Helper()

	h := &harness{
		store:   store.NewMockStore(),
		fake:    driver.NewFake(),
		hooks:   newHookRecorder(t),
		viewers: broadcast.New(0, nil),
		states:  make(map[string][]session.State),
	}
	require.NoError(t, h.store.CreateTenant(context.Background(), &store.Tenant{
		ID:            testTenant,
		Name:          "acme",
		WebhookURL:    h.hooks.srv.URL,
		WebhookSecret: "hook-secret",
	}))

	dispatcher, err := webhook.NewDispatcher(webhook.Options{
		MaxAttempts: 1,
		Delays:      []time.Duration{0},
		Timeout:     time.Second,
		Workers:     4,
	})
	require.NoError(t, err)

	opts := testOptions()
	opts.Observer = func(sessionID string, state session.State) {
		h.mu.Lock()
		h.states[sessionID] = append(h.states[sessionID], state)
		h.mu.Unlock()
	}
	if tune != nil {
		tune(&opts, h.fake)
	}

	h.orch = New(opts, h.store, h.fake, dispatcher, h.viewers)
	t.Cleanup(func() {
		h.orch.Close()
		h.viewers.Close()
		_ = dispatcher.Close(time.Second)
	})
	return h
}

func (h *harness) observed(sessionID string) []session.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]session.State(nil), h.states[sessionID]...)
}

func (h *harness) waitState(t *testing.T, sessionID string, want session.State) session.Info {
	t.Helper()
	var info session.Info
	require.Eventually(t, func() bool {
		var err error
		info, err = h.orch.Session(sessionID)
		return err == nil && info.State == want
	}, waitFor, tick, "session %s never reached %s", sessionID, want)
	return info
}

// pairing creates a session and waits for its first pairing code.
func (h *harness) pairing(t *testing.T) session.Info {
	t.Helper()
	info, err := h.orch.CreateSession(context.Background(), testTenant)
	require.NoError(t, err)
	return h.waitState(t, info.ID, session.StateAwaitingPairing)
}

// linked creates a session and completes its pairing.
func (h *harness) linked(t *testing.T) session.Info {
	t.Helper()
	info := h.pairing(t)
	require.NoError(t, h.fake.Emit(info.ID, driver.LinkEstablished(testAccount)))
	return h.waitState(t, info.ID, session.StateConnected)
}

func (h *harness) message(t *testing.T, id string) *store.Message {
	t.Helper()
	msg, err := h.store.GetMessage(context.Background(), id)
	require.NoError(t, err)
	return msg
}

// frameCollector is a viewer that keeps every frame.
type frameCollector struct {
	id     string
	mu     sync.Mutex
	frames []broadcast.Frame
}

func newFrameCollector(id string) *frameCollector { return &frameCollector{id: id} }

func (c *frameCollector) ID() string { return c.id }

func (c *frameCollector) Send(f broadcast.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
	return nil
}

func (c *frameCollector) Close() {}

func (c *frameCollector) count(t broadcast.FrameType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, f := range c.frames {
		if f.Type == t {
			n++
		}
	}
	return n
}
