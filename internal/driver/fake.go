// ABOUTME: Scripted in-memory ConnectionDriver for tests and local development
// ABOUTME: Tests push events into live connections and script send outcomes

package driver

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// SentMessage records one Send call on a fake connection.
type SentMessage struct {
	SessionID string
	To        Recipient
	Body      string
	At        time.Time
	Err       error
}

// Fake is a Driver that never touches the network.
type Fake struct {
	// AutoPair emits a pairing code when connecting without an account.
	AutoPair bool
	// AutoLink emits link_established when connecting with an account.
	AutoLink bool
	// PairDelay, when set, links a freshly paired connection after the delay
	// as if someone scanned the code.
	PairDelay time.Duration
	// ConnectErr, when set, is consulted before every connect.
	ConnectErr func(req ConnectRequest) error
	// SendFunc decides each send outcome. Nil sends succeed.
	SendFunc func(sessionID string, to Recipient, body string) (string, error)
	// LogoutErr is returned by every Logout call.
	LogoutErr error

	mu       sync.Mutex
	conns    map[string]*FakeConnection
	connects map[string]int
	sent     []SentMessage
	purged   []string
	logouts  []string
	codeSeq  int
	msgSeq   int
}

// NewFake creates a fake driver that pairs and links automatically.
func NewFake() *Fake {
	return &Fake{
		AutoPair: true,
		AutoLink: true,
		conns:    make(map[string]*FakeConnection),
		connects: make(map[string]int),
	}
}

// Connect opens a fake connection and replaces any previous one for the session.
func (f *Fake) Connect(ctx context.Context, req ConnectRequest) (Connection, error) {
	if f.ConnectErr != nil {
		if err := f.ConnectErr(req); err != nil {
			f.mu.Lock()
			f.connects[req.SessionID]++
			f.mu.Unlock()
			return nil, err
		}
	}

	conn := &FakeConnection{
		driver:    f,
		sessionID: req.SessionID,
		events:    make(chan Event, 64),
	}

	f.mu.Lock()
	f.conns[req.SessionID] = conn
	f.connects[req.SessionID]++
	var first *Event
	switch {
	case req.AccountID == "" && f.AutoPair:
		f.codeSeq++
		ev := PairingCode(fmt.Sprintf("pair-%s-%d", req.SessionID, f.codeSeq))
		first = &ev
	case req.AccountID != "" && f.AutoLink:
		ev := LinkEstablished(req.AccountID)
		first = &ev
	}
	f.mu.Unlock()

	if first != nil {
		conn.push(*first)
		if first.Kind == EventPairingCode && f.PairDelay > 0 {
			time.AfterFunc(f.PairDelay, func() {
				conn.push(LinkEstablished("fake-" + req.SessionID + "@s.whatsapp.net"))
			})
		}
	}
	return conn, nil
}

// Purge records the credential purge.
func (f *Fake) Purge(ctx context.Context, sessionID, accountID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purged = append(f.purged, sessionID)
	return nil
}

// Close disconnects every live fake connection.
func (f *Fake) Close() error {
	f.mu.Lock()
	conns := make([]*FakeConnection, 0, len(f.conns))
	for _, c := range f.conns {
		conns = append(conns, c)
	}
	f.mu.Unlock()

	for _, c := range conns {
		c.Disconnect()
	}
	return nil
}

// Emit pushes an event into the session's newest connection.
func (f *Fake) Emit(sessionID string, ev Event) error {
	f.mu.Lock()
	conn, ok := f.conns[sessionID]
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("no connection for session %s", sessionID)
	}
	if !conn.push(ev) {
		return fmt.Errorf("connection for session %s is closed", sessionID)
	}
	return nil
}

// Connects returns how many times Connect was called for a session.
func (f *Fake) Connects(sessionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects[sessionID]
}

// Sent returns a copy of every recorded send.
func (f *Fake) Sent() []SentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SentMessage(nil), f.sent...)
}

// Purged returns the sessions whose credentials were purged, in order.
func (f *Fake) Purged() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.purged...)
}

// Logouts returns the sessions that were logged out, in order.
func (f *Fake) Logouts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.logouts...)
}

// FakeConnection is the Connection handed out by Fake.
type FakeConnection struct {
	driver    *Fake
	sessionID string

	mu     sync.Mutex
	events chan Event
	closed bool
}

func (c *FakeConnection) push(ev Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.events <- ev:
		return true
	default:
		return false
	}
}

// Events returns the connection's event stream.
func (c *FakeConnection) Events() <-chan Event {
	return c.events
}

// Send runs the driver's SendFunc and records the outcome.
func (c *FakeConnection) Send(ctx context.Context, to Recipient, body string) (string, error) {
	if err := to.Validate(); err != nil {
		return "", err
	}

	f := c.driver
	var id string
	var err error
	if f.SendFunc != nil {
		id, err = f.SendFunc(c.sessionID, to, body)
	} else {
		f.mu.Lock()
		f.msgSeq++
		id = fmt.Sprintf("FAKE%06d", f.msgSeq)
		f.mu.Unlock()
	}

	f.mu.Lock()
	f.sent = append(f.sent, SentMessage{SessionID: c.sessionID, To: to, Body: body, At: time.Now(), Err: err})
	f.mu.Unlock()
	return id, err
}

// Logout records the logout and returns the driver's LogoutErr.
func (c *FakeConnection) Logout(ctx context.Context) error {
	f := c.driver
	f.mu.Lock()
	f.logouts = append(f.logouts, c.sessionID)
	f.mu.Unlock()
	return f.LogoutErr
}

// Disconnect closes the event stream. Safe to call more than once.
func (c *FakeConnection) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
}

var _ Driver = (*Fake)(nil)
