// ABOUTME: Per-session actor that serializes every lifecycle change for one session
// ABOUTME: Consumes driver events, reconnect timers and operator commands from one inbox

package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/2389/tether-gateway/internal/driver"
	"github.com/2389/tether-gateway/internal/session"
	"github.com/2389/tether-gateway/internal/webhook"
)

type inputKind int

const (
	inputEvent inputKind = iota + 1
	inputStreamClosed
	inputReconnectDue
	inputCommand
)

type command int

const (
	cmdConnect command = iota + 1
	cmdDisconnect
	cmdRegenerate
	cmdDelete
)

func (c command) String() string {
	switch c {
	case cmdConnect:
		return "connect"
	case cmdDisconnect:
		return "disconnect"
	case cmdRegenerate:
		return "regenerate"
	case cmdDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// input is one entry in a session's inbox. Which fields are set depends on kind.
type input struct {
	kind  inputKind
	gen   uint64       // inputEvent, inputStreamClosed
	event driver.Event // inputEvent
	token uint64       // inputReconnectDue
	cmd   command      // inputCommand
	reply chan error   // inputCommand
}

type actor struct {
	o      *Orchestrator
	sess   *session.Session
	inbox  chan input
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	logger *slog.Logger

	limiter   *rate.Limiter
	pollEntry cron.EntryID

	// Reconnect timer; only the actor goroutine touches these.
	timer      *time.Timer
	timerToken uint64

	// admit serializes queue admission against the drip's dequeue so a
	// message being sent is never re-admitted by a poll.
	admit    sync.Mutex
	inflight string
}

// post hands an input to the actor. Returns false once the actor has stopped.
func (a *actor) post(in input) bool {
	select {
	case a.inbox <- in:
		return true
	case <-a.ctx.Done():
		return false
	}
}

// do runs an operator command on the actor and waits for its result.
func (a *actor) do(ctx context.Context, cmd command) error {
	reply := make(chan error, 1)
	select {
	case a.inbox <- input{kind: inputCommand, cmd: cmd, reply: reply}:
	case <-a.done:
		return ErrSessionNotFound
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-a.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrSessionNotFound
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *actor) run() {
	defer close(a.done)
	defer a.shutdown()

	for {
		select {
		case <-a.ctx.Done():
			return
		case in := <-a.inbox:
			if a.handle(in) {
				return
			}
		}
	}
}

// shutdown drops the transport without logging out.
func (a *actor) shutdown() {
	a.stopTimer()
	if conn := a.sess.Detach(); conn != nil {
		conn.Disconnect()
	}
}

// handle processes one input and reports whether the actor should stop.
func (a *actor) handle(in input) bool {
	switch in.kind {
	case inputEvent:
		if !a.sess.Current(in.gen) {
			a.logger.Debug("dropping event from replaced connection", "event", in.event.Kind)
			return false
		}
		a.onEvent(in.event)

	case inputStreamClosed:
		if a.sess.Current(in.gen) {
			a.onLinkLost(driver.CauseRecoverable, "event stream closed")
		}

	case inputReconnectDue:
		if in.token != a.timerToken || a.sess.State() != session.StateReconnecting {
			return false
		}
		a.timer = nil
		a.reconnect()

	case inputCommand:
		err := a.onCommand(in.cmd)
		in.reply <- err
		return in.cmd == cmdDelete && err == nil
	}
	return false
}

func (a *actor) onEvent(ev driver.Event) {
	switch ev.Kind {
	case driver.EventPairingCode:
		a.onPairingCode(ev.PairingCode)
	case driver.EventLinkEstablished:
		a.onLinked(ev.AccountID)
	case driver.EventLinkLost:
		a.onLinkLost(ev.Cause, ev.Reason)
	case driver.EventMessage:
		if ev.Message != nil {
			a.o.recordObserved(a.sess, *ev.Message)
		}
	default:
		a.logger.Warn("unknown driver event", "event", ev.Kind)
	}
}

func (a *actor) onCommand(cmd command) error {
	a.logger.Debug("operator command", "command", cmd, "state", a.sess.State())

	switch cmd {
	case cmdConnect:
		return a.connectCommand()
	case cmdDisconnect:
		return a.disconnectCommand()
	case cmdRegenerate:
		a.logout("pairing regenerated")
		return nil
	case cmdDelete:
		a.deleteCommand()
		return nil
	default:
		return fmt.Errorf("unknown command %d", int(cmd))
	}
}

// moveTo applies a transition, logs it and notifies the observer.
func (a *actor) moveTo(to session.State) bool {
	from, err := a.sess.Transition(to)
	if err != nil {
		a.logger.Warn("refusing state change", "from", from, "to", to, "error", err)
		return false
	}
	a.logger.Info("session state changed", "from", from, "to", to)
	a.o.observe(a.sess.ID, to)
	return true
}

func (a *actor) persist() {
	a.o.persistSession(a.sess)
}

func (a *actor) onPairingCode(code string) {
	if a.sess.State() != session.StateAwaitingPairing {
		if !a.moveTo(session.StateAwaitingPairing) {
			return
		}
	}
	a.sess.SetPairingCode(code)
	a.persist()

	a.logger.Info("pairing code issued")
	a.o.emit(a.sess, webhook.PairingCodeIssued, map[string]string{"code": code})
}

func (a *actor) onLinked(accountID string) {
	// Pairing reports the link twice (pair success, then connected).
	if a.sess.State() == session.StateConnected {
		a.logger.Debug("link already established", "account_id", accountID)
		return
	}
	if !a.moveTo(session.StateConnected) {
		return
	}
	a.sess.SetPairingCode("")
	a.sess.ResetReconnectAttempts()
	if accountID != "" {
		a.sess.SetAccountID(accountID)
	}
	a.persist()

	a.logger.Info("session linked", "account_id", a.sess.AccountID())
	a.o.emit(a.sess, webhook.SessionConnected, map[string]string{"account_id": a.sess.AccountID()})

	// Messages stored while the session was away start moving right away.
	a.o.wg.Go(func() {
		if _, err := a.o.poll(a); err != nil {
			a.logger.Error("poll after link failed", "error", err)
		}
	})
}

func (a *actor) onLinkLost(cause driver.LossCause, reason string) {
	state := a.sess.State()
	switch state {
	case session.StateConnected, session.StateAwaitingPairing:
		if !a.moveTo(session.StateClosing) {
			return
		}
		a.dropConnection()
		if state == session.StateConnected {
			a.emitDisconnected(cause.String(), reason)
		}
	case session.StateReconnecting:
		a.dropConnection()
	default:
		a.logger.Debug("ignoring link loss", "state", state, "cause", cause)
		return
	}

	a.logger.Warn("link lost", "cause", cause, "reason", reason)
	if cause == driver.CauseTerminal {
		a.logout(reason)
		return
	}
	a.scheduleReconnect()
}

func (a *actor) emitDisconnected(cause, reason string) {
	a.o.emit(a.sess, webhook.SessionDisconnected, map[string]string{"cause": cause, "reason": reason})
}

// scheduleReconnect counts one more attempt and arms the backoff timer, or
// gives up and logs out once the ceiling is reached.
func (a *actor) scheduleReconnect() {
	limit := a.o.opts.MaxReconnectAttempts
	if a.sess.ReconnectAttempts() >= limit {
		a.logger.Warn("reconnect attempts exhausted", "max_attempts", limit)
		a.logout("reconnect attempts exhausted")
		return
	}

	attempt := a.sess.NextReconnectAttempt()
	delay := session.ReconnectDelay(attempt, a.o.opts.ReconnectBase, a.o.opts.ReconnectCap)
	if !a.moveTo(session.StateReconnecting) {
		return
	}
	a.persist()
	a.armTimer(delay)

	a.logger.Info("reconnect scheduled", "attempt", attempt+1, "delay", delay)
}

func (a *actor) armTimer(delay time.Duration) {
	a.stopTimer()
	token := a.timerToken
	a.timer = time.AfterFunc(delay, func() {
		a.post(input{kind: inputReconnectDue, token: token})
	})
}

// stopTimer cancels any pending reconnect and invalidates its token.
func (a *actor) stopTimer() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.timerToken++
}

func (a *actor) reconnect() {
	if err := a.connect(a.sess.AccountID()); err != nil {
		a.logger.Warn("reconnect failed", "error", err)
		a.scheduleReconnect()
	}
}

// connect opens a connection and starts pumping its events into the inbox.
func (a *actor) connect(accountID string) error {
	ctx, cancel := context.WithTimeout(a.ctx, connectTimeout)
	defer cancel()

	conn, err := a.o.driver.Connect(ctx, driver.ConnectRequest{SessionID: a.sess.ID, AccountID: accountID})
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	gen, prev := a.sess.Attach(conn)
	if prev != nil {
		prev.Disconnect()
	}
	go a.pump(conn, gen)
	return nil
}

func (a *actor) pump(conn driver.Connection, gen uint64) {
	for ev := range conn.Events() {
		if !a.post(input{kind: inputEvent, gen: gen, event: ev}) {
			return
		}
	}
	a.post(input{kind: inputStreamClosed, gen: gen})
}

func (a *actor) dropConnection() {
	if conn := a.sess.Detach(); conn != nil {
		conn.Disconnect()
	}
}

// logout runs logged_out handling: unlink, purge credentials, reset and pair again.
func (a *actor) logout(reason string) {
	state := a.sess.State()
	if state == session.StateConnected || state == session.StateAwaitingPairing {
		if !a.moveTo(session.StateClosing) {
			return
		}
		if state == session.StateConnected {
			a.emitDisconnected(driver.CauseTerminal.String(), reason)
		}
	}
	a.stopTimer()
	a.unlink(a.ctx)

	if !a.moveTo(session.StateLoggedOut) {
		return
	}
	a.logger.Info("session logged out", "reason", reason)
	a.purge(a.ctx)
	a.sess.SetAccountID("")
	a.sess.SetPairingCode("")
	a.sess.ResetReconnectAttempts()
	a.persist()

	if !a.moveTo(session.StateUninitialized) {
		return
	}
	a.persist()
	if err := a.connect(""); err != nil {
		a.logger.Error("failed to start pairing", "error", err)
	}
}

// unlink logs the active connection out (best effort) and drops it.
func (a *actor) unlink(base context.Context) {
	conn := a.sess.Detach()
	if conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(base, logoutTimeout)
	defer cancel()
	if err := conn.Logout(ctx); err != nil {
		a.logger.Warn("logout failed", "error", err)
	}
	conn.Disconnect()
}

func (a *actor) purge(base context.Context) {
	ctx, cancel := context.WithTimeout(base, logoutTimeout)
	defer cancel()
	if err := a.o.driver.Purge(ctx, a.sess.ID, a.sess.AccountID()); err != nil {
		a.logger.Warn("failed to purge credentials", "error", err)
	}
}

func (a *actor) connectCommand() error {
	state := a.sess.State()
	if state != session.StateUninitialized {
		return fmt.Errorf("%w: cannot connect while %s", session.ErrInvalidTransition, state)
	}

	accountID := a.sess.AccountID()
	if accountID == "" {
		return a.connect("")
	}

	a.sess.ResetReconnectAttempts()
	if !a.moveTo(session.StateReconnecting) {
		return fmt.Errorf("%w: cannot resume while %s", session.ErrInvalidTransition, a.sess.State())
	}
	a.persist()
	if err := a.connect(accountID); err != nil {
		a.logger.Warn("resume failed", "error", err)
		a.scheduleReconnect()
	}
	return nil
}

func (a *actor) disconnectCommand() error {
	state := a.sess.State()
	if state == session.StateUninitialized {
		return nil
	}
	if !state.Live() {
		return fmt.Errorf("%w: cannot disconnect while %s", session.ErrInvalidTransition, state)
	}

	if !a.moveTo(session.StateClosing) {
		return fmt.Errorf("%w: cannot disconnect while %s", session.ErrInvalidTransition, state)
	}
	a.stopTimer()
	a.dropConnection()
	if state == session.StateConnected {
		a.emitDisconnected("operator", "disconnected by operator")
	}

	a.sess.SetPairingCode("")
	a.sess.ResetReconnectAttempts()
	a.moveTo(session.StateUninitialized)
	a.persist()
	return nil
}

// deleteCommand marks the session deleted, then logs out and purges. Logout
// errors are logged and swallowed.
func (a *actor) deleteCommand() {
	a.stopTimer()
	a.moveTo(session.StateDeleted)
	// Logout and purge outlive the actor's own cancellation.
	base := context.WithoutCancel(a.ctx)
	a.unlink(base)
	a.purge(base)
}
