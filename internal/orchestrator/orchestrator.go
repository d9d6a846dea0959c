// ABOUTME: Ties sessions, the delivery queue, webhooks and viewers together
// ABOUTME: Each session gets an actor goroutine, a drip loop and a scheduled poll job

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/2389/tether-gateway/internal/broadcast"
	"github.com/2389/tether-gateway/internal/dedupe"
	"github.com/2389/tether-gateway/internal/driver"
	"github.com/2389/tether-gateway/internal/flight"
	"github.com/2389/tether-gateway/internal/queue"
	"github.com/2389/tether-gateway/internal/session"
	"github.com/2389/tether-gateway/internal/store"
	"github.com/2389/tether-gateway/internal/webhook"
)

// Errors returned to synchronous callers.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrTenantNotFound  = errors.New("tenant not found")
	ErrEmptyBody       = errors.New("message body is empty")
	ErrClosed          = errors.New("orchestrator closed")
)

const (
	connectTimeout = 30 * time.Second
	logoutTimeout  = 10 * time.Second
	storeTimeout   = 5 * time.Second
	inboxSize      = 64
)

// StateObserver is told about every session state change.
type StateObserver func(sessionID string, state session.State)

// Options tunes the orchestrator.
type Options struct {
	ReconnectBase        time.Duration
	ReconnectCap         time.Duration
	MaxReconnectAttempts int

	PollInterval time.Duration
	PollBatch    int
	SendInterval time.Duration
	SendTimeout  time.Duration
	MaxRetries   int

	OutcomeTTL     time.Duration
	OutcomeMaxSize int

	Observer StateObserver
	Logger   *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = time.Second
	}
	if o.ReconnectCap <= 0 {
		o.ReconnectCap = 30 * time.Second
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = 5
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 10 * time.Second
	}
	if o.PollBatch <= 0 {
		o.PollBatch = 100
	}
	if o.SendInterval <= 0 {
		o.SendInterval = 3 * time.Second
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 30 * time.Second
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.OutcomeTTL <= 0 {
		o.OutcomeTTL = 24 * time.Hour
	}
	if o.OutcomeMaxSize <= 0 {
		o.OutcomeMaxSize = 100000
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Orchestrator owns every live session and the machinery around it.
type Orchestrator struct {
	opts     Options
	store    store.Store
	driver   driver.Driver
	webhooks *webhook.Dispatcher
	viewers  *broadcast.Broadcaster

	registry *session.Registry
	outcomes *dedupe.Cache
	queue    *queue.Queue
	guard    *flight.Guard
	cron     *cron.Cron
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	actors map[string]*actor
	closed bool
}

// New creates an orchestrator and starts its poll scheduler.
func New(opts Options, st store.Store, drv driver.Driver, webhooks *webhook.Dispatcher, viewers *broadcast.Broadcaster) *Orchestrator {
	opts.applyDefaults()
	logger := opts.Logger.With("component", "orchestrator")

	outcomes := dedupe.New(opts.OutcomeTTL, opts.OutcomeMaxSize)
	ctx, cancel := context.WithCancel(context.Background())

	o := &Orchestrator{
		opts:     opts,
		store:    st,
		driver:   drv,
		webhooks: webhooks,
		viewers:  viewers,
		registry: session.NewRegistry(opts.Logger),
		outcomes: outcomes,
		queue:    queue.New(outcomes, opts.Logger),
		guard:    flight.New(),
		cron:     cron.New(cron.WithChain(cron.Recover(cronLogger{logger: logger}))),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		actors:   make(map[string]*actor),
	}
	o.cron.Start()
	return o
}

// Restore registers every stored session. Sessions with a linked account
// resume with their credentials; the rest start a fresh pairing.
func (o *Orchestrator) Restore(ctx context.Context) (int, error) {
	records, err := o.store.ListSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing sessions: %w", err)
	}

	restored := 0
	for _, rec := range records {
		sess := session.New(rec.ID, rec.TenantID, rec.AccountID)
		sess.CreatedAt = rec.CreatedAt
		a, err := o.register(sess)
		if err != nil {
			o.logger.Error("failed to restore session", "session_id", rec.ID, "error", err)
			continue
		}
		if err := a.do(ctx, cmdConnect); err != nil {
			o.logger.Warn("restored session did not connect",
				"session_id", rec.ID,
				"error", err)
		}
		restored++
	}

	o.logger.Info("sessions restored", "count", restored)
	return restored, nil
}

// CreateSession registers a new session for a tenant and starts pairing.
func (o *Orchestrator) CreateSession(ctx context.Context, tenantID string) (session.Info, error) {
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return session.Info{}, ErrClosed
	}

	if _, err := o.store.GetTenant(ctx, tenantID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return session.Info{}, ErrTenantNotFound
		}
		return session.Info{}, fmt.Errorf("loading tenant: %w", err)
	}

	sess := session.New(uuid.New().String(), tenantID, "")
	rec := &store.Session{
		ID:        sess.ID,
		TenantID:  tenantID,
		Status:    string(session.StateUninitialized),
		CreatedAt: sess.CreatedAt,
	}
	if err := o.store.CreateSession(ctx, rec); err != nil {
		return session.Info{}, fmt.Errorf("storing session: %w", err)
	}

	a, err := o.register(sess)
	if err != nil {
		return session.Info{}, err
	}
	if err := a.do(ctx, cmdConnect); err != nil {
		o.logger.Warn("new session did not start pairing",
			"session_id", sess.ID,
			"error", err)
	}
	return sess.Info(), nil
}

// DeleteSession tears a session down and removes its stored record. Deleting
// an unknown session is not an error; found reports whether anything existed.
func (o *Orchestrator) DeleteSession(ctx context.Context, sessionID string) (bool, error) {
	// Once started, deletion runs to completion even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	o.mu.Lock()
	a, ok := o.actors[sessionID]
	delete(o.actors, sessionID)
	o.mu.Unlock()

	if !ok {
		err := o.store.DeleteSession(ctx, sessionID)
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("deleting session record: %w", err)
		}
		return true, nil
	}

	o.registry.Remove(sessionID)
	if err := a.do(ctx, cmdDelete); err != nil {
		// The actor stopped first; it is gone now, so the teardown runs here.
		a.logger.Warn("delete did not run through the session actor", "error", err)
		a.cancel()
		<-a.done
		a.deleteCommand()
	}
	a.cancel()
	<-a.done

	o.cron.Remove(a.pollEntry)
	// Under admit, a concurrent poll either lands before the drop or sees the
	// session gone.
	a.admit.Lock()
	dropped := o.queue.Drop(sessionID)
	a.admit.Unlock()
	o.viewers.CloseSession(sessionID)

	if err := o.store.DeleteSession(ctx, sessionID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return true, fmt.Errorf("deleting session record: %w", err)
	}

	a.logger.Info("session deleted", "dropped_messages", dropped)
	return true, nil
}

// Regenerate discards the session's link and credentials and starts a fresh pairing.
func (o *Orchestrator) Regenerate(ctx context.Context, sessionID string) error {
	a, ok := o.actor(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	return a.do(ctx, cmdRegenerate)
}

// Disconnect drops the session's transport but keeps its credentials.
func (o *Orchestrator) Disconnect(ctx context.Context, sessionID string) error {
	a, ok := o.actor(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	return a.do(ctx, cmdDisconnect)
}

// Connect resumes a disconnected session, or starts pairing if it has no account.
func (o *Orchestrator) Connect(ctx context.Context, sessionID string) error {
	a, ok := o.actor(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	return a.do(ctx, cmdConnect)
}

// Session returns a snapshot of a live session.
func (o *Orchestrator) Session(sessionID string) (session.Info, error) {
	sess, ok := o.registry.Get(sessionID)
	if !ok {
		return session.Info{}, ErrSessionNotFound
	}
	return sess.Info(), nil
}

// Sessions returns snapshots of a tenant's sessions, oldest first.
func (o *Orchestrator) Sessions(tenantID string) []session.Info {
	sessions := o.registry.ListTenant(tenantID)
	out := make([]session.Info, len(sessions))
	for i, s := range sessions {
		out[i] = s.Info()
	}
	return out
}

// SessionCount returns the number of live sessions.
func (o *Orchestrator) SessionCount() int {
	return o.registry.Len()
}

// QueueLen returns how many messages are waiting in a session's queue.
func (o *Orchestrator) QueueLen(sessionID string) int {
	return o.queue.Len(sessionID)
}

// SendMessage stores a queued outbound message and admits it to the session's queue.
func (o *Orchestrator) SendMessage(ctx context.Context, sessionID string, to driver.Recipient, body string) (*store.Message, error) {
	a, ok := o.actor(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	to.Phone = driver.NormalizePhone(to.Phone)
	to.JID = strings.TrimSpace(to.JID)
	if err := to.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(body) == "" {
		return nil, ErrEmptyBody
	}

	rec := &store.Message{
		ID:           uuid.New().String(),
		SessionID:    sessionID,
		TenantID:     a.sess.TenantID,
		Direction:    store.DirectionOutbound,
		Recipient:    to.Phone,
		RecipientJID: to.JID,
		Body:         body,
		Status:       store.MessageQueued,
	}
	if err := o.store.InsertMessage(ctx, rec); err != nil {
		return nil, fmt.Errorf("storing message: %w", err)
	}

	a.admit.Lock()
	admission := o.queue.Enqueue(queue.Message{
		ID:        rec.ID,
		SessionID: sessionID,
		Recipient: to,
		Body:      body,
	})
	a.admit.Unlock()

	a.logger.Debug("message queued", "message_id", rec.ID, "admission", admission)
	return rec, nil
}

// Close stops every session actor and the scheduler. Connections are dropped
// without logging out so sessions resume on the next start.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.mu.Unlock()

	o.cancel()
	stopped := o.cron.Stop()
	o.wg.Wait()
	<-stopped.Done()
	o.outcomes.Close()
	o.logger.Info("orchestrator stopped")
}

func (o *Orchestrator) actor(sessionID string) (*actor, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	a, ok := o.actors[sessionID]
	return a, ok
}

// register starts the actor, drip loop and poll job for a session.
func (o *Orchestrator) register(sess *session.Session) (*actor, error) {
	ctx, cancel := context.WithCancel(o.ctx)
	a := &actor{
		o:       o,
		sess:    sess,
		inbox:   make(chan input, inboxSize),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Every(o.opts.SendInterval), 1),
		logger:  o.logger.With("session_id", sess.ID, "tenant_id", sess.TenantID),
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		cancel()
		return nil, ErrClosed
	}
	if _, exists := o.actors[sess.ID]; exists {
		o.mu.Unlock()
		cancel()
		return nil, session.ErrSessionExists
	}
	if err := o.registry.Add(sess); err != nil {
		o.mu.Unlock()
		cancel()
		return nil, err
	}
	o.actors[sess.ID] = a
	o.mu.Unlock()

	a.pollEntry = o.cron.Schedule(cron.Every(o.opts.PollInterval), cron.FuncJob(func() {
		if _, err := o.poll(a); err != nil {
			a.logger.Error("poll failed", "error", err)
		}
	}))

	o.wg.Go(a.run)
	o.wg.Go(func() { o.drip(a) })
	return a, nil
}

// alive reports whether results for a session should still be recorded.
func (o *Orchestrator) alive(sessionID string) bool {
	sess, ok := o.registry.Get(sessionID)
	return ok && sess.State() != session.StateDeleted
}

func (o *Orchestrator) observe(sessionID string, state session.State) {
	if o.opts.Observer != nil {
		o.opts.Observer(sessionID, state)
	}
}

// persistSession mirrors the live session into the store. Missing records are ignored.
func (o *Orchestrator) persistSession(sess *session.Session) {
	info := sess.Info()
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	err := o.store.UpdateSession(ctx, sess.ID, store.SessionUpdate{
		Status:      store.Ptr(string(info.State)),
		AccountID:   store.Ptr(info.AccountID),
		PairingCode: store.Ptr(info.PairingCode),
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		o.logger.Error("failed to persist session", "session_id", sess.ID, "error", err)
	}
}

// emit submits a webhook event for the session's tenant.
func (o *Orchestrator) emit(sess *session.Session, kind webhook.Kind, data any) {
	ev, err := webhook.NewEvent(kind, sess.TenantID, sess.ID, data)
	if err != nil {
		o.logger.Error("failed to build webhook event", "event", kind, "error", err)
		return
	}
	o.webhooks.Submit(o.target(sess.TenantID), ev)
}

// target looks up where a tenant wants its events. An unknown tenant yields
// an empty target, which the dispatcher ignores.
func (o *Orchestrator) target(tenantID string) webhook.Target {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	tenant, err := o.store.GetTenant(ctx, tenantID)
	if err != nil {
		o.logger.Warn("failed to load webhook target", "tenant_id", tenantID, "error", err)
		return webhook.Target{TenantID: tenantID}
	}
	return webhook.Target{TenantID: tenantID, URL: tenant.WebhookURL, Secret: tenant.WebhookSecret}
}

// recordObserved stores a message seen on the connection and fans it out.
// Messages sent from the account by another device are stored as outbound.
func (o *Orchestrator) recordObserved(sess *session.Session, m driver.MessageEvent) {
	rec := &store.Message{
		ID:         uuid.New().String(),
		SessionID:  sess.ID,
		TenantID:   sess.TenantID,
		Direction:  store.DirectionInbound,
		Sender:     m.From,
		Body:       m.Body,
		Status:     store.MessageReceived,
		ExternalID: m.ExternalID,
		CreatedAt:  m.Timestamp,
	}
	if m.FromMe {
		rec.Direction = store.DirectionOutbound
		rec.Status = store.MessageSent
		rec.RecipientJID = m.Chat
		rec.Sender = sess.AccountID()
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := o.store.InsertMessage(ctx, rec); err != nil {
		o.logger.Error("failed to store observed message",
			"session_id", sess.ID,
			"external_id", m.ExternalID,
			"error", err)
		return
	}

	o.viewers.Broadcast(sess.ID, broadcast.NewFrame(broadcast.FrameMessage, sess.ID, rec))
	if !m.FromMe {
		o.emit(sess, webhook.MessageReceived, rec)
	}
}
