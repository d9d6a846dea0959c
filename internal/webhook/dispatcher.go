// ABOUTME: Signed webhook delivery with a bounded retry schedule
// ABOUTME: Fire-and-forget deliveries run on an ants worker pool

package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/panjf2000/ants/v2"
)

// ErrExhausted is returned when every attempt failed.
var ErrExhausted = errors.New("webhook delivery exhausted")

// Header names set on every delivery attempt.
const (
	HeaderSource    = "X-Webhook-Source"
	HeaderEvent     = "X-Webhook-Event"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderAttempt   = "X-Webhook-Attempt"
	HeaderSignature = "X-Webhook-Signature"
)

// Options configures a Dispatcher.
type Options struct {
	Source      string
	MaxAttempts int
	// Delays[i] is waited before attempt i+1; the last entry repeats.
	Delays  []time.Duration
	Timeout time.Duration
	Workers int
	// DeadLetters receives events whose attempts were exhausted. Optional.
	DeadLetters *DeadLetterBox
	Client      *http.Client
	Logger      *slog.Logger
}

// Dispatcher posts events to tenant endpoints.
type Dispatcher struct {
	opts   Options
	client *http.Client
	pool   *ants.Pool
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewDispatcher creates a dispatcher and its worker pool.
func NewDispatcher(opts Options) (*Dispatcher, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if len(opts.Delays) == 0 {
		opts.Delays = []time.Duration{0}
	}
	if opts.Workers < 1 {
		opts.Workers = 16
	}
	if opts.Source == "" {
		opts.Source = "tether-gateway"
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}

	logger := opts.Logger.With("component", "webhook")
	// Submit never blocks its caller; overflow goes to the dead-letter box.
	pool, err := ants.NewPool(opts.Workers,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p any) {
			logger.Error("webhook task panicked", "panic", p)
		}))
	if err != nil {
		return nil, fmt.Errorf("creating webhook pool: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		opts:   opts,
		client: client,
		pool:   pool,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Submit delivers ev in the background. Targets without a URL are ignored.
func (d *Dispatcher) Submit(target Target, ev Event) {
	if target.URL == "" {
		return
	}
	err := d.pool.Submit(func() {
		_ = d.Deliver(d.ctx, target, ev)
	})
	if err != nil {
		d.logger.Error("failed to schedule webhook",
			"event", ev.Type,
			"session_id", ev.SessionID,
			"error", err)
		d.deadLetter(target, ev, 0, fmt.Errorf("scheduling: %w", err))
	}
}

// Deliver posts ev following the attempt schedule and returns nil on the
// first 2xx response. Targets without a URL are a silent no-op.
func (d *Dispatcher) Deliver(ctx context.Context, target Target, ev Event) error {
	if target.URL == "" {
		return nil
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding webhook event: %w", err)
	}

	logger := d.logger.With(
		"tenant_id", target.TenantID,
		"session_id", ev.SessionID,
		"event", ev.Type)

	var lastErr error
	for attempt := 1; attempt <= d.opts.MaxAttempts; attempt++ {
		if err := sleep(ctx, d.delay(attempt)); err != nil {
			return fmt.Errorf("webhook delivery cancelled: %w", err)
		}

		lastErr = d.post(ctx, target, ev, body, attempt)
		if lastErr == nil {
			logger.Debug("webhook delivered", "attempt", attempt)
			return nil
		}
		logger.Warn("webhook attempt failed", "attempt", attempt, "error", lastErr)
	}

	logger.Error("webhook delivery exhausted",
		"attempts", d.opts.MaxAttempts,
		"url", target.URL,
		"error", lastErr)

	d.deadLetter(target, ev, d.opts.MaxAttempts, lastErr)
	return fmt.Errorf("%w after %d attempts: %v", ErrExhausted, d.opts.MaxAttempts, lastErr)
}

func (d *Dispatcher) deadLetter(target Target, ev Event, attempts int, cause error) {
	if d.opts.DeadLetters == nil {
		return
	}
	letter := Letter{
		TenantID:  target.TenantID,
		URL:       target.URL,
		Event:     ev,
		Attempts:  attempts,
		LastError: cause.Error(),
	}
	if err := d.opts.DeadLetters.Put(letter); err != nil {
		d.logger.Error("failed to store dead letter",
			"tenant_id", target.TenantID,
			"event", ev.Type,
			"error", err)
	}
}

// Replay resubmits a dead letter to target and removes it from the box.
func (d *Dispatcher) Replay(id string, target Target) error {
	if d.opts.DeadLetters == nil {
		return ErrLetterNotFound
	}
	letter, err := d.opts.DeadLetters.Get(id)
	if err != nil {
		return err
	}
	if err := d.opts.DeadLetters.Delete(id); err != nil {
		return err
	}
	d.Submit(target, letter.Event)
	return nil
}

// DeadLetters returns the configured dead-letter box, or nil.
func (d *Dispatcher) DeadLetters() *DeadLetterBox {
	return d.opts.DeadLetters
}

// delay returns the wait before the given 1-based attempt.
func (d *Dispatcher) delay(attempt int) time.Duration {
	i := attempt - 1
	if i >= len(d.opts.Delays) {
		i = len(d.opts.Delays) - 1
	}
	return d.opts.Delays[i]
}

func (d *Dispatcher) post(ctx context.Context, target Target, ev Event, body []byte, attempt int) error {
	if d.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSource, d.opts.Source)
	req.Header.Set(HeaderEvent, string(ev.Type))
	req.Header.Set(HeaderTimestamp, ev.Timestamp.Format(time.RFC3339))
	req.Header.Set(HeaderAttempt, strconv.Itoa(attempt))
	if target.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(target.Secret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Close cancels pending retries and waits up to timeout for running deliveries.
func (d *Dispatcher) Close(timeout time.Duration) error {
	d.cancel()
	return d.pool.ReleaseTimeout(timeout)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
