// ABOUTME: Outbound delivery: the per-session drip loop and the scheduled poll of queued records
// ABOUTME: Sends are paced by a rate limiter and retried at the tail up to the retry ceiling

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/2389/tether-gateway/internal/broadcast"
	"github.com/2389/tether-gateway/internal/dedupe"
	"github.com/2389/tether-gateway/internal/driver"
	"github.com/2389/tether-gateway/internal/flight"
	"github.com/2389/tether-gateway/internal/queue"
	"github.com/2389/tether-gateway/internal/session"
	"github.com/2389/tether-gateway/internal/store"
	"github.com/2389/tether-gateway/internal/webhook"
)

const (
	opSend = "send"
	opPoll = "poll"
)

// errRecipientMissing is the failure recorded for stored messages with no address.
var errRecipientMissing = errors.New("recipient missing: neither phone nor jid set")

// drip wakes on new messages and on every send interval, then sends as many
// messages as the limiter allows while the session stays connected.
func (o *Orchestrator) drip(a *actor) {
	ticker := time.NewTicker(o.opts.SendInterval)
	defer ticker.Stop()
	ready := o.queue.Ready(a.sess.ID)

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ready:
		case <-ticker.C:
		}
		for o.dripTick(a) {
		}
	}
}

// dripTick sends at most one message and reports whether it handled one.
func (o *Orchestrator) dripTick(a *actor) bool {
	id := a.sess.ID
	release, ok := o.guard.TryAcquire(flight.Key(id, opSend))
	if !ok {
		return false
	}
	defer release()

	if a.sess.State() != session.StateConnected || o.queue.Len(id) == 0 {
		return false
	}
	if err := a.limiter.Wait(a.ctx); err != nil {
		return false
	}
	conn := a.sess.Connection()
	if a.sess.State() != session.StateConnected || conn == nil {
		return false
	}

	a.admit.Lock()
	msg, ok := o.queue.Dequeue(id)
	if ok {
		a.inflight = msg.ID
	}
	a.admit.Unlock()
	if !ok {
		return false
	}
	defer func() {
		a.admit.Lock()
		a.inflight = ""
		a.admit.Unlock()
	}()

	// In-flight sends are not cancelled by deletion; the result is dropped instead.
	ctx, cancel := context.WithTimeout(o.ctx, o.opts.SendTimeout)
	externalID, err := conn.Send(ctx, msg.Recipient, msg.Body)
	cancel()

	if !o.alive(id) {
		a.logger.Info("discarding send result for deleted session", "message_id", msg.ID)
		return false
	}

	attempts := msg.Retries + 1
	switch {
	case err == nil:
		o.markSent(a, msg, externalID, attempts)
	case driver.IsPermanent(err):
		o.markFailed(a, msg.ID, err.Error(), attempts)
	case msg.Retries < o.opts.MaxRetries:
		msg.Retries++
		o.updateMessage(a, msg.ID, store.MessageUpdate{Attempts: store.Ptr(attempts)})
		a.admit.Lock()
		if !o.alive(id) {
			a.admit.Unlock()
			return false
		}
		admission := o.queue.Requeue(msg)
		a.admit.Unlock()
		a.logger.Warn("send failed, will retry",
			"message_id", msg.ID,
			"attempt", attempts,
			"admission", admission,
			"error", err)
	default:
		o.markFailed(a, msg.ID, fmt.Sprintf("delivery failed after %d attempts: %v", attempts, err), attempts)
	}
	return true
}

func (o *Orchestrator) markSent(a *actor, msg queue.Message, externalID string, attempts int) {
	o.updateMessage(a, msg.ID, store.MessageUpdate{
		Status:     store.Ptr(store.MessageSent),
		ExternalID: store.Ptr(externalID),
		Attempts:   store.Ptr(attempts),
	})
	o.queue.MarkFinished(msg.ID, dedupe.Sent)

	a.logger.Info("message sent", "message_id", msg.ID, "attempts", attempts)
	o.emit(a.sess, webhook.MessageSent, map[string]string{
		"message_id":  msg.ID,
		"recipient":   msg.Recipient.String(),
		"external_id": externalID,
	})

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if rec, err := o.store.GetMessage(ctx, msg.ID); err == nil {
		o.viewers.Broadcast(a.sess.ID, broadcast.NewFrame(broadcast.FrameMessage, a.sess.ID, rec))
	}
}

func (o *Orchestrator) markFailed(a *actor, messageID, reason string, attempts int) {
	o.updateMessage(a, messageID, store.MessageUpdate{
		Status:        store.Ptr(store.MessageFailed),
		FailureReason: store.Ptr(reason),
		Attempts:      store.Ptr(attempts),
	})
	o.queue.MarkFinished(messageID, dedupe.Failed)

	a.logger.Error("message failed", "message_id", messageID, "attempts", attempts, "reason", reason)
	o.emit(a.sess, webhook.MessageFailed, map[string]any{
		"message_id": messageID,
		"reason":     reason,
		"attempts":   attempts,
	})
}

// updateMessage writes a delivery result. Records removed meanwhile are ignored.
func (o *Orchestrator) updateMessage(a *actor, messageID string, update store.MessageUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	err := o.store.UpdateMessage(ctx, messageID, update)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		a.logger.Error("failed to update message", "message_id", messageID, "error", err)
	}
}

// PollNow reads the session's queued records and admits them to its queue.
// It returns how many messages were admitted.
func (o *Orchestrator) PollNow(sessionID string) (int, error) {
	a, ok := o.actor(sessionID)
	if !ok {
		return 0, ErrSessionNotFound
	}
	return o.poll(a)
}

func (o *Orchestrator) poll(a *actor) (int, error) {
	id := a.sess.ID
	release, ok := o.guard.TryAcquire(flight.Key(id, opPoll))
	if !ok {
		return 0, nil
	}
	defer release()

	ctx, cancel := context.WithTimeout(a.ctx, storeTimeout)
	defer cancel()
	records, err := o.store.ListQueued(ctx, id, o.opts.PollBatch)
	if err != nil {
		return 0, fmt.Errorf("listing queued messages: %w", err)
	}

	admitted := 0
	for _, rec := range records {
		to := driver.Recipient{Phone: rec.Recipient, JID: rec.RecipientJID}
		if to.Phone == "" && to.JID == "" {
			o.markFailed(a, rec.ID, errRecipientMissing.Error(), rec.Attempts)
			continue
		}

		a.admit.Lock()
		if !o.alive(id) {
			a.admit.Unlock()
			break
		}
		if rec.ID == a.inflight {
			a.admit.Unlock()
			continue
		}
		admission := o.queue.Enqueue(queue.Message{
			ID:        rec.ID,
			SessionID: id,
			Recipient: to,
			Body:      rec.Body,
			Retries:   rec.Attempts,
		})
		a.admit.Unlock()

		if admission == queue.Admitted {
			admitted++
		}
	}

	if admitted > 0 {
		a.logger.Debug("poll admitted messages", "count", admitted)
	}
	return admitted, nil
}
