// Package orchestrator runs the gateway's sessions.
//
// # Actors
//
// Every session has one actor goroutine that owns all of its lifecycle
// changes. Driver events (pumped from the active connection and tagged with
// its generation), reconnect timers and operator commands (connect,
// disconnect, regenerate, delete) all arrive through the same inbox, so at
// most one transition is ever applied to a session at a time.
//
// # Delivery
//
// Outbound messages are stored as "queued" records. A poll job on a shared
// cron scheduler admits them to the session's queue every poll interval, and
// SendMessage admits new ones straight away. A drip goroutine per session
// sends one message per tick through a rate limiter with a burst of one, so
// two sends are never closer than the send interval. Transient failures go
// back to the tail of the queue until the retry ceiling; permanent recipient
// errors fail at once.
//
// Both the poll and the drip take a per-session single-flight guard and skip
// their turn when it is already held.
//
// # Side Effects
//
// Webhooks are submitted to the dispatcher's worker pool and viewer frames
// are handed to the broadcaster; neither blocks the actor. Results of sends
// that complete after their session was deleted are discarded.
package orchestrator
