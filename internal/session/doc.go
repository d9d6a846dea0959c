// Package session models the connection lifecycle of each gateway session.
//
// # States
//
// A session is always in exactly one State:
//
//	uninitialized -> awaiting_pairing -> connected
//	connected -> closing -> reconnecting -> connected
//	reconnecting -> reconnecting (failed attempt)
//	closing | reconnecting -> logged_out -> uninitialized (fresh pairing)
//	any -> deleted
//
// Transition refuses anything not in the table with ErrInvalidTransition.
// Deleted is terminal.
//
// # Connections
//
// A session owns at most one driver.Connection. Attach and Detach bump a
// generation counter; the orchestrator tags every event it pumps from a
// connection with the generation it was attached under and drops events whose
// generation is no longer Current.
//
// # Reconnect Backoff
//
// ReconnectDelay computes min(base * 2^attempt, cap). The attempt passed in is
// the counter value before NextReconnectAttempt increments it.
package session
