// Package queue holds outbound messages between the store poll and the
// per-session drip tick.
//
// Each session has its own FIFO. Admission is deduplicated: a message id that
// is already waiting, or that already reached a terminal outcome, is refused.
// Transient send failures are put back at the tail with Requeue, so one
// failing message never blocks the ones behind it.
package queue
