// Package broadcast fans live session events out to attached viewers.
//
// A viewer attaches to one session and receives newline-delimited JSON frames:
//
//	{"type":"connected","session_id":"...","timestamp":"..."}
//	{"type":"message","session_id":"...","timestamp":"...","message":{...}}
//	{"type":"heartbeat","session_id":"...","timestamp":"..."}
//	{"type":"shutdown","session_id":"...","timestamp":"..."}
//
// Writes are non-blocking: each viewer has a bounded buffer drained by its own
// transport goroutine (StreamViewer for HTTP streaming, SocketViewer for
// WebSocket). A viewer whose buffer is full or whose write fails is removed
// without affecting other viewers or the producer. Sessions with no viewers
// left are pruned immediately.
//
// Run sends heartbeats on a fixed interval. Close sends every viewer a
// shutdown frame before detaching it.
package broadcast
