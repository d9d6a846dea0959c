// Package dedupe remembers which message ids already reached a terminal
// outcome (sent or failed) so the delivery queue can refuse to admit them
// again when the store still reports them as queued. Records expire after a
// TTL and the cache is capped in size, evicting the oldest record first.
package dedupe
