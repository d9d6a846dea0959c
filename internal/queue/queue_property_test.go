// ABOUTME: Property-based tests for delivery queue admission
// ABOUTME: Enqueue is idempotent per id and preserves first-arrival order

package queue

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/2389/tether-gateway/internal/dedupe"
)

func TestQueueProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	idGen := gen.IntRange(0, 9).Map(func(n int) string { return string(rune('a' + n)) })

	properties.Property("enqueue is idempotent and keeps first-arrival order", prop.ForAll(
		func(ids []string) bool {
			outcomes := dedupe.New(time.Hour, 100)
			defer outcomes.Close()
			q := New(outcomes, nil)

			seen := map[string]bool{}
			var want []string
			for _, id := range ids {
				admission := q.Enqueue(msg("s1", id))
				if seen[id] != (admission == AlreadyQueued) {
					return false
				}
				if !seen[id] {
					seen[id] = true
					want = append(want, id)
				}
			}

			if q.Len("s1") != len(want) {
				return false
			}
			for _, id := range want {
				got, ok := q.Dequeue("s1")
				if !ok || got.ID != id {
					return false
				}
			}
			return q.Len("s1") == 0
		},
		gen.SliceOf(idGen),
	))

	properties.Property("finished ids are never admitted", prop.ForAll(
		func(finished, ids []string) bool {
			outcomes := dedupe.New(time.Hour, 100)
			defer outcomes.Close()
			q := New(outcomes, nil)

			done := map[string]bool{}
			for _, id := range finished {
				q.MarkFinished(id, dedupe.Sent)
				done[id] = true
			}
			for _, id := range ids {
				if done[id] && q.Enqueue(msg("s1", id)) != AlreadyFinished {
					return false
				}
			}
			for {
				m, ok := q.Dequeue("s1")
				if !ok {
					return true
				}
				if done[m.ID] {
					return false
				}
			}
		},
		gen.SliceOf(idGen),
		gen.SliceOf(idGen),
	))

	properties.TestingRun(t)
}
