// ABOUTME: Keyed single-flight guard for per-session periodic work
// ABOUTME: A held key makes later attempts skip instead of queueing behind it

package flight

import (
	"hash/maphash"
	"sync"
)

const stripes = 64

// Guard hands out at most one in-flight token per key. Keys are spread over
// independently locked stripes so unrelated sessions never share a lock.
type Guard struct {
	seed    maphash.Seed
	stripes [stripes]stripe
}

type stripe struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// New creates an empty guard.
func New() *Guard {
	g := &Guard{seed: maphash.MakeSeed()}
	for i := range g.stripes {
		g.stripes[i].held = make(map[string]struct{})
	}
	return g
}

// Key joins a session id and an operation name.
func Key(sessionID, op string) string {
	return sessionID + "\x00" + op
}

// TryAcquire claims key. When ok is false the key is already held and the
// caller must skip its work. release is idempotent.
func (g *Guard) TryAcquire(key string) (release func(), ok bool) {
	s := g.stripe(key)

	s.mu.Lock()
	if _, busy := s.held[key]; busy {
		s.mu.Unlock()
		return func() {}, false
	}
	s.held[key] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.held, key)
			s.mu.Unlock()
		})
	}, true
}

// held reports whether key is currently claimed.
func (g *Guard) held(key string) bool {
	s := g.stripe(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, busy := s.held[key]
	return busy
}

func (g *Guard) stripe(key string) *stripe {
	return &g.stripes[maphash.String(g.seed, key)%stripes]
}
