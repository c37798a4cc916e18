package tutor

import "sync"

// Turns records which sessions have a turn in flight. Tutors that share
// one Turns refuse a second turn on a session until the first ends, no
// matter which connection or request started it.
type Turns struct {
	mu     sync.Mutex
	active map[turnKey]struct{}
}

type turnKey struct{ user, session string }

func NewTurns() *Turns {
	return &Turns{active: make(map[turnKey]struct{})}
}

// Active reports whether a turn is running on the user's session.
func (t *Turns) Active(userKey, sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.active[turnKey{userKey, sessionID}]
	return ok
}

func (t *Turns) acquire(userKey, sessionID string) bool {
	k := turnKey{userKey, sessionID}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[k]; ok {
		return false
	}
	t.active[k] = struct{}{}
	return true
}

func (t *Turns) release(userKey, sessionID string) {
	t.mu.Lock()
	delete(t.active, turnKey{userKey, sessionID})
	t.mu.Unlock()
}
