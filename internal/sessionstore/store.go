// Package sessionstore keeps a user's chat sessions in memory and mirrors
// every mutation to durable key-value storage before returning.
package sessionstore

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/abishek-ctrl/tutor-ed/internal/kv"
)

const keyPrefix = "ai_tutor_sessions_"

// StorageKey is the durable record key holding all sessions of userKey.
func StorageKey(userKey string) string { return keyPrefix + userKey }

// Store owns the session collection of one user. All methods are safe for
// concurrent use; mutations are serialized and always applied to the
// latest in-memory collection.
type Store struct {
	kv      kv.Store
	userKey string

	mu       sync.Mutex
	sessions []Session // newest first

	now   func() time.Time
	newID func() string
}

// Load reads userKey's sessions. A missing or malformed record yields an
// empty collection; only a storage failure is returned as an error.
func Load(store kv.Store, userKey string) (*Store, error) {
	s := &Store{
		kv:      store,
		userKey: userKey,
		now:     time.Now,
		newID:   uuid.NewString,
	}
	raw, ok, err := store.Get(StorageKey(userKey))
	if err != nil {
		return nil, fmt.Errorf("load sessions for %s: %w", userKey, err)
	}
	if ok {
		s.sessions = decode(raw, userKey)
	}
	return s, nil
}

func decode(raw []byte, userKey string) []Session {
	var sessions []Session
	if err := json.Unmarshal(raw, &sessions); err != nil {
		log.Printf("sessionstore: discarding malformed sessions for %s: %v", userKey, err)
		return nil
	}
	valid := sessions[:0]
	seen := make(map[string]bool, len(sessions))
	for _, sess := range sessions {
		if sess.ID == "" || seen[sess.ID] {
			continue
		}
		seen[sess.ID] = true
		valid = append(valid, sess)
	}
	sort.SliceStable(valid, func(i, j int) bool { return valid[i].CreatedAt > valid[j].CreatedAt })
	return valid
}

// UserKey returns the user this store belongs to.
func (s *Store) UserKey() string { return s.userKey }

// Sessions returns a copy of the collection, most recent first.
func (s *Store) Sessions() []Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Session, len(s.sessions))
	for i, sess := range s.sessions {
		out[i] = sess.clone()
	}
	return out
}

// Get returns the session with id from the in-memory cache.
func (s *Store) Get(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexOf(id); i >= 0 {
		return s.sessions[i].clone(), true
	}
	return Session{}, false
}

// Create stores a new session with a fresh id and the current time and
// returns it.
func (s *Store) Create(d Draft) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.newID()
	for s.indexOf(id) >= 0 {
		id = s.newID()
	}
	sess := Session{
		ID:           id,
		Name:         d.Name,
		Messages:     append([]Message{}, d.Messages...),
		SelectedDocs: append([]string{}, d.SelectedDocs...),
		CreatedAt:    s.now().UnixMilli(),
	}

	next := make([]Session, 0, len(s.sessions)+1)
	next = append(next, sess)
	next = append(next, s.sessions...)
	if err := s.persist(next); err != nil {
		return Session{}, err
	}
	return sess.clone(), nil
}

// Update applies p to the session with id. It reports false when no such
// session exists.
func (s *Store) Update(id string, p Patch) (bool, error) {
	return s.UpdateFunc(id, func(Session) Patch { return p })
}

// UpdateFunc computes a patch from the session's current value and applies
// it in the same critical section, so back-to-back updates never lose each
// other's changes.
func (s *Store) UpdateFunc(id string, fn func(Session) Patch) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(id)
	if i < 0 {
		return false, nil
	}
	next := make([]Session, len(s.sessions))
	copy(next, s.sessions)
	cur := next[i]
	updated := fn(cur.clone()).apply(cur)
	updated.ID, updated.CreatedAt = cur.ID, cur.CreatedAt
	next[i] = updated

	if err := s.persist(next); err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes the session with id, reporting whether it existed.
func (s *Store) Delete(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(id)
	if i < 0 {
		return false, nil
	}
	next := make([]Session, 0, len(s.sessions)-1)
	next = append(next, s.sessions[:i]...)
	next = append(next, s.sessions[i+1:]...)
	if err := s.persist(next); err != nil {
		return false, err
	}
	return true, nil
}

// persist writes next and only then makes it the in-memory collection.
// Caller holds s.mu.
func (s *Store) persist(next []Session) error {
	b, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode sessions: %w", err)
	}
	if err := s.kv.Put(StorageKey(s.userKey), b); err != nil {
		return fmt.Errorf("persist sessions for %s: %w", s.userKey, err)
	}
	s.sessions = next
	return nil
}

func (s *Store) indexOf(id string) int {
	for i := range s.sessions {
		if s.sessions[i].ID == id {
			return i
		}
	}
	return -1
}
