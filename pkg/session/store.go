package session

import (
	"sync"

	"github.com/google/uuid"
)

// Handle identifies the transport a Session was created for. Concrete
// values are *quic.Conn pointers supplied by pkg/proxy; any comparable
// value works, matching the teacher's use of the connection itself as its
// own map key.
type Handle = any

// Store holds every live Session, keyed both by the transport handle it was
// created for and by player uuid, per spec.md §3's at-most-one-session
// invariant.
type Store struct {
	mu       sync.RWMutex
	byHandle map[Handle]*Session
	byUUID   map[uuid.UUID]*Session
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		byHandle: make(map[Handle]*Session),
		byUUID:   make(map[uuid.UUID]*Session),
	}
}

// RegisterHandle registers sess under its owning transport handle. Called
// once, at session creation.
func (st *Store) RegisterHandle(handle Handle, sess *Session) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.byHandle[handle] = sess
}

// ByHandle looks up the Session owning handle.
func (st *Store) ByHandle(handle Handle) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	sess, ok := st.byHandle[handle]
	return sess, ok
}

// UnregisterHandle removes the handle entry. It does not touch the uuid
// index; callers handle that separately since the handle can go away (a
// transport closing) independently of the uuid registration lifecycle.
func (st *Store) UnregisterHandle(handle Handle) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.byHandle, handle)
}

// ByUUID looks up the live Session for a player uuid, if any.
func (st *Store) ByUUID(id uuid.UUID) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	sess, ok := st.byUUID[id]
	return sess, ok
}

// ByUsername looks up the live Session for a player display name, if any.
// Usernames are not indexed; this is a linear scan, acceptable for the
// read-mostly facade queries that use it (all_players is expected to be
// small relative to a single proxy's connection cap).
func (st *Store) ByUsername(name string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	for _, sess := range st.byUUID {
		if sess.Username() == name {
			return sess, true
		}
	}
	return nil, false
}

// RegisterUUID registers sess under id without forcing. If a live session
// already exists for id, registration is a no-op and the existing session
// is returned unchanged: conflict resolution happens later, at backend
// acceptance (spec.md §4.2, step 1 and its ordering note in step 4).
func (st *Store) RegisterUUID(id uuid.UUID, sess *Session) (existing *Session, registered bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if cur, ok := st.byUUID[id]; ok {
		return cur, false
	}
	st.byUUID[id] = sess
	return nil, true
}

// ForceRegisterUUID registers sess under id, returning and removing any
// prior session first. The caller is responsible for closing the returned
// session's transports before publishing the new one as CONNECTED, per the
// Session uniqueness invariant in spec.md §3 and §8.
func (st *Store) ForceRegisterUUID(id uuid.UUID, sess *Session) (previous *Session) {
	st.mu.Lock()
	defer st.mu.Unlock()
	previous = st.byUUID[id]
	st.byUUID[id] = sess
	return previous
}

// UnregisterUUID removes id's entry only if it currently points at sess,
// so a session that lost a forced-registration race doesn't clobber its
// successor's entry on teardown.
func (st *Store) UnregisterUUID(id uuid.UUID, sess *Session) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if cur, ok := st.byUUID[id]; ok && cur == sess {
		delete(st.byUUID, id)
	}
}

// Count returns the number of sessions registered by uuid, i.e. every
// session that has completed the Connect handshake.
func (st *Store) Count() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.byUUID)
}

// All returns a snapshot of every session registered by uuid.
func (st *Store) All() []*Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]*Session, 0, len(st.byUUID))
	for _, sess := range st.byUUID {
		out = append(out, sess)
	}
	return out
}

// HandleCount returns the number of transports currently tracked, which may
// exceed Count() while connections are still handshaking.
func (st *Store) HandleCount() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.byHandle)
}
