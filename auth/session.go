// Copyright (C) 2025 Shogun Labs, Inc.
// See LICENSE for copying information.

package auth

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// Session is an issued admin session.
type Session struct {
	ID        string
	IP        string
	CreatedAt time.Time
	LastSeen  time.Time
}

// Sessions is the in-memory session store. Sessions live for the
// configured TTL and are evicted by the scheduler's reaper chore.
type Sessions struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ttl      time.Duration
}

// NewSessions creates a session store with the given lifetime.
func NewSessions(ttl time.Duration) *Sessions {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Sessions{sessions: map[string]*Session{}, ttl: ttl}
}

// Create issues a new session bound to ip.
func (store *Sessions) Create(ip string) (*Session, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return nil, Error.Wrap(err)
	}

	now := time.Now()
	session := &Session{
		ID:        hex.EncodeToString(raw),
		IP:        ip,
		CreatedAt: now,
		LastSeen:  now,
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	store.sessions[session.ID] = session
	return session, nil
}

// Validate checks the session id, refreshing its last-seen time. When
// strictIP is set the session only validates from the ip that created it.
func (store *Sessions) Validate(id, ip string, strictIP bool) bool {
	store.mu.Lock()
	defer store.mu.Unlock()

	session, ok := store.sessions[id]
	if !ok {
		return false
	}
	if time.Since(session.CreatedAt) > store.ttl {
		delete(store.sessions, id)
		return false
	}
	if strictIP && session.IP != ip {
		return false
	}
	session.LastSeen = time.Now()
	return true
}

// Delete removes a session.
func (store *Sessions) Delete(id string) {
	store.mu.Lock()
	defer store.mu.Unlock()
	delete(store.sessions, id)
}

// Reap evicts sessions past the TTL or inactive beyond idleCutoff, and
// returns how many were removed.
func (store *Sessions) Reap(now time.Time, idleCutoff time.Duration) int {
	store.mu.Lock()
	defer store.mu.Unlock()

	removed := 0
	for id, session := range store.sessions {
		expired := now.Sub(session.CreatedAt) > store.ttl
		idle := idleCutoff > 0 && now.Sub(session.LastSeen) > idleCutoff
		if expired || idle {
			delete(store.sessions, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of live sessions.
func (store *Sessions) Len() int {
	store.mu.Lock()
	defer store.mu.Unlock()
	return len(store.sessions)
}
