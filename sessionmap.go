package switchboard

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// defaultMaxSessions bounds the session map when a Switchboard is
// constructed with MaxSessions <= 0 (spec.md §6).
const defaultMaxSessions = 1024

// SessionMap pins session IDs to a deployment name, touching the entry on
// every read and write so eviction is least-recently-used (spec.md §4.5).
// It's a thin wrapper over golang-lru rather than a hand-rolled
// OrderedDict-alike: Get already promotes on read, matching _LRUDict's
// move_to_end-on-both-paths behavior.
type SessionMap struct {
	cache *lru.Cache[string, string]
}

// newSessionMap builds a SessionMap bounded at maxSize entries.
func newSessionMap(maxSize int) *SessionMap {
	if maxSize <= 0 {
		maxSize = defaultMaxSessions
	}
	cache, err := lru.New[string, string](maxSize)
	if err != nil {
		// Only returned by golang-lru for a non-positive size, which the
		// guard above already rules out.
		panic(err)
	}
	return &SessionMap{cache: cache}
}

// Get returns the deployment name pinned to sessionID, promoting it to
// most-recently-used on hit.
func (s *SessionMap) Get(sessionID string) (string, bool) {
	return s.cache.Get(sessionID)
}

// Put pins sessionID to deploymentName, evicting the least-recently-used
// entry if the map is at capacity.
func (s *SessionMap) Put(sessionID, deploymentName string) {
	s.cache.Add(sessionID, deploymentName)
}

// Len returns the number of pinned sessions currently held.
func (s *SessionMap) Len() int {
	return s.cache.Len()
}
