package pairing

import (
	"time"

	"github.com/google/btree"
)

// Registry is the in-memory session table polled by the HTTP layer. Like LockTable it
// relies on the coordinator mutex. Sessions are also indexed by creation time so the TTL
// sweep only visits expired records.
type Registry struct {
	sessions map[string]*Session
	byAge    *btree.BTreeG[*Session]
}

func olderFirst(a, b *Session) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		byAge:    btree.NewG(16, olderFirst),
	}
}

func (r *Registry) Get(id string) (*Session, bool) {
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) Put(s *Session) {
	if old, ok := r.sessions[s.ID]; ok {
		r.byAge.Delete(old)
	}
	r.sessions[s.ID] = s
	r.byAge.ReplaceOrInsert(s)
}

func (r *Registry) Delete(id string) {
	if s, ok := r.sessions[id]; ok {
		r.byAge.Delete(s)
		delete(r.sessions, id)
	}
}

func (r *Registry) Len() int {
	return len(r.sessions)
}

// Expired removes and returns every session created before cutoff, oldest first.
func (r *Registry) Expired(cutoff time.Time) []*Session {
	var out []*Session
	r.byAge.Ascend(func(s *Session) bool {
		if !s.CreatedAt.Before(cutoff) {
			return false
		}
		out = append(out, s)
		return true
	})
	for _, s := range out {
		r.byAge.Delete(s)
		delete(r.sessions, s.ID)
	}
	return out
}
