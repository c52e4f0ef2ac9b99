package pairing

import "time"

// LockTable maps a normalized phone number to the session currently allowed to pair it.
// It is not safe for concurrent use; the coordinator guards it with its own mutex.
type LockTable struct {
	locks map[string]string
}

func NewLockTable() *LockTable {
	return &LockTable{locks: make(map[string]string)}
}

// Acquire returns the session id holding the lock for phone when that session was created
// less than window ago. Staleness is only judged here, lazily.
func (l *LockTable) Acquire(phone string, now time.Time, window time.Duration, createdAt func(id string) (time.Time, bool)) (string, bool) {
	id, ok := l.locks[phone]
	if !ok {
		return "", false
	}
	created, found := createdAt(id)
	if !found || now.Sub(created) >= window {
		return "", false
	}
	return id, true
}

// Lock points phone at id, replacing any stale holder.
func (l *LockTable) Lock(phone, id string) {
	l.locks[phone] = id
}

// Release removes the lock only if it still points at id, so a newer attempt for the same
// number keeps its lock.
func (l *LockTable) Release(phone, id string) bool {
	if cur, ok := l.locks[phone]; ok && cur == id {
		delete(l.locks, phone)
		return true
	}
	return false
}

// Holder returns the session id currently locking phone.
func (l *LockTable) Holder(phone string) (string, bool) {
	id, ok := l.locks[phone]
	return id, ok
}

func (l *LockTable) Len() int {
	return len(l.locks)
}
