package approval

import (
	"sync"
	"time"
)

// SessionMemory remembers recent approve/deny decisions for
// (rule, base command) pairs so a user who picked "don't ask again"
// is not re-prompted within the TTL. It lives only in daemon memory;
// nothing is persisted and a restart forgets everything.
//
// The key's second component is the first token of the command, so
// approving "git push --force" for a rule also covers other git
// invocations matched by that same rule.
type SessionMemory struct {
	mu       sync.Mutex
	approved map[string]time.Time
	denied   map[string]time.Time
	ttl      time.Duration
	now      func() time.Time
}

// NewSessionMemory creates memory with the given TTL. A zero TTL means
// entries never expire within the daemon session.
func NewSessionMemory(ttl time.Duration) *SessionMemory {
	return &SessionMemory{
		approved: make(map[string]time.Time),
		denied:   make(map[string]time.Time),
		ttl:      ttl,
		now:      time.Now,
	}
}

func memoryKey(rule, baseCommand string) string {
	return rule + "\x00" + baseCommand
}

// RememberApproval records an approval for (rule, base command). Any
// remembered denial for the same key is superseded.
func (m *SessionMemory) RememberApproval(rule, baseCommand string) {
	key := memoryKey(rule, baseCommand)
	m.mu.Lock()
	m.approved[key] = m.now()
	delete(m.denied, key)
	m.mu.Unlock()
}

// RememberDenial records a denial for (rule, base command).
func (m *SessionMemory) RememberDenial(rule, baseCommand string) {
	key := memoryKey(rule, baseCommand)
	m.mu.Lock()
	m.denied[key] = m.now()
	delete(m.approved, key)
	m.mu.Unlock()
}

// IsPreApproved reports whether an unexpired approval exists. Expired
// entries are evicted on inspection.
func (m *SessionMemory) IsPreApproved(rule, baseCommand string) bool {
	return m.lookup(m.approved, rule, baseCommand)
}

// IsPreDenied reports whether an unexpired denial exists.
func (m *SessionMemory) IsPreDenied(rule, baseCommand string) bool {
	return m.lookup(m.denied, rule, baseCommand)
}

func (m *SessionMemory) lookup(table map[string]time.Time, rule, baseCommand string) bool {
	key := memoryKey(rule, baseCommand)
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := table[key]
	if !ok {
		return false
	}
	if m.ttl > 0 && m.now().Sub(at) >= m.ttl {
		delete(table, key)
		return false
	}
	return true
}

// Clear drops all remembered decisions.
func (m *SessionMemory) Clear() {
	m.mu.Lock()
	m.approved = make(map[string]time.Time)
	m.denied = make(map[string]time.Time)
	m.mu.Unlock()
}
