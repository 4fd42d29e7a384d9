// Package approval mediates the rendezvous between a blocked request and
// the monitor UI that approves or denies it, with TTL-scoped session
// memory for "don't ask again".
package approval

import (
	"crypto/rand"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/safeshell/safeshell/internal/cmdctx"
	"github.com/safeshell/safeshell/internal/events"
)

// Outcome of one approval request.
type Outcome string

const (
	Approved         Outcome = "approved"
	ApprovedRemember Outcome = "approved_remember"
	Denied           Outcome = "denied"
	DeniedRemember   Outcome = "denied_remember"
	TimedOut         Outcome = "timeout"
)

// TimeoutReason is the reason attached to a timed-out approval.
const TimeoutReason = "Approval timed out"

// Granted reports whether the outcome permits execution.
func (o Outcome) Granted() bool {
	return o == Approved || o == ApprovedRemember
}

// Pending is one approval awaiting resolution.
type Pending struct {
	ID            string        `json:"approval_id"`
	Command       string        `json:"command"`
	RuleName      string        `json:"rule_name"`
	Reason        string        `json:"reason"`
	Timeout       time.Duration `json:"-"`
	WorkingDir    string        `json:"working_dir,omitempty"`
	ClientPID     int           `json:"client_pid,omitempty"`
	ChallengeCode string        `json:"challenge_code"`
	CreatedAt     time.Time     `json:"created_at"`

	// waiter is the one-shot rendezvous the blocked request awaits.
	// Exactly one producer resolves it; the buffer guarantees the
	// producer never blocks.
	waiter   chan resolution
	resolved bool
	timer    *time.Timer
}

type resolution struct {
	outcome Outcome
	reason  string
}

// Request carries the inputs of RequestApproval.
type Request struct {
	Command    string
	RuleName   string
	Reason     string
	Timeout    time.Duration
	WorkingDir string
	ClientPID  int
}

// Manager registers pending approvals, publishes the approval lifecycle
// events, and resolves waiters from monitor commands or timeouts.
type Manager struct {
	bus    *events.Bus
	memory *SessionMemory
	log    zerolog.Logger

	mu      sync.Mutex
	pending map[string]*Pending
}

// NewManager creates a manager publishing on bus and consulting memory.
func NewManager(bus *events.Bus, memory *SessionMemory, log zerolog.Logger) *Manager {
	return &Manager{
		bus:     bus,
		memory:  memory,
		log:     log,
		pending: make(map[string]*Pending),
	}
}

// Memory exposes the session memory so the evaluator can consult it
// before raising an approval at all.
func (m *Manager) Memory() *SessionMemory {
	return m.memory
}

// RequestApproval blocks until a monitor resolves the approval or the
// timeout fires. It returns the outcome and, for denials, the reason.
//
// The lifecycle is: register the entry, publish approval_needed, arm the
// timeout, await the waiter. Whoever resolves the waiter publishes
// approval_resolved before unblocking this call, so the resolved event
// always precedes the request's final response on the wire.
func (m *Manager) RequestApproval(req Request) (Outcome, string) {
	return m.Await(m.Register(req))
}

// Register creates a pending approval, publishes approval_needed, and
// arms the timeout. The caller holds the returned entry (e.g. to report
// its id on an intermediate response) and must eventually Await it.
func (m *Manager) Register(req Request) *Pending {
	p := &Pending{
		ID:            uuid.NewString(),
		Command:       req.Command,
		RuleName:      req.RuleName,
		Reason:        req.Reason,
		Timeout:       req.Timeout,
		WorkingDir:    req.WorkingDir,
		ClientPID:     req.ClientPID,
		ChallengeCode: challengeCode(),
		CreatedAt:     time.Now(),
		waiter:        make(chan resolution, 1),
	}

	m.mu.Lock()
	m.pending[p.ID] = p
	m.mu.Unlock()

	m.bus.Publish(events.New(events.TypeApprovalNeeded, &events.ApprovalNeeded{
		ApprovalID:    p.ID,
		Cmd:           p.Command,
		RuleName:      p.RuleName,
		Reason:        p.Reason,
		WorkingDir:    p.WorkingDir,
		ClientPID:     p.ClientPID,
		ChallengeCode: p.ChallengeCode,
	}))

	if req.Timeout > 0 {
		p.timer = time.AfterFunc(req.Timeout, func() {
			m.resolve(p.ID, TimedOut, TimeoutReason)
		})
	}
	return p
}

// Await blocks on a registered approval's waiter and applies the
// remember variants to session memory after resolution.
func (m *Manager) Await(p *Pending) (Outcome, string) {
	res := <-p.waiter

	switch res.outcome {
	case ApprovedRemember:
		m.memory.RememberApproval(p.RuleName, cmdctx.BaseCommand(p.Command))
	case DeniedRemember:
		m.memory.RememberDenial(p.RuleName, cmdctx.BaseCommand(p.Command))
	}
	return res.outcome, res.reason
}

// Approve resolves a pending approval in the affirmative. Returns false
// if no unresolved entry exists for the id.
func (m *Manager) Approve(id string, remember bool) bool {
	outcome := Approved
	if remember {
		outcome = ApprovedRemember
	}
	return m.resolve(id, outcome, "")
}

// Deny resolves a pending approval in the negative. An empty reason gets
// a generic one.
func (m *Manager) Deny(id, reason string, remember bool) bool {
	if reason == "" {
		reason = "Denied by monitor"
	}
	outcome := Denied
	if remember {
		outcome = DeniedRemember
	}
	return m.resolve(id, outcome, reason)
}

// resolve is the single producer path for a waiter. It publishes
// approval_resolved before completing the removal and before unblocking
// the waiting request, preserving the event-before-response ordering.
// Resolving an unknown or already-resolved id returns false with no
// side effects.
func (m *Manager) resolve(id string, outcome Outcome, reason string) bool {
	m.mu.Lock()
	p, ok := m.pending[id]
	if !ok || p.resolved {
		m.mu.Unlock()
		return false
	}
	p.resolved = true
	if p.timer != nil {
		p.timer.Stop()
	}
	m.mu.Unlock()

	m.bus.Publish(events.New(events.TypeApprovalResolved, &events.ApprovalResolved{
		ApprovalID: id,
		Approved:   outcome.Granted(),
		Reason:     reason,
		WorkingDir: p.WorkingDir,
		ClientPID:  p.ClientPID,
	}))

	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()

	p.waiter <- resolution{outcome: outcome, reason: reason}
	m.log.Info().Str("approval_id", id).Str("outcome", string(outcome)).Msg("approval resolved")
	return true
}

// ListPending returns a snapshot of unresolved approvals, oldest first.
func (m *Manager) ListPending() []*Pending {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Pending, 0, len(m.pending))
	for _, p := range m.pending {
		if !p.resolved {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// GetPending returns one pending approval by id.
func (m *Manager) GetPending(id string) (*Pending, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[id]
	if !ok || p.resolved {
		return nil, false
	}
	return p, true
}

// PendingCount returns the number of unresolved approvals.
func (m *Manager) PendingCount() int {
	return len(m.ListPending())
}

// challengeCode returns a short code a monitor UI can display so a human
// confirms they are resolving the approval they think they are.
func challengeCode() string {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "0000"
	}
	return fmt.Sprintf("%04d", (int(b[0])<<8|int(b[1]))%10000)
}
