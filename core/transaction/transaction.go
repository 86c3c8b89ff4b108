// Package transaction defines the data model of a global transaction:
// identifiers, lifecycle states, participant votes and the immutable
// snapshot exposed to administrative tooling.
package transaction

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// XID is the globally unique identifier of a distributed transaction.
type XID uuid.UUID

var NilXID XID

// NewXID returns a fresh random transaction identifier.
func NewXID() XID {
	return XID(uuid.New())
}

// ParseXID parses the canonical string form produced by String.
func ParseXID(s string) (XID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return NilXID, err
	}
	return XID(u), nil
}

func (x XID) String() string {
	return uuid.UUID(x).String()
}

// Bytes returns the 16-byte wire form of the identifier.
func (x XID) Bytes() [16]byte {
	return [16]byte(x)
}

// XIDFromBytes reconstructs an XID from its wire form.
func XIDFromBytes(b [16]byte) XID {
	return XID(b)
}

// State represents the coordinator-side lifecycle state of a global transaction.
type State int

const (
	StateActive State = iota
	StatePreparing
	StatePrepared
	StateCommitting
	StateCommitted
	StateRollingBack
	StateRolledBack
	// StateInDoubt is only ever entered at recovery time, for transactions
	// that crashed between the prepared point and a durable decision ack.
	StateInDoubt
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StatePreparing:
		return "PREPARING"
	case StatePrepared:
		return "PREPARED"
	case StateCommitting:
		return "COMMITTING"
	case StateCommitted:
		return "COMMITTED"
	case StateRollingBack:
		return "ROLLING_BACK"
	case StateRolledBack:
		return "ROLLED_BACK"
	case StateInDoubt:
		return "IN_DOUBT"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further state transition is possible.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateRolledBack
}

// Vote is a participant's answer to the prepare request.
type Vote byte

const (
	VoteYes Vote = iota + 1
	VoteNo
)

func (v Vote) String() string {
	if v == VoteYes {
		return "YES"
	}
	return "NO"
}

// Global is the coordinator's record of one global transaction. It is
// created by begin, mutated only by the transaction manager that owns it,
// and forgotten once it reaches a terminal state.
type Global struct {
	mu sync.Mutex

	id           XID
	state        State
	enlisted     []string // adapter IDs, in enlistment order
	votes        map[string]Vote
	rollbackOnly bool
	createdAt    time.Time
}

// NewGlobal creates a transaction record in the ACTIVE state.
func NewGlobal(id XID) *Global {
	return &Global{
		id:        id,
		state:     StateActive,
		votes:     make(map[string]Vote),
		createdAt: time.Now(),
	}
}

func (g *Global) ID() XID {
	return g.id
}

func (g *Global) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// SetState transitions the transaction. Transitions are driven exclusively
// by the transaction manager; the record itself does not police ordering.
func (g *Global) SetState(s State) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = s
}

// Enlist records a participant. Re-enlisting the same adapter ID is a no-op,
// so the enlistment order stays stable.
func (g *Global) Enlist(adapterID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range g.enlisted {
		if id == adapterID {
			return
		}
	}
	g.enlisted = append(g.enlisted, adapterID)
}

// Enlisted returns the participant IDs in enlistment order.
func (g *Global) Enlisted() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.enlisted))
	copy(out, g.enlisted)
	return out
}

// RecordVote stores a participant's prepare vote.
func (g *Global) RecordVote(adapterID string, v Vote) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.votes[adapterID] = v
}

// Votes returns a copy of the collected vote set.
func (g *Global) Votes() map[string]Vote {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]Vote, len(g.votes))
	for k, v := range g.votes {
		out[k] = v
	}
	return out
}

// AllYes reports whether every enlisted participant voted YES.
func (g *Global) AllYes() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.enlisted) == 0 || len(g.votes) != len(g.enlisted) {
		return false
	}
	for _, v := range g.votes {
		if v != VoteYes {
			return false
		}
	}
	return true
}

// SetRollbackOnly marks the transaction so a later commit attempt is refused.
func (g *Global) SetRollbackOnly() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollbackOnly = true
}

func (g *Global) RollbackOnly() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rollbackOnly
}

func (g *Global) CreatedAt() time.Time {
	return g.createdAt
}

// Snapshot is the read-only view served by the administrative surface.
type Snapshot struct {
	ID        string            `json:"id"`
	State     string            `json:"state"`
	Enlisted  []string          `json:"enlisted"`
	Votes     map[string]string `json:"votes,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Snapshot captures the current state for administrative inquiry.
func (g *Global) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	snap := Snapshot{
		ID:        g.id.String(),
		State:     g.state.String(),
		Enlisted:  append([]string(nil), g.enlisted...),
		CreatedAt: g.createdAt,
	}
	if len(g.votes) > 0 {
		snap.Votes = make(map[string]string, len(g.votes))
		for k, v := range g.votes {
			snap.Votes[k] = v.String()
		}
	}
	return snap
}
