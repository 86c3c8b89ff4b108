// Package resource defines the participant side of the two-phase protocol:
// the Adapter capability set every resource manager implements, the
// local-coordinated store variant and the remote XA variant reached over a
// wire protocol.
package resource

import (
	"context"
	"errors"

	"github.com/txweave/txweave/core/transaction"
)

// Kind tags the two adapter variants. The protocol driver in the
// coordinator is uniform over both; the tag exists so the one-phase
// shortcut and operational tooling can tell them apart.
type Kind byte

const (
	KindLocal Kind = iota + 1
	KindRemoteXA
)

func (k Kind) String() string {
	if k == KindLocal {
		return "local"
	}
	return "remote-xa"
}

var (
	// ErrHeuristicRolledBack is returned by Commit when the participant has
	// already unilaterally rolled the transaction back.
	ErrHeuristicRolledBack = errors.New("participant heuristically rolled back")

	// ErrHeuristicCommitted is returned by Rollback when the participant has
	// already unilaterally committed.
	ErrHeuristicCommitted = errors.New("participant heuristically committed")
)

// Adapter wraps one recoverable resource and exposes the two-phase
// protocol verbs. An adapter is owned by at most one in-flight global
// transaction at a time; Commit and Rollback must be idempotent because
// phase-2 instructions are delivered at least once during recovery.
type Adapter interface {
	// ID returns the stable registry name of this participant. Recovery
	// resolves log records back to adapters through this ID, so it must
	// survive a restart.
	ID() string

	// Kind reports which variant this adapter is.
	Kind() Kind

	// Prepare asks the participant to vote on xid. A returned error counts
	// as a NO vote on the coordinator side.
	Prepare(ctx context.Context, xid transaction.XID) (transaction.Vote, error)

	// Commit delivers the commit decision. Unknown xids acknowledge
	// success, making redelivery harmless.
	Commit(ctx context.Context, xid transaction.XID) error

	// Rollback delivers the rollback decision. Same idempotence contract
	// as Commit.
	Rollback(ctx context.Context, xid transaction.XID) error

	// RecoverPendingIDs returns the transaction ids this participant holds
	// in prepared state, answered from its own durable state.
	RecoverPendingIDs(ctx context.Context) ([]transaction.XID, error)
}

// OnePhaser is implemented by adapters that can collapse prepare and
// commit into a single call when they are the sole participant.
type OnePhaser interface {
	CommitOnePhase(ctx context.Context, xid transaction.XID) error
}
