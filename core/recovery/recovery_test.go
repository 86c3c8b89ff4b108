package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/txweave/txweave/core/resource"
	"github.com/txweave/txweave/core/transaction"
	"github.com/txweave/txweave/core/txlog"
)

// replayAdapter records the decisions recovery delivers to it.
type replayAdapter struct {
	mu sync.Mutex

	id          string
	pending     []transaction.XID
	commitErrs  []error
	rollbackErr error

	commits   []transaction.XID
	rollbacks []transaction.XID
	recovers  int
}

func (a *replayAdapter) ID() string          { return a.id }
func (a *replayAdapter) Kind() resource.Kind { return resource.KindLocal }

func (a *replayAdapter) Prepare(ctx context.Context, xid transaction.XID) (transaction.Vote, error) {
	return transaction.VoteNo, errors.New("recovery never prepares")
}

func (a *replayAdapter) Commit(ctx context.Context, xid transaction.XID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.commits = append(a.commits, xid)
	if len(a.commitErrs) > 0 {
		err := a.commitErrs[0]
		a.commitErrs = a.commitErrs[1:]
		return err
	}
	return nil
}

func (a *replayAdapter) Rollback(ctx context.Context, xid transaction.XID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rollbacks = append(a.rollbacks, xid)
	return a.rollbackErr
}

func (a *replayAdapter) RecoverPendingIDs(ctx context.Context) ([]transaction.XID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recovers++
	return a.pending, nil
}

func openLog(t *testing.T) *txlog.Log {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	log, err := txlog.Open(txlog.Config{Dir: t.TempDir()}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	return log
}

func newRecoverer(t *testing.T, log *txlog.Log, adapters ...resource.Adapter) *Recoverer {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	registry := make(map[string]resource.Adapter, len(adapters))
	for _, a := range adapters {
		registry[a.ID()] = a
	}
	return New(log, registry, logger)
}

func append2(t *testing.T, log *txlog.Log, kind txlog.Kind, xid transaction.XID, payload []byte) {
	t.Helper()
	_, err := log.Append(kind, xid, payload)
	require.NoError(t, err)
}

func votesPayload(ids ...string) []byte {
	votes := make(map[string]transaction.Vote, len(ids))
	for _, id := range ids {
		votes[id] = transaction.VoteYes
	}
	return txlog.EncodeVotes(votes)
}

func kindsFor(t *testing.T, log *txlog.Log, xid transaction.XID) []txlog.Kind {
	t.Helper()
	records, err := log.ReadAll()
	require.NoError(t, err)
	var kinds []txlog.Kind
	for _, r := range records {
		if r.XID == xid {
			kinds = append(kinds, r.Kind)
		}
	}
	return kinds
}

func TestRunIgnoresForgottenTransactions(t *testing.T) {
	log := openLog(t)
	a := &replayAdapter{id: "a"}

	xid := transaction.NewXID()
	append2(t, log, txlog.KindBegin, xid, nil)
	append2(t, log, txlog.KindPrepared, xid, votesPayload("a"))
	append2(t, log, txlog.KindCommitDecision, xid, nil)
	append2(t, log, txlog.KindForget, xid, nil)

	outcomes, err := newRecoverer(t, log, a).Run(context.Background())
	require.NoError(t, err)
	require.Empty(t, outcomes)
	require.Empty(t, a.commits)
	require.Empty(t, a.rollbacks)
}

func TestRunReplaysDurableCommitDecision(t *testing.T) {
	log := openLog(t)
	a := &replayAdapter{id: "a"}
	b := &replayAdapter{id: "b"}

	xid := transaction.NewXID()
	append2(t, log, txlog.KindBegin, xid, nil)
	append2(t, log, txlog.KindPrepared, xid, votesPayload("a", "b"))
	append2(t, log, txlog.KindCommitDecision, xid, nil)
	// Crash before FORGET: the decision stands and must be redelivered.

	outcomes, err := newRecoverer(t, log, a, b).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.Equal(t, xid, outcomes[0].XID)
	require.Equal(t, transaction.StateCommitted, outcomes[0].State)

	require.Equal(t, []transaction.XID{xid}, a.commits)
	require.Equal(t, []transaction.XID{xid}, b.commits)
	require.Empty(t, a.rollbacks)
	require.Contains(t, kindsFor(t, log, xid), txlog.KindForget)
}

func TestRunRollsBackWithoutDurableDecision(t *testing.T) {
	log := openLog(t)
	a := &replayAdapter{id: "a"}
	b := &replayAdapter{id: "b"}

	xid := transaction.NewXID()
	append2(t, log, txlog.KindBegin, xid, nil)
	append2(t, log, txlog.KindPrepared, xid, votesPayload("a", "b"))
	// Crash between the vote record and the decision record: every vote was
	// YES, but commit is still not an option.

	outcomes, err := newRecoverer(t, log, a, b).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.Equal(t, transaction.StateRolledBack, outcomes[0].State)

	require.Empty(t, a.commits)
	require.Equal(t, []transaction.XID{xid}, a.rollbacks)
	require.Equal(t, []transaction.XID{xid}, b.rollbacks)

	// The rollback decision was persisted before delivery, then forgotten.
	require.Equal(t,
		[]txlog.Kind{txlog.KindBegin, txlog.KindPrepared, txlog.KindRollbackDecision, txlog.KindForget},
		kindsFor(t, log, xid))
}

// TestRunResolvesParticipantsByInquiry covers a crash during phase 1: no
// vote record exists, so the participants are found by asking every
// registered adapter which ids it still holds prepared.
func TestRunResolvesParticipantsByInquiry(t *testing.T) {
	log := openLog(t)
	xid := transaction.NewXID()
	holder := &replayAdapter{id: "holder", pending: []transaction.XID{xid}}
	bystander := &replayAdapter{id: "bystander"}

	append2(t, log, txlog.KindBegin, xid, nil)

	outcomes, err := newRecoverer(t, log, holder, bystander).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.Equal(t, transaction.StateRolledBack, outcomes[0].State)

	require.Equal(t, []transaction.XID{xid}, holder.rollbacks)
	require.Empty(t, bystander.rollbacks)
	require.Equal(t, 1, holder.recovers)
	require.Equal(t, 1, bystander.recovers)
}

func TestRunRetriesRedeliveryUntilAck(t *testing.T) {
	log := openLog(t)
	flaky := errors.New("connection refused")
	a := &replayAdapter{id: "a", commitErrs: []error{flaky, flaky}}

	xid := transaction.NewXID()
	append2(t, log, txlog.KindBegin, xid, nil)
	append2(t, log, txlog.KindPrepared, xid, votesPayload("a"))
	append2(t, log, txlog.KindCommitDecision, xid, nil)

	outcomes, err := newRecoverer(t, log, a).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.Equal(t, transaction.StateCommitted, outcomes[0].State)
	require.Len(t, a.commits, 3)
}

func TestRunHeuristicOutcomeStaysInDoubt(t *testing.T) {
	log := openLog(t)
	a := &replayAdapter{id: "a", commitErrs: []error{
		fmt.Errorf("too late: %w", resource.ErrHeuristicRolledBack),
	}}

	xid := transaction.NewXID()
	append2(t, log, txlog.KindBegin, xid, nil)
	append2(t, log, txlog.KindPrepared, xid, votesPayload("a"))
	append2(t, log, txlog.KindCommitDecision, xid, nil)

	outcomes, err := newRecoverer(t, log, a).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.Equal(t, transaction.StateInDoubt, outcomes[0].State)
	require.Equal(t, transaction.StateInDoubt.String(), outcomes[0].Snapshot.State)

	// No FORGET: the damaged transaction stays in the log for operators.
	require.NotContains(t, kindsFor(t, log, xid), txlog.KindForget)
}

// TestRunIsIdempotent runs recovery twice over the same log. The second run
// sees the FORGET records from the first and has nothing left to do.
func TestRunIsIdempotent(t *testing.T) {
	log := openLog(t)
	a := &replayAdapter{id: "a"}

	xid := transaction.NewXID()
	append2(t, log, txlog.KindBegin, xid, nil)
	append2(t, log, txlog.KindPrepared, xid, votesPayload("a"))
	append2(t, log, txlog.KindCommitDecision, xid, nil)

	rec := newRecoverer(t, log, a)
	outcomes, err := rec.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)

	outcomes, err = rec.Run(context.Background())
	require.NoError(t, err)
	require.Empty(t, outcomes)
	require.Len(t, a.commits, 1, "an already-resolved transaction must not be redelivered")
}

func TestRunFailsOnUnregisteredParticipant(t *testing.T) {
	log := openLog(t)
	xid := transaction.NewXID()
	append2(t, log, txlog.KindBegin, xid, nil)
	append2(t, log, txlog.KindPrepared, xid, votesPayload("ghost"))
	append2(t, log, txlog.KindCommitDecision, xid, nil)

	_, err := newRecoverer(t, log).Run(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "ghost")
}

func TestRunResolvesMultipleInOrder(t *testing.T) {
	log := openLog(t)
	a := &replayAdapter{id: "a"}

	first := transaction.NewXID()
	second := transaction.NewXID()
	append2(t, log, txlog.KindBegin, first, nil)
	append2(t, log, txlog.KindPrepared, first, votesPayload("a"))
	append2(t, log, txlog.KindCommitDecision, first, nil)
	append2(t, log, txlog.KindBegin, second, nil)
	append2(t, log, txlog.KindPrepared, second, votesPayload("a"))

	outcomes, err := newRecoverer(t, log, a).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	require.Equal(t, first, outcomes[0].XID)
	require.Equal(t, transaction.StateCommitted, outcomes[0].State)
	require.Equal(t, second, outcomes[1].XID)
	require.Equal(t, transaction.StateRolledBack, outcomes[1].State)
}
