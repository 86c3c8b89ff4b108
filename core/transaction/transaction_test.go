package transaction

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestXIDRoundTrip(t *testing.T) {
	xid := NewXID()
	require.NotEqual(t, NilXID, xid)

	parsed, err := ParseXID(xid.String())
	require.NoError(t, err)
	require.Equal(t, xid, parsed)

	require.Equal(t, xid, XIDFromBytes(xid.Bytes()))

	_, err = ParseXID("not-a-xid")
	require.Error(t, err)
}

func TestEnlistIsIdempotentAndOrdered(t *testing.T) {
	g := NewGlobal(NewXID())
	g.Enlist("b")
	g.Enlist("a")
	g.Enlist("b")
	require.Equal(t, []string{"b", "a"}, g.Enlisted())
}

func TestAllYesRequiresEveryVote(t *testing.T) {
	g := NewGlobal(NewXID())
	require.False(t, g.AllYes(), "no participants means nothing was agreed")

	g.Enlist("a")
	g.Enlist("b")
	require.False(t, g.AllYes(), "missing votes cannot count as YES")

	g.RecordVote("a", VoteYes)
	require.False(t, g.AllYes())

	g.RecordVote("b", VoteNo)
	require.False(t, g.AllYes())

	g.RecordVote("b", VoteYes)
	require.True(t, g.AllYes())
}

func TestRollbackOnlyFlag(t *testing.T) {
	g := NewGlobal(NewXID())
	require.False(t, g.RollbackOnly())
	g.SetRollbackOnly()
	require.True(t, g.RollbackOnly())
}

func TestStateStringsAndTerminality(t *testing.T) {
	cases := []struct {
		state    State
		name     string
		terminal bool
	}{
		{StateActive, "ACTIVE", false},
		{StatePreparing, "PREPARING", false},
		{StatePrepared, "PREPARED", false},
		{StateCommitting, "COMMITTING", false},
		{StateCommitted, "COMMITTED", true},
		{StateRollingBack, "ROLLING_BACK", false},
		{StateRolledBack, "ROLLED_BACK", true},
		{StateInDoubt, "IN_DOUBT", false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.name, tc.state.String())
		require.Equal(t, tc.terminal, tc.state.Terminal(), tc.name)
	}
}

func TestSnapshotReflectsVotes(t *testing.T) {
	g := NewGlobal(NewXID())
	g.Enlist("a")
	g.RecordVote("a", VoteNo)

	snap := g.Snapshot()
	require.Equal(t, g.ID().String(), snap.ID)
	require.Equal(t, "ACTIVE", snap.State)
	require.Equal(t, []string{"a"}, snap.Enlisted)
	require.Equal(t, map[string]string{"a": "NO"}, snap.Votes)
}

func TestErrorMessages(t *testing.T) {
	herr := &HeuristicMixedError{XID: NewXID(), Committed: []string{"a"}, RolledBack: []string{"b"}}
	require.Contains(t, herr.Error(), "a")
	require.Contains(t, herr.Error(), "b")

	inner := &LogIOError{Op: "append", Err: ErrRollbackOnly}
	require.ErrorIs(t, inner, ErrRollbackOnly)
	require.Contains(t, inner.Error(), "append")
}
