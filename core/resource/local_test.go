package resource

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/txweave/txweave/core/transaction"
)

func setupStore(t *testing.T) (*LocalStore, string) {
	t.Helper()
	tempDir := t.TempDir()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	store, err := OpenLocalStore("localstore", tempDir, logger)
	require.NoError(t, err)
	return store, tempDir
}

func TestLocalStoreCommitMakesWritesVisible(t *testing.T) {
	store, _ := setupStore(t)
	defer store.Close()
	ctx := context.Background()

	xid := transaction.NewXID()
	store.Put(xid, "account", "42")

	_, ok := store.Get("account")
	require.False(t, ok, "staged writes must not be visible before commit")

	vote, err := store.Prepare(ctx, xid)
	require.NoError(t, err)
	require.Equal(t, transaction.VoteYes, vote)

	_, ok = store.Get("account")
	require.False(t, ok, "prepared writes must not be visible before commit")

	require.NoError(t, store.Commit(ctx, xid))
	v, ok := store.Get("account")
	require.True(t, ok)
	require.Equal(t, "42", v)
}

func TestLocalStoreRollbackDiscards(t *testing.T) {
	store, _ := setupStore(t)
	defer store.Close()
	ctx := context.Background()

	xid := transaction.NewXID()
	store.Put(xid, "account", "42")
	_, err := store.Prepare(ctx, xid)
	require.NoError(t, err)

	require.NoError(t, store.Rollback(ctx, xid))
	_, ok := store.Get("account")
	require.False(t, ok)

	pending, err := store.RecoverPendingIDs(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestLocalStoreCompletionIsIdempotent(t *testing.T) {
	store, _ := setupStore(t)
	defer store.Close()
	ctx := context.Background()

	xid := transaction.NewXID()
	store.Put(xid, "k", "v")
	_, err := store.Prepare(ctx, xid)
	require.NoError(t, err)
	require.NoError(t, store.Commit(ctx, xid))

	// Redelivery must ack without changing state.
	require.NoError(t, store.Commit(ctx, xid))
	require.NoError(t, store.Rollback(ctx, transaction.NewXID()))

	v, ok := store.Get("k")
	require.True(t, ok)
	require.Equal(t, "v", v)
}

// TestLocalStorePendingSurvivesRestart is the crash-recovery contract: a
// prepared transaction must be answerable from durable state by a fresh
// instance over the same journal.
func TestLocalStorePendingSurvivesRestart(t *testing.T) {
	store, tempDir := setupStore(t)
	ctx := context.Background()

	xid := transaction.NewXID()
	store.Put(xid, "k", "v")
	_, err := store.Prepare(ctx, xid)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	store2, err := OpenLocalStore("localstore", tempDir, logger)
	require.NoError(t, err)
	defer store2.Close()

	pending, err := store2.RecoverPendingIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []transaction.XID{xid}, pending)

	// The replayed prepared state commits to the same result.
	require.NoError(t, store2.Commit(ctx, xid))
	v, ok := store2.Get("k")
	require.True(t, ok)
	require.Equal(t, "v", v)
}

func TestLocalStoreCommittedSurvivesRestart(t *testing.T) {
	store, tempDir := setupStore(t)
	ctx := context.Background()

	xid := transaction.NewXID()
	store.Put(xid, "k", "v")
	_, err := store.Prepare(ctx, xid)
	require.NoError(t, err)
	require.NoError(t, store.Commit(ctx, xid))
	require.NoError(t, store.Close())

	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	store2, err := OpenLocalStore("localstore", tempDir, logger)
	require.NoError(t, err)
	defer store2.Close()

	v, ok := store2.Get("k")
	require.True(t, ok)
	require.Equal(t, "v", v)

	pending, err := store2.RecoverPendingIDs(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestLocalStoreOnePhaseCommit(t *testing.T) {
	store, tempDir := setupStore(t)
	ctx := context.Background()

	xid := transaction.NewXID()
	store.Put(xid, "k", "one-phase")
	require.NoError(t, store.CommitOnePhase(ctx, xid))

	v, ok := store.Get("k")
	require.True(t, ok)
	require.Equal(t, "one-phase", v)
	require.NoError(t, store.Close())

	// One-phase commits carry their ops inline in the journal.
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	store2, err := OpenLocalStore("localstore", tempDir, logger)
	require.NoError(t, err)
	defer store2.Close()
	v, ok = store2.Get("k")
	require.True(t, ok)
	require.Equal(t, "one-phase", v)
}
