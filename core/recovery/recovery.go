// Package recovery reconciles the durable transaction log against live
// resource adapters after a restart. It replays decided-but-unforgotten
// transactions to completion and rolls back everything that crashed before
// a decision became durable: without a durable decision record, commit is
// never an option.
package recovery

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/txweave/txweave/core/resource"
	"github.com/txweave/txweave/core/transaction"
	"github.com/txweave/txweave/core/txlog"
)

// Outcome is the final resolution of one recovered transaction.
type Outcome struct {
	XID      transaction.XID
	State    transaction.State
	Snapshot transaction.Snapshot
}

// Recoverer drives crash recovery. It runs once, single-threaded, before
// the coordinator accepts new transactions.
type Recoverer struct {
	log      *txlog.Log
	registry map[string]resource.Adapter
	limiter  *rate.Limiter
	logger   *zap.Logger
}

// New builds a Recoverer over the log and the registered adapters.
func New(log *txlog.Log, registry map[string]resource.Adapter, logger *zap.Logger) *Recoverer {
	return &Recoverer{
		log:      log,
		registry: registry,
		limiter:  rate.NewLimiter(rate.Limit(10), 1),
		logger:   logger.Named("recovery"),
	}
}

// pending is the reconstructed log state of one unforgotten transaction.
type pending struct {
	xid      transaction.XID
	decision txlog.Kind // KindCommitDecision, KindRollbackDecision, or zero
	votes    map[string]transaction.Vote
}

// Run reads the whole log, resolves every transaction that has a BEGIN
// record without a matching FORGET, and returns the outcomes. Given a
// fixed log it always reaches the same per-transaction results.
func (r *Recoverer) Run(ctx context.Context) ([]Outcome, error) {
	records, err := r.log.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read transaction log: %w", err)
	}

	var order []transaction.XID
	state := make(map[transaction.XID]*pending)
	forgotten := make(map[transaction.XID]bool)
	for _, rec := range records {
		switch rec.Kind {
		case txlog.KindBegin:
			if _, ok := state[rec.XID]; !ok {
				state[rec.XID] = &pending{xid: rec.XID}
				order = append(order, rec.XID)
			}
		case txlog.KindPrepared:
			if p, ok := state[rec.XID]; ok {
				p.votes = txlog.DecodeVotes(rec.Payload)
			}
		case txlog.KindCommitDecision, txlog.KindRollbackDecision:
			if p, ok := state[rec.XID]; ok {
				p.decision = rec.Kind
			}
		case txlog.KindForget:
			forgotten[rec.XID] = true
		}
	}

	var outcomes []Outcome
	for _, xid := range order {
		if forgotten[xid] {
			continue
		}
		outcome, err := r.resolve(ctx, state[xid])
		if err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, outcome)
	}

	r.logger.Info("log reconciliation finished",
		zap.Int("records", len(records)),
		zap.Int("unforgotten", len(outcomes)))
	return outcomes, nil
}

// resolve drives one in-doubt transaction to its final state.
func (r *Recoverer) resolve(ctx context.Context, p *pending) (Outcome, error) {
	participants, err := r.participants(ctx, p)
	if err != nil {
		return Outcome{}, err
	}

	ids := make([]string, 0, len(participants))
	for _, a := range participants {
		ids = append(ids, a.ID())
	}
	r.logger.Info("resolving in-doubt transaction",
		zap.String("xid", p.xid.String()),
		zap.String("decision", p.decision.String()),
		zap.Strings("participants", ids))

	commit := p.decision == txlog.KindCommitDecision
	if p.decision == 0 {
		// Crash during phase 1: no durable decision, so the only safe
		// outcome is rollback. Persist the decision before acting on it.
		if _, err := r.log.Append(txlog.KindRollbackDecision, p.xid, nil); err != nil {
			return Outcome{}, err
		}
	}

	mixed, err := r.replay(ctx, p.xid, participants, commit)
	if err != nil {
		return Outcome{}, err
	}

	snap := transaction.Snapshot{ID: p.xid.String(), Enlisted: ids}
	if mixed {
		// Heuristic damage is an operator problem; the log keeps the
		// transaction so the inquiry surface can show it.
		snap.State = transaction.StateInDoubt.String()
		return Outcome{XID: p.xid, State: transaction.StateInDoubt, Snapshot: snap}, nil
	}

	if _, err := r.log.Append(txlog.KindForget, p.xid, nil); err != nil {
		return Outcome{}, err
	}
	final := transaction.StateRolledBack
	if commit {
		final = transaction.StateCommitted
	}
	snap.State = final.String()
	return Outcome{XID: p.xid, State: final, Snapshot: snap}, nil
}

// participants resolves which adapters hold state for p. The vote set
// names them when phase 1 completed; otherwise every registered adapter is
// asked which transaction ids it still holds prepared.
func (r *Recoverer) participants(ctx context.Context, p *pending) ([]resource.Adapter, error) {
	if len(p.votes) > 0 {
		var adapters []resource.Adapter
		for id := range p.votes {
			adapter, ok := r.registry[id]
			if !ok {
				return nil, fmt.Errorf("transaction %s names unregistered adapter %q", p.xid, id)
			}
			adapters = append(adapters, adapter)
		}
		return adapters, nil
	}

	var adapters []resource.Adapter
	for _, adapter := range r.registry {
		xids, err := adapter.RecoverPendingIDs(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to query pending ids from %s: %w", adapter.ID(), err)
		}
		for _, xid := range xids {
			if xid == p.xid {
				adapters = append(adapters, adapter)
				break
			}
		}
	}
	return adapters, nil
}

// replay delivers the decision to every participant until acknowledged.
// Redelivery is expected to be harmless: adapters acknowledge decisions
// they have already processed. Returns true when the participants ended in
// a mixed outcome.
func (r *Recoverer) replay(ctx context.Context, xid transaction.XID, participants []resource.Adapter, commit bool) (bool, error) {
	mixed := false
	for _, adapter := range participants {
		for {
			var err error
			if commit {
				err = adapter.Commit(ctx, xid)
			} else {
				err = adapter.Rollback(ctx, xid)
			}
			if err == nil {
				break
			}
			if errors.Is(err, resource.ErrHeuristicRolledBack) || errors.Is(err, resource.ErrHeuristicCommitted) {
				r.logger.Error("participant reports heuristic outcome",
					zap.String("xid", xid.String()),
					zap.String("adapter", adapter.ID()),
					zap.Error(err))
				mixed = true
				break
			}
			r.logger.Warn("decision redelivery failed, will retry",
				zap.String("xid", xid.String()),
				zap.String("adapter", adapter.ID()),
				zap.Error(err))
			if err := r.limiter.Wait(ctx); err != nil {
				return mixed, fmt.Errorf("recovery of %s interrupted: %w", xid, err)
			}
		}
	}
	return mixed, nil
}
