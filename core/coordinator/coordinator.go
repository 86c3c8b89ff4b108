// Package coordinator implements the transaction manager: it owns the
// lifecycle of global transactions, drives two-phase commit across the
// enlisted resource adapters, and records every write-ahead point in the
// durable transaction log before acting on it.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/txweave/txweave/core/recovery"
	"github.com/txweave/txweave/core/resource"
	"github.com/txweave/txweave/core/transaction"
	"github.com/txweave/txweave/core/txlog"
	"github.com/txweave/txweave/pkg/telemetry"
)

// ErrSessionSpent is returned by Begin in integration mode, where a session
// is bound one-to-one with an external unit of work and cannot be reused
// after that unit completes.
var ErrSessionSpent = errors.New("session is bound to a completed unit of work")

// ErrNotAccepting is returned while recovery has not finished yet.
var ErrNotAccepting = errors.New("coordinator is not accepting transactions until recovery completes")

// Config holds the protocol tunables of the transaction manager.
type Config struct {
	// PrepareTimeout bounds each adapter's phase-1 call. A timeout is
	// treated as a NO vote. Phase 2 is never bounded.
	PrepareTimeout time.Duration `yaml:"prepare_timeout"`
	// CompletionRetriesPerSecond paces phase-2 redelivery attempts.
	CompletionRetriesPerSecond float64 `yaml:"completion_retries_per_second"`
	// Integration binds each session one-to-one with an external local
	// unit of work; a spent session cannot begin another transaction.
	Integration bool `yaml:"integration"`
}

func (c *Config) applyDefaults() {
	if c.PrepareTimeout <= 0 {
		c.PrepareTimeout = 5 * time.Second
	}
	if c.CompletionRetriesPerSecond <= 0 {
		c.CompletionRetriesPerSecond = 10
	}
}

// Coordinator is the transaction manager. All mutation of a Global goes
// through it; sessions are the caller-facing handles.
type Coordinator struct {
	cfg     Config
	log     *txlog.Log
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *metrics
	limiter *rate.Limiter

	mu        sync.RWMutex
	registry  map[string]resource.Adapter
	active    map[transaction.XID]*tx
	inDoubt   map[transaction.XID]transaction.Snapshot
	accepting bool
}

// tx pairs the transaction record with its live adapter handles.
type tx struct {
	global   *transaction.Global
	adapters []resource.Adapter
}

// New builds a coordinator over the given durable log. Recover must be
// called before sessions are admitted.
func New(cfg Config, log *txlog.Log, tel *telemetry.Telemetry, logger *zap.Logger) (*Coordinator, error) {
	cfg.applyDefaults()
	m, err := newMetrics(tel.Meter)
	if err != nil {
		return nil, err
	}
	return &Coordinator{
		cfg:      cfg,
		log:      log,
		logger:   logger.Named("coordinator"),
		tracer:   tel.Tracer,
		metrics:  m,
		limiter:  rate.NewLimiter(rate.Limit(cfg.CompletionRetriesPerSecond), 1),
		registry: make(map[string]resource.Adapter),
		active:   make(map[transaction.XID]*tx),
		inDoubt:  make(map[transaction.XID]transaction.Snapshot),
	}, nil
}

// Register adds a resource adapter to the registry. Registration must
// happen before Recover so in-doubt transactions can be re-resolved.
func (c *Coordinator) Register(adapter resource.Adapter) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.registry[adapter.ID()]; ok {
		return fmt.Errorf("adapter %q is already registered", adapter.ID())
	}
	c.registry[adapter.ID()] = adapter
	c.logger.Info("registered resource adapter",
		zap.String("adapter", adapter.ID()),
		zap.String("kind", adapter.Kind().String()))
	return nil
}

// Adapter looks up a registered adapter by ID.
func (c *Coordinator) Adapter(id string) (resource.Adapter, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.registry[id]
	return a, ok
}

// Recover reconciles the transaction log against the registered adapters
// and then opens the coordinator for new transactions. It runs exactly
// once, single-threaded, before any session is admitted.
func (c *Coordinator) Recover(ctx context.Context) error {
	c.mu.RLock()
	registry := make(map[string]resource.Adapter, len(c.registry))
	for id, a := range c.registry {
		registry[id] = a
	}
	c.mu.RUnlock()

	rec := recovery.New(c.log, registry, c.logger)
	outcomes, err := rec.Run(ctx)
	if err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}

	c.mu.Lock()
	for _, o := range outcomes {
		if o.State == transaction.StateInDoubt {
			c.inDoubt[o.XID] = o.Snapshot
			c.metrics.inDoubt.Add(ctx, 1)
		}
	}
	c.accepting = true
	c.mu.Unlock()

	c.logger.Info("recovery complete, accepting transactions",
		zap.Int("resolved", len(outcomes)),
		zap.Int("in_doubt", len(c.inDoubt)))
	return nil
}

// ListTransactions returns snapshots of all live and in-doubt transactions
// for the administrative inquiry surface.
func (c *Coordinator) ListTransactions() []transaction.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]transaction.Snapshot, 0, len(c.active)+len(c.inDoubt))
	for _, t := range c.active {
		out = append(out, t.global.Snapshot())
	}
	for _, snap := range c.inDoubt {
		out = append(out, snap)
	}
	return out
}

// NewSession returns a fresh caller-context handle. Concurrent sessions
// run fully independent transactions.
func (c *Coordinator) NewSession() *Session {
	return &Session{coord: c}
}

// Session is the explicit per-caller-context transaction handle: at most
// one active global transaction at a time, passed explicitly rather than
// held in ambient per-thread state.
type Session struct {
	coord *Coordinator

	mu      sync.Mutex
	current *tx
	spent   bool
}

// Begin creates a new global transaction in the ACTIVE state and returns
// its id.
func (s *Session) Begin(ctx context.Context) (transaction.XID, error) {
	c := s.coord
	c.mu.RLock()
	accepting := c.accepting
	c.mu.RUnlock()
	if !accepting {
		return transaction.NilXID, ErrNotAccepting
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return transaction.NilXID, transaction.ErrAlreadyActive
	}
	if s.spent && c.cfg.Integration {
		return transaction.NilXID, ErrSessionSpent
	}

	xid := transaction.NewXID()
	if _, err := c.log.Append(txlog.KindBegin, xid, nil); err != nil {
		return transaction.NilXID, err
	}

	t := &tx{global: transaction.NewGlobal(xid)}
	s.current = t
	c.mu.Lock()
	c.active[xid] = t
	c.mu.Unlock()

	c.metrics.begun.Add(ctx, 1)
	c.logger.Debug("transaction begun", zap.String("xid", xid.String()))
	return xid, nil
}

// Enlist attaches an adapter to the active transaction. Enlisting the same
// adapter twice is a no-op.
func (s *Session) Enlist(adapter resource.Adapter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return transaction.ErrNoActiveTransaction
	}
	for _, a := range s.current.adapters {
		if a.ID() == adapter.ID() {
			return nil
		}
	}
	s.current.adapters = append(s.current.adapters, adapter)
	s.current.global.Enlist(adapter.ID())
	return nil
}

// SetRollbackOnly marks the active transaction so commit is refused.
func (s *Session) SetRollbackOnly() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return transaction.ErrNoActiveTransaction
	}
	s.current.global.SetRollbackOnly()
	return nil
}

// XID returns the id of the active transaction, if any.
func (s *Session) XID() (transaction.XID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return transaction.NilXID, false
	}
	return s.current.global.ID(), true
}

// Commit drives the two-phase protocol to completion. With exactly one
// enlisted adapter that supports it, phase 1 is skipped and the commit is
// issued directly (one-phase optimization).
func (s *Session) Commit(ctx context.Context) error {
	s.mu.Lock()
	t := s.current
	s.mu.Unlock()
	if t == nil {
		return transaction.ErrNoActiveTransaction
	}

	err := s.coord.commit(ctx, t)
	s.finish(t)
	return err
}

// Rollback rolls back the active transaction on all enlisted adapters.
// Per-adapter failures are logged, not fatal to the caller.
func (s *Session) Rollback(ctx context.Context) error {
	s.mu.Lock()
	t := s.current
	s.mu.Unlock()
	if t == nil {
		return transaction.ErrNoActiveTransaction
	}

	err := s.coord.rollback(ctx, t)
	s.finish(t)
	return err
}

// finish detaches a completed transaction from the session.
func (s *Session) finish(t *tx) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == t {
		s.current = nil
		s.spent = true
	}
}

// commit is the protocol driver.
func (c *Coordinator) commit(ctx context.Context, t *tx) error {
	xid := t.global.ID()
	ctx, span := c.tracer.Start(ctx, "coordinator.Commit")
	defer span.End()

	defer c.forgetActive(xid)

	if t.global.RollbackOnly() {
		c.logger.Info("commit refused, transaction is rollback-only", zap.String("xid", xid.String()))
		if err := c.logOutcome(xid, txlog.KindRollbackDecision); err != nil {
			return err
		}
		t.global.SetState(transaction.StateRollingBack)
		c.rollbackAdapters(ctx, t)
		if err := c.logOutcome(xid, txlog.KindForget); err != nil {
			return err
		}
		t.global.SetState(transaction.StateRolledBack)
		c.metrics.rolledBack.Add(ctx, 1)
		return transaction.ErrRollbackOnly
	}

	// A transaction with no enlisted resources has nothing to agree on.
	if len(t.adapters) == 0 {
		if err := c.logOutcome(xid, txlog.KindCommitDecision); err != nil {
			return err
		}
		if err := c.logOutcome(xid, txlog.KindForget); err != nil {
			return err
		}
		t.global.SetState(transaction.StateCommitted)
		c.metrics.committed.Add(ctx, 1)
		return nil
	}

	// One-phase optimization: a sole participant needs no vote.
	if len(t.adapters) == 1 {
		if op, ok := t.adapters[0].(resource.OnePhaser); ok {
			return c.commitOnePhase(ctx, t, op)
		}
	}

	// Phase 1: collect votes, bounded per adapter.
	t.global.SetState(transaction.StatePreparing)
	c.preparePhase(ctx, t)

	// Write-ahead: the vote set must be durable before the decision is made.
	if _, err := c.log.Append(txlog.KindPrepared, xid, txlog.EncodeVotes(t.global.Votes())); err != nil {
		c.logger.Error("failed to persist vote set, rolling back", zap.String("xid", xid.String()), zap.Error(err))
		c.rollbackAdapters(ctx, t)
		t.global.SetState(transaction.StateRolledBack)
		return err
	}

	// Decision: commit iff every vote is YES. The decision record must be
	// durable before any participant learns of it.
	if !t.global.AllYes() {
		if err := c.logOutcome(xid, txlog.KindRollbackDecision); err != nil {
			return err
		}
		t.global.SetState(transaction.StateRollingBack)
		c.rollbackAdapters(ctx, t)
		if err := c.logOutcome(xid, txlog.KindForget); err != nil {
			return err
		}
		t.global.SetState(transaction.StateRolledBack)
		c.metrics.rolledBack.Add(ctx, 1)
		c.logger.Info("transaction rolled back after prepare",
			zap.String("xid", xid.String()), zap.Any("votes", t.global.Snapshot().Votes))
		return fmt.Errorf("transaction %s rolled back: not all participants voted YES", xid)
	}
	t.global.SetState(transaction.StatePrepared)

	if err := c.logOutcome(xid, txlog.KindCommitDecision); err != nil {
		// The decision could not be made durable; participants are all
		// prepared and recovery will roll them back by default.
		t.global.SetState(transaction.StateInDoubt)
		return err
	}

	// Phase 2: deliver the commit decision until every adapter acknowledges.
	t.global.SetState(transaction.StateCommitting)
	if err := c.completeCommit(ctx, t); err != nil {
		return err
	}

	if err := c.logOutcome(xid, txlog.KindForget); err != nil {
		return err
	}
	t.global.SetState(transaction.StateCommitted)
	c.metrics.committed.Add(ctx, 1)
	c.logger.Info("transaction committed", zap.String("xid", xid.String()))
	return nil
}

// commitOnePhase issues the commit directly to the sole participant.
func (c *Coordinator) commitOnePhase(ctx context.Context, t *tx, op resource.OnePhaser) error {
	xid := t.global.ID()
	ctx, span := c.tracer.Start(ctx, "coordinator.CommitOnePhase")
	defer span.End()

	t.global.SetState(transaction.StateCommitting)
	if err := op.CommitOnePhase(ctx, xid); err != nil {
		c.logger.Warn("one-phase commit failed, rolling back",
			zap.String("xid", xid.String()), zap.Error(err))
		c.rollbackAdapters(ctx, t)
		if lerr := c.logOutcome(xid, txlog.KindRollbackDecision); lerr != nil {
			return lerr
		}
		if lerr := c.logOutcome(xid, txlog.KindForget); lerr != nil {
			return lerr
		}
		t.global.SetState(transaction.StateRolledBack)
		c.metrics.rolledBack.Add(ctx, 1)
		return fmt.Errorf("one-phase commit of %s failed: %w", xid, err)
	}

	if err := c.logOutcome(xid, txlog.KindCommitDecision); err != nil {
		return err
	}
	if err := c.logOutcome(xid, txlog.KindForget); err != nil {
		return err
	}
	t.global.SetState(transaction.StateCommitted)
	c.metrics.committed.Add(ctx, 1)
	c.logger.Info("transaction committed one-phase", zap.String("xid", xid.String()))
	return nil
}

// preparePhase fans the prepare request out to every enlisted adapter and
// records the votes. A per-adapter timeout or error counts as a NO vote.
func (c *Coordinator) preparePhase(ctx context.Context, t *tx) {
	ctx, span := c.tracer.Start(ctx, "coordinator.Prepare")
	defer span.End()

	xid := t.global.ID()
	var wg sync.WaitGroup
	for _, adapter := range t.adapters {
		wg.Add(1)
		go func(adapter resource.Adapter) {
			defer wg.Done()

			callCtx, cancel := context.WithTimeout(ctx, c.cfg.PrepareTimeout)
			defer cancel()

			type prepareResult struct {
				vote transaction.Vote
				err  error
			}
			resCh := make(chan prepareResult, 1)
			go func() {
				v, err := adapter.Prepare(callCtx, xid)
				resCh <- prepareResult{vote: v, err: err}
			}()

			var vote transaction.Vote
			select {
			case res := <-resCh:
				vote = res.vote
				if res.err != nil {
					c.logger.Warn("prepare failed, counting as NO vote",
						zap.String("xid", xid.String()), zap.String("adapter", adapter.ID()), zap.Error(res.err))
					vote = transaction.VoteNo
				}
			case <-callCtx.Done():
				// The vote window closed; a late answer changes nothing.
				timeoutErr := &transaction.AdapterTimeoutError{AdapterID: adapter.ID(), Timeout: c.cfg.PrepareTimeout}
				c.logger.Warn("prepare timed out, counting as NO vote",
					zap.String("xid", xid.String()), zap.Error(timeoutErr))
				vote = transaction.VoteNo
			}
			t.global.RecordVote(adapter.ID(), vote)
			c.metrics.recordVote(ctx, vote.String())
		}(adapter)
	}
	wg.Wait()
}

// completeCommit delivers the commit decision to every adapter, retrying
// each one until it acknowledges. Adapters that report a heuristic
// rollback make the outcome mixed; that is surfaced, never auto-resolved.
func (c *Coordinator) completeCommit(ctx context.Context, t *tx) error {
	ctx, span := c.tracer.Start(ctx, "coordinator.Complete")
	defer span.End()

	xid := t.global.ID()
	var committed, rolledBack []string
	for _, adapter := range t.adapters {
		for {
			err := adapter.Commit(ctx, xid)
			if err == nil {
				committed = append(committed, adapter.ID())
				break
			}
			if errors.Is(err, resource.ErrHeuristicRolledBack) {
				c.logger.Error("participant heuristically rolled back a committed transaction",
					zap.String("xid", xid.String()), zap.String("adapter", adapter.ID()))
				rolledBack = append(rolledBack, adapter.ID())
				break
			}
			c.metrics.phase2Retries.Add(ctx, 1)
			c.logger.Warn("commit delivery failed, will retry",
				zap.String("xid", xid.String()), zap.String("adapter", adapter.ID()), zap.Error(err))
			if err := c.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("commit delivery of %s interrupted: %w", xid, err)
			}
		}
	}

	if len(rolledBack) > 0 {
		t.global.SetState(transaction.StateInDoubt)
		herr := &transaction.HeuristicMixedError{XID: xid, Committed: committed, RolledBack: rolledBack}
		c.mu.Lock()
		c.inDoubt[xid] = t.global.Snapshot()
		c.mu.Unlock()
		c.metrics.inDoubt.Add(ctx, 1)
		return herr
	}
	return nil
}

// rollback drives the client-requested rollback path.
func (c *Coordinator) rollback(ctx context.Context, t *tx) error {
	xid := t.global.ID()
	ctx, span := c.tracer.Start(ctx, "coordinator.Rollback")
	defer span.End()

	defer c.forgetActive(xid)

	if err := c.logOutcome(xid, txlog.KindRollbackDecision); err != nil {
		return err
	}
	t.global.SetState(transaction.StateRollingBack)
	c.rollbackAdapters(ctx, t)
	if err := c.logOutcome(xid, txlog.KindForget); err != nil {
		return err
	}
	t.global.SetState(transaction.StateRolledBack)
	c.metrics.rolledBack.Add(ctx, 1)
	c.logger.Info("transaction rolled back", zap.String("xid", xid.String()))
	return nil
}

// rollbackAdapters tells every enlisted adapter to roll back. Best-effort:
// each failure is classified and logged distinctly, and every adapter is
// attempted even when an earlier one fails.
func (c *Coordinator) rollbackAdapters(ctx context.Context, t *tx) {
	xid := t.global.ID()
	for _, adapter := range t.adapters {
		if err := adapter.Rollback(ctx, xid); err != nil {
			if errors.Is(err, resource.ErrHeuristicCommitted) {
				c.logger.Error("participant heuristically committed a rolled-back transaction",
					zap.String("xid", xid.String()), zap.String("adapter", adapter.ID()))
				continue
			}
			c.logger.Warn("rollback delivery failed",
				zap.String("xid", xid.String()), zap.String("adapter", adapter.ID()), zap.Error(err))
		}
	}
}

// logOutcome appends a bare outcome record for xid.
func (c *Coordinator) logOutcome(xid transaction.XID, kind txlog.Kind) error {
	_, err := c.log.Append(kind, xid, nil)
	return err
}

func (c *Coordinator) forgetActive(xid transaction.XID) {
	c.mu.Lock()
	delete(c.active, xid)
	c.mu.Unlock()
}
