package transaction

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAlreadyActive is returned by begin when the calling session already
	// owns an active global transaction.
	ErrAlreadyActive = errors.New("a global transaction is already active in this session")

	// ErrNoActiveTransaction is returned by enlist, commit and rollback when
	// the session has no active transaction.
	ErrNoActiveTransaction = errors.New("no active global transaction in this session")

	// ErrRollbackOnly is returned by commit when a participant already
	// signaled failure; the transaction has been rolled back instead.
	ErrRollbackOnly = errors.New("transaction was marked rollback-only and has been rolled back")
)

// HeuristicMixedError reports that participants of an already-decided
// transaction ended in inconsistent outcomes. It is surfaced to an
// operator and never auto-resolved.
type HeuristicMixedError struct {
	XID        XID
	Committed  []string
	RolledBack []string
}

func (e *HeuristicMixedError) Error() string {
	return fmt.Sprintf("heuristic mixed outcome for transaction %s: committed=%v rolled back=%v",
		e.XID, e.Committed, e.RolledBack)
}

// LogIOError wraps a transaction log write failure. It is fatal to the
// decision in flight: the manager must not proceed past a write-ahead
// point it could not make durable.
type LogIOError struct {
	Op  string
	Err error
}

func (e *LogIOError) Error() string {
	return fmt.Sprintf("transaction log %s failed: %v", e.Op, e.Err)
}

func (e *LogIOError) Unwrap() error {
	return e.Err
}

// AdapterTimeoutError reports that a participant did not answer prepare
// within the configured bound. During phase 1 it is treated as a NO vote.
type AdapterTimeoutError struct {
	AdapterID string
	Timeout   time.Duration
}

func (e *AdapterTimeoutError) Error() string {
	return fmt.Sprintf("adapter %s did not respond within %s", e.AdapterID, e.Timeout)
}
