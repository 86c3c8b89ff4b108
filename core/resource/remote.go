package resource

import (
	"bufio"
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/txweave/txweave/core/transaction"
	"github.com/txweave/txweave/pkg/connection"
)

// RemoteXA is the remote adapter variant: a resource manager reached over
// the framed TCP protocol in wire.go. It always honors the full two-phase
// contract; one-phase collapsing is a local-variant optimization only.
type RemoteXA struct {
	id      string
	address string
	pool    *connection.PoolManager
	logger  *zap.Logger
}

// NewRemoteXA builds a remote adapter client. The pool absorbs connection
// churn across the many short exchanges 2PC and recovery produce.
func NewRemoteXA(id, address string, pool *connection.PoolManager, logger *zap.Logger) *RemoteXA {
	return &RemoteXA{
		id:      id,
		address: address,
		pool:    pool,
		logger:  logger.Named("remotexa").With(zap.String("adapter", id), zap.String("address", address)),
	}
}

func (r *RemoteXA) ID() string {
	return r.id
}

func (r *RemoteXA) Kind() Kind {
	return KindRemoteXA
}

// roundTrip performs one request/response exchange, honoring ctx's deadline
// through the connection's I/O deadlines.
func (r *RemoteXA) roundTrip(ctx context.Context, req request) (response, error) {
	conn, err := r.pool.Get(r.address)
	if err != nil {
		return response{}, fmt.Errorf("failed to obtain connection to %s: %w", r.address, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			conn.ForceClose()
			return response{}, fmt.Errorf("failed to set deadline: %w", err)
		}
	}

	if err := writeRequest(conn, req); err != nil {
		conn.ForceClose()
		return response{}, err
	}
	resp, err := readResponse(bufio.NewReader(conn))
	if err != nil {
		conn.ForceClose()
		return response{}, fmt.Errorf("failed to read response from %s: %w", r.address, err)
	}

	// Clear the deadline before the connection goes back to the pool.
	_ = conn.SetDeadline(time.Time{})
	conn.Close()
	return resp, nil
}

func (r *RemoteXA) Prepare(ctx context.Context, xid transaction.XID) (transaction.Vote, error) {
	resp, err := r.roundTrip(ctx, request{op: opPrepare, xid: xid})
	if err != nil {
		return transaction.VoteNo, err
	}
	switch resp.status {
	case statusOK:
		return transaction.VoteYes, nil
	case statusVoteNo:
		return transaction.VoteNo, nil
	default:
		return transaction.VoteNo, fmt.Errorf("prepare failed on %s: %s", r.id, string(resp.payload))
	}
}

func (r *RemoteXA) Commit(ctx context.Context, xid transaction.XID) error {
	resp, err := r.roundTrip(ctx, request{op: opCommit, xid: xid})
	if err != nil {
		return err
	}
	switch resp.status {
	case statusOK:
		return nil
	case statusHeuristicRolledBack:
		return fmt.Errorf("commit of %s on %s: %w", xid, r.id, ErrHeuristicRolledBack)
	default:
		return fmt.Errorf("commit failed on %s: %s", r.id, string(resp.payload))
	}
}

func (r *RemoteXA) Rollback(ctx context.Context, xid transaction.XID) error {
	resp, err := r.roundTrip(ctx, request{op: opRollback, xid: xid})
	if err != nil {
		return err
	}
	switch resp.status {
	case statusOK:
		return nil
	case statusHeuristicCommitted:
		return fmt.Errorf("rollback of %s on %s: %w", xid, r.id, ErrHeuristicCommitted)
	default:
		return fmt.Errorf("rollback failed on %s: %s", r.id, string(resp.payload))
	}
}

func (r *RemoteXA) RecoverPendingIDs(ctx context.Context) ([]transaction.XID, error) {
	resp, err := r.roundTrip(ctx, request{op: opRecover, xid: transaction.NilXID})
	if err != nil {
		return nil, err
	}
	if resp.status != statusOK {
		return nil, fmt.Errorf("recover failed on %s: %s", r.id, string(resp.payload))
	}
	return decodeXIDList(resp.payload)
}
