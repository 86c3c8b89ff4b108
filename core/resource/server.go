package resource

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/txweave/txweave/core/transaction"
)

// Server exposes one Adapter over the framed TCP protocol, so a recoverable
// resource hosted by this process can participate in transactions driven by
// a remote coordinator. The daemon uses it to publish its local store; the
// tests use it for loopback exercises of the RemoteXA client.
type Server struct {
	adapter  Adapter
	listener net.Listener
	logger   *zap.Logger

	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
}

// NewServer wraps adapter behind listener. Call Serve to start accepting.
func NewServer(adapter Adapter, listener net.Listener, logger *zap.Logger) *Server {
	return &Server{
		adapter:  adapter,
		listener: listener,
		logger: logger.Named("resourceserver").
			With(zap.String("adapter", adapter.ID()), zap.String("addr", listener.Addr().String())),
	}
}

// Addr returns the bound listener address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve accepts connections until Close is called. Each connection carries
// a sequence of request/response exchanges.
func (s *Server) Serve() {
	s.logger.Info("resource server accepting connections")
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			s.logger.Warn("accept failed", zap.Error(err))
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Close stops the listener and waits for in-flight exchanges to drain.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	err := s.listener.Close()
	s.wg.Wait()
	return err
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	for {
		req, err := readRequest(reader)
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("connection read ended", zap.Error(err))
			}
			return
		}
		resp := s.dispatch(req)
		if err := writeResponse(conn, resp); err != nil {
			s.logger.Warn("failed to write response", zap.Error(err))
			return
		}
	}
}

// dispatch maps a wire request onto the wrapped adapter and the adapter's
// outcome back onto a wire status.
func (s *Server) dispatch(req request) response {
	ctx := context.Background()
	switch req.op {
	case opPrepare:
		vote, err := s.adapter.Prepare(ctx, req.xid)
		if err != nil {
			s.logger.Warn("prepare failed", zap.String("xid", req.xid.String()), zap.Error(err))
			return response{status: statusError, payload: []byte(err.Error())}
		}
		if vote == transaction.VoteYes {
			return response{status: statusOK}
		}
		return response{status: statusVoteNo}

	case opCommit:
		err := s.adapter.Commit(ctx, req.xid)
		switch {
		case err == nil:
			return response{status: statusOK}
		case errors.Is(err, ErrHeuristicRolledBack):
			return response{status: statusHeuristicRolledBack, payload: []byte(err.Error())}
		default:
			s.logger.Warn("commit failed", zap.String("xid", req.xid.String()), zap.Error(err))
			return response{status: statusError, payload: []byte(err.Error())}
		}

	case opRollback:
		err := s.adapter.Rollback(ctx, req.xid)
		switch {
		case err == nil:
			return response{status: statusOK}
		case errors.Is(err, ErrHeuristicCommitted):
			return response{status: statusHeuristicCommitted, payload: []byte(err.Error())}
		default:
			s.logger.Warn("rollback failed", zap.String("xid", req.xid.String()), zap.Error(err))
			return response{status: statusError, payload: []byte(err.Error())}
		}

	case opRecover:
		xids, err := s.adapter.RecoverPendingIDs(ctx)
		if err != nil {
			return response{status: statusError, payload: []byte(err.Error())}
		}
		return response{status: statusOK, payload: encodeXIDList(xids)}

	default:
		return response{status: statusError, payload: []byte("unknown operation")}
	}
}
