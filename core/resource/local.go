package resource

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/txweave/txweave/core/transaction"
)

// journalState is the durable per-transaction state of the local store.
type journalState string

const (
	journalPrepared  journalState = "prepared"
	journalCommitted journalState = "committed"
	journalAborted   journalState = "aborted"
)

// journalEntry is one JSON line in the local store's journal.
type journalEntry struct {
	XID   string       `json:"xid"`
	State journalState `json:"state"`
	Ops   []StoreOp    `json:"ops,omitempty"`
}

// StoreOp is a single staged write against the local store.
type StoreOp struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// LocalStore is the local-coordinated adapter variant: a recoverable
// key/value store journaled to disk. Writes are staged per transaction and
// only become visible when the commit decision lands. Staged work that was
// never prepared is volatile; a crash before prepare simply loses it, which
// is the safe outcome.
type LocalStore struct {
	mu sync.Mutex

	id          string
	journalPath string
	journal     *os.File

	committed map[string]string
	staged    map[transaction.XID][]StoreOp
	prepared  map[transaction.XID][]StoreOp

	logger *zap.Logger
}

// OpenLocalStore loads (or creates) a journaled store in dir. The journal
// is replayed on open, so prepared transactions survive a restart.
func OpenLocalStore(id, dir string, logger *zap.Logger) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory %s: %w", dir, err)
	}
	s := &LocalStore{
		id:          id,
		journalPath: filepath.Join(dir, id+".journal"),
		committed:   make(map[string]string),
		staged:      make(map[transaction.XID][]StoreOp),
		prepared:    make(map[transaction.XID][]StoreOp),
		logger:      logger.Named("localstore").With(zap.String("adapter", id)),
	}
	if err := s.replayJournal(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(s.journalPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %s: %w", s.journalPath, err)
	}
	s.journal = f
	s.logger.Info("local store opened",
		zap.Int("committed_keys", len(s.committed)),
		zap.Int("pending", len(s.prepared)))
	return s, nil
}

// replayJournal rebuilds committed data and the prepared set from disk.
func (s *LocalStore) replayJournal() error {
	f, err := os.Open(s.journalPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open journal %s: %w", s.journalPath, err)
	}
	defer f.Close()

	pendingOps := make(map[transaction.XID][]StoreOp)
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read journal: %w", err)
		}
		var entry journalEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			// A torn trailing line from a crash mid-append ends the replay.
			s.logger.Warn("stopping journal replay at malformed line", zap.Error(err))
			break
		}
		xid, err := transaction.ParseXID(entry.XID)
		if err != nil {
			return fmt.Errorf("journal holds malformed xid %q: %w", entry.XID, err)
		}
		switch entry.State {
		case journalPrepared:
			pendingOps[xid] = entry.Ops
		case journalCommitted:
			for _, op := range pendingOps[xid] {
				s.committed[op.Key] = op.Value
			}
			for _, op := range entry.Ops { // one-phase commits carry their ops inline
				s.committed[op.Key] = op.Value
			}
			delete(pendingOps, xid)
		case journalAborted:
			delete(pendingOps, xid)
		}
	}
	s.prepared = pendingOps
	return nil
}

// appendJournal durably records one entry. Must be called with s.mu held.
func (s *LocalStore) appendJournal(entry journalEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal journal entry: %w", err)
	}
	line = append(line, '\n')
	if _, err := s.journal.Write(line); err != nil {
		return fmt.Errorf("failed to append journal entry: %w", err)
	}
	if err := s.journal.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}
	return nil
}

func (s *LocalStore) ID() string {
	return s.id
}

func (s *LocalStore) Kind() Kind {
	return KindLocal
}

// Put stages a write under xid. It becomes visible only on commit.
func (s *LocalStore) Put(xid transaction.XID, key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staged[xid] = append(s.staged[xid], StoreOp{Key: key, Value: value})
}

// Get reads committed data.
func (s *LocalStore) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.committed[key]
	return v, ok
}

// Prepare journals the staged writes and votes YES. A store with nothing
// staged for xid still votes YES; it simply has nothing to apply.
func (s *LocalStore) Prepare(ctx context.Context, xid transaction.XID) (transaction.Vote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ops := s.staged[xid]
	if err := s.appendJournal(journalEntry{XID: xid.String(), State: journalPrepared, Ops: ops}); err != nil {
		return transaction.VoteNo, err
	}
	s.prepared[xid] = ops
	delete(s.staged, xid)
	return transaction.VoteYes, nil
}

// Commit applies the prepared writes. Redelivery for an unknown xid
// acknowledges success: the work was already applied (or never existed).
func (s *LocalStore) Commit(ctx context.Context, xid transaction.XID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked(xid)
}

func (s *LocalStore) commitLocked(xid transaction.XID) error {
	ops, ok := s.prepared[xid]
	if !ok {
		return nil
	}
	if err := s.appendJournal(journalEntry{XID: xid.String(), State: journalCommitted}); err != nil {
		return err
	}
	for _, op := range ops {
		s.committed[op.Key] = op.Value
	}
	delete(s.prepared, xid)
	return nil
}

// Rollback discards staged or prepared writes. Idempotent.
func (s *LocalStore) Rollback(ctx context.Context, xid transaction.XID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, wasPrepared := s.prepared[xid]
	_, wasStaged := s.staged[xid]
	if !wasPrepared && !wasStaged {
		return nil
	}
	if wasPrepared {
		if err := s.appendJournal(journalEntry{XID: xid.String(), State: journalAborted}); err != nil {
			return err
		}
	}
	delete(s.prepared, xid)
	delete(s.staged, xid)
	return nil
}

// CommitOnePhase applies staged writes directly, skipping the prepared
// point. Used only when this store is the sole participant.
func (s *LocalStore) CommitOnePhase(ctx context.Context, xid transaction.XID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ops, ok := s.staged[xid]
	if !ok {
		// Already prepared or unknown; the two-phase apply covers both.
		return s.commitLocked(xid)
	}
	if err := s.appendJournal(journalEntry{XID: xid.String(), State: journalCommitted, Ops: ops}); err != nil {
		return err
	}
	for _, op := range ops {
		s.committed[op.Key] = op.Value
	}
	delete(s.staged, xid)
	return nil
}

// RecoverPendingIDs answers from the journal-backed prepared set.
func (s *LocalStore) RecoverPendingIDs(ctx context.Context) ([]transaction.XID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	xids := make([]transaction.XID, 0, len(s.prepared))
	for xid := range s.prepared {
		xids = append(xids, xid)
	}
	return xids, nil
}

// Close releases the journal file handle.
func (s *LocalStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}
