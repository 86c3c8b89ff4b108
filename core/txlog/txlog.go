// Package txlog implements the durable, append-only transaction log the
// coordinator writes its write-ahead records to. The log is segmented:
// the active segment lives in the log directory and is rolled into the
// archive directory once it crosses the segment size limit. Every append
// is flushed and fsynced before it returns, so a record the caller has in
// hand is a record that survives a crash.
package txlog

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/txweave/txweave/core/transaction"
)

const (
	segmentPrefix = "txlog_"
	segmentSuffix = ".log"

	// DefaultSegmentSizeLimit is the rollover threshold for a segment file.
	DefaultSegmentSizeLimit int64 = 4 << 20
)

// Config holds the durable-storage settings of the log.
type Config struct {
	// Dir is the directory holding the active segment.
	Dir string `yaml:"dir"`
	// ArchiveDir receives rolled segments. Defaults to Dir/archive.
	ArchiveDir string `yaml:"archive_dir"`
	// SegmentSizeLimit is the maximum byte size of a segment before rollover.
	SegmentSizeLimit int64 `yaml:"segment_size_limit"`
}

// Log is the durable transaction log. Appends are serialized by a single
// writer lock; reads happen only at recovery time and during compaction.
type Log struct {
	mu sync.Mutex

	dir              string
	archiveDir       string
	segmentSizeLimit int64

	file          *os.File
	currentSegID  uint64
	currentOffset int64
	nextLSN       LSN

	logger *zap.Logger
}

// Open initializes the log in cfg.Dir, picking up any segments left by a
// previous run. The next LSN continues after the highest recorded one.
func Open(cfg Config, logger *zap.Logger) (*Log, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("transaction log directory must be set")
	}
	if cfg.ArchiveDir == "" {
		cfg.ArchiveDir = filepath.Join(cfg.Dir, "archive")
	}
	if cfg.SegmentSizeLimit <= 0 {
		cfg.SegmentSizeLimit = DefaultSegmentSizeLimit
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", cfg.Dir, err)
	}
	if err := os.MkdirAll(cfg.ArchiveDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory %s: %w", cfg.ArchiveDir, err)
	}

	l := &Log{
		dir:              cfg.Dir,
		archiveDir:       cfg.ArchiveDir,
		segmentSizeLimit: cfg.SegmentSizeLimit,
		nextLSN:          1,
		logger:           logger.Named("txlog"),
	}

	segments, err := l.orderedSegments()
	if err != nil {
		return nil, err
	}

	// Replay existing segments to find the next LSN and the active segment.
	// A torn trailing record in the active segment (crash mid-append) is
	// truncated away so new appends continue from the last intact record.
	activeSegID := uint64(0)
	activeSize := int64(0)
	for _, seg := range segments {
		records, validBytes, err := readSegment(seg.path)
		if err != nil {
			return nil, fmt.Errorf("failed to scan segment %s: %w", seg.path, err)
		}
		if validBytes < seg.size && filepath.Dir(seg.path) == l.dir {
			l.logger.Warn("truncating torn trailing record",
				zap.String("segment", seg.path),
				zap.Int64("file_size", seg.size),
				zap.Int64("valid_bytes", validBytes))
			if err := os.Truncate(seg.path, validBytes); err != nil {
				return nil, fmt.Errorf("failed to truncate torn segment %s: %w", seg.path, err)
			}
			seg.size = validBytes
		}
		for _, r := range records {
			if r.LSN >= l.nextLSN {
				l.nextLSN = r.LSN + 1
			}
		}
		if filepath.Dir(seg.path) == l.dir {
			activeSegID = seg.id
			activeSize = seg.size
		}
	}
	if activeSegID == 0 {
		activeSegID = 1
		if len(segments) > 0 {
			activeSegID = segments[len(segments)-1].id + 1
		}
	}

	l.currentSegID = activeSegID
	l.currentOffset = activeSize
	if err := l.openSegment(); err != nil {
		return nil, err
	}

	l.logger.Info("transaction log opened",
		zap.String("dir", l.dir),
		zap.Uint64("segment", l.currentSegID),
		zap.Uint64("next_lsn", uint64(l.nextLSN)))
	return l, nil
}

// Append durably writes one record and returns its LSN. The record is on
// stable storage when Append returns; a failure is a *transaction.LogIOError
// and the caller must not act on the record.
func (l *Log) Append(kind Kind, xid transaction.XID, payload []byte) (LSN, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return InvalidLSN, &transaction.LogIOError{Op: "append", Err: fmt.Errorf("log is closed")}
	}

	rec := &Record{LSN: l.nextLSN, Kind: kind, XID: xid, Payload: payload}
	data, err := rec.Serialize()
	if err != nil {
		return InvalidLSN, &transaction.LogIOError{Op: "append", Err: err}
	}

	if l.currentOffset+int64(len(data)) > l.segmentSizeLimit && l.currentOffset > 0 {
		if err := l.rollSegment(); err != nil {
			return InvalidLSN, &transaction.LogIOError{Op: "roll", Err: err}
		}
	}

	n, err := l.file.Write(data)
	if err != nil {
		return InvalidLSN, &transaction.LogIOError{Op: "append", Err: err}
	}
	if n != len(data) {
		return InvalidLSN, &transaction.LogIOError{Op: "append",
			Err: fmt.Errorf("short write: expected %d, wrote %d", len(data), n)}
	}
	if err := l.file.Sync(); err != nil {
		return InvalidLSN, &transaction.LogIOError{Op: "sync", Err: err}
	}

	l.currentOffset += int64(len(data))
	l.nextLSN++

	l.logger.Debug("appended record",
		zap.Uint64("lsn", uint64(rec.LSN)),
		zap.String("kind", kind.String()),
		zap.String("xid", xid.String()))
	return rec.LSN, nil
}

// ReadAll returns every record in LSN order, across archived and active
// segments. It is used only at recovery time and by compaction.
func (l *Log) ReadAll() ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readAllLocked()
}

func (l *Log) readAllLocked() ([]Record, error) {
	segments, err := l.orderedSegments()
	if err != nil {
		return nil, err
	}
	var all []Record
	for _, seg := range segments {
		records, _, err := readSegment(seg.path)
		if err != nil {
			return nil, fmt.Errorf("failed to read segment %s: %w", seg.path, err)
		}
		all = append(all, records...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].LSN < all[j].LSN })
	return all, nil
}

// Compact rewrites the records of still-live transactions (those with a
// BEGIN but no matching FORGET) into a fresh segment and removes every
// older segment. Forgotten transactions disappear from the log.
func (l *Log) Compact() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	records, err := l.readAllLocked()
	if err != nil {
		return &transaction.LogIOError{Op: "compact", Err: err}
	}

	forgotten := make(map[transaction.XID]bool)
	for _, r := range records {
		if r.Kind == KindForget {
			forgotten[r.XID] = true
		}
	}
	var live []Record
	for _, r := range records {
		if !forgotten[r.XID] {
			live = append(live, r)
		}
	}

	// Write survivors into the next segment before removing anything, so a
	// crash mid-compaction leaves at worst duplicate records behind.
	oldSegments, err := l.orderedSegments()
	if err != nil {
		return &transaction.LogIOError{Op: "compact", Err: err}
	}
	if err := l.file.Close(); err != nil {
		return &transaction.LogIOError{Op: "compact", Err: err}
	}
	l.file = nil

	l.currentSegID++
	l.currentOffset = 0
	if err := l.openSegment(); err != nil {
		return &transaction.LogIOError{Op: "compact", Err: err}
	}
	for _, r := range live {
		data, err := r.Serialize()
		if err != nil {
			return &transaction.LogIOError{Op: "compact", Err: err}
		}
		if _, err := l.file.Write(data); err != nil {
			return &transaction.LogIOError{Op: "compact", Err: err}
		}
		l.currentOffset += int64(len(data))
	}
	if err := l.file.Sync(); err != nil {
		return &transaction.LogIOError{Op: "compact", Err: err}
	}

	for _, seg := range oldSegments {
		if err := os.Remove(seg.path); err != nil {
			l.logger.Warn("failed to remove compacted segment",
				zap.String("path", seg.path), zap.Error(err))
		}
	}

	l.logger.Info("log compacted",
		zap.Int("records_before", len(records)),
		zap.Int("records_after", len(live)),
		zap.Uint64("segment", l.currentSegID))
	return nil
}

// Close flushes and closes the active segment.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync log on close: %w", err)
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("failed to close log segment: %w", err)
	}
	l.file = nil
	l.logger.Info("transaction log closed")
	return nil
}

// openSegment opens (or creates) the current active segment for appending.
// Must be called with l.mu held.
func (l *Log) openSegment() error {
	path := l.segmentPath(l.currentSegID)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log segment %s: %w", path, err)
	}
	l.file = f
	return nil
}

// rollSegment archives the active segment and starts a new one.
// Must be called with l.mu held.
func (l *Log) rollSegment() error {
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync segment before roll: %w", err)
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("failed to close segment before roll: %w", err)
	}
	l.file = nil

	oldPath := l.segmentPath(l.currentSegID)
	archivePath := filepath.Join(l.archiveDir, filepath.Base(oldPath))
	if err := os.Rename(oldPath, archivePath); err != nil {
		return fmt.Errorf("failed to archive segment %s: %w", oldPath, err)
	}

	l.currentSegID++
	l.currentOffset = 0
	if err := l.openSegment(); err != nil {
		return err
	}
	l.logger.Info("rolled log segment",
		zap.String("archived", archivePath),
		zap.Uint64("segment", l.currentSegID))
	return nil
}

func (l *Log) segmentPath(id uint64) string {
	return filepath.Join(l.dir, fmt.Sprintf("%s%05d%s", segmentPrefix, id, segmentSuffix))
}

type segmentInfo struct {
	path string
	id   uint64
	size int64
}

// orderedSegments lists every segment file, archived first, sorted by ID.
func (l *Log) orderedSegments() ([]segmentInfo, error) {
	var segments []segmentInfo
	for _, dir := range []string{l.archiveDir, l.dir} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
				continue
			}
			idStr := strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix)
			id, err := strconv.ParseUint(idStr, 10, 64)
			if err != nil {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				return nil, fmt.Errorf("failed to stat segment %s: %w", name, err)
			}
			segments = append(segments, segmentInfo{
				path: filepath.Join(dir, name),
				id:   id,
				size: info.Size(),
			})
		}
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].id < segments[j].id })
	return segments, nil
}

// readSegment reads all records from one segment file, returning them along
// with the byte length of the intact prefix. A truncated trailing record
// (torn write from a crash) ends the scan without failing it; the torn
// record was never acknowledged, so dropping it is correct.
func readSegment(path string) ([]Record, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	var records []Record
	var validBytes int64
	for {
		var r Record
		err := readRecord(reader, &r)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, validBytes, err
		}
		records = append(records, r)
		validBytes += r.serializedSize()
	}
	return records, validBytes, nil
}
