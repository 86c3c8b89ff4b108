package txlog

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/txweave/txweave/core/transaction"
)

// LSN is the sequence number of a record in the transaction log. LSNs are
// 1-based and strictly increasing across segment boundaries.
type LSN uint64

const InvalidLSN LSN = 0

// Kind identifies what a log record describes.
type Kind byte

const (
	KindBegin            Kind = iota + 1 // transaction created; no payload
	KindPrepared                         // phase-1 vote set collected; payload = votes
	KindCommitDecision                   // durable decision to commit
	KindRollbackDecision                 // durable decision to roll back
	KindForget                           // all participants acknowledged; eligible for compaction
)

func (k Kind) String() string {
	switch k {
	case KindBegin:
		return "BEGIN"
	case KindPrepared:
		return "PREPARED"
	case KindCommitDecision:
		return "COMMIT-DECISION"
	case KindRollbackDecision:
		return "ROLLBACK-DECISION"
	case KindForget:
		return "FORGET"
	default:
		return "UNKNOWN"
	}
}

// Record is a single durable entry in the transaction log. Records are
// append-only and never mutated in place.
type Record struct {
	LSN     LSN
	Kind    Kind
	XID     transaction.XID
	Payload []byte
}

// Serialize converts a Record into its stable on-disk form:
// LSN (8) | Kind (1) | XID (16) | payload length (2) | payload.
func (r *Record) Serialize() ([]byte, error) {
	if len(r.Payload) > int(^uint16(0)) {
		return nil, fmt.Errorf("record payload too large: %d bytes", len(r.Payload))
	}
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, uint64(r.LSN)); err != nil {
		return nil, fmt.Errorf("failed to serialize LSN: %w", err)
	}
	if err := buf.WriteByte(byte(r.Kind)); err != nil {
		return nil, fmt.Errorf("failed to serialize kind: %w", err)
	}
	xid := r.XID.Bytes()
	if _, err := buf.Write(xid[:]); err != nil {
		return nil, fmt.Errorf("failed to serialize XID: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, uint16(len(r.Payload))); err != nil {
		return nil, fmt.Errorf("failed to serialize payload length: %w", err)
	}
	if _, err := buf.Write(r.Payload); err != nil {
		return nil, fmt.Errorf("failed to serialize payload: %w", err)
	}
	return buf.Bytes(), nil
}

// serializedSize returns the on-disk byte length of the record.
func (r *Record) serializedSize() int64 {
	return int64(8 + 1 + 16 + 2 + len(r.Payload))
}

// readRecord reads one record from the reader. io.EOF means a clean end of
// segment; io.ErrUnexpectedEOF means a truncated trailing record.
func readRecord(reader *bufio.Reader, r *Record) error {
	header := make([]byte, 8+1+16+2)
	if _, err := io.ReadFull(reader, header); err != nil {
		if err == io.EOF {
			return io.EOF
		}
		return io.ErrUnexpectedEOF
	}
	r.LSN = LSN(binary.LittleEndian.Uint64(header[0:8]))
	r.Kind = Kind(header[8])
	var xid [16]byte
	copy(xid[:], header[9:25])
	r.XID = transaction.XIDFromBytes(xid)
	payloadLen := binary.LittleEndian.Uint16(header[25:27])
	r.Payload = make([]byte, payloadLen)
	if _, err := io.ReadFull(reader, r.Payload); err != nil {
		return io.ErrUnexpectedEOF
	}
	return nil
}

// EncodeVotes packs a vote set into a PREPARED record payload. The encoding
// is sorted by adapter ID so a given vote set always serializes identically.
func EncodeVotes(votes map[string]transaction.Vote) []byte {
	ids := make([]string, 0, len(votes))
	for id := range votes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, id+"="+votes[id].String())
	}
	return []byte(strings.Join(parts, ","))
}

// DecodeVotes unpacks a PREPARED record payload.
func DecodeVotes(payload []byte) map[string]transaction.Vote {
	votes := make(map[string]transaction.Vote)
	if len(payload) == 0 {
		return votes
	}
	for _, part := range strings.Split(string(payload), ",") {
		id, val, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		if val == transaction.VoteYes.String() {
			votes[id] = transaction.VoteYes
		} else {
			votes[id] = transaction.VoteNo
		}
	}
	return votes
}
