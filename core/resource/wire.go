package resource

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/txweave/txweave/core/transaction"
)

// Wire protocol between the coordinator and a remote resource manager.
// Frames are little-endian, mirroring the transaction log encoding.
//
// Request:  op (1) | xid (16)
// Response: status (1) | payload length (2) | payload
//
// The payload is a detail string for error statuses and a packed XID list
// for recover responses.

type wireOp byte

const (
	opPrepare wireOp = iota + 1
	opCommit
	opRollback
	opRecover
)

type wireStatus byte

const (
	statusOK wireStatus = iota + 1
	statusVoteNo
	statusHeuristicRolledBack
	statusHeuristicCommitted
	statusError
)

type request struct {
	op  wireOp
	xid transaction.XID
}

type response struct {
	status  wireStatus
	payload []byte
}

func writeRequest(w io.Writer, req request) error {
	buf := make([]byte, 1+16)
	buf[0] = byte(req.op)
	xid := req.xid.Bytes()
	copy(buf[1:], xid[:])
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write request frame: %w", err)
	}
	return nil
}

func readRequest(r *bufio.Reader) (request, error) {
	buf := make([]byte, 1+16)
	if _, err := io.ReadFull(r, buf); err != nil {
		return request{}, err
	}
	var xid [16]byte
	copy(xid[:], buf[1:])
	return request{op: wireOp(buf[0]), xid: transaction.XIDFromBytes(xid)}, nil
}

func writeResponse(w io.Writer, resp response) error {
	if len(resp.payload) > int(^uint16(0)) {
		return fmt.Errorf("response payload too large: %d bytes", len(resp.payload))
	}
	buf := make([]byte, 3+len(resp.payload))
	buf[0] = byte(resp.status)
	binary.LittleEndian.PutUint16(buf[1:3], uint16(len(resp.payload)))
	copy(buf[3:], resp.payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write response frame: %w", err)
	}
	return nil
}

func readResponse(r *bufio.Reader) (response, error) {
	header := make([]byte, 3)
	if _, err := io.ReadFull(r, header); err != nil {
		return response{}, err
	}
	payloadLen := binary.LittleEndian.Uint16(header[1:3])
	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return response{}, err
	}
	return response{status: wireStatus(header[0]), payload: payload}, nil
}

// encodeXIDList packs transaction ids into a recover response payload.
func encodeXIDList(xids []transaction.XID) []byte {
	buf := make([]byte, 2+16*len(xids))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(xids)))
	for i, xid := range xids {
		b := xid.Bytes()
		copy(buf[2+16*i:], b[:])
	}
	return buf
}

func decodeXIDList(payload []byte) ([]transaction.XID, error) {
	if len(payload) < 2 {
		return nil, fmt.Errorf("recover payload too short: %d bytes", len(payload))
	}
	count := int(binary.LittleEndian.Uint16(payload[0:2]))
	if len(payload) != 2+16*count {
		return nil, fmt.Errorf("recover payload length %d does not match count %d", len(payload), count)
	}
	xids := make([]transaction.XID, 0, count)
	for i := 0; i < count; i++ {
		var b [16]byte
		copy(b[:], payload[2+16*i:])
		xids = append(xids, transaction.XIDFromBytes(b))
	}
	return xids, nil
}
