// Package transport implements the cluster protocol: persistent framed TCP
// sessions between every pair of known peers, carrying heartbeats,
// membership gossip, replication frames, and forwarded writes.
package transport

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	frameMagic   uint32 = 0x574c5346 // "WLSF"
	frameVersion uint8  = 1

	maxSenderIDLen = 255
	maxPayloadLen  = 64 << 20 // 64 MiB, generous upper bound for a SyncResponse chunk
)

// Kind identifies the payload carried by a Frame.
type Kind uint8

const (
	KindHeartbeat Kind = iota
	KindMembership
	KindAppendEntries
	KindAppendAck
	KindSyncRequest
	KindSyncResponse
	KindForwardedWrite
	KindForwardedWriteReply
	KindJoinRequest
	KindJoinReply
)

func (k Kind) String() string {
	switch k {
	case KindHeartbeat:
		return "heartbeat"
	case KindMembership:
		return "membership"
	case KindAppendEntries:
		return "append_entries"
	case KindAppendAck:
		return "append_ack"
	case KindSyncRequest:
		return "sync_request"
	case KindSyncResponse:
		return "sync_response"
	case KindForwardedWrite:
		return "forwarded_write"
	case KindForwardedWriteReply:
		return "forwarded_write_reply"
	case KindJoinRequest:
		return "join_request"
	case KindJoinReply:
		return "join_reply"
	default:
		return "unknown"
	}
}

// ErrProtocolMismatch is returned when a peer's frame header fails
// validation (bad magic, unsupported version, oversized fields).
var ErrProtocolMismatch = errors.New("transport: protocol mismatch")

// Frame is one unit of the cluster wire protocol:
// {magic:4, version:1, kind:1, term:8, sender_id_len:1, sender_id:N, payload_len:4} + payload.
type Frame struct {
	Kind     Kind
	Term     uint64
	SenderID string
	Payload  []byte
}

// Encode marshals a Go value as a frame's payload using JSON, matching the
// teacher's use of plain encoding/json for wire bodies elsewhere in the pack.
func Encode(kind Kind, term uint64, senderID string, body interface{}) (Frame, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return Frame{}, fmt.Errorf("transport: marshal %s payload: %w", kind, err)
	}
	return Frame{Kind: kind, Term: term, SenderID: senderID, Payload: payload}, nil
}

// Decode unmarshals a frame's payload into dst.
func (f Frame) Decode(dst interface{}) error {
	return json.Unmarshal(f.Payload, dst)
}

// WriteFrame writes the header and payload to w.
func WriteFrame(w io.Writer, f Frame) error {
	if len(f.SenderID) > maxSenderIDLen {
		return fmt.Errorf("%w: sender id too long (%d bytes)", ErrProtocolMismatch, len(f.SenderID))
	}
	if len(f.Payload) > maxPayloadLen {
		return fmt.Errorf("%w: payload too large (%d bytes)", ErrProtocolMismatch, len(f.Payload))
	}

	header := make([]byte, 4+1+1+8+1+len(f.SenderID)+4)
	off := 0
	binary.BigEndian.PutUint32(header[off:], frameMagic)
	off += 4
	header[off] = frameVersion
	off++
	header[off] = byte(f.Kind)
	off++
	binary.BigEndian.PutUint64(header[off:], f.Term)
	off += 8
	header[off] = byte(len(f.SenderID))
	off++
	off += copy(header[off:], f.SenderID)
	binary.BigEndian.PutUint32(header[off:], uint32(len(f.Payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("transport: write frame header: %w", err)
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return fmt.Errorf("transport: write frame payload: %w", err)
		}
	}
	return nil
}

// ReadFrame reads one frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	fixed := make([]byte, 4+1+1+8+1)
	if _, err := io.ReadFull(r, fixed); err != nil {
		return Frame{}, err
	}

	magic := binary.BigEndian.Uint32(fixed[0:4])
	if magic != frameMagic {
		return Frame{}, fmt.Errorf("%w: bad magic %x", ErrProtocolMismatch, magic)
	}
	version := fixed[4]
	if version != frameVersion {
		return Frame{}, fmt.Errorf("%w: unsupported version %d", ErrProtocolMismatch, version)
	}
	kind := Kind(fixed[5])
	term := binary.BigEndian.Uint64(fixed[6:14])
	senderLen := int(fixed[14])

	senderBuf := make([]byte, senderLen)
	if senderLen > 0 {
		if _, err := io.ReadFull(r, senderBuf); err != nil {
			return Frame{}, fmt.Errorf("transport: read sender id: %w", err)
		}
	}

	var payloadLenBuf [4]byte
	if _, err := io.ReadFull(r, payloadLenBuf[:]); err != nil {
		return Frame{}, fmt.Errorf("transport: read payload length: %w", err)
	}
	payloadLen := binary.BigEndian.Uint32(payloadLenBuf[:])
	if payloadLen > maxPayloadLen {
		return Frame{}, fmt.Errorf("%w: payload too large (%d bytes)", ErrProtocolMismatch, payloadLen)
	}

	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, fmt.Errorf("transport: read payload: %w", err)
		}
	}

	return Frame{Kind: kind, Term: term, SenderID: string(senderBuf), Payload: payload}, nil
}
