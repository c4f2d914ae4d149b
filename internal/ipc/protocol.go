// Package ipc carries requests between the wardend daemon and its
// control clients over a unix socket. Messages are a fixed 16-byte
// binary header followed by a JSON payload.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"wardend/internal/differ"
	"wardend/internal/iteration"
)

const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x57445043 // "WDPC"
)

// MessageType identifies the operation a message carries.
type MessageType uint16

const (
	// Control messages (0x00xx)
	MsgPing  MessageType = 0x0001
	MsgPong  MessageType = 0x0002
	MsgError MessageType = 0x0003

	// Status and notice (0x01xx)
	MsgStatus      MessageType = 0x0100
	MsgStatusResp  MessageType = 0x0101
	MsgNotice      MessageType = 0x0102
	MsgNoticeResp  MessageType = 0x0103
	MsgHistory     MessageType = 0x0104
	MsgHistoryResp MessageType = 0x0105

	// Iteration lifecycle (0x02xx)
	MsgSubmit      MessageType = 0x0200
	MsgSubmitResp  MessageType = 0x0201
	MsgApprove     MessageType = 0x0202
	MsgApproveResp MessageType = 0x0203
	MsgReject      MessageType = 0x0204
	MsgRejectResp  MessageType = 0x0205
	MsgDiff        MessageType = 0x0206
	MsgDiffResp    MessageType = 0x0207

	// Backups and rollback (0x03xx)
	MsgRollback        MessageType = 0x0300
	MsgRollbackResp    MessageType = 0x0301
	MsgListBackups     MessageType = 0x0302
	MsgListBackupsResp MessageType = 0x0303

	// Guarded tools (0x04xx)
	MsgReadFile      MessageType = 0x0400
	MsgReadFileResp  MessageType = 0x0401
	MsgExec          MessageType = 0x0402
	MsgExecResp      MessageType = 0x0403
	MsgWriteFile     MessageType = 0x0404
	MsgWriteFileResp MessageType = 0x0405
)

// Header is the fixed-size message header.
type Header struct {
	Magic     uint32
	Version   uint8
	Flags     uint8
	Type      MessageType
	RequestID uint32
	Length    uint32
}

// HeaderSize is the encoded header length in bytes.
const HeaderSize = 16

// maxPayload bounds a single message payload.
const maxPayload = 16 * 1024 * 1024

// Message wraps a header and its JSON payload.
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage builds a message of the given type.
func NewMessage(msgType MessageType, requestID uint32, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Type:      msgType,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

// Write encodes the header to w.
func (h *Header) Write(w io.Writer) error {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
	_, err := w.Write(buf)
	return err
}

// ReadHeader decodes a header from r.
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	h := &Header{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Version:   buf[4],
		Flags:     buf[5],
		Type:      MessageType(binary.BigEndian.Uint16(buf[6:8])),
		RequestID: binary.BigEndian.Uint32(buf[8:12]),
		Length:    binary.BigEndian.Uint32(buf[12:16]),
	}

	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("invalid magic number: %x", h.Magic)
	}
	if h.Version > ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", h.Version)
	}
	return h, nil
}

// Write encodes the full message to w.
func (m *Message) Write(w io.Writer) error {
	if err := m.Header.Write(w); err != nil {
		return err
	}
	if len(m.Payload) > 0 {
		_, err := w.Write(m.Payload)
		return err
	}
	return nil
}

// ReadMessage decodes a complete message from r.
func ReadMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	m := &Message{Header: *h}
	if h.Length > 0 {
		if h.Length > maxPayload {
			return nil, fmt.Errorf("payload too large: %d bytes", h.Length)
		}
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Request and response payloads.

// ErrorResponse reports a failed operation.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error codes.
const (
	ErrUnknown          = 1
	ErrInvalidRequest   = 2
	ErrNotFound         = 3
	ErrPermissionDenied = 4
	ErrInternalError    = 5
	ErrConflict         = 6
)

// StatusResponse is the daemon status surface.
type StatusResponse struct {
	Version   string          `json:"version"`
	UptimeSec int64           `json:"uptime_sec"`
	Pending   *iteration.View `json:"pending,omitempty"`
	Counts    map[string]int  `json:"counts"`
	Workspace WorkspaceStats  `json:"workspace"`
	Backups   int             `json:"backups"`
}

// WorkspaceStats mirrors the shadow workspace summary.
type WorkspaceStats struct {
	Entries    int   `json:"entries"`
	TotalBytes int64 `json:"total_bytes"`
}

// NoticeResponse carries the capability notice text.
type NoticeResponse struct {
	Notice string `json:"notice"`
}

// SubmitRequest proposes new content for a file.
type SubmitRequest struct {
	Target      string `json:"target"`
	Content     []byte `json:"content"`
	Proposer    string `json:"proposer,omitempty"`
	Description string `json:"description,omitempty"`
}

// SubmitResponse acknowledges a staged proposal.
type SubmitResponse struct {
	Iteration *iteration.View `json:"iteration"`
}

// DecisionRequest approves or rejects the pending proposal.
type DecisionRequest struct {
	Reviewer string `json:"reviewer"`
	Reason   string `json:"reason,omitempty"`
}

// DecisionResponse reports the decided proposal.
type DecisionResponse struct {
	Iteration *iteration.View `json:"iteration"`
	BackupID  int64           `json:"backup_id,omitempty"`
}

// DiffResponse carries the pending proposal's diff report.
type DiffResponse struct {
	Report differ.Report `json:"report"`
}

// RollbackRequest restores a backup by ID.
type RollbackRequest struct {
	BackupID  int64  `json:"backup_id"`
	Requester string `json:"requester,omitempty"`
}

// RollbackResponse reports the restored backup.
type RollbackResponse struct {
	BackupID int64  `json:"backup_id"`
	Target   string `json:"target"`
}

// ListBackupsRequest lists retained backups, optionally per target.
type ListBackupsRequest struct {
	Target string `json:"target,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// BackupInfo is one retained backup, content omitted.
type BackupInfo struct {
	ID          int64  `json:"id"`
	Target      string `json:"target"`
	ContentHash string `json:"content_hash"`
	Size        int64  `json:"size"`
	CreatedNs   int64  `json:"created_ns"`
}

// ListBackupsResponse carries the backup listing.
type ListBackupsResponse struct {
	Backups []BackupInfo `json:"backups"`
}

// ReadFileRequest reads a line window from a guarded file.
type ReadFileRequest struct {
	Path   string `json:"path"`
	Offset int    `json:"offset,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// ReadFileResponse carries the windowed content.
type ReadFileResponse struct {
	Path       string `json:"path"`
	Content    string `json:"content"`
	Offset     int    `json:"offset"`
	Count      int    `json:"count"`
	TotalLines int    `json:"total_lines"`
}

// ExecRequest runs a whitelisted command.
type ExecRequest struct {
	Command string `json:"command"`
	Workdir string `json:"workdir,omitempty"`
}

// WriteFileRequest stages content without opening an iteration.
type WriteFileRequest struct {
	Target  string `json:"target"`
	Content []byte `json:"content"`
}

// WriteFileResponse reports the staged entry.
type WriteFileResponse struct {
	Target string `json:"target"`
	Hash   string `json:"hash"`
	Size   int64  `json:"size"`
}

// ExecResponse carries the command outcome.
type ExecResponse struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	TimedOut bool   `json:"timed_out"`
}

// HistoryRequest lists recorded iterations.
type HistoryRequest struct {
	Limit int `json:"limit,omitempty"`
}

// HistoryResponse carries recorded iterations newest-first.
type HistoryResponse struct {
	Iterations []iteration.View `json:"iterations"`
}

// Encode marshals a payload to JSON.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode unmarshals a JSON payload.
func Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// NewErrorMessage builds an error response message.
func NewErrorMessage(requestID uint32, code int, message string) *Message {
	payload, _ := Encode(&ErrorResponse{Code: code, Message: message})
	return NewMessage(MsgError, requestID, payload)
}

// NewResponse builds a response message with a JSON payload.
func NewResponse(msgType MessageType, requestID uint32, v any) (*Message, error) {
	payload, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return NewMessage(msgType, requestID, payload), nil
}
