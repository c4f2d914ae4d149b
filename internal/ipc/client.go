package ipc

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"
)

// ErrDaemonNotRunning is returned when the daemon socket does not exist
// or nothing is listening on it.
var ErrDaemonNotRunning = errors.New("daemon not running")

// ClientConfig controls dialing and per-request deadlines.
type ClientConfig struct {
	SocketPath     string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// DefaultClientConfig returns client settings for a daemon rooted at
// dataDir.
func DefaultClientConfig(dataDir string) ClientConfig {
	cfg := DefaultServerConfig(dataDir)
	return ClientConfig{
		SocketPath:     cfg.SocketPath,
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 60 * time.Second,
	}
}

// Client is a synchronous IPC client. Requests are serialized over a
// single connection; it is safe for concurrent use.
type Client struct {
	cfg ClientConfig

	mu     sync.Mutex
	conn   net.Conn
	nextID uint32
}

// Connect dials the daemon socket.
func Connect(cfg ClientConfig) (*Client, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}

	if _, err := os.Stat(cfg.SocketPath); os.IsNotExist(err) {
		return nil, ErrDaemonNotRunning
	}

	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := dialer.Dial("unix", cfg.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDaemonNotRunning, err)
	}

	return &Client{cfg: cfg, conn: conn}, nil
}

// Close shuts down the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// request sends one message and waits for its response. A MsgError
// response is decoded into a RemoteError.
func (c *Client) request(msgType MessageType, payload any) (*Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, errors.New("client closed")
	}

	c.nextID++
	reqID := c.nextID

	var body []byte
	if payload != nil {
		var err error
		body, err = Encode(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
	}

	msg := NewMessage(msgType, reqID, body)

	deadline := time.Now().Add(c.cfg.RequestTimeout)
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	if err := msg.Write(c.conn); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	resp, err := ReadMessage(c.conn)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.Header.RequestID != reqID {
		return nil, fmt.Errorf("response id mismatch: got %d want %d", resp.Header.RequestID, reqID)
	}

	if resp.Header.Type == MsgError {
		var errResp ErrorResponse
		if err := Decode(resp.Payload, &errResp); err != nil {
			return nil, fmt.Errorf("decode error response: %w", err)
		}
		return nil, &RemoteError{Code: errResp.Code, Message: errResp.Message}
	}
	return resp, nil
}

// RemoteError is an error reported by the daemon.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// Ping checks daemon liveness.
func (c *Client) Ping() error {
	resp, err := c.request(MsgPing, nil)
	if err != nil {
		return err
	}
	if resp.Header.Type != MsgPong {
		return fmt.Errorf("unexpected response type 0x%04x", resp.Header.Type)
	}
	return nil
}

// Status fetches the daemon's status report.
func (c *Client) Status() (*StatusResponse, error) {
	resp, err := c.request(MsgStatus, nil)
	if err != nil {
		return nil, err
	}
	var out StatusResponse
	if err := Decode(resp.Payload, &out); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &out, nil
}

// Notice fetches the capability notice text.
func (c *Client) Notice() (string, error) {
	resp, err := c.request(MsgNotice, nil)
	if err != nil {
		return "", err
	}
	var out NoticeResponse
	if err := Decode(resp.Payload, &out); err != nil {
		return "", fmt.Errorf("decode notice: %w", err)
	}
	return out.Notice, nil
}

// History lists past iterations, newest first.
func (c *Client) History(limit int) (*HistoryResponse, error) {
	resp, err := c.request(MsgHistory, &HistoryRequest{Limit: limit})
	if err != nil {
		return nil, err
	}
	var out HistoryResponse
	if err := Decode(resp.Payload, &out); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return &out, nil
}

// Submit proposes new content for a target file.
func (c *Client) Submit(target string, content []byte, proposer, description string) (*SubmitResponse, error) {
	resp, err := c.request(MsgSubmit, &SubmitRequest{
		Target:      target,
		Content:     content,
		Proposer:    proposer,
		Description: description,
	})
	if err != nil {
		return nil, err
	}
	var out SubmitResponse
	if err := Decode(resp.Payload, &out); err != nil {
		return nil, fmt.Errorf("decode submit response: %w", err)
	}
	return &out, nil
}

// Approve applies the pending proposal.
func (c *Client) Approve(reviewer string) (*DecisionResponse, error) {
	resp, err := c.request(MsgApprove, &DecisionRequest{Reviewer: reviewer})
	if err != nil {
		return nil, err
	}
	var out DecisionResponse
	if err := Decode(resp.Payload, &out); err != nil {
		return nil, fmt.Errorf("decode approve response: %w", err)
	}
	return &out, nil
}

// Reject discards the pending proposal.
func (c *Client) Reject(reviewer, reason string) (*DecisionResponse, error) {
	resp, err := c.request(MsgReject, &DecisionRequest{Reviewer: reviewer, Reason: reason})
	if err != nil {
		return nil, err
	}
	var out DecisionResponse
	if err := Decode(resp.Payload, &out); err != nil {
		return nil, fmt.Errorf("decode reject response: %w", err)
	}
	return &out, nil
}

// Diff fetches the diff of the pending proposal against the live file.
func (c *Client) Diff() (*DiffResponse, error) {
	resp, err := c.request(MsgDiff, nil)
	if err != nil {
		return nil, err
	}
	var out DiffResponse
	if err := Decode(resp.Payload, &out); err != nil {
		return nil, fmt.Errorf("decode diff: %w", err)
	}
	return &out, nil
}

// Rollback restores a target file from a retained backup.
func (c *Client) Rollback(backupID int64, requester string) (*RollbackResponse, error) {
	resp, err := c.request(MsgRollback, &RollbackRequest{BackupID: backupID, Requester: requester})
	if err != nil {
		return nil, err
	}
	var out RollbackResponse
	if err := Decode(resp.Payload, &out); err != nil {
		return nil, fmt.Errorf("decode rollback response: %w", err)
	}
	return &out, nil
}

// ListBackups lists retained snapshots, newest first.
func (c *Client) ListBackups(target string, limit int) (*ListBackupsResponse, error) {
	resp, err := c.request(MsgListBackups, &ListBackupsRequest{Target: target, Limit: limit})
	if err != nil {
		return nil, err
	}
	var out ListBackupsResponse
	if err := Decode(resp.Payload, &out); err != nil {
		return nil, fmt.Errorf("decode backup list: %w", err)
	}
	return &out, nil
}

// ReadFile reads a slice of a file through the daemon's gatekeeper.
func (c *Client) ReadFile(path string, offset, limit int) (*ReadFileResponse, error) {
	resp, err := c.request(MsgReadFile, &ReadFileRequest{Path: path, Offset: offset, Limit: limit})
	if err != nil {
		return nil, err
	}
	var out ReadFileResponse
	if err := Decode(resp.Payload, &out); err != nil {
		return nil, fmt.Errorf("decode read response: %w", err)
	}
	return &out, nil
}

// WriteFile stages content in the shadow workspace without opening an
// iteration.
func (c *Client) WriteFile(target string, content []byte) (*WriteFileResponse, error) {
	resp, err := c.request(MsgWriteFile, &WriteFileRequest{Target: target, Content: content})
	if err != nil {
		return nil, err
	}
	var out WriteFileResponse
	if err := Decode(resp.Payload, &out); err != nil {
		return nil, fmt.Errorf("decode write response: %w", err)
	}
	return &out, nil
}

// Exec runs a whitelisted command through the daemon.
func (c *Client) Exec(command, workdir string) (*ExecResponse, error) {
	resp, err := c.request(MsgExec, &ExecRequest{Command: command, Workdir: workdir})
	if err != nil {
		return nil, err
	}
	var out ExecResponse
	if err := Decode(resp.Payload, &out); err != nil {
		return nil, fmt.Errorf("decode exec response: %w", err)
	}
	return &out, nil
}
