package ipc

import (
	"context"
	"errors"
	"time"

	"wardend/internal/backup"
	"wardend/internal/gatekeeper"
	"wardend/internal/iteration"
	"wardend/internal/tools"
)

// DaemonHandler maps IPC messages onto the iteration machine and the
// guarded toolbox.
type DaemonHandler struct {
	machine   *iteration.Machine
	toolbox   *tools.Toolbox
	version   string
	startedAt time.Time
}

// NewDaemonHandler builds the daemon-side message handler.
func NewDaemonHandler(machine *iteration.Machine, toolbox *tools.Toolbox, version string) *DaemonHandler {
	return &DaemonHandler{
		machine:   machine,
		toolbox:   toolbox,
		version:   version,
		startedAt: time.Now(),
	}
}

// HandleMessage dispatches one request and builds its response.
func (h *DaemonHandler) HandleMessage(ctx context.Context, msg *Message) (*Message, error) {
	reqID := msg.Header.RequestID

	switch msg.Header.Type {
	case MsgStatus:
		return h.handleStatus(reqID)
	case MsgNotice:
		return NewResponse(MsgNoticeResp, reqID, &NoticeResponse{Notice: tools.CapabilityNotice()})
	case MsgHistory:
		return h.handleHistory(reqID, msg)
	case MsgSubmit:
		return h.handleSubmit(reqID, msg)
	case MsgApprove:
		return h.handleApprove(reqID, msg)
	case MsgReject:
		return h.handleReject(reqID, msg)
	case MsgDiff:
		return h.handleDiff(reqID)
	case MsgRollback:
		return h.handleRollback(reqID, msg)
	case MsgListBackups:
		return h.handleListBackups(reqID, msg)
	case MsgReadFile:
		return h.handleReadFile(reqID, msg)
	case MsgWriteFile:
		return h.handleWriteFile(reqID, msg)
	case MsgExec:
		return h.handleExec(ctx, reqID, msg)
	default:
		return NewErrorMessage(reqID, ErrInvalidRequest, "unknown message type"), nil
	}
}

func (h *DaemonHandler) handleStatus(reqID uint32) (*Message, error) {
	report, err := h.toolbox.Status()
	if err != nil {
		return NewErrorMessage(reqID, ErrInternalError, err.Error()), nil
	}
	return NewResponse(MsgStatusResp, reqID, &StatusResponse{
		Version:   h.version,
		UptimeSec: int64(time.Since(h.startedAt).Seconds()),
		Pending:   report.Pending,
		Counts:    report.Counts,
		Workspace: WorkspaceStats{
			Entries:    report.Workspace.Entries,
			TotalBytes: report.Workspace.TotalBytes,
		},
		Backups: report.Backups,
	})
}

func (h *DaemonHandler) handleHistory(reqID uint32, msg *Message) (*Message, error) {
	var req HistoryRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(reqID, ErrInvalidRequest, "invalid history request"), nil
	}
	views, err := h.machine.History(req.Limit)
	if err != nil {
		return NewErrorMessage(reqID, ErrInternalError, err.Error()), nil
	}
	return NewResponse(MsgHistoryResp, reqID, &HistoryResponse{Iterations: views})
}

func (h *DaemonHandler) handleSubmit(reqID uint32, msg *Message) (*Message, error) {
	var req SubmitRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(reqID, ErrInvalidRequest, "invalid submit request"), nil
	}
	view, err := h.toolbox.SelfIterate(req.Target, req.Content, req.Proposer, req.Description)
	if err != nil {
		return NewErrorMessage(reqID, codeFor(err), err.Error()), nil
	}
	return NewResponse(MsgSubmitResp, reqID, &SubmitResponse{Iteration: view})
}

func (h *DaemonHandler) handleApprove(reqID uint32, msg *Message) (*Message, error) {
	var req DecisionRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(reqID, ErrInvalidRequest, "invalid approve request"), nil
	}
	view, b, err := h.machine.Approve(req.Reviewer)
	if err != nil {
		return NewErrorMessage(reqID, codeFor(err), err.Error()), nil
	}
	resp := &DecisionResponse{Iteration: view}
	if b != nil {
		resp.BackupID = b.ID
	}
	return NewResponse(MsgApproveResp, reqID, resp)
}

func (h *DaemonHandler) handleReject(reqID uint32, msg *Message) (*Message, error) {
	var req DecisionRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(reqID, ErrInvalidRequest, "invalid reject request"), nil
	}
	view, err := h.machine.Reject(req.Reviewer, req.Reason)
	if err != nil {
		return NewErrorMessage(reqID, codeFor(err), err.Error()), nil
	}
	return NewResponse(MsgRejectResp, reqID, &DecisionResponse{Iteration: view})
}

func (h *DaemonHandler) handleDiff(reqID uint32) (*Message, error) {
	report, err := h.machine.Diff()
	if err != nil {
		return NewErrorMessage(reqID, codeFor(err), err.Error()), nil
	}
	return NewResponse(MsgDiffResp, reqID, &DiffResponse{Report: report})
}

func (h *DaemonHandler) handleRollback(reqID uint32, msg *Message) (*Message, error) {
	var req RollbackRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(reqID, ErrInvalidRequest, "invalid rollback request"), nil
	}
	restored, err := h.machine.Rollback(req.BackupID, req.Requester)
	if err != nil {
		return NewErrorMessage(reqID, codeFor(err), err.Error()), nil
	}
	return NewResponse(MsgRollbackResp, reqID, &RollbackResponse{
		BackupID: restored.ID,
		Target:   restored.Target,
	})
}

func (h *DaemonHandler) handleListBackups(reqID uint32, msg *Message) (*Message, error) {
	var req ListBackupsRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(reqID, ErrInvalidRequest, "invalid list request"), nil
	}
	list, err := h.toolbox.Backups(req.Target, req.Limit)
	if err != nil {
		return NewErrorMessage(reqID, ErrInternalError, err.Error()), nil
	}
	infos := make([]BackupInfo, 0, len(list))
	for _, b := range list {
		infos = append(infos, BackupInfo{
			ID:          b.ID,
			Target:      b.Target,
			ContentHash: b.ContentHash,
			Size:        b.Size,
			CreatedNs:   b.CreatedNs,
		})
	}
	return NewResponse(MsgListBackupsResp, reqID, &ListBackupsResponse{Backups: infos})
}

func (h *DaemonHandler) handleReadFile(reqID uint32, msg *Message) (*Message, error) {
	var req ReadFileRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(reqID, ErrInvalidRequest, "invalid read request"), nil
	}
	slice, err := h.toolbox.ReadFile(req.Path, req.Offset, req.Limit)
	if err != nil {
		return NewErrorMessage(reqID, codeFor(err), err.Error()), nil
	}
	return NewResponse(MsgReadFileResp, reqID, &ReadFileResponse{
		Path:       slice.Path,
		Content:    slice.Content,
		Offset:     slice.Offset,
		Count:      slice.Count,
		TotalLines: slice.TotalLines,
	})
}

func (h *DaemonHandler) handleWriteFile(reqID uint32, msg *Message) (*Message, error) {
	var req WriteFileRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(reqID, ErrInvalidRequest, "invalid write request"), nil
	}
	entry, err := h.toolbox.WriteFile(req.Target, req.Content)
	if err != nil {
		return NewErrorMessage(reqID, codeFor(err), err.Error()), nil
	}
	return NewResponse(MsgWriteFileResp, reqID, &WriteFileResponse{
		Target: entry.Target,
		Hash:   entry.Hash,
		Size:   entry.Size,
	})
}

func (h *DaemonHandler) handleExec(ctx context.Context, reqID uint32, msg *Message) (*Message, error) {
	var req ExecRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(reqID, ErrInvalidRequest, "invalid exec request"), nil
	}
	result, err := h.toolbox.ExecuteTerminal(ctx, req.Command, req.Workdir)
	if err != nil && !errors.Is(err, tools.ErrExecTimeout) {
		return NewErrorMessage(reqID, codeFor(err), err.Error()), nil
	}
	return NewResponse(MsgExecResp, reqID, &ExecResponse{
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
		ExitCode: result.ExitCode,
		TimedOut: result.TimedOut,
	})
}

// codeFor maps domain errors onto protocol error codes.
func codeFor(err error) int {
	switch {
	case errors.Is(err, iteration.ErrNoPending),
		errors.Is(err, backup.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, iteration.ErrIterationPending),
		errors.Is(err, iteration.ErrRollbackBlocked):
		return ErrConflict
	case errors.Is(err, iteration.ErrNotAuthorized),
		errors.Is(err, gatekeeper.ErrPathOutsideRoot),
		errors.Is(err, gatekeeper.ErrForbiddenPath),
		errors.Is(err, gatekeeper.ErrCommandNotAllowed),
		errors.Is(err, gatekeeper.ErrForbiddenCommand):
		return ErrPermissionDenied
	case errors.Is(err, iteration.ErrVerificationFailed):
		return ErrInvalidRequest
	default:
		return ErrInternalError
	}
}
