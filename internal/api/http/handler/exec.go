package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/overcastlabs/vmlink/internal/api/http/dto"
	"github.com/overcastlabs/vmlink/internal/session"
)

const (
	defaultExecTimeout = 5 * time.Minute
	maxExecTimeout     = time.Hour
)

type ExecHandler struct {
	controller *session.Controller
	registry   *session.Registry
}

func NewExecHandler(controller *session.Controller, registry *session.Registry) *ExecHandler {
	return &ExecHandler{controller: controller, registry: registry}
}

// Execute provisions a session, runs the command and responds when it
// finishes. A remote non-zero exit status is a normal completion; error
// payloads are reserved for provisioning, connection, timeout and abort
// failures.
func (h *ExecHandler) Execute(ctx *gin.Context) {
	var req dto.ExecRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "BadRequest", Message: err.Error()})
		return
	}

	timeout := defaultExecTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	if timeout > maxExecTimeout {
		ctx.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error:   "BadRequest",
			Message: "timeout_seconds exceeds the maximum of 3600",
		})
		return
	}

	ex, err := h.controller.Start(ctx.Request.Context(), req.PrincipalID, req.ResourceID, req.AccessToken, req.Command, timeout)
	if err != nil {
		kind := session.KindOf(err)
		slog.Warn("Execution rejected",
			"resource_id", req.ResourceID, "principal_id", req.PrincipalID, "error", err)
		ctx.JSON(statusForKind(kind), dto.ErrorResponse{Error: kind.String(), Message: session.Message(err)})
		return
	}

	<-ex.Done()
	result := ex.Result()
	if result.Err != nil {
		kind := session.KindOf(result.Err)
		ctx.JSON(statusForKind(kind), dto.ErrorResponse{
			Error:     kind.String(),
			Message:   session.Message(result.Err),
			SessionID: ex.ID,
		})
		return
	}

	ctx.JSON(http.StatusOK, dto.ExecResponse{
		SessionID: ex.ID,
		Stdout:    ex.Stdout(),
		Stderr:    ex.Stderr(),
		ExitCode:  result.ExitCode,
	})
}

// Abort force-terminates a live session of either variant.
func (h *ExecHandler) Abort(ctx *gin.Context) {
	sessionID := ctx.Param("session_id")
	ctx.JSON(http.StatusOK, dto.AbortResponse{Aborted: h.registry.Abort(sessionID)})
}

// List exposes the live session table for operators.
func (h *ExecHandler) List(ctx *gin.Context) {
	infos := h.registry.List()
	sessions := make([]dto.SessionInfo, len(infos))
	for i, info := range infos {
		sessions[i] = dto.SessionInfo{
			ID:          info.ID,
			Type:        info.Type,
			ResourceID:  info.ResourceID,
			PrincipalID: info.PrincipalID,
			CreatedAt:   info.CreatedAt,
			Closed:      info.Closed,
		}
	}
	ctx.JSON(http.StatusOK, dto.SessionListResponse{Sessions: sessions})
}

func statusForKind(kind session.Kind) int {
	switch kind {
	case session.KindAuthentication:
		return http.StatusForbidden
	case session.KindCredential:
		return http.StatusUnauthorized
	case session.KindProvisioning, session.KindConnection:
		return http.StatusBadGateway
	case session.KindTimeout:
		return http.StatusGatewayTimeout
	case session.KindAborted:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
