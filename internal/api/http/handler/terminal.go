package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/overcastlabs/vmlink/internal/session"
)

// upgrader accepts any origin: the surface is origin-gated by the CORS layer
// and sessions are authorized per resource during provisioning.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type TerminalHandler struct {
	bridge *session.Bridge
}

func NewTerminalHandler(bridge *session.Bridge) *TerminalHandler {
	return &TerminalHandler{bridge: bridge}
}

// Stream upgrades the request and runs the interactive session to completion.
// Connection parameters arrive as query parameters; a missing principal or
// resource id closes the channel with a single error frame and no
// provisioning is attempted.
func (h *TerminalHandler) Stream(ctx *gin.Context) {
	conn, err := upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		slog.Warn("Websocket upgrade failed", "error", err, "client_ip", ctx.ClientIP())
		return
	}

	principalID := ctx.Query("principal_id")
	resourceID := ctx.Query("resource_id")
	accessToken := ctx.Query("access_token")

	if principalID == "" || resourceID == "" {
		_ = conn.WriteJSON(session.Frame{
			Type: session.FrameError,
			Data: session.KindAuthentication.String() + ": missing principal or resource id",
		})
		_ = conn.Close()
		return
	}

	h.bridge.Serve(ctx.Request.Context(), conn, principalID, resourceID, accessToken)
}
