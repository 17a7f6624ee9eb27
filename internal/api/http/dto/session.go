package dto

import "time"

type ExecRequest struct {
	PrincipalID    string `json:"principal_id" binding:"required"`
	ResourceID     string `json:"resource_id" binding:"required"`
	AccessToken    string `json:"access_token"`
	Command        string `json:"command" binding:"required"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

type ExecResponse struct {
	SessionID string `json:"session_id"`
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	ExitCode  int    `json:"exit_code"`
}

type AbortResponse struct {
	Aborted bool `json:"aborted"`
}

// ErrorResponse reports which phase failed so clients can tell bad
// credentials from an unreachable instance.
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

type SessionInfo struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	ResourceID  string    `json:"resource_id"`
	PrincipalID string    `json:"principal_id"`
	CreatedAt   time.Time `json:"created_at"`
	Closed      bool      `json:"closed"`
}

type SessionListResponse struct {
	Sessions []SessionInfo `json:"sessions"`
}
