package server

import (
	"errors"
	"strings"
)

var (
	// ErrQueueFull is returned when a connection's outbound queue cannot take
	// another envelope. The hub treats it as a slow consumer.
	ErrQueueFull = errors.New("outbound queue full")
	// ErrQueueClosed is returned when enqueueing to a connection that is
	// already being torn down.
	ErrQueueClosed = errors.New("outbound queue closed")
	// ErrDuplicateLogin is returned by Register under the reject policy when
	// the username is already online.
	ErrDuplicateLogin = errors.New("username already connected")
	// ErrAuthTimeout is logged when no auth envelope arrives in time.
	ErrAuthTimeout = errors.New("authentication timeout")
	// ErrShuttingDown is returned once the hub has stopped accepting work.
	ErrShuttingDown = errors.New("server shutting down")
)

// Reasons sent to clients in auth_fail and error envelopes.
const (
	reasonInvalidCredentials = "invalid credentials"
	reasonOrgDenied          = "organization not allowed"
	reasonAlreadyConnected   = "already connected"
	reasonAuthTimeout        = "authentication timeout"
	reasonAuthRequired       = "authentication required"
	reasonNotAuthenticated   = "not authenticated"
	reasonAlreadyAuthed      = "already authenticated"
	reasonReplaced           = "replaced by new connection"
	reasonRateLimited        = "rate limit exceeded"
	reasonShuttingDown       = "server shutting down"
)

// StatusReport is the JSON body of the status endpoint.
type StatusReport struct {
	Status      string   `json:"status"`
	UsersOnline int      `json:"users_online"`
	Users       []string `json:"users"`
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
