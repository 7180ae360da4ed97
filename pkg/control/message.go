// Package control implements the control channel: an out-of-band
// request/response interface for cache introspection and invalidation.
//
// Requests are addressed by an action:
//
//	{"action": "clearCache"}                     -> {"success": true}
//	{"action": "removeFromCache", "url": "..."}  -> {"success": true}
//	{"action": "getCacheSize"}                   -> {"usage": n, "quota": n}
//	anything else                                -> {"error": "Unknown action"}
//
// Every request receives exactly one response on its own reply path.
package control

import (
	"errors"
	"fmt"
)

// Actions understood by the service.
const (
	ActionClearCache      = "clearCache"
	ActionRemoveFromCache = "removeFromCache"
	ActionGetCacheSize    = "getCacheSize"
)

// Error messages reported for malformed requests.
const (
	MsgUnknownAction = "Unknown action"
	MsgMissingURL    = "Missing url"
	MsgInvalidURL    = "Invalid url"
)

var (
	// ErrProtocolFault indicates a malformed control request.
	ErrProtocolFault = errors.New("control protocol fault")

	// ErrClosed is returned when the service is no longer serving.
	ErrClosed = errors.New("control service closed")
)

// Request is a control channel request.
type Request struct {
	ID     string `json:"id,omitempty"`
	Action string `json:"action"`
	URL    string `json:"url,omitempty"`
}

// Response is a control channel response. Exactly one of Success, the
// Usage/Quota pair or Error is set.
type Response struct {
	ID      string `json:"id,omitempty"`
	Success bool   `json:"success,omitempty"`
	Usage   *int64 `json:"usage,omitempty"`
	Quota   *int64 `json:"quota,omitempty"`
	Error   string `json:"error,omitempty"`
}

// RemoteError is an error payload received from the control channel.
type RemoteError struct {
	Action  string
	Message string
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	return fmt.Sprintf("control %s: %s", e.Action, e.Message)
}

// Is makes payloads describing malformed requests match ErrProtocolFault.
func (e *RemoteError) Is(target error) bool {
	return target == ErrProtocolFault && isProtocolMessage(e.Message)
}

func isProtocolMessage(msg string) bool {
	switch msg {
	case MsgUnknownAction, MsgMissingURL, MsgInvalidURL:
		return true
	default:
		return false
	}
}

func sizeResponse(id string, usage, quota int64) Response {
	return Response{ID: id, Usage: &usage, Quota: &quota}
}
