package origin

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// ErrNetworkFault matches every fetch failure: the origin was unreachable or
// answered with a non-success status.
var ErrNetworkFault = errors.New("network fault")

// ErrorClass represents a classification of fetch failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassNetwork represents transport errors (no response at all).
	ErrorClassNetwork ErrorClass = "network"
)

// FetchError is a failed origin fetch. When the origin answered, the status,
// headers and buffered body are kept so the response can still be relayed.
type FetchError struct {
	StatusCode int
	Class      ErrorClass
	Message    string
	Header     http.Header
	Body       []byte
	Err        error

	// Truncated is set when Body holds only part of the origin's body.
	Truncated bool
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("origin %s error (status %d): %s: %v",
			e.Class, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("origin %s error (status %d): %s",
		e.Class, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// Is makes every FetchError match ErrNetworkFault.
func (e *FetchError) Is(target error) bool {
	return target == ErrNetworkFault
}

// HasResponse reports whether the origin produced a response that can be
// relayed in full. A truncated body never is.
func (e *FetchError) HasResponse() bool {
	return e.StatusCode != 0 && !e.Truncated
}

// Response rebuilds the origin's failing response for req. Each call returns
// an independent body. It returns nil when there was no response.
func (e *FetchError) Response(req *http.Request) *http.Response {
	if !e.HasResponse() {
		return nil
	}
	header := e.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set("Content-Length", strconv.Itoa(len(e.Body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.StatusCode, http.StatusText(e.StatusCode)),
		StatusCode:    e.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

// classifyStatus maps a failing HTTP status to its class.
func classifyStatus(code int) ErrorClass {
	switch {
	case code >= 400 && code < 500:
		return ErrorClassClient
	case code >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassClient:
		// 4xx will not change on retry
		return false
	case ErrorClassServer, ErrorClassNetwork:
		return true
	default:
		return false
	}
}
