package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

var (
	// ErrValidation indicates malformed command input (e.g. invalid batch size).
	ErrValidation = errors.New("invalid request")
	// ErrConflict indicates the command is not applicable to the current
	// server state (e.g. a job is already active for the file).
	ErrConflict = errors.New("conflicting resource state")
	// ErrNotFound indicates an unknown file, job, or notification id.
	ErrNotFound = errors.New("resource not found")
	// ErrTransport indicates a network-level failure before any server
	// response was decoded.
	ErrTransport = errors.New("transport failure")
)

// errorEnvelope mirrors the server's error response body.
type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// decodeError maps a non-2xx response to one of the sentinel errors above,
// preserving the server's human-readable message when the body carries one.
func decodeError(resp *http.Response) error {
	var sentinel error
	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		sentinel = ErrValidation
	case http.StatusNotFound:
		sentinel = ErrNotFound
	case http.StatusConflict:
		sentinel = ErrConflict
	default:
		sentinel = ErrTransport
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("status %d: %w", resp.StatusCode, sentinel)
	}

	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Message != "" {
		return fmt.Errorf("%s: %w", env.Error.Message, sentinel)
	}
	return fmt.Errorf("status %d: %w", resp.StatusCode, sentinel)
}
