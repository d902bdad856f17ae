package client

import (
	"errors"
	"fmt"
	"time"

	"github.com/zxbdzh/new-year/domain"
)

var (
	ErrNotConnected      = errors.New("client: not connected")
	ErrDisconnected      = errors.New("client: disconnected")
	ErrJoinSuperseded    = errors.New("client: join superseded by a newer request")
	ErrConnectInProgress = errors.New("client: connect already in progress")
)

// ServerError is an error event reported by the server.
type ServerError struct {
	Code    domain.ErrorCode
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches another *ServerError by code, so callers can test
// errors.Is(err, &ServerError{Code: domain.ErrRoomFull}).
func (e *ServerError) Is(target error) bool {
	t, ok := target.(*ServerError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

type LatencyError struct {
	RTT       time.Duration
	Threshold time.Duration
}

func (e *LatencyError) Error() string {
	return fmt.Sprintf("latency too high: %s exceeds %s", e.RTT, e.Threshold)
}

type ReconnectError struct {
	Attempts int
	Err      error
}

func (e *ReconnectError) Error() string {
	return fmt.Sprintf("reconnect failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ReconnectError) Unwrap() error { return e.Err }
