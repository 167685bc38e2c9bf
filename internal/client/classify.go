package client

import (
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// FailureKind classifies a transport failure. It is attached to
// ConnectionStats.LastError and surfaced to the state observer; it never by
// itself decides retry-vs-stop.
type FailureKind string

const (
	FailureNetwork    FailureKind = "network-error"
	FailureServer     FailureKind = "server-unavailable"
	FailureTimeout    FailureKind = "timeout"
	FailurePermission FailureKind = "permission-denied"
	FailureUnknown    FailureKind = "unknown"
)

// LastError records the most recent classified failure.
type LastError struct {
	Kind      FailureKind
	Message   string
	Timestamp time.Time
}

// ConnectionStats is mutated only by the client's state machine; callers get
// copies.
type ConnectionStats struct {
	Attempts            int
	ConsecutiveFailures int
	LastConnected       time.Time
	LastError           *LastError
}

// classifyFailure maps a close code and error to a failure kind using a
// fixed close-code table, falling back to message inspection.
func classifyFailure(closeCode int, err error) FailureKind {
	switch closeCode {
	case websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived, websocket.CloseTLSHandshake:
		return FailureNetwork
	case websocket.CloseInternalServerErr, websocket.CloseServiceRestart, websocket.CloseTryAgainLater:
		return FailureServer
	case websocket.ClosePolicyViolation, websocket.CloseUnsupportedData, websocket.CloseMandatoryExtension:
		return FailurePermission
	}
	if err == nil {
		return FailureUnknown
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return FailureTimeout
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "network is unreachable") || strings.Contains(msg, "connection reset"):
		return FailureNetwork
	case strings.Contains(msg, "bad gateway") || strings.Contains(msg, "service unavailable") ||
		strings.Contains(msg, "502") || strings.Contains(msg, "503"):
		return FailureServer
	case strings.Contains(msg, "forbidden") || strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "401") || strings.Contains(msg, "403"):
		return FailurePermission
	}
	return FailureUnknown
}

// carrierInterference reports whether a socket closure looks like a
// carrier-grade NAT killing the connection: abrupt or status-less closes and
// TLS-level failures, or any unclean closure.
func carrierInterference(closeCode int, clean bool) bool {
	switch closeCode {
	case websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived, websocket.CloseTLSHandshake:
		return true
	}
	return !clean
}
