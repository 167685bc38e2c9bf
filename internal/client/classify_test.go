package client

import (
	"errors"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

func TestClassifyCloseCodes(t *testing.T) {
	tests := []struct {
		name string
		code int
		err  error
		want FailureKind
	}{
		{"abnormal closure", websocket.CloseAbnormalClosure, nil, FailureNetwork},
		{"no status", websocket.CloseNoStatusReceived, nil, FailureNetwork},
		{"tls handshake", websocket.CloseTLSHandshake, nil, FailureNetwork},
		{"internal error", websocket.CloseInternalServerErr, nil, FailureServer},
		{"service restart", websocket.CloseServiceRestart, nil, FailureServer},
		{"try again later", websocket.CloseTryAgainLater, nil, FailureServer},
		{"policy violation", websocket.ClosePolicyViolation, nil, FailurePermission},
		{"unsupported data", websocket.CloseUnsupportedData, nil, FailurePermission},
		{"no code no error", 0, nil, FailureUnknown},
		{"timeout message", 0, errors.New("dial tcp: i/o timeout"), FailureTimeout},
		{"deadline message", 0, errors.New("context deadline exceeded"), FailureTimeout},
		{"refused message", 0, errors.New("dial tcp: connection refused"), FailureNetwork},
		{"reset message", 0, errors.New("read: connection reset by peer"), FailureNetwork},
		{"bad gateway message", 0, errors.New("websocket: bad handshake: 502 bad gateway"), FailureServer},
		{"forbidden message", 0, errors.New("handshake rejected: 403 forbidden"), FailurePermission},
		{"anything else", 0, errors.New("flux capacitor misaligned"), FailureUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyFailure(tt.code, tt.err))
		})
	}
}

func TestCarrierInterference(t *testing.T) {
	assert.True(t, carrierInterference(websocket.CloseAbnormalClosure, false))
	assert.True(t, carrierInterference(websocket.CloseNoStatusReceived, false))
	assert.True(t, carrierInterference(websocket.CloseTLSHandshake, false))
	// Unclean closure with any code still looks like interference.
	assert.True(t, carrierInterference(websocket.CloseInternalServerErr, false))
	// Clean server-side closes are not.
	assert.False(t, carrierInterference(websocket.CloseNormalClosure, true))
	assert.False(t, carrierInterference(websocket.CloseGoingAway, true))
}
