package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func newBackoffClient(hints HintsFunc) *Client {
	return New(Options{
		BaseURL:   "http://signaling.test",
		BaseDelay: 250 * time.Millisecond,
		Hints:     hints,
		Logger:    zap.NewNop(),
	})
}

func TestBackoffNonDecreasingUpToCap(t *testing.T) {
	c := newBackoffClient(desktopHints)

	prev := time.Duration(0)
	for attempt := 0; attempt < 20; attempt++ {
		d := c.backoffBase(attempt)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		assert.LessOrEqual(t, d, 30*time.Second, "attempt %d", attempt)
		prev = d
	}
	assert.Equal(t, 30*time.Second, c.backoffBase(19))
}

func TestBackoffMobileFactor(t *testing.T) {
	desktop := newBackoffClient(desktopHints)
	mobile := newBackoffClient(mobileWifiHints)

	// base × 2^2 vs base × 1.5 × 2^2
	assert.Equal(t, time.Second, desktop.backoffBase(2))
	assert.Equal(t, 1500*time.Millisecond, mobile.backoffBase(2))
}

func TestJitterWithinThirtyPercent(t *testing.T) {
	c := newBackoffClient(desktopHints)

	base := 10 * time.Second
	for i := 0; i < 100; i++ {
		d := c.withJitter(base)
		assert.GreaterOrEqual(t, d, base)
		assert.LessOrEqual(t, d, base+3*time.Second)
	}
}

func TestMobileConnectTimeoutLongerThanDesktop(t *testing.T) {
	desktop := newBackoffClient(desktopHints)
	mobile := newBackoffClient(mobileWifiHints)

	dt := desktop.buildTransportLocked().(*socketTransport)
	mt := mobile.buildTransportLocked().(*socketTransport)
	assert.Equal(t, 10*time.Second, dt.connectTimeout)
	assert.Equal(t, 15*time.Second, mt.connectTimeout)
}
