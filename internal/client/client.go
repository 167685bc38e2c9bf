package client

import (
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Vitch01/Fields-Inspection-System-sub001/internal/models"
)

// ConnState is the single source of truth for the client's connection
// lifecycle.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
	StateFailed       ConnState = "failed"
	StateMaxRetries   ConnState = "maximum-retries-exceeded"
)

// JoinState is the last successful join, retained to auto-rejoin after any
// reconnection (including transport switchover) without the caller
// re-issuing Join.
type JoinState struct {
	CallID string
	UserID string
	Extra  json.RawMessage
}

// Options configures a signaling client. Zero values get sensible defaults.
type Options struct {
	// BaseURL is the signaling server, e.g. "https://inspect.example.com".
	BaseURL string
	// SocketPaths are the candidate websocket endpoints on the same host,
	// tried in order. Most carrier blocking is endpoint-specific, so the
	// next candidate is tried immediately before any backoff.
	SocketPaths []string

	MaxRetries   int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	MobileFactor float64

	ConnectTimeout       time.Duration
	MobileConnectTimeout time.Duration

	PollTimeout    time.Duration
	PollRetryDelay time.Duration
	PollBackoffCap time.Duration

	Hints      HintsFunc
	HTTPClient *http.Client
	Logger     *zap.Logger
}

func (o *Options) withDefaults() {
	if len(o.SocketPaths) == 0 {
		o.SocketPaths = []string{"/ws/signal", "/ws/signaling", "/socket"}
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 5
	}
	if o.BaseDelay == 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay == 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.MobileFactor == 0 {
		o.MobileFactor = 1.5
	}
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.MobileConnectTimeout == 0 {
		o.MobileConnectTimeout = 15 * time.Second
	}
	if o.PollTimeout == 0 {
		o.PollTimeout = 35 * time.Second
	}
	if o.PollRetryDelay == 0 {
		o.PollRetryDelay = 50 * time.Millisecond
	}
	if o.PollBackoffCap == 0 {
		o.PollBackoffCap = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

var ErrNotConnected = errors.New("not connected")

// Client carries signaling messages between this participant and the other
// side of a call room, surviving socket failures, carrier interference and
// transport switchovers. All state is owned by one mutex; every timer and
// transport callback carries the generation token it was armed under, so a
// late callback from a superseded transport is a no-op.
type Client struct {
	opts     Options
	logger   *zap.Logger
	detector *carrierDetector

	mu          sync.Mutex
	state       ConnState
	stats       ConnectionStats
	gen         int
	mode        models.TransportMode
	active      Transport
	join        *JoinState
	endpointIdx int
	rotations   int
	timer       *time.Timer
	rng         *rand.Rand

	onMessage func(models.SignalMessage)
	onState   func(ConnState)

	notify chan ConnState

	// transportFactory is replaced in tests to script transport behavior.
	transportFactory func(mode models.TransportMode, url string, connectTimeout time.Duration) Transport
}

func New(opts Options) *Client {
	opts.withDefaults()
	c := &Client{
		opts:     opts,
		logger:   opts.Logger,
		detector: newCarrierDetector(opts.Hints),
		state:    StateDisconnected,
		mode:     models.TransportWebSocket,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		notify:   make(chan ConnState, 32),
	}
	go c.notifyLoop()
	return c
}

// OnMessage registers the handler for delivered signaling messages. Set it
// before Join.
func (c *Client) OnMessage(fn func(models.SignalMessage)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

// OnConnectionStateChange registers the state observer. Every transition is
// delivered, in order, on a dedicated goroutine.
func (c *Client) OnConnectionStateChange(fn func(ConnState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns a copy of the connection statistics.
func (c *Client) Stats() ConnectionStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stats
	if c.stats.LastError != nil {
		e := *c.stats.LastError
		st.LastError = &e
	}
	return st
}

// Join records the join state and starts connecting if the client is not
// already connected. On an established connection the join-call is sent
// right away; after any reconnection it is replayed automatically.
func (c *Client) Join(callID, userID string, extra json.RawMessage) error {
	c.mu.Lock()
	c.join = &JoinState{CallID: callID, UserID: userID, Extra: extra}

	switch c.state {
	case StateConnected:
		t := c.active
		msg := c.joinMessageLocked()
		c.mu.Unlock()
		return t.Send(msg)
	case StateConnecting, StateReconnecting:
		c.mu.Unlock()
		return nil
	default:
		// disconnected, failed or maximum-retries-exceeded: fresh session.
		c.startLocked()
		c.mu.Unlock()
		return nil
	}
}

// Send delivers one message to the other participant via the active
// transport. Returns ErrNotConnected when no transport is up; transient
// transport trouble is handled internally by the reconnection controller.
func (c *Client) Send(msg models.SignalMessage) error {
	c.mu.Lock()
	if c.state != StateConnected || c.active == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if c.join != nil {
		if msg.CallID == "" {
			msg.CallID = c.join.CallID
		}
		if msg.UserID == "" {
			msg.UserID = c.join.UserID
		}
	}
	c.stampLocked(&msg)
	t := c.active
	c.mu.Unlock()
	return t.Send(msg)
}

// Disconnect tears down the session from any state. All pending timers are
// cancelled and the remembered join state is dropped.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	t := c.active
	c.active = nil
	c.join = nil
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if t != nil {
		t.Close()
	}
}

// startLocked begins a fresh connection round. Caller holds c.mu.
func (c *Client) startLocked() {
	c.gen++
	gen := c.gen
	c.stats.ConsecutiveFailures = 0
	c.rotations = len(c.opts.SocketPaths)
	c.endpointIdx = 0

	if c.detector.skipSocket() {
		// Cellular carriers tend to kill the upgrade handshake outright;
		// a first socket attempt only wastes the connect timeout.
		c.mode = models.TransportPolling
		c.logger.Info("carrier risk detected, starting on polling transport",
			zap.String("network", c.detector.networkType()))
	} else {
		c.mode = models.TransportWebSocket
	}

	c.setStateLocked(StateConnecting)
	go c.attempt(gen)
}

// attempt opens one transport. Runs off the lock; the generation token
// guards every re-entry.
func (c *Client) attempt(gen int) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.stats.Attempts++
	t := c.buildTransportLocked()
	c.mu.Unlock()

	err := t.Open()

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		t.Close()
		return
	}
	if err != nil {
		c.mu.Unlock()
		t.Close()
		c.fail(gen, 0, false, false, err)
		return
	}

	c.active = t
	c.stats.ConsecutiveFailures = 0
	c.stats.LastConnected = time.Now()
	c.setStateLocked(StateConnected)

	var joinMsg *models.SignalMessage
	if c.join != nil {
		m := c.joinMessageLocked()
		joinMsg = &m
	}
	c.mu.Unlock()

	// Replay the remembered join exactly once per connection.
	if joinMsg != nil {
		if err := t.Send(*joinMsg); err != nil {
			c.logger.Warn("join replay failed", zap.Error(err))
		}
	}

	go c.readEvents(gen, t)
}

func (c *Client) readEvents(gen int, t Transport) {
	for ev := range t.Events() {
		if ev.Closed {
			c.fail(gen, ev.CloseCode, ev.Clean, true, ev.Err)
			return
		}
		if ev.Msg == nil {
			continue
		}
		c.mu.Lock()
		stale := gen != c.gen
		handler := c.onMessage
		c.mu.Unlock()
		if stale {
			return
		}
		if handler != nil {
			handler(*ev.Msg)
		}
	}
}

// fail is the single entry point for every transport failure: open errors,
// socket closures and polling give-ups. A stale generation is a no-op, which
// makes close handling idempotent.
func (c *Client) fail(gen, closeCode int, clean, established bool, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.gen++
	next := c.gen

	if t := c.active; t != nil {
		c.active = nil
		go t.Close()
	}

	kind := classifyFailure(closeCode, err)
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	c.stats.ConsecutiveFailures++
	c.stats.LastError = &LastError{Kind: kind, Message: msg, Timestamp: time.Now()}
	c.logger.Warn("transport failure",
		zap.String("kind", string(kind)),
		zap.Int("closeCode", closeCode),
		zap.Int("consecutiveFailures", c.stats.ConsecutiveFailures),
		zap.Error(err))

	// Carrier-grade NATs that kill sockets tend to keep killing them:
	// escalate to polling on the first interference-shaped closure instead
	// of retrying the socket.
	if established && c.mode == models.TransportWebSocket && c.detector.mobile() && carrierInterference(closeCode, clean) {
		c.detector.triggerFallback()
		c.mode = models.TransportPolling
		c.rotations = len(c.opts.SocketPaths)
		c.logger.Info("escalating to polling transport", zap.String("reason", "carrier-interference"))
		c.setStateLocked(StateReconnecting)
		c.mu.Unlock()
		go c.attempt(next)
		return
	}

	if c.stats.ConsecutiveFailures >= c.opts.MaxRetries {
		// The socket path is exhausted; on mobile the polling fallback is
		// still worth a full round before giving up.
		if c.mode == models.TransportWebSocket && c.detector.mobile() && !c.detector.fallbackTriggered {
			c.setStateLocked(StateFailed)
			c.detector.triggerFallback()
			c.mode = models.TransportPolling
			c.stats.ConsecutiveFailures = 0
			c.setStateLocked(StateReconnecting)
			c.mu.Unlock()
			go c.attempt(next)
			return
		}
		c.setStateLocked(StateMaxRetries)
		c.timer = nil
		c.mu.Unlock()
		return
	}

	c.setStateLocked(StateReconnecting)

	// Rotate through candidate endpoints with no delay first; blocking is
	// usually endpoint-specific, not network-wide.
	if c.mode == models.TransportWebSocket && c.rotations > 1 {
		c.rotations--
		c.endpointIdx = (c.endpointIdx + 1) % len(c.opts.SocketPaths)
		c.mu.Unlock()
		go c.attempt(next)
		return
	}

	c.rotations = len(c.opts.SocketPaths)
	if c.mode == models.TransportWebSocket {
		c.endpointIdx = (c.endpointIdx + 1) % len(c.opts.SocketPaths)
	}
	delay := c.withJitter(c.backoffBase(c.stats.ConsecutiveFailures))
	c.timer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if next != c.gen {
			c.mu.Unlock()
			return
		}
		c.timer = nil
		c.mu.Unlock()
		c.attempt(next)
	})
	c.mu.Unlock()
}

// backoffBase computes min(MaxDelay, BaseDelay × mobileFactor × 2^attempt).
func (c *Client) backoffBase(attempt int) time.Duration {
	factor := 1.0
	if c.detector.mobile() {
		factor = c.opts.MobileFactor
	}
	d := float64(c.opts.BaseDelay) * factor * math.Pow(2, float64(attempt))
	if d > float64(c.opts.MaxDelay) || d < 0 {
		return c.opts.MaxDelay
	}
	return time.Duration(d)
}

// withJitter adds 0–30% random jitter to spread reconnect stampedes.
func (c *Client) withJitter(d time.Duration) time.Duration {
	return d + time.Duration(c.rng.Float64()*0.3*float64(d))
}

func (c *Client) buildTransportLocked() Transport {
	timeout := c.opts.ConnectTimeout
	if c.detector.mobile() {
		// Mobile radios take longer to wake; declaring a timeout too early
		// just burns an attempt.
		timeout = c.opts.MobileConnectTimeout
	}

	if c.mode == models.TransportPolling {
		if c.transportFactory != nil {
			return c.transportFactory(c.mode, c.opts.BaseURL, timeout)
		}
		return newPollingTransport(c.opts.BaseURL, c.opts.HTTPClient,
			c.opts.PollTimeout, c.opts.PollRetryDelay, c.opts.PollBackoffCap, c.logger)
	}

	url := wsURL(c.opts.BaseURL, c.opts.SocketPaths[c.endpointIdx], c.join)
	if c.transportFactory != nil {
		return c.transportFactory(c.mode, url, timeout)
	}
	return newSocketTransport(url, timeout, c.logger)
}

func (c *Client) joinMessageLocked() models.SignalMessage {
	msg := models.SignalMessage{
		Type:   models.SignalTypeJoinCall,
		CallID: c.join.CallID,
		UserID: c.join.UserID,
		Data:   c.join.Extra,
	}
	c.stampLocked(&msg)
	return msg
}

// stampLocked fills the retry/diagnostic fields on an outbound message.
func (c *Client) stampLocked(msg *models.SignalMessage) {
	if msg.MessageID == "" {
		msg.MessageID = uuid.New().String()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	msg.Transport = c.mode
	if msg.Metadata == nil {
		msg.Metadata = &models.Metadata{}
	}
	msg.Metadata.NetworkType = c.detector.networkType()
	msg.Metadata.CarrierRisk = c.detector.fallbackTriggered
}

func (c *Client) setStateLocked(s ConnState) {
	c.state = s
	select {
	case c.notify <- s:
	default:
		// Observer is hopelessly behind; dropping beats deadlocking the
		// state machine.
		c.logger.Warn("state notification dropped", zap.String("state", string(s)))
	}
}

// notifyLoop delivers state transitions to the observer in order, off the
// state machine's lock.
func (c *Client) notifyLoop() {
	for s := range c.notify {
		c.mu.Lock()
		fn := c.onState
		c.mu.Unlock()
		if fn != nil {
			fn(s)
		}
	}
}

func wsURL(baseURL, path string, join *JoinState) string {
	url := baseURL
	switch {
	case strings.HasPrefix(url, "https://"):
		url = "wss://" + strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		url = "ws://" + strings.TrimPrefix(url, "http://")
	}
	url += path
	if join != nil {
		url += "/" + join.CallID
	}
	return url
}
