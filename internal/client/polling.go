package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Vitch01/Fields-Inspection-System-sub001/internal/models"
)

// pollFailureLimit is how many consecutive receive failures the polling
// loop absorbs on its own before handing the problem to the reconnection
// controller.
const pollFailureLimit = 8

// pollingTransport carries signaling over plain request/response HTTP: send
// is a single POST, receive is a long-poll GET re-issued immediately after
// every response. Carrier middleboxes that kill upgraded connections leave
// ordinary HTTP alone, which is the whole point of this channel.
type pollingTransport struct {
	baseURL      string
	httpClient   *http.Client
	pollTimeout  time.Duration
	retryDelay   time.Duration
	backoffCap   time.Duration
	logger       *zap.Logger

	events chan Event
	quit   chan struct{}

	closeOnce sync.Once
	loopOnce  sync.Once

	mu       sync.Mutex
	callID   string
	userID   string
	joinBody []byte // last join-call message, re-sent on 404
}

func newPollingTransport(baseURL string, httpClient *http.Client, pollTimeout, retryDelay, backoffCap time.Duration, logger *zap.Logger) *pollingTransport {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: pollTimeout + 10*time.Second}
	}
	return &pollingTransport{
		baseURL:     baseURL,
		httpClient:  httpClient,
		pollTimeout: pollTimeout,
		retryDelay:  retryDelay,
		backoffCap:  backoffCap,
		logger:      logger.With(zap.String("transport", "polling")),
		events:      make(chan Event, 32),
		quit:        make(chan struct{}),
	}
}

// Open verifies the server is reachable. The receive loop starts lazily on
// the first join-call, which establishes this participant's identity.
func (t *pollingTransport) Open() error {
	req, err := http.NewRequest(http.MethodGet, t.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("health check: status %s", resp.Status)
	}
	return nil
}

func (t *pollingTransport) Send(msg models.SignalMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	if msg.Type == models.SignalTypeJoinCall {
		t.mu.Lock()
		t.callID = msg.CallID
		t.userID = msg.UserID
		t.joinBody = body
		t.mu.Unlock()
	}

	err = t.post(body)
	if err == errParticipantGone && msg.Type != models.SignalTypeJoinCall {
		// The server evicted us; re-join transparently and retry once.
		if err = t.rejoin(); err == nil {
			err = t.post(body)
		}
	}
	if err != nil {
		return err
	}

	if msg.Type == models.SignalTypeJoinCall {
		t.loopOnce.Do(func() { go t.pollLoop() })
	}
	return nil
}

func (t *pollingTransport) Events() <-chan Event {
	return t.events
}

func (t *pollingTransport) Close() {
	t.closeOnce.Do(func() { close(t.quit) })
}

var errParticipantGone = fmt.Errorf("participant not found")

func (t *pollingTransport) post(body []byte) error {
	req, err := http.NewRequest(http.MethodPost, t.baseURL+"/signaling/send", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	switch {
	case resp.StatusCode/100 == 2:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return errParticipantGone
	default:
		return fmt.Errorf("send: status %s", resp.Status)
	}
}

func (t *pollingTransport) rejoin() error {
	t.mu.Lock()
	body := t.joinBody
	t.mu.Unlock()
	if body == nil {
		return fmt.Errorf("no join state to replay")
	}
	return t.post(body)
}

// pollLoop sustains near-real-time delivery by re-issuing the long poll
// immediately after each response. A short fixed delay between polls avoids
// a tight loop when the server misbehaves.
func (t *pollingTransport) pollLoop() {
	defer close(t.events)

	t.mu.Lock()
	callID, userID := t.callID, t.userID
	t.mu.Unlock()

	url := fmt.Sprintf("%s/signaling/poll/%s/%s", t.baseURL, callID, userID)
	failures := 0
	var lastErr error

	for {
		select {
		case <-t.quit:
			return
		default:
		}

		batch, status, err := t.pollOnce(url)
		switch {
		case err == nil && status == http.StatusNotFound:
			// Evicted (idle timeout or server restart): re-join and
			// resume. Invisible to the caller unless re-join fails.
			t.logger.Info("participant evicted, re-joining")
			if err := t.rejoin(); err != nil {
				failures++
				lastErr = err
				t.logger.Warn("re-join failed", zap.Error(err))
			} else {
				failures = 0
			}
		case err != nil:
			failures++
			lastErr = err
			t.logger.Warn("poll failed", zap.Int("failures", failures), zap.Error(err))
		default:
			failures = 0
			for i := range batch {
				msg := batch[i]
				t.events <- Event{Msg: &msg}
			}
		}

		if failures >= pollFailureLimit {
			t.events <- Event{Closed: true, Err: fmt.Errorf("polling gave up after %d failures: %w", failures, lastErr)}
			return
		}

		delay := t.retryDelay
		if failures > 0 {
			// Capped exponential backoff, shorter cap than the socket
			// reconnection policy since polling is already resilient.
			delay = t.retryDelay * (1 << failures)
			if delay > t.backoffCap {
				delay = t.backoffCap
			}
		}
		select {
		case <-time.After(delay):
		case <-t.quit:
			return
		}
	}
}

func (t *pollingTransport) pollOnce(url string) ([]models.SignalMessage, int, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusNotFound {
		return nil, http.StatusNotFound, nil
	}
	if resp.StatusCode/100 != 2 {
		return nil, resp.StatusCode, fmt.Errorf("poll: status %s", resp.Status)
	}

	var pr models.PollResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("poll: decode: %w", err)
	}
	return pr.Messages, resp.StatusCode, nil
}
