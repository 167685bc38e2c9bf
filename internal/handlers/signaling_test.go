package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Vitch01/Fields-Inspection-System-sub001/config"
	"github.com/Vitch01/Fields-Inspection-System-sub001/internal/models"
	"github.com/Vitch01/Fields-Inspection-System-sub001/internal/registry"
)

func newSignalingServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := registry.New(config.SignalingConfig{
		PollTimeout:    200 * time.Millisecond,
		IdleEviction:   time.Minute,
		DedupCacheSize: 16,
	}, zaptest.NewLogger(t))
	t.Cleanup(reg.Close)

	h := NewSignalingHandler(reg, zaptest.NewLogger(t))

	router := gin.New()
	router.POST("/signaling/send", h.Send)
	router.GET("/signaling/poll/:callId/:userId", h.Poll)
	router.GET("/signaling/status", h.Status)

	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)
	return ts
}

func postMessage(t *testing.T, ts *httptest.Server, msg models.SignalMessage) *http.Response {
	t.Helper()
	body, err := json.Marshal(msg)
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+"/signaling/send", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func pollOnce(t *testing.T, ts *httptest.Server, callID, userID string) (models.PollResponse, int) {
	t.Helper()
	resp, err := http.Get(ts.URL + "/signaling/poll/" + callID + "/" + userID)
	require.NoError(t, err)
	defer resp.Body.Close()

	var pr models.PollResponse
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&pr))
	}
	return pr, resp.StatusCode
}

func join(t *testing.T, ts *httptest.Server, callID, userID string) {
	t.Helper()
	resp := postMessage(t, ts, models.SignalMessage{
		Type: models.SignalTypeJoinCall, CallID: callID, UserID: userID,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestOfferAnswerRoundTripOverHTTP(t *testing.T) {
	ts := newSignalingServer(t)

	join(t, ts, "c1", models.RoleCoordinator)
	join(t, ts, "c1", models.RoleInspector)

	// Drain the coordinator's user-joined notification.
	pr, code := pollOnce(t, ts, "c1", models.RoleCoordinator)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, pr.Messages, 1)
	assert.Equal(t, models.SignalTypeUserJoined, pr.Messages[0].Type)

	resp := postMessage(t, ts, models.SignalMessage{
		Type: models.SignalTypeOffer, CallID: "c1", UserID: models.RoleCoordinator,
		Data: json.RawMessage(`{"type":"offer","sdp":"v=0"}`), MessageID: "offer-1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sr models.SendResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sr))
	assert.True(t, sr.Success)
	assert.Equal(t, models.TransportPolling, sr.Transport)

	// The inspector's next poll returns exactly that offer once.
	pr, code = pollOnce(t, ts, "c1", models.RoleInspector)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, pr.Messages, 1)
	assert.Equal(t, models.SignalTypeOffer, pr.Messages[0].Type)
	assert.Equal(t, models.RoleCoordinator, pr.Messages[0].UserID)

	resp = postMessage(t, ts, models.SignalMessage{
		Type: models.SignalTypeAnswer, CallID: "c1", UserID: models.RoleInspector,
		Data: json.RawMessage(`{"type":"answer","sdp":"v=0"}`), MessageID: "answer-1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	pr, code = pollOnce(t, ts, "c1", models.RoleCoordinator)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, pr.Messages, 1)
	assert.Equal(t, models.SignalTypeAnswer, pr.Messages[0].Type)

	// No duplicates on the following poll.
	pr, code = pollOnce(t, ts, "c1", models.RoleCoordinator)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, pr.Timeout)
	assert.Empty(t, pr.Messages)
}

func TestSendRejectsMalformedBody(t *testing.T) {
	ts := newSignalingServer(t)

	resp, err := http.Post(ts.URL+"/signaling/send", "application/json", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Missing identity fields is equally a client error.
	resp2 := postMessage(t, ts, models.SignalMessage{Type: models.SignalTypeChatMessage})
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestSendFromEvictedParticipantIs404(t *testing.T) {
	ts := newSignalingServer(t)

	resp := postMessage(t, ts, models.SignalMessage{
		Type: models.SignalTypeChatMessage, CallID: "c1", UserID: models.RoleCoordinator,
		Data: json.RawMessage(`{"text":"hi"}`),
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPollUnknownParticipantIs404(t *testing.T) {
	ts := newSignalingServer(t)

	_, code := pollOnce(t, ts, "c1", models.RoleInspector)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestThirdParticipantConflicts(t *testing.T) {
	ts := newSignalingServer(t)

	join(t, ts, "c1", models.RoleCoordinator)
	join(t, ts, "c1", models.RoleInspector)

	resp := postMessage(t, ts, models.SignalMessage{
		Type: models.SignalTypeJoinCall, CallID: "c1", UserID: "intruder",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestStatusEndpoint(t *testing.T) {
	ts := newSignalingServer(t)

	join(t, ts, "c1", models.RoleCoordinator)
	join(t, ts, "c1", models.RoleInspector)

	resp, err := http.Get(ts.URL + "/signaling/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st models.StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	require.Len(t, st.Rooms, 1)
	assert.Equal(t, "c1", st.Rooms[0].CallID)
	assert.ElementsMatch(t, []string{models.RoleCoordinator, models.RoleInspector},
		st.Rooms[0].PollingClients)
}

func TestLongPollHeldOpenUntilMessage(t *testing.T) {
	ts := newSignalingServer(t)

	join(t, ts, "c1", models.RoleCoordinator)
	join(t, ts, "c1", models.RoleInspector)
	pollOnce(t, ts, "c1", models.RoleCoordinator) // drain user-joined

	type result struct {
		pr   models.PollResponse
		code int
	}
	done := make(chan result, 1)
	go func() {
		pr, code := pollOnce(t, ts, "c1", models.RoleInspector)
		done <- result{pr, code}
	}()

	time.Sleep(50 * time.Millisecond)
	postMessage(t, ts, models.SignalMessage{
		Type: models.SignalTypeChatMessage, CallID: "c1", UserID: models.RoleCoordinator,
		Data: json.RawMessage(`{"text":"hi"}`),
	})

	select {
	case res := <-done:
		require.Equal(t, http.StatusOK, res.code)
		require.Len(t, res.pr.Messages, 1)
		assert.False(t, res.pr.Timeout)
	case <-time.After(time.Second):
		t.Fatal("long poll did not complete after the send")
	}
}
