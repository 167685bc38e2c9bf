package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Vitch01/Fields-Inspection-System-sub001/config"
	"github.com/Vitch01/Fields-Inspection-System-sub001/internal/models"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := New(config.SignalingConfig{
		PollTimeout:    150 * time.Millisecond,
		IdleEviction:   time.Minute,
		DedupCacheSize: 16,
	}, zaptest.NewLogger(t))
	t.Cleanup(reg.Close)
	return reg
}

type fakeSocket struct {
	mu     sync.Mutex
	pushed []models.SignalMessage
	err    error
}

func (f *fakeSocket) Push(msg models.SignalMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.pushed = append(f.pushed, msg)
	return nil
}

func (f *fakeSocket) messages() []models.SignalMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.SignalMessage, len(f.pushed))
	copy(out, f.pushed)
	return out
}

func chat(callID, from, text string) models.SignalMessage {
	return models.SignalMessage{
		Type:   models.SignalTypeChatMessage,
		CallID: callID,
		UserID: from,
		Data:   []byte(`{"text":"` + text + `"}`),
	}
}

func TestRouteNeverEchoesToSender(t *testing.T) {
	reg := newTestRegistry(t)

	require.NoError(t, reg.Join("c1", models.RoleCoordinator, nil))
	require.NoError(t, reg.Join("c1", models.RoleInspector, nil))
	require.NoError(t, reg.Send(chat("c1", models.RoleCoordinator, "hi")))

	msgs, timedOut, err := reg.Poll(context.Background(), "c1", models.RoleInspector)
	require.NoError(t, err)
	assert.False(t, timedOut)
	// user-joined from the coordinator's side never reaches the inspector
	// (it joined second); only the chat message does.
	require.Len(t, msgs, 1)
	assert.Equal(t, models.SignalTypeChatMessage, msgs[0].Type)
	assert.Equal(t, models.RoleCoordinator, msgs[0].UserID)

	// The coordinator's inbox holds the inspector's user-joined, not its
	// own chat message.
	msgs, timedOut, err = reg.Poll(context.Background(), "c1", models.RoleCoordinator)
	require.NoError(t, err)
	assert.False(t, timedOut)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.SignalTypeUserJoined, msgs[0].Type)
	assert.Equal(t, models.RoleInspector, msgs[0].UserID)
}

func TestOfferAnswerDeliveredExactlyOnce(t *testing.T) {
	reg := newTestRegistry(t)

	require.NoError(t, reg.Join("c1", models.RoleCoordinator, nil))
	require.NoError(t, reg.Join("c1", models.RoleInspector, nil))

	// Drain the coordinator's user-joined notification first.
	_, _, err := reg.Poll(context.Background(), "c1", models.RoleCoordinator)
	require.NoError(t, err)

	offer := models.SignalMessage{
		Type: models.SignalTypeOffer, CallID: "c1",
		UserID: models.RoleCoordinator, MessageID: "m-offer",
	}
	require.NoError(t, reg.Send(offer))

	msgs, _, err := reg.Poll(context.Background(), "c1", models.RoleInspector)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.SignalTypeOffer, msgs[0].Type)

	answer := models.SignalMessage{
		Type: models.SignalTypeAnswer, CallID: "c1",
		UserID: models.RoleInspector, MessageID: "m-answer",
	}
	require.NoError(t, reg.Send(answer))

	msgs, _, err = reg.Poll(context.Background(), "c1", models.RoleCoordinator)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.SignalTypeAnswer, msgs[0].Type)

	// No duplicates across two consecutive polls.
	msgs, timedOut, err := reg.Poll(context.Background(), "c1", models.RoleCoordinator)
	require.NoError(t, err)
	assert.True(t, timedOut)
	assert.Empty(t, msgs)
}

func TestDuplicateMessageIDDropped(t *testing.T) {
	reg := newTestRegistry(t)

	require.NoError(t, reg.Join("c1", models.RoleCoordinator, nil))
	require.NoError(t, reg.Join("c1", models.RoleInspector, nil))

	msg := chat("c1", models.RoleCoordinator, "hi")
	msg.MessageID = "retry-1"
	require.NoError(t, reg.Send(msg))
	require.NoError(t, reg.Send(msg)) // client-side retry

	msgs, _, err := reg.Poll(context.Background(), "c1", models.RoleInspector)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestRoomAllowsAtMostTwoParticipants(t *testing.T) {
	reg := newTestRegistry(t)

	require.NoError(t, reg.Join("c1", models.RoleCoordinator, nil))
	require.NoError(t, reg.Join("c1", models.RoleInspector, nil))
	assert.ErrorIs(t, reg.Join("c1", "intruder", nil), ErrRoomFull)

	// Re-join of an existing participant is always allowed.
	require.NoError(t, reg.Join("c1", models.RoleInspector, nil))
}

func TestSendFromUnknownParticipant(t *testing.T) {
	reg := newTestRegistry(t)

	err := reg.Send(chat("nope", "ghost", "hi"))
	assert.ErrorIs(t, err, ErrUnknownParticipant)

	require.NoError(t, reg.Join("c1", models.RoleCoordinator, nil))
	err = reg.Send(chat("c1", "ghost", "hi"))
	assert.ErrorIs(t, err, ErrUnknownParticipant)
}

func TestPollUnknownParticipant(t *testing.T) {
	reg := newTestRegistry(t)

	_, _, err := reg.Poll(context.Background(), "c1", models.RoleInspector)
	assert.ErrorIs(t, err, ErrUnknownParticipant)
}

func TestPollTimesOutEmpty(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.Join("c1", models.RoleCoordinator, nil))

	start := time.Now()
	msgs, timedOut, err := reg.Poll(context.Background(), "c1", models.RoleCoordinator)
	require.NoError(t, err)
	assert.True(t, timedOut)
	assert.Empty(t, msgs)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestPendingPollWokenBySend(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.Join("c1", models.RoleCoordinator, nil))
	require.NoError(t, reg.Join("c1", models.RoleInspector, nil))

	done := make(chan []models.SignalMessage, 1)
	go func() {
		msgs, _, err := reg.Poll(context.Background(), "c1", models.RoleInspector)
		if err != nil {
			done <- nil
			return
		}
		done <- msgs
	}()

	time.Sleep(20 * time.Millisecond) // let the poll attach
	require.NoError(t, reg.Send(chat("c1", models.RoleCoordinator, "wake up")))

	select {
	case msgs := <-done:
		require.Len(t, msgs, 1)
		assert.Equal(t, models.SignalTypeChatMessage, msgs[0].Type)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("pending poll was not woken by the send")
	}
}

func TestSocketPushPreferredOverInbox(t *testing.T) {
	reg := newTestRegistry(t)
	sock := &fakeSocket{}

	require.NoError(t, reg.Join("c1", models.RoleCoordinator, nil))
	require.NoError(t, reg.Join("c1", models.RoleInspector, sock))
	require.NoError(t, reg.Send(chat("c1", models.RoleCoordinator, "hi")))

	require.Len(t, sock.messages(), 1)

	// Nothing queued: the socket got it.
	msgs, timedOut, err := reg.Poll(context.Background(), "c1", models.RoleInspector)
	require.NoError(t, err)
	assert.True(t, timedOut)
	assert.Empty(t, msgs)
}

func TestPushFailureFallsBackToInbox(t *testing.T) {
	reg := newTestRegistry(t)
	sock := &fakeSocket{err: errors.New("buffer full")}

	require.NoError(t, reg.Join("c1", models.RoleCoordinator, nil))
	require.NoError(t, reg.Join("c1", models.RoleInspector, sock))
	require.NoError(t, reg.Send(chat("c1", models.RoleCoordinator, "hi")))

	msgs, _, err := reg.Poll(context.Background(), "c1", models.RoleInspector)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestLeaveNotifiesOtherSide(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.Join("c1", models.RoleCoordinator, nil))
	require.NoError(t, reg.Join("c1", models.RoleInspector, nil))
	_, _, err := reg.Poll(context.Background(), "c1", models.RoleCoordinator) // drain user-joined
	require.NoError(t, err)

	reg.Leave("c1", models.RoleInspector)

	msgs, _, err := reg.Poll(context.Background(), "c1", models.RoleCoordinator)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.SignalTypeUserLeft, msgs[0].Type)
	assert.Equal(t, models.RoleInspector, msgs[0].UserID)
}

func TestIdleParticipantsEvictedAndRoomCollected(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.Join("c1", models.RoleCoordinator, nil))
	require.NoError(t, reg.Join("c1", models.RoleInspector, nil))

	// Well past the liveness window.
	reg.sweep(time.Now().Add(2 * time.Minute))
	reg.sweep(time.Now().Add(2 * time.Minute))

	_, _, err := reg.Poll(context.Background(), "c1", models.RoleCoordinator)
	assert.ErrorIs(t, err, ErrUnknownParticipant)

	assert.Empty(t, reg.Status())
}

func TestDetachSocketKeepsParticipant(t *testing.T) {
	reg := newTestRegistry(t)
	sock := &fakeSocket{}

	require.NoError(t, reg.Join("c1", models.RoleCoordinator, nil))
	require.NoError(t, reg.Join("c1", models.RoleInspector, sock))

	reg.DetachSocket("c1", models.RoleInspector, sock)

	// Messages survive the switchover and land in the inbox.
	require.NoError(t, reg.Send(chat("c1", models.RoleCoordinator, "still there?")))
	msgs, _, err := reg.Poll(context.Background(), "c1", models.RoleInspector)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Empty(t, sock.messages())
}

func TestDetachIgnoresStaleSocket(t *testing.T) {
	reg := newTestRegistry(t)
	old := &fakeSocket{}
	fresh := &fakeSocket{}

	require.NoError(t, reg.Join("c1", models.RoleCoordinator, nil))
	require.NoError(t, reg.Join("c1", models.RoleInspector, old))
	require.NoError(t, reg.Join("c1", models.RoleInspector, fresh))

	// A late close event from the superseded connection must not knock out
	// its replacement.
	reg.DetachSocket("c1", models.RoleInspector, old)

	require.NoError(t, reg.Send(chat("c1", models.RoleCoordinator, "hi")))
	require.Len(t, fresh.messages(), 1)
}

func TestStatusReportsRooms(t *testing.T) {
	reg := newTestRegistry(t)
	sock := &fakeSocket{}

	require.NoError(t, reg.Join("c1", models.RoleCoordinator, sock))
	require.NoError(t, reg.Join("c1", models.RoleInspector, nil))
	require.NoError(t, reg.Send(chat("c1", models.RoleCoordinator, "queued")))

	status := reg.Status()
	require.Len(t, status, 1)
	assert.Equal(t, "c1", status[0].CallID)
	assert.Equal(t, []string{models.RoleCoordinator}, status[0].SocketClients)
	assert.Equal(t, []string{models.RoleInspector}, status[0].PollingClients)
	assert.Equal(t, 1, status[0].QueuedMessages[models.RoleInspector])
}

func TestRoomsRunIndependently(t *testing.T) {
	reg := newTestRegistry(t)

	for _, callID := range []string{"c1", "c2", "c3"} {
		require.NoError(t, reg.Join(callID, models.RoleCoordinator, nil))
		require.NoError(t, reg.Join(callID, models.RoleInspector, nil))
	}

	var wg sync.WaitGroup
	for _, callID := range []string{"c1", "c2", "c3"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				_ = reg.Send(chat(id, models.RoleCoordinator, "x"))
			}
		}(callID)
	}
	wg.Wait()

	for _, callID := range []string{"c1", "c2", "c3"} {
		msgs, _, err := reg.Poll(context.Background(), callID, models.RoleInspector)
		require.NoError(t, err)
		assert.Len(t, msgs, 20)
	}
}
