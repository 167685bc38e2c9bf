package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/Vitch01/Fields-Inspection-System-sub001/config"
	"github.com/Vitch01/Fields-Inspection-System-sub001/internal/models"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

var (
	// ErrUnknownParticipant is returned when a message or poll names a
	// participant the room does not know. Polling clients treat this as
	// "re-join and resume".
	ErrUnknownParticipant = errors.New("unknown participant")

	// ErrRoomFull is returned when a third role tries to join a call room.
	ErrRoomFull = errors.New("call room already has two participants")

	// ErrClosed is returned after the registry has been shut down.
	ErrClosed = errors.New("registry closed")
)

// SocketSender is a push-capable participant handle backed by a live
// websocket connection. Push is best-effort: a full buffer or dead socket
// reports an error and the caller falls back to the inbox.
type SocketSender interface {
	Push(msg models.SignalMessage) error
}

// Registry routes signaling messages between the two participants of each
// call room. Every room is owned by a single goroutine, so participant-table
// mutation, inbox enqueue and waiter wakeup are serialized without locks;
// rooms run fully in parallel with each other.
type Registry struct {
	cfg    config.SignalingConfig
	logger *zap.Logger

	mu     sync.Mutex
	rooms  map[string]*room
	closed bool

	gcStop chan struct{}
	gcDone chan struct{}
}

// New creates a registry and starts its idle-eviction sweep.
func New(cfg config.SignalingConfig, logger *zap.Logger) *Registry {
	r := &Registry{
		cfg:    cfg,
		logger: logger,
		rooms:  make(map[string]*room),
		gcStop: make(chan struct{}),
		gcDone: make(chan struct{}),
	}
	go r.gcLoop()
	return r
}

// Close stops all room goroutines and the eviction sweep.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	rooms := r.rooms
	r.rooms = map[string]*room{}
	r.mu.Unlock()

	close(r.gcStop)
	<-r.gcDone
	for _, rm := range rooms {
		rm.stop()
	}
}

// Join registers (or refreshes) a participant in the room, creating the room
// on first join. A non-nil socket makes the handle push-capable; a nil socket
// registers a polling inbox. The other participant, if present, is notified
// with a user-joined message.
func (r *Registry) Join(callID, userID string, socket SocketSender) error {
	return r.do(callID, true, func(rm *room) error {
		return rm.join(userID, socket)
	})
}

// Leave removes a participant immediately and notifies the other side with
// user-left. Safe to call for an already-removed participant.
func (r *Registry) Leave(callID, userID string) {
	_ = r.do(callID, false, func(rm *room) error {
		rm.leave(userID, true)
		return nil
	})
}

// DetachSocket marks a participant's socket as gone without evicting the
// participant: the client may come back on either transport within the
// idle-eviction window, and queued messages survive the switchover.
func (r *Registry) DetachSocket(callID, userID string, socket SocketSender) {
	_ = r.do(callID, false, func(rm *room) error {
		rm.detachSocket(userID, socket)
		return nil
	})
}

// Send routes a message from msg.UserID to the other participant of
// msg.CallID. The message is durably enqueued (or pushed) before Send
// returns nil.
func (r *Registry) Send(msg models.SignalMessage) error {
	return r.do(msg.CallID, false, func(rm *room) error {
		return rm.route(msg)
	})
}

// Poll blocks until a message batch is available for the participant or the
// configured poll timeout elapses. The returned bool is true on timeout.
func (r *Registry) Poll(ctx context.Context, callID, userID string) ([]models.SignalMessage, bool, error) {
	var waiter chan []models.SignalMessage
	err := r.do(callID, false, func(rm *room) error {
		w, err := rm.attachWaiter(userID)
		if err != nil {
			return err
		}
		waiter = w
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	timer := time.NewTimer(r.cfg.PollTimeout)
	defer timer.Stop()

	select {
	case batch := <-waiter:
		return batch, false, nil
	case <-timer.C:
	case <-ctx.Done():
	}

	// Timed out or caller gone: detach, but drain a batch that raced in.
	_ = r.do(callID, false, func(rm *room) error {
		rm.detachWaiter(userID, waiter)
		return nil
	})
	select {
	case batch := <-waiter:
		return batch, false, nil
	default:
		return nil, true, nil
	}
}

// Participants returns the user ids currently registered in the room.
func (r *Registry) Participants(callID string) []string {
	var ids []string
	_ = r.do(callID, false, func(rm *room) error {
		ids = rm.participantIDs()
		return nil
	})
	return ids
}

// Status reports per-room diagnostics for GET /signaling/status.
func (r *Registry) Status() []models.RoomStatus {
	r.mu.Lock()
	rooms := make([]*room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		rooms = append(rooms, rm)
	}
	r.mu.Unlock()

	out := make([]models.RoomStatus, 0, len(rooms))
	for _, rm := range rooms {
		var st models.RoomStatus
		if err := rm.run(func() { st = rm.status() }); err == nil {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CallID < out[j].CallID })
	return out
}

// do runs fn inside the room's goroutine. With create=false a missing room
// yields ErrUnknownParticipant. A room stopped between lookup and dispatch is
// retried against the map once.
func (r *Registry) do(callID string, create bool, fn func(*room) error) error {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return ErrClosed
		}
		rm, ok := r.rooms[callID]
		if !ok {
			if !create {
				r.mu.Unlock()
				return ErrUnknownParticipant
			}
			rm = newRoom(callID, r.cfg, r.logger)
			r.rooms[callID] = rm
			r.logger.Info("call room created", zap.String("callId", callID))
		}
		r.mu.Unlock()

		var err error
		runErr := rm.run(func() { err = fn(rm) })
		if runErr == nil {
			return err
		}
		// Room stopped under us; loop to re-resolve.
		if !create {
			return ErrUnknownParticipant
		}
	}
}

// gcLoop evicts idle participants and collects empty rooms.
func (r *Registry) gcLoop() {
	defer close(r.gcDone)
	interval := r.cfg.IdleEviction / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.gcStop:
			return
		case now := <-ticker.C:
			r.sweep(now)
		}
	}
}

func (r *Registry) sweep(now time.Time) {
	r.mu.Lock()
	rooms := make(map[string]*room, len(r.rooms))
	for id, rm := range r.rooms {
		rooms[id] = rm
	}
	r.mu.Unlock()

	for id, rm := range rooms {
		empty := false
		if err := rm.run(func() { empty = rm.evictIdle(now) }); err != nil {
			continue
		}
		if !empty {
			continue
		}
		// Re-check emptiness while holding the map lock so a concurrent
		// join cannot land in a room we are about to drop.
		r.mu.Lock()
		if cur, ok := r.rooms[id]; ok && cur == rm {
			stillEmpty := false
			if err := rm.run(func() { stillEmpty = rm.isEmpty() }); err == nil && stillEmpty {
				delete(r.rooms, id)
				rm.stop()
				r.logger.Info("call room collected", zap.String("callId", id))
			}
		}
		r.mu.Unlock()
	}
}

// participant is one side of a call room: either a live socket handle or a
// polling inbox. Only the room goroutine touches it.
type participant struct {
	userID   string
	socket   SocketSender
	queue    []models.SignalMessage
	waiters  []chan []models.SignalMessage
	lastSeen time.Time
	seen     *lru.Cache[string, struct{}]
}

func (p *participant) idle() bool {
	return p.socket == nil && len(p.waiters) == 0 && len(p.queue) == 0
}

type room struct {
	callID string
	cfg    config.SignalingConfig
	logger *zap.Logger

	ops  chan func()
	quit chan struct{}

	participants map[string]*participant
}

func newRoom(callID string, cfg config.SignalingConfig, logger *zap.Logger) *room {
	rm := &room{
		callID:       callID,
		cfg:          cfg,
		logger:       logger.With(zap.String("callId", callID)),
		ops:          make(chan func()),
		quit:         make(chan struct{}),
		participants: make(map[string]*participant),
	}
	go rm.loop()
	return rm
}

func (rm *room) loop() {
	for {
		select {
		case op := <-rm.ops:
			op()
		case <-rm.quit:
			return
		}
	}
}

// run executes op inside the room goroutine and waits for it to finish.
func (rm *room) run(op func()) error {
	done := make(chan struct{})
	select {
	case rm.ops <- func() { op(); close(done) }:
	case <-rm.quit:
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-rm.quit:
		return ErrClosed
	}
}

func (rm *room) stop() {
	select {
	case <-rm.quit:
	default:
		close(rm.quit)
	}
}

func (rm *room) join(userID string, socket SocketSender) error {
	p, ok := rm.participants[userID]
	if !ok {
		if len(rm.participants) >= 2 {
			return ErrRoomFull
		}
		size := rm.cfg.DedupCacheSize
		if size <= 0 {
			size = 128
		}
		seen, _ := lru.New[string, struct{}](size)
		p = &participant{userID: userID, seen: seen}
		rm.participants[userID] = p
		rm.logger.Info("participant joined", zap.String("userId", userID))
	}
	p.socket = socket
	p.lastSeen = time.Now()

	// Tell the other side. A re-join after reconnect repeats this on
	// purpose: the coordinator answers user-joined with a fresh offer.
	rm.notifyOthers(userID, models.SignalTypeUserJoined)
	return nil
}

func (rm *room) leave(userID string, notify bool) {
	p, ok := rm.participants[userID]
	if !ok {
		return
	}
	rm.dropWaiters(p)
	delete(rm.participants, userID)
	rm.logger.Info("participant left", zap.String("userId", userID))
	if notify {
		rm.notifyOthers(userID, models.SignalTypeUserLeft)
	}
}

// detachSocket only clears the handle that actually closed, so a stale close
// event from a superseded connection cannot knock out its replacement.
func (rm *room) detachSocket(userID string, socket SocketSender) {
	p, ok := rm.participants[userID]
	if !ok || p.socket != socket {
		return
	}
	p.socket = nil
	p.lastSeen = time.Now()
}

func (rm *room) notifyOthers(fromUserID string, t models.SignalType) {
	msg := models.SignalMessage{
		Type:      t,
		CallID:    rm.callID,
		UserID:    fromUserID,
		Timestamp: time.Now().UnixMilli(),
	}
	for id, p := range rm.participants {
		if id != fromUserID {
			rm.deliver(p, msg)
		}
	}
}

// route delivers a message from its sender to the other participant. The
// sender must be known; the message is never echoed back to the sender.
func (rm *room) route(msg models.SignalMessage) error {
	if _, ok := rm.participants[msg.UserID]; !ok {
		return ErrUnknownParticipant
	}
	rm.participants[msg.UserID].lastSeen = time.Now()
	for id, p := range rm.participants {
		if id != msg.UserID {
			rm.deliver(p, msg)
		}
	}
	return nil
}

func (rm *room) deliver(p *participant, msg models.SignalMessage) {
	if msg.MessageID != "" {
		if _, dup := p.seen.Get(msg.MessageID); dup {
			rm.logger.Debug("duplicate message dropped",
				zap.String("messageId", msg.MessageID),
				zap.String("to", p.userID))
			return
		}
		p.seen.Add(msg.MessageID, struct{}{})
	}

	if p.socket != nil {
		if err := p.socket.Push(msg); err == nil {
			return
		}
		// Push failed: the socket is dying. Queue so the message survives
		// the client's fallback to polling.
		rm.logger.Warn("socket push failed, queueing", zap.String("to", p.userID))
	}

	p.queue = append(p.queue, msg)
	rm.wake(p)
}

// wake hands the entire queued batch to one pending long-poll, if any.
func (rm *room) wake(p *participant) {
	if len(p.waiters) == 0 || len(p.queue) == 0 {
		return
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	batch := p.queue
	p.queue = nil
	w <- batch
}

// attachWaiter returns a channel that yields the next batch. If messages are
// already queued the channel is satisfied immediately.
func (rm *room) attachWaiter(userID string) (chan []models.SignalMessage, error) {
	p, ok := rm.participants[userID]
	if !ok {
		return nil, ErrUnknownParticipant
	}
	p.lastSeen = time.Now()
	w := make(chan []models.SignalMessage, 1)
	p.waiters = append(p.waiters, w)
	rm.wake(p)
	return w, nil
}

func (rm *room) detachWaiter(userID string, w chan []models.SignalMessage) {
	p, ok := rm.participants[userID]
	if !ok {
		return
	}
	for i, cur := range p.waiters {
		if cur == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

func (rm *room) dropWaiters(p *participant) {
	for _, w := range p.waiters {
		close(w)
	}
	p.waiters = nil
}

// evictIdle removes participants past the liveness window and reports
// whether the room is now empty.
func (rm *room) evictIdle(now time.Time) bool {
	for id, p := range rm.participants {
		if p.idle() && now.Sub(p.lastSeen) > rm.cfg.IdleEviction {
			rm.logger.Info("participant evicted", zap.String("userId", id))
			rm.leave(id, true)
		}
	}
	return rm.isEmpty()
}

func (rm *room) isEmpty() bool {
	return len(rm.participants) == 0
}

func (rm *room) participantIDs() []string {
	ids := make([]string, 0, len(rm.participants))
	for id := range rm.participants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (rm *room) status() models.RoomStatus {
	st := models.RoomStatus{
		CallID:         rm.callID,
		SocketClients:  []string{},
		PollingClients: []string{},
		QueuedMessages: map[string]int{},
	}
	for id, p := range rm.participants {
		if p.socket != nil {
			st.SocketClients = append(st.SocketClients, id)
		} else {
			st.PollingClients = append(st.PollingClients, id)
		}
		st.QueuedMessages[id] = len(p.queue)
	}
	sort.Strings(st.SocketClients)
	sort.Strings(st.PollingClients)
	return st
}
