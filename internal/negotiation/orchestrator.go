// Package negotiation drives the two-party offer/answer/ICE exchange from
// delivered signaling messages. It owns no transport logic: messages come in
// through HandleMessage, replies go out through the injected Sender.
package negotiation

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/Vitch01/Fields-Inspection-System-sub001/internal/models"
)

// Sender delivers a signaling message to the other participant. Satisfied
// by the signaling client.
type Sender interface {
	Send(msg models.SignalMessage) error
}

// PeerConnection is the slice of the native peer-connection surface the
// orchestrator drives. *webrtc.PeerConnection satisfies it directly; media
// acquisition and rendering stay with the embedding application.
type PeerConnection interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	Close() error
}

// Factory creates a fresh peer connection for each negotiation round.
type Factory func() (PeerConnection, error)

// Orchestrator consumes delivered signaling messages for one call session.
// The coordinator always initiates; the inspector only answers. Candidates
// arriving before a remote description are buffered, never applied early.
type Orchestrator struct {
	role       string
	callID     string
	newPeer    Factory
	sender     Sender
	onPeerLeft func()
	logger     *zap.Logger

	mu           sync.Mutex
	pc           PeerConnection
	remoteSet    bool
	pending      []webrtc.ICECandidateInit
	leftSignaled bool
}

func New(role, callID string, factory Factory, sender Sender, onPeerLeft func(), logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		role:       role,
		callID:     callID,
		newPeer:    factory,
		sender:     sender,
		onPeerLeft: onPeerLeft,
		logger:     logger.With(zap.String("role", role), zap.String("callId", callID)),
	}
}

// HandleMessage reacts to one delivered signaling message. Wire it to the
// client's OnMessage. Unknown types are ignored; they belong to other layers
// (chat, capture pipeline).
func (o *Orchestrator) HandleMessage(msg models.SignalMessage) {
	var err error
	switch msg.Type {
	case models.SignalTypeUserJoined:
		err = o.handleUserJoined()
	case models.SignalTypeOffer:
		err = o.handleOffer(msg.Data)
	case models.SignalTypeAnswer:
		err = o.handleAnswer(msg.Data)
	case models.SignalTypeICECandidate:
		err = o.handleCandidate(msg.Data)
	case models.SignalTypeICERestart:
		err = o.handleICERestart()
	case models.SignalTypeUserLeft, models.SignalTypeLeaveCall:
		o.handlePeerLeft()
	default:
		return
	}
	if err != nil {
		o.logger.Warn("negotiation step failed",
			zap.String("type", string(msg.Type)), zap.Error(err))
	}
}

// SendLocalCandidate forwards a locally gathered ICE candidate to the other
// participant. Wire it to the peer connection's OnICECandidate callback.
func (o *Orchestrator) SendLocalCandidate(init webrtc.ICECandidateInit) {
	data, err := json.Marshal(init)
	if err != nil {
		o.logger.Warn("failed to encode candidate", zap.Error(err))
		return
	}
	if err := o.send(models.SignalTypeICECandidate, data); err != nil {
		o.logger.Warn("failed to send candidate", zap.Error(err))
	}
}

// Close tears down local negotiation state without signaling peer-left.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.teardownLocked()
	o.mu.Unlock()
}

// handleUserJoined: the coordinator (re)creates an offer whenever the other
// side appears, including after the inspector reconnects.
func (o *Orchestrator) handleUserJoined() error {
	if o.role != models.RoleCoordinator {
		return nil
	}

	o.mu.Lock()
	o.leftSignaled = false
	if err := o.ensurePeerLocked(); err != nil {
		o.mu.Unlock()
		return err
	}
	pc := o.pc
	o.mu.Unlock()

	return o.offer(pc, false)
}

func (o *Orchestrator) handleOffer(data json.RawMessage) error {
	if o.role == models.RoleCoordinator {
		// Coordinator initiates; a stray offer means crossed signaling.
		return fmt.Errorf("unexpected offer for role %s", o.role)
	}

	var desc webrtc.SessionDescription
	if err := json.Unmarshal(data, &desc); err != nil {
		return fmt.Errorf("decode offer: %w", err)
	}

	o.mu.Lock()
	o.leftSignaled = false
	if err := o.ensurePeerLocked(); err != nil {
		o.mu.Unlock()
		return err
	}
	pc := o.pc
	o.mu.Unlock()

	if err := pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	o.flushCandidates(pc)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}

	payload, err := json.Marshal(answer)
	if err != nil {
		return err
	}
	return o.send(models.SignalTypeAnswer, payload)
}

func (o *Orchestrator) handleAnswer(data json.RawMessage) error {
	if o.role != models.RoleCoordinator {
		return fmt.Errorf("unexpected answer for role %s", o.role)
	}

	var desc webrtc.SessionDescription
	if err := json.Unmarshal(data, &desc); err != nil {
		return fmt.Errorf("decode answer: %w", err)
	}

	o.mu.Lock()
	pc := o.pc
	o.mu.Unlock()
	if pc == nil {
		return fmt.Errorf("answer without a local offer")
	}

	if err := pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	o.flushCandidates(pc)
	return nil
}

// handleCandidate applies a remote candidate, or buffers it while the
// remote description is not yet set. Applying early is invalid and is never
// attempted.
func (o *Orchestrator) handleCandidate(data json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(data, &init); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}

	o.mu.Lock()
	if o.pc == nil || !o.remoteSet {
		o.pending = append(o.pending, init)
		o.mu.Unlock()
		return nil
	}
	pc := o.pc
	o.mu.Unlock()

	return pc.AddICECandidate(init)
}

func (o *Orchestrator) handleICERestart() error {
	if o.role != models.RoleCoordinator {
		return nil
	}
	o.mu.Lock()
	pc := o.pc
	o.mu.Unlock()
	if pc == nil {
		return fmt.Errorf("ice restart without a peer connection")
	}
	return o.offer(pc, true)
}

// handlePeerLeft tears down negotiation state and signals the application
// exactly once, even when both a close event and an explicit leave arrive.
func (o *Orchestrator) handlePeerLeft() {
	o.mu.Lock()
	already := o.leftSignaled
	o.leftSignaled = true
	o.teardownLocked()
	o.mu.Unlock()

	if !already && o.onPeerLeft != nil {
		o.onPeerLeft()
	}
}

func (o *Orchestrator) offer(pc PeerConnection, iceRestart bool) error {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := pc.CreateOffer(opts)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	payload, err := json.Marshal(offer)
	if err != nil {
		return err
	}
	return o.send(models.SignalTypeOffer, payload)
}

// flushCandidates drains the buffer after a remote description lands.
func (o *Orchestrator) flushCandidates(pc PeerConnection) {
	o.mu.Lock()
	o.remoteSet = true
	pending := o.pending
	o.pending = nil
	o.mu.Unlock()

	for _, init := range pending {
		if err := pc.AddICECandidate(init); err != nil {
			o.logger.Warn("buffered candidate rejected", zap.Error(err))
		}
	}
}

func (o *Orchestrator) ensurePeerLocked() error {
	if o.pc != nil {
		return nil
	}
	pc, err := o.newPeer()
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}
	o.pc = pc
	o.remoteSet = false
	o.pending = nil
	return nil
}

func (o *Orchestrator) teardownLocked() {
	if o.pc != nil {
		o.pc.Close()
		o.pc = nil
	}
	o.remoteSet = false
	o.pending = nil
}

func (o *Orchestrator) send(t models.SignalType, data json.RawMessage) error {
	return o.sender.Send(models.SignalMessage{
		Type:   t,
		CallID: o.callID,
		UserID: o.role,
		Data:   data,
	})
}
