package models

import "encoding/json"

// SignalType represents the type of a signaling message
type SignalType string

const (
	SignalTypeOffer           SignalType = "offer"
	SignalTypeAnswer          SignalType = "answer"
	SignalTypeICECandidate    SignalType = "ice-candidate"
	SignalTypeJoinCall        SignalType = "join-call"
	SignalTypeLeaveCall       SignalType = "leave-call"
	SignalTypeCaptureRequest  SignalType = "capture-request"
	SignalTypeCaptureComplete SignalType = "capture-complete"
	SignalTypeCaptureError    SignalType = "capture-error"
	SignalTypeChatMessage     SignalType = "chat-message"
	SignalTypeICERestart      SignalType = "ice-restart-request"
	SignalTypeUserJoined      SignalType = "user-joined"
	SignalTypeUserLeft        SignalType = "user-left"
	SignalTypeImageCaptured   SignalType = "image-captured"
)

// Well-known participant roles. Any other value is treated as a generated id.
const (
	RoleCoordinator = "coordinator"
	RoleInspector   = "inspector"
)

// TransportMode tags which channel carried a message. Informational only;
// the registry routes by callId/userId regardless of transport.
type TransportMode string

const (
	TransportWebSocket TransportMode = "websocket"
	TransportPolling   TransportMode = "polling"
)

// SignalMessage is the single wire entity exchanged between the two
// participants of a call room.
type SignalMessage struct {
	Type      SignalType      `json:"type"`
	CallID    string          `json:"callId"`
	UserID    string          `json:"userId"`
	Data      json.RawMessage `json:"data,omitempty"`
	Transport TransportMode   `json:"transport,omitempty"`
	// MessageID is the dedup key for polling delivery; set whenever the
	// message may be retried.
	MessageID string    `json:"messageId,omitempty"`
	Timestamp int64     `json:"timestamp,omitempty"`
	Metadata  *Metadata `json:"metadata,omitempty"`
}

// Metadata carries diagnostic annotations stamped by the sending client.
// Never consulted for routing.
type Metadata struct {
	NetworkType    string `json:"networkType,omitempty"`
	CarrierRisk    bool   `json:"carrierRisk,omitempty"`
	FallbackReason string `json:"fallbackReason,omitempty"`
	RTTMillis      int64  `json:"rttMs,omitempty"`
	Quality        string `json:"quality,omitempty"`
}

// SendResponse is the body returned by POST /signaling/send.
type SendResponse struct {
	Success   bool          `json:"success"`
	Transport TransportMode `json:"transport"`
}

// PollResponse is the body returned by GET /signaling/poll/:callId/:userId.
// Timeout is true when the long poll elapsed with no messages queued.
type PollResponse struct {
	Messages []SignalMessage `json:"messages"`
	Timeout  bool            `json:"timeout"`
}
