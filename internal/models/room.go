package models

import "time"

// CallMetadata stores the persisted record of a call, queried by callId.
// The signaling layer reads these records on join; it never mutates them.
type CallMetadata struct {
	ID        string    `json:"id"`
	Code      string    `json:"code"` // Short, shareable join code (e.g., "ABCD123")
	CreatorID string    `json:"creatorId"`
	CreatedAt time.Time `json:"createdAt"`
}

// CreateCallRequest is the request body for creating a call.
type CreateCallRequest struct {
	InspectionID string `json:"inspectionId,omitempty"`
}

// CreateCallResponse is the response for creating a call.
type CreateCallResponse struct {
	CallID string `json:"callId"`
	Code   string `json:"code"`
}

// CallInfoResponse reports a call record plus live participant presence.
type CallInfoResponse struct {
	CallMetadata
	Participants []string `json:"participants"`
}

// RoomStatus describes one call room for the diagnostic status endpoint.
type RoomStatus struct {
	CallID         string         `json:"callId"`
	SocketClients  []string       `json:"socketClients"`
	PollingClients []string       `json:"pollingClients"`
	QueuedMessages map[string]int `json:"queuedMessages"`
}

// StatusResponse is the body returned by GET /signaling/status.
type StatusResponse struct {
	Rooms []RoomStatus `json:"rooms"`
}
