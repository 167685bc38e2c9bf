package client

import (
	"github.com/Vitch01/Fields-Inspection-System-sub001/internal/models"
)

// Event is one occurrence on a transport's inbound stream: either a
// delivered message or the terminal closure of the channel. After a closure
// event the stream is closed and the transport is dead.
type Event struct {
	Msg       *models.SignalMessage
	Closed    bool
	CloseCode int // websocket close code, 0 when not applicable
	Clean     bool
	Err       error
}

// Transport is the uniform open/send/close contract shared by the socket
// and polling channels. Open blocks until the channel is usable or the
// attempt fails; inbound traffic and the terminal closure arrive on Events.
// Close is idempotent and silences the event stream.
type Transport interface {
	Open() error
	Send(msg models.SignalMessage) error
	Events() <-chan Event
	Close()
}
