// Package proto defines the named-message contract spoken over the
// signaling channel. Payload shapes only; framing belongs to the
// websocket transport.
package proto

import (
	"encoding/json"

	"github.com/peerwave/peerwave/internal/core"
	"github.com/peerwave/peerwave/internal/domain"
)

const (
	// client -> server, once after connect
	EventAddNewUser = "addNewUser"
	// server -> all clients, after every presence change
	EventGetUsers = "getUsers"
	// client -> server, call initiation request
	EventCall = "call"
	// server -> receiver only
	EventIncomingCall = "incomingCall"
	// bidirectional negotiation relay
	EventWebRTCSignal = "webrtcSignal"
	// client -> server -> other participant
	EventHangup = "hangup"
)

// Envelope frames every message: an event name plus its payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// SocketUser is one presence-directory entry.
type SocketUser struct {
	UserID   domain.UserID  `json:"userId"`
	SocketID core.ConnID    `json:"socketId"`
	Profile  domain.Profile `json:"profile"`
}

// Participants is the fixed caller/receiver pair of one call.
type Participants struct {
	Caller   SocketUser `json:"caller"`
	Receiver SocketUser `json:"receiver"`
}

// OngoingCall identifies a call session on the wire. There is no
// session id in the contract: the server resolves the session from
// the authenticated sender, never from the payload.
type OngoingCall struct {
	Participants Participants `json:"participants"`
}

// WebRTCSignal carries one negotiation payload. SDP stays an opaque
// blob: the server relays it verbatim and never inspects it.
type WebRTCSignal struct {
	SDP         json.RawMessage `json:"sdp"`
	OngoingCall OngoingCall     `json:"ongoingCall"`
	IsCaller    bool            `json:"isCaller"`
}

// Hangup tells the other participant the call is over.
type Hangup struct {
	OngoingCall     OngoingCall   `json:"ongoingCall"`
	UserHangingupID domain.UserID `json:"userHangingupId"`
}

// Encode wraps a payload into an envelope frame.
func Encode(event string, payload any) (core.Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return nil, err
	}
	return core.Frame(b), nil
}
