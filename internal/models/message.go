package models

// Event names a relay message. The vocabulary is shared by the relay and the
// negotiation engine.
type Event string

const (
	EventLogin     Event = "login"
	EventAck       Event = "ack"
	EventSendSDP   Event = "send_sdp"
	EventCandidate Event = "candidate"
	EventCall      Event = "call"
	EventLeave     Event = "leave"
	EventError     Event = "error"
)

// Relayed reports whether the relay fans the event out to the other room members.
func (e Event) Relayed() bool {
	switch e {
	case EventSendSDP, EventCandidate, EventCall:
		return true
	}
	return false
}

// Role is assigned by the relay on login. The publisher sends the offer, the
// subscriber answers it.
type Role string

const (
	RolePublisher  Role = "publisher"
	RoleSubscriber Role = "subscriber"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RolePublisher || r == RoleSubscriber
}

// Identity is who a participant is within a room. UserName doubles as the
// self-filter key for echoed relay messages.
type Identity struct {
	UserName string `json:"userName"`
	RoomName string `json:"roomName"`
}

// LoginRequest is the payload of a login request.
type LoginRequest struct {
	UserName string `json:"userName"`
	RoomName string `json:"roomName"`
}

// LoginAck is the relay's answer to a login request.
type LoginAck struct {
	Success bool   `json:"success"`
	Role    Role   `json:"role,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// ErrorPayload is sent by the relay when a client misuses the protocol.
type ErrorPayload struct {
	Error string `json:"error"`
}
