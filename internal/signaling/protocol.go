// Package signaling implements the LAN rendezvous relay that carries pairing
// payloads between a host and its guests, plus a client for it.
package signaling

// Inbound message types.
const (
	TypeRegisterHost  = "register-host"
	TypeRegisterGuest = "register-guest"
	TypeUpdateOffer   = "update-offer"
	TypeSubmitAnswer  = "submit-answer"
	TypePing          = "ping"
)

// Outbound message types.
const (
	TypeStatus      = "status"
	TypeHostOffer   = "host-offer"
	TypeGuestAnswer = "guest-answer"
	TypePong        = "pong"
	TypeError       = "error"
)

// Status values carried by TypeStatus.
const (
	StatusHostRegistered  = "host-registered"
	StatusGuestRegistered = "guest-registered"
	StatusReplaced        = "replaced"
	StatusHostLeft        = "host-left"
)

// Message is one JSON text frame in either direction.
type Message struct {
	Type    string `json:"type"`
	RoomID  string `json:"roomId,omitempty"`
	Payload string `json:"payload,omitempty"`
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
}

func statusMsg(status string) Message { return Message{Type: TypeStatus, Status: status} }

func errorMsg(text string) Message { return Message{Type: TypeError, Message: text} }
