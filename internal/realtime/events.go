package realtime

import (
	"encoding/json"
	"time"
)

// Eventos trocados com o gateway.
const (
	EventRoomJoin          = "sos:room:join"
	EventRoomLeave         = "leave-room"
	EventTypingStart       = "message:typing:start"
	EventTypingStop        = "message:typing:stop"
	EventLocationBroadcast = "location:broadcast"
	EventMessageBroadcast  = "message:broadcast"
	EventStatusBroadcast   = "sos:status:broadcast"
	EventParticipantJoined = "participant:joined"
	EventParticipantLeft   = "participant:left"
	EventError             = "error"
)

// Envelope é o formato de todo frame: {"event": "...", "data": {...}}.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

func encodeFrame(event string, data any) ([]byte, error) {
	return json.Marshal(outbound{Event: event, Data: data})
}

type joinRoomPayload struct {
	SosID       string `json:"sosId"`
	UserType    string `json:"userType"`
	DisplayName string `json:"displayName"`
}

type roomPayload struct {
	SosID string `json:"sosId"`
}

type LocationBroadcast struct {
	UserID    string    `json:"userId"`
	SosID     string    `json:"sosId"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Accuracy  float64   `json:"accuracy"`
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"deviceId"`
}

type MessageBroadcast struct {
	ID                string    `json:"id"`
	SosID             string    `json:"sosId"`
	SenderType        string    `json:"senderType"`
	SenderID          string    `json:"senderId"`
	SenderDisplayName string    `json:"senderDisplayName"`
	ContentType       string    `json:"contentType"`
	Content           string    `json:"content"`
	CreatedAt         time.Time `json:"createdAt"`
}

type StatusBroadcast struct {
	SosID     string    `json:"sosId"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updatedAt"`
	UpdatedBy string    `json:"updatedBy"`
}

// TypingEvent serve para início e fim de digitação.
type TypingEvent struct {
	SosID       string `json:"sosId"`
	DisplayName string `json:"displayName"`
}

// ParticipantEvent serve para entrada e saída de participantes da sala.
type ParticipantEvent struct {
	SosID       string    `json:"sosId,omitempty"`
	UserID      string    `json:"userId"`
	UserRole    string    `json:"userRole"`
	DisplayName string    `json:"displayName"`
	Timestamp   time.Time `json:"timestamp"`
}

// ServerError é o evento "error" enviado pelo gateway.
type ServerError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (e ServerError) Error() string {
	if e.Code != "" {
		return "realtime: " + e.Code + ": " + e.Message
	}
	return "realtime: " + e.Message
}
