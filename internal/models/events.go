package models

import (
	"encoding/json"
	"fmt"
)

type EventType string

const (
	// client -> server
	EventJoin EventType = "join"
	EventSend EventType = "send"

	// server -> client
	EventPresence EventType = "presence"
	EventMessage  EventType = "message"
)

// Envelope is the JSON frame exchanged over the channel. Only the fields
// relevant to Type are populated.
type Envelope struct {
	Type      EventType `json:"type"`
	Identity  string    `json:"identity,omitempty"`
	ID        string    `json:"id,omitempty"`
	ClientID  string    `json:"client_id,omitempty"`
	Sender    string    `json:"sender,omitempty"`
	Receiver  string    `json:"receiver,omitempty"`
	Content   string    `json:"content,omitempty"`
	IsRead    bool      `json:"is_read,omitempty"`
	Timestamp int64     `json:"timestamp,omitempty"`
	Online    []string  `json:"online,omitempty"`
}

// ServerEvent is the decoded form of an inbound frame.
type ServerEvent interface {
	isServerEvent()
}

// PresenceSnapshot carries the full set of online identities. It replaces
// any previously known set, it is not a delta.
type PresenceSnapshot struct {
	Online []string
}

// MessageReceived carries one server-confirmed message. ClientID is set
// when the message originated from this client's own send.
type MessageReceived struct {
	Message Message
}

func (PresenceSnapshot) isServerEvent() {}
func (MessageReceived) isServerEvent()  {}

// DecodeServerEvent parses an inbound frame into its typed variant.
func DecodeServerEvent(data []byte) (ServerEvent, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed event frame: %w", err)
	}

	switch env.Type {
	case EventPresence:
		return PresenceSnapshot{Online: env.Online}, nil
	case EventMessage:
		return MessageReceived{Message: Message{
			ID:        env.ID,
			ClientID:  env.ClientID,
			Sender:    env.Sender,
			Receiver:  env.Receiver,
			Content:   env.Content,
			IsRead:    env.IsRead,
			Timestamp: env.Timestamp,
			Status:    DeliveryConfirmed,
		}}, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
}

// EncodeJoin builds the frame announcing identity after connect.
func EncodeJoin(identity string) ([]byte, error) {
	return json.Marshal(Envelope{Type: EventJoin, Identity: identity})
}

// EncodeSend builds the outbound frame for a locally created message.
func EncodeSend(m Message) ([]byte, error) {
	return json.Marshal(Envelope{
		Type:     EventSend,
		ClientID: m.ClientID,
		Sender:   m.Sender,
		Receiver: m.Receiver,
		Content:  m.Content,
	})
}

// EncodePresence builds the server-side presence snapshot frame.
func EncodePresence(online []string) ([]byte, error) {
	return json.Marshal(Envelope{Type: EventPresence, Online: online})
}

// EncodeMessage builds the server-side frame for a confirmed message.
func EncodeMessage(m Message) ([]byte, error) {
	return json.Marshal(Envelope{
		Type:      EventMessage,
		ID:        m.ID,
		ClientID:  m.ClientID,
		Sender:    m.Sender,
		Receiver:  m.Receiver,
		Content:   m.Content,
		IsRead:    m.IsRead,
		Timestamp: m.Timestamp,
	})
}
