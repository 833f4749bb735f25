package models

import "time"

// DeliveryStatus tracks how far a locally created message has made it.
// Messages decoded from the server are always DeliveryConfirmed.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryConfirmed DeliveryStatus = "confirmed"
	DeliveryFailed    DeliveryStatus = "failed"
)

// Message is one chat message as held by the conversation buffer.
// ID is the server-assigned id once known; until then it equals ClientID,
// the client-generated correlation id the server echoes back.
type Message struct {
	ID        string         `json:"id"`
	ClientID  string         `json:"client_id,omitempty"`
	Sender    string         `json:"sender"`
	Receiver  string         `json:"receiver"`
	Content   string         `json:"content"`
	IsRead    bool           `json:"is_read"`
	Timestamp int64          `json:"timestamp"`
	Status    DeliveryStatus `json:"-"`
}

// MessageRecord is a persisted message as the history service returns it.
type MessageRecord struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Receiver  string    `json:"receiver"`
	Content   string    `json:"content"`
	IsRead    bool      `json:"is_read"`
	CreatedAt time.Time `json:"created_at"`
}

// ToMessage converts a history record to the in-memory form, translating
// the server timestamp to epoch milliseconds.
func (r *MessageRecord) ToMessage() Message {
	return Message{
		ID:        r.ID,
		Sender:    r.Sender,
		Receiver:  r.Receiver,
		Content:   r.Content,
		IsRead:    r.IsRead,
		Timestamp: r.CreatedAt.UnixMilli(),
		Status:    DeliveryConfirmed,
	}
}
