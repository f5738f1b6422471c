package relay

import "time"

// ItemKind separates direct messages from published items in the outbox.
type ItemKind int

// Item kinds. KindAny matches both in PendingItems filters.
const (
	KindAny ItemKind = iota
	KindMessage
	KindPublish
)

func (kind ItemKind) String() string {
	switch kind {
	case KindMessage:
		return "message"
	case KindPublish:
		return "publish"
	default:
		return "any"
	}
}

func (kind ItemKind) matches(other ItemKind) bool {
	return kind == KindAny || kind == other
}

// MaxPayloadSize bounds Payload.Data.
const MaxPayloadSize = 4 * 1024 * 1024

// Payload is the application content of an outbound item.
type Payload struct {
	ContentType string            `cbor:"content_type,omitempty" json:"content_type,omitempty"`
	Data        []byte            `cbor:"data,omitempty" json:"data,omitempty"`
	Metadata    map[string]string `cbor:"metadata,omitempty" json:"metadata,omitempty"`
}

// SendOptions tunes delivery of a single item.
type SendOptions struct {
	RequestReceipt bool `cbor:"receipt,omitempty" json:"receipt,omitempty"`
}

// OutboxItem is a queued outbound message or published item.
type OutboxItem struct {
	ID          string      `cbor:"id"`
	Kind        ItemKind    `cbor:"kind"`
	Destination []string    `cbor:"destination"`
	Payload     Payload     `cbor:"payload"`
	Options     SendOptions `cbor:"options"`
	EnqueuedAt  time.Time   `cbor:"enqueued_at"`
}

func (item *OutboxItem) clone(discardPayload bool) *OutboxItem {
	if item == nil {
		return nil
	}
	copied := *item
	copied.Destination = append([]string(nil), item.Destination...)
	if discardPayload {
		copied.Payload = Payload{ContentType: item.Payload.ContentType}
		return &copied
	}
	copied.Payload.Data = append([]byte(nil), item.Payload.Data...)
	if item.Payload.Metadata != nil {
		copied.Payload.Metadata = make(map[string]string, len(item.Payload.Metadata))
		for key, value := range item.Payload.Metadata {
			copied.Payload.Metadata[key] = value
		}
	}
	return &copied
}

func validateItem(item *OutboxItem) error {
	if item == nil {
		return NewError(ValidationError, "nil outbox item")
	}
	if item.ID == "" {
		return NewError(ValidationError, "item id is required")
	}
	if item.Kind != KindMessage && item.Kind != KindPublish {
		return NewError(ValidationError, "unknown item kind")
	}
	if len(item.Destination) == 0 {
		return NewError(ValidationError, "destination is required")
	}
	for _, destination := range item.Destination {
		if destination == "" {
			return NewError(ValidationError, "empty destination")
		}
	}
	if len(item.Payload.Data) > MaxPayloadSize {
		return NewError(ValidationError, "payload exceeds maximum size")
	}
	return nil
}

// MessageStatus reports what the client knows about an item id.
type MessageStatus int

// Message statuses. StatusUnknown covers ids never seen by this process and
// ids that aged out of the bounded history.
const (
	StatusUnknown MessageStatus = iota
	StatusPending
	StatusHandedOff
	StatusCancelled
	StatusRejected
)

func (status MessageStatus) String() string {
	switch status {
	case StatusPending:
		return "PENDING"
	case StatusHandedOff:
		return "HANDED_OFF"
	case StatusCancelled:
		return "CANCELLED"
	case StatusRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}
