package services

import "context"

const (
	EventBoardUpdated     = "board-updated"
	EventBoardDeleted     = "board-deleted"
	EventMemberAdded      = "member-added"
	EventMemberRemoved    = "member-removed"
	EventColumnCreated    = "column-created"
	EventColumnUpdated    = "column-updated"
	EventColumnDeleted    = "column-deleted"
	EventColumnsReordered = "columns-reordered"
	EventCardCreated      = "card-created"
	EventCardEdited       = "card-edited"
	EventCardUpdated      = "card-updated"
	EventCardDeleted      = "card-deleted"
)

// Event is one committed board change addressed to a board room.
type Event struct {
	BoardID string
	// Origin is the session that caused the change; it does not receive
	// the event.
	Origin string
	// Evict names a user whose sessions leave the room once the event has
	// been delivered.
	Evict   string
	Payload any
}

// Message is the wire shape of every event except card relocation.
type Message struct {
	Type    string `json:"type"`
	BoardID string `json:"boardId,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// CardMoved is sent for a relocation.
type CardMoved struct {
	Type       string `json:"type"`
	BoardID    string `json:"boardId"`
	CardID     string `json:"cardId"`
	FromColumn string `json:"fromColumn"`
	ToColumn   string `json:"toColumn"`
	Position   int    `json:"position"`
}

// Broadcaster delivers committed changes to board subscribers.
type Broadcaster interface {
	Publish(ctx context.Context, ev Event)
}

type nopBroadcaster struct{}

func (nopBroadcaster) Publish(context.Context, Event) {}

type originKey struct{}

// WithOrigin marks ctx as acting on behalf of a realtime session.
func WithOrigin(ctx context.Context, sessionID string) context.Context {
	if sessionID == "" {
		return ctx
	}
	return context.WithValue(ctx, originKey{}, sessionID)
}

func OriginFrom(ctx context.Context) string {
	id, _ := ctx.Value(originKey{}).(string)
	return id
}

func boardEvent(ctx context.Context, typ, boardID string, data any) Event {
	return Event{
		BoardID: boardID,
		Origin:  OriginFrom(ctx),
		Payload: Message{Type: typ, BoardID: boardID, Data: data},
	}
}
