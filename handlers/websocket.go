package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/CrowderSoup/taskboard/logging"
	"github.com/CrowderSoup/taskboard/services"
)

// SessionHandler upgrades authenticated requests to realtime sessions.
type SessionHandler struct {
	hub      *services.Hub
	boards   *services.BoardService
	log      logging.Logger
	upgrader websocket.Upgrader
}

// NewSessionHandler accepts handshakes from the given origins; "*" allows
// any origin.
func NewSessionHandler(hub *services.Hub, boards *services.BoardService, origins []string, log logging.Logger) *SessionHandler {
	return &SessionHandler{
		hub:    hub,
		boards: boards,
		log:    log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     allowOrigins(origins),
		},
	}
}

func allowOrigins(origins []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range origins {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

// HandleWebSocket runs the session until the connection closes.
func (h *SessionHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn(r.Context(), "websocket upgrade failed", "error", err)
		return
	}

	dispatcher := &sessionDispatcher{hub: h.hub, boards: h.boards, principal: p}
	client := services.NewClient(h.hub, conn, p.UserID, dispatcher)
	h.hub.Register(client)
	client.Reply(services.Message{Type: "session", Data: map[string]string{"sessionId": client.ID}})
	h.log.Debug(r.Context(), "websocket session opened", "session_id", client.ID, "user_id", p.UserID)

	go client.WritePump()
	client.ReadPump(r.Context())
}

// sessionDispatcher handles the messages a session sends.
type sessionDispatcher struct {
	hub       *services.Hub
	boards    *services.BoardService
	principal services.Principal
}

type boardRequest struct {
	BoardID string `json:"boardId"`
}

type moveRequest struct {
	CardID   string `json:"cardId"`
	ToColumn string `json:"toColumn"`
	Position int    `json:"position"`
}

func (d *sessionDispatcher) Dispatch(ctx context.Context, c *services.Client, msg services.Inbound) {
	switch msg.Type {
	case "join-board":
		var req boardRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil || req.BoardID == "" {
			replyError(c, msg.Type, invalid("boardId", "is required"))
			return
		}
		if _, err := d.boards.Gate().Authorize(ctx, d.principal, req.BoardID, services.PermRead); err != nil {
			replyError(c, msg.Type, err)
			return
		}
		d.hub.Subscribe(c, req.BoardID)
		c.Reply(services.Message{Type: "joined", BoardID: req.BoardID})

	case "leave-board":
		var req boardRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil || req.BoardID == "" {
			replyError(c, msg.Type, invalid("boardId", "is required"))
			return
		}
		d.hub.Unsubscribe(c, req.BoardID)
		c.Reply(services.Message{Type: "left", BoardID: req.BoardID})

	case "move-card":
		var req moveRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			replyError(c, msg.Type, invalid("data", "malformed move"))
			return
		}
		if req.CardID == "" || req.ToColumn == "" {
			replyError(c, msg.Type, invalid("cardId", "cardId and toColumn are required"))
			return
		}
		move, err := d.boards.MoveCard(ctx, d.principal, req.CardID, req.ToColumn, req.Position)
		if err != nil {
			replyError(c, msg.Type, err)
			return
		}
		// The broadcast skips this session, so it gets the result directly.
		c.Reply(services.CardMoved{
			Type:       services.EventCardUpdated,
			BoardID:    move.ToBoard,
			CardID:     move.Card.ID,
			FromColumn: move.FromColumn,
			ToColumn:   move.ToColumn,
			Position:   move.Position,
		})

	default:
		replyError(c, msg.Type, invalid("type", "unknown message type "+msg.Type))
	}
}

type sessionError struct {
	Request string `json:"request,omitempty"`
	Code    string `json:"code"`
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

func invalid(field, message string) error {
	return &services.DomainError{
		Status:  http.StatusBadRequest,
		Code:    services.ErrValidation.Code,
		Message: services.ErrValidation.Message,
		Details: map[string]string{field: message},
	}
}

// replyError reports a failure to the sending session only.
func replyError(c *services.Client, request string, err error) {
	out := sessionError{Request: request, Code: "SERVER_ERROR", Error: "Server error"}
	var de *services.DomainError
	if errors.As(err, &de) {
		out.Code, out.Error = de.Code, de.Message
		if len(de.Details) > 0 {
			out.Details = de.Details
		}
	}
	c.Reply(services.Message{Type: "error", Data: out})
}
