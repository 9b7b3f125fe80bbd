package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/CrowderSoup/taskboard/logging"
	"github.com/CrowderSoup/taskboard/services"
)

// Pinger is a dependency /api/ready checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Auth    *services.AuthService
	Boards  *services.BoardService
	Hub     *services.Hub
	Origins []string
	Logger  logging.Logger
	Checks  map[string]Pinger
}

// NewRouter builds the API router.
func NewRouter(deps Deps) *mux.Router {
	log := deps.Logger
	if log == nil {
		log = logging.Discard()
	}

	r := mux.NewRouter()
	r.Use(RequestLogger(log))

	r.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	r.HandleFunc("/api/ready", readiness(deps.Checks, log)).Methods(http.MethodGet)

	boardHandler := NewBoardHandler(deps.Boards, log)
	sessionHandler := NewSessionHandler(deps.Hub, deps.Boards, deps.Origins, log)
	authMiddleware := NewAuthMiddleware(deps.Auth, deps.Boards, log)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(authMiddleware.Auth)

	api.HandleFunc("/users/me", boardHandler.Profile).Methods(http.MethodGet)

	// Boards
	api.HandleFunc("/boards", boardHandler.ListBoards).Methods(http.MethodGet)
	api.HandleFunc("/boards", boardHandler.CreateBoard).Methods(http.MethodPost)
	api.HandleFunc("/boards/{id}", boardHandler.GetBoard).Methods(http.MethodGet)
	api.HandleFunc("/boards/{id}", boardHandler.UpdateBoard).Methods(http.MethodPut)
	api.HandleFunc("/boards/{id}", boardHandler.DeleteBoard).Methods(http.MethodDelete)
	api.HandleFunc("/boards/{id}/members", boardHandler.AddMember).Methods(http.MethodPost)
	api.HandleFunc("/boards/{id}/members/{userId}", boardHandler.RemoveMember).Methods(http.MethodDelete)

	// Columns
	api.HandleFunc("/boards/{boardId}/columns", boardHandler.ListColumns).Methods(http.MethodGet)
	api.HandleFunc("/boards/{boardId}/columns", boardHandler.CreateColumn).Methods(http.MethodPost)
	api.HandleFunc("/boards/{boardId}/columns/reorder", boardHandler.ReorderColumns).Methods(http.MethodPut)
	api.HandleFunc("/columns/{id}", boardHandler.GetColumn).Methods(http.MethodGet)
	api.HandleFunc("/columns/{id}", boardHandler.UpdateColumn).Methods(http.MethodPut)
	api.HandleFunc("/columns/{id}", boardHandler.DeleteColumn).Methods(http.MethodDelete)

	// Cards. The list routes go first so "boards" and "columns" are not
	// taken for card ids.
	api.HandleFunc("/cards/boards/{boardId}/cards", boardHandler.ListBoardCards).Methods(http.MethodGet)
	api.HandleFunc("/cards/columns/{columnId}/cards", boardHandler.ListColumnCards).Methods(http.MethodGet)
	api.HandleFunc("/cards/{cardId}/move", boardHandler.MoveCard).Methods(http.MethodPatch)
	api.HandleFunc("/cards/{columnId}", boardHandler.CreateCard).Methods(http.MethodPost)
	api.HandleFunc("/cards/{id}", boardHandler.GetCard).Methods(http.MethodGet)
	api.HandleFunc("/cards/{id}", boardHandler.UpdateCard).Methods(http.MethodPut)
	api.HandleFunc("/cards/{id}", boardHandler.DeleteCard).Methods(http.MethodDelete)

	// WebSocket route for real-time updates
	api.HandleFunc("/ws", sessionHandler.HandleWebSocket)

	return r
}

func readiness(checks map[string]Pinger, log logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := map[string]string{}
		ready := true
		for name, check := range checks {
			if err := check.Ping(ctx); err != nil {
				log.Warn(ctx, "readiness check failed", "check", name, "error", err)
				status[name] = "unavailable"
				ready = false
				continue
			}
			status[name] = "ok"
		}
		if !ready {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "checks": status})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "checks": status})
	}
}
