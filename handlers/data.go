package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/CrowderSoup/taskboard/logging"
	"github.com/CrowderSoup/taskboard/services"
)

// BoardHandler serves the board, column and card endpoints.
type BoardHandler struct {
	boards *services.BoardService
	log    logging.Logger
}

func NewBoardHandler(boards *services.BoardService, log logging.Logger) *BoardHandler {
	return &BoardHandler{
		boards: boards,
		log:    log,
	}
}

func caller(w http.ResponseWriter, r *http.Request) (services.Principal, bool) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
	}
	return p, ok
}

// Profile returns the caller and the ids of their boards.
func (h *BoardHandler) Profile(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	profile, err := h.boards.Profile(r.Context(), p)
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (h *BoardHandler) ListBoards(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	boards, err := h.boards.ListBoards(r.Context(), p)
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, boards)
}

func (h *BoardHandler) CreateBoard(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	var in services.BoardInput
	if err := decodeBody(r, &in); err != nil {
		badRequest(w, err.Error())
		return
	}
	board, err := h.boards.CreateBoard(r.Context(), p, in)
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, board)
}

func (h *BoardHandler) GetBoard(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	detail, err := h.boards.GetBoard(r.Context(), p, mux.Vars(r)["id"])
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (h *BoardHandler) UpdateBoard(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	var patch services.BoardPatch
	if err := decodeBody(r, &patch); err != nil {
		badRequest(w, err.Error())
		return
	}
	board, err := h.boards.UpdateBoard(r.Context(), p, mux.Vars(r)["id"], patch)
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, board)
}

func (h *BoardHandler) DeleteBoard(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	if err := h.boards.DeleteBoard(r.Context(), p, id); err != nil {
		respondError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Board deleted successfully", "id": id})
}

func (h *BoardHandler) AddMember(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	var in services.MemberInput
	if err := decodeBody(r, &in); err != nil {
		badRequest(w, err.Error())
		return
	}
	user, err := h.boards.AddMember(r.Context(), p, mux.Vars(r)["id"], in)
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (h *BoardHandler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	if err := h.boards.RemoveMember(r.Context(), p, vars["id"], vars["userId"]); err != nil {
		respondError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Member removed successfully", "userId": vars["userId"]})
}
