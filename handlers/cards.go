package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/CrowderSoup/taskboard/services"
)

func (h *BoardHandler) ListBoardCards(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	cards, err := h.boards.ListBoardCards(r.Context(), p, mux.Vars(r)["boardId"])
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, cards)
}

func (h *BoardHandler) ListColumnCards(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	cards, err := h.boards.ListColumnCards(r.Context(), p, mux.Vars(r)["columnId"])
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, cards)
}

func (h *BoardHandler) CreateCard(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	var in services.CardInput
	if err := decodeBody(r, &in); err != nil {
		badRequest(w, err.Error())
		return
	}
	card, err := h.boards.CreateCard(r.Context(), p, mux.Vars(r)["columnId"], in)
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, card)
}

func (h *BoardHandler) GetCard(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	card, err := h.boards.GetCard(r.Context(), p, mux.Vars(r)["id"])
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, card)
}

func (h *BoardHandler) UpdateCard(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	var patch services.CardPatch
	if err := decodeBody(r, &patch); err != nil {
		badRequest(w, err.Error())
		return
	}
	card, err := h.boards.UpdateCard(r.Context(), p, mux.Vars(r)["id"], patch)
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, card)
}

// MoveCard relocates a card. A missing newPosition puts the card first.
func (h *BoardHandler) MoveCard(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	var req struct {
		NewColumnID string `json:"newColumnId"`
		NewPosition int    `json:"newPosition"`
	}
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if req.NewColumnID == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "validation failed",
			map[string]string{"newColumnId": "is required"})
		return
	}
	move, err := h.boards.MoveCard(r.Context(), p, mux.Vars(r)["cardId"], req.NewColumnID, req.NewPosition)
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, move.Card)
}

func (h *BoardHandler) DeleteCard(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	card, err := h.boards.DeleteCard(r.Context(), p, mux.Vars(r)["id"])
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Card deleted successfully", "id": card.ID})
}
