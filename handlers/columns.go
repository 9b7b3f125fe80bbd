package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/CrowderSoup/taskboard/services"
)

func (h *BoardHandler) ListColumns(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	columns, err := h.boards.ListColumns(r.Context(), p, mux.Vars(r)["boardId"])
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, columns)
}

func (h *BoardHandler) CreateColumn(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	var in services.ColumnInput
	if err := decodeBody(r, &in); err != nil {
		badRequest(w, err.Error())
		return
	}
	column, err := h.boards.CreateColumn(r.Context(), p, mux.Vars(r)["boardId"], in)
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, column)
}

func (h *BoardHandler) ReorderColumns(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	var req struct {
		ColumnIDs []string `json:"columnIds"`
	}
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if req.ColumnIDs == nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "validation failed",
			map[string]string{"columnIds": "is required"})
		return
	}
	columns, err := h.boards.ReorderColumns(r.Context(), p, mux.Vars(r)["boardId"], req.ColumnIDs)
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Columns reordered successfully", "columns": columns})
}

func (h *BoardHandler) GetColumn(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	column, err := h.boards.GetColumn(r.Context(), p, mux.Vars(r)["id"])
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, column)
}

func (h *BoardHandler) UpdateColumn(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	var patch services.ColumnPatch
	if err := decodeBody(r, &patch); err != nil {
		badRequest(w, err.Error())
		return
	}
	column, err := h.boards.UpdateColumn(r.Context(), p, mux.Vars(r)["id"], patch)
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, column)
}

func (h *BoardHandler) DeleteColumn(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	column, err := h.boards.DeleteColumn(r.Context(), p, mux.Vars(r)["id"])
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Column deleted successfully", "id": column.ID, "cards": column.Cards})
}
