package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/CrowderSoup/taskboard/logging"
	"github.com/CrowderSoup/taskboard/services"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

// decodeBody reads a JSON object into target. An empty body leaves target
// untouched.
func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func badRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, "BAD_REQUEST", message, nil)
}

// respondError renders a service error. Storage failures are logged with
// their cause and reported with a generic message.
func respondError(w http.ResponseWriter, r *http.Request, log logging.Logger, err error) {
	var de *services.DomainError
	if !errors.As(err, &de) {
		log.Error(r.Context(), "unhandled error", "request_id", RequestID(r.Context()), "error", err)
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil)
		return
	}
	if de.Status >= http.StatusInternalServerError {
		log.Error(r.Context(), "request failed", "request_id", RequestID(r.Context()), "error", err)
	}
	var details any
	if len(de.Details) > 0 {
		details = de.Details
	}
	writeError(w, de.Status, de.Code, de.Message, details)
}
