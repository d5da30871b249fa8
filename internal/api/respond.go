package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/tgnichols/schemabase/internal/domain"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError maps domain error kinds onto HTTP statuses: caller mistakes are
// 400, unknown schemas/documents/versions 404, conflicts 409, everything
// else 500 with the detail kept out of the response body.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case domain.IsValidation(err):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case domain.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrVersionConflict),
		errors.Is(err, domain.ErrVersionNotRevertable),
		errors.Is(err, domain.ErrNoStateAtVersion):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
	}
}

func decodeBody(r *http.Request, into any) error {
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(into); err != nil {
		return domain.NewValidationError("body", "malformed JSON: %v", err)
	}
	return nil
}

// parseVersion parses a positive integer version from the boundary.
func parseVersion(field, raw string) (int64, error) {
	version, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || version < 1 {
		return 0, domain.NewValidationError(field, "must be a positive integer, got %q", raw)
	}
	return version, nil
}

// parseLimit rejects out-of-range limits outright rather than clamping;
// clamping only happens as a service-level backstop.
func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < domain.MinPageLimit || limit > domain.MaxPageLimit {
		return 0, domain.NewValidationError("limit", "must be an integer between %d and %d, got %q",
			domain.MinPageLimit, domain.MaxPageLimit, raw)
	}
	return limit, nil
}

func parsePage(raw string) (int, error) {
	if raw == "" {
		return 1, nil
	}
	page, err := strconv.Atoi(raw)
	if err != nil || page < 1 {
		return 0, domain.NewValidationError("page", "must be a positive integer, got %q", raw)
	}
	return page, nil
}

func parseTime(field, raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, domain.NewValidationError(field, "must be RFC3339, got %q", raw)
	}
	return &ts, nil
}
