// Package handlers contains the HTTP request handlers for the jobs API.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/bargom/sidequest/internal/api/types"
	"github.com/bargom/sidequest/internal/pipeline"
	"github.com/bargom/sidequest/internal/store"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Handler provides the HTTP handlers for the API. All state it needs is
// injected; nothing here reaches for process globals.
type Handler struct {
	registry *pipeline.Registry
	store    *store.Store
	logger   *slog.Logger
	validate *validator.Validate
}

// New creates a Handler over the given registry and store.
func New(registry *pipeline.Registry, st *store.Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		registry: registry,
		store:    st,
		logger:   logger.With("component", "api"),
		validate: validator.New(),
	}
}

// respondJSON writes a JSON response with the given status code.
func (h *Handler) respondJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			h.logger.Error("encode response", "error", err)
		}
	}
}

// respondError writes the uniform {message, timestamp} error body.
func (h *Handler) respondError(w http.ResponseWriter, code int, message string) {
	h.respondJSON(w, code, types.NewErrorResponse(message))
}

// respondValidationError flattens validator errors into one message so the
// dashboard can show it verbatim.
func (h *Handler) respondValidationError(w http.ResponseWriter, err error) {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) {
		msg := "validation failed"
		for _, e := range validationErrs {
			msg += fmt.Sprintf(": %s %s", fieldName(e), formatValidationError(e))
		}
		h.respondError(w, http.StatusBadRequest, msg)
		return
	}
	h.respondError(w, http.StatusBadRequest, "invalid input")
}

func fieldName(e validator.FieldError) string {
	switch e.Field() {
	case "RepositoryPath":
		return "repositoryPath"
	case "Jobs":
		return "jobs"
	default:
		return e.Field()
	}
}

func formatValidationError(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must have at least " + e.Param() + " entries"
	case "max":
		return "must have at most " + e.Param() + " entries"
	default:
		return "is invalid"
	}
}

// decodeJSON decodes a JSON request body into v.
func (h *Handler) decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	return json.NewDecoder(r.Body).Decode(v)
}

// decodeAndValidate decodes and validates a JSON request.
func (h *Handler) decodeAndValidate(r *http.Request, v any) error {
	if err := h.decodeJSON(r, v); err != nil {
		return err
	}
	return h.validate.Struct(v)
}

// listOptions extracts the jobs listing query parameters. The store clamps
// the limit to its maximum.
func listOptions(r *http.Request) store.ListOptions {
	q := r.URL.Query()
	opts := store.ListOptions{
		Status:       q.Get("status"),
		Tab:          q.Get("tab"),
		IncludeTotal: q.Get("includeTotal") == "true",
	}
	if l, err := strconv.Atoi(q.Get("limit")); err == nil && l > 0 {
		opts.Limit = l
	}
	if o, err := strconv.Atoi(q.Get("offset")); err == nil && o >= 0 {
		opts.Offset = o
	}
	return opts
}

// newID builds ids like "scan-1718035200123-3f8a91bc": sortable by creation
// time, unique within a burst.
func newID(prefix string) string {
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixMilli(), uuid.NewString()[:8])
}
