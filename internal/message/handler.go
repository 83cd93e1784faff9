package message

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-intake/internal/access"
	"github.com/ovaphlow/pitchfork/service-intake/internal/message/entity"
	"github.com/ovaphlow/pitchfork/service-intake/pkg/utilities"
)

// Handler exposes the message disclosure endpoints.
type Handler struct {
	svc       *Service
	logger    *zap.SugaredLogger
	ingestKey string
}

func NewHandler(svc *Service, logger *zap.SugaredLogger, ingestKey string) *Handler {
	return &Handler{svc: svc, logger: logger, ingestKey: ingestKey}
}

// ListMeta handles GET /api/v1/tenants/{tenantId}/messages.
func (h *Handler) ListMeta(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.ListMeta(r.Context(), access.FromContext(r.Context()),
		mux.Vars(r)["tenantId"], r.URL.Query().Get("workspaceId"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	utilities.WriteJSON(w, http.StatusOK, out)
}

// GetContent handles GET /api/v1/tenants/{tenantId}/messages/{messageId}.
func (h *Handler) GetContent(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	m, err := h.svc.GetContent(r.Context(), access.FromContext(r.Context()), vars["tenantId"], vars["messageId"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	utilities.WriteJSON(w, http.StatusOK, m)
}

// Ingest handles POST /api/v1/ingest/messages, authenticated by the shared ingest key.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	if h.ingestKey == "" || subtle.ConstantTimeCompare([]byte(r.Header.Get("X-Ingest-Key")), []byte(h.ingestKey)) != 1 {
		utilities.WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Ingest key required")
		return
	}
	var in entity.Message
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		utilities.WriteError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	m, err := h.svc.Ingest(r.Context(), in)
	if err != nil {
		h.writeError(w, err)
		return
	}
	utilities.WriteJSON(w, http.StatusCreated, map[string]string{"id": m.ID})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, access.ErrUnauthorized):
		utilities.WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Session required")
	case errors.Is(err, access.ErrForbidden):
		utilities.WriteError(w, http.StatusForbidden, "FORBIDDEN", "Role may not view message content")
	case errors.Is(err, access.ErrNotFound):
		utilities.WriteError(w, http.StatusNotFound, "NOT_FOUND", "Message not found")
	case errors.Is(err, ErrInvalidMessage):
		utilities.WriteError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	default:
		h.logger.Errorw("message request failed", "err", err)
		utilities.WriteError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Request failed")
	}
}
