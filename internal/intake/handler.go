package intake

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-intake/internal/access"
	"github.com/ovaphlow/pitchfork/service-intake/pkg/utilities"
)

// Handler exposes issuance (session required) and redemption (public) endpoints.
type Handler struct {
	svc    *Service
	logger *zap.SugaredLogger
}

func NewHandler(svc *Service, logger *zap.SugaredLogger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// IssueRequest is the body of both issuance endpoints.
type IssueRequest struct {
	Channels       []string `json:"channels"`
	ExpiresInHours int      `json:"expiresInHours"`
}

// IssueForWorkspace handles POST /api/v1/workspaces/{workspaceId}/intake-links.
func (h *Handler) IssueForWorkspace(w http.ResponseWriter, r *http.Request) {
	var req IssueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utilities.WriteError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	issued, err := h.svc.IssueForExistingWorkspace(r.Context(), access.FromContext(r.Context()),
		mux.Vars(r)["workspaceId"], req.Channels, req.ExpiresInHours)
	if err != nil {
		h.writeIssueError(w, err)
		return
	}
	utilities.WriteJSON(w, http.StatusCreated, issued)
}

// IssueForNewClient handles POST /api/v1/intake-links.
func (h *Handler) IssueForNewClient(w http.ResponseWriter, r *http.Request) {
	var req IssueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utilities.WriteError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	issued, err := h.svc.IssueForNewClient(r.Context(), access.FromContext(r.Context()), req.Channels, req.ExpiresInHours)
	if err != nil {
		h.writeIssueError(w, err)
		return
	}
	utilities.WriteJSON(w, http.StatusCreated, map[string]string{"url": issued.URL})
}

// List handles GET /api/v1/workspaces/{workspaceId}/intake-links and the
// tenant-wide GET /api/v1/intake-links?workspaceId=.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	ws := mux.Vars(r)["workspaceId"]
	if ws == "" {
		ws = r.URL.Query().Get("workspaceId")
	}
	links, err := h.svc.ListLinks(r.Context(), access.FromContext(r.Context()), ws)
	if err != nil {
		h.writeIssueError(w, err)
		return
	}
	utilities.WriteJSON(w, http.StatusOK, links)
}

// Verify handles GET /intake/{token}; it never consumes the link.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Preview(r.Context(), mux.Vars(r)["token"])
	if err != nil {
		h.logger.Errorw("intake preview failed", "err", err)
		utilities.WriteError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Verification failed")
		return
	}
	switch res.Outcome {
	case OutcomeValid:
		utilities.WriteJSON(w, http.StatusOK, map[string]any{"status": res.Outcome.String(), "claims": res.Claims})
	case OutcomeExpired:
		utilities.WriteJSON(w, http.StatusGone, map[string]string{"status": res.Outcome.String()})
	default:
		utilities.WriteJSON(w, http.StatusNotFound, map[string]string{"status": res.Outcome.String()})
	}
}

// Redeem handles POST /intake/{token}/redeem.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	red, err := h.svc.Redeem(r.Context(), mux.Vars(r)["token"])
	switch {
	case err == nil:
		utilities.WriteJSON(w, http.StatusOK, map[string]any{"status": "redeemed", "claims": red.Claims})
	case errors.Is(err, ErrLinkExpired):
		utilities.WriteJSON(w, http.StatusGone, map[string]string{"status": "expired"})
	case errors.Is(err, ErrLinkInvalid), errors.Is(err, ErrLinkUsed):
		// used links read as unavailable, same as invalid ones
		utilities.WriteJSON(w, http.StatusNotFound, map[string]string{"status": "invalid"})
	default:
		h.logger.Errorw("intake redemption failed", "err", err)
		utilities.WriteError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Redemption failed")
	}
}

func (h *Handler) writeIssueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, access.ErrUnauthorized):
		utilities.WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Session required")
	case errors.Is(err, access.ErrForbidden):
		utilities.WriteError(w, http.StatusForbidden, "FORBIDDEN", "Role may not manage intake links")
	case errors.Is(err, access.ErrNotFound):
		utilities.WriteError(w, http.StatusNotFound, "NOT_FOUND", "Not found")
	case errors.Is(err, ErrBadRequest), errors.Is(err, ErrInvalidClaims):
		utilities.WriteError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	default:
		h.logger.Errorw("intake link request failed", "err", err)
		utilities.WriteError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Request failed")
	}
}
