package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/felipepmaragno/quotaguard/internal/domain"
)

type UsageReader interface {
	Usage(ctx context.Context, actorID string) (*domain.UsageRecord, error)
}

// AdminHandler serves operator endpoints. Authentication is applied by the caller.
type AdminHandler struct {
	usage UsageReader
	mux   *http.ServeMux
}

type usageDocument struct {
	ActorID string `json:"actorId"`
	*domain.UsageRecord
}

func NewAdminHandler(usage UsageReader) *AdminHandler {
	h := &AdminHandler{
		usage: usage,
		mux:   http.NewServeMux(),
	}
	h.mux.HandleFunc("GET /admin/usage/{actorID}", h.getUsage)
	return h
}

func (h *AdminHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *AdminHandler) getUsage(w http.ResponseWriter, r *http.Request) {
	actorID := r.PathValue("actorID")

	rec, err := h.usage.Usage(r.Context(), actorID)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidReservation) {
			writeError(w, http.StatusNotFound, "actor not found", codeNotFound)
			return
		}
		slog.Error("failed to read usage", "error", err, "actor_id", actorID)
		writeInternalError(w)
		return
	}

	writeJSON(w, http.StatusOK, usageDocument{ActorID: actorID, UsageRecord: rec})
}
