package user

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	myMiddleware "go-support/internal/middleware"
)

type Handler struct {
	Service *Service
}

func NewHandler(s *Service) *Handler {
	return &Handler{Service: s}
}

// Me returns the caller's identity. Requires the auth middleware.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	id, ok := myMiddleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	res, err := h.Service.Profile(r.Context(), id, myMiddleware.Username(r.Context()), Role(myMiddleware.Role(r.Context())))
	if err != nil {
		log.Error().Err(err).Str("user_id", id).Msg("profile lookup failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}
