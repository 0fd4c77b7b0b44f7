package chat

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"go-support/internal/apperr"
	myMiddleware "go-support/internal/middleware"
	"go-support/internal/user"
)

// GuestHeader carries the browser-generated id of an anonymous customer.
const GuestHeader = "X-Guest-ID"

// retryAfter matches the shortest rate limit window.
const retryAfter = "60"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all for now (Dev mode)
	},
}

// RateLimiter gates session creation.
type RateLimiter interface {
	CheckAndRecord(key string) bool
}

type Handler struct {
	router  *Router
	limiter RateLimiter
	hub     *Hub
}

func NewHandler(router *Router, limiter RateLimiter, hub *Hub) *Handler {
	return &Handler{
		router:  router,
		limiter: limiter,
		hub:     hub,
	}
}

// Mount registers the support routes. Customer routes accept a bearer token or
// a guest id; the rest are staff only.
func (h *Handler) Mount(r chi.Router, auth *myMiddleware.AuthMiddleware) {
	r.Group(func(r chi.Router) {
		r.Use(auth.Optional)
		r.Post("/api/support/sessions", h.StartSession)
		r.Get("/api/support/sessions/{id}", h.GetSession)
		r.Post("/api/support/sessions/{id}/messages", h.PostMessage)
		r.Get("/api/support/sessions/{id}/messages", h.GetMessages)
		r.Post("/api/support/sessions/{id}/close", h.CloseSession)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.Handle)
		r.Use(myMiddleware.RequireRole(string(user.RoleStaff)))
		r.Get("/api/support/sessions", h.ListSessions)
		r.Post("/api/support/assign", h.AssignWaiting)
		r.Get("/ws/staff", h.ServeStaffWs)
	})
}

type startSessionRequest struct {
	FirstMessage string `json:"first_message"`
}

type messageRequest struct {
	Content string `json:"content"`
}

type assignResponse struct {
	Assigned int `json:"assigned"`
}

// caller is who is making a request: a staff member or a customer (signed in
// or guest).
type caller struct {
	staffID    string
	customerID string
	limitKey   string
}

func (c caller) isStaff() bool { return c.staffID != "" }

func callerFrom(r *http.Request) (caller, error) {
	if id, ok := myMiddleware.UserID(r.Context()); ok {
		if myMiddleware.Role(r.Context()) == string(user.RoleStaff) {
			return caller{staffID: id}, nil
		}
		return caller{customerID: id, limitKey: "user:" + id}, nil
	}
	guest := strings.TrimSpace(r.Header.Get(GuestHeader))
	if guest == "" {
		return caller{}, apperr.New(apperr.CodeUnauthenticated, "sign in or send "+GuestHeader)
	}
	return caller{customerID: "guest:" + guest, limitKey: "ip:" + clientIP(r)}, nil
}

// clientIP relies on chi's RealIP middleware having rewritten RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// StartSession handles POST /api/support/sessions.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	c, err := callerFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if c.isStaff() {
		writeError(w, apperr.Forbidden("staff cannot open support sessions"))
		return
	}

	// the body is optional
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, apperr.InvalidArgument("invalid JSON body"))
		return
	}

	// only a new session is charged to the limiter
	admit := func() bool { return h.limiter.CheckAndRecord(c.limitKey) }
	s, err := h.router.StartSessionAdmitted(r.Context(), c.customerID, req.FirstMessage, admit)
	if errors.Is(err, apperr.ErrRateLimited) {
		log.Warn().Str("limit_key", c.limitKey).Msg("session creation rate limited")
		w.Header().Set("Retry-After", retryAfter)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// ListSessions handles GET /api/support/sessions?status= (staff).
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.router.ListSessions(r.Context(), Status(r.URL.Query().Get("status")))
	if err != nil {
		writeError(w, err)
		return
	}
	if sessions == nil {
		sessions = []*Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// GetSession handles GET /api/support/sessions/{id}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	s, _, err := h.authorizedSession(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// PostMessage handles POST /api/support/sessions/{id}/messages.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	s, c, err := h.authorizedSession(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.InvalidArgument("invalid JSON body"))
		return
	}

	senderType, senderID := SenderCustomer, c.customerID
	if c.isStaff() {
		senderType, senderID = SenderStaff, c.staffID
	}
	m, err := h.router.SaveMessage(r.Context(), s.ID, senderType, &senderID, req.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// GetMessages handles GET /api/support/sessions/{id}/messages.
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	s, _, err := h.authorizedSession(r)
	if err != nil {
		writeError(w, err)
		return
	}
	msgs, err := h.router.Messages(r.Context(), s.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []*Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// CloseSession handles POST /api/support/sessions/{id}/close.
func (h *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	s, _, err := h.authorizedSession(r)
	if err != nil {
		writeError(w, err)
		return
	}
	closed, err := h.router.EndSession(r.Context(), s.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	if closed == nil {
		// deleted between the lookup and the close
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, closed)
}

// AssignWaiting handles POST /api/support/assign (staff).
func (h *Handler) AssignWaiting(w http.ResponseWriter, r *http.Request) {
	n, err := h.router.AssignWaiting(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, assignResponse{Assigned: n})
}

// authorizedSession loads {id} and checks the caller may see it. Customers
// only see their own sessions; a foreign session is reported as missing.
func (h *Handler) authorizedSession(r *http.Request) (*Session, caller, error) {
	c, err := callerFrom(r)
	if err != nil {
		return nil, c, err
	}
	s, err := h.router.Session(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return nil, c, err
	}
	if !c.isStaff() && s.CustomerID != c.customerID {
		return nil, c, apperr.NotFound("session not found")
	}
	return s, c, nil
}

// ServeStaffWs handles GET /ws/staff. The socket is the staff member's
// presence: it keeps them online and receives their notices.
func (h *Handler) ServeStaffWs(w http.ResponseWriter, r *http.Request) {
	staffID, ok := myMiddleware.UserID(r.Context())
	if !ok || myMiddleware.Role(r.Context()) != string(user.RoleStaff) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("staff_id", staffID).Msg("websocket upgrade failed")
		return
	}

	client := NewClient(h.hub, conn, staffID)
	if !h.hub.Register(client) {
		conn.Close()
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), presenceTimeout)
	defer cancel()
	first, err := h.hub.Connect(ctx, staffID)
	if err != nil {
		log.Error().Err(err).Str("staff_id", staffID).Msg("failed to mark staff online")
		h.hub.Unregister(client)
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()

	if first {
		n, err := h.router.AssignWaiting(ctx)
		if err != nil {
			log.Error().Err(err).Str("staff_id", staffID).Msg("assigning waiting sessions failed")
		} else if n > 0 {
			log.Info().Str("staff_id", staffID).Int("assigned", n).Msg("assigned waiting sessions")
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error   apperr.Code `json:"error"`
	Message string      `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	code := apperr.CodeOf(err)
	status := code.HTTPStatus()
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
		msg = "internal error"
	}
	writeJSON(w, status, errorResponse{Error: code, Message: msg})
}
