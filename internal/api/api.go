package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/erikscolaro/ironlink/internal/auth"
	"github.com/erikscolaro/ironlink/internal/domain"
	"github.com/erikscolaro/ironlink/internal/store"
	"github.com/erikscolaro/ironlink/internal/ws"
)

// Store is the persistence surface the REST handlers consume. *store.Postgres
// satisfies it; tests substitute a fake.
type Store interface {
	CreateUser(ctx context.Context, username, passwordHash string) (domain.User, error)
	UserByUsername(ctx context.Context, username string) (domain.User, error)
	UserByID(ctx context.Context, id int64) (domain.User, error)

	CreateChat(ctx context.Context, name, description string, isGroup bool, creator int64) (domain.Chat, error)
	ChatByID(ctx context.Context, id int64) (domain.Chat, error)
	ChatsForUser(ctx context.Context, userID int64) ([]domain.Chat, error)
	MembershipFor(ctx context.Context, userID, chatID int64) (domain.Membership, error)
	IsMember(ctx context.Context, userID, chatID int64) (bool, error)
	RemoveMember(ctx context.Context, userID, chatID int64) error

	MessagesForChat(ctx context.Context, chatID, userID int64, before time.Time, limit int) ([]domain.Message, error)

	CreateInvitation(ctx context.Context, chatID, inviterID, inviteeID int64) (domain.Invitation, error)
	InvitationByID(ctx context.Context, id uuid.UUID) (domain.Invitation, error)
	PendingInvitationsFor(ctx context.Context, inviteeID int64) ([]domain.Invitation, error)
	HasPendingInvitation(ctx context.Context, chatID, inviteeID int64) (bool, error)
	AcceptInvitation(ctx context.Context, id uuid.UUID, now time.Time) (domain.Invitation, error)
	DeclineInvitation(ctx context.Context, id uuid.UUID) (domain.Invitation, error)
}

// Handlers is the REST side of the server. Business operations that affect a
// user's live session (invitations, membership changes) push control signals
// through the presence registry; delivery is fire-and-forget and online-only.
type Handlers struct {
	store    Store
	presence *ws.PresenceRegistry
	jwt      *auth.JWTManager
	logger   zerolog.Logger
}

func NewHandlers(st Store, presence *ws.PresenceRegistry, jwt *auth.JWTManager, logger zerolog.Logger) *Handlers {
	return &Handlers{store: st, presence: presence, jwt: jwt, logger: logger}
}

// Register mounts all REST routes on mux.
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /auth/register", h.handleRegister)
	mux.HandleFunc("POST /auth/login", h.handleLogin)
	mux.HandleFunc("GET /users/me", h.jwt.Middleware(h.handleMe))

	mux.HandleFunc("POST /chats", h.jwt.Middleware(h.handleCreateChat))
	mux.HandleFunc("GET /chats", h.jwt.Middleware(h.handleListChats))
	mux.HandleFunc("GET /chats/{id}/messages", h.jwt.Middleware(h.handleChatMessages))
	mux.HandleFunc("POST /chats/{id}/leave", h.jwt.Middleware(h.handleLeaveChat))

	mux.HandleFunc("POST /invitations", h.jwt.Middleware(h.handleCreateInvitation))
	mux.HandleFunc("GET /invitations", h.jwt.Middleware(h.handleListInvitations))
	mux.HandleFunc("POST /invitations/{id}/accept", h.jwt.Middleware(h.handleAcceptInvitation))
	mux.HandleFunc("POST /invitations/{id}/decline", h.jwt.Middleware(h.handleDeclineInvitation))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type apiError struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiError{Error: msg})
}

// storeStatus maps store sentinels to HTTP statuses.
func storeStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// claims pulls the authenticated identity out of the request context. The
// middleware guarantees it is present on protected routes.
func claims(r *http.Request) *auth.Claims {
	c, _ := auth.UserFromContext(r.Context())
	return c
}
