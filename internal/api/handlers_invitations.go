package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/erikscolaro/ironlink/internal/domain"
	"github.com/erikscolaro/ironlink/internal/store"
	"github.com/erikscolaro/ironlink/internal/ws"
)

type createInvitationRequest struct {
	ChatID    int64 `json:"chat_id"`
	InviteeID int64 `json:"invitee_id"`
}

func (h *Handlers) handleCreateInvitation(w http.ResponseWriter, r *http.Request) {
	var req createInvitationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	user := claims(r)
	ctx := r.Context()

	membership, err := h.store.MembershipFor(ctx, user.UserID, req.ChatID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusForbidden, "not a member of this chat")
			return
		}
		writeError(w, http.StatusInternalServerError, "could not create invitation")
		return
	}
	if !membership.Role.CanInvite() {
		writeError(w, http.StatusForbidden, "only owners and admins can invite")
		return
	}

	if req.InviteeID == user.UserID {
		writeError(w, http.StatusBadRequest, "cannot invite yourself")
		return
	}
	invitee, err := h.store.UserByID(ctx, req.InviteeID)
	if err != nil {
		writeError(w, storeStatus(err), "invitee not found")
		return
	}
	if member, err := h.store.IsMember(ctx, invitee.ID, req.ChatID); err != nil {
		writeError(w, http.StatusInternalServerError, "could not create invitation")
		return
	} else if member {
		writeError(w, http.StatusConflict, "user is already a member")
		return
	}
	if pending, err := h.store.HasPendingInvitation(ctx, req.ChatID, invitee.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "could not create invitation")
		return
	} else if pending {
		writeError(w, http.StatusConflict, "user already has a pending invitation")
		return
	}

	inv, err := h.store.CreateInvitation(ctx, req.ChatID, user.UserID, invitee.ID)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to create invitation")
		writeError(w, http.StatusInternalServerError, "could not create invitation")
		return
	}

	// Push the enriched payload to the invitee's live connections. Offline
	// invitees find it via GET /invitations instead; delivery here is
	// online-only by design.
	if detail, err := h.invitationDetail(r, inv); err == nil {
		h.presence.Signal(invitee.ID, ws.InvitationSignal(detail))
	}

	writeJSON(w, http.StatusCreated, inv)
}

// invitationDetail joins an invitation with its inviter and chat rows into
// the payload pushed over the control plane.
func (h *Handlers) invitationDetail(r *http.Request, inv domain.Invitation) (*domain.InvitationDetail, error) {
	inviter, err := h.store.UserByID(r.Context(), inv.InviterID)
	if err != nil {
		return nil, err
	}
	chat, err := h.store.ChatByID(r.Context(), inv.ChatID)
	if err != nil {
		return nil, err
	}
	return &domain.InvitationDetail{
		InviteID:  inv.ID,
		State:     inv.State,
		CreatedAt: inv.CreatedAt,
		Inviter:   inviter,
		Chat:      chat,
	}, nil
}

func (h *Handlers) handleListInvitations(w http.ResponseWriter, r *http.Request) {
	invs, err := h.store.PendingInvitationsFor(r.Context(), claims(r).UserID)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list invitations")
		writeError(w, http.StatusInternalServerError, "could not list invitations")
		return
	}
	writeJSON(w, http.StatusOK, invs)
}

// loadOwnInvitation parses the path id and checks the invitation belongs to
// the authenticated user.
func (h *Handlers) loadOwnInvitation(w http.ResponseWriter, r *http.Request) (domain.Invitation, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid invitation id")
		return domain.Invitation{}, false
	}
	inv, err := h.store.InvitationByID(r.Context(), id)
	if err != nil {
		writeError(w, storeStatus(err), "invitation not found")
		return domain.Invitation{}, false
	}
	if inv.InviteeID != claims(r).UserID {
		writeError(w, http.StatusForbidden, "not your invitation")
		return domain.Invitation{}, false
	}
	if inv.State != domain.InvitePending {
		writeError(w, http.StatusConflict, "invitation already settled")
		return domain.Invitation{}, false
	}
	return inv, true
}

func (h *Handlers) handleAcceptInvitation(w http.ResponseWriter, r *http.Request) {
	inv, ok := h.loadOwnInvitation(w, r)
	if !ok {
		return
	}

	accepted, err := h.store.AcceptInvitation(r.Context(), inv.ID, time.Now().UTC())
	if err != nil {
		writeError(w, storeStatus(err), "could not accept invitation")
		return
	}

	// Live connections subscribe to the new chat right away.
	h.presence.Signal(accepted.InviteeID, ws.AddChatSignal(accepted.ChatID))

	writeJSON(w, http.StatusOK, accepted)
}

func (h *Handlers) handleDeclineInvitation(w http.ResponseWriter, r *http.Request) {
	inv, ok := h.loadOwnInvitation(w, r)
	if !ok {
		return
	}

	declined, err := h.store.DeclineInvitation(r.Context(), inv.ID)
	if err != nil {
		writeError(w, storeStatus(err), "could not decline invitation")
		return
	}
	writeJSON(w, http.StatusOK, declined)
}
