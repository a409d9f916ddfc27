package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"

	"github.com/erikscolaro/ironlink/internal/domain"
	"github.com/erikscolaro/ironlink/internal/store"
)

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type authResponse struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

func validCredentials(req *credentialsRequest) string {
	if n := utf8.RuneCountInString(req.Username); n < 3 || n > 32 {
		return "username must be between 3 and 32 characters"
	}
	if n := len(req.Password); n < 8 || n > 72 {
		return "password must be between 8 and 72 bytes"
	}
	return ""
}

func (h *Handlers) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg := validCredentials(&req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not process password")
		return
	}

	user, err := h.store.CreateUser(r.Context(), req.Username, string(hash))
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			writeError(w, http.StatusConflict, "username already taken")
			return
		}
		h.logger.Error().Err(err).Msg("Failed to create user")
		writeError(w, http.StatusInternalServerError, "could not create user")
		return
	}

	token, err := h.jwt.Generate(user.ID, user.Username)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to issue token")
		writeError(w, http.StatusInternalServerError, "could not issue token")
		return
	}
	writeJSON(w, http.StatusCreated, authResponse{Token: token, User: user})
}

func (h *Handlers) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := h.store.UserByUsername(r.Context(), req.Username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		h.logger.Error().Err(err).Msg("Failed to load user")
		writeError(w, http.StatusInternalServerError, "could not log in")
		return
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := h.jwt.Generate(user.ID, user.Username)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to issue token")
		writeError(w, http.StatusInternalServerError, "could not issue token")
		return
	}
	writeJSON(w, http.StatusOK, authResponse{Token: token, User: user})
}

func (h *Handlers) handleMe(w http.ResponseWriter, r *http.Request) {
	user, err := h.store.UserByID(r.Context(), claims(r).UserID)
	if err != nil {
		writeError(w, storeStatus(err), "user not found")
		return
	}
	writeJSON(w, http.StatusOK, user)
}
