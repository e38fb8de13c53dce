package api

import (
	"errors"
	"net/http"
	"unicode/utf8"

	"github.com/paracord-chat/paracord/internal/auth"
	"github.com/paracord-chat/paracord/internal/db"
	"github.com/paracord-chat/paracord/internal/event"
	"github.com/paracord-chat/paracord/internal/models"
	"github.com/paracord-chat/paracord/internal/presence"
	"github.com/paracord-chat/paracord/internal/snowflake"
)

type registerRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token string       `json:"token"`
	User  *models.User `json:"user"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !s.st.Settings().RegistrationEnabled {
		writeError(w, http.StatusForbidden, "registration is disabled")
		return
	}

	var req registerRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if !validUsername(req.Username, s.st.Config.Limits.MaxNameLength) {
		writeError(w, http.StatusBadRequest, "invalid username")
		return
	}
	if utf8.RuneCountInString(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "password too short")
		return
	}

	digest, err := auth.HashPassword(req.Password)
	if err != nil {
		s.fail(w, err)
		return
	}

	user := &models.User{
		ID:        s.st.NewID(),
		Username:  req.Username,
		Password:  digest,
		CreatedAt: nowUTC(),
	}
	if err := s.st.DB.CreateUser(r.Context(), user); err != nil {
		if errors.Is(err, db.ErrConflict) {
			writeError(w, http.StatusConflict, "username taken")
			return
		}
		s.fail(w, err)
		return
	}

	token, err := s.tokens.Create(user.ID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tokenResponse{Token: token, User: user})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}

	user, err := s.st.DB.UserByUsername(r.Context(), req.Username)
	if err != nil {
		// Same response as a bad password; do not leak which usernames exist.
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if !auth.VerifyPassword(req.Password, user.Password) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := s.tokens.Create(user.ID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: token, User: user})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user, err := s.st.DB.UserByID(r.Context(), requestUserID(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleMyGuilds(w http.ResponseWriter, r *http.Request) {
	guilds, err := s.st.DB.GuildsForUser(r.Context(), requestUserID(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	if guilds == nil {
		guilds = []models.Guild{}
	}
	writeJSON(w, http.StatusOK, guilds)
}

type statusRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	userID := requestUserID(r)

	var req statusRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	switch req.Status {
	case presence.StatusOnline, presence.StatusIdle, presence.StatusDND, presence.StatusOffline:
	default:
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}

	if s.st.Presence != nil {
		if err := s.st.Presence.SetStatus(r.Context(), userID, req.Status); err != nil {
			s.fail(w, err)
			return
		}
	}

	guilds, err := s.st.DB.GuildsForUser(r.Context(), userID)
	if err != nil {
		s.fail(w, err)
		return
	}
	guildIDs := make([]snowflake.ID, len(guilds))
	for i, guild := range guilds {
		guildIDs[i] = guild.ID
	}

	recipients := s.st.Members.PresenceRecipients(userID, guildIDs)
	targets := make([]snowflake.ID, 0, len(recipients)+1)
	for id := range recipients {
		targets = append(targets, id)
	}
	if s.st.Config.Limits.PresenceToSelf {
		targets = append(targets, userID)
	}
	if len(targets) > 0 {
		s.st.Bus.Publish(event.Event{
			Type:          event.TypePresenceUpdate,
			Payload:       map[string]interface{}{"user_id": userID, "status": req.Status},
			TargetUserIDs: targets,
		})
	}
	w.WriteHeader(http.StatusNoContent)
}

func validUsername(name string, maxLen int) bool {
	n := utf8.RuneCountInString(name)
	if n < 2 || n > maxLen {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
		default:
			return false
		}
	}
	return true
}
