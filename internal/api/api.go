// Package api is the REST layer. Handlers validate input, consult the
// permission engine, mutate the database, keep the member index in step and
// publish the resulting events onto the bus.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/paracord-chat/paracord/internal/auth"
	"github.com/paracord-chat/paracord/internal/db"
	"github.com/paracord-chat/paracord/internal/models"
	"github.com/paracord-chat/paracord/internal/permissions"
	"github.com/paracord-chat/paracord/internal/snowflake"
	"github.com/paracord-chat/paracord/internal/state"
)

// Server holds the REST layer's dependencies.
type Server struct {
	st     *state.State
	tokens *auth.TokenIssuer
	log    zerolog.Logger
}

// NewServer builds the REST layer.
func NewServer(st *state.State, tokens *auth.TokenIssuer, log zerolog.Logger) *Server {
	return &Server{st: st, tokens: tokens, log: log}
}

// Routes mounts every REST endpoint on a new router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/auth/register", s.handleRegister)
	r.Post("/auth/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Get("/users/@me", s.handleMe)
		r.Get("/users/@me/guilds", s.handleMyGuilds)
		r.Put("/users/@me/status", s.handleUpdateStatus)

		r.Post("/guilds", s.handleCreateGuild)
		r.Get("/guilds/{guildID}", s.handleGetGuild)
		r.Delete("/guilds/{guildID}", s.handleDeleteGuild)

		r.Post("/guilds/{guildID}/members", s.handleJoinGuild)
		r.Delete("/guilds/{guildID}/members/{userID}", s.handleRemoveMember)

		r.Get("/guilds/{guildID}/channels", s.handleListChannels)
		r.Post("/guilds/{guildID}/channels", s.handleCreateChannel)
		r.Delete("/channels/{channelID}", s.handleDeleteChannel)
		r.Put("/channels/{channelID}/overwrites/{targetID}", s.handlePutOverwrite)
		r.Delete("/channels/{channelID}/overwrites/{targetID}", s.handleDeleteOverwrite)

		r.Get("/guilds/{guildID}/roles", s.handleListRoles)
		r.Post("/guilds/{guildID}/roles", s.handleCreateRole)
		r.Patch("/guilds/{guildID}/roles/{roleID}", s.handleUpdateRole)
		r.Delete("/guilds/{guildID}/roles/{roleID}", s.handleDeleteRole)

		r.Get("/channels/{channelID}/messages", s.handleListMessages)
		r.Post("/channels/{channelID}/messages", s.handleCreateMessage)
		r.Patch("/channels/{channelID}/messages/{messageID}", s.handleEditMessage)
		r.Delete("/channels/{channelID}/messages/{messageID}", s.handleDeleteMessage)

		r.Post("/channels/{channelID}/typing", s.handleTyping)
		r.Post("/channels/{channelID}/attachments", s.handleUploadAttachment)
		r.Post("/channels/{channelID}/voice-token", s.handleVoiceToken)

		r.Get("/admin/settings", s.handleGetSettings)
		r.Patch("/admin/settings", s.handleUpdateSettings)
	})

	return r
}

type ctxKey int

const ctxKeyUserID ctxKey = 0

// authenticate extracts and validates the bearer token, storing the user id
// in the request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID, err := s.tokens.Validate(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestUserID(r *http.Request) snowflake.ID {
	id, _ := r.Context().Value(ctxKeyUserID).(snowflake.ID)
	return id
}

func urlID(r *http.Request, name string) (snowflake.ID, error) {
	return snowflake.Parse(chi.URLParam(r, name))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(r *http.Request, v interface{}) error {
	return json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20)).Decode(v)
}

// fail maps store errors onto REST statuses; anything unexpected is logged
// and surfaced as a 500.
func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, db.ErrConflict):
		writeError(w, http.StatusConflict, "already exists")
	case errors.Is(err, permissions.ErrMissingPermission):
		writeError(w, http.StatusForbidden, "missing permission")
	default:
		s.log.Error().Err(err).Msg("internal error")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// guildPerms computes the caller's guild-level permissions, returning
// ErrMissingPermission when they are not a member at all.
func (s *Server) guildPerms(ctx context.Context, guildID, userID snowflake.ID) (permissions.Permissions, *models.Guild, error) {
	guild, err := s.st.DB.GuildByID(ctx, guildID)
	if err != nil {
		return 0, nil, err
	}
	if !s.st.Members.Contains(guildID, userID) {
		return 0, nil, permissions.ErrMissingPermission
	}
	member, err := s.st.DB.Member(ctx, guildID, userID)
	if err != nil {
		return 0, nil, err
	}
	roles, err := s.st.DB.RolesForGuild(ctx, guildID)
	if err != nil {
		return 0, nil, err
	}

	engineRoles := make([]permissions.Role, len(roles))
	for i, role := range roles {
		engineRoles[i] = permissions.Role{ID: role.ID, Permissions: role.Permissions}
	}
	perms := permissions.ComputeGuildPerms(guildID, guild.OwnerID, userID, engineRoles, member.RoleIDs)
	return perms, guild, nil
}

// channelPerms resolves a channel and the caller's effective permissions in
// it. DM participants get a fixed DM permission set.
func (s *Server) channelPerms(ctx context.Context, channelID, userID snowflake.ID) (permissions.Permissions, *models.Channel, error) {
	channel, err := s.st.DB.ChannelByID(ctx, channelID)
	if err != nil {
		return 0, nil, err
	}

	if !channel.IsGuildChannel() {
		for _, recipient := range channel.Recipients {
			if recipient == userID {
				return permissions.ViewChannel | permissions.SendMessages |
					permissions.ReadMessageHistory | permissions.AddReactions |
					permissions.AttachFiles | permissions.EmbedLinks, channel, nil
			}
		}
		return 0, nil, permissions.ErrMissingPermission
	}

	guildLevel, _, err := s.guildPerms(ctx, channel.GuildID, userID)
	if err != nil {
		return 0, nil, err
	}
	member, err := s.st.DB.Member(ctx, channel.GuildID, userID)
	if err != nil {
		return 0, nil, err
	}
	rows, err := s.st.DB.OverwritesForChannel(ctx, channelID)
	if err != nil {
		return 0, nil, err
	}
	overwrites := make([]permissions.Overwrite, len(rows))
	for i, row := range rows {
		overwrites[i] = row.Engine()
	}
	perms := permissions.ComputeChannelPerms(guildLevel, channel.GuildID, userID, member.RoleIDs, overwrites)
	return perms, channel, nil
}

// audit records a privileged mutation; failures never fail the request.
func (s *Server) audit(ctx context.Context, guildID, userID snowflake.ID, action string, targetID snowflake.ID) {
	s.st.DB.InsertAuditEntry(ctx, &models.AuditEntry{
		ID:       s.st.NewID(),
		GuildID:  guildID,
		UserID:   userID,
		Action:   action,
		TargetID: targetID,
		At:       nowUTC(),
	})
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
