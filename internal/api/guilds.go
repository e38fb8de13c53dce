package api

import (
	"net/http"
	"unicode/utf8"

	"github.com/paracord-chat/paracord/internal/event"
	"github.com/paracord-chat/paracord/internal/models"
	"github.com/paracord-chat/paracord/internal/permissions"
	"github.com/paracord-chat/paracord/internal/snowflake"
)

type createGuildRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleCreateGuild(w http.ResponseWriter, r *http.Request) {
	userID := requestUserID(r)

	var req createGuildRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if !validName(req.Name, s.st.Config.Limits.MaxNameLength) {
		writeError(w, http.StatusBadRequest, "invalid guild name")
		return
	}

	current, err := s.st.DB.GuildsForUser(r.Context(), userID)
	if err != nil {
		s.fail(w, err)
		return
	}
	if len(current) >= s.st.Config.Limits.MaxGuildsPerUser {
		writeError(w, http.StatusBadRequest, "guild limit reached")
		return
	}

	guild := &models.Guild{
		ID:          s.st.NewID(),
		Name:        req.Name,
		OwnerID:     userID,
		MemberCount: 1,
		CreatedAt:   nowUTC(),
	}
	// The @everyone role shares the guild's id and carries the baseline
	// permission set.
	everyone := &models.Role{
		ID:      guild.ID,
		GuildID: guild.ID,
		Name:    "@everyone",
		Permissions: permissions.ViewChannel | permissions.SendMessages |
			permissions.ReadMessageHistory | permissions.AddReactions |
			permissions.CreateInvites | permissions.AttachFiles |
			permissions.EmbedLinks | permissions.Connect | permissions.Speak |
			permissions.ChangeNickname,
	}
	if err := s.st.DB.CreateGuild(r.Context(), guild, everyone); err != nil {
		s.fail(w, err)
		return
	}

	s.st.Members.Add(guild.ID, userID)
	s.st.Bus.Publish(event.Event{
		Type:          event.TypeGuildCreate,
		Payload:       guild,
		GuildID:       guild.ID,
		TargetUserIDs: []snowflake.ID{userID},
	})
	writeJSON(w, http.StatusCreated, guild)
}

func (s *Server) handleGetGuild(w http.ResponseWriter, r *http.Request) {
	guildID, err := urlID(r, "guildID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed id")
		return
	}
	if !s.st.Members.Contains(guildID, requestUserID(r)) {
		writeError(w, http.StatusForbidden, "missing permission")
		return
	}
	guild, err := s.st.DB.GuildByID(r.Context(), guildID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, guild)
}

func (s *Server) handleDeleteGuild(w http.ResponseWriter, r *http.Request) {
	userID := requestUserID(r)
	guildID, err := urlID(r, "guildID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed id")
		return
	}
	guild, err := s.st.DB.GuildByID(r.Context(), guildID)
	if err != nil {
		s.fail(w, err)
		return
	}
	if guild.OwnerID != userID {
		writeError(w, http.StatusForbidden, "only the owner can delete a guild")
		return
	}

	if err := s.st.DB.DeleteGuild(r.Context(), guildID); err != nil {
		s.fail(w, err)
		return
	}
	s.audit(r.Context(), guildID, userID, "guild.delete", 0)

	// Publish before dropping the index so the fan-out still reaches the
	// members.
	s.st.Bus.Publish(event.Event{
		Type:    event.TypeGuildDelete,
		Payload: map[string]interface{}{"id": guildID},
		GuildID: guildID,
	})
	s.st.Members.RemoveGuild(guildID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleJoinGuild(w http.ResponseWriter, r *http.Request) {
	userID := requestUserID(r)
	guildID, err := urlID(r, "guildID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed id")
		return
	}
	guild, err := s.st.DB.GuildByID(r.Context(), guildID)
	if err != nil {
		s.fail(w, err)
		return
	}
	if s.st.Members.Contains(guildID, userID) {
		writeError(w, http.StatusConflict, "already a member")
		return
	}

	member := &models.Member{
		GuildID:  guildID,
		UserID:   userID,
		JoinedAt: nowUTC(),
	}
	if err := s.st.DB.AddMember(r.Context(), member); err != nil {
		s.fail(w, err)
		return
	}
	s.st.Members.Add(guildID, userID)

	// The joiner's sessions fold the guild into their subscription set on
	// the targeted GUILD_CREATE; existing members see the member add.
	s.st.Bus.Publish(event.Event{
		Type:          event.TypeGuildCreate,
		Payload:       guild,
		GuildID:       guildID,
		TargetUserIDs: []snowflake.ID{userID},
	})
	s.st.Bus.Publish(event.Event{
		Type:    event.TypeGuildMemberAdd,
		Payload: member,
		GuildID: guildID,
	})
	writeJSON(w, http.StatusCreated, member)
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	callerID := requestUserID(r)
	guildID, err := urlID(r, "guildID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed id")
		return
	}
	targetID, err := urlID(r, "userID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed id")
		return
	}

	guild, err := s.st.DB.GuildByID(r.Context(), guildID)
	if err != nil {
		s.fail(w, err)
		return
	}
	if targetID == guild.OwnerID {
		writeError(w, http.StatusBadRequest, "the owner cannot be removed")
		return
	}

	// Leaving yourself needs no permission; kicking someone else does.
	if targetID != callerID {
		perms, _, err := s.guildPerms(r.Context(), guildID, callerID)
		if err != nil {
			s.fail(w, err)
			return
		}
		if err := permissions.Require(perms, permissions.KickMembers); err != nil {
			s.fail(w, err)
			return
		}
	}

	if err := s.st.DB.RemoveMember(r.Context(), guildID, targetID); err != nil {
		s.fail(w, err)
		return
	}
	s.st.Members.Remove(guildID, targetID)
	if targetID != callerID {
		s.audit(r.Context(), guildID, callerID, "member.kick", targetID)
	}

	s.st.Bus.Publish(event.Event{
		Type:    event.TypeGuildMemberRemove,
		Payload: map[string]interface{}{"guild_id": guildID, "user_id": targetID},
		GuildID: guildID,
	})
	// Tell the removed user's sessions to drop the guild.
	s.st.Bus.Publish(event.Event{
		Type:          event.TypeGuildDelete,
		Payload:       map[string]interface{}{"id": guildID},
		GuildID:       guildID,
		TargetUserIDs: []snowflake.ID{targetID},
	})
	w.WriteHeader(http.StatusNoContent)
}

type roleRequest struct {
	Name        string                  `json:"name"`
	Position    int                     `json:"position"`
	Permissions permissions.Permissions `json:"permissions,string"`
	Color       int                     `json:"color"`
}

func (s *Server) handleListRoles(w http.ResponseWriter, r *http.Request) {
	guildID, err := urlID(r, "guildID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed id")
		return
	}
	if !s.st.Members.Contains(guildID, requestUserID(r)) {
		writeError(w, http.StatusForbidden, "missing permission")
		return
	}
	roles, err := s.st.DB.RolesForGuild(r.Context(), guildID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, roles)
}

func (s *Server) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	userID := requestUserID(r)
	guildID, err := urlID(r, "guildID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed id")
		return
	}

	var req roleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if !validName(req.Name, s.st.Config.Limits.MaxNameLength) {
		writeError(w, http.StatusBadRequest, "invalid role name")
		return
	}

	perms, _, err := s.guildPerms(r.Context(), guildID, userID)
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := permissions.Require(perms, permissions.ManageRoles); err != nil {
		s.fail(w, err)
		return
	}

	role := &models.Role{
		ID:          s.st.NewID(),
		GuildID:     guildID,
		Name:        req.Name,
		Position:    req.Position,
		Permissions: req.Permissions.Sanitize(),
		Color:       req.Color,
	}
	if err := s.st.DB.CreateRole(r.Context(), role); err != nil {
		s.fail(w, err)
		return
	}
	s.audit(r.Context(), guildID, userID, "role.create", role.ID)

	s.st.Bus.Publish(event.Event{
		Type:    event.TypeGuildRoleCreate,
		Payload: role,
		GuildID: guildID,
	})
	writeJSON(w, http.StatusCreated, role)
}

func (s *Server) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	userID := requestUserID(r)
	guildID, err := urlID(r, "guildID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed id")
		return
	}
	roleID, err := urlID(r, "roleID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed id")
		return
	}

	var req roleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if !validName(req.Name, s.st.Config.Limits.MaxNameLength) {
		writeError(w, http.StatusBadRequest, "invalid role name")
		return
	}

	perms, _, err := s.guildPerms(r.Context(), guildID, userID)
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := permissions.Require(perms, permissions.ManageRoles); err != nil {
		s.fail(w, err)
		return
	}

	role := &models.Role{
		ID:          roleID,
		GuildID:     guildID,
		Name:        req.Name,
		Position:    req.Position,
		Permissions: req.Permissions.Sanitize(),
		Color:       req.Color,
	}
	if err := s.st.DB.UpdateRole(r.Context(), role); err != nil {
		s.fail(w, err)
		return
	}
	s.audit(r.Context(), guildID, userID, "role.update", roleID)

	s.st.Bus.Publish(event.Event{
		Type:    event.TypeGuildRoleUpdate,
		Payload: role,
		GuildID: guildID,
	})
	writeJSON(w, http.StatusOK, role)
}

func (s *Server) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	userID := requestUserID(r)
	guildID, err := urlID(r, "guildID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed id")
		return
	}
	roleID, err := urlID(r, "roleID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed id")
		return
	}
	if roleID == guildID {
		writeError(w, http.StatusBadRequest, "the @everyone role cannot be deleted")
		return
	}

	perms, _, err := s.guildPerms(r.Context(), guildID, userID)
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := permissions.Require(perms, permissions.ManageRoles); err != nil {
		s.fail(w, err)
		return
	}

	if err := s.st.DB.DeleteRole(r.Context(), guildID, roleID); err != nil {
		s.fail(w, err)
		return
	}
	s.audit(r.Context(), guildID, userID, "role.delete", roleID)

	s.st.Bus.Publish(event.Event{
		Type:    event.TypeGuildRoleDelete,
		Payload: map[string]interface{}{"guild_id": guildID, "role_id": roleID},
		GuildID: guildID,
	})
	w.WriteHeader(http.StatusNoContent)
}

func validName(name string, maxLen int) bool {
	n := utf8.RuneCountInString(name)
	return n >= 1 && n <= maxLen
}
