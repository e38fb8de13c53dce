package api

import (
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/paracord-chat/paracord/internal/event"
	"github.com/paracord-chat/paracord/internal/models"
	"github.com/paracord-chat/paracord/internal/permissions"
	"github.com/paracord-chat/paracord/internal/snowflake"
	"github.com/paracord-chat/paracord/internal/state"
	"github.com/paracord-chat/paracord/internal/storage"
)

type createChannelRequest struct {
	Name     string             `json:"name"`
	Type     models.ChannelType `json:"type"`
	Topic    string             `json:"topic"`
	ParentID snowflake.ID       `json:"parent_id,omitempty"`
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	guildID, err := urlID(r, "guildID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed id")
		return
	}
	if !s.st.Members.Contains(guildID, requestUserID(r)) {
		writeError(w, http.StatusForbidden, "missing permission")
		return
	}
	channels, err := s.st.DB.ChannelsForGuild(r.Context(), guildID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, channels)
}

func (s *Server) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	userID := requestUserID(r)
	guildID, err := urlID(r, "guildID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed id")
		return
	}

	var req createChannelRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if !validName(req.Name, s.st.Config.Limits.MaxNameLength) {
		writeError(w, http.StatusBadRequest, "invalid channel name")
		return
	}
	switch req.Type {
	case models.ChannelTypeText, models.ChannelTypeVoice, models.ChannelTypeCategory, models.ChannelTypeAnnouncement:
	default:
		writeError(w, http.StatusBadRequest, "invalid channel type for a guild")
		return
	}

	perms, _, err := s.guildPerms(r.Context(), guildID, userID)
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := permissions.Require(perms, permissions.ManageChannels); err != nil {
		s.fail(w, err)
		return
	}

	if !req.ParentID.IsZero() {
		parent, err := s.st.DB.ChannelByID(r.Context(), req.ParentID)
		if err != nil {
			s.fail(w, err)
			return
		}
		if parent.Type != models.ChannelTypeCategory || parent.GuildID != guildID {
			writeError(w, http.StatusBadRequest, "parent must be a category in the same guild")
			return
		}
	}

	channel := &models.Channel{
		ID:       s.st.NewID(),
		GuildID:  guildID,
		Type:     req.Type,
		Name:     req.Name,
		Topic:    req.Topic,
		ParentID: req.ParentID,
	}
	if err := s.st.DB.CreateChannel(r.Context(), channel); err != nil {
		s.fail(w, err)
		return
	}
	s.audit(r.Context(), guildID, userID, "channel.create", channel.ID)

	s.st.Bus.Publish(event.Event{
		Type:    event.TypeChannelCreate,
		Payload: channel,
		GuildID: guildID,
	})
	writeJSON(w, http.StatusCreated, channel)
}

func (s *Server) handleDeleteChannel(w http.ResponseWriter, r *http.Request) {
	userID := requestUserID(r)
	channelID, err := urlID(r, "channelID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed id")
		return
	}
	channel, err := s.st.DB.ChannelByID(r.Context(), channelID)
	if err != nil {
		s.fail(w, err)
		return
	}
	if !channel.IsGuildChannel() {
		writeError(w, http.StatusBadRequest, "direct message channels cannot be deleted")
		return
	}

	perms, _, err := s.guildPerms(r.Context(), channel.GuildID, userID)
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := permissions.Require(perms, permissions.ManageChannels); err != nil {
		s.fail(w, err)
		return
	}

	if err := s.st.DB.DeleteChannel(r.Context(), channelID); err != nil {
		s.fail(w, err)
		return
	}
	s.audit(r.Context(), channel.GuildID, userID, "channel.delete", channelID)

	s.st.Bus.Publish(event.Event{
		Type:    event.TypeChannelDelete,
		Payload: map[string]interface{}{"id": channelID, "guild_id": channel.GuildID},
		GuildID: channel.GuildID,
	})
	w.WriteHeader(http.StatusNoContent)
}

type overwriteRequest struct {
	TargetType string                  `json:"target_type"`
	Allow      permissions.Permissions `json:"allow,string"`
	Deny       permissions.Permissions `json:"deny,string"`
}

func (s *Server) handlePutOverwrite(w http.ResponseWriter, r *http.Request) {
	userID := requestUserID(r)
	channelID, err := urlID(r, "channelID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed id")
		return
	}
	targetID, err := urlID(r, "targetID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed id")
		return
	}

	var req overwriteRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if req.TargetType != models.OverwriteTargetRole && req.TargetType != models.OverwriteTargetMember {
		writeError(w, http.StatusBadRequest, "invalid target type")
		return
	}

	channel, err := s.st.DB.ChannelByID(r.Context(), channelID)
	if err != nil {
		s.fail(w, err)
		return
	}
	if !channel.IsGuildChannel() {
		writeError(w, http.StatusBadRequest, "direct message channels have no overwrites")
		return
	}

	perms, _, err := s.guildPerms(r.Context(), channel.GuildID, userID)
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := permissions.Require(perms, permissions.ManageRoles); err != nil {
		s.fail(w, err)
		return
	}

	overwrite := &models.Overwrite{
		ChannelID:  channelID,
		TargetID:   targetID,
		TargetType: req.TargetType,
		Allow:      req.Allow.Sanitize(),
		Deny:       req.Deny.Sanitize(),
	}
	if err := s.st.DB.UpsertOverwrite(r.Context(), overwrite); err != nil {
		s.fail(w, err)
		return
	}
	s.audit(r.Context(), channel.GuildID, userID, "overwrite.put", targetID)

	s.st.Bus.Publish(event.Event{
		Type:    event.TypeChannelUpdate,
		Payload: channel,
		GuildID: channel.GuildID,
	})
	writeJSON(w, http.StatusOK, overwrite)
}

func (s *Server) handleDeleteOverwrite(w http.ResponseWriter, r *http.Request) {
	userID := requestUserID(r)
	channelID, err := urlID(r, "channelID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed id")
		return
	}
	targetID, err := urlID(r, "targetID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed id")
		return
	}

	channel, err := s.st.DB.ChannelByID(r.Context(), channelID)
	if err != nil {
		s.fail(w, err)
		return
	}
	perms, _, err := s.guildPerms(r.Context(), channel.GuildID, userID)
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := permissions.Require(perms, permissions.ManageRoles); err != nil {
		s.fail(w, err)
		return
	}

	if err := s.st.DB.DeleteOverwrite(r.Context(), channelID, targetID); err != nil {
		s.fail(w, err)
		return
	}
	s.audit(r.Context(), channel.GuildID, userID, "overwrite.delete", targetID)

	s.st.Bus.Publish(event.Event{
		Type:    event.TypeChannelUpdate,
		Payload: channel,
		GuildID: channel.GuildID,
	})
	w.WriteHeader(http.StatusNoContent)
}

type createMessageRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	userID := requestUserID(r)
	channelID, err := urlID(r, "channelID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed id")
		return
	}

	var req createMessageRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if req.Content == "" || utf8.RuneCountInString(req.Content) > s.st.Config.Limits.MaxMessageLength {
		writeError(w, http.StatusBadRequest, "invalid message content")
		return
	}

	perms, channel, err := s.channelPerms(r.Context(), channelID, userID)
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := permissions.Require(perms, permissions.SendMessages); err != nil {
		s.fail(w, err)
		return
	}

	message := &models.Message{
		ID:        s.st.NewID(),
		ChannelID: channelID,
		GuildID:   channel.GuildID,
		AuthorID:  userID,
		Content:   req.Content,
		CreatedAt: nowUTC(),
	}
	if err := s.st.DB.CreateMessage(r.Context(), message); err != nil {
		s.fail(w, err)
		return
	}

	s.st.Bus.Publish(event.Event{
		Type:          event.TypeMessageCreate,
		Payload:       message,
		GuildID:       channel.GuildID,
		TargetUserIDs: dmTargets(channel),
	})
	writeJSON(w, http.StatusCreated, message)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	userID := requestUserID(r)
	channelID, err := urlID(r, "channelID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed id")
		return
	}

	perms, _, err := s.channelPerms(r.Context(), channelID, userID)
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := permissions.Require(perms, permissions.ViewChannel|permissions.ReadMessageHistory); err != nil {
		s.fail(w, err)
		return
	}

	var before snowflake.ID
	if raw := r.URL.Query().Get("before"); raw != "" {
		if before, err = snowflake.Parse(raw); err != nil {
			writeError(w, http.StatusBadRequest, "malformed cursor")
			return
		}
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, "malformed limit")
			return
		}
	}
	if limit > s.st.Config.Limits.MessagePageLimit {
		limit = s.st.Config.Limits.MessagePageLimit
	}

	messages, err := s.st.DB.MessagesBefore(r.Context(), channelID, before, limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

func (s *Server) handleEditMessage(w http.ResponseWriter, r *http.Request) {
	userID := requestUserID(r)
	channelID, err := urlID(r, "channelID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed id")
		return
	}
	messageID, err := urlID(r, "messageID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed id")
		return
	}

	var req createMessageRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if req.Content == "" || utf8.RuneCountInString(req.Content) > s.st.Config.Limits.MaxMessageLength {
		writeError(w, http.StatusBadRequest, "invalid message content")
		return
	}

	message, err := s.st.DB.MessageByID(r.Context(), messageID)
	if err != nil {
		s.fail(w, err)
		return
	}
	if message.ChannelID != channelID {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	// Only the author may edit; ManageMessages grants delete, not edit.
	if message.AuthorID != userID {
		writeError(w, http.StatusForbidden, "missing permission")
		return
	}

	_, channel, err := s.channelPerms(r.Context(), channelID, userID)
	if err != nil {
		s.fail(w, err)
		return
	}

	now := nowUTC()
	message.Content = req.Content
	message.EditedAt = &now
	if err := s.st.DB.UpdateMessage(r.Context(), message); err != nil {
		s.fail(w, err)
		return
	}

	s.st.Bus.Publish(event.Event{
		Type:          event.TypeMessageUpdate,
		Payload:       message,
		GuildID:       channel.GuildID,
		TargetUserIDs: dmTargets(channel),
	})
	writeJSON(w, http.StatusOK, message)
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	userID := requestUserID(r)
	channelID, err := urlID(r, "channelID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed id")
		return
	}
	messageID, err := urlID(r, "messageID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed id")
		return
	}

	message, err := s.st.DB.MessageByID(r.Context(), messageID)
	if err != nil {
		s.fail(w, err)
		return
	}
	if message.ChannelID != channelID {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	perms, channel, err := s.channelPerms(r.Context(), channelID, userID)
	if err != nil {
		s.fail(w, err)
		return
	}
	if message.AuthorID != userID {
		if err := permissions.Require(perms, permissions.ManageMessages); err != nil {
			s.fail(w, err)
			return
		}
	}

	if err := s.st.DB.DeleteMessage(r.Context(), messageID); err != nil {
		s.fail(w, err)
		return
	}
	if message.AuthorID != userID && channel.IsGuildChannel() {
		s.audit(r.Context(), channel.GuildID, userID, "message.delete", messageID)
	}

	s.st.Bus.Publish(event.Event{
		Type:          event.TypeMessageDelete,
		Payload:       map[string]interface{}{"id": messageID, "channel_id": channelID},
		GuildID:       channel.GuildID,
		TargetUserIDs: dmTargets(channel),
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTyping(w http.ResponseWriter, r *http.Request) {
	userID := requestUserID(r)
	channelID, err := urlID(r, "channelID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed id")
		return
	}

	perms, channel, err := s.channelPerms(r.Context(), channelID, userID)
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := permissions.Require(perms, permissions.SendMessages); err != nil {
		s.fail(w, err)
		return
	}

	if s.st.Presence != nil {
		if err := s.st.Presence.SetTyping(r.Context(), channelID, userID); err != nil {
			s.log.Debug().Err(err).Msg("error recording typing state")
		}
	}

	s.st.Bus.Publish(event.Event{
		Type:          event.TypeTypingStart,
		Payload:       map[string]interface{}{"channel_id": channelID, "user_id": userID},
		GuildID:       channel.GuildID,
		TargetUserIDs: dmTargets(channel),
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUploadAttachment(w http.ResponseWriter, r *http.Request) {
	userID := requestUserID(r)
	channelID, err := urlID(r, "channelID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed id")
		return
	}
	if s.st.Storage == nil {
		writeError(w, http.StatusNotFound, "uploads are not enabled on this instance")
		return
	}
	filename := r.URL.Query().Get("filename")
	if filename == "" || strings.ContainsAny(filename, "/\\") {
		writeError(w, http.StatusBadRequest, "invalid filename")
		return
	}

	perms, _, err := s.channelPerms(r.Context(), channelID, userID)
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := permissions.Require(perms, permissions.AttachFiles); err != nil {
		s.fail(w, err)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	attachmentID := s.st.NewID()
	key := storage.ObjectKey(attachmentID, filename)
	url, err := s.st.Storage.Put(r.Context(), key, http.MaxBytesReader(w, r.Body, maxAttachmentBytes), r.ContentLength, contentType)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":       attachmentID,
		"filename": filename,
		"url":      url,
	})
}

// maxAttachmentBytes caps a single upload.
const maxAttachmentBytes = 25 << 20

func (s *Server) handleVoiceToken(w http.ResponseWriter, r *http.Request) {
	userID := requestUserID(r)
	channelID, err := urlID(r, "channelID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed id")
		return
	}
	if s.st.Voice == nil {
		writeError(w, http.StatusNotFound, "voice is not enabled on this instance")
		return
	}

	perms, channel, err := s.channelPerms(r.Context(), channelID, userID)
	if err != nil {
		s.fail(w, err)
		return
	}
	if channel.Type != models.ChannelTypeVoice {
		writeError(w, http.StatusBadRequest, "not a voice channel")
		return
	}
	if err := permissions.Require(perms, permissions.Connect); err != nil {
		s.fail(w, err)
		return
	}

	token, err := s.st.Voice.JoinToken(channelID, userID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"token": token,
		"url":   s.st.Voice.URL(),
	})
}

type settingsRequest struct {
	ServerName          *string `json:"server_name"`
	RegistrationEnabled *bool   `json:"registration_enabled"`
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	if !s.requireInstanceAdmin(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, s.st.Settings())
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	if !s.requireInstanceAdmin(w, r) {
		return
	}

	var req settingsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}

	updated := s.st.UpdateSettings(func(settings *state.Settings) {
		if req.ServerName != nil {
			settings.ServerName = *req.ServerName
		}
		if req.RegistrationEnabled != nil {
			settings.RegistrationEnabled = *req.RegistrationEnabled
		}
	})

	s.st.Bus.Publish(event.Event{
		Type:    event.TypeSettingsUpdate,
		Payload: updated,
	})
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) requireInstanceAdmin(w http.ResponseWriter, r *http.Request) bool {
	user, err := s.st.DB.UserByID(r.Context(), requestUserID(r))
	if err != nil {
		s.fail(w, err)
		return false
	}
	if !user.IsAdmin() {
		writeError(w, http.StatusForbidden, "instance admin required")
		return false
	}
	return true
}

// dmTargets returns the recipient list for DM channels so message events can
// be targeted instead of guild-scoped; nil for guild channels.
func dmTargets(channel *models.Channel) []snowflake.ID {
	if channel.IsGuildChannel() {
		return nil
	}
	return channel.Recipients
}
