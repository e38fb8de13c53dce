// Package models defines the persistent domain entities shared by the REST
// layer, the gateway and the database store.
package models

import (
	"time"

	"github.com/paracord-chat/paracord/internal/permissions"
	"github.com/paracord-chat/paracord/internal/snowflake"
)

// UserFlagAdmin marks an instance administrator.
const UserFlagAdmin int64 = 1 << 0

// User is an account on the instance.
type User struct {
	ID        snowflake.ID `json:"id"`
	Username  string       `json:"username"`
	Flags     int64        `json:"flags"`
	Password  string       `json:"-"`
	CreatedAt time.Time    `json:"created_at"`
}

// IsAdmin reports whether the user carries the instance admin flag.
func (u *User) IsAdmin() bool {
	return u.Flags&UserFlagAdmin != 0
}

// Guild is a named collection of channels and members.
type Guild struct {
	ID          snowflake.ID `json:"id"`
	Name        string       `json:"name"`
	OwnerID     snowflake.ID `json:"owner_id"`
	MemberCount int          `json:"member_count"`
	Features    []string     `json:"features,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// ChannelType enumerates the kinds of channel.
type ChannelType int

const (
	ChannelTypeText ChannelType = iota
	ChannelTypeDM
	ChannelTypeVoice
	ChannelTypeGroupDM
	ChannelTypeCategory
	ChannelTypeAnnouncement
)

// Channel is a message or voice room. DM and group-DM channels carry no
// guild id; every other type does. ParentID, when set, references a category
// channel in the same guild.
type Channel struct {
	ID       snowflake.ID `json:"id"`
	GuildID  snowflake.ID `json:"guild_id,omitempty"`
	Type     ChannelType  `json:"type"`
	Name     string       `json:"name,omitempty"`
	Topic    string       `json:"topic,omitempty"`
	ParentID snowflake.ID `json:"parent_id,omitempty"`

	// Recipients is populated for DM and group-DM channels only.
	Recipients []snowflake.ID `json:"recipients,omitempty"`
}

// IsGuildChannel reports whether the channel belongs to a guild.
func (c *Channel) IsGuildChannel() bool {
	return c.Type != ChannelTypeDM && c.Type != ChannelTypeGroupDM
}

// Role is a named permission bundle within a guild. The @everyone role of a
// guild shares the guild's id.
type Role struct {
	ID          snowflake.ID            `json:"id"`
	GuildID     snowflake.ID            `json:"guild_id"`
	Name        string                  `json:"name"`
	Position    int                     `json:"position"`
	Permissions permissions.Permissions `json:"permissions,string"`
	Color       int                     `json:"color"`
}

// OverwriteTargetRole and OverwriteTargetMember discriminate overwrite rows.
const (
	OverwriteTargetRole   = "role"
	OverwriteTargetMember = "member"
)

// Overwrite is a per-channel allow/deny mask for a role or member. Allow and
// Deny are disjoint; the store enforces that on write.
type Overwrite struct {
	ChannelID  snowflake.ID            `json:"channel_id"`
	TargetID   snowflake.ID            `json:"target_id"`
	TargetType string                  `json:"target_type"`
	Allow      permissions.Permissions `json:"allow,string"`
	Deny       permissions.Permissions `json:"deny,string"`
}

// Engine converts the overwrite into the permission engine's representation.
func (o Overwrite) Engine() permissions.Overwrite {
	t := permissions.OverwriteRole
	if o.TargetType == OverwriteTargetMember {
		t = permissions.OverwriteMember
	}
	return permissions.Overwrite{
		TargetID:   o.TargetID,
		TargetType: t,
		Allow:      o.Allow,
		Deny:       o.Deny,
	}
}

// Member is the per-guild projection of a user. RoleIDs never contains the
// @everyone role; it applies implicitly.
type Member struct {
	GuildID  snowflake.ID   `json:"guild_id"`
	UserID   snowflake.ID   `json:"user_id"`
	Nick     string         `json:"nick,omitempty"`
	RoleIDs  []snowflake.ID `json:"roles"`
	JoinedAt time.Time      `json:"joined_at"`
	Deaf     bool           `json:"deaf"`
	Mute     bool           `json:"mute"`
}

// Membership is the (guild, user) pair used to build the member index.
type Membership struct {
	GuildID snowflake.ID
	UserID  snowflake.ID
}

// VoiceState records which voice channel a member occupies.
type VoiceState struct {
	GuildID   snowflake.ID `json:"guild_id,omitempty"`
	UserID    snowflake.ID `json:"user_id"`
	ChannelID snowflake.ID `json:"channel_id,omitempty"`
	SessionID string       `json:"session_id"`
	SelfMute  bool         `json:"self_mute"`
	SelfDeaf  bool         `json:"self_deaf"`
}

// Message is a chat message in a channel.
type Message struct {
	ID        snowflake.ID `json:"id"`
	ChannelID snowflake.ID `json:"channel_id"`
	GuildID   snowflake.ID `json:"guild_id,omitempty"`
	AuthorID  snowflake.ID `json:"author_id"`
	Content   string       `json:"content"`
	CreatedAt time.Time    `json:"created_at"`
	EditedAt  *time.Time   `json:"edited_at,omitempty"`
}

// AuditEntry records a privileged mutation. Audit failures never fail the
// originating request.
type AuditEntry struct {
	ID       snowflake.ID `json:"id"`
	GuildID  snowflake.ID `json:"guild_id"`
	UserID   snowflake.ID `json:"user_id"`
	Action   string       `json:"action"`
	TargetID snowflake.ID `json:"target_id,omitempty"`
	At       time.Time    `json:"at"`
}
