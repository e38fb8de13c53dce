// Package event carries mutations from REST writers to gateway sessions. The
// bus is an in-process broadcast layer: publishers never block, every
// subscriber gets its own bounded queue, and a subscriber that falls behind
// is told how much it missed instead of stalling the publisher.
package event

import (
	"github.com/paracord-chat/paracord/internal/snowflake"
)

// Dispatch event names produced by the core.
const (
	TypeReady             = "READY"
	TypeResumed           = "RESUMED"
	TypeGuildCreate       = "GUILD_CREATE"
	TypeGuildUpdate       = "GUILD_UPDATE"
	TypeGuildDelete       = "GUILD_DELETE"
	TypeGuildMemberAdd    = "GUILD_MEMBER_ADD"
	TypeGuildMemberRemove = "GUILD_MEMBER_REMOVE"
	TypeGuildRoleCreate   = "GUILD_ROLE_CREATE"
	TypeGuildRoleUpdate   = "GUILD_ROLE_UPDATE"
	TypeGuildRoleDelete   = "GUILD_ROLE_DELETE"
	TypeChannelCreate     = "CHANNEL_CREATE"
	TypeChannelUpdate     = "CHANNEL_UPDATE"
	TypeChannelDelete     = "CHANNEL_DELETE"
	TypeMessageCreate     = "MESSAGE_CREATE"
	TypeMessageUpdate     = "MESSAGE_UPDATE"
	TypeMessageDelete     = "MESSAGE_DELETE"
	TypeTypingStart       = "TYPING_START"
	TypePresenceUpdate    = "PRESENCE_UPDATE"
	TypeUserUpdate        = "USER_UPDATE"
	TypeVoiceStateUpdate  = "VOICE_STATE_UPDATE"
	TypeSettingsUpdate    = "SETTINGS_UPDATE"
)

// Event is the transient record pushed through the bus. Exactly one scoping
// applies: explicit target users, a guild, or broadcast to everyone.
type Event struct {
	// Type is the dispatch name, e.g. "MESSAGE_CREATE".
	Type string

	// Payload is the opaque structured value serialized into the frame's "d"
	// field.
	Payload interface{}

	// GuildID scopes delivery to members of one guild when set.
	GuildID snowflake.ID

	// TargetUserIDs scopes delivery to an explicit user list when non-empty.
	// It takes precedence over GuildID.
	TargetUserIDs []snowflake.ID
}

// Targeted reports whether the event names explicit recipients.
func (e *Event) Targeted() bool {
	return len(e.TargetUserIDs) > 0
}

// TargetsUser reports whether userID is one of the explicit recipients.
func (e *Event) TargetsUser(userID snowflake.ID) bool {
	for _, id := range e.TargetUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}
