// Package permissions implements the role-aggregation and channel-overwrite
// evaluator consulted by every privileged REST call and every event-delivery
// decision.
package permissions

import (
	"errors"
	"strings"

	"github.com/paracord-chat/paracord/internal/snowflake"
)

// Permissions is a 64-bit permission bit-set.
type Permissions uint64

const (
	CreateInvites Permissions = 1 << iota
	KickMembers
	BanMembers
	Administrator
	ManageChannels
	ManageGuild
	AddReactions
	ViewAuditLog
	PrioritySpeaker
	Stream
	ViewChannel
	SendMessages
	ManageMessages
	EmbedLinks
	AttachFiles
	ReadMessageHistory
	MentionEveryone
	Connect
	Speak
	MuteMembers
	DeafenMembers
	MoveMembers
	ChangeNickname
	ManageNicknames
	ManageRoles
	ManageWebhooks
)

// Defined is the mask of every named bit. Unknown high bits on input are
// masked away by Sanitize before they can ever be granted.
const Defined = ManageWebhooks<<1 - 1

// All is the effective permission set of guild owners and administrators.
const All = Defined

var names = map[Permissions]string{
	CreateInvites:      "CREATE_INVITES",
	KickMembers:        "KICK_MEMBERS",
	BanMembers:         "BAN_MEMBERS",
	Administrator:      "ADMINISTRATOR",
	ManageChannels:     "MANAGE_CHANNELS",
	ManageGuild:        "MANAGE_GUILD",
	AddReactions:       "ADD_REACTIONS",
	ViewAuditLog:       "VIEW_AUDIT_LOG",
	PrioritySpeaker:    "PRIORITY_SPEAKER",
	Stream:             "STREAM",
	ViewChannel:        "VIEW_CHANNEL",
	SendMessages:       "SEND_MESSAGES",
	ManageMessages:     "MANAGE_MESSAGES",
	EmbedLinks:         "EMBED_LINKS",
	AttachFiles:        "ATTACH_FILES",
	ReadMessageHistory: "READ_MESSAGE_HISTORY",
	MentionEveryone:    "MENTION_EVERYONE",
	Connect:            "CONNECT",
	Speak:              "SPEAK",
	MuteMembers:        "MUTE_MEMBERS",
	DeafenMembers:      "DEAFEN_MEMBERS",
	MoveMembers:        "MOVE_MEMBERS",
	ChangeNickname:     "CHANGE_NICKNAME",
	ManageNicknames:    "MANAGE_NICKNAMES",
	ManageRoles:        "MANAGE_ROLES",
	ManageWebhooks:     "MANAGE_WEBHOOKS",
}

// ErrMissingPermission is returned by Require when the caller lacks a
// required permission. REST handlers surface it as 403.
var ErrMissingPermission = errors.New("missing permission")

// Has reports whether p contains every bit of perm.
func (p Permissions) Has(perm Permissions) bool {
	return p&perm == perm
}

// Sanitize masks p to the defined permission set.
func (p Permissions) Sanitize() Permissions {
	return p & Defined
}

// String returns the names of all set bits, pipe-separated, for logs and
// audit entries.
func (p Permissions) String() string {
	var set []string
	for bit := Permissions(1); bit != 0 && bit <= p; bit <<= 1 {
		if p&bit != 0 {
			if name, ok := names[bit]; ok {
				set = append(set, name)
			}
		}
	}
	if len(set) == 0 {
		return "NONE"
	}
	return strings.Join(set, "|")
}

// Role is the projection of a guild role the evaluator needs.
type Role struct {
	ID          snowflake.ID
	Permissions Permissions
}

// OverwriteType discriminates channel overwrite targets.
type OverwriteType int

const (
	OverwriteRole OverwriteType = iota
	OverwriteMember
)

// Overwrite is a per-channel allow/deny mask for a role or member.
type Overwrite struct {
	TargetID   snowflake.ID
	TargetType OverwriteType
	Allow      Permissions
	Deny       Permissions
}

// ComputeGuildPerms evaluates a member's guild-level permission set.
//
// The guild owner holds All. Otherwise the @everyone role (its id equals the
// guild id) seeds the set and every role the member holds is unioned in. A
// resulting ADMINISTRATOR bit short-circuits to All; this is the only place
// the short-circuit is applied.
func ComputeGuildPerms(guildID, ownerID, userID snowflake.ID, guildRoles []Role, memberRoleIDs []snowflake.ID) Permissions {
	if userID == ownerID {
		return All
	}

	held := make(map[snowflake.ID]struct{}, len(memberRoleIDs))
	for _, id := range memberRoleIDs {
		held[id] = struct{}{}
	}

	var perms Permissions
	for _, role := range guildRoles {
		if role.ID == guildID {
			// @everyone applies to every member.
			perms |= role.Permissions.Sanitize()
			continue
		}
		if _, ok := held[role.ID]; ok {
			perms |= role.Permissions.Sanitize()
		}
	}

	if perms.Has(Administrator) {
		return All
	}
	return perms
}

// ComputeChannelPerms specializes guild-level permissions to one channel.
//
// Overwrites apply in precedence order: the @everyone overwrite first, then
// all overwrites for roles the member holds combined as a single
// union-of-allows / union-of-denies (order independent), then the
// member-specific overwrite. Each step applies as perms = (perms &^ deny) |
// allow. Member overwrites never grant ADMINISTRATOR.
func ComputeChannelPerms(guildPerms Permissions, guildID, userID snowflake.ID, memberRoleIDs []snowflake.ID, overwrites []Overwrite) Permissions {
	if guildPerms.Has(Administrator) {
		return All
	}

	perms := guildPerms

	for _, ow := range overwrites {
		if ow.TargetType == OverwriteRole && ow.TargetID == guildID {
			perms = perms&^ow.Deny.Sanitize() | ow.Allow.Sanitize()
		}
	}

	held := make(map[snowflake.ID]struct{}, len(memberRoleIDs))
	for _, id := range memberRoleIDs {
		held[id] = struct{}{}
	}
	var allow, deny Permissions
	for _, ow := range overwrites {
		if ow.TargetType != OverwriteRole || ow.TargetID == guildID {
			continue
		}
		if _, ok := held[ow.TargetID]; ok {
			allow |= ow.Allow.Sanitize()
			deny |= ow.Deny.Sanitize()
		}
	}
	perms = perms&^deny | allow

	for _, ow := range overwrites {
		if ow.TargetType == OverwriteMember && ow.TargetID == userID {
			perms = perms&^ow.Deny.Sanitize() | ow.Allow.Sanitize()&^Administrator
		}
	}

	return perms
}

// Require returns ErrMissingPermission unless perms contains required.
// Every call path that mutates a guild resource must pass through Require
// before issuing the mutation.
func Require(perms, required Permissions) error {
	if !perms.Has(required) {
		return ErrMissingPermission
	}
	return nil
}
