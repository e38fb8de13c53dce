package permissions

import (
	"testing"

	"github.com/paracord-chat/paracord/internal/snowflake"
)

const (
	guildID snowflake.ID = 100
	ownerID snowflake.ID = 1
	userID  snowflake.ID = 2
)

func baseRoles(everyone Permissions) []Role {
	return []Role{{ID: guildID, Permissions: everyone}}
}

func TestOwnerGetsAll(t *testing.T) {
	perms := ComputeGuildPerms(guildID, ownerID, ownerID, baseRoles(0), nil)
	if perms != All {
		t.Fatalf("owner perms = %v, want All", perms)
	}
}

func TestEveryoneBaseline(t *testing.T) {
	perms := ComputeGuildPerms(guildID, ownerID, userID, baseRoles(SendMessages|ViewChannel), nil)
	if !perms.Has(SendMessages) || !perms.Has(ViewChannel) {
		t.Fatalf("baseline missing from %v", perms)
	}
	if perms.Has(ManageGuild) {
		t.Fatalf("unexpected grant in %v", perms)
	}
}

func TestMemberRolesUnion(t *testing.T) {
	roles := []Role{
		{ID: guildID, Permissions: ViewChannel},
		{ID: 200, Permissions: KickMembers},
		{ID: 201, Permissions: BanMembers},
	}
	perms := ComputeGuildPerms(guildID, ownerID, userID, roles, []snowflake.ID{200})
	if !perms.Has(KickMembers) {
		t.Fatalf("role grant missing from %v", perms)
	}
	if perms.Has(BanMembers) {
		t.Fatalf("unassigned role leaked into %v", perms)
	}
}

func TestAdministratorShortCircuit(t *testing.T) {
	roles := []Role{
		{ID: guildID, Permissions: 0},
		{ID: 200, Permissions: Administrator},
	}
	perms := ComputeGuildPerms(guildID, ownerID, userID, roles, []snowflake.ID{200})
	if perms != All {
		t.Fatalf("admin perms = %v, want All", perms)
	}
}

func TestChannelPermsAdminIgnoresOverwrites(t *testing.T) {
	overwrites := []Overwrite{
		{TargetID: guildID, TargetType: OverwriteRole, Deny: All},
	}
	perms := ComputeChannelPerms(All, guildID, userID, nil, overwrites)
	if perms != All {
		t.Fatalf("admin channel perms = %v, want All", perms)
	}
}

func TestOverwritePrecedence(t *testing.T) {
	// Guild baseline grants SEND_MESSAGES, a role overwrite denies it, the
	// member overwrite allows it again. The member overwrite wins.
	roleID := snowflake.ID(200)
	overwrites := []Overwrite{
		{TargetID: roleID, TargetType: OverwriteRole, Deny: SendMessages},
		{TargetID: userID, TargetType: OverwriteMember, Allow: SendMessages},
	}
	perms := ComputeChannelPerms(SendMessages|ViewChannel, guildID, userID, []snowflake.ID{roleID}, overwrites)
	if !perms.Has(SendMessages) {
		t.Fatalf("member overwrite did not win: %v", perms)
	}
}

func TestEveryoneOverwriteAppliesFirst(t *testing.T) {
	roleID := snowflake.ID(200)
	overwrites := []Overwrite{
		{TargetID: guildID, TargetType: OverwriteRole, Deny: ViewChannel},
		{TargetID: roleID, TargetType: OverwriteRole, Allow: ViewChannel},
	}
	perms := ComputeChannelPerms(ViewChannel, guildID, userID, []snowflake.ID{roleID}, overwrites)
	if !perms.Has(ViewChannel) {
		t.Fatalf("role overwrite should override @everyone deny: %v", perms)
	}
}

func TestMemberOverwriteCannotGrantAdministrator(t *testing.T) {
	overwrites := []Overwrite{
		{TargetID: userID, TargetType: OverwriteMember, Allow: Administrator},
	}
	perms := ComputeChannelPerms(ViewChannel, guildID, userID, nil, overwrites)
	if perms.Has(Administrator) {
		t.Fatalf("member overwrite granted Administrator: %v", perms)
	}
}

func TestRequire(t *testing.T) {
	if err := Require(SendMessages|ViewChannel, SendMessages); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := Require(ViewChannel, SendMessages); err == nil {
		t.Fatal("expected ErrMissingPermission")
	}
}

func TestSanitizeMasksUnknownBits(t *testing.T) {
	dirty := Permissions(1<<63) | SendMessages
	if got := dirty.Sanitize(); got != SendMessages {
		t.Fatalf("sanitize produced %v", got)
	}
}
