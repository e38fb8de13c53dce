package memberindex

import (
	"sync"
	"testing"

	"github.com/paracord-chat/paracord/internal/models"
	"github.com/paracord-chat/paracord/internal/snowflake"
)

const (
	guild1 snowflake.ID = 1
	guild2 snowflake.ID = 2

	userA snowflake.ID = 10
	userB snowflake.ID = 11
	userC snowflake.ID = 12
	userD snowflake.ID = 13
)

func TestAddContainsRemove(t *testing.T) {
	idx := New()

	idx.Add(guild1, userA)
	if !idx.Contains(guild1, userA) {
		t.Fatal("expected membership after Add")
	}
	if idx.Contains(guild2, userA) {
		t.Fatal("membership leaked into another guild")
	}

	idx.Remove(guild1, userA)
	if idx.Contains(guild1, userA) {
		t.Fatal("expected removal")
	}
	// Removing again is a no-op.
	idx.Remove(guild1, userA)
}

func TestFromMemberships(t *testing.T) {
	idx := FromMemberships([]models.Membership{
		{GuildID: guild1, UserID: userA},
		{GuildID: guild1, UserID: userB},
		{GuildID: guild2, UserID: userA},
	})
	if got := idx.MemberCount(guild1); got != 2 {
		t.Fatalf("guild1 count = %d, want 2", got)
	}
	if got := idx.MemberCount(guild2); got != 1 {
		t.Fatalf("guild2 count = %d, want 1", got)
	}
}

func TestPresenceRecipientsExcludesSelf(t *testing.T) {
	// A, B, C share guild1; A and D share guild2. A status flip by A must
	// reach exactly {B, C, D}.
	idx := FromMemberships([]models.Membership{
		{GuildID: guild1, UserID: userA},
		{GuildID: guild1, UserID: userB},
		{GuildID: guild1, UserID: userC},
		{GuildID: guild2, UserID: userA},
		{GuildID: guild2, UserID: userD},
	})

	got := idx.PresenceRecipients(userA, []snowflake.ID{guild1, guild2})
	want := []snowflake.ID{userB, userC, userD}
	if len(got) != len(want) {
		t.Fatalf("recipients = %v, want %v", got, want)
	}
	for _, id := range want {
		if _, ok := got[id]; !ok {
			t.Fatalf("missing recipient %d in %v", id, got)
		}
	}
	if _, ok := got[userA]; ok {
		t.Fatal("self included in recipients")
	}
}

func TestRemoveGuild(t *testing.T) {
	idx := New()
	idx.Add(guild1, userA)
	idx.Add(guild1, userB)

	idx.RemoveGuild(guild1)
	if idx.Contains(guild1, userA) || idx.MemberCount(guild1) != 0 {
		t.Fatal("guild not dropped")
	}
	idx.RemoveGuild(guild1)
}

func TestConcurrentMutation(t *testing.T) {
	idx := New()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			user := snowflake.ID(100 + n)
			for j := 0; j < 100; j++ {
				idx.Add(guild1, user)
				idx.Contains(guild1, user)
				idx.Remove(guild1, user)
			}
		}(i)
	}
	wg.Wait()
	if got := idx.MemberCount(guild1); got != 0 {
		t.Fatalf("count = %d after balanced add/remove", got)
	}
}
