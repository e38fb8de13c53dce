// Package memberindex keeps an in-memory mirror of guild membership so that
// presence-style fan-out never needs a database round-trip. REST writers that
// mutate persistent membership write through this index; readers tolerate at
// most one in-flight mutation of staleness.
package memberindex

import (
	"sync"

	"github.com/paracord-chat/paracord/internal/models"
	"github.com/paracord-chat/paracord/internal/snowflake"
)

// Index maps guild ids to member sets. The outer map is guarded by a single
// RWMutex; each guild carries its own lock so concurrent reads of different
// guilds never contend, and no lock is ever held across a blocking call.
type Index struct {
	mu     sync.RWMutex
	guilds map[snowflake.ID]*guildSet
}

type guildSet struct {
	mu      sync.RWMutex
	members map[snowflake.ID]struct{}
}

// New returns an empty index.
func New() *Index {
	return &Index{guilds: make(map[snowflake.ID]*guildSet)}
}

// FromMemberships bulk-builds an index from membership rows. It is called
// once at process start, before any concurrent mutation.
func FromMemberships(rows []models.Membership) *Index {
	idx := New()
	for _, row := range rows {
		set, ok := idx.guilds[row.GuildID]
		if !ok {
			set = &guildSet{members: make(map[snowflake.ID]struct{})}
			idx.guilds[row.GuildID] = set
		}
		set.members[row.UserID] = struct{}{}
	}
	return idx
}

func (idx *Index) guild(guildID snowflake.ID) (*guildSet, bool) {
	idx.mu.RLock()
	set, ok := idx.guilds[guildID]
	idx.mu.RUnlock()
	return set, ok
}

// Add inserts a member into a guild's set, creating the set if absent.
func (idx *Index) Add(guildID, userID snowflake.ID) {
	set, ok := idx.guild(guildID)
	if !ok {
		idx.mu.Lock()
		set, ok = idx.guilds[guildID]
		if !ok {
			set = &guildSet{members: make(map[snowflake.ID]struct{})}
			idx.guilds[guildID] = set
		}
		idx.mu.Unlock()
	}

	set.mu.Lock()
	set.members[userID] = struct{}{}
	set.mu.Unlock()
}

// Remove deletes a member from a guild's set. Removing an absent member is a
// no-op.
func (idx *Index) Remove(guildID, userID snowflake.ID) {
	set, ok := idx.guild(guildID)
	if !ok {
		return
	}
	set.mu.Lock()
	delete(set.members, userID)
	set.mu.Unlock()
}

// RemoveGuild drops a guild's entire member set. Idempotent.
func (idx *Index) RemoveGuild(guildID snowflake.ID) {
	idx.mu.Lock()
	delete(idx.guilds, guildID)
	idx.mu.Unlock()
}

// Contains reports whether userID is a member of guildID.
func (idx *Index) Contains(guildID, userID snowflake.ID) bool {
	set, ok := idx.guild(guildID)
	if !ok {
		return false
	}
	set.mu.RLock()
	_, ok = set.members[userID]
	set.mu.RUnlock()
	return ok
}

// MemberCount returns the live member count of a guild.
func (idx *Index) MemberCount(guildID snowflake.ID) int {
	set, ok := idx.guild(guildID)
	if !ok {
		return 0
	}
	set.mu.RLock()
	n := len(set.members)
	set.mu.RUnlock()
	return n
}

// PresenceRecipients returns the union of members across the given guilds
// with userID itself excluded: everyone who shares at least one guild with
// the user and should therefore observe a presence flip.
func (idx *Index) PresenceRecipients(userID snowflake.ID, guildIDs []snowflake.ID) map[snowflake.ID]struct{} {
	recipients := make(map[snowflake.ID]struct{})
	for _, guildID := range guildIDs {
		set, ok := idx.guild(guildID)
		if !ok {
			continue
		}
		set.mu.RLock()
		for member := range set.members {
			if member != userID {
				recipients[member] = struct{}{}
			}
		}
		set.mu.RUnlock()
	}
	return recipients
}
