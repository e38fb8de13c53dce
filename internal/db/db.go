// Package db wraps the PostgreSQL pool with the queries the core reads and
// writes. Every call runs under the configured default deadline so a stalled
// database cannot wedge a gateway session or REST handler.
package db

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/paracord-chat/paracord/internal/models"
	"github.com/paracord-chat/paracord/internal/snowflake"
)

var (
	// ErrNotFound is returned for row lookups that match nothing.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned for uniqueness violations.
	ErrConflict = errors.New("conflict")
)

// Store executes the core's queries against a pgx pool.
type Store struct {
	pool    *pgxpool.Pool
	timeout time.Duration
	log     zerolog.Logger
}

// Connect opens a pool against url and verifies it with a ping.
func Connect(ctx context.Context, url string, timeout time.Duration, log zerolog.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Store{pool: pool, timeout: timeout, log: log}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) deadline(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func mapErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrConflict
	}
	return err
}

// --- users ---

// CreateUser inserts a new account.
func (s *Store) CreateUser(ctx context.Context, u *models.User) error {
	ctx, cancel := s.deadline(ctx)
	defer cancel()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, username, flags, password, created_at) VALUES ($1, $2, $3, $4, $5)`,
		u.ID, u.Username, u.Flags, u.Password, u.CreatedAt)
	if err != nil {
		return mapErr(err)
	}
	return nil
}

// UserByID fetches a user by id.
func (s *Store) UserByID(ctx context.Context, id snowflake.ID) (*models.User, error) {
	ctx, cancel := s.deadline(ctx)
	defer cancel()
	var u models.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, flags, password, created_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Username, &u.Flags, &u.Password, &u.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &u, nil
}

// UserByUsername fetches a user by username.
func (s *Store) UserByUsername(ctx context.Context, username string) (*models.User, error) {
	ctx, cancel := s.deadline(ctx)
	defer cancel()
	var u models.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, flags, password, created_at FROM users WHERE username = $1`, username).
		Scan(&u.ID, &u.Username, &u.Flags, &u.Password, &u.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &u, nil
}

// --- guilds ---

// CreateGuild inserts a guild together with its @everyone role and the
// owner's membership in one transaction.
func (s *Store) CreateGuild(ctx context.Context, g *models.Guild, everyone *models.Role) error {
	ctx, cancel := s.deadline(ctx)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO guilds (id, name, owner_id, member_count, created_at) VALUES ($1, $2, $3, 1, $4)`,
		g.ID, g.Name, g.OwnerID, g.CreatedAt); err != nil {
		return mapErr(err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO roles (id, guild_id, name, position, permissions, color) VALUES ($1, $2, $3, 0, $4, 0)`,
		everyone.ID, g.ID, everyone.Name, everyone.Permissions); err != nil {
		return mapErr(err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO members (guild_id, user_id, joined_at) VALUES ($1, $2, $3)`,
		g.ID, g.OwnerID, g.CreatedAt); err != nil {
		return mapErr(err)
	}
	return tx.Commit(ctx)
}

// GuildByID fetches a guild.
func (s *Store) GuildByID(ctx context.Context, id snowflake.ID) (*models.Guild, error) {
	ctx, cancel := s.deadline(ctx)
	defer cancel()
	var g models.Guild
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, owner_id, member_count, created_at FROM guilds WHERE id = $1`, id).
		Scan(&g.ID, &g.Name, &g.OwnerID, &g.MemberCount, &g.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &g, nil
}

// DeleteGuild removes a guild; membership, channel, role and overwrite rows
// cascade in the schema.
func (s *Store) DeleteGuild(ctx context.Context, id snowflake.ID) error {
	ctx, cancel := s.deadline(ctx)
	defer cancel()
	tag, err := s.pool.Exec(ctx, `DELETE FROM guilds WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GuildsForUser returns every guild the user belongs to. Gateway sessions
// call this freshly on IDENTIFY; it is never cached.
func (s *Store) GuildsForUser(ctx context.Context, userID snowflake.ID) ([]models.Guild, error) {
	ctx, cancel := s.deadline(ctx)
	defer cancel()
	rows, err := s.pool.Query(ctx,
		`SELECT g.id, g.name, g.owner_id, g.member_count, g.created_at
		 FROM guilds g JOIN members m ON m.guild_id = g.id
		 WHERE m.user_id = $1 ORDER BY g.id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var guilds []models.Guild
	for rows.Next() {
		var g models.Guild
		if err := rows.Scan(&g.ID, &g.Name, &g.OwnerID, &g.MemberCount, &g.CreatedAt); err != nil {
			return nil, err
		}
		guilds = append(guilds, g)
	}
	return guilds, rows.Err()
}

// AllMemberships streams every (guild, user) pair for the member index
// bootstrap.
func (s *Store) AllMemberships(ctx context.Context) ([]models.Membership, error) {
	rows, err := s.pool.Query(ctx, `SELECT guild_id, user_id FROM members`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var memberships []models.Membership
	for rows.Next() {
		var m models.Membership
		if err := rows.Scan(&m.GuildID, &m.UserID); err != nil {
			return nil, err
		}
		memberships = append(memberships, m)
	}
	return memberships, rows.Err()
}

// --- members ---

// AddMember inserts a membership row and bumps the guild's member count.
func (s *Store) AddMember(ctx context.Context, m *models.Member) error {
	ctx, cancel := s.deadline(ctx)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO members (guild_id, user_id, nick, joined_at) VALUES ($1, $2, $3, $4)`,
		m.GuildID, m.UserID, m.Nick, m.JoinedAt); err != nil {
		return mapErr(err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE guilds SET member_count = member_count + 1 WHERE id = $1`, m.GuildID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// RemoveMember deletes a membership row and decrements the member count.
func (s *Store) RemoveMember(ctx context.Context, guildID, userID snowflake.ID) error {
	ctx, cancel := s.deadline(ctx)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`DELETE FROM members WHERE guild_id = $1 AND user_id = $2`, guildID, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(ctx,
		`UPDATE guilds SET member_count = member_count - 1 WHERE id = $1`, guildID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Member fetches one membership with its role ids.
func (s *Store) Member(ctx context.Context, guildID, userID snowflake.ID) (*models.Member, error) {
	ctx, cancel := s.deadline(ctx)
	defer cancel()
	var m models.Member
	err := s.pool.QueryRow(ctx,
		`SELECT guild_id, user_id, COALESCE(nick, ''), joined_at, deaf, mute
		 FROM members WHERE guild_id = $1 AND user_id = $2`, guildID, userID).
		Scan(&m.GuildID, &m.UserID, &m.Nick, &m.JoinedAt, &m.Deaf, &m.Mute)
	if err != nil {
		return nil, mapErr(err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT role_id FROM member_roles WHERE guild_id = $1 AND user_id = $2`, guildID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id snowflake.ID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		m.RoleIDs = append(m.RoleIDs, id)
	}
	return &m, rows.Err()
}

// --- roles ---

// RolesForGuild returns the guild's roles ordered by position.
func (s *Store) RolesForGuild(ctx context.Context, guildID snowflake.ID) ([]models.Role, error) {
	ctx, cancel := s.deadline(ctx)
	defer cancel()
	rows, err := s.pool.Query(ctx,
		`SELECT id, guild_id, name, position, permissions, color
		 FROM roles WHERE guild_id = $1 ORDER BY position DESC`, guildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []models.Role
	for rows.Next() {
		var r models.Role
		if err := rows.Scan(&r.ID, &r.GuildID, &r.Name, &r.Position, &r.Permissions, &r.Color); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

// CreateRole inserts a role.
func (s *Store) CreateRole(ctx context.Context, r *models.Role) error {
	ctx, cancel := s.deadline(ctx)
	defer cancel()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO roles (id, guild_id, name, position, permissions, color) VALUES ($1, $2, $3, $4, $5, $6)`,
		r.ID, r.GuildID, r.Name, r.Position, r.Permissions, r.Color)
	return mapErrNil(err)
}

// UpdateRole rewrites a role's mutable fields.
func (s *Store) UpdateRole(ctx context.Context, r *models.Role) error {
	ctx, cancel := s.deadline(ctx)
	defer cancel()
	tag, err := s.pool.Exec(ctx,
		`UPDATE roles SET name = $3, position = $4, permissions = $5, color = $6
		 WHERE id = $1 AND guild_id = $2`,
		r.ID, r.GuildID, r.Name, r.Position, r.Permissions, r.Color)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRole removes a role. The @everyone role (id = guild id) is refused
// by the REST layer before this call.
func (s *Store) DeleteRole(ctx context.Context, guildID, roleID snowflake.ID) error {
	ctx, cancel := s.deadline(ctx)
	defer cancel()
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM roles WHERE id = $1 AND guild_id = $2`, roleID, guildID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- channels ---

// CreateChannel inserts a channel.
func (s *Store) CreateChannel(ctx context.Context, c *models.Channel) error {
	ctx, cancel := s.deadline(ctx)
	defer cancel()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO channels (id, guild_id, channel_type, name, topic, parent_id)
		 VALUES ($1, NULLIF($2, 0), $3, $4, $5, NULLIF($6, 0))`,
		c.ID, c.GuildID, c.Type, c.Name, c.Topic, c.ParentID)
	return mapErrNil(err)
}

// ChannelByID fetches a channel.
func (s *Store) ChannelByID(ctx context.Context, id snowflake.ID) (*models.Channel, error) {
	ctx, cancel := s.deadline(ctx)
	defer cancel()
	var c models.Channel
	err := s.pool.QueryRow(ctx,
		`SELECT id, COALESCE(guild_id, 0), channel_type, COALESCE(name, ''), COALESCE(topic, ''), COALESCE(parent_id, 0)
		 FROM channels WHERE id = $1`, id).
		Scan(&c.ID, &c.GuildID, &c.Type, &c.Name, &c.Topic, &c.ParentID)
	if err != nil {
		return nil, mapErr(err)
	}
	if !c.IsGuildChannel() {
		rows, err := s.pool.Query(ctx,
			`SELECT user_id FROM channel_recipients WHERE channel_id = $1`, id)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		for rows.Next() {
			var uid snowflake.ID
			if err := rows.Scan(&uid); err != nil {
				return nil, err
			}
			c.Recipients = append(c.Recipients, uid)
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return &c, nil
}

// DeleteChannel removes a channel.
func (s *Store) DeleteChannel(ctx context.Context, id snowflake.ID) error {
	ctx, cancel := s.deadline(ctx)
	defer cancel()
	tag, err := s.pool.Exec(ctx, `DELETE FROM channels WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ChannelsForGuild lists a guild's channels.
func (s *Store) ChannelsForGuild(ctx context.Context, guildID snowflake.ID) ([]models.Channel, error) {
	ctx, cancel := s.deadline(ctx)
	defer cancel()
	rows, err := s.pool.Query(ctx,
		`SELECT id, COALESCE(guild_id, 0), channel_type, COALESCE(name, ''), COALESCE(topic, ''), COALESCE(parent_id, 0)
		 FROM channels WHERE guild_id = $1 ORDER BY id`, guildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []models.Channel
	for rows.Next() {
		var c models.Channel
		if err := rows.Scan(&c.ID, &c.GuildID, &c.Type, &c.Name, &c.Topic, &c.ParentID); err != nil {
			return nil, err
		}
		channels = append(channels, c)
	}
	return channels, rows.Err()
}

// --- overwrites ---

// OverwritesForChannel returns the channel's permission overwrites.
func (s *Store) OverwritesForChannel(ctx context.Context, channelID snowflake.ID) ([]models.Overwrite, error) {
	ctx, cancel := s.deadline(ctx)
	defer cancel()
	rows, err := s.pool.Query(ctx,
		`SELECT channel_id, target_id, target_type, allow, deny
		 FROM channel_overwrites WHERE channel_id = $1`, channelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var overwrites []models.Overwrite
	for rows.Next() {
		var o models.Overwrite
		if err := rows.Scan(&o.ChannelID, &o.TargetID, &o.TargetType, &o.Allow, &o.Deny); err != nil {
			return nil, err
		}
		overwrites = append(overwrites, o)
	}
	return overwrites, rows.Err()
}

// UpsertOverwrite writes an overwrite, replacing any existing row for the
// same target. Allow and deny are stored disjoint: deny wins overlaps.
func (s *Store) UpsertOverwrite(ctx context.Context, o *models.Overwrite) error {
	ctx, cancel := s.deadline(ctx)
	defer cancel()
	o.Allow &^= o.Deny
	_, err := s.pool.Exec(ctx,
		`INSERT INTO channel_overwrites (channel_id, target_id, target_type, allow, deny)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (channel_id, target_id) DO UPDATE SET target_type = $3, allow = $4, deny = $5`,
		o.ChannelID, o.TargetID, o.TargetType, o.Allow, o.Deny)
	return err
}

// DeleteOverwrite removes an overwrite.
func (s *Store) DeleteOverwrite(ctx context.Context, channelID, targetID snowflake.ID) error {
	ctx, cancel := s.deadline(ctx)
	defer cancel()
	_, err := s.pool.Exec(ctx,
		`DELETE FROM channel_overwrites WHERE channel_id = $1 AND target_id = $2`, channelID, targetID)
	return err
}

// --- messages ---

// CreateMessage inserts a message.
func (s *Store) CreateMessage(ctx context.Context, m *models.Message) error {
	ctx, cancel := s.deadline(ctx)
	defer cancel()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO messages (id, channel_id, author_id, content, created_at) VALUES ($1, $2, $3, $4, $5)`,
		m.ID, m.ChannelID, m.AuthorID, m.Content, m.CreatedAt)
	return mapErrNil(err)
}

// MessageByID fetches a message.
func (s *Store) MessageByID(ctx context.Context, id snowflake.ID) (*models.Message, error) {
	ctx, cancel := s.deadline(ctx)
	defer cancel()
	var m models.Message
	err := s.pool.QueryRow(ctx,
		`SELECT id, channel_id, author_id, content, created_at, edited_at FROM messages WHERE id = $1`, id).
		Scan(&m.ID, &m.ChannelID, &m.AuthorID, &m.Content, &m.CreatedAt, &m.EditedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &m, nil
}

// latestCursor is the paging sentinel for "start at the newest message". It
// must compare above every mintable snowflake, bit 62 included.
const latestCursor = snowflake.ID(math.MaxInt64)

// MessagesBefore pages a channel's history backwards from the given
// snowflake cursor (0 means "latest").
func (s *Store) MessagesBefore(ctx context.Context, channelID, before snowflake.ID, limit int) ([]models.Message, error) {
	ctx, cancel := s.deadline(ctx)
	defer cancel()
	if before.IsZero() {
		before = latestCursor
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, channel_id, author_id, content, created_at, edited_at
		 FROM messages WHERE channel_id = $1 AND id < $2 ORDER BY id DESC LIMIT $3`,
		channelID, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.ChannelID, &m.AuthorID, &m.Content, &m.CreatedAt, &m.EditedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// UpdateMessage rewrites a message's content and edit timestamp.
func (s *Store) UpdateMessage(ctx context.Context, m *models.Message) error {
	ctx, cancel := s.deadline(ctx)
	defer cancel()
	tag, err := s.pool.Exec(ctx,
		`UPDATE messages SET content = $2, edited_at = $3 WHERE id = $1`,
		m.ID, m.Content, m.EditedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteMessage removes a message.
func (s *Store) DeleteMessage(ctx context.Context, id snowflake.ID) error {
	ctx, cancel := s.deadline(ctx)
	defer cancel()
	tag, err := s.pool.Exec(ctx, `DELETE FROM messages WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- voice states ---

// UpsertVoiceState records which voice channel a member occupies.
func (s *Store) UpsertVoiceState(ctx context.Context, vs *models.VoiceState) error {
	ctx, cancel := s.deadline(ctx)
	defer cancel()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO voice_states (guild_id, user_id, channel_id, session_id, self_mute, self_deaf)
		 VALUES ($1, $2, NULLIF($3, 0), $4, $5, $6)
		 ON CONFLICT (guild_id, user_id) DO UPDATE SET channel_id = NULLIF($3, 0), session_id = $4, self_mute = $5, self_deaf = $6`,
		vs.GuildID, vs.UserID, vs.ChannelID, vs.SessionID, vs.SelfMute, vs.SelfDeaf)
	return err
}

// ClearVoiceState drops a member's voice state.
func (s *Store) ClearVoiceState(ctx context.Context, guildID, userID snowflake.ID) error {
	ctx, cancel := s.deadline(ctx)
	defer cancel()
	_, err := s.pool.Exec(ctx,
		`DELETE FROM voice_states WHERE guild_id = $1 AND user_id = $2`, guildID, userID)
	return err
}

// --- audit log ---

// InsertAuditEntry records a privileged mutation. Failures are logged and
// swallowed; audit writes never fail the originating mutation.
func (s *Store) InsertAuditEntry(ctx context.Context, e *models.AuditEntry) {
	ctx, cancel := s.deadline(ctx)
	defer cancel()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log (id, guild_id, user_id, action, target_id, at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, 0), $6)`,
		e.ID, e.GuildID, e.UserID, e.Action, e.TargetID, e.At)
	if err != nil {
		s.log.Warn().Err(err).Str("action", e.Action).Msg("error writing audit log entry")
	}
}

func mapErrNil(err error) error {
	if err == nil {
		return nil
	}
	return mapErr(err)
}
