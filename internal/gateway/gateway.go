// Package gateway owns the websocket side of the core: one Session per
// connected client, identity negotiation, heartbeat supervision, event
// filtering and sequence-stamped dispatch with best-effort resume.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/paracord-chat/paracord/internal/event"
	"github.com/paracord-chat/paracord/internal/memberindex"
	"github.com/paracord-chat/paracord/internal/models"
	"github.com/paracord-chat/paracord/internal/presence"
	"github.com/paracord-chat/paracord/internal/snowflake"
)

// Store is the slice of the database the gateway reads and writes.
type Store interface {
	UserByID(ctx context.Context, id snowflake.ID) (*models.User, error)
	GuildsForUser(ctx context.Context, userID snowflake.ID) ([]models.Guild, error)
	ChannelByID(ctx context.Context, id snowflake.ID) (*models.Channel, error)
	UpsertVoiceState(ctx context.Context, vs *models.VoiceState) error
	ClearVoiceState(ctx context.Context, guildID, userID snowflake.ID) error
}

// TokenValidator checks a bearer token and returns its user.
type TokenValidator interface {
	Validate(token string) (snowflake.ID, error)
}

// Options configures a Gateway.
type Options struct {
	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration
	ResumeWindow      time.Duration
	ReplayBufferSize  int

	// PresenceToSelf controls whether a user's other sessions receive their
	// own presence flips.
	PresenceToSelf bool
}

// Gateway upgrades connections and runs their sessions.
type Gateway struct {
	opts    Options
	store   Store
	tokens  TokenValidator
	bus     *event.Bus
	members *memberindex.Index

	// presence is nil when the presence cache is disabled.
	presence *presence.Cache

	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*Session
	byUser   map[snowflake.ID]int

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a Gateway. cache may be nil.
func New(opts Options, store Store, tokens TokenValidator, bus *event.Bus, members *memberindex.Index, cache *presence.Cache, log zerolog.Logger) *Gateway {
	if opts.ReplayBufferSize <= 0 {
		opts.ReplayBufferSize = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		opts:     opts,
		store:    store,
		tokens:   tokens,
		bus:      bus,
		members:  members,
		presence: cache,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sessions: make(map[string]*Session),
		byUser:   make(map[snowflake.ID]int),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SessionCount returns the number of live sessions, detached ones included.
func (g *Gateway) SessionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

// HandleWS upgrades the request and runs the connection until it ends.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	if err := conn.WriteJSON(Frame{Op: OpHello, Data: mustMarshal(Hello{
		HeartbeatInterval: g.opts.HeartbeatInterval.Milliseconds(),
	})}); err != nil {
		conn.Close()
		return
	}

	sess := g.handshake(conn)
	if sess == nil {
		return
	}
	g.reader(sess)
}

// handshake awaits IDENTIFY or RESUME within the handshake deadline. It
// returns the attached session, or nil when the connection died. After an
// INVALID_SESSION the connection stays open and the loop keeps waiting for
// an IDENTIFY.
func (g *Gateway) handshake(conn *websocket.Conn) *Session {
	deadline := time.Now().Add(g.opts.HandshakeTimeout)
	conn.SetReadDeadline(deadline)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if isTimeout(err) {
				closeConn(conn, CloseIdentifyTimeout, "identify timeout")
			} else {
				conn.Close()
			}
			return nil
		}

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			closeConn(conn, CloseDecodeError, "decode error")
			return nil
		}

		switch frame.Op {
		case OpIdentify:
			var identify Identify
			if err := json.Unmarshal(frame.Data, &identify); err != nil {
				closeConn(conn, CloseDecodeError, "decode error")
				return nil
			}
			sess, err := g.identify(conn, identify.Token)
			if err != nil {
				closeConn(conn, CloseAuthFailed, "authentication failed")
				return nil
			}
			return sess

		case OpResume:
			var resume Resume
			if err := json.Unmarshal(frame.Data, &resume); err != nil {
				closeConn(conn, CloseDecodeError, "decode error")
				return nil
			}
			if sess := g.resume(conn, resume); sess != nil {
				return sess
			}
			// Not resumable; tell the client and await IDENTIFY.
			if err := conn.WriteJSON(Frame{Op: OpInvalidSession, Data: json.RawMessage("false")}); err != nil {
				conn.Close()
				return nil
			}

		default:
			// Pre-identify heartbeats and the like are tolerated.
		}
	}
}

// identify validates the token, loads the user's guilds fresh from the
// database and brings a new session to READY.
func (g *Gateway) identify(conn *websocket.Conn, token string) (*Session, error) {
	userID, err := g.tokens.Validate(token)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(g.ctx, 10*time.Second)
	defer cancel()

	user, err := g.store.UserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	guilds, err := g.store.GuildsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	guildIDs := make(map[snowflake.ID]struct{}, len(guilds))
	for _, guild := range guilds {
		guildIDs[guild.ID] = struct{}{}
	}

	sess := &Session{
		ID:       uuid.NewString(),
		UserID:   userID,
		guildIDs: guildIDs,
		conn:     conn,
		replay:   newReplayRing(g.opts.ReplayBufferSize),
		sub:      g.bus.Subscribe(),
	}
	sess.log = g.log.With().Str("session_id", sess.ID).Str("user_id", userID.String()).Logger()
	sess.touchHeartbeat()

	g.mu.Lock()
	g.sessions[sess.ID] = sess
	g.byUser[userID]++
	g.mu.Unlock()

	seq := sess.nextSeq()
	ready, err := marshalDispatch(event.TypeReady, seq, Ready{
		SessionID: sess.ID,
		User:      user,
		Guilds:    guilds,
	})
	if err != nil {
		g.evict(sess)
		return nil, err
	}
	if err := g.dispatchFrame(sess, seq, ready); err != nil {
		g.evict(sess)
		return nil, err
	}

	go g.writer(sess)
	g.publishPresence(sess, presence.StatusOnline)
	g.setPresence(sess, presence.StatusOnline)

	sess.log.Info().Int("guilds", len(guilds)).Msg("session ready")
	return sess, nil
}

// resume attaches conn to an existing session and replays the frames the
// client missed. A nil return means the session cannot be resumed.
func (g *Gateway) resume(conn *websocket.Conn, resume Resume) *Session {
	g.mu.Lock()
	sess, ok := g.sessions[resume.SessionID]
	g.mu.Unlock()
	if !ok {
		return nil
	}

	sess.mu.Lock()
	if sess.evicted {
		sess.mu.Unlock()
		return nil
	}
	if sess.resumeTimer != nil {
		sess.resumeTimer.Stop()
		sess.resumeTimer = nil
	}
	sess.mu.Unlock()

	sess.wsMutex.Lock()
	if sess.conn != nil {
		// The old socket is superseded; the client reconnected first.
		_ = sess.conn.Close()
	}
	frames, servable := sess.replay.after(resume.Seq)
	if !servable {
		sess.wsMutex.Unlock()
		g.evict(sess)
		return nil
	}
	sess.conn = conn
	replayFailed := false
	for _, f := range frames {
		if err := conn.WriteMessage(websocket.TextMessage, f.data); err != nil {
			replayFailed = true
			break
		}
	}
	sess.wsMutex.Unlock()

	if replayFailed {
		g.detach(sess, conn, 0, "")
		return nil
	}

	seq := sess.nextSeq()
	resumed, err := marshalDispatch(event.TypeResumed, seq, struct{}{})
	if err == nil {
		err = g.dispatchFrame(sess, seq, resumed)
	}
	if err != nil {
		g.detach(sess, conn, 0, "")
		return nil
	}

	sess.touchHeartbeat()
	sess.log.Info().Int64("seq", resume.Seq).Int("replayed", len(frames)).Msg("session resumed")
	return sess
}

// reader consumes client frames until the socket dies. Heartbeat supervision
// rides on the read deadline: each inbound frame extends it by 1.5x the
// heartbeat interval.
func (g *Gateway) reader(sess *Session) {
	conn := g.attachedConn(sess)
	if conn == nil {
		return
	}
	limit := g.opts.HeartbeatInterval + g.opts.HeartbeatInterval/2
	conn.SetReadDeadline(time.Now().Add(limit))

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if isTimeout(err) {
				g.detach(sess, conn, CloseHeartbeatMiss, "heartbeat timeout")
			} else {
				g.detach(sess, conn, 0, "")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(limit))

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			g.detach(sess, conn, CloseDecodeError, "decode error")
			return
		}

		switch frame.Op {
		case OpHeartbeat:
			sess.touchHeartbeat()
			g.setPresence(sess, presence.StatusOnline)
			if err := sess.writeControl(Frame{Op: OpHeartbeatACK}); err != nil {
				g.detach(sess, conn, 0, "")
				return
			}

		case OpVoiceStateUpdate:
			if !g.handleVoiceState(sess, frame.Data) {
				g.detach(sess, conn, CloseDecodeError, "decode error")
				return
			}

		default:
			sess.log.Debug().Int("op", frame.Op).Msg("ignoring unexpected op")
		}
	}
}

// writer drains the session's bus subscription, filters, stamps and sends.
// It exits when the subscriber closes (eviction) or the gateway shuts down.
func (g *Gateway) writer(sess *Session) {
	for {
		ev, err := sess.sub.Recv(g.ctx)
		if err != nil {
			var lagged *event.LaggedError
			if errors.As(err, &lagged) {
				sess.log.Warn().Uint64("missed", lagged.Missed).Msg("session lagged, forcing reconnect")
				sess.closeWith(CloseReconnect, "event stream lagged")
				g.evict(sess)
				return
			}
			if errors.Is(err, event.ErrClosed) || errors.Is(err, context.Canceled) {
				return
			}
			sess.log.Error().Err(err).Msg("writer receive failed")
			g.evict(sess)
			return
		}

		if !sess.shouldReceive(&ev) {
			continue
		}

		// Membership changes mutate the subscription set in step with the
		// event that announces them.
		if ev.Type == event.TypeGuildCreate && ev.Targeted() && !ev.GuildID.IsZero() {
			sess.addGuild(ev.GuildID)
		}

		// Marshal the payload before minting a sequence number so an
		// unmarshalable payload cannot leave a hole in the dispatch stream.
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			sess.log.Warn().Err(err).Str("type", ev.Type).Msg("error marshalling dispatch")
			continue
		}
		seq := sess.nextSeq()
		data := mustMarshal(Frame{Op: OpDispatch, Type: ev.Type, Seq: &seq, Data: payload})
		if err := g.dispatchFrame(sess, seq, data); err != nil {
			// Keep draining; the session may resume onto a new socket.
			g.detach(sess, nil, 0, "")
		}

		if ev.Type == event.TypeGuildDelete && !ev.GuildID.IsZero() {
			sess.removeGuild(ev.GuildID)
		}
	}
}

// dispatchFrame retains data in the replay ring and writes it to the
// attached socket, atomically with respect to resume.
func (g *Gateway) dispatchFrame(sess *Session, seq int64, data []byte) error {
	sess.wsMutex.Lock()
	defer sess.wsMutex.Unlock()
	sess.replay.push(seq, data)
	if sess.conn == nil {
		return nil
	}
	return sess.conn.WriteMessage(websocket.TextMessage, data)
}

// handleVoiceState applies an op 4 command. It returns false only when the
// payload failed to decode.
func (g *Gateway) handleVoiceState(sess *Session, raw json.RawMessage) bool {
	var cmd VoiceStateCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return false
	}
	if !sess.inGuild(cmd.GuildID) {
		return true
	}

	ctx, cancel := context.WithTimeout(g.ctx, 10*time.Second)
	defer cancel()

	vs := &models.VoiceState{
		GuildID:   cmd.GuildID,
		UserID:    sess.UserID,
		ChannelID: cmd.ChannelID,
		SessionID: sess.ID,
		SelfMute:  cmd.SelfMute,
		SelfDeaf:  cmd.SelfDeaf,
	}

	if cmd.ChannelID.IsZero() {
		if err := g.store.ClearVoiceState(ctx, cmd.GuildID, sess.UserID); err != nil {
			sess.log.Warn().Err(err).Msg("error clearing voice state")
			return true
		}
	} else {
		channel, err := g.store.ChannelByID(ctx, cmd.ChannelID)
		if err != nil {
			sess.log.Debug().Err(err).Msg("voice state update for unknown channel")
			return true
		}
		if channel.Type != models.ChannelTypeVoice || channel.GuildID != cmd.GuildID {
			return true
		}
		if err := g.store.UpsertVoiceState(ctx, vs); err != nil {
			sess.log.Warn().Err(err).Msg("error upserting voice state")
			return true
		}
	}

	g.bus.Publish(event.Event{
		Type:    event.TypeVoiceStateUpdate,
		Payload: vs,
		GuildID: cmd.GuildID,
	})
	return true
}

// detach drops conn from the session but keeps the session resumable until
// the resume window expires. When conn is no longer the session's socket (a
// resume superseded it) only conn itself is closed. A nil conn detaches
// whatever socket is attached. A non-zero code sends a close frame first.
func (g *Gateway) detach(sess *Session, conn *websocket.Conn, code int, reason string) {
	sess.wsMutex.Lock()
	if conn != nil && sess.conn != conn {
		sess.wsMutex.Unlock()
		_ = conn.Close()
		return
	}
	if sess.conn != nil {
		if code != 0 {
			msg := websocket.FormatCloseMessage(code, reason)
			_ = sess.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second))
		}
		_ = sess.conn.Close()
		sess.conn = nil
	}
	sess.wsMutex.Unlock()

	sess.mu.Lock()
	if sess.evicted || sess.resumeTimer != nil {
		sess.mu.Unlock()
		return
	}
	sess.resumeTimer = time.AfterFunc(g.opts.ResumeWindow, func() {
		g.evict(sess)
	})
	sess.mu.Unlock()
	sess.log.Debug().Msg("session detached, awaiting resume")
}

// evict permanently removes a session. Idempotent.
func (g *Gateway) evict(sess *Session) {
	sess.mu.Lock()
	if sess.evicted {
		sess.mu.Unlock()
		return
	}
	sess.evicted = true
	if sess.resumeTimer != nil {
		sess.resumeTimer.Stop()
		sess.resumeTimer = nil
	}
	sess.mu.Unlock()

	sess.sub.Close()
	sess.closeWith(CloseReconnect, "session evicted")

	g.mu.Lock()
	delete(g.sessions, sess.ID)
	g.byUser[sess.UserID]--
	last := g.byUser[sess.UserID] <= 0
	if last {
		delete(g.byUser, sess.UserID)
	}
	g.mu.Unlock()

	if last {
		g.publishPresence(sess, presence.StatusOffline)
		g.clearPresence(sess)
	}
	sess.log.Debug().Msg("session evicted")
}

// publishPresence fans a status flip out to everyone sharing a guild with
// the session's user.
func (g *Gateway) publishPresence(sess *Session, status string) {
	recipients := g.members.PresenceRecipients(sess.UserID, sess.GuildIDs())
	targets := make([]snowflake.ID, 0, len(recipients)+1)
	for id := range recipients {
		targets = append(targets, id)
	}
	if g.opts.PresenceToSelf {
		targets = append(targets, sess.UserID)
	}
	if len(targets) == 0 {
		return
	}
	g.bus.Publish(event.Event{
		Type: event.TypePresenceUpdate,
		Payload: map[string]interface{}{
			"user_id": sess.UserID,
			"status":  status,
		},
		TargetUserIDs: targets,
	})
}

func (g *Gateway) setPresence(sess *Session, status string) {
	if g.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(g.ctx, 2*time.Second)
	defer cancel()
	if err := g.presence.SetStatus(ctx, sess.UserID, status); err != nil {
		sess.log.Debug().Err(err).Msg("error writing presence status")
	}
}

func (g *Gateway) clearPresence(sess *Session) {
	if g.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := g.presence.ClearStatus(ctx, sess.UserID); err != nil {
		sess.log.Debug().Err(err).Msg("error clearing presence status")
	}
}

func (g *Gateway) attachedConn(sess *Session) *websocket.Conn {
	sess.wsMutex.Lock()
	defer sess.wsMutex.Unlock()
	return sess.conn
}

// Shutdown closes every session and stops the gateway.
func (g *Gateway) Shutdown() {
	g.cancel()

	g.mu.Lock()
	sessions := make([]*Session, 0, len(g.sessions))
	for _, sess := range g.sessions {
		sessions = append(sessions, sess)
	}
	g.mu.Unlock()

	for _, sess := range sessions {
		sess.closeWith(websocket.CloseGoingAway, "server shutting down")
		g.evict(sess)
	}
}

func closeConn(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second))
	conn.Close()
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func mustMarshal(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
