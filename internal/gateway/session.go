package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/paracord-chat/paracord/internal/event"
	"github.com/paracord-chat/paracord/internal/snowflake"
)

// replayFrame is one already-serialized dispatch retained for resume.
type replayFrame struct {
	seq  int64
	data []byte
}

// replayRing retains the last capacity dispatch frames of a session.
type replayRing struct {
	frames []replayFrame
	cap    int
}

func newReplayRing(capacity int) *replayRing {
	return &replayRing{cap: capacity}
}

func (r *replayRing) push(seq int64, data []byte) {
	if len(r.frames) >= r.cap {
		copy(r.frames, r.frames[1:])
		r.frames = r.frames[:len(r.frames)-1]
	}
	r.frames = append(r.frames, replayFrame{seq: seq, data: data})
}

// after returns the retained frames with sequence greater than seq, and
// whether the request is fully servable: false when frames the client is
// missing have already been truncated.
func (r *replayRing) after(seq int64) ([]replayFrame, bool) {
	if len(r.frames) == 0 {
		return nil, true
	}
	if r.frames[0].seq > seq+1 {
		return nil, false
	}
	for i, f := range r.frames {
		if f.seq > seq {
			return r.frames[i:], true
		}
	}
	return nil, true
}

// Session is the server-side state of one identified client. It lives from
// READY until eviction, surviving socket loss for the resume window.
type Session struct {
	// ID is the opaque resume credential handed to the client in READY.
	ID     string
	UserID snowflake.ID

	mu       sync.RWMutex
	guildIDs map[snowflake.ID]struct{}

	// conn is nil while the session is detached awaiting a resume.
	conn    *websocket.Conn
	replay  *replayRing
	evicted bool

	// resumeTimer evicts a detached session when the window expires. Nil
	// while a socket is attached.
	resumeTimer *time.Timer

	// wsMutex serializes websocket writes between the writer loop and the
	// reader's heartbeat ACKs.
	wsMutex sync.Mutex

	// seq is the dispatch sequence counter; the writer stamps each outgoing
	// event with seq+1.
	seq atomic.Int64

	lastHeartbeat atomic.Int64

	sub *event.Subscriber
	log zerolog.Logger
}

func (s *Session) nextSeq() int64 {
	return s.seq.Add(1)
}

func (s *Session) touchHeartbeat() {
	s.lastHeartbeat.Store(time.Now().UnixNano())
}

func (s *Session) sinceHeartbeat() time.Duration {
	return time.Since(time.Unix(0, s.lastHeartbeat.Load()))
}

// inGuild reports whether the session subscribes to guildID.
func (s *Session) inGuild(guildID snowflake.ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.guildIDs[guildID]
	return ok
}

// GuildIDs snapshots the session's subscription set.
func (s *Session) GuildIDs() []snowflake.ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]snowflake.ID, 0, len(s.guildIDs))
	for id := range s.guildIDs {
		ids = append(ids, id)
	}
	return ids
}

func (s *Session) addGuild(guildID snowflake.ID) {
	s.mu.Lock()
	s.guildIDs[guildID] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) removeGuild(guildID snowflake.ID) {
	s.mu.Lock()
	delete(s.guildIDs, guildID)
	s.mu.Unlock()
}

// shouldReceive decides whether ev belongs on this session's wire. Explicit
// targeting wins over guild scoping; an unscoped event reaches everyone.
func (s *Session) shouldReceive(ev *event.Event) bool {
	if ev.Targeted() {
		return ev.TargetsUser(s.UserID)
	}
	if !ev.GuildID.IsZero() {
		return s.inGuild(ev.GuildID)
	}
	return true
}

// writeControl marshals and writes a non-dispatch frame.
func (s *Session) writeControl(frame Frame) error {
	s.wsMutex.Lock()
	defer s.wsMutex.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.WriteJSON(frame)
}

// closeWith sends a close frame and drops the socket, leaving the session
// itself alone.
func (s *Session) closeWith(code int, reason string) {
	s.wsMutex.Lock()
	defer s.wsMutex.Unlock()
	if s.conn == nil {
		return
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second))
	_ = s.conn.Close()
	s.conn = nil
}
