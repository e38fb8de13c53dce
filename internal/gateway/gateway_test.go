package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/paracord-chat/paracord/internal/event"
	"github.com/paracord-chat/paracord/internal/memberindex"
	"github.com/paracord-chat/paracord/internal/models"
	"github.com/paracord-chat/paracord/internal/snowflake"
)

const (
	user10 snowflake.ID = 10
	user20 snowflake.ID = 20
)

type fakeStore struct {
	users    map[snowflake.ID]*models.User
	guilds   map[snowflake.ID][]models.Guild
	channels map[snowflake.ID]*models.Channel
}

func (f *fakeStore) UserByID(_ context.Context, id snowflake.ID) (*models.User, error) {
	user, ok := f.users[id]
	if !ok {
		return nil, errors.New("no such user")
	}
	return user, nil
}

func (f *fakeStore) GuildsForUser(_ context.Context, userID snowflake.ID) ([]models.Guild, error) {
	return f.guilds[userID], nil
}

func (f *fakeStore) ChannelByID(_ context.Context, id snowflake.ID) (*models.Channel, error) {
	channel, ok := f.channels[id]
	if !ok {
		return nil, errors.New("no such channel")
	}
	return channel, nil
}

func (f *fakeStore) UpsertVoiceState(context.Context, *models.VoiceState) error { return nil }

func (f *fakeStore) ClearVoiceState(context.Context, snowflake.ID, snowflake.ID) error { return nil }

type fakeTokens map[string]snowflake.ID

func (f fakeTokens) Validate(token string) (snowflake.ID, error) {
	id, ok := f[token]
	if !ok {
		return 0, errors.New("bad token")
	}
	return id, nil
}

type harness struct {
	gw     *Gateway
	bus    *event.Bus
	server *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessOpts(t, Options{
		HeartbeatInterval: 45 * time.Second,
		HandshakeTimeout:  5 * time.Second,
		ResumeWindow:      5 * time.Second,
		ReplayBufferSize:  32,
	}, 64)
}

func newHarnessOpts(t *testing.T, opts Options, busCapacity int) *harness {
	t.Helper()

	store := &fakeStore{
		users: map[snowflake.ID]*models.User{
			user10: {ID: user10, Username: "ten"},
			user20: {ID: user20, Username: "twenty"},
		},
		guilds: map[snowflake.ID][]models.Guild{
			user10: {{ID: 1, Name: "one", OwnerID: user10}},
			user20: {{ID: 2, Name: "two", OwnerID: user20}},
		},
		channels: map[snowflake.ID]*models.Channel{},
	}
	members := memberindex.FromMemberships([]models.Membership{
		{GuildID: 1, UserID: user10},
		{GuildID: 2, UserID: user20},
	})
	bus := event.NewBus(busCapacity, zerolog.Nop())

	gw := New(opts, store, fakeTokens{"token-10": user10, "token-20": user20}, bus, members, nil, zerolog.Nop())

	server := httptest.NewServer(http.HandlerFunc(gw.HandleWS))
	h := &harness{gw: gw, bus: bus, server: server}
	t.Cleanup(func() {
		gw.Shutdown()
		server.Close()
	})
	return h
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("unmarshal %q: %v", raw, err)
	}
	return frame
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame Frame) {
	t.Helper()
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func rawData(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

// identify drives the handshake to READY and returns the READY payload.
func (h *harness) identify(t *testing.T, conn *websocket.Conn, token string) Ready {
	t.Helper()

	if hello := readFrame(t, conn); hello.Op != OpHello {
		t.Fatalf("expected HELLO, got op %d", hello.Op)
	}
	sendFrame(t, conn, Frame{Op: OpIdentify, Data: rawData(t, Identify{Token: token})})

	frame := readFrame(t, conn)
	if frame.Op != OpDispatch || frame.Type != event.TypeReady {
		t.Fatalf("expected READY, got op %d type %q", frame.Op, frame.Type)
	}
	if frame.Seq == nil || *frame.Seq != 1 {
		t.Fatalf("READY seq = %v, want 1", frame.Seq)
	}

	var ready Ready
	if err := json.Unmarshal(frame.Data, &ready); err != nil {
		t.Fatal(err)
	}
	if ready.SessionID == "" {
		t.Fatal("READY carried no session id")
	}
	return ready
}

func TestIdentifyReady(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)
	defer conn.Close()

	ready := h.identify(t, conn, "token-10")
	if ready.User.ID != user10 {
		t.Fatalf("READY user = %d", ready.User.ID)
	}
	if len(ready.Guilds) != 1 || ready.Guilds[0].ID != 1 {
		t.Fatalf("READY guilds = %v", ready.Guilds)
	}
}

func TestInvalidTokenCloses(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)
	defer conn.Close()

	readFrame(t, conn) // HELLO
	sendFrame(t, conn, Frame{Op: OpIdentify, Data: rawData(t, Identify{Token: "bogus"})})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != CloseAuthFailed {
		t.Fatalf("expected close %d, got %v", CloseAuthFailed, err)
	}
}

func TestHeartbeatAck(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)
	defer conn.Close()
	h.identify(t, conn, "token-10")

	sendFrame(t, conn, Frame{Op: OpHeartbeat, Data: rawData(t, 1)})
	if ack := readFrame(t, conn); ack.Op != OpHeartbeatACK {
		t.Fatalf("expected HEARTBEAT_ACK, got op %d", ack.Op)
	}
}

func TestHeartbeatMissCloses(t *testing.T) {
	h := newHarnessOpts(t, Options{
		HeartbeatInterval: 200 * time.Millisecond,
		HandshakeTimeout:  5 * time.Second,
		ResumeWindow:      5 * time.Second,
		ReplayBufferSize:  32,
	}, 64)
	conn := h.dial(t)
	defer conn.Close()
	h.identify(t, conn, "token-10")

	// Never heartbeat; the read deadline fires at 1.5x the interval.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != CloseHeartbeatMiss {
		t.Fatalf("expected close %d, got %v", CloseHeartbeatMiss, err)
	}
}

func TestLaggedSessionForcedToReconnect(t *testing.T) {
	h := newHarnessOpts(t, Options{
		HeartbeatInterval: 45 * time.Second,
		HandshakeTimeout:  5 * time.Second,
		ResumeWindow:      5 * time.Second,
		ReplayBufferSize:  32,
	}, 4)
	conn := h.dial(t)
	defer conn.Close()
	h.identify(t, conn, "token-10")

	// Publish bulky frames without reading: the writer stalls on the full
	// socket while the four-slot ring overflows behind it.
	filler := strings.Repeat("x", 128<<10)
	for i := 0; i < 256; i++ {
		h.bus.Publish(event.Event{Type: event.TypeMessageCreate, GuildID: 1, Payload: map[string]string{"content": filler}})
	}

	// Drain until the server reports the lag with a reconnect close.
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		if !errors.As(err, &closeErr) || closeErr.Code != CloseReconnect {
			t.Fatalf("expected close %d, got %v", CloseReconnect, err)
		}
		return
	}
}

func TestGuildScopedIsolation(t *testing.T) {
	h := newHarness(t)
	conn1 := h.dial(t)
	defer conn1.Close()
	h.identify(t, conn1, "token-10")
	conn2 := h.dial(t)
	defer conn2.Close()
	h.identify(t, conn2, "token-20")

	h.bus.Publish(event.Event{Type: event.TypeMessageCreate, GuildID: 2, Payload: map[string]string{"content": "hi"}})
	h.bus.Publish(event.Event{Type: event.TypeSettingsUpdate, Payload: map[string]string{"server_name": "x"}})

	// Session 2 sees both, in order.
	if frame := readFrame(t, conn2); frame.Type != event.TypeMessageCreate {
		t.Fatalf("conn2 first frame = %q", frame.Type)
	}
	if frame := readFrame(t, conn2); frame.Type != event.TypeSettingsUpdate {
		t.Fatalf("conn2 second frame = %q", frame.Type)
	}

	// Session 1 skips the guild-2 message; its next frame is the broadcast
	// and its sequence has no gap.
	frame := readFrame(t, conn1)
	if frame.Type != event.TypeSettingsUpdate {
		t.Fatalf("conn1 got %q, want settings broadcast", frame.Type)
	}
	if frame.Seq == nil || *frame.Seq != 2 {
		t.Fatalf("conn1 seq = %v, want 2", frame.Seq)
	}
}

func TestTargetedDelivery(t *testing.T) {
	h := newHarness(t)
	conn1 := h.dial(t)
	defer conn1.Close()
	h.identify(t, conn1, "token-10")
	conn2 := h.dial(t)
	defer conn2.Close()
	h.identify(t, conn2, "token-20")

	// Targeting wins over guild scoping: user 10 is not in guild 2 but is
	// named explicitly.
	h.bus.Publish(event.Event{
		Type:          event.TypeMessageCreate,
		GuildID:       2,
		TargetUserIDs: []snowflake.ID{user10},
		Payload:       map[string]string{"content": "dm"},
	})
	h.bus.Publish(event.Event{Type: event.TypeSettingsUpdate, Payload: map[string]string{}})

	if frame := readFrame(t, conn1); frame.Type != event.TypeMessageCreate {
		t.Fatalf("conn1 got %q, want targeted message", frame.Type)
	}
	if frame := readFrame(t, conn2); frame.Type != event.TypeSettingsUpdate {
		t.Fatalf("conn2 got %q, targeted event leaked", frame.Type)
	}
}

func TestSequencesStrictlyIncrease(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)
	defer conn.Close()
	h.identify(t, conn, "token-10")

	for i := 0; i < 5; i++ {
		h.bus.Publish(event.Event{Type: event.TypeMessageCreate, GuildID: 1, Payload: i})
	}
	// READY was seq 1.
	for want := int64(2); want <= 6; want++ {
		frame := readFrame(t, conn)
		if frame.Seq == nil || *frame.Seq != want {
			t.Fatalf("seq = %v, want %d", frame.Seq, want)
		}
	}
}

func TestUnmarshalablePayloadLeavesNoSeqGap(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)
	defer conn.Close()
	h.identify(t, conn, "token-10")

	// A payload json cannot encode is dropped without consuming a sequence
	// number; the next deliverable event follows READY directly.
	h.bus.Publish(event.Event{Type: event.TypeMessageCreate, GuildID: 1, Payload: make(chan int)})
	h.bus.Publish(event.Event{Type: event.TypeMessageCreate, GuildID: 1, Payload: map[string]string{"content": "ok"}})

	frame := readFrame(t, conn)
	if frame.Seq == nil || *frame.Seq != 2 {
		t.Fatalf("seq = %v, want 2", frame.Seq)
	}
}

func TestGuildCreateExpandsSubscription(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)
	defer conn.Close()
	h.identify(t, conn, "token-10")

	// User 10 joins guild 3: the targeted GUILD_CREATE must fold guild 3
	// into the subscription set before later guild-3 events arrive.
	h.bus.Publish(event.Event{
		Type:          event.TypeGuildCreate,
		GuildID:       3,
		TargetUserIDs: []snowflake.ID{user10},
		Payload:       models.Guild{ID: 3, Name: "three"},
	})
	h.bus.Publish(event.Event{Type: event.TypeMessageCreate, GuildID: 3, Payload: map[string]string{}})

	if frame := readFrame(t, conn); frame.Type != event.TypeGuildCreate {
		t.Fatalf("first frame = %q", frame.Type)
	}
	if frame := readFrame(t, conn); frame.Type != event.TypeMessageCreate {
		t.Fatalf("guild-3 message not delivered after join, got %q", frame.Type)
	}
}

func TestResumeReplaysMissedFrames(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)
	ready := h.identify(t, conn, "token-10")

	for i := 0; i < 3; i++ {
		h.bus.Publish(event.Event{Type: event.TypeMessageCreate, GuildID: 1, Payload: i})
	}
	// Consume seq 2, leave 3 and 4 unread, then lose the socket.
	if frame := readFrame(t, conn); frame.Seq == nil || *frame.Seq != 2 {
		t.Fatalf("expected seq 2, got %v", frame.Seq)
	}
	// Give the writer time to buffer the remaining frames.
	time.Sleep(50 * time.Millisecond)
	conn.Close()

	conn2 := h.dial(t)
	defer conn2.Close()
	readFrame(t, conn2) // HELLO
	sendFrame(t, conn2, Frame{Op: OpResume, Data: rawData(t, Resume{SessionID: ready.SessionID, Seq: 2})})

	for want := int64(3); want <= 4; want++ {
		frame := readFrame(t, conn2)
		if frame.Seq == nil || *frame.Seq != want {
			t.Fatalf("replayed seq = %v, want %d", frame.Seq, want)
		}
		if frame.Type != event.TypeMessageCreate {
			t.Fatalf("replayed type = %q", frame.Type)
		}
	}
	if frame := readFrame(t, conn2); frame.Type != event.TypeResumed {
		t.Fatalf("expected RESUMED, got %q", frame.Type)
	}
}

func TestResumeUnknownSessionInvalidatesThenIdentifies(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)
	defer conn.Close()

	readFrame(t, conn) // HELLO
	sendFrame(t, conn, Frame{Op: OpResume, Data: rawData(t, Resume{SessionID: "nope", Seq: 3})})

	frame := readFrame(t, conn)
	if frame.Op != OpInvalidSession {
		t.Fatalf("expected INVALID_SESSION, got op %d", frame.Op)
	}

	// The connection stays usable for a fresh IDENTIFY.
	sendFrame(t, conn, Frame{Op: OpIdentify, Data: rawData(t, Identify{Token: "token-10"})})
	ready := readFrame(t, conn)
	if ready.Type != event.TypeReady {
		t.Fatalf("expected READY after INVALID_SESSION, got %q", ready.Type)
	}
}

func TestReplayRingTruncation(t *testing.T) {
	ring := newReplayRing(3)
	for seq := int64(1); seq <= 5; seq++ {
		ring.push(seq, []byte{byte(seq)})
	}
	// Ring holds 3..5 now.
	if _, ok := ring.after(1); ok {
		t.Fatal("expected truncation for seq 1")
	}
	frames, ok := ring.after(3)
	if !ok || len(frames) != 2 || frames[0].seq != 4 {
		t.Fatalf("after(3) = %v, %v", frames, ok)
	}
	frames, ok = ring.after(5)
	if !ok || len(frames) != 0 {
		t.Fatalf("after(5) = %v, %v", frames, ok)
	}
}

func TestShouldReceive(t *testing.T) {
	sess := &Session{
		UserID:   user10,
		guildIDs: map[snowflake.ID]struct{}{1: {}},
	}

	cases := []struct {
		name string
		ev   event.Event
		want bool
	}{
		{"broadcast", event.Event{Type: "X"}, true},
		{"own guild", event.Event{Type: "X", GuildID: 1}, true},
		{"other guild", event.Event{Type: "X", GuildID: 2}, false},
		{"targeted at us", event.Event{Type: "X", TargetUserIDs: []snowflake.ID{user10}}, true},
		{"targeted elsewhere", event.Event{Type: "X", TargetUserIDs: []snowflake.ID{user20}}, false},
		{"target overrides guild", event.Event{Type: "X", GuildID: 1, TargetUserIDs: []snowflake.ID{user20}}, false},
	}
	for _, tc := range cases {
		if got := sess.shouldReceive(&tc.ev); got != tc.want {
			t.Errorf("%s: shouldReceive = %v, want %v", tc.name, got, tc.want)
		}
	}
}
