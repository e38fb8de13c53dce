package gateway

import (
	"encoding/json"

	"github.com/paracord-chat/paracord/internal/models"
	"github.com/paracord-chat/paracord/internal/snowflake"
)

// Gateway opcodes.
const (
	OpDispatch         = 0
	OpHeartbeat        = 1
	OpIdentify         = 2
	OpVoiceStateUpdate = 4
	OpResume           = 6
	OpInvalidSession   = 9
	OpHello            = 10
	OpHeartbeatACK     = 11
)

// Close codes sent when the server terminates a connection.
const (
	// CloseReconnect tells the client to reconnect and re-IDENTIFY; sent
	// when its event stream lagged past the replayable window.
	CloseReconnect = 4000

	// CloseDecodeError is sent when a client frame fails to parse.
	CloseDecodeError = 4002

	// CloseAuthFailed is sent when the IDENTIFY token is rejected.
	CloseAuthFailed = 4004

	// CloseIdentifyTimeout is sent when no IDENTIFY arrives within the
	// handshake deadline.
	CloseIdentifyTimeout = 4008

	// CloseHeartbeatMiss is sent when heartbeats stop arriving.
	CloseHeartbeatMiss = 4009
)

// Frame is the JSON envelope every gateway message travels in. Seq is set on
// dispatch frames only.
type Frame struct {
	Op   int             `json:"op"`
	Type string          `json:"t,omitempty"`
	Seq  *int64          `json:"s,omitempty"`
	Data json.RawMessage `json:"d,omitempty"`
}

// Identify is the payload of an op 2 frame.
type Identify struct {
	Token string `json:"token"`
}

// Resume is the payload of an op 6 frame.
type Resume struct {
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// Hello is the payload of the op 10 frame sent on connect.
type Hello struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

// Ready is the payload of the READY dispatch.
type Ready struct {
	SessionID string         `json:"session_id"`
	User      *models.User   `json:"user"`
	Guilds    []models.Guild `json:"guilds"`
}

// VoiceStateCommand is the payload of an op 4 frame. A zero ChannelID means
// leave.
type VoiceStateCommand struct {
	GuildID   snowflake.ID `json:"guild_id"`
	ChannelID snowflake.ID `json:"channel_id,omitempty"`
	SelfMute  bool         `json:"self_mute"`
	SelfDeaf  bool         `json:"self_deaf"`
}

func marshalDispatch(eventType string, seq int64, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{
		Op:   OpDispatch,
		Type: eventType,
		Seq:  &seq,
		Data: data,
	})
}
