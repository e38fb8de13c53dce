package event

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/stan.go"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack"
)

// StreamEvent is the wire shape mirrored events take on the streaming
// channel.
type StreamEvent struct {
	Type    string      `msgpack:"t"`
	GuildID string      `msgpack:"g,omitempty"`
	Data    interface{} `msgpack:"d"`
}

// Mirror republishes every bus event onto a NATS Streaming channel so
// external consumers (bots, search indexers, moderation tooling) can follow
// the instance without holding a gateway session. Mirroring is best-effort;
// a publish failure is logged and never stalls the bus.
type Mirror struct {
	nc      *nats.Conn
	sc      stan.Conn
	channel string
	log     zerolog.Logger
}

// NewMirror connects to NATS and the streaming cluster.
func NewMirror(address, clusterID, clientID, channel string, log zerolog.Logger) (*Mirror, error) {
	nc, err := nats.Connect(address)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}

	sc, err := stan.Connect(clusterID, clientID, stan.NatsConn(nc))
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("connecting to stan: %w", err)
	}

	return &Mirror{nc: nc, sc: sc, channel: channel, log: log}, nil
}

// Run drains sub until ctx is done or the subscriber closes. Lag on the
// mirror's own subscriber only means external consumers missed events; the
// gateway path is unaffected, so Run logs and keeps going.
func (m *Mirror) Run(ctx context.Context, sub *Subscriber) {
	for {
		ev, err := sub.Recv(ctx)
		if err != nil {
			var lagged *LaggedError
			if errors.As(err, &lagged) {
				m.log.Warn().Uint64("missed", lagged.Missed).Msg("event mirror lagged")
				continue
			}
			if errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled) {
				return
			}
			m.log.Error().Err(err).Msg("event mirror receive failed")
			return
		}

		se := StreamEvent{Type: ev.Type, Data: ev.Payload}
		if !ev.GuildID.IsZero() {
			se.GuildID = ev.GuildID.String()
		}
		body, err := msgpack.Marshal(se)
		if err != nil {
			m.log.Warn().Err(err).Str("type", ev.Type).Msg("error marshalling stream event")
			continue
		}

		if err := m.sc.Publish(m.channel, body); err != nil {
			m.log.Warn().Err(err).Str("type", ev.Type).Msg("error publishing stream event")
		}
	}
}

// Close tears down the streaming and NATS connections.
func (m *Mirror) Close() {
	if err := m.sc.Close(); err != nil {
		m.log.Warn().Err(err).Msg("error closing stan connection")
	}
	m.nc.Close()
}
