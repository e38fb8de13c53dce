// Package voice mints LiveKit room access tokens. The core never proxies
// media; clients take the minted token straight to the SFU.
package voice

import (
	"fmt"
	"time"

	"github.com/livekit/protocol/auth"

	"github.com/paracord-chat/paracord/internal/snowflake"
)

// tokenTTL is how long a minted join token stays valid. Clients join
// promptly after requesting one.
const tokenTTL = 10 * time.Minute

// Provider mints join tokens for one LiveKit deployment.
type Provider struct {
	url       string
	apiKey    string
	apiSecret string
}

// NewProvider builds a provider from the configured LiveKit credentials.
func NewProvider(url, apiKey, apiSecret string) *Provider {
	return &Provider{url: url, apiKey: apiKey, apiSecret: apiSecret}
}

// URL returns the websocket URL clients connect to.
func (p *Provider) URL() string {
	return p.url
}

// RoomName derives the LiveKit room for a voice channel.
func RoomName(channelID snowflake.ID) string {
	return fmt.Sprintf("voice-%s", channelID)
}

// JoinToken mints a token admitting userID to channelID's room.
func (p *Provider) JoinToken(channelID, userID snowflake.ID) (string, error) {
	at := auth.NewAccessToken(p.apiKey, p.apiSecret)
	grant := &auth.VideoGrant{
		RoomJoin: true,
		Room:     RoomName(channelID),
	}
	at.AddGrant(grant).
		SetIdentity(userID.String()).
		SetValidFor(tokenTTL)

	token, err := at.ToJWT()
	if err != nil {
		return "", fmt.Errorf("minting voice token: %w", err)
	}
	return token, nil
}
