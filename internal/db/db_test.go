package db

import (
	"testing"

	"github.com/paracord-chat/paracord/internal/snowflake"
)

func TestLatestCursorCoversAllIDs(t *testing.T) {
	// Once the elapsed milliseconds pass 2^40 the 41-bit timestamp sets bit
	// 62, so any smaller sentinel would silently hide recent messages.
	farFuture := snowflake.ID(int64(1)<<62 | 0x3FFFFF)
	if farFuture >= latestCursor {
		t.Fatalf("cursor %d does not cover id %d", latestCursor, farFuture)
	}
	if now := snowflake.Generate(0); now >= latestCursor {
		t.Fatalf("cursor %d does not cover freshly minted id %d", latestCursor, now)
	}
}
