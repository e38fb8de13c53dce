package snowflake

import (
	"encoding/json"
	"testing"
	"time"
)

func TestGenerateMonotonicWithinMillisecond(t *testing.T) {
	var prev ID
	for i := 0; i < 1000; i++ {
		id := Generate(1)
		if id <= prev {
			t.Fatalf("id %d not greater than previous %d", id, prev)
		}
		prev = id
	}
}

func TestTimestampNearNow(t *testing.T) {
	before := time.Now().UnixMilli()
	id := Generate(0)
	after := time.Now().UnixMilli()

	ts := Timestamp(id)
	if ts < before || ts > after+1 {
		t.Fatalf("timestamp %d outside [%d, %d]", ts, before, after+1)
	}
}

func TestWorkerAndSequenceRoundTrip(t *testing.T) {
	id := Generate(513)
	if got := Worker(id); got != 513 {
		t.Fatalf("worker = %d, want 513", got)
	}
	if seq := Sequence(id); seq > 0xFFF {
		t.Fatalf("sequence %d exceeds 12 bits", seq)
	}
}

func TestJSONQuotedDecimal(t *testing.T) {
	id := ID(1234567890123456789)
	raw, err := json.Marshal(id)
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != `"1234567890123456789"` {
		t.Fatalf("marshalled as %s", raw)
	}

	var back ID
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatal(err)
	}
	if back != id {
		t.Fatalf("round trip produced %d, want %d", back, id)
	}
}

func TestUnmarshalBareNumber(t *testing.T) {
	var id ID
	if err := json.Unmarshal([]byte("42"), &id); err != nil {
		t.Fatal(err)
	}
	if id != 42 {
		t.Fatalf("got %d, want 42", id)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := Parse("not-a-number"); err == nil {
		t.Fatal("expected an error")
	}
}
