// Package snowflake mints sortable 64-bit IDs used as primary keys, cursors
// and correlation keys throughout Paracord.
//
// Layout, most significant bit first, within a positive signed 64-bit integer:
//
//	bit 63       : unused (0)
//	bits 62..22  : 41-bit milliseconds since 2024-01-01T00:00:00Z
//	bits 21..12  : 10-bit worker id (0..1023)
//	bits 11..0   : 12-bit sequence
//
// The sequence counter is a single process-wide atomic masked to 12 bits and
// reused across milliseconds. This allows up to 4096 IDs per millisecond per
// worker without collision; a process minting more than 4096 IDs inside one
// millisecond keeps monotonic order within that millisecond bucket but may
// collide across bucket boundaries for the same worker. Deployments that need
// more throughput must partition worker ids.
//
// Timestamps are read from a monotonic reference taken at process start, so a
// wall clock stepping backwards cannot reorder IDs within one process.
package snowflake

import (
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"
)

// Epoch is the custom epoch, 2024-01-01T00:00:00Z, in Unix milliseconds.
const Epoch int64 = 1704067200000

const (
	workerBits   = 10
	sequenceBits = 12

	// MaxWorkerID is the highest valid worker id (1023).
	MaxWorkerID = 1<<workerBits - 1

	sequenceMask   = 1<<sequenceBits - 1
	workerShift    = sequenceBits
	timestampShift = workerBits + sequenceBits
)

// ErrMalformedID is returned when parsing a value that is not a decimal
// snowflake.
var ErrMalformedID = errors.New("malformed snowflake id")

// ID is a snowflake identifier. It is emitted as a decimal string in JSON
// because snowflakes exceed the safe integer range of some clients.
type ID int64

// sequence is process-wide; see the package comment for the collision caveat.
var sequence atomic.Int64

// The monotonic reference. time.Since(refStart) carries the monotonic clock
// reading, so wall clock steps after process start do not affect Generate.
var (
	refStart  = time.Now()
	refMillis = refStart.UnixMilli()
)

// nowMillis returns the current Unix milliseconds from the monotonic clock.
func nowMillis() int64 {
	return refMillis + time.Since(refStart).Milliseconds()
}

// Generate mints a new ID for the given worker. Worker ids above MaxWorkerID
// are masked into range.
func Generate(worker uint16) ID {
	seq := sequence.Add(1) & sequenceMask
	elapsed := nowMillis() - Epoch
	if elapsed < 0 {
		// Only reachable when the host clock predates the 2024 epoch, which
		// breaks ordering for every ID minted afterwards.
		panic("snowflake: system clock is before the 2024-01-01 epoch")
	}
	return ID(elapsed<<timestampShift |
		int64(worker&MaxWorkerID)<<workerShift |
		seq)
}

// Timestamp returns the Unix millisecond timestamp encoded in id.
func Timestamp(id ID) int64 {
	return int64(id)>>timestampShift + Epoch
}

// Time returns the creation time encoded in id.
func Time(id ID) time.Time {
	ms := Timestamp(id)
	return time.Unix(ms/1000, ms%1000*int64(time.Millisecond)).UTC()
}

// Worker returns the worker id encoded in id.
func Worker(id ID) uint16 {
	return uint16(int64(id) >> workerShift & MaxWorkerID)
}

// Sequence returns the sequence number encoded in id.
func Sequence(id ID) int64 {
	return int64(id) & sequenceMask
}

// Parse converts a decimal string into an ID.
func Parse(s string) (ID, error) {
	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil || i < 0 {
		return 0, fmt.Errorf("%w: %q", ErrMalformedID, s)
	}
	return ID(i), nil
}

// String returns the decimal representation of id.
func (id ID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// IsZero reports whether id is the zero ID, used as "absent" in optional
// fields.
func (id ID) IsZero() bool {
	return id == 0
}

// MarshalJSON emits the ID as a quoted decimal string.
func (id ID) MarshalJSON() ([]byte, error) {
	b := make([]byte, 0, 22)
	b = append(b, '"')
	b = strconv.AppendInt(b, int64(id), 10)
	b = append(b, '"')
	return b, nil
}

// UnmarshalJSON accepts either a quoted decimal string or a bare integer.
func (id *ID) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "null" || s == "" {
		*id = 0
		return nil
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
