package transfer

import (
	"strconv"
	"sync/atomic"
	"time"
)

// Stats counts server activity. It is owned by the server and handed to each
// session explicitly; all fields are safe for concurrent use.
type Stats struct {
	started time.Time

	Handshakes     atomic.Int64
	NotFound       atomic.Int64
	Rejected       atomic.Int64
	SessionsOpened atomic.Int64
	SessionsClosed atomic.Int64
	SessionsIdled  atomic.Int64
	SessionsFailed atomic.Int64
	BlocksServed   atomic.Int64
	BytesServed    atomic.Int64
	Malformed      atomic.Int64
}

func NewStats() *Stats {
	return &Stats{started: time.Now()}
}

// Snapshot is a point-in-time copy of Stats.
type Snapshot struct {
	Uptime         time.Duration
	Handshakes     int64
	NotFound       int64
	Rejected       int64
	SessionsOpened int64
	SessionsClosed int64
	SessionsIdled  int64
	SessionsFailed int64
	BlocksServed   int64
	BytesServed    int64
	Malformed      int64
}

func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Uptime:         time.Since(s.started),
		Handshakes:     s.Handshakes.Load(),
		NotFound:       s.NotFound.Load(),
		Rejected:       s.Rejected.Load(),
		SessionsOpened: s.SessionsOpened.Load(),
		SessionsClosed: s.SessionsClosed.Load(),
		SessionsIdled:  s.SessionsIdled.Load(),
		SessionsFailed: s.SessionsFailed.Load(),
		BlocksServed:   s.BlocksServed.Load(),
		BytesServed:    s.BytesServed.Load(),
		Malformed:      s.Malformed.Load(),
	}
}

// Active is the number of sessions that have not ended yet.
func (s Snapshot) Active() int64 {
	return s.SessionsOpened - s.SessionsClosed - s.SessionsIdled - s.SessionsFailed
}

// Rows renders the snapshot as name/value pairs for table output.
func (s Snapshot) Rows() [][]string {
	f := func(v int64) string { return strconv.FormatInt(v, 10) }
	return [][]string{
		{"Uptime", s.Uptime.Round(time.Second).String()},
		{"Handshakes", f(s.Handshakes)},
		{"Not found", f(s.NotFound)},
		{"Rejected (no port)", f(s.Rejected)},
		{"Sessions opened", f(s.SessionsOpened)},
		{"Sessions active", f(s.Active())},
		{"Sessions closed", f(s.SessionsClosed)},
		{"Sessions idled out", f(s.SessionsIdled)},
		{"Sessions failed", f(s.SessionsFailed)},
		{"Blocks served", f(s.BlocksServed)},
		{"Bytes served", f(s.BytesServed)},
		{"Malformed requests", f(s.Malformed)},
	}
}
