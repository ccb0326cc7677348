package endpoint

import (
	"sync"
	"sync/atomic"
	"time"

	"mini-jsonrpc/message"
)

// IDGenerator produces correlation ids for outbound calls. Ids must never
// repeat for the lifetime of an endpoint.
type IDGenerator interface {
	Next() message.ID
}

type counterIDs struct {
	n atomic.Int64
}

// NewCounterIDs returns the default generator: integers 1, 2, 3...
func NewCounterIDs() IDGenerator {
	return &counterIDs{}
}

func (c *counterIDs) Next() message.ID {
	return message.NumberID(c.n.Add(1))
}

const (
	snowflakeEpoch = 1640995200000 // 2022-01-01T00:00:00Z in ms
	nodeBits       = 10
	sequenceBits   = 12
	maxSequence    = 1<<sequenceBits - 1
	maxNode        = 1<<nodeBits - 1
)

const base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

type snowflakeIDs struct {
	mu       sync.Mutex
	node     int64
	lastMs   int64
	sequence int64
	now      func() time.Time
}

// SnowflakeIDs returns a generator of short base62 string ids built from a
// millisecond timestamp, the node number (0-1023) and a per-millisecond
// sequence. Distinct nodes never collide, which suits ids shared across
// processes.
func SnowflakeIDs(node int64) IDGenerator {
	return &snowflakeIDs{node: node & maxNode, lastMs: -1, now: time.Now}
}

func (s *snowflakeIDs) Next() message.ID {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms := s.now().UnixMilli() - snowflakeEpoch
	if ms < s.lastMs {
		// Clock went backwards: keep counting on the last timestamp.
		ms = s.lastMs
	}
	if ms == s.lastMs {
		s.sequence = (s.sequence + 1) & maxSequence
		if s.sequence == 0 {
			for ms <= s.lastMs {
				time.Sleep(100 * time.Microsecond)
				ms = s.now().UnixMilli() - snowflakeEpoch
			}
		}
	} else {
		s.sequence = 0
	}
	s.lastMs = ms

	v := ms<<(nodeBits+sequenceBits) | s.node<<sequenceBits | s.sequence
	return message.StringID(encodeBase62(v))
}

func encodeBase62(v int64) string {
	if v == 0 {
		return "0"
	}
	var buf [11]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = base62Alphabet[v%62]
		v /= 62
	}
	return string(buf[i:])
}
