package clock

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// HLC is a hybrid logical clock reading: (wall_ms, counter, node_id), with
// a total order lexicographic on that triple.
type HLC struct {
	WallMS  int64
	Counter uint64
	NodeID  string
}

// Compare returns -1, 0, or 1 per the lexicographic order on
// (wall_ms, counter, node_id).
func (h HLC) Compare(other HLC) int {
	if h.WallMS != other.WallMS {
		if h.WallMS < other.WallMS {
			return -1
		}
		return 1
	}
	if h.Counter != other.Counter {
		if h.Counter < other.Counter {
			return -1
		}
		return 1
	}
	return strings.Compare(h.NodeID, other.NodeID)
}

// Greater reports whether h sorts strictly after other.
func (h HLC) Greater(other HLC) bool { return h.Compare(other) > 0 }

// Pack serializes the triple as "wall_ms:counter:node_id", the wire form
// carried on Operation.HLC.
func (h HLC) Pack() string {
	return fmt.Sprintf("%d:%d:%s", h.WallMS, h.Counter, h.NodeID)
}

// UnpackHLC parses the "wall_ms:counter:node_id" wire form.
func UnpackHLC(s string) (HLC, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return HLC{}, fmt.Errorf("unpack hlc: malformed triple %q", s)
	}
	wall, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return HLC{}, fmt.Errorf("unpack hlc: wall_ms: %w", err)
	}
	counter, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return HLC{}, fmt.Errorf("unpack hlc: counter: %w", err)
	}
	return HLC{WallMS: wall, Counter: counter, NodeID: parts[2]}, nil
}

// PhysicalNow returns the current wall-clock time in milliseconds. Factored
// out so tests can substitute a deterministic source.
var PhysicalNow = func() int64 { return time.Now().UnixMilli() }

// HLClock is a per-replica, mutex-guarded hybrid logical clock. The zero
// value is not usable; construct with NewHLClock.
type HLClock struct {
	mu   sync.Mutex
	last HLC
}

// NewHLClock creates a clock for the given node id, initialized to the
// origin (0, 0, nodeID).
func NewHLClock(nodeID string) *HLClock {
	return &HLClock{last: HLC{WallMS: 0, Counter: 0, NodeID: nodeID}}
}

// Now returns a fresh HLC strictly greater than every HLC this clock has
// previously produced or absorbed.
func (c *HLClock) Now() HLC {
	c.mu.Lock()
	defer c.mu.Unlock()

	physical := PhysicalNow()
	if physical > c.last.WallMS {
		c.last = HLC{WallMS: physical, Counter: 0, NodeID: c.last.NodeID}
	} else {
		c.last = HLC{WallMS: c.last.WallMS, Counter: c.last.Counter + 1, NodeID: c.last.NodeID}
	}
	return c.last
}

// Update absorbs a remote HLC observation and returns a fresh local HLC
// strictly greater than both the prior local value and remote.
func (c *HLClock) Update(remote HLC) HLC {
	c.mu.Lock()
	defer c.mu.Unlock()

	physical := PhysicalNow()
	newWall := physical
	if c.last.WallMS > newWall {
		newWall = c.last.WallMS
	}
	if remote.WallMS > newWall {
		newWall = remote.WallMS
	}

	var newCounter uint64
	switch {
	case newWall == c.last.WallMS && newWall == remote.WallMS:
		newCounter = max(c.last.Counter, remote.Counter) + 1
	case newWall == c.last.WallMS:
		newCounter = c.last.Counter + 1
	case newWall == remote.WallMS:
		newCounter = remote.Counter + 1
	default:
		newCounter = 0
	}

	c.last = HLC{WallMS: newWall, Counter: newCounter, NodeID: c.last.NodeID}
	return c.last
}

// Last returns the most recently produced or absorbed HLC without
// advancing the clock.
func (c *HLClock) Last() HLC {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// SetNodeID rebinds the clock's node id without resetting its wall/counter
// state. Used once a replica learns its device id after Open, since the
// change-capture driver variant must register hlc_now before the device id
// is known (SPEC_FULL §5).
func (c *HLClock) SetNodeID(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last.NodeID = nodeID
}
