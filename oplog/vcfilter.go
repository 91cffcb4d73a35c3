package oplog

import "github.com/Shivay00001/sqlite-sync-core/clock"

func parseVectorClockOrEmpty(s string) (*clock.VectorClock, error) {
	if s == "" {
		return clock.New(), nil
	}
	return clock.Parse(s)
}

// dominatesString reports whether peer dominates op's vector clock, i.e.
// whether op is already known to peer and can be skipped from an outbound
// selection (SPEC_FULL §4.5) — named to mirror the op-already-seen check
// shared by OpsSince and bundle generation.
func dominatesString(peer, op *clock.VectorClock) bool {
	return clock.Dominates(peer, op)
}
