// Package clock implements the causality machinery the replication core
// orders operations with: vector clocks for partial causal ordering across
// devices, and a hybrid logical clock for a total per-operation order.
package clock

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	vectorClockMerges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sqlite_sync_vector_clock_merges_total",
		Help: "Total number of vector clock merges performed.",
	})
	vectorClockConcurrentPairs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sqlite_sync_vector_clock_concurrent_pairs_total",
		Help: "Total number of vector clock comparisons found to be concurrent.",
	})
)

// VectorClock is a mapping from device id (hex-encoded) to a monotonically
// non-decreasing logical counter. The zero value is an empty clock.
type VectorClock struct {
	mu     sync.RWMutex
	counts map[string]uint64
}

// New returns an empty vector clock.
func New() *VectorClock {
	return &VectorClock{counts: make(map[string]uint64)}
}

// FromMap builds a vector clock from a plain map, copying it.
func FromMap(m map[string]uint64) *VectorClock {
	vc := New()
	for k, v := range m {
		vc.counts[k] = v
	}
	return vc
}

// Get returns the counter for device, or 0 if unseen.
func (vc *VectorClock) Get(device string) uint64 {
	vc.mu.RLock()
	defer vc.mu.RUnlock()
	return vc.counts[device]
}

// ToMap returns a defensive copy of the underlying counters.
func (vc *VectorClock) ToMap() map[string]uint64 {
	vc.mu.RLock()
	defer vc.mu.RUnlock()
	out := make(map[string]uint64, len(vc.counts))
	for k, v := range vc.counts {
		out[k] = v
	}
	return out
}

// Increment returns a new vector clock equal to vc with device's counter
// incremented by one. vc itself is not mutated.
func (vc *VectorClock) Increment(device string) *VectorClock {
	vc.mu.RLock()
	defer vc.mu.RUnlock()

	out := make(map[string]uint64, len(vc.counts)+1)
	for k, v := range vc.counts {
		out[k] = v
	}
	out[device]++
	return &VectorClock{counts: out}
}

// Merge returns the elementwise maximum of a and b. Either may be nil,
// treated as empty.
func Merge(a, b *VectorClock) *VectorClock {
	out := New()
	if a != nil {
		a.mu.RLock()
		for k, v := range a.counts {
			out.counts[k] = v
		}
		a.mu.RUnlock()
	}
	if b != nil {
		b.mu.RLock()
		for k, v := range b.counts {
			if v > out.counts[k] {
				out.counts[k] = v
			}
		}
		b.mu.RUnlock()
	}
	vectorClockMerges.Inc()
	return out
}

// Dominates reports whether a >= b: for every device d, a[d] >= b[d], with
// missing entries read as 0.
func Dominates(a, b *VectorClock) bool {
	if b == nil {
		return true
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	var aGet func(string) uint64
	if a == nil {
		aGet = func(string) uint64 { return 0 }
	} else {
		a.mu.RLock()
		defer a.mu.RUnlock()
		aGet = func(d string) uint64 { return a.counts[d] }
	}

	for d, bv := range b.counts {
		if aGet(d) < bv {
			return false
		}
	}
	return true
}

// Concurrent reports whether neither a nor b dominates the other.
func Concurrent(a, b *VectorClock) bool {
	concurrent := !Dominates(a, b) && !Dominates(b, a)
	if concurrent {
		vectorClockConcurrentPairs.Inc()
	}
	return concurrent
}

// SortKey returns a slice of counters ordered by ascending device id,
// together with the ordered device list — the basis of the import
// pipeline's deterministic replay order (SPEC_FULL §4.6).
func (vc *VectorClock) SortKey() (devices []string, counters []uint64) {
	vc.mu.RLock()
	defer vc.mu.RUnlock()

	devices = make([]string, 0, len(vc.counts))
	for d := range vc.counts {
		devices = append(devices, d)
	}
	sort.Strings(devices)

	counters = make([]uint64, len(devices))
	for i, d := range devices {
		counters[i] = vc.counts[d]
	}
	return devices, counters
}

// Compare implements the total order used to break ties in SortKey output:
// it compares two clocks as tuples of (device, counter) pairs ordered by
// ascending device id, device lists included. Returns -1, 0, or 1.
func Compare(a, b *VectorClock) int {
	aDevices, aCounts := a.SortKey()
	bDevices, bCounts := b.SortKey()

	i, j := 0, 0
	for i < len(aDevices) && j < len(bDevices) {
		switch {
		case aDevices[i] < bDevices[j]:
			if aCounts[i] != 0 {
				return 1
			}
			i++
		case aDevices[i] > bDevices[j]:
			if bCounts[j] != 0 {
				return -1
			}
			j++
		default:
			if aCounts[i] != bCounts[j] {
				if aCounts[i] < bCounts[j] {
					return -1
				}
				return 1
			}
			i++
			j++
		}
	}
	for ; i < len(aDevices); i++ {
		if aCounts[i] != 0 {
			return 1
		}
	}
	for ; j < len(bDevices); j++ {
		if bCounts[j] != 0 {
			return -1
		}
	}
	return 0
}

// MarshalJSON implements canonical JSON serialization: keys sorted, empty
// clock as "{}".
func (vc *VectorClock) MarshalJSON() ([]byte, error) {
	vc.mu.RLock()
	defer vc.mu.RUnlock()

	devices := make([]string, 0, len(vc.counts))
	for d := range vc.counts {
		devices = append(devices, d)
	}
	sort.Strings(devices)

	var buf []byte
	buf = append(buf, '{')
	for i, d := range devices {
		if i > 0 {
			buf = append(buf, ',')
		}
		key, _ := json.Marshal(d)
		buf = append(buf, key...)
		buf = append(buf, ':')
		val, _ := json.Marshal(vc.counts[d])
		buf = append(buf, val...)
	}
	buf = append(buf, '}')
	return buf, nil
}

// UnmarshalJSON parses a canonical (or non-canonical) JSON vector clock.
func (vc *VectorClock) UnmarshalJSON(data []byte) error {
	var m map[string]uint64
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	vc.mu.Lock()
	defer vc.mu.Unlock()
	vc.counts = m
	if vc.counts == nil {
		vc.counts = make(map[string]uint64)
	}
	return nil
}

// Serialize returns the canonical JSON encoding as a string.
func (vc *VectorClock) Serialize() (string, error) {
	b, err := vc.MarshalJSON()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Parse parses the canonical JSON encoding produced by Serialize.
func Parse(s string) (*VectorClock, error) {
	vc := New()
	if s == "" {
		return vc, nil
	}
	if err := vc.UnmarshalJSON([]byte(s)); err != nil {
		return nil, err
	}
	return vc, nil
}
