package stats

import (
	"fmt"
	"time"

	"github.com/kisy/relaystats/model"
)

const (
	// DefaultBucketPeriod is the width of one bucket in the fast window.
	DefaultBucketPeriod = time.Second
	// DefaultBucketCount gives a 4.8 minute window at 1s buckets.
	DefaultBucketCount = 288
)

// RollingSeries is a fixed-capacity ring of buckets with four channels.
// It is not safe for concurrent use; ActivityStats serializes access.
type RollingSeries struct {
	period time.Duration
	count  int

	// The ring looks like this:
	// [ ... newest | oldest ... ]
	//             ^ next
	// next is the slot the next push overwrites, which is always the oldest.
	next int

	bytesUp           []uint64
	bytesDown         []uint64
	connectingClients []int
	connectedClients  []int
}

func NewRollingSeries(period time.Duration, count int) *RollingSeries {
	if period < time.Millisecond {
		period = DefaultBucketPeriod
	}
	if count <= 0 {
		count = DefaultBucketCount
	}
	return &RollingSeries{
		period:            period,
		count:             count,
		bytesUp:           make([]uint64, count),
		bytesDown:         make([]uint64, count),
		connectingClients: make([]int, count),
		connectedClients:  make([]int, count),
	}
}

// Key names the series in a snapshot, e.g. "1000ms".
func (s *RollingSeries) Key() string {
	return fmt.Sprintf("%dms", s.period.Milliseconds())
}

func (s *RollingSeries) Period() time.Duration {
	return s.period
}

func (s *RollingSeries) Len() int {
	return s.count
}

// AdvanceAndPush zero-fills the buckets strictly between the previous push
// and this one, then pushes the observed values. Every call pushes at least
// one bucket.
func (s *RollingSeries) AdvanceAndPush(elapsedMs uint64, bytesUp, bytesDown uint64, connecting, connected int) {
	// gap = floor(elapsed / period) - 1, clamped to [0, count].
	periods := elapsedMs / uint64(s.period.Milliseconds())
	gap := 0
	if periods > 1 {
		gap = int(min(periods-1, uint64(s.count)))
	}

	for range gap {
		s.push(0, 0, 0, 0)
	}
	s.push(bytesUp, bytesDown, connecting, connected)
}

func (s *RollingSeries) push(bytesUp, bytesDown uint64, connecting, connected int) {
	s.bytesUp[s.next] = bytesUp
	s.bytesDown[s.next] = bytesDown
	s.connectingClients[s.next] = connecting
	s.connectedClients[s.next] = connected
	s.next = (s.next + 1) % s.count
}

// Snapshot copies the ring into oldest-to-newest order.
func (s *RollingSeries) Snapshot() model.SeriesData {
	return model.SeriesData{
		NumBuckets:        s.count,
		BytesUp:           unroll(s.bytesUp, s.next),
		BytesDown:         unroll(s.bytesDown, s.next),
		ConnectingClients: unroll(s.connectingClients, s.next),
		ConnectedClients:  unroll(s.connectedClients, s.next),
	}
}

func unroll[T any](ring []T, oldest int) []T {
	out := make([]T, 0, len(ring))
	out = append(out, ring[oldest:]...)
	return append(out, ring[:oldest]...)
}
