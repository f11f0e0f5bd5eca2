package stats

import (
	"math"
	"sync"
	"time"

	"github.com/kisy/relaystats/model"
)

// ActivityStats accumulates ticks for one relay session.
// A new session gets a new ActivityStats; there is no reset.
type ActivityStats struct {
	mu  sync.RWMutex
	now func() time.Time

	startTime  time.Time
	lastUpdate time.Time

	totalBytesUp   uint64
	totalBytesDown uint64

	currentConnectingClients int
	currentConnectedClients  int

	seriesFast *RollingSeries
}

type Option func(*ActivityStats)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(a *ActivityStats) {
		a.now = now
	}
}

// WithFastSeries overrides the fast window geometry.
func WithFastSeries(period time.Duration, count int) Option {
	return func(a *ActivityStats) {
		a.seriesFast = NewRollingSeries(period, count)
	}
}

func NewActivityStats(opts ...Option) *ActivityStats {
	a := &ActivityStats{now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	if a.seriesFast == nil {
		a.seriesFast = NewRollingSeries(DefaultBucketPeriod, DefaultBucketCount)
	}

	a.startTime = a.now()
	a.lastUpdate = a.startTime
	return a
}

// Update records one tick.
func (a *ActivityStats) Update(bytesUp, bytesDown uint64, connecting, connected int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if now.Before(a.lastUpdate) {
		// Wall clock stepped back; keep lastUpdate monotonic.
		now = a.lastUpdate
	}

	a.totalBytesUp = saturatingAdd(a.totalBytesUp, bytesUp)
	a.totalBytesDown = saturatingAdd(a.totalBytesDown, bytesDown)

	a.currentConnectingClients = max(connecting, 0)
	a.currentConnectedClients = max(connected, 0)

	// Whole seconds absorb timer jitter between nominally periodic ticks.
	msSinceUpdate := uint64(now.Sub(a.lastUpdate).Round(time.Second).Milliseconds())
	a.seriesFast.AdvanceAndPush(msSinceUpdate, bytesUp, bytesDown,
		a.currentConnectingClients, a.currentConnectedClients)

	a.lastUpdate = now
}

func (a *ActivityStats) StartTime() time.Time {
	return a.startTime
}

// ElapsedTime is the time between session start and the latest tick.
func (a *ActivityStats) ElapsedTime() time.Duration {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastUpdate.Sub(a.startTime)
}

// Snapshot returns a deep copy taken under the read lock.
func (a *ActivityStats) Snapshot() model.ActivityStats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return model.ActivityStats{
		ElapsedTime:              uint64(a.lastUpdate.Sub(a.startTime).Milliseconds()),
		TotalBytesUp:             a.totalBytesUp,
		TotalBytesDown:           a.totalBytesDown,
		CurrentConnectingClients: a.currentConnectingClients,
		CurrentConnectedClients:  a.currentConnectedClients,
		DataByPeriod: map[string]model.SeriesData{
			a.seriesFast.Key(): a.seriesFast.Snapshot(),
		},
	}
}

func saturatingAdd(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}

// ClampTick converts raw engine values into a Tick, treating negatives as zero.
func ClampTick(connecting, connected int, bytesUp, bytesDown int64) model.Tick {
	return model.Tick{
		BytesUp:           uint64(max(bytesUp, 0)),
		BytesDown:         uint64(max(bytesDown, 0)),
		ConnectingClients: max(connecting, 0),
		ConnectedClients:  max(connected, 0),
	}
}
