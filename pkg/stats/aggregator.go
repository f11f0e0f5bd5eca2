package stats

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kisy/relaystats/model"
)

var (
	ErrAlreadyRunning = errors.New("relay session already running")
	ErrNotRunning     = errors.New("relay session not running")
)

// TickSource delivers activity ticks from the relay engine.
type TickSource interface {
	Ticks() <-chan model.Tick
}

// Aggregator owns the current relay session and routes engine ticks into it.
type Aggregator struct {
	logger *zap.SugaredLogger
	opts   []Option

	// publishMu orders Update and the matching publish across ticks.
	// Lock order: publishMu, then mu.
	publishMu sync.Mutex

	mu      sync.RWMutex
	session *ActivityStats
	state   model.ProxyState

	states *Relay[model.ProxyState]
	stats  *Relay[model.ActivityStats]

	closeOnce sync.Once
	closeCh   chan struct{}
	wg        sync.WaitGroup
}

// NewAggregator creates an aggregator in the unknown state. opts are applied
// to every session's ActivityStats.
func NewAggregator(logger *zap.SugaredLogger, params model.Params, opts ...Option) *Aggregator {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	a := &Aggregator{
		logger:  logger,
		opts:    opts,
		state:   model.ProxyState{Status: model.StatusUnknown, Params: params},
		states:  NewRelay[model.ProxyState](),
		stats:   NewRelay[model.ActivityStats](),
		closeCh: make(chan struct{}),
	}
	a.states.Accept(a.state)
	return a
}

// Start marks the relay stopped and begins draining src, if any.
func (a *Aggregator) Start(src TickSource) {
	a.mu.Lock()
	if a.state.Status == model.StatusUnknown {
		a.setStateLocked(model.StatusStopped)
	}
	a.mu.Unlock()

	if src == nil {
		return
	}
	a.wg.Go(func() {
		a.processLoop(src.Ticks())
	})
}

// processLoop runs in background
func (a *Aggregator) processLoop(ticks <-chan model.Tick) {
	for {
		select {
		case <-a.closeCh:
			return
		case t, ok := <-ticks:
			if !ok {
				return
			}
			a.HandleTick(t)
		}
	}
}

// Close stops the process loop. It does not stop a running session.
func (a *Aggregator) Close() {
	a.closeOnce.Do(func() {
		close(a.closeCh)
	})
	a.wg.Wait()
}

// HandleTick feeds one tick into the running session. Ticks that arrive
// while stopped are dropped.
func (a *Aggregator) HandleTick(t model.Tick) {
	a.mu.RLock()
	session := a.session
	a.mu.RUnlock()

	if session == nil {
		a.logger.Debugw("dropping tick, no session", "tick", t)
		return
	}

	a.publishMu.Lock()
	defer a.publishMu.Unlock()

	session.Update(t.BytesUp, t.BytesDown, t.ConnectingClients, t.ConnectedClients)

	// A session replaced between Update and here must not publish stale data.
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.session == session {
		a.stats.Accept(session.Snapshot())
	}
}

// OnActivity is the callback shape the relay engine reports with.
func (a *Aggregator) OnActivity(connecting, connected int, bytesUp, bytesDown int64) {
	a.HandleTick(ClampTick(connecting, connected, bytesUp, bytesDown))
}

// StartSession begins a fresh session with params.
func (a *Aggregator) StartSession(params model.Params) error {
	if err := params.Validate(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.session != nil {
		return ErrAlreadyRunning
	}
	a.state.Params = params
	a.startLocked()
	return nil
}

// StopSession discards the running session.
func (a *Aggregator) StopSession() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.session == nil {
		return ErrNotRunning
	}
	a.stopLocked()
	return nil
}

// Toggle starts the relay when stopped and stops it when running.
func (a *Aggregator) Toggle(params model.Params) (model.ProxyStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.session != nil {
		a.stopLocked()
		return model.StatusStopped, nil
	}
	if err := params.Validate(); err != nil {
		return a.state.Status, err
	}
	a.state.Params = params
	a.startLocked()
	return model.StatusRunning, nil
}

// UpdateParams stores new params and restarts a running session with them.
func (a *Aggregator) UpdateParams(params model.Params) error {
	if err := params.Validate(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state.Params == params {
		return nil
	}
	a.state.Params = params
	if a.session == nil {
		a.states.Accept(a.state)
		return nil
	}

	a.logger.Infow("params changed, restarting session", "params", params)
	a.stopLocked()
	a.startLocked()
	return nil
}

func (a *Aggregator) startLocked() {
	a.session = NewActivityStats(a.opts...)
	a.state.StartedAt = a.session.StartTime()
	a.setStateLocked(model.StatusRunning)
	a.stats.Accept(a.session.Snapshot())
	a.logger.Infow("session started", "params", a.state.Params)
}

func (a *Aggregator) stopLocked() {
	elapsed := a.session.ElapsedTime()
	a.session = nil
	a.state.StartedAt = time.Time{}
	a.setStateLocked(model.StatusStopped)
	a.logger.Infow("session stopped", "elapsed", elapsed)
}

func (a *Aggregator) setStateLocked(status model.ProxyStatus) {
	a.state.Status = status
	a.states.Accept(a.state)
}

// Snapshot returns the running session's stats.
func (a *Aggregator) Snapshot() (model.ActivityStats, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.session == nil {
		return model.ActivityStats{}, false
	}
	return a.session.Snapshot(), true
}

func (a *Aggregator) State() model.ProxyState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// SubscribeState follows proxy state changes.
func (a *Aggregator) SubscribeState() (<-chan model.ProxyState, func()) {
	return a.states.Subscribe()
}

// SubscribeStats follows stats of the running session.
func (a *Aggregator) SubscribeStats() (<-chan model.ActivityStats, func()) {
	return a.stats.Subscribe()
}
