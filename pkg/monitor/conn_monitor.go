package monitor

import (
	"context"
	"fmt"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/ti-mo/conntrack"
	"github.com/ti-mo/netfilter"
	"go.uber.org/zap"

	"github.com/kisy/relaystats/model"
)

const (
	protoTCP = 6
	protoUDP = 17
)

// Kernel conntrack TCP states (enum tcp_conntrack).
const (
	tcpSynSent     = 1
	tcpSynRecv     = 2
	tcpEstablished = 3
)

// AddrMatcher reports whether an address belongs to this host.
type AddrMatcher interface {
	IsLocal(addr netip.Addr) bool
}

type flowState struct {
	LastOriginBytes uint64
	LastReplyBytes  uint64
	Seen            bool
}

// flowTally turns conntrack observations into relay ticks.
// Not safe for concurrent use; ConntrackMonitor guards it.
type flowTally struct {
	ports []uint16
	local AddrMatcher

	lastState map[uint32]*flowState // Key: FlowID

	pendingUp   uint64
	pendingDown uint64
}

func newFlowTally(ports []uint16, local AddrMatcher) *flowTally {
	return &flowTally{
		ports:     ports,
		local:     local,
		lastState: make(map[uint32]*flowState),
	}
}

func (t *flowTally) isRelayFlow(f *conntrack.Flow) bool {
	proto := f.TupleOrig.Proto.Protocol
	if proto != protoTCP && proto != protoUDP {
		return false
	}
	if !slices.Contains(t.ports, f.TupleOrig.Proto.DestinationPort) {
		return false
	}
	return t.local == nil || t.local.IsLocal(f.TupleOrig.IP.DestinationAddress)
}

// observe records the byte counters of one flow and accumulates deltas.
// A flow seen for the first time counts zero so a restart does not spike.
func (t *flowTally) observe(f *conntrack.Flow) {
	curOrig := f.CountersOrig.Bytes
	curReply := f.CountersReply.Bytes

	last, exists := t.lastState[f.ID]
	if !exists {
		t.lastState[f.ID] = &flowState{
			LastOriginBytes: curOrig,
			LastReplyBytes:  curReply,
			Seen:            true,
		}
		return
	}

	// Counter decreased: FlowID reuse, count nothing.
	if curOrig >= last.LastOriginBytes {
		t.pendingUp += curOrig - last.LastOriginBytes
	}
	if curReply >= last.LastReplyBytes {
		t.pendingDown += curReply - last.LastReplyBytes
	}
	last.LastOriginBytes = curOrig
	last.LastReplyBytes = curReply
	last.Seen = true
}

// destroy takes the final counters of a closed flow and forgets it.
func (t *flowTally) destroy(f *conntrack.Flow) {
	if _, exists := t.lastState[f.ID]; !exists {
		return
	}
	t.observe(f)
	delete(t.lastState, f.ID)
}

// tick folds a full table dump into a Tick and resets pending byte deltas.
// Flows missing from the dump are forgotten. Clients are counted by source
// address: a client with any established flow is connected, otherwise one
// with a handshake in progress is connecting.
func (t *flowTally) tick(flows []conntrack.Flow, now time.Time) model.Tick {
	for _, st := range t.lastState {
		st.Seen = false
	}

	connecting := make(map[netip.Addr]struct{})
	connected := make(map[netip.Addr]struct{})
	for i := range flows {
		f := &flows[i]
		if !t.isRelayFlow(f) {
			continue
		}
		t.observe(f)

		client := f.TupleOrig.IP.SourceAddress
		switch f.TupleOrig.Proto.Protocol {
		case protoUDP:
			connected[client] = struct{}{}
		case protoTCP:
			if f.ProtoInfo.TCP == nil {
				continue
			}
			switch f.ProtoInfo.TCP.State {
			case tcpSynSent, tcpSynRecv:
				connecting[client] = struct{}{}
			case tcpEstablished:
				connected[client] = struct{}{}
			}
		}
	}
	for client := range connected {
		delete(connecting, client)
	}

	for id, st := range t.lastState {
		if !st.Seen {
			delete(t.lastState, id)
		}
	}

	tick := model.Tick{
		BytesUp:           t.pendingUp,
		BytesDown:         t.pendingDown,
		ConnectingClients: len(connecting),
		ConnectedClients:  len(connected),
		Timestamp:         now,
	}
	t.pendingUp, t.pendingDown = 0, 0
	return tick
}

// ConntrackMonitor emits one relay activity tick per poll interval, derived
// from the kernel connection tracking table.
type ConntrackMonitor struct {
	logger *zap.SugaredLogger
	local  *LocalAddrs
	output chan model.Tick
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	tally *flowTally
}

// NewConntrackMonitor watches flows to the given relay ports on addresses
// known to local.
func NewConntrackMonitor(logger *zap.SugaredLogger, local *LocalAddrs, ports []uint16) *ConntrackMonitor {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ConntrackMonitor{
		logger: logger,
		local:  local,
		output: make(chan model.Tick, 16),
		ctx:    ctx,
		cancel: cancel,
		tally:  newFlowTally(ports, local),
	}
}

const (
	eventQueueLen   = 1024
	eventReadBuffer = 2 << 20
	listenWorkers   = 2
)

// openSockets returns a socket subscribed to destroy events and a separate
// one for table dumps, since a listening socket cannot also dump.
func openSockets() (events, dump *conntrack.Conn, err error) {
	events, err = conntrack.Dial(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("dial conntrack events: %w", err)
	}
	if err = events.SetReadBuffer(eventReadBuffer); err != nil {
		events.Close()
		return nil, nil, fmt.Errorf("conntrack read buffer: %w", err)
	}
	dump, err = conntrack.Dial(nil)
	if err != nil {
		events.Close()
		return nil, nil, fmt.Errorf("dial conntrack dump: %w", err)
	}
	return events, dump, nil
}

// Start opens the conntrack sockets and emits a tick every pollInterval
// until Stop. Destroy events between polls keep the byte totals of short
// flows.
func (m *ConntrackMonitor) Start(pollInterval time.Duration) error {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}

	events, dump, err := openSockets()
	if err != nil {
		return err
	}

	destroyed := make(chan conntrack.Event, eventQueueLen)
	listenErrs, err := events.Listen(destroyed, listenWorkers, []netfilter.NetlinkGroup{netfilter.GroupCTDestroy})
	if err != nil {
		events.Close()
		dump.Close()
		return fmt.Errorf("subscribe conntrack destroy events: %w", err)
	}

	m.wg.Go(func() {
		defer events.Close()
		defer dump.Close()
		m.run(pollInterval, dump, destroyed, listenErrs)
	})
	return nil
}

func (m *ConntrackMonitor) run(interval time.Duration, dump *conntrack.Conn, destroyed <-chan conntrack.Event, listenErrs <-chan error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.poll(dump)
		case err := <-listenErrs:
			m.logger.Warnw("conntrack event socket", "error", err)
		case ev, ok := <-destroyed:
			if !ok {
				return
			}
			m.processEvent(ev)
		}
	}
}

func (m *ConntrackMonitor) poll(c *conntrack.Conn) {
	if m.local != nil {
		if err := m.local.Refresh(); err != nil {
			m.logger.Warnw("failed to refresh local addresses", "error", err)
		}
	}

	flows, err := c.Dump(nil)
	if err != nil {
		m.logger.Warnw("conntrack dump error", "error", err)
		return
	}

	m.mu.Lock()
	tick := m.tally.tick(flows, time.Now())
	tracked := len(m.tally.lastState)
	m.mu.Unlock()

	m.logger.Debugw("relay tick",
		"up", tick.BytesUp, "down", tick.BytesDown,
		"connecting", tick.ConnectingClients, "connected", tick.ConnectedClients,
		"tracked", tracked)

	select {
	case m.output <- tick:
	default:
		m.logger.Warnw("dropping tick, consumer is behind", "tick", tick)
	}
}

func (m *ConntrackMonitor) processEvent(ev conntrack.Event) {
	if ev.Flow == nil || ev.Type != conntrack.EventDestroy {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tally.isRelayFlow(ev.Flow) {
		m.tally.destroy(ev.Flow)
	}
}

func (m *ConntrackMonitor) Stop() {
	m.cancel()
	m.wg.Wait()
	close(m.output)
}

func (m *ConntrackMonitor) Ticks() <-chan model.Tick {
	return m.output
}
