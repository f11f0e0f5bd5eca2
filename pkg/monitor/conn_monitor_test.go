package monitor

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ti-mo/conntrack"
)

var relayAddr = netip.MustParseAddr("10.0.0.2")

// clientAddr gives each flow id its own client.
func clientAddr(id uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{203, 0, 113, byte(id)})
}

func relayFlow(id uint32, proto uint8, dport uint16, orig, reply uint64, tcpState uint8) conntrack.Flow {
	f := conntrack.Flow{
		ID: id,
		TupleOrig: conntrack.Tuple{
			IP: conntrack.IPTuple{
				SourceAddress:      clientAddr(id),
				DestinationAddress: relayAddr,
			},
			Proto: conntrack.ProtoTuple{
				Protocol:        proto,
				SourcePort:      40000 + uint16(id),
				DestinationPort: dport,
			},
		},
		CountersOrig:  conntrack.Counter{Bytes: orig},
		CountersReply: conntrack.Counter{Bytes: reply},
	}
	if proto == protoTCP {
		f.ProtoInfo.TCP = &conntrack.ProtoInfoTCP{State: tcpState}
	}
	return f
}

func staticAddrs(addrs ...netip.Addr) *LocalAddrs {
	l := NewLocalAddrs("")
	l.list = func(string) ([]netip.Addr, error) {
		return addrs, nil
	}
	return l
}

func TestFlowTally_FirstSightingCountsZero(t *testing.T) {
	tally := newFlowTally([]uint16{443}, nil)

	tick := tally.tick([]conntrack.Flow{
		relayFlow(1, protoTCP, 443, 5000, 9000, tcpEstablished),
	}, time.Now())

	assert.Zero(t, tick.BytesUp)
	assert.Zero(t, tick.BytesDown)
	assert.Equal(t, 1, tick.ConnectedClients)
}

func TestFlowTally_Deltas(t *testing.T) {
	tally := newFlowTally([]uint16{443}, nil)
	tally.tick([]conntrack.Flow{
		relayFlow(1, protoTCP, 443, 100, 200, tcpEstablished),
		relayFlow(2, protoUDP, 443, 10, 20, 0),
	}, time.Now())

	tick := tally.tick([]conntrack.Flow{
		relayFlow(1, protoTCP, 443, 150, 500, tcpEstablished),
		relayFlow(2, protoUDP, 443, 15, 20, 0),
		relayFlow(3, protoTCP, 443, 0, 0, tcpSynRecv),
	}, time.Now())

	assert.Equal(t, uint64(55), tick.BytesUp)
	assert.Equal(t, uint64(300), tick.BytesDown)
	assert.Equal(t, 1, tick.ConnectingClients)
	assert.Equal(t, 2, tick.ConnectedClients)
}

func TestFlowTally_CountsClientsNotFlows(t *testing.T) {
	tally := newFlowTally([]uint16{443}, nil)

	sameClient := func(f conntrack.Flow) conntrack.Flow {
		f.TupleOrig.IP.SourceAddress = clientAddr(1)
		return f
	}
	tick := tally.tick([]conntrack.Flow{
		relayFlow(1, protoTCP, 443, 0, 0, tcpEstablished),
		sameClient(relayFlow(2, protoTCP, 443, 0, 0, tcpEstablished)),
		sameClient(relayFlow(3, protoUDP, 443, 0, 0, 0)),
		sameClient(relayFlow(4, protoTCP, 443, 0, 0, tcpSynSent)),
		relayFlow(5, protoTCP, 443, 0, 0, tcpSynRecv),
		sameClient(relayFlow(6, protoTCP, 443, 0, 0, tcpSynRecv)),
		relayFlow(7, protoTCP, 443, 0, 0, tcpSynRecv),
	}, time.Now())

	assert.Equal(t, 1, tick.ConnectedClients)
	assert.Equal(t, 2, tick.ConnectingClients)
}

func TestFlowTally_CounterDecrease(t *testing.T) {
	tally := newFlowTally([]uint16{443}, nil)
	tally.tick([]conntrack.Flow{relayFlow(1, protoTCP, 443, 1000, 1000, tcpEstablished)}, time.Now())

	tick := tally.tick([]conntrack.Flow{relayFlow(1, protoTCP, 443, 10, 1100, tcpEstablished)}, time.Now())
	assert.Zero(t, tick.BytesUp)
	assert.Equal(t, uint64(100), tick.BytesDown)

	tick = tally.tick([]conntrack.Flow{relayFlow(1, protoTCP, 443, 30, 1100, tcpEstablished)}, time.Now())
	assert.Equal(t, uint64(20), tick.BytesUp)
}

func TestFlowTally_IgnoresOtherFlows(t *testing.T) {
	local := staticAddrs(relayAddr)
	require.NoError(t, local.Refresh())
	tally := newFlowTally([]uint16{443}, local)

	other := relayFlow(2, protoTCP, 443, 0, 0, tcpEstablished)
	other.TupleOrig.IP.DestinationAddress = netip.MustParseAddr("198.51.100.1")

	tick := tally.tick([]conntrack.Flow{
		relayFlow(1, protoTCP, 22, 0, 0, tcpEstablished),
		relayFlow(3, 1, 443, 0, 0, 0),
		other,
	}, time.Now())

	assert.Zero(t, tick.ConnectedClients)
	assert.Empty(t, tally.lastState)
}

func TestFlowTally_DestroyKeepsFinalBytes(t *testing.T) {
	tally := newFlowTally([]uint16{443}, nil)
	f := relayFlow(1, protoTCP, 443, 100, 100, tcpEstablished)
	tally.tick([]conntrack.Flow{f}, time.Now())

	closed := relayFlow(1, protoTCP, 443, 180, 400, 0)
	tally.destroy(&closed)
	assert.NotContains(t, tally.lastState, uint32(1))

	tick := tally.tick(nil, time.Now())
	assert.Equal(t, uint64(80), tick.BytesUp)
	assert.Equal(t, uint64(300), tick.BytesDown)
	assert.Zero(t, tick.ConnectedClients)

	tick = tally.tick(nil, time.Now())
	assert.Zero(t, tick.BytesUp)
}

func TestFlowTally_ForgetsVanishedFlows(t *testing.T) {
	tally := newFlowTally([]uint16{443}, nil)
	tally.tick([]conntrack.Flow{relayFlow(1, protoTCP, 443, 100, 100, tcpEstablished)}, time.Now())
	tally.tick(nil, time.Now())
	assert.Empty(t, tally.lastState)

	// Reappearing ID is a new flow and counts zero again.
	tick := tally.tick([]conntrack.Flow{relayFlow(1, protoTCP, 443, 900, 900, tcpEstablished)}, time.Now())
	assert.Zero(t, tick.BytesUp)
}

func TestConntrackMonitor_ProcessEvent(t *testing.T) {
	m := NewConntrackMonitor(nil, nil, []uint16{443})
	f := relayFlow(1, protoTCP, 443, 10, 10, tcpEstablished)
	m.tally.tick([]conntrack.Flow{f}, time.Now())

	closed := relayFlow(1, protoTCP, 443, 60, 10, 0)
	m.processEvent(conntrack.Event{Type: conntrack.EventUpdate, Flow: &closed})
	assert.Contains(t, m.tally.lastState, uint32(1))

	m.processEvent(conntrack.Event{Type: conntrack.EventDestroy, Flow: &closed})
	assert.NotContains(t, m.tally.lastState, uint32(1))
	assert.Equal(t, uint64(50), m.tally.pendingUp)
}
