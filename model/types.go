package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Tick is one activity report from the relay engine.
// Bytes are deltas since the previous tick, client counts are gauges.
type Tick struct {
	BytesUp           uint64    `json:"bytes_up"`
	BytesDown         uint64    `json:"bytes_down"`
	ConnectingClients int       `json:"connecting_clients"`
	ConnectedClients  int       `json:"connected_clients"`
	Timestamp         time.Time `json:"-"`
}

// SeriesData is one rolling window, oldest bucket first.
type SeriesData struct {
	NumBuckets        int      `json:"numBuckets"`
	BytesUp           []uint64 `json:"bytesUp"`
	BytesDown         []uint64 `json:"bytesDown"`
	ConnectingClients []int    `json:"connectingClients"`
	ConnectedClients  []int    `json:"connectedClients"`
}

// ActivityStats is an immutable snapshot of a relay session.
// Field names are part of the wire contract shared with UI processes.
type ActivityStats struct {
	ElapsedTime              uint64                `json:"elapsedTime"` // milliseconds since session start
	TotalBytesUp             uint64                `json:"totalBytesUp"`
	TotalBytesDown           uint64                `json:"totalBytesDown"`
	CurrentConnectingClients int                   `json:"currentConnectingClients"`
	CurrentConnectedClients  int                   `json:"currentConnectedClients"`
	DataByPeriod             map[string]SeriesData `json:"dataByPeriod"`
}

// DecodeActivityStats parses a snapshot and checks every series is well formed.
func DecodeActivityStats(data []byte) (ActivityStats, error) {
	var s ActivityStats
	if err := json.Unmarshal(data, &s); err != nil {
		return ActivityStats{}, fmt.Errorf("failed to decode activity stats: %w", err)
	}

	for period, series := range s.DataByPeriod {
		n := series.NumBuckets
		if len(series.BytesUp) != n || len(series.BytesDown) != n ||
			len(series.ConnectingClients) != n || len(series.ConnectedClients) != n {
			return ActivityStats{}, fmt.Errorf("series %s: channel length does not match %d buckets", period, n)
		}
	}
	return s, nil
}

// ProxyStatus is the lifecycle status of the relay as seen by this process.
type ProxyStatus string

const (
	StatusUnknown ProxyStatus = "unknown"
	StatusStopped ProxyStatus = "stopped"
	StatusRunning ProxyStatus = "running"
)

// ProxyState is what the UI needs to render the start/stop control.
type ProxyState struct {
	Status    ProxyStatus `json:"status"`
	StartedAt time.Time   `json:"started_at,omitzero"`
	Params    Params      `json:"params"`
}

// ErrInvalidParams is returned when relay limits are out of range.
var ErrInvalidParams = errors.New("invalid proxy params")

// Params are the user-configurable relay limits.
// Zero for a byte limit means unlimited.
type Params struct {
	MaxClients                    int `json:"max_clients" toml:"max_clients"`
	LimitUpstreamBytesPerSecond   int `json:"limit_upstream_bytes_per_second" toml:"limit_upstream_bytes_per_second"`
	LimitDownstreamBytesPerSecond int `json:"limit_downstream_bytes_per_second" toml:"limit_downstream_bytes_per_second"`
}

// MaxClientsLimit caps how many clients a single relay may serve.
const MaxClientsLimit = 25

func (p Params) Validate() error {
	if p.MaxClients < 1 || p.MaxClients > MaxClientsLimit {
		return fmt.Errorf("%w: max_clients must be between 1 and %d, got %d", ErrInvalidParams, MaxClientsLimit, p.MaxClients)
	}
	if p.LimitUpstreamBytesPerSecond < 0 {
		return fmt.Errorf("%w: negative upstream limit %d", ErrInvalidParams, p.LimitUpstreamBytesPerSecond)
	}
	if p.LimitDownstreamBytesPerSecond < 0 {
		return fmt.Errorf("%w: negative downstream limit %d", ErrInvalidParams, p.LimitDownstreamBytesPerSecond)
	}
	return nil
}
