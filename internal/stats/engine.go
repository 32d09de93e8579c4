// Package stats maintains per-peer relay health statistics: packet loss
// from sequence-number gaps plus Welford online accumulators for latency,
// jitter and throughput. No sample history is retained; every event is
// folded into the running state.
package stats

import (
	"errors"
	"fmt"
	"math"

	"github.com/canlink/can-gateway/internal/wire"
)

// ErrPeerIndex is returned for an update keyed outside the session roster.
var ErrPeerIndex = errors.New("stats: peer index out of range")

// welford is one online mean/variance accumulator with min/max tracking.
type welford struct {
	count uint32
	mean  float64
	m2    float64 // sum of squared deviations
	min   float64
	max   float64
}

func (w *welford) add(x float64) {
	w.count++
	delta := x - w.mean
	w.mean += delta / float64(w.count)
	w.m2 += delta * (x - w.mean)
	if w.count == 1 {
		w.min, w.max = x, x
		return
	}
	if x < w.min {
		w.min = x
	}
	if x > w.max {
		w.max = x
	}
}

// core reports population variance (M2/count); all-zero when empty.
func (w *welford) core() wire.HealthCore {
	if w.count == 0 {
		return wire.HealthCore{}
	}
	return wire.HealthCore{
		Count:    w.count,
		Min:      w.min,
		Max:      w.max,
		Mean:     w.mean,
		Variance: w.m2 / float64(w.count),
	}
}

// peerState lives for the whole session. Reset clears the statistics but
// keeps the sequence/arrival bookkeeping so loss detection stays
// continuous across reporting windows.
type peerState struct {
	lastMessageTime uint64
	lastSequence    uint32
	seen            bool // at least one event observed
	lastLatency     float64
	haveLatency     bool
	received        uint64
	missed          uint64
	latency         welford
	jitter          welford
	throughput      welford
}

// Engine holds one statistics record per roster peer. Single-owner: the
// forwarding loop is the only caller, so no locking.
type Engine struct {
	peers []peerState
}

// NewEngine allocates peerCount health slots, one per roster member.
func NewEngine(peerCount int) *Engine {
	if peerCount < 0 {
		peerCount = 0
	}
	return &Engine{peers: make([]peerState, peerCount)}
}

// Size returns the roster size the engine was allocated for.
func (e *Engine) Size() int { return len(e.peers) }

// Update folds one arrival event into the peer's record.
//
// Loss counts only strictly increasing sequence numbers: a gap of
// new-last-1 is recorded as missed, and the arrival itself as received.
// Equal or older values are stale/duplicate samples and change nothing,
// including lastSequence. Latency is the elapsed time since the peer's
// previous event (the first event only seeds the arrival time); jitter is
// the absolute first difference of consecutive latency samples; the byte
// size feeds the throughput accumulator directly.
func (e *Engine) Update(peer int, byteSize int, timestamp uint64, sequence uint32) error {
	if peer < 0 || peer >= len(e.peers) {
		return fmt.Errorf("%w: %d (roster %d)", ErrPeerIndex, peer, len(e.peers))
	}
	ps := &e.peers[peer]

	if sequence > ps.lastSequence {
		ps.missed += uint64(sequence - ps.lastSequence - 1)
		ps.received++
		ps.lastSequence = sequence
	}

	if ps.seen && timestamp >= ps.lastMessageTime {
		lat := float64(timestamp - ps.lastMessageTime)
		ps.latency.add(lat)
		if ps.haveLatency {
			ps.jitter.add(math.Abs(lat - ps.lastLatency))
		}
		ps.lastLatency, ps.haveLatency = lat, true
	}
	ps.seen = true
	ps.lastMessageTime = timestamp

	ps.throughput.add(float64(byteSize))
	return nil
}

// Reset zeroes every peer's accumulators and loss tallies while keeping
// roster membership, last sequence numbers and arrival times, so reports
// cover since-last-report windows without disturbing loss detection.
func (e *Engine) Reset() {
	for i := range e.peers {
		ps := &e.peers[i]
		ps.latency = welford{}
		ps.jitter = welford{}
		ps.throughput = welford{}
		ps.received = 0
		ps.missed = 0
	}
}

// Snapshot produces one NodeReport per peer in roster order without
// mutating any accumulator.
func (e *Engine) Snapshot() []wire.NodeReport {
	nodes := make([]wire.NodeReport, len(e.peers))
	for i := range e.peers {
		ps := &e.peers[i]
		var loss float64
		if total := ps.missed + ps.received; total > 0 {
			loss = float64(ps.missed) / float64(total)
		}
		nodes[i] = wire.NodeReport{
			PacketLoss: loss,
			Latency:    ps.latency.core(),
			Jitter:     ps.jitter.core(),
			Throughput: ps.throughput.core(),
		}
	}
	return nodes
}
