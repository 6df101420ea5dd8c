// Package limits enforces per-session soft resource ceilings. Sessions
// sample their estimated footprint and the process CPU load on a
// ticker; after enough consecutive violations the governor flags
// enforcement, which the session answers with a GC hint and a forced
// profile downgrade. Ceilings are soft: nothing is killed here.
package limits

import (
	"runtime"
	"sync"
	"time"
)

// Config sets the soft ceilings and how many consecutive violations
// trigger enforcement.
type Config struct {
	MemorySoftMB       int
	CPUSoftPercent     int
	ViolationThreshold int
}

func DefaultConfig() Config {
	return Config{
		MemorySoftMB:       512,
		CPUSoftPercent:     80,
		ViolationThreshold: 5,
	}
}

// Usage is one per-session sample.
type Usage struct {
	EstimatedBytes uint64
	CPUPercent     float64
}

// Decision reports the outcome of one check. Enforce is set only on
// the sample that crosses the consecutive threshold; the session stays
// in enforcement until a healthy sample clears it.
type Decision struct {
	Violated bool
	Enforce  bool
}

// State is the governor view exposed in client metrics.
type State struct {
	Enforcing             bool   `json:"enforcing"`
	ConsecutiveViolations int    `json:"consecutive_violations"`
	Enforcements          uint64 `json:"enforcements"`
}

// Governor tracks one session's violation streak.
type Governor struct {
	cfg Config

	mu           sync.Mutex
	consecutive  int
	enforcing    bool
	enforcements uint64
}

func NewGovernor(cfg Config) *Governor {
	def := DefaultConfig()
	if cfg.MemorySoftMB <= 0 {
		cfg.MemorySoftMB = def.MemorySoftMB
	}
	if cfg.CPUSoftPercent <= 0 {
		cfg.CPUSoftPercent = def.CPUSoftPercent
	}
	if cfg.ViolationThreshold <= 0 {
		cfg.ViolationThreshold = def.ViolationThreshold
	}
	return &Governor{cfg: cfg}
}

// Check classifies one sample. A healthy sample clears the streak and
// ends enforcement; crossing the threshold requests a process-wide GC
// hint before returning.
func (g *Governor) Check(u Usage) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	violated := u.EstimatedBytes > uint64(g.cfg.MemorySoftMB)<<20 ||
		u.CPUPercent > float64(g.cfg.CPUSoftPercent)
	if !violated {
		g.consecutive = 0
		g.enforcing = false
		return Decision{}
	}

	g.consecutive++
	if g.enforcing || g.consecutive < g.cfg.ViolationThreshold {
		return Decision{Violated: true}
	}

	g.enforcing = true
	g.enforcements++
	gcHint()
	return Decision{Violated: true, Enforce: true}
}

func (g *Governor) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return State{
		Enforcing:             g.enforcing,
		ConsecutiveViolations: g.consecutive,
		Enforcements:          g.enforcements,
	}
}

var (
	gcMu     sync.Mutex
	lastGC   time.Time
	gcMinGap = 10 * time.Second
)

// gcHint requests a collection at most once per gcMinGap across all
// sessions; simultaneous enforcement must not serialize the process on
// back-to-back collections.
func gcHint() {
	gcMu.Lock()
	defer gcMu.Unlock()
	if time.Since(lastGC) < gcMinGap {
		return
	}
	lastGC = time.Now()
	go runtime.GC()
}

// sessionBaseEstimateBytes is the fixed footprint allowance per
// session: metric windows, the gesture buffer, and channel bookkeeping.
const sessionBaseEstimateBytes = 1 << 20

// EstimateFootprint approximates a session's resident bytes: queued
// inbound messages at their average observed size, the egress backlog
// at the average outbound size, plus the fixed allowance. Transient
// decode buffers are ignored.
func EstimateFootprint(ingressDepth int, avgInboundBytes float64, egressBacklog int, avgOutboundBytes float64) uint64 {
	if ingressDepth < 0 {
		ingressDepth = 0
	}
	if avgInboundBytes < 0 {
		avgInboundBytes = 0
	}
	if egressBacklog < 0 {
		egressBacklog = 0
	}
	if avgOutboundBytes < 0 {
		avgOutboundBytes = 0
	}
	return uint64(float64(ingressDepth)*avgInboundBytes) +
		uint64(float64(egressBacklog)*avgOutboundBytes) +
		sessionBaseEstimateBytes
}
