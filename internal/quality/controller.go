package quality

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prats-2311/story-sign-sub001/internal/logging"
	"github.com/prats-2311/story-sign-sub001/internal/metrics"
)

var log = logging.L("quality")

// Config tunes the controller's feedback loop.
type Config struct {
	Enabled bool
	Initial Profile
	// AdaptationInterval is the minimum spacing between any two changes.
	AdaptationInterval time.Duration
	// StabilityThreshold additionally gates upgrades.
	StabilityThreshold time.Duration
	// DegradationThreshold additionally gates downgrades.
	DegradationThreshold time.Duration
	HistorySize          int
}

// DefaultConfig mirrors the shipped tuning: downgrades may fire two
// seconds after the previous change, upgrades after five.
func DefaultConfig() Config {
	return Config{
		Enabled:              true,
		Initial:              Preset(LevelHigh),
		AdaptationInterval:   2 * time.Second,
		StabilityThreshold:   5 * time.Second,
		DegradationThreshold: 1 * time.Second,
		HistorySize:          50,
	}
}

// Change records one adaptation for telemetry.
type Change struct {
	At      time.Time `json:"at"`
	From    string    `json:"from"`
	To      string    `json:"to"`
	Network string    `json:"network_condition"`
	Perf    string    `json:"performance_condition"`
	Reason  string    `json:"reason"`
}

// Controller owns one client's profile. Writers replace the profile
// atomically; the pipeline snapshots it per frame without locking.
type Controller struct {
	cfg     Config
	current atomic.Pointer[Profile]

	mu             sync.Mutex
	latency        *metrics.Window
	throughput     *metrics.Window
	loss           *metrics.Window
	cpu            *metrics.Window
	memPct         *metrics.Window
	procMs         *metrics.Window
	queueDepth     *metrics.Window
	dropRate       *metrics.Window
	errRate        *metrics.Window
	estimator      *BandwidthEstimator
	lastAdaptation time.Time
	history        []Change
	clientID       string
}

// metricWindow is the observation horizon the classifier looks at.
const metricWindow = 10 * time.Second

func NewController(clientID string, cfg Config) *Controller {
	if cfg.AdaptationInterval <= 0 {
		cfg.AdaptationInterval = 2 * time.Second
	}
	if cfg.StabilityThreshold <= 0 {
		cfg.StabilityThreshold = 5 * time.Second
	}
	if cfg.DegradationThreshold <= 0 {
		cfg.DegradationThreshold = time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 50
	}
	if cfg.Initial.Name == "" {
		cfg.Initial = Preset(LevelHigh)
	}

	c := &Controller{
		cfg:            cfg,
		latency:        metrics.NewWindow(120, metricWindow),
		throughput:     metrics.NewWindow(120, metricWindow),
		loss:           metrics.NewWindow(120, metricWindow),
		cpu:            metrics.NewWindow(120, metricWindow),
		memPct:         metrics.NewWindow(120, metricWindow),
		procMs:         metrics.NewWindow(300, metricWindow),
		queueDepth:     metrics.NewWindow(120, metricWindow),
		dropRate:       metrics.NewWindow(120, metricWindow),
		errRate:        metrics.NewWindow(120, metricWindow),
		estimator:      NewBandwidthEstimator(),
		lastAdaptation: time.Now(),
		clientID:       clientID,
	}
	initial := cfg.Initial
	c.current.Store(&initial)
	return c
}

// Current snapshots the active profile.
func (c *Controller) Current() Profile {
	return *c.current.Load()
}

// ObserveNetwork feeds one network observation into the rolling window
// and the bandwidth estimator.
func (c *Controller) ObserveNetwork(n NetworkMetrics) {
	c.mu.Lock()
	if n.LatencyMs > 0 {
		c.latency.Add(n.LatencyMs)
	}
	if n.ThroughputMbps > 0 {
		c.throughput.Add(n.ThroughputMbps)
	}
	c.loss.Add(n.LossPercent)
	c.mu.Unlock()

	if n.ThroughputMbps > 0 {
		c.estimator.AddSample(n.ThroughputMbps, n.LatencyMs, n.LossPercent)
	}
}

// ObservePerformance feeds one performance observation.
func (c *Controller) ObservePerformance(p PerformanceMetrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cpu.Add(p.CPUPercent)
	c.memPct.Add(p.MemoryPercent)
	c.procMs.Add(p.ProcessingMs)
	c.queueDepth.Add(p.QueueDepth)
	c.dropRate.Add(p.DropRatePercent)
	c.errRate.Add(p.ErrRatePercent)
}

// ForceProfile installs a profile directly, bypassing classification.
// The next adaptation cycle may overwrite it.
func (c *Controller) ForceProfile(p Profile) {
	prev := c.Current()
	c.current.Store(&p)

	c.mu.Lock()
	c.lastAdaptation = time.Now()
	c.record(Change{
		At:      c.lastAdaptation,
		From:    prev.Name,
		To:      p.Name,
		Network: "forced",
		Perf:    "forced",
		Reason:  "operator override",
	})
	c.mu.Unlock()
}

// ForceDowngrade drops the profile one level, used by resource-limit
// enforcement. Returns the resulting profile.
func (c *Controller) ForceDowngrade(reason string) Profile {
	prev := c.Current()
	next := Preset(clampLevel(prev.Level - 1))
	if next.Level == prev.Level {
		return prev
	}
	c.current.Store(&next)

	c.mu.Lock()
	c.lastAdaptation = time.Now()
	c.record(Change{
		At:      c.lastAdaptation,
		From:    prev.Name,
		To:      next.Name,
		Network: "forced",
		Perf:    "forced",
		Reason:  reason,
	})
	c.mu.Unlock()

	log.Info("profile force-downgraded",
		logging.KeyClientID, c.clientID, "from", prev.Name, "to", next.Name, "reason", reason)
	return next
}

// Adapt runs one adaptation cycle at the given instant and returns the
// active profile plus whether it changed. Callers tick it about once a
// second.
func (c *Controller) Adapt(now time.Time) (Profile, bool) {
	cur := c.Current()
	if !c.cfg.Enabled {
		return cur, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	netCond := c.networkCondition()
	perfCond := c.performanceCondition()
	if netCond == NetUnknown && perfCond == PerfUnknown {
		return cur, false
	}

	// Without network data, hold the current level as the base and let
	// performance violations pull it down.
	base := cur.Level
	if netCond != NetUnknown {
		base = conditionPreset(netCond)
	}
	target := clampLevel(base - downgradeSteps(perfCond))
	if target == cur.Level {
		return cur, false
	}

	elapsed := now.Sub(c.lastAdaptation)
	if elapsed < c.cfg.AdaptationInterval {
		return cur, false
	}
	if target > cur.Level && elapsed < c.cfg.StabilityThreshold {
		return cur, false
	}
	if target < cur.Level && elapsed < c.cfg.DegradationThreshold {
		return cur, false
	}

	next := Preset(target)
	c.current.Store(&next)
	c.lastAdaptation = now
	c.record(Change{
		At:      now,
		From:    cur.Name,
		To:      next.Name,
		Network: netCond.String(),
		Perf:    perfCond.String(),
		Reason:  "adaptation",
	})

	log.Info("profile adapted",
		logging.KeyClientID, c.clientID,
		"from", cur.Name, "to", next.Name,
		"network", netCond.String(), "performance", perfCond.String())
	return next, true
}

func (c *Controller) networkCondition() NetworkCondition {
	if c.latency.Len() == 0 && c.throughput.Len() == 0 {
		return NetUnknown
	}
	return ClassifyNetwork(c.latency.Mean(), c.throughput.Mean(), c.loss.Mean())
}

func (c *Controller) performanceCondition() PerfCondition {
	if c.procMs.Len() == 0 && c.cpu.Len() == 0 {
		return PerfUnknown
	}
	return ClassifyPerformance(PerformanceMetrics{
		CPUPercent:      c.cpu.Mean(),
		MemoryPercent:   c.memPct.Mean(),
		ProcessingMs:    c.procMs.Mean(),
		QueueDepth:      c.queueDepth.Mean(),
		DropRatePercent: c.dropRate.Mean(),
		ErrRatePercent:  c.errRate.Mean(),
	})
}

// record appends to the bounded change history. Caller holds c.mu.
func (c *Controller) record(ch Change) {
	c.history = append(c.history, ch)
	if len(c.history) > c.cfg.HistorySize {
		c.history = c.history[len(c.history)-c.cfg.HistorySize:]
	}
}

// History copies the recorded adaptation changes, oldest first.
func (c *Controller) History() []Change {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Change, len(c.history))
	copy(out, c.history)
	return out
}

// Bandwidth reports the estimator's blended figure and confidence.
func (c *Controller) Bandwidth() (mbps, confidence float64) {
	return c.estimator.Estimate()
}

// Snapshot summarizes controller state for stats responses.
type Snapshot struct {
	Profile       Profile `json:"profile"`
	Network       string  `json:"network_condition"`
	Performance   string  `json:"performance_condition"`
	BandwidthMbps float64 `json:"bandwidth_mbps"`
	BandwidthConf float64 `json:"bandwidth_confidence"`
	Changes       int     `json:"adaptation_count"`
}

func (c *Controller) Snapshot() Snapshot {
	mbps, conf := c.estimator.Estimate()
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Profile:       c.Current(),
		Network:       c.networkCondition().String(),
		Performance:   c.performanceCondition().String(),
		BandwidthMbps: mbps,
		BandwidthConf: conf,
		Changes:       len(c.history),
	}
}
