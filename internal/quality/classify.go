package quality

// NetworkMetrics is one observation of the client's network, either
// echoed by the client in frame metadata or synthesized from socket
// telemetry.
type NetworkMetrics struct {
	LatencyMs      float64
	ThroughputMbps float64
	LossPercent    float64
}

// PerformanceMetrics is one observation of server-side processing
// health for a client.
type PerformanceMetrics struct {
	CPUPercent      float64
	MemoryPercent   float64
	MemoryMB        float64
	ProcessingMs    float64
	QueueDepth      float64
	DropRatePercent float64
	ErrRatePercent  float64
}

// NetworkCondition buckets network quality, best first.
type NetworkCondition int

const (
	NetExcellent NetworkCondition = iota
	NetGood
	NetFair
	NetPoor
	NetCritical
	NetUnknown
)

func (c NetworkCondition) String() string {
	switch c {
	case NetExcellent:
		return "excellent"
	case NetGood:
		return "good"
	case NetFair:
		return "fair"
	case NetPoor:
		return "poor"
	case NetCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// networkTier holds the ceilings/floors a condition must satisfy on
// every axis.
type networkTier struct {
	cond       NetworkCondition
	maxLatency float64
	minMbps    float64
	maxLoss    float64
}

var networkTiers = []networkTier{
	{NetExcellent, 30, 10, 0.1},
	{NetGood, 50, 5, 0.5},
	{NetFair, 100, 2, 1.0},
	{NetPoor, 200, 1, 2.0},
}

// ClassifyNetwork maps averaged network metrics to a condition. A tier
// is met only when latency, bandwidth and loss all pass its
// thresholds; the best passing tier wins, otherwise Critical.
func ClassifyNetwork(avgLatencyMs, avgMbps, avgLossPct float64) NetworkCondition {
	for _, tier := range networkTiers {
		if avgLatencyMs <= tier.maxLatency && avgMbps >= tier.minMbps && avgLossPct <= tier.maxLoss {
			return tier.cond
		}
	}
	return NetCritical
}

// conditionPreset maps a network condition to its base profile level.
func conditionPreset(c NetworkCondition) Level {
	switch c {
	case NetExcellent:
		return LevelUltraHigh
	case NetGood:
		return LevelHigh
	case NetFair:
		return LevelMedium
	case NetPoor:
		return LevelLow
	default:
		return LevelUltraLow
	}
}

// PerfCondition buckets server-side processing health.
type PerfCondition int

const (
	PerfGood PerfCondition = iota
	PerfModerate
	PerfPoor
	PerfUnknown
)

func (c PerfCondition) String() string {
	switch c {
	case PerfGood:
		return "good"
	case PerfModerate:
		return "moderate"
	case PerfPoor:
		return "poor"
	default:
		return "unknown"
	}
}

// Violation ceilings for the performance classifier.
const (
	perfCPULimit   = 80.0
	perfMemLimit   = 85.0
	perfProcLimit  = 100.0
	perfQueueLimit = 10.0
	perfDropLimit  = 5.0
	perfErrLimit   = 2.0
)

// ClassifyPerformance counts threshold violations across the averaged
// performance axes: 0 -> good, 1-2 -> moderate, 3+ -> poor.
func ClassifyPerformance(p PerformanceMetrics) PerfCondition {
	violations := 0
	if p.CPUPercent > perfCPULimit {
		violations++
	}
	if p.MemoryPercent > perfMemLimit {
		violations++
	}
	if p.ProcessingMs > perfProcLimit {
		violations++
	}
	if p.QueueDepth > perfQueueLimit {
		violations++
	}
	if p.DropRatePercent > perfDropLimit {
		violations++
	}
	if p.ErrRatePercent > perfErrLimit {
		violations++
	}

	switch {
	case violations == 0:
		return PerfGood
	case violations <= 2:
		return PerfModerate
	default:
		return PerfPoor
	}
}

// downgradeSteps returns how many levels a performance condition pulls
// the base profile down.
func downgradeSteps(c PerfCondition) Level {
	switch c {
	case PerfModerate:
		return 1
	case PerfPoor:
		return 2
	default:
		return 0
	}
}
