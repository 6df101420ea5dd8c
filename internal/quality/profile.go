// Package quality selects the per-client processing profile from
// observed network and system metrics, with hysteresis so the profile
// does not thrash.
package quality

// Level orders the named presets from UltraLow to UltraHigh.
type Level int

const (
	LevelUltraLow Level = iota
	LevelLow
	LevelMedium
	LevelHigh
	LevelUltraHigh
)

func (l Level) String() string {
	switch l {
	case LevelUltraLow:
		return "ultra_low"
	case LevelLow:
		return "low"
	case LevelMedium:
		return "medium"
	case LevelHigh:
		return "high"
	case LevelUltraHigh:
		return "ultra_high"
	default:
		return "unknown"
	}
}

func clampLevel(l Level) Level {
	if l < LevelUltraLow {
		return LevelUltraLow
	}
	if l > LevelUltraHigh {
		return LevelUltraHigh
	}
	return l
}

// Profile is an immutable tuple of encoding and processing knobs. The
// active profile is swapped atomically; readers snapshot it per frame.
type Profile struct {
	Name                string  `json:"name"`
	Level               Level   `json:"-"`
	EncodeQuality       int     `json:"encode_quality"`
	ResolutionScale     float64 `json:"resolution_scale"`
	FrameRate           int     `json:"frame_rate"`
	ExtractorComplexity int     `json:"extractor_complexity"`
	BatchSize           int     `json:"batch_size"`
	SkipFrames          int     `json:"skip_frames"`
}

// presets are monotone in every dimension: quality, resolution, frame
// rate and complexity rise with the level; batch size and skip frames
// fall.
var presets = [...]Profile{
	LevelUltraLow: {
		Name:                "ultra_low",
		Level:               LevelUltraLow,
		EncodeQuality:       25,
		ResolutionScale:     0.40,
		FrameRate:           10,
		ExtractorComplexity: 0,
		BatchSize:           4,
		SkipFrames:          3,
	},
	LevelLow: {
		Name:                "low",
		Level:               LevelLow,
		EncodeQuality:       40,
		ResolutionScale:     0.55,
		FrameRate:           15,
		ExtractorComplexity: 0,
		BatchSize:           2,
		SkipFrames:          1,
	},
	LevelMedium: {
		Name:                "medium",
		Level:               LevelMedium,
		EncodeQuality:       60,
		ResolutionScale:     0.70,
		FrameRate:           20,
		ExtractorComplexity: 1,
		BatchSize:           1,
		SkipFrames:          0,
	},
	LevelHigh: {
		Name:                "high",
		Level:               LevelHigh,
		EncodeQuality:       75,
		ResolutionScale:     0.85,
		FrameRate:           25,
		ExtractorComplexity: 1,
		BatchSize:           1,
		SkipFrames:          0,
	},
	LevelUltraHigh: {
		Name:                "ultra_high",
		Level:               LevelUltraHigh,
		EncodeQuality:       90,
		ResolutionScale:     1.00,
		FrameRate:           30,
		ExtractorComplexity: 2,
		BatchSize:           1,
		SkipFrames:          0,
	},
}

// Preset returns the named preset for a level, clamped into range.
func Preset(l Level) Profile {
	return presets[clampLevel(l)]
}

// ByName resolves a preset from its wire name.
func ByName(name string) (Profile, bool) {
	for _, p := range presets {
		if p.Name == name {
			return p, true
		}
	}
	return Profile{}, false
}

// Levels lists all preset levels in ascending order.
func Levels() []Level {
	out := make([]Level, len(presets))
	for i := range presets {
		out[i] = Level(i)
	}
	return out
}
