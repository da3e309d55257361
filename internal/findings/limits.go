package findings

import (
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Limits are the three independent thresholds the limiter enforces per
// session. Any violated threshold rejects an append.
type Limits struct {
	SessionMax    int `yaml:"session_max"`
	HourlyMax     int `yaml:"hourly_max"`
	MinIntervalMs int `yaml:"min_interval_ms"`
}

// DefaultLimits returns the built-in thresholds.
func DefaultLimits() Limits {
	return Limits{
		SessionMax:    50,
		HourlyMax:     100,
		MinIntervalMs: 5000,
	}
}

type limitsFile struct {
	FindingLimits Limits `yaml:"finding_limits"`
}

var limitsPathCandidates = []string{
	os.Getenv("FINDING_LIMITS_PATH"),
	"./config/limits.yaml",
	"../../config/limits.yaml",
}

// LoadLimits reads limits from the given path, or from the first readable
// candidate path when path is empty. Missing or malformed files fall back to
// defaults; file values of zero keep their defaults.
func LoadLimits(path string, logger *zap.Logger) Limits {
	candidates := limitsPathCandidates
	if path != "" {
		candidates = []string{path}
	}

	limits := DefaultLimits()
	for _, p := range candidates {
		if p == "" {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var f limitsFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			logger.Warn("Failed to parse finding limits file",
				zap.String("path", p),
				zap.Error(err),
			)
			continue
		}
		if f.FindingLimits.SessionMax > 0 {
			limits.SessionMax = f.FindingLimits.SessionMax
		}
		if f.FindingLimits.HourlyMax > 0 {
			limits.HourlyMax = f.FindingLimits.HourlyMax
		}
		if f.FindingLimits.MinIntervalMs > 0 {
			limits.MinIntervalMs = f.FindingLimits.MinIntervalMs
		}
		logger.Info("Loaded finding limits",
			zap.String("path", p),
			zap.Int("session_max", limits.SessionMax),
			zap.Int("hourly_max", limits.HourlyMax),
			zap.Int("min_interval_ms", limits.MinIntervalMs),
		)
		break
	}
	return limits
}
