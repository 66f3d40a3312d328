package mutator

import (
	"strings"

	"github.com/cwshugg/comux/internal/envconfig"
)

const (
	defaultFuzzMin = 512
	defaultFuzzMax = 32768
)

// Config holds the mutator's environment-derived tuning knobs, read from
// the MUT_* environment variables.
type Config struct {
	LogDest   envconfig.LogDest
	Debug     bool
	FuzzMin   int
	FuzzMax   int
	TrimMax   int // negative means unlimited
	DictPaths []string
	// DictWatch enables fsnotify-driven hot-reload of every path in
	// DictPaths instead of loading each one once at Init.
	DictWatch bool
}

// ConfigFromEnv resolves a Config from the MUT_* environment variables.
func ConfigFromEnv() Config {
	cfg := Config{
		LogDest:   envconfig.ResolveLogDest("MUT_LOG"),
		Debug:     envconfig.Bool("MUT_DEBUG", false),
		FuzzMin:   envconfig.Int("MUT_FUZZ_MIN", defaultFuzzMin),
		FuzzMax:   envconfig.Int("MUT_FUZZ_MAX", defaultFuzzMax),
		TrimMax:   envconfig.Int("MUT_TRIM_MAX", defaultTrimStepsCap),
		DictWatch: envconfig.Bool("MUT_DICT_WATCH", false),
	}
	if cfg.FuzzMin <= 0 {
		cfg.FuzzMin = defaultFuzzMin
	}
	if cfg.FuzzMax < cfg.FuzzMin {
		cfg.FuzzMax = defaultFuzzMax
	}
	// DEBUG requires LOG: silently disable debug if logging is disabled.
	if cfg.LogDest.Disabled {
		cfg.Debug = false
	}

	raw := envconfig.String("MUT_DICT", "")
	if raw != "" {
		for _, p := range strings.Split(raw, ",") {
			p = strings.TrimSpace(p)
			if p != "" {
				cfg.DictPaths = append(cfg.DictPaths, p)
			}
			if len(cfg.DictPaths) >= 32 {
				break
			}
		}
	}
	return cfg
}
