// Package config loads a listener's configuration from a YAML file, with
// environment variables overriding the listen port and algorithm the way
// the teacher's pkg/config loaded CLIENTPORT/INPORT/OUTPORT/LBPolicy from
// the environment. Validation is fatal at startup rather than recoverable,
// matching spec.md 7's "malformed configuration is a startup-time fatal
// error, not a runtime error."
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/msrvcomm-successor/l7lb/internal/selector"
)

// BackendSpec is one backend entry in the YAML backends list.
type BackendSpec struct {
	Address string `yaml:"address"`
	Weight  uint32 `yaml:"weight"`
}

// Config is everything a listener needs to start: its port, which algorithm
// to run, the seed backend set, and each algorithm's tunables.
type Config struct {
	ListenPort int           `yaml:"listen_port"`
	Algorithm  selector.Name `yaml:"algorithm"`
	Backends   []BackendSpec `yaml:"backends"`

	LeastRequest struct {
		ActiveRequestBias float64 `yaml:"active_request_bias"`
	} `yaml:"lr"`

	RingHash struct {
		MinRingSize int `yaml:"min_ring_size"`
		MaxRingSize int `yaml:"max_ring_size"`
	} `yaml:"ringhash"`

	Maglev struct {
		TableSize int `yaml:"table_size"`
	} `yaml:"maglev"`

	PeakEWMA struct {
		DecayTime time.Duration `yaml:"decay_time"`
	} `yaml:"peakewma"`
}

// defaults are the per-algorithm tunable defaults. The selector
// constructors apply no defaults of their own, so Load applies these before
// validation; a YAML file that omits an algorithm-specific block still
// produces a working Config.
func defaults() Config {
	var c Config
	c.LeastRequest.ActiveRequestBias = 1.0
	c.RingHash.MinRingSize = 1024
	c.RingHash.MaxRingSize = 8 << 20
	c.Maglev.TableSize = 65537
	c.PeakEWMA.DecayTime = 10 * time.Second
	return c
}

// knownAlgorithms is the set of Name values the configuration loader
// accepts; anything else is a startup-time validation failure.
var knownAlgorithms = map[selector.Name]bool{
	selector.WRR:          true,
	selector.LR:           true,
	selector.NameRandom:   true,
	selector.NameRingHash: true,
	selector.NameMaglev:   true,
	selector.NamePeakEWMA: true,
}

// Load reads path as YAML, applies the CLIENTPORT/ALGORITHM environment
// overrides if set, and validates the result, returning a wrapped error
// describing the first problem found rather than panicking.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnvOverrides lets CLIENTPORT and ALGORITHM override the YAML file
// without editing it, the same override-by-environment convention the
// teacher's config package used for its own port variables.
func applyEnvOverrides(cfg *Config) error {
	if p := os.Getenv("CLIENTPORT"); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return fmt.Errorf("config: CLIENTPORT %q is not a valid port: %w", p, err)
		}
		cfg.ListenPort = port
	}
	if a := os.Getenv("ALGORITHM"); a != "" {
		cfg.Algorithm = selector.Name(a)
	}
	return nil
}

// Validate checks every field a listener actually depends on at startup.
func (c Config) Validate() error {
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("config: listen_port %d is out of range", c.ListenPort)
	}
	if !knownAlgorithms[c.Algorithm] {
		return fmt.Errorf("config: unknown algorithm %q", c.Algorithm)
	}
	for i, b := range c.Backends {
		if b.Address == "" {
			return fmt.Errorf("config: backends[%d] has an empty address", i)
		}
	}
	if c.RingHash.MinRingSize <= 0 || c.RingHash.MaxRingSize < c.RingHash.MinRingSize {
		return fmt.Errorf("config: ringhash.min_ring_size/max_ring_size are inconsistent (%d/%d)",
			c.RingHash.MinRingSize, c.RingHash.MaxRingSize)
	}
	if c.Maglev.TableSize <= 0 {
		return fmt.Errorf("config: maglev.table_size must be positive, got %d", c.Maglev.TableSize)
	}
	if c.LeastRequest.ActiveRequestBias < 0 {
		return fmt.Errorf("config: lr.active_request_bias must be non-negative, got %f", c.LeastRequest.ActiveRequestBias)
	}
	if c.PeakEWMA.DecayTime <= 0 {
		return fmt.Errorf("config: peakewma.decay_time must be positive, got %s", c.PeakEWMA.DecayTime)
	}
	return nil
}

// IsMaglevTableSizePrime reports whether TableSize is prime, logged as a
// warning (not a validation failure) by the lifecycle glue: Maglev's lookup
// table construction assumes a prime table size for even permutation
// coverage, but a non-prime size still produces a working, just less
// evenly-distributed, table.
func (c Config) IsMaglevTableSizePrime() bool {
	n := c.Maglev.TableSize
	if n < 2 {
		return false
	}
	for i := 2; i*i <= n; i++ {
		if n%i == 0 {
			return false
		}
	}
	return true
}
