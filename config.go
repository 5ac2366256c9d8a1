package fedtune

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml"

	"github.com/aiondist/fedtune/coordinator"
)

// TuningConfig is the on-disk shape of the coordinator policy knobs.
// Durations are TOML strings ("30s", "10m"); zero or missing fields keep
// their defaults.
type TuningConfig struct {
	HeartbeatInterval string  `toml:"heartbeat_interval"`
	MissThreshold     int     `toml:"miss_threshold"`
	OfflineThreshold  int     `toml:"offline_threshold"`
	SweepInterval     string  `toml:"sweep_interval"`
	ChunkTimeout      string  `toml:"chunk_timeout"`
	RoundDeadline     string  `toml:"round_deadline"`
	QuorumFraction    float64 `toml:"quorum_fraction"`
	MaxRoundFailures  int     `toml:"max_round_failures"`
	ReloadTimeout     string  `toml:"reload_timeout"`
	ReloadRetries     uint    `toml:"reload_retries"`
	PublishRetries    uint    `toml:"publish_retries"`
	DegradeThreshold  int     `toml:"degrade_threshold"`
}

type Config struct {
	Tuning TuningConfig `toml:"tuning"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	tree, err := toml.Load(string(data))
	if err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	var cfg Config
	if err := tree.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &cfg, nil
}

// Overlay applies the file values on top of the defaults.
func (tc TuningConfig) Overlay() (coordinator.Tuning, error) {
	t := coordinator.DefaultTuning()

	for _, d := range []struct {
		dst *time.Duration
		raw string
	}{
		{&t.HeartbeatInterval, tc.HeartbeatInterval},
		{&t.SweepInterval, tc.SweepInterval},
		{&t.ChunkTimeout, tc.ChunkTimeout},
		{&t.RoundDeadline, tc.RoundDeadline},
		{&t.ReloadTimeout, tc.ReloadTimeout},
	} {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return coordinator.Tuning{}, fmt.Errorf("error parsing duration %q: %w", d.raw, err)
		}
		*d.dst = parsed
	}

	if tc.MissThreshold > 0 {
		t.MissThreshold = tc.MissThreshold
	}
	if tc.OfflineThreshold > 0 {
		t.OfflineThreshold = tc.OfflineThreshold
	}
	if tc.QuorumFraction > 0 {
		t.QuorumFraction = tc.QuorumFraction
	}
	if tc.MaxRoundFailures > 0 {
		t.MaxRoundFailures = tc.MaxRoundFailures
	}
	if tc.ReloadRetries > 0 {
		t.ReloadRetries = tc.ReloadRetries
	}
	if tc.PublishRetries > 0 {
		t.PublishRetries = tc.PublishRetries
	}
	if tc.DegradeThreshold > 0 {
		t.DegradeThreshold = tc.DegradeThreshold
	}

	return t, nil
}
