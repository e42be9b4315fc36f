package producer

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type LookupFunc func(string) (string, bool)

type Config struct {
	APIBaseURL   string
	APIKey       string
	LogName      string
	CommandTable string
	ProducerID   string
	BucketSize   int
	// CommandEvery enqueues one inc command every n ticks. Zero disables it.
	CommandEvery int
	// ExportEvery enqueues a resuming exportLog command every n ticks. Zero
	// disables it.
	ExportEvery  int
	Interval     time.Duration
	HTTPTimeout  time.Duration
	Counters     int
	Seed         int64
}

func DefaultConfig() Config {
	return Config{
		APIBaseURL:   "http://localhost:8090",
		LogName:      "events",
		CommandTable: "commands",
		ProducerID:   "demo-producer",
		BucketSize:   5,
		CommandEvery: 5,
		ExportEvery:  0,
		Interval:     time.Second,
		HTTPTimeout:  10 * time.Second,
		Counters:     10,
		Seed:         time.Now().UTC().UnixNano(),
	}
}

func LoadConfigFromEnv(lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	cfg := DefaultConfig()
	strs := []struct {
		key string
		dst *string
	}{
		{"TAPELOG_DEMO_API_URL", &cfg.APIBaseURL},
		{"TAPELOG_DEMO_API_KEY", &cfg.APIKey},
		{"TAPELOG_DEMO_LOG", &cfg.LogName},
		{"TAPELOG_DEMO_COMMAND_TABLE", &cfg.CommandTable},
		{"TAPELOG_DEMO_PRODUCER_ID", &cfg.ProducerID},
	}
	for _, s := range strs {
		applyString(lookup, s.key, s.dst)
	}
	ints := []struct {
		key string
		dst *int
	}{
		{"TAPELOG_DEMO_BUCKET_SIZE", &cfg.BucketSize},
		{"TAPELOG_DEMO_COMMAND_EVERY", &cfg.CommandEvery},
		{"TAPELOG_DEMO_EXPORT_EVERY", &cfg.ExportEvery},
		{"TAPELOG_DEMO_COUNTERS", &cfg.Counters},
	}
	for _, i := range ints {
		if err := applyInt(lookup, i.key, i.dst); err != nil {
			return Config{}, err
		}
	}
	if err := applyDuration(lookup, "TAPELOG_DEMO_INTERVAL", &cfg.Interval); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "TAPELOG_DEMO_HTTP_TIMEOUT", &cfg.HTTPTimeout); err != nil {
		return Config{}, err
	}
	if err := applyInt64(lookup, "TAPELOG_DEMO_SEED", &cfg.Seed); err != nil {
		return Config{}, err
	}

	switch {
	case cfg.APIBaseURL == "":
		return Config{}, fmt.Errorf("TAPELOG_DEMO_API_URL is required")
	case cfg.LogName == "":
		return Config{}, fmt.Errorf("TAPELOG_DEMO_LOG is required")
	case cfg.ProducerID == "":
		return Config{}, fmt.Errorf("TAPELOG_DEMO_PRODUCER_ID is required")
	case cfg.CommandTable == "" && (cfg.CommandEvery > 0 || cfg.ExportEvery > 0):
		return Config{}, fmt.Errorf("TAPELOG_DEMO_COMMAND_TABLE is required when commands are enabled")
	case cfg.BucketSize <= 0:
		return Config{}, fmt.Errorf("TAPELOG_DEMO_BUCKET_SIZE must be > 0")
	case cfg.CommandEvery < 0 || cfg.ExportEvery < 0:
		return Config{}, fmt.Errorf("TAPELOG_DEMO_COMMAND_EVERY and TAPELOG_DEMO_EXPORT_EVERY must be >= 0")
	case cfg.Interval <= 0:
		return Config{}, fmt.Errorf("TAPELOG_DEMO_INTERVAL must be > 0")
	case cfg.HTTPTimeout <= 0:
		return Config{}, fmt.Errorf("TAPELOG_DEMO_HTTP_TIMEOUT must be > 0")
	case cfg.Counters <= 0:
		return Config{}, fmt.Errorf("TAPELOG_DEMO_COUNTERS must be > 0")
	}

	cfg.APIBaseURL = strings.TrimRight(cfg.APIBaseURL, "/")
	return cfg, nil
}

func applyString(lookup LookupFunc, key string, dst *string) {
	if raw, ok := lookup(key); ok {
		*dst = strings.TrimSpace(raw)
	}
}

func applyDuration(lookup LookupFunc, key string, dst *time.Duration) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	v, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = v
	return nil
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = v
	return nil
}

func applyInt64(lookup LookupFunc, key string, dst *int64) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = v
	return nil
}
