package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/alfredjeanlab/paygate/internal/gate"
)

type Config struct {
	HTTPAddr     string // PAYGATE_HTTP_ADDR (default ":8080")
	GRPCAddr     string // PAYGATE_GRPC_ADDR (default ":9090")
	DatabaseURL  string // PAYGATE_DATABASE_URL (optional, Postgres)
	StatePath    string // PAYGATE_STATE_PATH (optional, SQLite file; ignored when DatabaseURL is set)
	NATSURL      string // PAYGATE_NATS_URL (optional, empty = no bus)
	AuthToken    string // PAYGATE_AUTH_TOKEN (optional, empty = auth disabled)
	OTLPEndpoint string // PAYGATE_OTLP_ENDPOINT (optional, empty = metrics kept in process)
	PolicyFile   string // PAYGATE_POLICY_FILE (optional TOML file)

	// Gate policy. Defaults < policy file < PAYGATE_* env.
	Gate gate.Config

	// SourceDeadAfter enables the dead-source reaper when positive.
	SourceDeadAfter time.Duration // PAYGATE_SOURCE_DEAD_AFTER (default 0 = disabled)

	// Sync settings
	SyncInterval   time.Duration // PAYGATE_SYNC_INTERVAL (default 3m; 0 = disabled)
	SyncS3Bucket   string        // PAYGATE_SYNC_S3_BUCKET (enables S3 when set)
	SyncS3Endpoint string        // PAYGATE_SYNC_S3_ENDPOINT (custom endpoint for MinIO)
	SyncS3Region   string        // PAYGATE_SYNC_S3_REGION (default "us-east-1")
	SyncS3Key      string        // PAYGATE_SYNC_S3_KEY (default "paygate/export.jsonl")
	SyncGitRepo    string        // PAYGATE_SYNC_GIT_REPO (enables git when set; path to clone)
	SyncGitFile    string        // PAYGATE_SYNC_GIT_FILE (default "paygate.jsonl")
	SyncGitBranch  string        // PAYGATE_SYNC_GIT_BRANCH (default "main")
}

// policyFile is the TOML layout of PAYGATE_POLICY_FILE:
//
//	[policy]
//	settle_window = "3s"
//	cooldown = "10m"
//	feedback_timeout = "30s"
//	dedup_threshold = "1m"
//	growth_overrides_cooldown = true
//
//	[sources]
//	dead_after = "15m"
type policyFile struct {
	Policy struct {
		SettleWindow            *duration `toml:"settle_window"`
		Cooldown                *duration `toml:"cooldown"`
		FeedbackTimeout         *duration `toml:"feedback_timeout"`
		DedupThreshold          *duration `toml:"dedup_threshold"`
		GrowthOverridesCooldown *bool     `toml:"growth_overrides_cooldown"`
	} `toml:"policy"`
	Sources struct {
		DeadAfter *duration `toml:"dead_after"`
	} `toml:"sources"`
}

type duration time.Duration

func (d *duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

func Load() (*Config, error) {
	c := &Config{
		HTTPAddr:       envOrDefault("PAYGATE_HTTP_ADDR", ":8080"),
		GRPCAddr:       envOrDefault("PAYGATE_GRPC_ADDR", ":9090"),
		DatabaseURL:    os.Getenv("PAYGATE_DATABASE_URL"),
		StatePath:      os.Getenv("PAYGATE_STATE_PATH"),
		NATSURL:        os.Getenv("PAYGATE_NATS_URL"),
		AuthToken:      os.Getenv("PAYGATE_AUTH_TOKEN"),
		OTLPEndpoint:   os.Getenv("PAYGATE_OTLP_ENDPOINT"),
		PolicyFile:     os.Getenv("PAYGATE_POLICY_FILE"),
		Gate:           gate.DefaultConfig(),
		SyncS3Bucket:   os.Getenv("PAYGATE_SYNC_S3_BUCKET"),
		SyncS3Endpoint: os.Getenv("PAYGATE_SYNC_S3_ENDPOINT"),
		SyncS3Region:   envOrDefault("PAYGATE_SYNC_S3_REGION", "us-east-1"),
		SyncS3Key:      envOrDefault("PAYGATE_SYNC_S3_KEY", "paygate/export.jsonl"),
		SyncGitRepo:    os.Getenv("PAYGATE_SYNC_GIT_REPO"),
		SyncGitFile:    envOrDefault("PAYGATE_SYNC_GIT_FILE", "paygate.jsonl"),
		SyncGitBranch:  envOrDefault("PAYGATE_SYNC_GIT_BRANCH", "main"),
	}

	if c.PolicyFile != "" {
		if err := c.applyPolicyFile(c.PolicyFile); err != nil {
			return nil, err
		}
	}

	for _, d := range []struct {
		key string
		dst *time.Duration
	}{
		{"PAYGATE_SETTLE_WINDOW", &c.Gate.SettleWindow},
		{"PAYGATE_COOLDOWN", &c.Gate.CooldownDuration},
		{"PAYGATE_FEEDBACK_TIMEOUT", &c.Gate.FeedbackTimeout},
		{"PAYGATE_DEDUP_THRESHOLD", &c.Gate.DedupThreshold},
		{"PAYGATE_SOURCE_DEAD_AFTER", &c.SourceDeadAfter},
	} {
		if err := envDuration(d.key, d.dst); err != nil {
			return nil, err
		}
	}
	if v := os.Getenv("PAYGATE_GROWTH_OVERRIDES_COOLDOWN"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("PAYGATE_GROWTH_OVERRIDES_COOLDOWN: %w", err)
		}
		c.Gate.GrowthOverridesCooldown = b
	}

	intervalStr := envOrDefault("PAYGATE_SYNC_INTERVAL", "3m")
	if intervalStr != "" {
		d, err := time.ParseDuration(intervalStr)
		if err != nil {
			return nil, fmt.Errorf("PAYGATE_SYNC_INTERVAL: %w", err)
		}
		c.SyncInterval = d
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the gate policy and the reaper threshold.
func (c *Config) Validate() error {
	if err := c.Gate.Validate(); err != nil {
		return err
	}
	if c.SourceDeadAfter < 0 {
		return errors.New("source dead-after must not be negative")
	}
	return nil
}

func (c *Config) applyPolicyFile(path string) error {
	var pf policyFile
	md, err := toml.DecodeFile(path, &pf)
	if err != nil {
		return fmt.Errorf("policy file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("policy file %s: unknown key %q", path, undecoded[0].String())
	}
	p := pf.Policy
	setDuration(&c.Gate.SettleWindow, p.SettleWindow)
	setDuration(&c.Gate.CooldownDuration, p.Cooldown)
	setDuration(&c.Gate.FeedbackTimeout, p.FeedbackTimeout)
	setDuration(&c.Gate.DedupThreshold, p.DedupThreshold)
	if p.GrowthOverridesCooldown != nil {
		c.Gate.GrowthOverridesCooldown = *p.GrowthOverridesCooldown
	}
	setDuration(&c.SourceDeadAfter, pf.Sources.DeadAfter)
	return nil
}

func setDuration(dst *time.Duration, v *duration) {
	if v != nil {
		*dst = time.Duration(*v)
	}
}

func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
