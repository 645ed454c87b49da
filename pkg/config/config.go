/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config holds the immutable configuration surface (spec §6). The
// struct is built once at process start and never mutated; the Decision
// Engine never reads configuration from anywhere but the struct passed
// into it, per the "Dynamic configuration" redesign guidance.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

// Config is the full recognized configuration surface. Field names match
// the snake_case keys from spec.md §6; defaults are applied in Load.
type Config struct {
	ClusterID      string `mapstructure:"cluster_id" validate:"required"`
	MinWorkers     int    `mapstructure:"min_workers" validate:"gte=0"`
	MaxWorkers     int    `mapstructure:"max_workers" validate:"gtfield=MinWorkers"`

	TickInterval  time.Duration `mapstructure:"tick_interval" validate:"required,gt=0"`
	CooldownUp    time.Duration `mapstructure:"cooldown_up" validate:"required,gt=0"`
	CooldownDown  time.Duration `mapstructure:"cooldown_down" validate:"required,gt=0"`
	JoinDeadline  time.Duration `mapstructure:"join_deadline" validate:"required,gt=0"`
	DrainTimeout  time.Duration `mapstructure:"drain_timeout" validate:"required,gt=0"`
	LockTTL       time.Duration `mapstructure:"lock_ttl" validate:"required,gt=0"`
	TickDeadline  time.Duration `mapstructure:"tick_deadline" validate:"required,gt=0"`
	MetricsQueryDeadline time.Duration `mapstructure:"metrics_query_deadline" validate:"required,gt=0"`

	CPUUpPct   float64 `mapstructure:"cpu_up_pct" validate:"gte=0,lte=100"`
	CPUDownPct float64 `mapstructure:"cpu_down_pct" validate:"gte=0,lte=100,ltfield=CPUUpPct"`
	MemUpPct   float64 `mapstructure:"mem_up_pct" validate:"gte=0,lte=100"`
	MemDownPct float64 `mapstructure:"mem_down_pct" validate:"gte=0,lte=100,ltfield=MemUpPct"`

	UrgencyCPUPct     float64 `mapstructure:"urgency_cpu_pct" validate:"gte=0,lte=100"`
	UrgencyPending     int     `mapstructure:"urgency_pending" validate:"gte=0"`

	SustainedSamples int `mapstructure:"sustained_samples" validate:"gte=2"`
	HistorySize      int `mapstructure:"history_size" validate:"gte=10,lte=30"`

	SpotPercentage int `mapstructure:"spot_percentage" validate:"gte=0,lte=100"`

	EnablePredictive    bool `mapstructure:"enable_predictive"`
	EnableCustomMetrics bool `mapstructure:"enable_custom_metrics"`

	// Custom metric low/high-water marks, only consulted when EnableCustomMetrics.
	APILatencyP95HighSeconds float64 `mapstructure:"api_latency_p95_high_seconds" validate:"gte=0"`
	ErrorRateHighRatio       float64 `mapstructure:"error_rate_high_ratio" validate:"gte=0,lte=1"`
	QueueDepthHigh           int     `mapstructure:"queue_depth_high" validate:"gte=0"`
	APILatencyP95LowSeconds  float64 `mapstructure:"api_latency_p95_low_seconds" validate:"gte=0"`
	ErrorRateLowRatio        float64 `mapstructure:"error_rate_low_ratio" validate:"gte=0,lte=1"`
	QueueDepthLow            int     `mapstructure:"queue_depth_low" validate:"gte=0,ltefield=QueueDepthHigh"`

	// Zones this cluster spans, used for the AZ floor invariant and zone balance.
	Zones []string `mapstructure:"zones" validate:"required,min=1"`

	// AWS resource identifiers (§6 compute provider / state store / secret store).
	AWSRegion            string `mapstructure:"aws_region" validate:"required"`
	LaunchTemplateID     string `mapstructure:"launch_template_id" validate:"required"`
	StateTableName       string `mapstructure:"state_table_name" validate:"required"`
	HistoryTableName     string `mapstructure:"history_table_name" validate:"required"`
	JoinTokenSecretName       string `mapstructure:"join_token_secret_name" validate:"required"`
	NotificationWebhookSecretName string `mapstructure:"notification_webhook_secret_name"`
	MetricsCredentialsSecretName  string `mapstructure:"metrics_credentials_secret_name"`

	MetricsBaseURL string `mapstructure:"metrics_base_url" validate:"required"`

	LogLevel string `mapstructure:"log_level"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("min_workers", 2)
	v.SetDefault("max_workers", 10)
	v.SetDefault("tick_interval", 2*time.Minute)
	v.SetDefault("cooldown_up", 5*time.Minute)
	v.SetDefault("cooldown_down", 10*time.Minute)
	v.SetDefault("cpu_up_pct", 70.0)
	v.SetDefault("cpu_down_pct", 30.0)
	v.SetDefault("mem_up_pct", 75.0)
	v.SetDefault("mem_down_pct", 50.0)
	v.SetDefault("urgency_cpu_pct", 90.0)
	v.SetDefault("urgency_pending", 10)
	v.SetDefault("sustained_samples", 2)
	v.SetDefault("history_size", 10)
	v.SetDefault("join_deadline", 5*time.Minute)
	v.SetDefault("drain_timeout", 5*time.Minute)
	v.SetDefault("spot_percentage", 70)
	v.SetDefault("enable_predictive", false)
	v.SetDefault("enable_custom_metrics", false)
	v.SetDefault("lock_ttl", 5*time.Minute)
	v.SetDefault("tick_deadline", 60*time.Second)
	v.SetDefault("metrics_query_deadline", 10*time.Second)
	v.SetDefault("api_latency_p95_high_seconds", 2.0)
	v.SetDefault("error_rate_high_ratio", 0.05)
	v.SetDefault("queue_depth_high", 100)
	v.SetDefault("api_latency_p95_low_seconds", 1.0)
	v.SetDefault("error_rate_low_ratio", 0.01)
	v.SetDefault("queue_depth_low", 10)
	v.SetDefault("log_level", "info")
}

// Load builds the immutable Config from environment variables (prefixed
// CLUSTER_AUTOSCALER_) and an optional config file, validates it, and
// returns it. Any error here is a startup-time failure; the process should
// not continue with an invalid configuration, mirroring settings.go's
// parse-validate-fail-fast idiom (there this meant panic since the teacher
// reloads a ConfigMap at runtime; this module exits non-zero instead since
// configuration is loaded exactly once before any ticking starts).
func Load(configFile string) (Config, error) {
	v := viper.New()
	defaults(v)
	v.SetEnvPrefix("cluster_autoscaler")
	v.AutomaticEnv()
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks invariants the struct tags can't express (field
// comparisons beyond simple gt/lt, and the tick_interval < cooldown_up <
// cooldown_down ordering spec.md §6 requires for correctness).
func (c Config) Validate() error {
	validate := validator.New()
	var errs error
	errs = multierr.Append(errs, validate.Struct(c))
	if c.TickInterval >= c.CooldownUp {
		errs = multierr.Append(errs, fmt.Errorf("tick_interval (%s) must be less than cooldown_up (%s)", c.TickInterval, c.CooldownUp))
	}
	if c.CooldownUp >= c.CooldownDown {
		errs = multierr.Append(errs, fmt.Errorf("cooldown_up (%s) must be less than cooldown_down (%s)", c.CooldownUp, c.CooldownDown))
	}
	if c.LockTTL < c.JoinDeadline {
		errs = multierr.Append(errs, fmt.Errorf("lock_ttl (%s) must cover join_deadline (%s): §9 lock/join collision", c.LockTTL, c.JoinDeadline))
	}
	if c.TickDeadline >= c.LockTTL {
		errs = multierr.Append(errs, fmt.Errorf("tick_deadline (%s) must be less than lock_ttl (%s)", c.TickDeadline, c.LockTTL))
	}
	return errs
}
