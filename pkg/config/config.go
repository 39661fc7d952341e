// Package config loads and validates the gather.yaml configuration file.
// Built-in defaults are merged under user-provided values, so a missing or
// partial file always yields a complete, validated configuration.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for configuration loading.
var (
	ErrConfigNotFound = errors.New("configuration file not found")
	ErrInvalidYAML    = errors.New("invalid YAML syntax")
)

// Config is the complete runtime configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Events    EventsConfig    `yaml:"events"`
	Circle    CircleConfig    `yaml:"circle"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// ServerConfig holds the operational HTTP surface settings.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// EventsConfig holds event bus settings.
type EventsConfig struct {
	HistorySize int `yaml:"history_size"`
}

// CircleConfig holds circle defaults. RequireReview and AutoRoute are
// pointers so an explicit false survives the defaults merge.
type CircleConfig struct {
	RequireReview      *bool `yaml:"require_review"`
	AutoRoute          *bool `yaml:"auto_route"`
	MaxIterations      int   `yaml:"max_iterations"`
	StopGraceSeconds   int   `yaml:"stop_grace_seconds"`
	TurnTimeoutSeconds int   `yaml:"turn_timeout_seconds"`
}

// ExecutorConfig holds background executor settings.
type ExecutorConfig struct {
	PoolSize       int `yaml:"pool_size"`
	StepBackoffMS  int `yaml:"step_backoff_ms"`
	RetryBackoffMS int `yaml:"retry_backoff_ms"`
}

// SchedulerConfig holds scheduler settings.
type SchedulerConfig struct {
	TickSeconds int `yaml:"tick_seconds"`
}

// Default returns the built-in configuration.
func Default() *Config {
	requireReview := true
	autoRoute := true
	return &Config{
		Server: ServerConfig{Addr: ":8080"},
		Events: EventsConfig{HistorySize: 1024},
		Circle: CircleConfig{
			RequireReview:      &requireReview,
			AutoRoute:          &autoRoute,
			MaxIterations:      3,
			StopGraceSeconds:   10,
			TurnTimeoutSeconds: 60,
		},
		Executor: ExecutorConfig{
			PoolSize:       8,
			StepBackoffMS:  100,
			RetryBackoffMS: 500,
		},
		Scheduler: SchedulerConfig{TickSeconds: 5},
	}
}

// StopGracePeriod returns the circle drain grace period.
func (c CircleConfig) StopGracePeriod() time.Duration {
	return time.Duration(c.StopGraceSeconds) * time.Second
}

// TurnTimeout returns the per-conversation-turn deadline.
func (c CircleConfig) TurnTimeout() time.Duration {
	return time.Duration(c.TurnTimeoutSeconds) * time.Second
}

// StepBackoff returns the inter-step cooperative yield.
func (c ExecutorConfig) StepBackoff() time.Duration {
	return time.Duration(c.StepBackoffMS) * time.Millisecond
}

// RetryBackoff returns the in-place step retry delay.
func (c ExecutorConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMS) * time.Millisecond
}

// Tick returns the scheduler clock period.
func (c SchedulerConfig) Tick() time.Duration {
	return time.Duration(c.TickSeconds) * time.Second
}

// validate rejects configurations that cannot run.
func (c *Config) validate() error {
	if c.Events.HistorySize < 1 {
		return fmt.Errorf("events.history_size must be at least 1, got %d", c.Events.HistorySize)
	}
	if c.Circle.MaxIterations < 1 {
		return fmt.Errorf("circle.max_iterations must be at least 1, got %d", c.Circle.MaxIterations)
	}
	if c.Executor.PoolSize < 1 {
		return fmt.Errorf("executor.pool_size must be at least 1, got %d", c.Executor.PoolSize)
	}
	if c.Scheduler.TickSeconds < 1 {
		return fmt.Errorf("scheduler.tick_seconds must be at least 1, got %d", c.Scheduler.TickSeconds)
	}
	return nil
}
