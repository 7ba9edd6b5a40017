// Package recovery classifies failures from model and tool calls and
// retries the transient ones with exponential backoff.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/spindle-dev/spindle/pkg/llm"
)

// Class partitions failures by how the manager should react.
type Class string

const (
	// Transient failures are retried with backoff.
	Transient Class = "transient"
	// RateLimited failures honor the provider's retry_after hint.
	RateLimited Class = "rate_limited"
	// Permanent failures surface immediately.
	Permanent Class = "permanent"
	// UserInputRequired failures need the user, not a retry.
	UserInputRequired Class = "user_input_required"
)

// Classify maps an error to its class. Typed llm errors classify by kind;
// anything else is sniffed from the message, defaulting to permanent.
func Classify(err error) Class {
	var pe *llm.Error
	if errors.As(err, &pe) {
		switch pe.Kind {
		case llm.ErrRateLimit:
			return RateLimited
		case llm.ErrNetwork:
			return Transient
		case llm.ErrAPI:
			if pe.Status == 429 {
				return RateLimited
			}
			if pe.Status >= 500 {
				return Transient
			}
			return Permanent
		case llm.ErrConfig, llm.ErrModelNotFound, llm.ErrSerialization:
			return Permanent
		case llm.ErrContentFiltered:
			return UserInputRequired
		default:
			return Permanent
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"429", "rate limit", "too many requests"} {
		if strings.Contains(msg, marker) {
			return RateLimited
		}
	}
	for _, marker := range []string{
		"500", "502", "503", "504", "timeout", "timed out",
		"connection refused", "connection reset", "temporarily unavailable", "eof",
	} {
		if strings.Contains(msg, marker) {
			return Transient
		}
	}
	return Permanent
}

// RetryAfterHint extracts a provider backoff hint, or 0.
func RetryAfterHint(err error) time.Duration {
	var pe *llm.Error
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

// RetryConfig tunes one retry loop.
type RetryConfig struct {
	MaxRetries     int           `yaml:"max_retries" json:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff" json:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" json:"max_backoff"`
	// Multiplier grows the backoff each attempt; <= 1 means 2.
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`
}

// DefaultRetryConfig is three retries (four attempts in all) from 500ms up
// to 30s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2,
	}
}

func (c *RetryConfig) fillDefaults() {
	d := DefaultRetryConfig()
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.Multiplier <= 1 {
		c.Multiplier = d.Multiplier
	}
}

// Config is the manager's tuning: a default policy plus per-tool overrides.
type Config struct {
	Default RetryConfig            `yaml:"default" json:"default"`
	Tools   map[string]RetryConfig `yaml:"tools" json:"tools,omitempty"`
}

// Manager runs operations under the retry policy.
type Manager struct {
	config Config
	logger *slog.Logger
	// sleep is swappable for tests.
	sleep func(context.Context, time.Duration) error
}

// NewManager creates a manager.
func NewManager(cfg Config) *Manager {
	cfg.Default.fillDefaults()
	return &Manager{
		config: cfg,
		logger: slog.Default(),
		sleep:  sleepCtx,
	}
}

// WithLogger overrides the default logger.
func (m *Manager) WithLogger(l *slog.Logger) *Manager {
	m.logger = l
	return m
}

func (m *Manager) Config() Config { return m.config }

// ToolConfig returns the retry policy for a tool, falling back to the
// default.
func (m *Manager) ToolConfig(toolID string) RetryConfig {
	if cfg, ok := m.config.Tools[toolID]; ok {
		cfg.fillDefaults()
		return cfg
	}
	return m.config.Default
}

// WithRetry runs op, retrying transient and rate-limited failures up to the
// policy's MaxRetries. Permanent and user-input failures surface
// immediately. op label only feeds logging.
func (m *Manager) WithRetry(ctx context.Context, label string, cfg *RetryConfig, op func() error) error {
	policy := m.config.Default
	if cfg != nil {
		policy = *cfg
		policy.fillDefaults()
	}

	backoff := policy.InitialBackoff
	var err error
	for attempt := 0; ; attempt++ {
		err = op()
		if err == nil {
			return nil
		}

		class := Classify(err)
		if class == Permanent || class == UserInputRequired {
			return err
		}
		if attempt >= policy.MaxRetries {
			return fmt.Errorf("recovery: %s failed after %d retries: %w", label, policy.MaxRetries, err)
		}

		wait := backoff
		if class == RateLimited {
			if hint := RetryAfterHint(err); hint > 0 {
				wait = hint
			}
		}
		// Jitter (a random 50-100% of the wait) keeps concurrent sessions from
		// thundering in lockstep.
		wait = time.Duration(float64(wait) * (0.5 + rand.Float64()/2))
		if wait > policy.MaxBackoff {
			wait = policy.MaxBackoff
		}

		m.logger.Warn("retrying after failure",
			"op", label, "attempt", attempt+1, "class", string(class), "wait", wait, "error", err)

		if serr := m.sleep(ctx, wait); serr != nil {
			return serr
		}
		backoff = time.Duration(float64(backoff) * policy.Multiplier)
		if backoff > policy.MaxBackoff {
			backoff = policy.MaxBackoff
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
