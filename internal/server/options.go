package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/Tyrowin/relay/internal/config"
)

// DuplicatePolicy decides what happens when a username that is already
// online authenticates again.
type DuplicatePolicy int

const (
	// EvictExisting closes the old connection and keeps the new one.
	EvictExisting DuplicatePolicy = iota
	// RejectNew refuses the new connection with auth_fail.
	RejectNew
)

// ParseDuplicatePolicy maps the configuration strings to a policy.
func ParseDuplicatePolicy(s string) (DuplicatePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", config.DuplicateEvict:
		return EvictExisting, nil
	case config.DuplicateReject:
		return RejectNew, nil
	default:
		return EvictExisting, fmt.Errorf("unknown duplicate policy %q", s)
	}
}

func (p DuplicatePolicy) String() string {
	if p == RejectNew {
		return config.DuplicateReject
	}
	return config.DuplicateEvict
}

// RateLimitConfig defines the parameters for per-connection envelope rate
// limiting.
type RateLimitConfig struct {
	Burst     int
	PerSecond float64
}

// Options tunes connection handling for a Hub.
type Options struct {
	AuthTimeout     time.Duration
	PongWait        time.Duration
	WriteWait       time.Duration
	SendQueueSize   int
	MaxMessageSize  int64
	MaxViolations   int
	RateLimit       RateLimitConfig
	DuplicatePolicy DuplicatePolicy
	AllowedOrigins  []string
	// SilentReplace skips the presence_change for an evicting re-login.
	SilentReplace bool
	// TrustProxy takes the client address from X-Forwarded-For or X-Real-IP.
	TrustProxy bool
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		AuthTimeout:     10 * time.Second,
		PongWait:        60 * time.Second,
		WriteWait:       10 * time.Second,
		SendQueueSize:   256,
		MaxMessageSize:  64 * 1024,
		MaxViolations:   3,
		RateLimit:       RateLimitConfig{Burst: 20, PerSecond: 10},
		DuplicatePolicy: EvictExisting,
		AllowedOrigins:  []string{"*"},
	}
}

// OptionsFromConfig converts a validated configuration.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	policy, err := ParseDuplicatePolicy(cfg.Relay.DuplicatePolicy)
	if err != nil {
		return Options{}, err
	}
	opts := Options{
		AuthTimeout:    cfg.Auth.Timeout,
		PongWait:       cfg.Relay.PongWait,
		SendQueueSize:  cfg.Relay.SendQueueSize,
		MaxMessageSize: cfg.Relay.MaxMessageSize,
		MaxViolations:  cfg.Relay.MaxViolations,
		RateLimit: RateLimitConfig{
			Burst:     cfg.Relay.RateLimit.Burst,
			PerSecond: cfg.Relay.RateLimit.PerSecond,
		},
		DuplicatePolicy: policy,
		AllowedOrigins:  append([]string(nil), cfg.Server.AllowedOrigins...),
		SilentReplace:   cfg.Relay.SilentReplace,
		TrustProxy:      cfg.Server.TrustProxy,
	}
	return opts.sanitize(), nil
}

// sanitize fills zero values with defaults. MaxViolations of zero is kept:
// it closes on the first violation.
func (o Options) sanitize() Options {
	def := DefaultOptions()
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = def.AuthTimeout
	}
	if o.PongWait <= 0 {
		o.PongWait = def.PongWait
	}
	if o.WriteWait <= 0 {
		o.WriteWait = def.WriteWait
	}
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = def.SendQueueSize
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = def.MaxMessageSize
	}
	if o.MaxViolations < 0 {
		o.MaxViolations = def.MaxViolations
	}
	if o.RateLimit.Burst <= 0 {
		o.RateLimit.Burst = def.RateLimit.Burst
	}
	if o.RateLimit.PerSecond <= 0 {
		o.RateLimit.PerSecond = def.RateLimit.PerSecond
	}
	if o.AllowedOrigins == nil {
		o.AllowedOrigins = def.AllowedOrigins
	}
	return o
}

// pingPeriod must stay below PongWait so a healthy peer always answers in
// time.
func (o Options) pingPeriod() time.Duration {
	return o.PongWait * 9 / 10
}
