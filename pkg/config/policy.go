package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yrippert-maker/papa-app-sub003/pkg/anchoring"
	"github.com/yrippert-maker/papa-app-sub003/pkg/deadletter"
	"github.com/yrippert-maker/papa-app-sub003/pkg/keylifecycle"
	"github.com/yrippert-maker/papa-app-sub003/pkg/retention"
)

// Policy is the governance and retention policy file.
type Policy struct {
	Retention    RetentionPolicy    `yaml:"retention" json:"retention"`
	KeyLifecycle KeyLifecyclePolicy `yaml:"key_lifecycle" json:"key_lifecycle"`
	Anchoring    AnchoringPolicy    `yaml:"anchoring" json:"anchoring"`
}

type RetentionPolicy struct {
	DeadLetterDays     int      `yaml:"dead_letter_days" json:"dead_letter_days"`
	DeadLetterMaxBytes int64    `yaml:"dead_letter_max_bytes" json:"dead_letter_max_bytes"`
	DeadLetterMaxLines int      `yaml:"dead_letter_max_lines" json:"dead_letter_max_lines"`
	Permanent          []string `yaml:"permanent" json:"permanent"`
}

type KeyLifecyclePolicy struct {
	DualControl           string        `yaml:"dual_control" json:"dual_control"` // CEL, bool result
	RequestTTL            time.Duration `yaml:"request_ttl" json:"request_ttl"`
	BreakGlassMaxDuration time.Duration `yaml:"break_glass_max_duration" json:"break_glass_max_duration"`
}

type AnchoringPolicy struct {
	ConfirmationTimeout   time.Duration `yaml:"confirmation_timeout" json:"confirmation_timeout"`
	WindowDays            int           `yaml:"window_days" json:"window_days"`
	DelayedAfterDays      float64       `yaml:"delayed_after_days" json:"delayed_after_days"`
	FailedAfterDays       float64       `yaml:"failed_after_days" json:"failed_after_days"`
	PendingThresholdHours float64       `yaml:"pending_threshold_hours" json:"pending_threshold_hours"`
}

func DefaultPolicy() *Policy {
	a := anchoring.DefaultConfig()
	return &Policy{
		Retention: RetentionPolicy{
			DeadLetterDays:     retention.DefaultDeadLetterDays,
			DeadLetterMaxBytes: deadletter.DefaultRotation.MaxBytes,
			DeadLetterMaxLines: deadletter.DefaultRotation.MaxLines,
			Permanent:          []string{string(retention.ClassLedgerEvents), string(retention.ClassSigningKeys)},
		},
		KeyLifecycle: KeyLifecyclePolicy{
			DualControl:           keylifecycle.DefaultDualControlExpr,
			RequestTTL:            keylifecycle.DefaultRequestTTL,
			BreakGlassMaxDuration: keylifecycle.DefaultBreakGlassDuration,
		},
		Anchoring: AnchoringPolicy{
			ConfirmationTimeout:   a.ConfirmationTimeout,
			WindowDays:            a.WindowDays,
			DelayedAfterDays:      a.DelayedAfterDays,
			FailedAfterDays:       a.FailedAfterDays,
			PendingThresholdHours: a.PendingThresholdHours,
		},
	}
}

// LoadPolicy reads the policy file at path over the defaults. An empty path
// yields the defaults. Unknown keys are rejected.
func LoadPolicy(path string) (*Policy, error) {
	p := DefaultPolicy()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied policy path
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(p); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse policy %q: %w", path, err)
	}
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("policy %q: %w", path, err)
	}
	return p, nil
}

func (p *Policy) validate() error {
	r := p.Retention
	if r.DeadLetterDays <= 0 {
		return errors.New("retention.dead_letter_days must be positive")
	}
	if r.DeadLetterMaxBytes < 0 || r.DeadLetterMaxLines < 0 {
		return errors.New("retention dead-letter thresholds must not be negative")
	}
	for _, c := range r.Permanent {
		if retention.Class(c) == retention.ClassDeadLetter {
			return errors.New("retention.permanent cannot include dead_letter")
		}
	}
	k := p.KeyLifecycle
	if k.RequestTTL < 0 || k.BreakGlassMaxDuration < 0 {
		return errors.New("key_lifecycle durations must not be negative")
	}
	a := p.Anchoring
	if a.DelayedAfterDays > 0 && a.FailedAfterDays > 0 && a.DelayedAfterDays >= a.FailedAfterDays {
		return errors.New("anchoring.delayed_after_days must be below failed_after_days")
	}
	return nil
}

func (p *Policy) RetentionPolicy() retention.Policy {
	perm := make([]retention.Class, len(p.Retention.Permanent))
	for i, c := range p.Retention.Permanent {
		perm[i] = retention.Class(c)
	}
	return retention.Policy{
		Days:      map[retention.Class]int{retention.ClassDeadLetter: p.Retention.DeadLetterDays},
		Permanent: perm,
	}
}

func (p *Policy) DeadLetterRotation() deadletter.Rotation {
	return deadletter.Rotation{MaxBytes: p.Retention.DeadLetterMaxBytes, MaxLines: p.Retention.DeadLetterMaxLines}
}

func (p *Policy) KeyLifecycleConfig() keylifecycle.Config {
	return keylifecycle.Config{
		RequestTTL:            p.KeyLifecycle.RequestTTL,
		BreakGlassMaxDuration: p.KeyLifecycle.BreakGlassMaxDuration,
	}
}

// DualControlPolicy compiles the dual-control expression.
func (p *Policy) DualControlPolicy() (*keylifecycle.Policy, error) {
	expr := p.KeyLifecycle.DualControl
	if expr == "" {
		expr = keylifecycle.DefaultDualControlExpr
	}
	return keylifecycle.NewPolicy(expr)
}

// AnchoringConfig merges the policy thresholds with the confirmation depth
// from the environment.
func (p *Policy) AnchoringConfig(confirmations int64) anchoring.Config {
	return anchoring.Config{
		ConfirmationTimeout:   p.Anchoring.ConfirmationTimeout,
		Confirmations:         confirmations,
		WindowDays:            p.Anchoring.WindowDays,
		DelayedAfterDays:      p.Anchoring.DelayedAfterDays,
		FailedAfterDays:       p.Anchoring.FailedAfterDays,
		PendingThresholdHours: p.Anchoring.PendingThresholdHours,
	}
}
