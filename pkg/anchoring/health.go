package anchoring

import (
	"context"
	"time"
)

// HealthStatus classifies anchoring over the rolling window.
type HealthStatus string

const (
	HealthOK      HealthStatus = "OK"
	HealthDelayed HealthStatus = "DELAYED"
	HealthFailed  HealthStatus = "FAILED"
)

// Health is the anchoring health payload consumed by unauthenticated
// probes. It is always well formed, even when the store could not be read.
// PendingOlderThanHours counts pending anchors older than
// PendingThresholdHours.
type Health struct {
	Network                string       `json:"network"`
	ChainID                string       `json:"chainId"`
	Status                 HealthStatus `json:"status"`
	LastConfirmedAt        *time.Time   `json:"lastConfirmedAt"`
	DaysSinceLastConfirmed *float64     `json:"daysSinceLastConfirmed"`
	WindowDays             int          `json:"windowDays"`
	ConfirmedInWindow      int          `json:"confirmedInWindow"`
	EmptyInWindow          int          `json:"emptyInWindow"`
	FailedInWindow         int          `json:"failedInWindow"`
	PendingOlderThanHours  int          `json:"pendingOlderThanHours"`
	OpenFailures           int          `json:"openFailures"`
	PendingInWindow        int          `json:"pendingInWindow"`
	PendingThresholdHours  float64      `json:"pendingThresholdHours"`
	CheckedAt              time.Time    `json:"checkedAt"`
	Error                  string       `json:"error,omitempty"`
}

// Health never fails; store errors yield a FAILED payload carrying the error.
func (s *Service) Health(ctx context.Context) Health {
	now := s.now().UTC()
	h := Health{
		Status:                HealthFailed,
		Network:               s.chain.Network(),
		ChainID:               s.chain.ChainID(),
		WindowDays:            s.cfg.WindowDays,
		PendingThresholdHours: s.cfg.PendingThresholdHours,
		CheckedAt:             now,
	}

	last, err := s.anchors.LastConfirmed(ctx)
	if err != nil {
		return s.degraded(ctx, h, err)
	}
	anchors, err := s.anchors.ListSince(ctx, now.AddDate(0, 0, -s.cfg.WindowDays))
	if err != nil {
		return s.degraded(ctx, h, err)
	}

	threshold := time.Duration(s.cfg.PendingThresholdHours * float64(time.Hour))
	for _, a := range anchors {
		switch a.Status {
		case StatusConfirmed:
			h.ConfirmedInWindow++
		case StatusEmpty:
			h.EmptyInWindow++
		case StatusFailed:
			h.FailedInWindow++
			if a.SupersededBy == nil {
				h.OpenFailures++
			}
		case StatusPending:
			h.PendingInWindow++
			if now.Sub(a.CreatedAt) > threshold {
				h.PendingOlderThanHours++
			}
		}
	}

	if last != nil {
		at := last.ConfirmedAt.UTC()
		days := now.Sub(at).Hours() / 24
		h.LastConfirmedAt = &at
		h.DaysSinceLastConfirmed = &days
	}
	h.Status = s.classify(h)
	return h
}

func (s *Service) classify(h Health) HealthStatus {
	if h.DaysSinceLastConfirmed == nil || *h.DaysSinceLastConfirmed > s.cfg.FailedAfterDays {
		return HealthFailed
	}
	if *h.DaysSinceLastConfirmed > s.cfg.DelayedAfterDays || h.OpenFailures > 0 || h.PendingOlderThanHours > 0 {
		return HealthDelayed
	}
	return HealthOK
}

func (s *Service) degraded(ctx context.Context, h Health, err error) Health {
	s.logger.ErrorContext(ctx, "anchoring health unavailable", "error", err)
	h.Status = HealthFailed
	h.Error = "anchoring state unavailable"
	return h
}
