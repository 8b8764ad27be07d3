package keylifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/yrippert-maker/papa-app-sub003/pkg/ledger"
)

// casAttempts bounds optimistic retries on the break-glass singleton.
const casAttempts = 5

// BreakGlassStatus returns the singleton, deactivating it first if its time
// box has elapsed.
func (s *Service) BreakGlassStatus(ctx context.Context) (BreakGlass, error) {
	for range casAttempts {
		bg, err := s.breakGlass.Load(ctx)
		if err != nil {
			return BreakGlass{}, fmt.Errorf("keylifecycle: load break-glass: %w", err)
		}
		now := s.now().UTC()
		if !bg.expiredAt(now) {
			return bg, nil
		}
		next := deactivated(bg, SystemActor, now)
		err = s.breakGlass.Save(ctx, next, bg.Version)
		if errors.Is(err, errStaleStatus) {
			continue
		}
		if err != nil {
			return BreakGlass{}, fmt.Errorf("keylifecycle: expire break-glass: %w", err)
		}
		s.logger.WarnContext(ctx, "break-glass expired", "activated_by", deref(bg.ActivatedBy), "actions_taken", len(bg.ActionsTaken))
		s.record(ctx, SystemActor, ledger.BreakGlassDeactivated{
			DeactivatedBy: SystemActor,
			Reason:        "maximum duration elapsed",
			ActionsTaken:  len(bg.ActionsTaken),
			Expired:       true,
		})
		next.Version = bg.Version + 1
		return next, nil
	}
	return BreakGlass{}, newError(CodeInvalidStatus, "break-glass state changed concurrently")
}

// ActivateBreakGlass opens the override for duration, capped by the
// configured maximum. Zero selects the maximum.
func (s *Service) ActivateBreakGlass(ctx context.Context, actor, reason string, duration time.Duration) (BreakGlass, error) {
	if strings.TrimSpace(actor) == "" || strings.TrimSpace(reason) == "" {
		return BreakGlass{}, newError(CodeInvalidRequest, "actor and reason are required")
	}
	if duration <= 0 {
		duration = s.cfg.BreakGlassMaxDuration
	}
	if duration > s.cfg.BreakGlassMaxDuration {
		return BreakGlass{}, newError(CodeInvalidRequest, "duration %s exceeds maximum %s", duration, s.cfg.BreakGlassMaxDuration)
	}

	bg, err := s.BreakGlassStatus(ctx)
	if err != nil {
		return BreakGlass{}, err
	}
	if bg.Active {
		return BreakGlass{}, newError(CodeBreakGlassActive, "break-glass already active since %s", bg.ActivatedAt.Format(time.RFC3339))
	}

	now := s.now().UTC()
	expires := now.Add(duration)
	next := BreakGlass{
		Active:      true,
		ActivatedBy: &actor,
		Reason:      &reason,
		ActivatedAt: &now,
		ExpiresAt:   &expires,
	}
	if err := s.saveBreakGlass(ctx, next, bg.Version); err != nil {
		return BreakGlass{}, err
	}
	next.Version = bg.Version + 1
	s.logger.WarnContext(ctx, "break-glass activated", "actor", actor, "reason", reason, "expires_at", expires)
	s.record(ctx, actor, ledger.BreakGlassActivated{
		ActivatedBy: actor,
		Reason:      reason,
		ExpiresAt:   expires.Format(time.RFC3339Nano),
	})
	return next, nil
}

// DeactivateBreakGlass closes the override.
func (s *Service) DeactivateBreakGlass(ctx context.Context, actor, reason string) (BreakGlass, error) {
	if strings.TrimSpace(actor) == "" {
		return BreakGlass{}, newError(CodeInvalidRequest, "actor is required")
	}
	bg, err := s.BreakGlassStatus(ctx)
	if err != nil {
		return BreakGlass{}, err
	}
	if !bg.Active {
		return BreakGlass{}, newError(CodeBreakGlassInactive, "break-glass is not active")
	}
	next := deactivated(bg, actor, s.now().UTC())
	if err := s.saveBreakGlass(ctx, next, bg.Version); err != nil {
		return BreakGlass{}, err
	}
	next.Version = bg.Version + 1
	s.logger.WarnContext(ctx, "break-glass deactivated", "actor", actor, "actions_taken", len(bg.ActionsTaken))
	s.record(ctx, actor, ledger.BreakGlassDeactivated{
		DeactivatedBy: actor,
		Reason:        reason,
		ActionsTaken:  len(bg.ActionsTaken),
	})
	return next, nil
}

// recordBypass writes the BREAK_GLASS_ACTION ledger event and then appends to
// actions_taken. Any failure refuses the action, as does break-glass lapsing
// in between.
func (s *Service) recordBypass(ctx context.Context, a Action) error {
	a.At = s.now().UTC()
	bg, err := s.BreakGlassStatus(ctx)
	if err != nil {
		return err
	}
	if !bg.Active {
		return newError(CodeDualControlRequired, "%s requires an approved request", a.Action)
	}
	if s.recorder != nil {
		if _, err := s.recorder.AppendPayload(ctx, a.Actor, ledger.BreakGlassAction{
			Actor: a.Actor, Action: a.Action, Target: a.Target, Detail: a.Detail,
		}); err != nil {
			s.logger.ErrorContext(ctx, "break-glass action refused, ledger append failed",
				"actor", a.Actor, "action", a.Action, "error", err)
			return fmt.Errorf("keylifecycle: record break-glass action: %w", err)
		}
	}

	for range casAttempts {
		next := bg
		next.ActionsTaken = append(append([]Action(nil), bg.ActionsTaken...), a)
		err = s.breakGlass.Save(ctx, next, bg.Version)
		if err == nil {
			s.logger.WarnContext(ctx, "dual control bypassed under break-glass", "actor", a.Actor, "action", a.Action, "target", a.Target)
			return nil
		}
		if !errors.Is(err, errStaleStatus) {
			return fmt.Errorf("keylifecycle: record break-glass action: %w", err)
		}
		if bg, err = s.BreakGlassStatus(ctx); err != nil {
			return err
		}
		if !bg.Active {
			return newError(CodeDualControlRequired, "%s requires an approved request", a.Action)
		}
	}
	return newError(CodeInvalidStatus, "break-glass state changed concurrently")
}

func (s *Service) saveBreakGlass(ctx context.Context, next BreakGlass, version int64) error {
	err := s.breakGlass.Save(ctx, next, version)
	if errors.Is(err, errStaleStatus) {
		return newError(CodeInvalidStatus, "break-glass state changed concurrently")
	}
	if err != nil {
		return fmt.Errorf("keylifecycle: save break-glass: %w", err)
	}
	return nil
}

// deactivated keeps the activation context and actions for the audit view.
func deactivated(bg BreakGlass, actor string, at time.Time) BreakGlass {
	next := bg
	next.Active = false
	next.DeactivatedBy = &actor
	next.DeactivatedAt = &at
	return next
}
