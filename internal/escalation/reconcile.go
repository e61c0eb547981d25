package escalation

import (
	"context"

	"WalkGuard/internal/models"
	"WalkGuard/pkg/errors"
	"WalkGuard/pkg/logger"

	"go.uber.org/zap"
)

// Redrive retries pending or failed records whose lease ran out
func (s *Scheduler) Redrive(ctx context.Context) (int, error) {
	before := s.now().UTC().Add(-s.lease)
	records, err := models.ListUndelivered(s.db.WithContext(ctx), before, s.maxAttempts)
	if err != nil {
		return 0, errors.Unavailable(err, "list undelivered escalations")
	}
	sent := 0
	for _, rec := range records {
		ok, err := s.deliver(ctx, rec)
		if err != nil && errors.IsCode(err, errors.CodeUnavailable) {
			return sent, err
		}
		if ok {
			sent++
		}
	}
	return sent, nil
}

// Reconcile re-arms timers for armed events not yet due, fires overdue ones
// and re-drives undelivered records. It runs on startup and on a schedule.
func (s *Scheduler) Reconcile(ctx context.Context) error {
	armed, err := models.ListArmedEvents(s.db.WithContext(ctx))
	if err != nil {
		return errors.Unavailable(err, "list armed events")
	}

	now := s.now()
	fired, rearmed := 0, 0
	for i := range armed {
		ev := &armed[i]
		if remaining := dueAt(ev).Sub(now); remaining > 0 {
			if !s.Pending(ev.ID) {
				s.Schedule(ev.ID, remaining)
				rearmed++
			}
			continue
		}
		s.Cancel(ev.ID)
		ok, err := s.Fire(ctx, ev.ID)
		if err != nil {
			logger.Error("overdue escalation could not be fired",
				zap.String("alert", "escalation_lost"),
				zap.String("event_id", ev.ID),
				zap.Error(err),
			)
			continue
		}
		if ok {
			fired++
		}
	}

	sent, err := s.Redrive(ctx)
	if fired+rearmed+sent > 0 {
		logger.Info("escalations reconciled",
			zap.Int("fired", fired),
			zap.Int("rearmed", rearmed),
			zap.Int("redriven", sent),
		)
	}
	return err
}
