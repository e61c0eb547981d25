// Package escalation owns the automatic escalation timer of high-risk SOS
// events and the delivery of escalation records to contacts and police.
//
// Timers live in memory. Every armed event carries its due time on the row,
// so Reconcile can re-arm or fire after a restart. The status update and the
// timer cancel are not one transaction: an agent action racing the timer
// resolves to at most one extra escalation, never to a lost one.
package escalation

import (
	"context"
	"sync"
	"time"

	"WalkGuard/internal/broadcast"
	"WalkGuard/internal/models"
	"WalkGuard/pkg/constant"
	"WalkGuard/pkg/errors"
	"WalkGuard/pkg/logger"
	"WalkGuard/pkg/metrics"
	"WalkGuard/pkg/notification"
	"WalkGuard/pkg/scheduler"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	DefaultDelay       = 90 * time.Second
	DefaultLease       = 30 * time.Second
	DefaultMaxAttempts = 5
	DefaultBackoff     = time.Second
	inlineAttempts     = 3
)

// Notifier is the delivery side of the escalation channels
type Notifier interface {
	NotifyContact(ctx context.Context, phone, name string, alert notification.Alert) error
	NotifyPolice(ctx context.Context, alert notification.Alert) (string, error)
}

type Options struct {
	Delay       time.Duration
	Lease       time.Duration
	MaxAttempts int
	Backoff     time.Duration
	Now         func() time.Time
}

type Scheduler struct {
	db       *gorm.DB
	timers   *scheduler.TimerSet
	notifier Notifier
	pub      broadcast.Publisher
	metrics  *metrics.Metrics

	delay       time.Duration
	lease       time.Duration
	maxAttempts int
	backoff     time.Duration
	now         func() time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
}

func NewScheduler(db *gorm.DB, notifier Notifier, pub broadcast.Publisher, m *metrics.Metrics, opts Options) *Scheduler {
	if opts.Delay <= 0 {
		opts.Delay = DefaultDelay
	}
	if opts.Lease <= 0 {
		opts.Lease = DefaultLease
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		db:          db,
		timers:      scheduler.NewTimerSet(),
		notifier:    notifier,
		pub:         pub,
		metrics:     m,
		delay:       opts.Delay,
		lease:       opts.Lease,
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.Backoff,
		now:         opts.Now,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Delay is how long a high-risk event waits for a human
func (s *Scheduler) Delay() time.Duration { return s.delay }

// Schedule arms the one-shot timer of an event, replacing a pending one
func (s *Scheduler) Schedule(eventID string, delay time.Duration) {
	s.timers.Schedule(eventID, delay, scheduler.FuncJob(func(ctx context.Context) {
		s.fireWithRetry(ctx, eventID)
	}))
	s.metrics.TimersPending(s.timers.Len())
	logger.Debug("escalation timer armed", zap.String("event_id", eventID), zap.Duration("delay", delay))
}

// Arm schedules an armed event for the time persisted on its row
func (s *Scheduler) Arm(ev *models.SOSEvent) {
	if ev.EscalationState != models.EscalationArmed {
		return
	}
	s.Schedule(ev.ID, dueAt(ev).Sub(s.now()))
}

// Cancel is synchronous; a timer it removed never fires
func (s *Scheduler) Cancel(eventID string) bool {
	removed := s.timers.Cancel(eventID)
	s.metrics.TimersPending(s.timers.Len())
	return removed
}

func (s *Scheduler) Pending(eventID string) bool { return s.timers.Pending(eventID) }

// Stop drops pending timers and waits for running fires and deliveries
func (s *Scheduler) Stop() {
	s.timers.Stop()
	s.cancel()
	s.inflight.Wait()
}

// Wait blocks until background deliveries finish
func (s *Scheduler) Wait() { s.inflight.Wait() }

func dueAt(ev *models.SOSEvent) time.Time {
	if ev.EscalationDueAt != nil {
		return *ev.EscalationDueAt
	}
	if ev.EscalationTimerStartedAt != nil {
		return ev.EscalationTimerStartedAt.Add(time.Duration(ev.EscalationTimerDuration) * time.Second)
	}
	return ev.CreatedAt.Add(time.Duration(ev.EscalationTimerDuration) * time.Second)
}

func (s *Scheduler) fireWithRetry(ctx context.Context, eventID string) {
	var err error
	for attempt := 0; attempt < inlineAttempts; attempt++ {
		if _, err = s.Fire(ctx, eventID); err == nil {
			return
		}
		logger.Warn("escalation fire failed, retrying",
			zap.String("event_id", eventID),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		if !sleep(ctx, s.backoff<<attempt) {
			break
		}
	}
	logger.Error("escalation could not be recorded",
		zap.String("alert", "escalation_lost"),
		zap.String("event_id", eventID),
		zap.Error(err),
	)
	s.metrics.Escalation("auto", models.SourceSystem, "error")
	if ctx.Err() == nil {
		s.Schedule(eventID, s.backoff<<inlineAttempts)
	}
}

// Fire claims an armed open event and escalates it to both channels. It
// reports false when the event was acknowledged, closed or already fired.
func (s *Scheduler) Fire(ctx context.Context, eventID string) (bool, error) {
	now := s.now().UTC()
	var records []models.EscalationRecord

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.SOSEvent{}).
			Where("id = ? AND status = ? AND escalation_state = ?", eventID, models.EventOpen, models.EscalationArmed).
			Updates(map[string]interface{}{
				"status":                models.EventEscalatedToPolice,
				"escalated_to_contacts": true,
				"escalated_to_police":   true,
				"escalation_state":      models.EscalationFired,
				"version":               gorm.Expr("version + 1"),
				"updated_at":            now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		ids := make([]string, 0, 2)
		for _, channel := range []string{models.ChannelContacts, models.ChannelPolice} {
			rec := models.EscalationRecord{
				EventID:        eventID,
				EscalationType: channel,
				DedupKey:       models.DedupAuto,
				Source:         models.SourceSystem,
				Status:         models.DeliveryPending,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			inserted, err := models.InsertEscalationRecord(tx, &rec)
			if err != nil {
				return err
			}
			if inserted {
				records = append(records, rec)
				ids = append(ids, rec.ID)
			}
		}

		id := eventID
		return models.CreateAgentAction(tx, &models.AgentAction{
			AgentID:    constant.SystemAgentID,
			EventID:    &id,
			ActionType: models.ActionAutoEscalate,
			Details:    models.EscalationDetail(models.ActionAutoEscalate, []string{models.ChannelContacts, models.ChannelPolice}, ids),
			Reason:     "unacknowledged high-risk event",
			Outcome:    models.OutcomeApplied,
			CreatedAt:  now,
		})
	})
	if err != nil {
		return false, errors.Unavailable(err, "fire escalation")
	}

	ev, err := models.GetEvent(s.db.WithContext(ctx), eventID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Unavailable(err, "reload escalated event")
	}
	if ev.EscalationState != models.EscalationFired || len(records) == 0 {
		logger.Info("escalation timer found nothing to do",
			zap.String("event_id", eventID),
			zap.String("status", ev.Status),
			zap.String("escalation_state", ev.EscalationState),
		)
		return false, nil
	}

	logger.Warn("sos event auto-escalated",
		zap.String("event_id", eventID),
		zap.String("user_id", ev.UserID),
		zap.Int("risk_score", ev.RiskScore),
	)
	for _, rec := range records {
		s.metrics.Escalation(rec.EscalationType, models.SourceSystem, "fired")
	}
	if err := broadcast.Fanout(ctx, s.pub, broadcast.EventSOSUpdated, ev,
		constant.AgentAlertsTopic, broadcast.UserTopic(ev.UserID)); err != nil {
		logger.Warn("escalation broadcast failed", zap.String("event_id", eventID), zap.Error(err))
	}

	ids := make([]string, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.ID)
	}
	s.DeliverAsync(ids...)
	return true, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
