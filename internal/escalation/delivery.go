package escalation

import (
	"context"
	"fmt"
	"strings"

	"WalkGuard/internal/models"
	"WalkGuard/pkg/errors"
	"WalkGuard/pkg/logger"
	"WalkGuard/pkg/notification"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const noContacts = "no emergency contacts on file"

// DeliverAsync sends the records in the background, retrying in-line with
// backoff. Whatever is still undelivered is picked up by Redrive.
func (s *Scheduler) DeliverAsync(recordIDs ...string) {
	for _, id := range recordIDs {
		s.inflight.Add(1)
		go func(id string) {
			defer s.inflight.Done()
			s.deliverWithRetry(s.ctx, id)
		}(id)
	}
}

func (s *Scheduler) deliverWithRetry(ctx context.Context, recordID string) {
	for attempt := 0; attempt < inlineAttempts; attempt++ {
		var rec models.EscalationRecord
		if err := s.db.WithContext(ctx).Where("id = ?", recordID).First(&rec).Error; err != nil {
			logger.Warn("escalation record not loadable", zap.String("record_id", recordID), zap.Error(err))
			return
		}
		if rec.Status == models.DeliverySent || rec.Attempts >= s.maxAttempts {
			return
		}
		if ok, _ := s.deliver(ctx, rec); ok {
			return
		}
		if !sleep(ctx, s.backoff<<attempt) {
			return
		}
	}
}

// deliver makes one claimed attempt. It reports whether the record ended up sent.
func (s *Scheduler) deliver(ctx context.Context, rec models.EscalationRecord) (bool, error) {
	db := s.db.WithContext(ctx)
	claimed, err := models.ClaimEscalationRecord(db, rec.ID, rec.Attempts)
	if err != nil {
		return false, errors.Unavailable(err, "claim escalation record")
	}
	if !claimed {
		return false, nil
	}
	attempt := rec.Attempts + 1

	ev, err := models.GetEvent(db, rec.EventID)
	if err != nil {
		return false, s.finish(db, rec, attempt, "", fmt.Errorf("load event: %w", err))
	}
	alert := alertFor(ev, rec.Source)

	var recipient string
	var sendErr error
	switch rec.EscalationType {
	case models.ChannelContacts:
		recipient, sendErr = s.notifyContacts(ctx, ev.UserID, alert)
	case models.ChannelPolice:
		var ref string
		ref, sendErr = s.notifier.NotifyPolice(ctx, alert)
		recipient = "police dispatch"
		if ref != "" {
			recipient += " ref " + ref
		}
	default:
		sendErr = fmt.Errorf("unknown escalation type %q", rec.EscalationType)
	}
	if err := s.finish(db, rec, attempt, recipient, sendErr); err != nil {
		return false, err
	}
	return sendErr == nil, sendErr
}

func (s *Scheduler) notifyContacts(ctx context.Context, user string, alert notification.Alert) (string, error) {
	contacts, err := models.ListContacts(s.db.WithContext(ctx), user)
	if err != nil {
		return "", fmt.Errorf("load contacts: %w", err)
	}
	if len(contacts) == 0 {
		return "", errors.New(noContacts)
	}

	var reached, failed []string
	for _, c := range contacts {
		if err := s.notifier.NotifyContact(ctx, c.Phone, c.Name, alert); err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", c.Name, err))
			continue
		}
		reached = append(reached, fmt.Sprintf("%s <%s>", c.Name, c.Phone))
	}
	recipient := strings.Join(reached, ", ")
	if len(failed) > 0 {
		return recipient, fmt.Errorf("%s", strings.Join(failed, "; "))
	}
	return recipient, nil
}

func (s *Scheduler) finish(db *gorm.DB, rec models.EscalationRecord, attempt int, recipient string, sendErr error) error {
	status, lastErr := models.DeliverySent, ""
	if sendErr != nil {
		status, lastErr = models.DeliveryFailed, sendErr.Error()
	}
	fields := []zap.Field{
		zap.String("record_id", rec.ID),
		zap.String("event_id", rec.EventID),
		zap.String("type", rec.EscalationType),
		zap.String("source", rec.Source),
		zap.Int("attempt", attempt),
	}
	if err := models.MarkEscalationRecord(db, rec.ID, status, recipient, lastErr); err != nil {
		logger.Error("escalation record status not saved", append(fields, zap.String("alert", "escalation_lost"), zap.Error(err))...)
		return errors.Unavailable(err, "update escalation record")
	}
	s.metrics.Escalation(rec.EscalationType, rec.Source, status)

	switch {
	case sendErr == nil:
		logger.Info("escalation delivered", append(fields, zap.String("recipient", recipient))...)
	case attempt >= s.maxAttempts:
		logger.Error("escalation undeliverable", append(fields, zap.String("alert", "escalation_undeliverable"), zap.Error(sendErr))...)
	default:
		logger.Warn("escalation delivery failed", append(fields, zap.Error(sendErr))...)
	}
	return nil
}

func alertFor(ev *models.SOSEvent, source string) notification.Alert {
	a := notification.Alert{
		EventID:   ev.ID,
		UserID:    ev.UserID,
		RiskScore: ev.RiskScore,
		Source:    source,
		CreatedAt: ev.CreatedAt,
	}
	if ev.SessionID != nil {
		a.SessionID = *ev.SessionID
	}
	if ev.Location != nil {
		a.Latitude = ev.Location.Latitude
		a.Longitude = ev.Location.Longitude
		a.Address = ev.Location.Address
	}
	return a
}
