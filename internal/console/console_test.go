package console

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"WalkGuard/internal/consent"
	"WalkGuard/internal/dbtest"
	"WalkGuard/internal/escalation"
	"WalkGuard/internal/heartbeat"
	"WalkGuard/internal/models"
	"WalkGuard/internal/session"
	"WalkGuard/internal/sos"
	"WalkGuard/pkg/constant"
	"WalkGuard/pkg/errors"
	"WalkGuard/pkg/notification"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakeNotifier struct {
	mu       sync.Mutex
	contacts int
	police   int
}

func (f *fakeNotifier) NotifyContact(ctx context.Context, phone, name string, alert notification.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contacts++
	return nil
}

func (f *fakeNotifier) NotifyPolice(ctx context.Context, alert notification.Alert) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.police++
	return "ref-1", nil
}

type fixture struct {
	db       *gorm.DB
	sessions *session.Manager
	events   *sos.Manager
	sched    *escalation.Scheduler
	notifier *fakeNotifier
	c        *Controller
}

func setup(t *testing.T) *fixture {
	db := dbtest.New(t)
	f := &fixture{db: db, notifier: &fakeNotifier{}}
	store := consent.NewStore(db, nil)
	f.sessions = session.NewManager(db, store, nil, session.Options{Location: time.UTC})
	f.sched = escalation.NewScheduler(db, f.notifier, nil, nil, escalation.Options{Delay: time.Hour, Backoff: time.Millisecond})
	t.Cleanup(f.sched.Stop)
	f.events = sos.NewManager(db, store, f.sessions, f.sched, nil, nil, sos.Options{Location: time.UTC})
	hb := heartbeat.NewTracker(db, f.sessions, nil, time.UTC, nil)
	f.c = NewController(db, f.events, f.sched, hb, nil, nil)
	return f
}

func here() *models.Location {
	lat, lon := 52.37, 4.89
	return &models.Location{Latitude: &lat, Longitude: &lon}
}

func yes() *bool { v := true; return &v }

// highRisk walks the user through a session and an SOS that scores at the
// escalation threshold.
func (f *fixture) highRisk(t *testing.T, user string) *models.SOSEvent {
	ctx := context.Background()
	require.NoError(t, models.CreateContact(f.db, &models.EmergencyContact{UserID: user, Name: "Sam", Phone: "+3100"}))
	_, err := consent.NewStore(f.db, nil).Upsert(ctx, user, consent.Grants{LocationSharing: yes()})
	require.NoError(t, err)
	s, err := f.sessions.Start(ctx, user, session.StartRequest{StartLocation: here()})
	require.NoError(t, err)
	assert.Equal(t, 0, s.RiskScore)
	assert.Equal(t, models.SessionActive, s.Status)

	for i := 0; i < 3; i++ {
		require.NoError(t, f.db.Create(&models.SOSEvent{UserID: user, Status: models.EventClosed, RiskScore: 5}).Error)
	}
	res, err := f.events.Create(ctx, user, sos.CreateRequest{SessionID: &s.ID, Location: here()})
	require.NoError(t, err)
	require.GreaterOrEqual(t, res.Event.RiskScore, 9)
	require.Equal(t, models.EscalationArmed, res.Event.EscalationState)
	require.True(t, f.sched.Pending(res.Event.ID))
	return res.Event
}

func (f *fixture) actions(t *testing.T, eventID string) []models.AgentAction {
	out, err := models.ListAgentActions(f.db, eventID)
	require.NoError(t, err)
	return out
}

func TestAcknowledgeCancelsEscalation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	ev := f.highRisk(t, "u1")

	res, err := f.c.Apply(ctx, "agent-7", ev.ID, ActionRequest{Type: models.ActionAcknowledge})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, models.EventAcknowledged, res.Event.Status)
	assert.Equal(t, models.EscalationCancelled, res.Event.EscalationState)
	require.NotNil(t, res.Event.AgentID)
	assert.Equal(t, "agent-7", *res.Event.AgentID)
	assert.False(t, f.sched.Pending(ev.ID))

	// the timer firing late must not escalate an acknowledged event
	fired, err := f.sched.Fire(ctx, ev.ID)
	require.NoError(t, err)
	assert.False(t, fired)
	f.sched.Wait()

	recs, err := models.ListEscalationRecords(f.db, ev.ID)
	require.NoError(t, err)
	assert.Empty(t, recs)

	actions := f.actions(t, ev.ID)
	require.Len(t, actions, 1)
	assert.Equal(t, models.ActionAcknowledge, actions[0].ActionType)
	assert.Equal(t, models.OutcomeApplied, actions[0].Outcome)
	require.NotNil(t, actions[0].Details.Transition)
	assert.Equal(t, models.EventOpen, actions[0].Details.Transition.From)
}

func TestUnansweredEventEscalatesBothChannels(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	ev := f.highRisk(t, "u1")

	fired, err := f.sched.Fire(ctx, ev.ID)
	require.NoError(t, err)
	require.True(t, fired)
	f.sched.Wait()

	got, err := f.events.Get(ctx, ev.ID)
	require.NoError(t, err)
	assert.True(t, got.EscalatedToContacts)
	assert.True(t, got.EscalatedToPolice)

	recs, err := models.ListEscalationRecords(f.db, ev.ID)
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	actions := f.actions(t, ev.ID)
	require.Len(t, actions, 1)
	assert.Equal(t, constant.SystemAgentID, actions[0].AgentID)
	assert.Equal(t, models.ActionAutoEscalate, actions[0].ActionType)

	// an agent arriving after auto-escalation cannot claim the event
	res, err := f.c.Apply(ctx, "agent-7", ev.ID, ActionRequest{Type: models.ActionAcknowledge})
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, models.OutcomeRejected, res.Outcome)
	assert.NotEmpty(t, res.Warning)
	assert.Nil(t, res.Event.AgentID)
}

func TestAcknowledgeIsIdempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	ev := f.highRisk(t, "u1")

	first, err := f.c.Apply(ctx, "agent-1", ev.ID, ActionRequest{Type: models.ActionAcknowledge})
	require.NoError(t, err)
	assert.True(t, first.Applied)

	second, err := f.c.Apply(ctx, "agent-2", ev.ID, ActionRequest{Type: models.ActionAcknowledge})
	require.NoError(t, err)
	assert.False(t, second.Applied)
	assert.Equal(t, models.OutcomeNoop, second.Outcome)
	assert.Equal(t, "agent-1", *second.Event.AgentID)

	actions := f.actions(t, ev.ID)
	require.Len(t, actions, 2)
	assert.Equal(t, models.OutcomeApplied, actions[0].Outcome)
	assert.Equal(t, models.OutcomeNoop, actions[1].Outcome)
	assert.Equal(t, "agent-2", actions[1].AgentID)
}

func TestConcurrentAcknowledgeBindsOneAgent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	ev := f.highRisk(t, "u1")

	var wg sync.WaitGroup
	var mu sync.Mutex
	applied := 0
	for _, agent := range []string{"a1", "a2", "a3"} {
		wg.Add(1)
		go func(agent string) {
			defer wg.Done()
			res, err := f.c.Apply(ctx, agent, ev.ID, ActionRequest{Type: models.ActionAcknowledge})
			if err != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if res.Applied {
				applied++
			}
		}(agent)
	}
	wg.Wait()
	assert.Equal(t, 1, applied)
	assert.Len(t, f.actions(t, ev.ID), 3)
}

func TestCloseRacingTimerNeverReopens(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		ev := f.highRisk(t, fmt.Sprintf("racer-%d", i))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := f.c.Apply(ctx, "agent-1", ev.ID, ActionRequest{Type: models.ActionCloseEvent})
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := f.sched.Fire(ctx, ev.ID)
			assert.NoError(t, err)
		}()
		wg.Wait()
		f.sched.Wait()

		got, err := f.events.Get(ctx, ev.ID)
		require.NoError(t, err)
		assert.NotEqual(t, models.EventOpen, got.Status)
		assert.Equal(t, models.EventClosed, got.Status)
		assert.False(t, f.sched.Pending(ev.ID))

		recs, err := models.ListEscalationRecords(f.db, ev.ID)
		require.NoError(t, err)
		if got.EscalatedToPolice {
			assert.Len(t, recs, 2, "iteration %d", i)
		} else {
			assert.Empty(t, recs, "iteration %d", i)
		}
	}
}

func TestConferenceFlow(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	ev := f.highRisk(t, "u1")

	res, err := f.c.Apply(ctx, "agent-1", ev.ID, ActionRequest{Type: models.ActionStartConference})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeRejected, res.Outcome)
	assert.True(t, f.sched.Pending(ev.ID), "start_conference leaves the timer alone")

	_, err = f.c.Apply(ctx, "agent-1", ev.ID, ActionRequest{Type: models.ActionAcknowledge})
	require.NoError(t, err)
	res, err = f.c.Apply(ctx, "agent-1", ev.ID, ActionRequest{Type: models.ActionStartConference})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, models.EventInConference, res.Event.Status)

	res, err = f.c.Apply(ctx, "agent-1", ev.ID, ActionRequest{Type: models.ActionStartConference})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeNoop, res.Outcome)
}

func TestAgentEscalationDelivers(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	ev := f.highRisk(t, "u1")

	res, err := f.c.Apply(ctx, "agent-1", ev.ID, ActionRequest{Type: models.ActionEscalatePolice, Reason: "screaming on call"})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, models.EventOpen, res.Event.Status)
	assert.True(t, res.Event.EscalatedToPolice)
	assert.Equal(t, models.EscalationCancelled, res.Event.EscalationState)
	require.NotNil(t, res.Action.Details.Escalation)
	require.Len(t, res.Action.Details.Escalation.RecordIDs, 1)
	f.sched.Wait()

	recs, err := models.ListEscalationRecords(f.db, ev.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, models.SourceAgent, recs[0].Source)
	assert.Equal(t, models.DeliverySent, recs[0].Status)
	assert.Equal(t, 1, f.notifier.police)

	res, err = f.c.Apply(ctx, "agent-1", ev.ID, ActionRequest{Type: models.ActionEscalatePolice})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeNoop, res.Outcome)
	recs, err = models.ListEscalationRecords(f.db, ev.ID)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestMarkMisuse(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	ev := f.highRisk(t, "u1")

	res, err := f.c.Apply(ctx, "agent-1", ev.ID, ActionRequest{Type: models.ActionMarkMisuse, Reason: "  "})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeRejected, res.Outcome)
	assert.True(t, f.sched.Pending(ev.ID), "a rejected misuse mark keeps the timer")

	res, err = f.c.Apply(ctx, "agent-1", ev.ID, ActionRequest{Type: models.ActionMarkMisuse, Reason: "pocket dial"})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, models.EventMisuseFlagged, res.Event.Status)
	assert.NotNil(t, res.Event.ClosedAt)
	assert.False(t, f.sched.Pending(ev.ID))

	flagged, err := models.HasUnresolvedFlag(f.db, "u1")
	require.NoError(t, err)
	assert.True(t, flagged)

	action, err := f.c.ResolveMisuse(ctx, "agent-2", "u1", "confirmed accidental")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeApplied, action.Outcome)
	assert.Nil(t, action.EventID)
	assert.EqualValues(t, 1, action.Details.Misuse.Resolved)

	flagged, err = models.HasUnresolvedFlag(f.db, "u1")
	require.NoError(t, err)
	assert.False(t, flagged)

	action, err = f.c.ResolveMisuse(ctx, "agent-2", "u1", "again")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeNoop, action.Outcome)

	_, err = f.c.ResolveMisuse(ctx, "agent-2", "u1", "")
	assert.True(t, errors.IsCode(err, errors.CodeBadRequest))
}

func TestTerminalEventsRejectActions(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	ev := f.highRisk(t, "u1")

	res, err := f.c.Apply(ctx, "agent-1", ev.ID, ActionRequest{Type: models.ActionCloseEvent, Reason: "user safe"})
	require.NoError(t, err)
	assert.Equal(t, models.EventClosed, res.Event.Status)

	for _, action := range []string{
		models.ActionAcknowledge, models.ActionStartConference, models.ActionEscalateContacts,
		models.ActionEscalatePolice, models.ActionCloseEvent,
	} {
		res, err := f.c.Apply(ctx, "agent-1", ev.ID, ActionRequest{Type: action})
		require.NoError(t, err, action)
		assert.False(t, res.Applied, action)
		assert.Equal(t, models.OutcomeRejected, res.Outcome, action)
		assert.Equal(t, models.EventClosed, res.Event.Status, action)
	}
	assert.Len(t, f.actions(t, ev.ID), 6)
}

func TestApplyUnknownActionAndEvent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.c.Apply(ctx, "agent-1", "missing", ActionRequest{Type: "teleport"})
	assert.True(t, errors.IsCode(err, errors.CodeBadRequest))

	_, err = f.c.Apply(ctx, "agent-1", "missing", ActionRequest{Type: models.ActionAcknowledge})
	assert.True(t, errors.IsCode(err, errors.CodeNotFound))

	var n int64
	require.NoError(t, f.db.Model(&models.AgentAction{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestViewLogsAndLoadsContext(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	ev := f.highRisk(t, "u1")

	_, err := heartbeat.NewTracker(f.db, f.sessions, nil, time.UTC, nil).
		Record(ctx, "u1", "android", heartbeat.Sample{SessionID: *ev.SessionID, Location: here(), DeviceStatus: models.DeviceOnline})
	require.NoError(t, err)

	view, err := f.c.View(ctx, "agent-1", ev.ID)
	require.NoError(t, err)
	assert.Equal(t, ev.ID, view.Event.ID)
	assert.Len(t, view.Heartbeats, 1)
	assert.Empty(t, view.Escalations)
	require.Len(t, view.Actions, 1)
	assert.Equal(t, models.ActionViewEvent, view.Actions[0].ActionType)

	open, err := f.c.ListOpen(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, ev.ID, open[0].ID)
}
