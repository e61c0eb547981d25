package session

import (
	"context"
	"testing"
	"time"

	"WalkGuard/internal/consent"
	"WalkGuard/internal/dbtest"
	"WalkGuard/internal/models"
	"WalkGuard/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func boolPtr(v bool) *bool { return &v }
func intPtr(v int) *int    { return &v }

type fixture struct {
	db      *gorm.DB
	consent *consent.Store
	clock   *clock
	m       *Manager
}

func setup(t *testing.T) *fixture {
	db := dbtest.New(t)
	c := &clock{t: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
	cs := consent.NewStore(db, nil)
	m := NewManager(db, cs, nil, Options{Location: time.UTC, Now: c.Now})
	return &fixture{db: db, consent: cs, clock: c, m: m}
}

func (f *fixture) grant(t *testing.T, user string) {
	_, err := f.consent.Upsert(context.Background(), user, consent.Grants{LocationSharing: boolPtr(true), MediaCapture: boolPtr(true)})
	require.NoError(t, err)
}

func (f *fixture) startAndEnd(t *testing.T, user string) *models.WalkSession {
	ctx := context.Background()
	s, err := f.m.Start(ctx, user, StartRequest{})
	require.NoError(t, err)
	_, err = f.m.Update(ctx, s.ID, user, UpdateRequest{Status: models.SessionEnded})
	require.NoError(t, err)
	return s
}

func TestStartRequiresConsent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.m.Start(ctx, "u1", StartRequest{})
	assert.True(t, errors.IsCode(err, errors.CodePermissionDenied))

	f.grant(t, "u1")
	_, err = f.m.Start(ctx, "u1", StartRequest{LocationPermission: boolPtr(false)})
	assert.True(t, errors.IsCode(err, errors.CodePermissionDenied))
}

func TestStartCreatesActiveSession(t *testing.T) {
	f := setup(t)
	f.grant(t, "u1")

	s, err := f.m.Start(context.Background(), "u1", StartRequest{BatteryLevel: intPtr(80), MediaPermission: boolPtr(false)})
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, s.Status)
	assert.Equal(t, 0, s.RiskScore)
	assert.Equal(t, 15, s.SamplingIntervalSeconds)
	assert.True(t, s.LocationSharingEnabled)
	assert.False(t, s.MediaCaptureEnabled)
}

func TestStartLowBatteryUsesSaverInterval(t *testing.T) {
	f := setup(t)
	f.grant(t, "u1")

	s, err := f.m.Start(context.Background(), "u1", StartRequest{BatteryLevel: intPtr(12)})
	require.NoError(t, err)
	assert.Equal(t, 30, s.SamplingIntervalSeconds)
}

func TestStartRejectsBadInput(t *testing.T) {
	f := setup(t)
	f.grant(t, "u1")
	lat := 123.0

	_, err := f.m.Start(context.Background(), "u1", StartRequest{BatteryLevel: intPtr(101)})
	assert.True(t, errors.IsCode(err, errors.CodeBadRequest))
	_, err = f.m.Start(context.Background(), "u1", StartRequest{StartLocation: &models.Location{Latitude: &lat, Longitude: &lat}})
	assert.True(t, errors.IsCode(err, errors.CodeBadRequest))
}

func TestSingleLiveSession(t *testing.T) {
	f := setup(t)
	f.grant(t, "u1")
	ctx := context.Background()

	first, err := f.m.Start(ctx, "u1", StartRequest{})
	require.NoError(t, err)

	_, err = f.m.Start(ctx, "u1", StartRequest{})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeInvalidTransition))
	var coded *errors.Error
	require.True(t, errors.As(err, &coded))
	assert.Equal(t, first.ID, coded.ContextValue("session_id"))
}

func TestStartExpiresStaleSession(t *testing.T) {
	f := setup(t)
	f.grant(t, "u1")
	ctx := context.Background()

	first, err := f.m.Start(ctx, "u1", StartRequest{})
	require.NoError(t, err)
	f.clock.Advance(46 * time.Second)

	second, err := f.m.Start(ctx, "u1", StartRequest{})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	old, err := f.m.Get(ctx, first.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionExpired, old.Status)
	assert.NotNil(t, old.EndedAt)
}

func TestDailyQuota(t *testing.T) {
	f := setup(t)
	f.grant(t, "u1")
	ctx := context.Background()

	f.startAndEnd(t, "u1")
	second := f.startAndEnd(t, "u1")

	_, err := f.m.Start(ctx, "u1", StartRequest{})
	assert.True(t, errors.IsCode(err, errors.CodeDailyLimitExceeded))

	// a session that reached high risk never counts, even after the score drops
	require.NoError(t, f.m.ApplyRisk(ctx, second.ID, 9))
	require.NoError(t, f.m.ApplyRisk(ctx, second.ID, 2))
	got, err := f.m.Get(ctx, second.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.RiskScore)
	assert.Equal(t, 9, got.PeakRiskScore)

	third := f.startAndEnd(t, "u1")
	require.NoError(t, f.m.ApplyRisk(ctx, third.ID, 10))
	f.startAndEnd(t, "u1")
	_, err = f.m.Start(ctx, "u1", StartRequest{})
	assert.True(t, errors.IsCode(err, errors.CodeDailyLimitExceeded))

	f.clock.Advance(24 * time.Hour)
	_, err = f.m.Start(ctx, "u1", StartRequest{})
	assert.NoError(t, err)
}

func TestQuotaUsesConfiguredDay(t *testing.T) {
	db := dbtest.New(t)
	tz := time.FixedZone("UTC+8", 8*3600)
	c := &clock{t: time.Date(2026, 5, 4, 15, 0, 0, 0, time.UTC)} // 23:00 local
	cs := consent.NewStore(db, nil)
	m := NewManager(db, cs, nil, Options{Location: tz, Now: c.Now})
	_, err := cs.Upsert(context.Background(), "u1", consent.Grants{LocationSharing: boolPtr(true)})
	require.NoError(t, err)
	f := &fixture{db: db, consent: cs, clock: c, m: m}

	f.startAndEnd(t, "u1")
	f.startAndEnd(t, "u1")
	c.Advance(2 * time.Hour) // 01:00 local, next day
	_, err = m.Start(context.Background(), "u1", StartRequest{})
	assert.NoError(t, err)
}

func TestUpdateTransitions(t *testing.T) {
	f := setup(t)
	f.grant(t, "u1")
	ctx := context.Background()

	s, err := f.m.Start(ctx, "u1", StartRequest{})
	require.NoError(t, err)

	_, err = f.m.Update(ctx, s.ID, "intruder", UpdateRequest{Status: models.SessionPaused})
	assert.True(t, errors.IsCode(err, errors.CodeNotFound))

	paused, err := f.m.Update(ctx, s.ID, "u1", UpdateRequest{Status: models.SessionPaused})
	require.NoError(t, err)
	assert.Equal(t, models.SessionPaused, paused.Status)

	resumed, err := f.m.Update(ctx, s.ID, "u1", UpdateRequest{Status: models.SessionActive})
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, resumed.Status)

	addr := &models.Location{Address: "home"}
	ended, err := f.m.Update(ctx, s.ID, "u1", UpdateRequest{Status: models.SessionEnded, EndLocation: addr})
	require.NoError(t, err)
	assert.Equal(t, models.SessionEnded, ended.Status)
	assert.NotNil(t, ended.EndedAt)
	require.NotNil(t, ended.EndLocation)
	assert.Equal(t, "home", ended.EndLocation.Address)

	_, err = f.m.Update(ctx, s.ID, "u1", UpdateRequest{Status: models.SessionActive})
	assert.True(t, errors.IsCode(err, errors.CodeInvalidTransition))
	_, err = f.m.Update(ctx, s.ID, "u1", UpdateRequest{Status: models.SessionExpired})
	assert.True(t, errors.IsCode(err, errors.CodeInvalidTransition))
	_, err = f.m.Update(ctx, s.ID, "u1", UpdateRequest{Status: "flying"})
	assert.True(t, errors.IsCode(err, errors.CodeBadRequest))

	// the slot is free again
	_, err = f.m.Start(ctx, "u1", StartRequest{})
	assert.NoError(t, err)
}

func TestExpireStale(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.grant(t, "u1")
	f.grant(t, "u2")
	f.grant(t, "u3")

	stale, err := f.m.Start(ctx, "u1", StartRequest{})
	require.NoError(t, err)
	paused, err := f.m.Start(ctx, "u2", StartRequest{})
	require.NoError(t, err)
	_, err = f.m.Update(ctx, paused.ID, "u2", UpdateRequest{Status: models.SessionPaused})
	require.NoError(t, err)

	f.clock.Advance(40 * time.Second)
	fresh, err := f.m.Start(ctx, "u3", StartRequest{})
	require.NoError(t, err)
	f.clock.Advance(10 * time.Second)

	n, err := f.m.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.m.Get(ctx, stale.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionExpired, got.Status)
	got, err = f.m.Get(ctx, paused.ID, "u2")
	require.NoError(t, err)
	assert.Equal(t, models.SessionPaused, got.Status)
	got, err = f.m.Get(ctx, fresh.ID, "u3")
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, got.Status)
}

func TestTouchKeepsSessionFresh(t *testing.T) {
	f := setup(t)
	f.grant(t, "u1")
	ctx := context.Background()

	s, err := f.m.Start(ctx, "u1", StartRequest{})
	require.NoError(t, err)
	f.clock.Advance(40 * time.Second)
	require.NoError(t, f.m.Touch(ctx, s.ID, f.clock.Now(), 3, 15))
	f.clock.Advance(40 * time.Second)

	n, err := f.m.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := f.m.Get(ctx, s.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, got.RiskScore)
	assert.Equal(t, 3, got.PeakRiskScore)
}

func TestTouchWinsOverConcurrentExpiry(t *testing.T) {
	f := setup(t)
	f.grant(t, "u1")
	ctx := context.Background()

	s, err := f.m.Start(ctx, "u1", StartRequest{})
	require.NoError(t, err)
	f.clock.Advance(50 * time.Second)

	snapshot, err := f.m.Get(ctx, s.ID, "u1")
	require.NoError(t, err)
	require.True(t, snapshot.Stale(f.clock.Now()))

	// a heartbeat lands between the sweep's read and its write
	require.NoError(t, f.m.Touch(ctx, s.ID, f.clock.Now(), 2, 15))

	ok, err := f.m.expire(f.db.WithContext(ctx), snapshot, f.clock.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := f.m.Get(ctx, s.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, got.Status)
	assert.Nil(t, got.EndedAt)
	assert.Equal(t, snapshot.Version+1, got.Version)
}

func TestQuotaRejectionLeavesStaleSessionLive(t *testing.T) {
	f := setup(t)
	f.grant(t, "u1")
	ctx := context.Background()

	f.startAndEnd(t, "u1")
	live, err := f.m.Start(ctx, "u1", StartRequest{})
	require.NoError(t, err)
	f.clock.Advance(46 * time.Second)

	_, err = f.m.Start(ctx, "u1", StartRequest{})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeDailyLimitExceeded))

	got, err := f.m.Get(ctx, live.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, got.Status)
	assert.Equal(t, live.Version, got.Version)
	assert.Nil(t, got.EndedAt)
}

func TestStorageFailureIsUnavailable(t *testing.T) {
	f := setup(t)
	f.grant(t, "u1")
	sqlDB, err := f.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	_, err = f.m.List(context.Background(), "u1")
	assert.True(t, errors.IsCode(err, errors.CodeUnavailable))
}
