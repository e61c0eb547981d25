package handlers

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"WalkGuard/internal/consent"
	"WalkGuard/internal/console"
	"WalkGuard/internal/dbtest"
	"WalkGuard/internal/escalation"
	"WalkGuard/internal/heartbeat"
	"WalkGuard/internal/models"
	"WalkGuard/internal/session"
	"WalkGuard/internal/sos"
	"WalkGuard/pkg/cache"
	"WalkGuard/pkg/constant"
	"WalkGuard/pkg/metrics"
	"WalkGuard/pkg/middleware"
	"WalkGuard/pkg/notification"
	"WalkGuard/pkg/storage"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const secret = "handler-test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

type testEnv struct {
	t     *testing.T
	db    *gorm.DB
	r     *gin.Engine
	media *storage.MemoryStore
	user  string
	agent string
}

func newEnv(t *testing.T) *testEnv {
	db := dbtest.New(t)
	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWith(reg, reg)

	store := consent.NewStore(db, nil)
	sessions := session.NewManager(db, store, m, session.Options{Location: time.UTC})
	sched := escalation.NewScheduler(db, notification.NewNotifier(notification.Config{}), nil, m, escalation.Options{Delay: time.Hour})
	t.Cleanup(sched.Stop)
	events := sos.NewManager(db, store, sessions, sched, nil, m, sos.Options{Location: time.UTC})
	hb := heartbeat.NewTracker(db, sessions, m, time.UTC, nil)
	media := storage.NewMemoryStore()

	h := NewHandlers(Deps{
		DB:         db,
		SecretKey:  secret,
		Consent:    store,
		Sessions:   sessions,
		Heartbeats: hb,
		Events:     events,
		Console:    console.NewController(db, events, sched, hb, m, nil),
		Media:      media,
		Cache:      cache.NewGoCache(cache.LocalConfig{DefaultExpiration: time.Minute, CleanupInterval: time.Minute}),
		Metrics:    m,
		Location:   time.UTC,
	})
	r := gin.New()
	h.Register(r)

	user, err := middleware.IssueToken(secret, "u1", constant.RoleUser, time.Hour)
	require.NoError(t, err)
	agent, err := middleware.IssueToken(secret, "agent-1", constant.RoleAgent, time.Hour)
	require.NoError(t, err)
	return &testEnv{t: t, db: db, r: r, media: media, user: user, agent: agent}
}

func (e *testEnv) send(req *http.Request, token string) (*httptest.ResponseRecorder, envelope) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.r.ServeHTTP(w, req)
	var body envelope
	if w.Header().Get("Content-Type") != "" && json.Valid(w.Body.Bytes()) {
		_ = json.Unmarshal(w.Body.Bytes(), &body)
	}
	return w, body
}

func (e *testEnv) do(method, path, token string, payload interface{}, headers ...string) (*httptest.ResponseRecorder, envelope) {
	var buf bytes.Buffer
	if payload != nil {
		require.NoError(e.t, json.NewEncoder(&buf).Encode(payload))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	return e.send(req, token)
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	var out T
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func location() map[string]interface{} {
	return map[string]interface{}{"latitude": 41.39, "longitude": 2.17}
}

func (e *testEnv) grantLocation() {
	w, _ := e.do(http.MethodPost, "/api/consent", e.user, map[string]bool{"location_sharing": true})
	require.Equal(e.t, http.StatusOK, w.Code)
}

func TestAuthRequired(t *testing.T) {
	e := newEnv(t)
	w, body := e.do(http.MethodGet, "/api/sessions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthorized", body.Kind)

	w, body = e.do(http.MethodGet, "/api/agent/events", e.user, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "permission_denied", body.Kind)
}

func TestSessionLifecycle(t *testing.T) {
	e := newEnv(t)

	w, body := e.do(http.MethodPost, "/api/sessions", e.user, map[string]interface{}{"start_location": location()})
	assert.Equal(t, http.StatusForbidden, w.Code, "no consent yet")
	assert.Equal(t, "permission_denied", body.Kind)

	e.grantLocation()
	w, body = e.do(http.MethodPost, "/api/sessions", e.user, map[string]interface{}{"start_location": location(), "battery_level": 10})
	require.Equal(t, http.StatusCreated, w.Code)
	s := decode[models.WalkSession](t, body.Data)
	assert.Equal(t, models.SessionActive, s.Status)
	assert.Equal(t, models.SamplingIntervalBatterySaver, s.SamplingIntervalSeconds)

	w, body = e.do(http.MethodPost, "/api/sessions", e.user, map[string]interface{}{"start_location": location()})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "invalid_transition", body.Kind)

	w, body = e.do(http.MethodPost, "/api/heartbeat", e.user, map[string]interface{}{
		"session_id": s.ID, "location": location(), "battery_level": 80, "device_status": "online",
	}, "User-Agent", "Mozilla/5.0 (Linux; Android 14; Pixel 8)")
	require.Equal(t, http.StatusOK, w.Code)
	ack := decode[heartbeat.Ack](t, body.Data)
	assert.Equal(t, models.SessionActive, ack.SessionStatus)
	assert.Equal(t, models.SamplingIntervalNominal, ack.NextIntervalSeconds)

	w, _ = e.do(http.MethodGet, "/api/sessions/"+s.ID, e.user, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, body = e.do(http.MethodPut, "/api/sessions/"+s.ID, e.user, map[string]interface{}{"status": "ended", "end_location": location()})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.SessionEnded, decode[models.WalkSession](t, body.Data).Status)

	w, body = e.do(http.MethodPut, "/api/sessions/"+s.ID, e.user, map[string]interface{}{"status": "active"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w, body = e.do(http.MethodGet, "/api/sessions", e.user, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]models.WalkSession](t, body.Data), 1)
}

func TestDailyQuota(t *testing.T) {
	e := newEnv(t)
	e.grantLocation()
	for i := 0; i < 2; i++ {
		w, body := e.do(http.MethodPost, "/api/sessions", e.user, map[string]interface{}{"start_location": location()})
		require.Equal(t, http.StatusCreated, w.Code)
		id := decode[models.WalkSession](t, body.Data).ID
		w, _ = e.do(http.MethodPut, "/api/sessions/"+id, e.user, map[string]interface{}{"status": "ended"})
		require.Equal(t, http.StatusOK, w.Code)
	}
	w, body := e.do(http.MethodPost, "/api/sessions", e.user, map[string]interface{}{"start_location": location()})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "daily_limit_exceeded", body.Kind)

	// emergencies are never quota-limited
	w, _ = e.do(http.MethodPost, "/api/sos", e.user, map[string]interface{}{"location": location()})
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestCreateSOSIsIdempotent(t *testing.T) {
	e := newEnv(t)
	payload := map[string]interface{}{"location": location()}

	w1, b1 := e.do(http.MethodPost, "/api/sos", e.user, payload, constant.HeaderIdempotencyKey, "tap-1")
	require.Equal(t, http.StatusCreated, w1.Code)
	w2, b2 := e.do(http.MethodPost, "/api/sos", e.user, payload, constant.HeaderIdempotencyKey, "tap-1")
	require.Equal(t, http.StatusCreated, w2.Code)

	first := decode[sos.CreateResult](t, b1.Data)
	second := decode[sos.CreateResult](t, b2.Data)
	assert.Equal(t, first.Event.ID, second.Event.ID)
	assert.Equal(t, 5, first.Risk.Score)

	var n int64
	require.NoError(t, e.db.Model(&models.SOSEvent{}).Count(&n).Error)
	assert.EqualValues(t, 1, n)

	w, body := e.do(http.MethodGet, "/api/sos", e.user, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]models.SOSEvent](t, body.Data), 1)
}

func TestCreateSOSStorageDownPointsToDirectChannel(t *testing.T) {
	e := newEnv(t)
	sqlDB, err := e.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	w, body := e.do(http.MethodPost, "/api/sos", e.user, map[string]interface{}{"location": location()})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "unavailable", body.Kind)
	dc := decode[directChannel](t, body.Data)
	assert.Equal(t, constant.EmergencyNumber, dc.EmergencyNumber)
	assert.Contains(t, dc.Instruction, "112")
}

func TestMediaUpload(t *testing.T) {
	e := newEnv(t)
	upload := func() (*httptest.ResponseRecorder, envelope) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fw, err := mw.CreateFormFile("file", "clip.m4a")
		require.NoError(t, err)
		_, _ = fw.Write([]byte("audio"))
		require.NoError(t, mw.Close())
		req := httptest.NewRequest(http.MethodPost, "/api/sos/media", &buf)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		return e.send(req, e.user)
	}

	w, body := upload()
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "permission_denied", body.Kind)

	w, _ = e.do(http.MethodPost, "/api/consent", e.user, map[string]bool{"media_capture": true})
	require.Equal(t, http.StatusOK, w.Code)

	w, body = upload()
	require.Equal(t, http.StatusCreated, w.Code)
	key := decode[map[string]string](t, body.Data)["key"]
	assert.True(t, storage.OwnedBy(key, "u1"))
	got, ok := e.media.Bytes(key)
	require.True(t, ok)
	assert.Equal(t, "audio", string(got))

	w, body = e.do(http.MethodPost, "/api/sos", e.user, map[string]interface{}{"location": location(), "media_files": []string{key}})
	require.Equal(t, http.StatusCreated, w.Code)
	res := decode[sos.CreateResult](t, body.Data)
	assert.False(t, res.MediaRejected)
	assert.Equal(t, []string{key}, []string(res.Event.MediaFiles))
}

func TestAgentActions(t *testing.T) {
	e := newEnv(t)
	w, body := e.do(http.MethodPost, "/api/sos", e.user, map[string]interface{}{"location": location()})
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode[sos.CreateResult](t, body.Data).Event.ID

	w, body = e.do(http.MethodGet, "/api/agent/events", e.agent, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]models.SOSEvent](t, body.Data), 1)

	w, body = e.do(http.MethodPost, "/api/agent/events/"+id+"/actions", e.agent, map[string]string{"action_type": models.ActionAcknowledge})
	require.Equal(t, http.StatusOK, w.Code)
	res := decode[console.ActionResult](t, body.Data)
	assert.True(t, res.Applied)
	assert.Equal(t, models.EventAcknowledged, res.Event.Status)

	w, body = e.do(http.MethodPost, "/api/agent/events/"+id+"/actions", e.agent, map[string]string{"action_type": models.ActionCloseEvent})
	require.Equal(t, http.StatusOK, w.Code)

	// rejected transitions answer 200 with a warning
	w, body = e.do(http.MethodPost, "/api/agent/events/"+id+"/actions", e.agent, map[string]string{"action_type": models.ActionStartConference})
	require.Equal(t, http.StatusOK, w.Code)
	res = decode[console.ActionResult](t, body.Data)
	assert.False(t, res.Applied)
	assert.Equal(t, models.OutcomeRejected, res.Outcome)
	assert.NotEmpty(t, res.Warning)

	w, body = e.do(http.MethodPost, "/api/agent/events/"+id+"/actions", e.agent, map[string]string{"action_type": "teleport"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body = e.do(http.MethodPost, "/api/agent/events/missing/actions", e.agent, map[string]string{"action_type": models.ActionAcknowledge})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, body = e.do(http.MethodGet, "/api/agent/events/"+id, e.agent, nil)
	require.Equal(t, http.StatusOK, w.Code)
	view := decode[console.EventView](t, body.Data)
	assert.Equal(t, models.EventClosed, view.Event.Status)
	assert.Len(t, view.Actions, 4)
}

func TestResolveMisuse(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, models.UpsertMisuseFlag(e.db, "u1", models.FlagFalseAlarm, time.Now()))

	w, _ := e.do(http.MethodPost, "/api/agent/misuse-flags/u1/resolve", e.agent, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body := e.do(http.MethodPost, "/api/agent/misuse-flags/u1/resolve", e.agent, map[string]string{"reason": "verified"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.OutcomeApplied, body.Msg)

	flagged, err := models.HasUnresolvedFlag(e.db, "u1")
	require.NoError(t, err)
	assert.False(t, flagged)
}

func TestRiskScoreAndContacts(t *testing.T) {
	e := newEnv(t)

	w, body := e.do(http.MethodPost, "/api/risk-score", e.user, map[string]interface{}{"sos_triggered": true, "location": location()})
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[map[string]interface{}](t, body.Data)
	assert.GreaterOrEqual(t, got["score"].(float64), float64(5))

	w, body = e.do(http.MethodPost, "/api/contacts", e.user, map[string]string{"name": "Ana", "phone": "+34600"})
	require.Equal(t, http.StatusCreated, w.Code)
	contact := decode[models.EmergencyContact](t, body.Data)

	w, body = e.do(http.MethodGet, "/api/contacts", e.user, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]models.EmergencyContact](t, body.Data), 1)

	w, _ = e.do(http.MethodPost, "/api/contacts", e.user, map[string]string{"name": "No phone"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = e.do(http.MethodDelete, "/api/contacts/"+contact.ID, e.user, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = e.do(http.MethodDelete, "/api/contacts/"+contact.ID, e.user, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	e := newEnv(t)
	w, _ := e.do(http.MethodGet, "/api/system/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = e.do(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "http_requests_total")
}
