package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/stridetally/internal/athletes"
	"github.com/MarcoPoloResearchLab/stridetally/internal/auth"
	"github.com/MarcoPoloResearchLab/stridetally/internal/serviceerr"
	"github.com/MarcoPoloResearchLab/stridetally/internal/stats"
	"github.com/MarcoPoloResearchLab/stridetally/internal/syncer"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type stubAthletes struct {
	mu      sync.Mutex
	signIns []athletes.SignIn
	users   map[uint]athletes.User
	nextID  uint
}

func (s *stubAthletes) RecordSignIn(_ context.Context, signIn athletes.SignIn) (athletes.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signIns = append(s.signIns, signIn)
	s.nextID++
	return athletes.User{ID: s.nextID, StravaID: signIn.ProviderAccountID}, nil
}

func (s *stubAthletes) Get(_ context.Context, id uint) (athletes.User, error) {
	user, ok := s.users[id]
	if !ok {
		return athletes.User{}, athletes.ErrAthleteNotFound
	}
	return user, nil
}

type stubStats struct {
	byUser   []stats.UserRollup
	byMonth  []stats.MonthRollup
	progress stats.TeamProgress
	err      error
}

func (s stubStats) TeamStatsByUser(context.Context) ([]stats.UserRollup, error) {
	return s.byUser, s.err
}

func (s stubStats) TeamStatsByMonth(context.Context) ([]stats.MonthRollup, error) {
	return s.byMonth, s.err
}

func (s stubStats) TeamProgress(context.Context) (stats.TeamProgress, error) {
	return s.progress, s.err
}

type stubQueue struct {
	mu       sync.Mutex
	enqueued []uint
	err      error
}

func (s *stubQueue) Enqueue(userID uint) (syncer.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return syncer.Task{}, s.err
	}
	s.enqueued = append(s.enqueued, userID)
	return syncer.Task{ID: "task-1", UserID: userID, NotBefore: time.Unix(1700000000, 0), Attempt: 1}, nil
}

type stubBulkSyncer struct {
	calls chan struct{}
}

func (s stubBulkSyncer) SyncAll(context.Context) (syncer.Report, error) {
	s.calls <- struct{}{}
	return syncer.Report{RunID: "run-1"}, nil
}

type routerFixture struct {
	handler  http.Handler
	athletes *stubAthletes
	queue    *stubQueue
	bulk     stubBulkSyncer
}

func newRouterFixture(t *testing.T, reader stubStats, authErr error) routerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	fixture := routerFixture{
		athletes: &stubAthletes{users: map[uint]athletes.User{3: {ID: 3}}},
		queue:    &stubQueue{},
		bulk:     stubBulkSyncer{calls: make(chan struct{}, 1)},
	}
	claims := auth.ServiceClaims{}
	claims.Subject = "identity-bridge"
	handler, err := NewHTTPHandler(Dependencies{
		Athletes:      fixture.athletes,
		Stats:         reader,
		Queue:         fixture.queue,
		Syncer:        fixture.bulk,
		Authenticator: stubAuthenticator{claims: claims, err: authErr},
		Logger:        zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	fixture.handler = handler
	return fixture
}

func (f routerFixture) do(method, path string, body []byte) *httptest.ResponseRecorder {
	request := httptest.NewRequest(method, path, bytes.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer test")
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); !errors.Is(err, errMissingAthleteService) {
		t.Fatalf("expected missing athlete service error, got %v", err)
	}
}

func TestStatsEndpointReturnsRollups(t *testing.T) {
	fixture := newRouterFixture(t, stubStats{byUser: []stats.UserRollup{{
		UserID:          1,
		User:            stats.AthleteRef{StravaID: "42", Username: "Ada", ProfilePicture: "https://example.com/a.png"},
		TotalDistance:   4.97,
		TotalActivities: 2,
		TotalKudos:      7,
	}}}, nil)

	recorder := fixture.do(http.MethodGet, "/stats", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}
	var payload []map[string]interface{}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(payload) != 1 {
		t.Fatalf("expected one row, got %d", len(payload))
	}
	user := payload[0]["user"].(map[string]interface{})
	if user["stravaId"] != "42" || user["username"] != "Ada" {
		t.Fatalf("unexpected user payload: %v", user)
	}
	if payload[0]["totalKudos"].(float64) != 7 {
		t.Fatalf("unexpected kudos: %v", payload[0]["totalKudos"])
	}
	if _, leaked := payload[0]["UserID"]; leaked {
		t.Fatalf("internal user id must not be serialized")
	}
}

func TestStatsMonthlyEndpoint(t *testing.T) {
	fixture := newRouterFixture(t, stubStats{byMonth: []stats.MonthRollup{
		{Month: "October", Year: 2024, TotalDistance: 3},
		{Month: "November", Year: 2024},
	}}, nil)

	recorder := fixture.do(http.MethodGet, "/stats/monthly", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), `"month":"October"`) {
		t.Fatalf("expected month label in body: %s", recorder.Body.String())
	}
}

func TestStatsTeamEndpoint(t *testing.T) {
	fixture := newRouterFixture(t, stubStats{progress: stats.TeamProgress{TotalMiles: 250, GoalMiles: 1000, Percent: 25}}, nil)

	recorder := fixture.do(http.MethodGet, "/stats/team", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}
	var progress stats.TeamProgress
	if err := json.Unmarshal(recorder.Body.Bytes(), &progress); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if progress.Percent != 25 {
		t.Fatalf("unexpected percent: %v", progress.Percent)
	}
}

func TestStatsEndpointReportsFailure(t *testing.T) {
	fixture := newRouterFixture(t, stubStats{err: errors.New("boom")}, nil)
	if recorder := fixture.do(http.MethodGet, "/stats", nil); recorder.Code != http.StatusInternalServerError {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}
}

func TestStatsFailureLogsServiceErrorCode(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, recorded := observer.New(zapcore.DebugLevel)
	handler, err := NewHTTPHandler(Dependencies{
		Athletes:      &stubAthletes{},
		Stats:         stubStats{err: serviceerr.New("stats.team_by_user", "rollups_query_failed", errors.New("disk i/o"))},
		Queue:         &stubQueue{},
		Syncer:        stubBulkSyncer{calls: make(chan struct{}, 1)},
		Authenticator: stubAuthenticator{},
		Logger:        zap.New(core),
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/stats", nil))
	if recorder.Code != http.StatusInternalServerError {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}

	entries := recorded.FilterMessage("failed to load athlete stats").All()
	if len(entries) != 1 {
		t.Fatalf("expected one error log, got %d", len(entries))
	}
	if code := entries[0].ContextMap()["code"]; code != "stats.team_by_user.rollups_query_failed" {
		t.Fatalf("unexpected code field: %v", code)
	}
}

func TestIdentityEndpointRecordsSignInAndEnqueuesSync(t *testing.T) {
	fixture := newRouterFixture(t, stubStats{}, nil)
	body := []byte(`{"provider_account_id":"998877","username":"trail","first_name":"Ada","access_token":"a","refresh_token":"r","expires_at":1700003600}`)

	recorder := fixture.do(http.MethodPost, "/internal/identities", body)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", recorder.Code, recorder.Body.String())
	}
	var response identityResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if response.AthleteID != 1 || response.SyncTaskID != "task-1" {
		t.Fatalf("unexpected response: %+v", response)
	}
	if len(fixture.athletes.signIns) != 1 || fixture.athletes.signIns[0].ExpiresAt != 1700003600 {
		t.Fatalf("sign-in not recorded: %+v", fixture.athletes.signIns)
	}
	if len(fixture.queue.enqueued) != 1 || fixture.queue.enqueued[0] != 1 {
		t.Fatalf("sync not enqueued: %v", fixture.queue.enqueued)
	}
}

func TestIdentityEndpointRejectsMissingAccountID(t *testing.T) {
	fixture := newRouterFixture(t, stubStats{}, nil)
	recorder := fixture.do(http.MethodPost, "/internal/identities", []byte(`{"username":"nobody"}`))
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}
}

func TestIdentityEndpointSucceedsWhenQueueFull(t *testing.T) {
	fixture := newRouterFixture(t, stubStats{}, nil)
	fixture.queue.err = syncer.ErrQueueFull

	recorder := fixture.do(http.MethodPost, "/internal/identities", []byte(`{"provider_account_id":"1"}`))
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}
	if strings.Contains(recorder.Body.String(), "sync_task_id") {
		t.Fatalf("expected no task id: %s", recorder.Body.String())
	}
}

func TestInternalEndpointsRequireAuthorization(t *testing.T) {
	fixture := newRouterFixture(t, stubStats{}, auth.ErrMissingServiceToken)
	for _, path := range []string{"/internal/identities", "/internal/sync", "/internal/athletes/3/sync"} {
		if recorder := fixture.do(http.MethodPost, path, []byte(`{}`)); recorder.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, recorder.Code)
		}
	}
	if recorder := fixture.do(http.MethodGet, "/stats", nil); recorder.Code != http.StatusOK {
		t.Fatalf("public stats must not require auth, got %d", recorder.Code)
	}
}

func TestSyncAllEndpointRunsInBackground(t *testing.T) {
	fixture := newRouterFixture(t, stubStats{}, nil)

	recorder := fixture.do(http.MethodPost, "/internal/sync", nil)
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}
	select {
	case <-fixture.bulk.calls:
	case <-time.After(2 * time.Second):
		t.Fatalf("bulk sync was not started")
	}
}

func TestSyncAthleteEndpoint(t *testing.T) {
	fixture := newRouterFixture(t, stubStats{}, nil)

	recorder := fixture.do(http.MethodPost, "/internal/athletes/3/sync", nil)
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}
	if len(fixture.queue.enqueued) != 1 || fixture.queue.enqueued[0] != 3 {
		t.Fatalf("unexpected enqueued ids: %v", fixture.queue.enqueued)
	}

	if recorder := fixture.do(http.MethodPost, "/internal/athletes/99/sync", nil); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown athlete, got %d", recorder.Code)
	}
	if recorder := fixture.do(http.MethodPost, "/internal/athletes/abc/sync", nil); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad id, got %d", recorder.Code)
	}

	fixture.queue.err = syncer.ErrQueueFull
	if recorder := fixture.do(http.MethodPost, "/internal/athletes/3/sync", nil); recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when queue is full, got %d", recorder.Code)
	}
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	fixture := newRouterFixture(t, stubStats{}, nil)
	if recorder := fixture.do(http.MethodGet, "/healthz", nil); recorder.Code != http.StatusOK {
		t.Fatalf("unexpected health status: %d", recorder.Code)
	}
	recorder := fixture.do(http.MethodGet, "/metrics", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected metrics status: %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "go_goroutines") {
		t.Fatalf("expected default collectors in metrics output")
	}
}
