package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Amsterdam/brp-kennisgevingen-api/internal/audit"
	"github.com/Amsterdam/brp-kennisgevingen-api/internal/auth"
	"github.com/Amsterdam/brp-kennisgevingen-api/internal/config"
	"github.com/Amsterdam/brp-kennisgevingen-api/internal/mutation"
	"github.com/Amsterdam/brp-kennisgevingen-api/internal/scope"
	"github.com/Amsterdam/brp-kennisgevingen-api/internal/subscription"

	"github.com/gin-gonic/gin"
)

type testServer struct {
	router  *gin.Engine
	manager *auth.Manager
	subs    *subscription.Service
	trail   *audit.Trail
	repo    *audit.MemoryRepo
	intake  *mutation.Intake
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	manager, err := auth.NewManager(config.AuthConfig{JWTSecret: "test-secret", AccessTokenTTL: time.Hour})
	if err != nil {
		t.Fatalf("auth manager: %v", err)
	}

	subs := subscription.NewService(subscription.NewMemoryRepo())
	repo := audit.NewMemoryRepo()
	trail := audit.NewTrail(repo, 64, time.Second, nil, nil)
	intake := mutation.NewIntake(1, 4, mutation.NewMemoryDeduper(64), nil, nil)

	h := Handlers{
		Subscriptions: subs,
		Intake:        intake,
		Trail:         trail,
		IngestTimeout: 50 * time.Millisecond,
	}

	r := gin.New()
	r.GET("/healthz", h.Healthz)
	v1 := r.Group("/v1")
	v1.Use(auth.RequireAccessToken(manager))
	{
		v1.POST("/events", scope.RequireScopes(scope.FeedIngest), h.IngestEvent)
		subGroup := v1.Group("/subscriptions")
		subGroup.Use(scope.RequireScopes(scope.Volgindicaties))
		{
			subGroup.POST("", h.CreateSubscription)
			subGroup.GET("", h.ListSubscriptions)
			subGroup.GET("/:id", h.GetSubscription)
			subGroup.PUT("/:id/status", h.UpdateSubscriptionStatus)
			subGroup.PUT("/:id/end", h.EndSubscription)
		}
		v1.GET("/audit", scope.RequireScopes(scope.AuditRead), h.QueryAudit)
	}

	return &testServer{router: r, manager: manager, subs: subs, trail: trail, repo: repo, intake: intake}
}

func (s *testServer) token(t *testing.T, app string, scopes ...string) string {
	t.Helper()
	tok, err := s.manager.IssueAccessToken(time.Now(), app, scopes)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func createBody(ownerScope string) map[string]any {
	return map[string]any{
		"owner_scope": ownerScope,
		"filter":      map[string]any{"kind": "attributes", "values": []string{"address"}},
		"delivery_target": map[string]any{
			"url": "https://meldingen.example.amsterdam.nl/hooks/brp",
		},
	}
}

func TestSubscriptionLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	tok := s.token(t, "app-meldingen", scope.Volgindicaties)

	w := s.do(t, http.MethodPost, "/v1/subscriptions", tok, createBody(scope.Volgindicaties))
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d (%s)", w.Code, w.Body.String())
	}
	var created subscription.Subscription
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.ApplicationID != "app-meldingen" || created.Status != subscription.StatusActive {
		t.Fatalf("unexpected subscription %+v", created)
	}

	w = s.do(t, http.MethodGet, "/v1/subscriptions", tok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", w.Code)
	}

	w = s.do(t, http.MethodPut, "/v1/subscriptions/"+created.ID+"/status", tok,
		map[string]string{"status": "revoked"})
	if w.Code != http.StatusOK {
		t.Fatalf("revoke: expected 200, got %d (%s)", w.Code, w.Body.String())
	}

	// revoked is terminal
	w = s.do(t, http.MethodPut, "/v1/subscriptions/"+created.ID+"/status", tok,
		map[string]string{"status": "active"})
	if w.Code != http.StatusConflict {
		t.Fatalf("re-activate: expected 409, got %d", w.Code)
	}
}

func TestCreateRejectsUngrantedOwnerScope(t *testing.T) {
	s := newTestServer(t)
	tok := s.token(t, "app-meldingen", scope.Volgindicaties)

	w := s.do(t, http.MethodPost, "/v1/subscriptions", tok, createBody("some-other-scope"))
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for ungranted owner scope, got %d", w.Code)
	}
}

func TestSubscriptionsAreIsolatedPerApplication(t *testing.T) {
	s := newTestServer(t)
	tokA := s.token(t, "app-a", scope.Volgindicaties)
	tokB := s.token(t, "app-b", scope.Volgindicaties)

	w := s.do(t, http.MethodPost, "/v1/subscriptions", tokA, createBody(scope.Volgindicaties))
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d", w.Code)
	}
	var created subscription.Subscription
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	// another application cannot see or mutate it; existence is hidden
	if w := s.do(t, http.MethodGet, "/v1/subscriptions/"+created.ID, tokB, nil); w.Code != http.StatusNotFound {
		t.Fatalf("cross-app get: expected 404, got %d", w.Code)
	}
	if w := s.do(t, http.MethodPut, "/v1/subscriptions/"+created.ID+"/status", tokB,
		map[string]string{"status": "revoked"}); w.Code != http.StatusNotFound {
		t.Fatalf("cross-app revoke: expected 404, got %d", w.Code)
	}
}

func TestScopeEnforcement(t *testing.T) {
	s := newTestServer(t)

	// wrong scope
	tok := s.token(t, "app-meldingen", scope.FeedIngest)
	if w := s.do(t, http.MethodPost, "/v1/subscriptions", tok, createBody(scope.Volgindicaties)); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without volgindicaties scope, got %d", w.Code)
	}
	// no token
	if w := s.do(t, http.MethodGet, "/v1/subscriptions", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}
}

func TestIngestEndpoint(t *testing.T) {
	s := newTestServer(t)
	tok := s.token(t, "feed-pusher", scope.FeedIngest)

	event := map[string]any{
		"event_id":           "E1",
		"person_ref":         "111222333",
		"change_type":        "updated",
		"changed_attributes": []string{"address"},
		"occurred_at":        "2023-11-14T22:13:20Z",
	}

	if w := s.do(t, http.MethodPost, "/v1/events", tok, event); w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%s)", w.Code, w.Body.String())
	}
	if w := s.do(t, http.MethodPost, "/v1/events", tok, event); w.Code != http.StatusOK {
		t.Fatalf("duplicate: expected 200, got %d", w.Code)
	}

	bad := map[string]any{"event_id": "E2", "person_ref": "not-a-bsn", "change_type": "updated", "occurred_at": "2023-11-14T22:13:20Z"}
	if w := s.do(t, http.MethodPost, "/v1/events", tok, bad); w.Code != http.StatusBadRequest {
		t.Fatalf("malformed: expected 400, got %d", w.Code)
	}

	// saturate the queue (size 4, one slot already used, nobody consuming);
	// intake must answer busy
	for i := 0; i < 3; i++ {
		ev := map[string]any{
			"event_id":           fmt.Sprintf("F%d", i),
			"person_ref":         "111222333",
			"change_type":        "updated",
			"changed_attributes": []string{"address"},
			"occurred_at":        "2023-11-14T22:13:20Z",
		}
		if w := s.do(t, http.MethodPost, "/v1/events", tok, ev); w.Code != http.StatusAccepted {
			t.Fatalf("fill %d: expected 202, got %d", i, w.Code)
		}
	}
	full := map[string]any{
		"event_id":           "F9",
		"person_ref":         "111222333",
		"change_type":        "updated",
		"changed_attributes": []string{"address"},
		"occurred_at":        "2023-11-14T22:13:20Z",
	}
	if w := s.do(t, http.MethodPost, "/v1/events", tok, full); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when saturated, got %d", w.Code)
	}
}

func TestAuditQueryEndpoint(t *testing.T) {
	s := newTestServer(t)
	tok := s.token(t, "compliance-review", scope.AuditRead)

	base := time.Unix(1700000000, 0).UTC()
	for i := 0; i < 3; i++ {
		s.trail.Record(audit.Record{
			ID:             fmt.Sprintf("r%d", i),
			NotificationID: "n-1",
			SubscriptionID: "s-1",
			EventID:        "e-1",
			Outcome:        audit.OutcomeRetryScheduled,
			Timestamp:      base.Add(time.Duration(i) * time.Minute),
		})
	}
	if err := s.trail.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	w := s.do(t, http.MethodGet, "/v1/audit?subscription_id=s-1&limit=2", tok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	var page audit.Page
	if err := json.Unmarshal(w.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(page.Records) != 2 || page.NextCursor == "" {
		t.Fatalf("expected 2 records and a cursor, got %d (%q)", len(page.Records), page.NextCursor)
	}

	w = s.do(t, http.MethodGet, "/v1/audit?subscription_id=s-1&limit=2&cursor="+page.NextCursor, tok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("page 2: expected 200, got %d", w.Code)
	}
	var rest audit.Page
	if err := json.Unmarshal(w.Body.Bytes(), &rest); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rest.Records) != 1 {
		t.Fatalf("expected 1 remaining record, got %d", len(rest.Records))
	}

	// scope check
	wrong := s.token(t, "app-meldingen", scope.Volgindicaties)
	if w := s.do(t, http.MethodGet, "/v1/audit", wrong, nil); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without audit scope, got %d", w.Code)
	}
}
