package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/REFLX0/RAM/internal/auth"
	"github.com/REFLX0/RAM/internal/enroll"
	"github.com/REFLX0/RAM/internal/frame"
	"github.com/REFLX0/RAM/internal/matcher"
	"github.com/REFLX0/RAM/internal/registry"
	"github.com/REFLX0/RAM/internal/repository"
	"github.com/REFLX0/RAM/internal/session"
	"github.com/REFLX0/RAM/internal/usecase"
)

const testJWTSecret = "test-secret"

type stubService struct {
	startErr    error
	state       session.State
	enrollErr   error
	applicant   enroll.Applicant
	dashboard   *registry.Dashboard
	deleteErr   error
	deleted     string
	recentLimit int
	memberQuery string
}

func (s *stubService) StartScanner(ctx context.Context) (session.State, error) {
	if s.startErr != nil {
		return session.State{}, s.startErr
	}
	s.state.Phase = session.Scanning
	return s.state, nil
}

func (s *stubService) StopScanner() session.State {
	s.state.Phase = session.Idle
	return s.state
}

func (s *stubService) ScannerStatus() session.State { return s.state }

func (s *stubService) Enroll(ctx context.Context, applicant enroll.Applicant) (*registry.Registration, error) {
	s.applicant = applicant
	if s.enrollErr != nil {
		return nil, s.enrollErr
	}
	return &registry.Registration{MemberID: "m-5", TrainingStatus: "queued"}, nil
}

func (s *stubService) TodayStats(ctx context.Context) (*usecase.TodayStats, error) {
	return &usecase.TodayStats{Granted: 2, Denied: 2, Total: 4, SuccessRate: 0.5}, nil
}

func (s *stubService) RecentAccess(ctx context.Context, limit int) ([]repository.AccessEvent, error) {
	s.recentLimit = limit
	return []repository.AccessEvent{{Status: "granted"}}, nil
}

func (s *stubService) Dashboard(ctx context.Context) (*registry.Dashboard, error) {
	return s.dashboard, nil
}

func (s *stubService) Members(ctx context.Context, query string) ([]registry.Member, error) {
	s.memberQuery = query
	return []registry.Member{{ID: "1", FirstName: "Ana"}}, nil
}

func (s *stubService) DeleteMember(ctx context.Context, id string) error {
	s.deleted = id
	return s.deleteErr
}

func (s *stubService) AccessLogs(ctx context.Context, limit int) ([]registry.AccessLog, error) {
	return nil, nil
}

func newTestRouter(svc KioskService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	RegisterRoutes(router, svc, auth.JWTMiddleware(testJWTSecret, ""), promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{}))
	return router
}

func buildTestToken(t *testing.T, subject, role string) string {
	t.Helper()

	claims := auth.Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func do(t *testing.T, router *gin.Engine, method, target string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "op-1", auth.RoleOperator))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func TestPublicRoutesNeedNoToken(t *testing.T) {
	router := newTestRouter(&stubService{state: session.State{Phase: session.Halted, HaltReason: "granted"}})

	for _, path := range []string{"/health", "/metrics", "/scanner/status"} {
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, path, nil))
		if resp.Code != http.StatusOK {
			t.Fatalf("%s: expected status %d, got %d", path, http.StatusOK, resp.Code)
		}
	}

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/scanner/status", nil))
	var body map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if body["phase"] != "halted" || body["haltReason"] != "granted" {
		t.Fatalf("unexpected status body %v", body)
	}
}

func TestOperatorRoutesRequireToken(t *testing.T) {
	router := newTestRouter(&stubService{})

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/scanner/start", nil))
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, resp.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/scanner/start", nil)
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "viewer-1", "viewer"))
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected status %d, got %d", http.StatusForbidden, resp.Code)
	}
}

func TestStartScannerErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{name: "ok", err: nil, want: http.StatusOK},
		{name: "already running", err: session.ErrAlreadyRunning, want: http.StatusConflict},
		{name: "camera busy", err: &frame.ResourceUnavailableError{Device: "cam", Reason: frame.ReasonBusy}, want: http.StatusConflict},
		{name: "unexpected", err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := do(t, newTestRouter(&stubService{startErr: tc.err}), http.MethodPost, "/scanner/start", nil, "")
			if resp.Code != tc.want {
				t.Fatalf("expected status %d, got %d", tc.want, resp.Code)
			}
		})
	}
}

func TestResourceUnavailableCarriesGuidance(t *testing.T) {
	svc := &stubService{startErr: &frame.ResourceUnavailableError{Device: "cam", Reason: frame.ReasonDenied}}
	resp := do(t, newTestRouter(svc), http.MethodPost, "/scanner/start", nil, "")

	var body map[string]string
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if body["reason"] != frame.ReasonDenied || body["guidance"] == "" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestEnrollBindsFormAndMapsErrors(t *testing.T) {
	form := url.Values{
		"firstName":          {"Ana"},
		"lastName":           {"Silva"},
		"email":              {"ana@example.com"},
		"membershipType":     {"premium"},
		"membershipDuration": {"12"},
		"membershipPrice":    {"49.9"},
	}

	svc := &stubService{}
	resp := do(t, newTestRouter(svc), http.MethodPost, "/members/enroll", bytes.NewBufferString(form.Encode()), "application/x-www-form-urlencoded")
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected status %d, got %d (%s)", http.StatusCreated, resp.Code, resp.Body.String())
	}
	if svc.applicant.MembershipDuration != 12 || svc.applicant.MembershipPrice != 49.9 {
		t.Fatalf("unexpected applicant %+v", svc.applicant)
	}

	cases := []struct {
		name string
		err  error
		want int
	}{
		{name: "validation", err: &enroll.ValidationError{Field: "email", Reason: "required"}, want: http.StatusBadRequest},
		{name: "registry conflict", err: &registry.RegistryError{Status: http.StatusConflict, Reason: "Email already registered"}, want: http.StatusConflict},
		{name: "registry odd status", err: &registry.RegistryError{Status: 302}, want: http.StatusBadGateway},
		{name: "network", err: &matcher.NetworkError{Op: "registry.register", Err: errors.New("refused")}, want: http.StatusBadGateway},
		{name: "malformed", err: &matcher.ProtocolError{Reason: "no memberId"}, want: http.StatusBadGateway},
		{name: "retries", err: enroll.ErrRetriesExhausted, want: http.StatusUnprocessableEntity},
		{name: "sequencer busy", err: enroll.ErrSequencerBusy, want: http.StatusConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubService{enrollErr: tc.err}
			resp := do(t, newTestRouter(svc), http.MethodPost, "/members/enroll", bytes.NewBufferString(form.Encode()), "application/x-www-form-urlencoded")
			if resp.Code != tc.want {
				t.Fatalf("expected status %d, got %d", tc.want, resp.Code)
			}
		})
	}
}

func TestEnrollRejectsOversizedBody(t *testing.T) {
	body := bytes.NewBufferString(`{"firstName":"` + strings.Repeat("a", MaxBodySize) + `"}`)
	resp := do(t, newTestRouter(&stubService{}), http.MethodPost, "/members/enroll", body, "application/json")
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.Code)
	}
}

func TestDashboardIncludesSuccessRate(t *testing.T) {
	svc := &stubService{dashboard: &registry.Dashboard{TotalMembers: 10, TodayAccess: 3, TodayDenied: 1}}
	resp := do(t, newTestRouter(svc), http.MethodGet, "/dashboard", nil, "")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if body["successRate"] != 75.0 {
		t.Fatalf("unexpected success rate %v", body["successRate"])
	}
}

func TestRecentAccessClampsLimit(t *testing.T) {
	svc := &stubService{}
	router := newTestRouter(svc)

	do(t, router, http.MethodGet, "/access/recent?limit=9999", nil, "")
	if svc.recentLimit != maxLimit {
		t.Fatalf("expected limit %d, got %d", maxLimit, svc.recentLimit)
	}
	do(t, router, http.MethodGet, "/access/recent?limit=abc", nil, "")
	if svc.recentLimit != defaultLimit {
		t.Fatalf("expected limit %d, got %d", defaultLimit, svc.recentLimit)
	}
}

func TestMembersPassesSearchQuery(t *testing.T) {
	svc := &stubService{}
	resp := do(t, newTestRouter(svc), http.MethodGet, "/members?q=ana%40example", nil, "")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}
	if svc.memberQuery != "ana@example" {
		t.Fatalf("unexpected search query %q", svc.memberQuery)
	}
	var body struct {
		Members []registry.Member `json:"members"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil || len(body.Members) != 1 {
		t.Fatalf("unexpected members body %s", resp.Body.String())
	}
}

func TestDeleteMember(t *testing.T) {
	svc := &stubService{}
	resp := do(t, newTestRouter(svc), http.MethodDelete, "/members/42", nil, "")
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, resp.Code)
	}
	if svc.deleted != "42" {
		t.Fatalf("unexpected deleted id %q", svc.deleted)
	}

	svc = &stubService{deleteErr: &registry.RegistryError{Status: http.StatusNotFound, Reason: "Member not found"}}
	resp = do(t, newTestRouter(svc), http.MethodDelete, "/members/42", nil, "")
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, resp.Code)
	}
}
