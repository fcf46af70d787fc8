package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/support-signaling/internal/history"
	"github.com/mossy-p/support-signaling/internal/middleware"
	"github.com/mossy-p/support-signaling/internal/models"
)

const testSecret = "test-secret"

func doJSON(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func token(t *testing.T, role string) string {
	t.Helper()
	tok, err := IssueToken(testSecret, "staff-"+role, "Staff", role, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func TestLoginIssuesProfileToken(t *testing.T) {
	srv, _ := newTestServer(t, RelayConfig{}, nil)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/auth/login", "", models.LoginRequest{
		Username: "bob", Password: "x", Name: "Bob", Role: middleware.RoleTechnician,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out models.LoginResponse
	json.NewDecoder(resp.Body).Decode(&out)

	claims, err := middleware.ParseToken(out.Token, testSecret)
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	if claims.UserID != "bob" || claims.Name != "Bob" || claims.Role != middleware.RoleTechnician {
		t.Errorf("claims = %+v", claims)
	}
}

func TestLoginRejectsUnknownRole(t *testing.T) {
	srv, _ := newTestServer(t, RelayConfig{}, nil)
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/auth/login", "", models.LoginRequest{
		Username: "bob", Password: "x", Role: "root",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestQueueEndpointRoles(t *testing.T) {
	srv, relay := newTestServer(t, RelayConfig{}, nil)
	relay.Queue().SubmitRequest(context.Background(), "u1", "Alice")

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"garbage token", "abc", http.StatusUnauthorized},
		{"user", token(t, middleware.RoleUser), http.StatusForbidden},
		{"technician", token(t, middleware.RoleTechnician), http.StatusOK},
		{"admin", token(t, middleware.RoleAdmin), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doJSON(t, http.MethodGet, srv.URL+"/api/queue", tt.token, nil)
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			if tt.want != http.StatusOK {
				return
			}
			var snap models.QueueSnapshot
			json.NewDecoder(resp.Body).Decode(&snap)
			if len(snap.Pending) != 1 || snap.Pending[0].RequesterID != "u1" {
				t.Errorf("snapshot = %+v", snap)
			}
		})
	}
}

func openHistory(t *testing.T) *history.Store {
	t.Helper()
	h, err := history.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func TestRatingAndSessionRange(t *testing.T) {
	h := openHistory(t)
	srv, _ := newTestServer(t, RelayConfig{}, h)

	day := time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)
	h.Started(context.Background(), models.Pairing{
		SessionID: "u1", RequesterID: "u1", RequesterName: "Alice",
		TechnicianID: "t1", TechnicianName: "Bob", AcceptedAt: day,
	})

	rate := func(id string, rating int) int {
		return doJSON(t, http.MethodPost, srv.URL+"/api/call/sessions/"+id+"/rating", "",
			models.RatingRequest{Rating: rating}).StatusCode
	}
	if got := rate("u1", 7); got != http.StatusBadRequest {
		t.Errorf("out of range rating status = %d", got)
	}
	if got := rate("nobody", 3); got != http.StatusNotFound {
		t.Errorf("unknown session status = %d", got)
	}
	if got := rate("u1", 5); got != http.StatusOK {
		t.Fatalf("rating status = %d", got)
	}

	url := srv.URL + "/api/call/session-range?start=2025-03-10&end=2025-03-10"
	if got := doJSON(t, http.MethodGet, url, token(t, middleware.RoleTechnician), nil).StatusCode; got != http.StatusForbidden {
		t.Errorf("technician status = %d, want 403", got)
	}

	resp := doJSON(t, http.MethodGet, url, token(t, middleware.RoleAdmin), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out models.SessionRangeResponse
	json.NewDecoder(resp.Body).Decode(&out)
	if len(out.Sessions) != 1 {
		t.Fatalf("sessions = %+v", out.Sessions)
	}
	if r := out.Sessions[0].Rating; r == nil || *r != 5 {
		t.Errorf("rating = %v", r)
	}

	bad := srv.URL + "/api/call/session-range?start=2025-03-11&end=2025-03-10"
	if got := doJSON(t, http.MethodGet, bad, token(t, middleware.RoleAdmin), nil).StatusCode; got != http.StatusBadRequest {
		t.Errorf("reversed range status = %d", got)
	}
}

func TestHistoryDisabled(t *testing.T) {
	srv, _ := newTestServer(t, RelayConfig{}, nil)
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/call/sessions/u1/rating", "", models.RatingRequest{Rating: 3})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestICEServersEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, RelayConfig{}, nil)
	resp := doJSON(t, http.MethodGet, srv.URL+"/api/ice-servers", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var servers []map[string]any
	json.NewDecoder(resp.Body).Decode(&servers)
	if len(servers) == 0 {
		t.Error("no ice servers")
	}
}

func TestOriginFilter(t *testing.T) {
	srv, _ := newTestServer(t, RelayConfig{}, nil)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("foreign origin status = %d", resp.StatusCode)
	}

	req.Header.Set("Origin", "http://localhost:3000")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.Header.Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Errorf("allowed origin not echoed")
	}

	pre, _ := http.NewRequest(http.MethodOptions, srv.URL+"/api/auth/login", nil)
	pre.Header.Set("Origin", "http://localhost:3000")
	resp, err = http.DefaultClient.Do(pre)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("preflight status = %d", resp.StatusCode)
	}
}

func TestOriginFilterWildcard(t *testing.T) {
	router := gin.New()
	router.Use(OriginFilter([]string{" * "}))
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, origin := range []string{"", "https://anything.example"} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		router.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("origin %q: status %d", origin, w.Code)
		}
		if got := w.Header().Get("Access-Control-Allow-Origin"); got != origin {
			t.Errorf("origin %q: allow-origin %q", origin, got)
		}
	}
}
