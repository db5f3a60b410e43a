package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BalajiS74/trakerbackend/internal/auth"
	"github.com/BalajiS74/trakerbackend/internal/blob"
	"github.com/BalajiS74/trakerbackend/internal/config"
	"github.com/BalajiS74/trakerbackend/internal/repository"
	"github.com/BalajiS74/trakerbackend/internal/session"
)

func newTestServer(t *testing.T) (*httptest.Server, *repository.Memory) {
	t.Helper()

	store := repository.NewMemory()
	tokens := auth.NewTokens("access-secret", "refresh-secret", "test-issuer", 15*time.Minute, time.Hour)
	blobs, err := blob.NewDisk(t.TempDir(), "")
	if err != nil {
		t.Fatalf("blob store: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sessions := session.NewService(store, tokens, blobs, nil, logger)

	srv := httptest.NewServer(NewServer(config.Config{}, sessions, tokens, store, logger).Router())
	t.Cleanup(srv.Close)
	return srv, store
}

func doJSON(t *testing.T, method, url, token string, body interface{}) (*http.Response, map[string]json.RawMessage) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	fields := map[string]json.RawMessage{}
	if len(raw) > 0 && raw[0] == '{' {
		if err := json.Unmarshal(raw, &fields); err != nil {
			t.Fatalf("decode body %q: %v", raw, err)
		}
	}
	return resp, fields
}

func stringField(t *testing.T, fields map[string]json.RawMessage, key string) string {
	t.Helper()
	raw, ok := fields[key]
	if !ok {
		return ""
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		t.Fatalf("field %s not a string: %s", key, raw)
	}
	return value
}

func signup(t *testing.T, srv *httptest.Server, body map[string]interface{}) map[string]json.RawMessage {
	t.Helper()
	resp, fields := doJSON(t, http.MethodPost, srv.URL+"/api/auth/signup", "", body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("signup status %d: %v", resp.StatusCode, fields)
	}
	return fields
}

func TestAuthFlow(t *testing.T) {
	srv, _ := newTestServer(t)

	created := signup(t, srv, map[string]interface{}{
		"email":    "student@x.com",
		"password": "p1",
		"name":     "Student",
		"role":     "student",
	})
	if stringField(t, created, "accessToken") == "" || stringField(t, created, "refreshToken") == "" {
		t.Fatalf("signup must issue a token pair: %v", created)
	}

	resp, login := doJSON(t, http.MethodPost, srv.URL+"/api/auth/login", "", map[string]string{
		"email": "student@x.com", "password": "p1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status %d: %v", resp.StatusCode, login)
	}
	if stringField(t, login, "role") != "student" {
		t.Fatalf("unexpected role: %v", login)
	}
	refreshToken := stringField(t, login, "refreshToken")

	resp, rotated := doJSON(t, http.MethodPost, srv.URL+"/api/auth/refresh", "", map[string]string{
		"refreshToken": refreshToken,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh status %d: %v", resp.StatusCode, rotated)
	}
	if stringField(t, rotated, "refreshToken") == refreshToken {
		t.Fatalf("refresh must rotate the token")
	}

	// The rotated-out token is rejected.
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/auth/refresh", "", map[string]string{
		"refreshToken": refreshToken,
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("stale refresh status %d: %v", resp.StatusCode, body)
	}
	if stringField(t, body, "error") != "invalid_refresh_token" {
		t.Fatalf("unexpected error code: %v", body)
	}
}

func TestLoginFailuresShareOneMessage(t *testing.T) {
	srv, _ := newTestServer(t)
	signup(t, srv, map[string]interface{}{
		"email": "a@x.com", "password": "p1", "role": "student",
	})

	for _, creds := range []map[string]string{
		{"email": "nobody@x.com", "password": "p1"},
		{"email": "a@x.com", "password": "wrong"},
	} {
		resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/auth/login", "", creds)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("login %v status %d", creds, resp.StatusCode)
		}
		if stringField(t, body, "error") != "invalid_credentials" {
			t.Fatalf("login %v leaked a distinct message: %v", creds, body)
		}
	}
}

func TestGuardianSession(t *testing.T) {
	srv, _ := newTestServer(t)
	signup(t, srv, map[string]interface{}{
		"email": "s@x.com", "password": "p1", "name": "Student", "role": "student",
		"guardian": map[string]string{
			"name": "Guardian One", "email": "g@x.com", "password": "gp1",
		},
	})

	resp, login := doJSON(t, http.MethodPost, srv.URL+"/api/auth/login", "", map[string]string{
		"email": "g@x.com", "password": "gp1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("guardian login status %d: %v", resp.StatusCode, login)
	}
	if stringField(t, login, "role") != "guardian" {
		t.Fatalf("unexpected role: %v", login)
	}

	var user struct {
		Email     string `json:"email"`
		RelatedTo *struct {
			StudentEmail string `json:"studentEmail"`
		} `json:"relatedTo"`
	}
	if err := json.Unmarshal(login["user"], &user); err != nil {
		t.Fatalf("decode user: %v", err)
	}
	if user.RelatedTo == nil || user.RelatedTo.StudentEmail != "s@x.com" {
		t.Fatalf("guardian profile must cross-reference the student: %+v", user)
	}

	// Unlinking through delete leaves the student account intact.
	access := stringField(t, login, "accessToken")
	resp, body := doJSON(t, http.MethodDelete, srv.URL+"/api/auth/delete", access, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unlink status %d: %v", resp.StatusCode, body)
	}
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/auth/login", "", map[string]string{
		"email": "g@x.com", "password": "gp1",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unlinked guardian login status %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/auth/login", "", map[string]string{
		"email": "s@x.com", "password": "p1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("student login after unlink status %d", resp.StatusCode)
	}
}

func TestLogoutIdempotent(t *testing.T) {
	srv, _ := newTestServer(t)
	created := signup(t, srv, map[string]interface{}{
		"email": "a@x.com", "password": "p1", "role": "student",
	})
	refreshToken := stringField(t, created, "refreshToken")

	for _, token := range []string{refreshToken, refreshToken, "not-a-token"} {
		resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/auth/logout", "", map[string]string{
			"refreshToken": token,
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("logout status %d: %v", resp.StatusCode, body)
		}
	}

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/auth/refresh", "", map[string]string{
		"refreshToken": refreshToken,
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("logged-out refresh status %d", resp.StatusCode)
	}
}

func TestAccessGuard(t *testing.T) {
	srv, store := newTestServer(t)
	created := signup(t, srv, map[string]interface{}{
		"email": "a@x.com", "password": "p1", "role": "student",
	})
	access := stringField(t, created, "accessToken")
	refresh := stringField(t, created, "refreshToken")

	name := "New Name"
	update := map[string]interface{}{"name": name}

	resp, _ := doJSON(t, http.MethodPut, srv.URL+"/api/auth/update", "", update)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token status %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodPut, srv.URL+"/api/auth/update", "garbage", update)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token status %d", resp.StatusCode)
	}
	// The refresh token does not verify under the access secret.
	resp, _ = doJSON(t, http.MethodPut, srv.URL+"/api/auth/update", refresh, update)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("refresh-as-access status %d", resp.StatusCode)
	}

	resp, body := doJSON(t, http.MethodPut, srv.URL+"/api/auth/update", access, update)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status %d: %v", resp.StatusCode, body)
	}

	// A token for a deleted account stops working even before expiry.
	var user struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(created["user"], &user); err != nil {
		t.Fatalf("decode user: %v", err)
	}
	if _, err := store.DeletePrincipal(context.Background(), user.ID); err != nil {
		t.Fatalf("delete principal: %v", err)
	}
	resp, _ = doJSON(t, http.MethodPut, srv.URL+"/api/auth/update", access, update)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("deleted-account token status %d", resp.StatusCode)
	}
}

func TestActiveUsersAdminOnly(t *testing.T) {
	srv, _ := newTestServer(t)
	student := signup(t, srv, map[string]interface{}{
		"email": "s@x.com", "password": "p1", "role": "student",
	})
	admin := signup(t, srv, map[string]interface{}{
		"email": "admin@x.com", "password": "p1", "role": "admin",
	})

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/auth/active-users", stringField(t, student, "accessToken"), nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("student status %d: %v", resp.StatusCode, body)
	}

	// Signup alone does not record a login; authenticate both first.
	doJSON(t, http.MethodPost, srv.URL+"/api/auth/login", "", map[string]string{"email": "s@x.com", "password": "p1"})
	doJSON(t, http.MethodPost, srv.URL+"/api/auth/login", "", map[string]string{"email": "admin@x.com", "password": "p1"})

	resp, stats := doJSON(t, http.MethodGet, srv.URL+"/api/auth/active-users?range=weekly", stringField(t, admin, "accessToken"), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin status %d: %v", resp.StatusCode, stats)
	}
	if stringField(t, stats, "range") != "weekly" {
		t.Fatalf("unexpected range: %v", stats)
	}
	var total int
	if err := json.Unmarshal(stats["total"], &total); err != nil || total != 2 {
		t.Fatalf("unexpected total: %v", stats)
	}

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/auth/active-users?range=hourly", stringField(t, admin, "accessToken"), nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid range status %d", resp.StatusCode)
	}
}

func TestBusEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/buses/", "", map[string]interface{}{
		"busid": "BUS-7", "routeName": "North Gate",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %v", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/buses/", "", map[string]interface{}{
		"busid": "BUS-7",
	})
	if resp.StatusCode != http.StatusBadRequest || stringField(t, body, "error") != "bus_already_exists" {
		t.Fatalf("duplicate status %d: %v", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodPut, srv.URL+"/api/buses/toggle/BUS-7", "", map[string]interface{}{
		"isNotAvailable": true,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("toggle status %d: %v", resp.StatusCode, body)
	}
	var toggled struct {
		IsNotAvailable bool `json:"isNotAvailable"`
	}
	raw, _ := json.Marshal(body)
	if err := json.Unmarshal(raw, &toggled); err != nil || !toggled.IsNotAvailable {
		t.Fatalf("toggle not applied: %v", body)
	}

	resp, _ = doJSON(t, http.MethodPut, srv.URL+"/api/buses/toggleAll", "", map[string]interface{}{
		"isNotAvailable": false,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("toggleAll status %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/buses/", nil)
	listResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	defer listResp.Body.Close()
	var buses []struct {
		BusID          string `json:"busid"`
		IsNotAvailable bool   `json:"isNotAvailable"`
	}
	if err := json.NewDecoder(listResp.Body).Decode(&buses); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(buses) != 1 || buses[0].BusID != "BUS-7" || buses[0].IsNotAvailable {
		t.Fatalf("unexpected list: %+v", buses)
	}
}

func TestReportEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)
	student := signup(t, srv, map[string]interface{}{
		"email": "s@x.com", "password": "p1", "role": "student",
	})
	other := signup(t, srv, map[string]interface{}{
		"email": "o@x.com", "password": "p1", "role": "student",
	})
	admin := signup(t, srv, map[string]interface{}{
		"email": "admin@x.com", "password": "p1", "role": "admin",
	})
	studentToken := stringField(t, student, "accessToken")
	adminToken := stringField(t, admin, "accessToken")

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/reports/", "", map[string]string{
		"reportType": "delay", "description": "bus late",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated create status %d", resp.StatusCode)
	}

	resp, created := doJSON(t, http.MethodPost, srv.URL+"/api/reports/", studentToken, map[string]string{
		"reportType": "delay", "description": "bus late", "busID": "BUS-7",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %v", resp.StatusCode, created)
	}
	if stringField(t, created, "status") != "Pending" {
		t.Fatalf("new report not pending: %v", created)
	}
	reportID := stringField(t, created, "id")

	var user struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(student["user"], &user); err != nil {
		t.Fatalf("decode user: %v", err)
	}

	// Owners and admins may list a user's reports; other callers may not.
	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/reports/user/"+user.ID, studentToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("own list status %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/reports/user/"+user.ID, stringField(t, other, "accessToken"), nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign list status %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/reports/user/"+user.ID, adminToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin list status %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/reports/all", studentToken, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("student all-reports status %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/reports/all", adminToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin all-reports status %d", resp.StatusCode)
	}

	resp, responded := doJSON(t, http.MethodPut, srv.URL+"/api/reports/respond/"+reportID, adminToken, map[string]string{
		"response": "driver notified", "status": "Resolved",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("respond status %d: %v", resp.StatusCode, responded)
	}
	if stringField(t, responded, "status") != "Resolved" {
		t.Fatalf("status not updated: %v", responded)
	}

	resp, _ = doJSON(t, http.MethodDelete, srv.URL+"/api/reports/delete/"+reportID, stringField(t, other, "accessToken"), nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign delete status %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodDelete, srv.URL+"/api/reports/delete/"+reportID, studentToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("owner delete status %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodDelete, srv.URL+"/api/reports/delete/"+reportID, studentToken, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("repeat delete status %d", resp.StatusCode)
	}
}

func TestForgotPassword(t *testing.T) {
	srv, _ := newTestServer(t)
	signup(t, srv, map[string]interface{}{
		"email": "a@x.com", "password": "p1", "role": "student",
	})

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/auth/forgot-password", "", map[string]string{
		"email": "a@x.com", "newPassword": "p2",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reset status %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/auth/login", "", map[string]string{
		"email": "a@x.com", "password": "p2",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login after reset status %d", resp.StatusCode)
	}

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/auth/forgot-password", "", map[string]string{
		"email": "nobody@x.com", "newPassword": "p2",
	})
	if resp.StatusCode != http.StatusNotFound || stringField(t, body, "error") != "user_not_found" {
		t.Fatalf("unknown address status %d: %v", resp.StatusCode, body)
	}
}

func TestDuplicateSignupRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	signup(t, srv, map[string]interface{}{
		"email": "s@x.com", "password": "p1", "role": "student",
		"father": map[string]string{"name": "F", "email": "f@x.com", "password": "fp1"},
	})

	for _, email := range []string{"s@x.com", "f@x.com"} {
		resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/auth/signup", "", map[string]interface{}{
			"email": email, "password": "p1", "role": "staff",
		})
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("signup %s status %d: %v", email, resp.StatusCode, body)
		}
		if stringField(t, body, "error") != "email_already_registered" {
			t.Fatalf("signup %s unexpected code: %v", email, body)
		}
	}
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, body := doJSON(t, http.MethodGet, srv.URL+"/health", "", nil)
	if resp.StatusCode != http.StatusOK || stringField(t, body, "status") != "ok" {
		t.Fatalf("health status %d: %v", resp.StatusCode, body)
	}
}
