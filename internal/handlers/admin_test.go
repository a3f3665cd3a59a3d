package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/omnistudio/backend/internal/auth"
)

func newAdminRequest(method, target, body string, id string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if id != "" {
		req.SetPathValue("id", id)
	}
	return asUser(req, "root", true)
}

func TestAdminListUsersHidesPasswords(t *testing.T) {
	u := approvedUser("alice")
	u.PasswordHash = "$2a$10$secret-hash"
	handler := AdminHandler{Users: newMemProfiles(u, approvedUser("bob"))}

	rec := httptest.NewRecorder()
	handler.ListUsers(rec, newAdminRequest(http.MethodGet, "/api/v1/admin/users", "", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if bytes.Contains(rec.Body.Bytes(), []byte("secret-hash")) || bytes.Contains(bytes.ToLower(rec.Body.Bytes()), []byte("password")) {
		t.Fatalf("user listing leaks credentials: %s", rec.Body.String())
	}

	var resp struct {
		Users []profileResponse `json:"users"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Users) != 2 || resp.Users[0].ID != "alice" {
		t.Fatalf("unexpected users %+v", resp.Users)
	}
}

func TestAdminApproveAndSetLimits(t *testing.T) {
	pending := approvedUser("carol")
	pending.IsApproved = false
	store := newMemProfiles(pending)
	handler := AdminHandler{Users: store}

	rec := httptest.NewRecorder()
	handler.User(rec, newAdminRequest(http.MethodPatch, "/api/v1/admin/users/carol", `{"isApproved":true,"videoLimit":9}`, "carol"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	stored := store.get("carol")
	if !stored.IsApproved || stored.VideoLimit != 9 || stored.ImageLimit != pending.ImageLimit {
		t.Fatalf("unexpected stored profile %+v", stored)
	}

	var resp profileResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Remaining.Videos != 9 {
		t.Fatalf("expected 9 remaining videos, got %d", resp.Remaining.Videos)
	}
}

func TestAdminRejectsNegativeLimits(t *testing.T) {
	store := newMemProfiles(approvedUser("dave"))
	handler := AdminHandler{Users: store}

	rec := httptest.NewRecorder()
	handler.User(rec, newAdminRequest(http.MethodPatch, "/api/v1/admin/users/dave", `{"imageLimit":-1}`, "dave"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if store.get("dave").ImageLimit != 10 {
		t.Fatal("limits must be unchanged")
	}
}

func TestAdminRevokingApprovalEndsSessions(t *testing.T) {
	store := newMemProfiles(approvedUser("erin"))
	manager, sessions := newTestSessions(store)
	tokens, err := manager.Issue(context.Background(), auth.Identity{UserID: "erin"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	handler := AdminHandler{Users: store, Sessions: manager}

	rec := httptest.NewRecorder()
	handler.User(rec, newAdminRequest(http.MethodPatch, "/api/v1/admin/users/erin", `{"isApproved":false}`, "erin"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if store.get("erin").IsApproved {
		t.Fatal("expected approval to be withdrawn")
	}
	if sessions.Has(tokens.RefreshToken) {
		t.Fatal("expected refresh sessions to be revoked")
	}
}

func TestAdminDeleteUser(t *testing.T) {
	store := newMemProfiles(approvedUser("frank"), approvedUser("root"))
	manager, _ := newTestSessions(store)
	handler := AdminHandler{Users: store, Sessions: manager}

	rec := httptest.NewRecorder()
	handler.User(rec, newAdminRequest(http.MethodDelete, "/api/v1/admin/users/root", "", "root"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected self deletion to be refused, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.User(rec, newAdminRequest(http.MethodDelete, "/api/v1/admin/users/frank", "", "frank"))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.User(rec, newAdminRequest(http.MethodGet, "/api/v1/admin/users/frank", "", "frank"))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after deletion, got %d", rec.Code)
	}
}
