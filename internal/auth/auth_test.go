package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func newTestStore(t *testing.T) *StaticUserStore {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	viewerHash, _ := bcrypt.GenerateFromPassword([]byte("look"), bcrypt.MinCost)
	return NewStaticUserStore(
		&AdminUser{Username: "ops", PasswordHash: string(hash), Role: RoleAdmin},
		&AdminUser{Username: "watcher", PasswordHash: string(viewerHash), Role: RoleViewer},
	)
}

func TestHasPermission(t *testing.T) {
	tests := []struct {
		role       Role
		permission Permission
		want       bool
	}{
		{RoleAdmin, PermissionUsageRead, true},
		{RoleAdmin, PermissionMetrics, true},
		{RoleViewer, PermissionUsageRead, false},
		{RoleViewer, PermissionMetrics, true},
		{Role("unknown"), PermissionMetrics, false},
	}

	for _, tt := range tests {
		if got := HasPermission(tt.role, tt.permission); got != tt.want {
			t.Errorf("HasPermission(%s, %s) = %v, want %v", tt.role, tt.permission, got, tt.want)
		}
	}
}

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	if hash == "s3cret" {
		t.Error("HashPassword() returned plaintext")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("s3cret")); err != nil {
		t.Errorf("hash does not verify: %v", err)
	}
}

func TestAuthenticator_Authenticate(t *testing.T) {
	a := NewAuthenticator(newTestStore(t))
	ctx := context.Background()

	tests := []struct {
		name     string
		username string
		password string
		wantErr  error
	}{
		{"valid", "ops", "s3cret", nil},
		{"wrong password", "ops", "nope", ErrInvalidPassword},
		{"unknown user", "ghost", "s3cret", ErrUserNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user, err := a.Authenticate(ctx, tt.username, tt.password)
			if err != tt.wantErr {
				t.Fatalf("Authenticate() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && user.Username != tt.username {
				t.Errorf("Authenticate() user = %v, want %v", user.Username, tt.username)
			}
		})
	}
}

func TestMiddleware(t *testing.T) {
	m := NewMiddleware(NewAuthenticator(newTestStore(t)))

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := UserFromContext(r.Context()); !ok {
			t.Error("user should be in context after auth")
		}
		w.WriteHeader(http.StatusOK)
	})
	protected := m.RequireAuth(m.RequirePermission(PermissionUsageRead)(handler))

	tests := []struct {
		name       string
		username   string
		password   string
		wantStatus int
	}{
		{"admin", "ops", "s3cret", http.StatusOK},
		{"viewer lacks permission", "watcher", "look", http.StatusForbidden},
		{"wrong password", "ops", "wrong", http.StatusUnauthorized},
		{"no credentials", "", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/admin/usage/u1", nil)
			if tt.username != "" {
				req.SetBasicAuth(tt.username, tt.password)
			}

			rr := httptest.NewRecorder()
			protected.ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("status = %v, want %v", rr.Code, tt.wantStatus)
			}
		})
	}
}

func TestMiddleware_ChallengeHeader(t *testing.T) {
	m := NewMiddleware(NewAuthenticator(NewStaticUserStore()))
	rr := httptest.NewRecorder()

	m.RequireAuth(http.NotFoundHandler()).ServeHTTP(rr, httptest.NewRequest("GET", "/admin", nil))

	if rr.Header().Get("WWW-Authenticate") == "" {
		t.Error("missing WWW-Authenticate header")
	}
}
