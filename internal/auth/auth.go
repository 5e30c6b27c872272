// Package auth protects the admin API with HTTP basic auth and bcrypt hashes.
package auth

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrInvalidPassword = errors.New("invalid password")
)

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleViewer Role = "viewer"
)

type Permission string

const (
	PermissionUsageRead Permission = "usage:read"
	PermissionMetrics   Permission = "metrics:read"
)

var rolePermissions = map[Role][]Permission{
	RoleAdmin:  {PermissionUsageRead, PermissionMetrics},
	RoleViewer: {PermissionMetrics},
}

func HasPermission(role Role, permission Permission) bool {
	for _, p := range rolePermissions[role] {
		if p == permission {
			return true
		}
	}
	return false
}

type AdminUser struct {
	Username     string
	PasswordHash string
	Role         Role
}

type UserStore interface {
	GetByUsername(ctx context.Context, username string) (*AdminUser, error)
}

// StaticUserStore holds admin users loaded from configuration.
type StaticUserStore struct {
	mu    sync.RWMutex
	users map[string]*AdminUser
}

func NewStaticUserStore(users ...*AdminUser) *StaticUserStore {
	s := &StaticUserStore{users: make(map[string]*AdminUser)}
	for _, u := range users {
		s.users[u.Username] = u
	}
	return s
}

func (s *StaticUserStore) GetByUsername(ctx context.Context, username string) (*AdminUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	return u, nil
}

type Authenticator struct {
	users UserStore
}

func NewAuthenticator(users UserStore) *Authenticator {
	return &Authenticator{users: users}
}

func (a *Authenticator) Authenticate(ctx context.Context, username, password string) (*AdminUser, error) {
	user, err := a.users.GetByUsername(ctx, username)
	if err != nil {
		return nil, ErrUserNotFound
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidPassword
	}
	return user, nil
}

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

type contextKey string

const userContextKey contextKey = "admin_user"

func WithUser(ctx context.Context, user *AdminUser) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

func UserFromContext(ctx context.Context) (*AdminUser, bool) {
	user, ok := ctx.Value(userContextKey).(*AdminUser)
	return user, ok
}

type Middleware struct {
	auth *Authenticator
}

func NewMiddleware(auth *Authenticator) *Middleware {
	return &Middleware{auth: auth}
}

func (m *Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="quotaguard admin"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		user, err := m.auth.Authenticate(r.Context(), username, password)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

func (m *Middleware) RequirePermission(permission Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := UserFromContext(r.Context())
			if !ok {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			if !HasPermission(user.Role, permission) {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
