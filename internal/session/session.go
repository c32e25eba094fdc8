// Package session owns the authentication credential and user profile.
// A Session holds the in-memory pair and mirrors every change into a durable
// Store; a Manager drives it through restore, login, register and logout.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/maauso/manimstudio/internal/api"
)

// storeTimeout bounds store writes triggered outside a caller's context.
const storeTimeout = 5 * time.Second

// Compile-time check that Session can authorize backend calls.
var _ api.Credentials = (*Session)(nil)

// Session is the credential/profile pair. Both are set and cleared together.
type Session struct {
	mu    sync.RWMutex
	token string
	user  *api.User

	store   Store
	logger  *slog.Logger
	expired chan error
}

// New creates an empty Session backed by store.
func New(store Store, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		store:   store,
		logger:  logger,
		expired: make(chan error, 1),
	}
}

// Token returns the current credential, or "".
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// User returns a copy of the current profile, or nil.
func (s *Session) User() *api.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return nil
	}
	u := *s.user
	return &u
}

// Authenticated reports whether a credential is present.
func (s *Session) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token != ""
}

// Expired delivers an event each time a live session is invalidated by an
// authorization failure. At most one undelivered event is buffered.
func (s *Session) Expired() <-chan error {
	return s.expired
}

// Expire clears the session after the backend rejected token. Nothing
// happens when token is no longer the current credential.
func (s *Session) Expire(token string, reason error) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if token == "" || !s.clearIf(ctx, token) {
		return
	}

	s.logger.Warn("session expired",
		slog.String("reason", errString(reason)),
	)
	select {
	case s.expired <- reason:
	default:
	}
}

// set persists and then installs a new credential/profile pair.
func (s *Session) set(ctx context.Context, token string, user api.User) error {
	raw, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("session: encode user: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.Set(ctx, KeyToken, token); err != nil {
		return err
	}
	if err := s.store.Set(ctx, KeyUser, string(raw)); err != nil {
		_ = s.store.Delete(ctx, KeyToken)
		return err
	}

	s.token = token
	s.user = &user
	return nil
}

// refreshUser replaces the profile if token is still the current credential.
func (s *Session) refreshUser(ctx context.Context, token string, user api.User) error {
	raw, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("session: encode user: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != token {
		return nil
	}
	if err := s.store.Set(ctx, KeyUser, string(raw)); err != nil {
		return err
	}
	s.user = &user
	return nil
}

// install sets the in-memory pair without writing to the store.
func (s *Session) install(token string, user api.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.user = &user
}

// clear removes the session from memory and the store and reports whether a
// credential was present.
func (s *Session) clear(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clearLocked(ctx)
}

// clearIf clears the session only while token is still the current credential.
func (s *Session) clearIf(ctx context.Context, token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != token {
		return false
	}
	return s.clearLocked(ctx)
}

func (s *Session) clearLocked(ctx context.Context) bool {
	had := s.token != ""
	s.token = ""
	s.user = nil
	if err := s.store.Delete(ctx, KeyToken, KeyUser); err != nil {
		s.logger.Error("failed to clear persisted session",
			slog.String("error", err.Error()),
		)
	}
	return had
}

// load reads the persisted pair. It returns ok=false unless both entries are
// present and the profile decodes.
func (s *Session) load(ctx context.Context) (string, api.User, bool, error) {
	token, err := s.store.Get(ctx, KeyToken)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", api.User{}, false, err
	}
	rawUser, uerr := s.store.Get(ctx, KeyUser)
	if uerr != nil && !errors.Is(uerr, ErrNotFound) {
		return "", api.User{}, false, uerr
	}
	if token == "" || rawUser == "" {
		return "", api.User{}, false, nil
	}

	var user api.User
	if err := json.Unmarshal([]byte(rawUser), &user); err != nil {
		return "", api.User{}, false, fmt.Errorf("session: decode persisted user: %w", err)
	}
	return token, user, true, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
