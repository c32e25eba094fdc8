package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/maauso/manimstudio/internal/api"
)

// ErrMalformedResponse is reported when the backend answers without a token or user.
var ErrMalformedResponse = errors.New("session: malformed response")

const (
	msgLoginFailed    = "login failed"
	msgRegisterFailed = "registration failed"
	msgMalformed      = "malformed response"
)

// Authenticator is the part of the backend the Manager needs.
type Authenticator interface {
	Login(ctx context.Context, req api.LoginRequest) (api.AuthResponse, error)
	Register(ctx context.Context, req api.RegisterRequest) (api.AuthResponse, error)
	Profile(ctx context.Context) (api.User, error)
}

// Result is the outcome of a login or registration attempt.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// LoginInput holds the credentials for a login attempt.
type LoginInput struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// RegisterInput holds the fields for creating an account.
type RegisterInput struct {
	Username        string `json:"username" validate:"required,min=3,max=50"`
	Email           string `json:"email" validate:"required,email"`
	Password        string `json:"password" validate:"required,min=6"`
	ConfirmPassword string `json:"confirm_password,omitempty" validate:"omitempty,eqfield=Password"`
}

// Manager runs the session lifecycle against the backend.
type Manager struct {
	session   *Session
	auth      Authenticator
	validator *validator.Validate
	logger    *slog.Logger

	restoreOnce sync.Once
	restored    chan struct{}
}

// NewManager creates a Manager for sess.
func NewManager(sess *Session, auth Authenticator, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		session:   sess,
		auth:      auth,
		validator: validator.New(),
		logger:    logger,
		restored:  make(chan struct{}),
	}
}

// Session returns the managed session.
func (m *Manager) Session() *Session {
	return m.session
}

// Loading reports whether Restore has not finished yet.
func (m *Manager) Loading() bool {
	select {
	case <-m.restored:
		return false
	default:
		return true
	}
}

// Restore loads a persisted session. When both the credential and profile
// are present they become active immediately and the credential is checked
// against the backend in the background; a rejected credential is cleared
// unless a newer login replaced it meanwhile. A partially persisted session
// is discarded. The returned channel closes once the persisted state has
// been read. Later calls return the same channel.
func (m *Manager) Restore(ctx context.Context) <-chan struct{} {
	m.restoreOnce.Do(func() {
		defer close(m.restored)

		token, user, ok, err := m.session.load(ctx)
		if err != nil {
			m.logger.Error("failed to read persisted session",
				slog.String("error", err.Error()),
			)
		}
		if !ok {
			m.session.clear(ctx)
			return
		}

		m.session.install(token, user)
		m.logger.Info("session restored",
			slog.Int64("user_id", user.ID),
			slog.String("username", user.Username),
		)

		go m.revalidate(context.WithoutCancel(ctx), token)
	})
	return m.restored
}

// revalidate checks a restored credential and refreshes the profile.
func (m *Manager) revalidate(ctx context.Context, token string) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout*6)
	defer cancel()

	user, err := m.auth.Profile(ctx)
	if err != nil {
		m.logger.Warn("restored session rejected",
			slog.String("error", err.Error()),
		)
		m.session.clearIf(ctx, token)
		return
	}
	if err := m.session.refreshUser(ctx, token, user); err != nil {
		m.logger.Error("failed to persist refreshed profile",
			slog.String("error", err.Error()),
		)
	}
}

// Login authenticates with the backend and installs the returned session.
func (m *Manager) Login(ctx context.Context, in LoginInput) Result {
	if err := m.validator.Struct(in); err != nil {
		return Result{Error: validationMessage(err)}
	}

	resp, err := m.auth.Login(ctx, api.LoginRequest{
		Username: strings.TrimSpace(in.Username),
		Password: in.Password,
	})
	return m.accept(ctx, "login", resp, err, msgLoginFailed)
}

// Register creates an account and installs the returned session.
func (m *Manager) Register(ctx context.Context, in RegisterInput) Result {
	if err := m.validator.Struct(in); err != nil {
		return Result{Error: validationMessage(err)}
	}

	resp, err := m.auth.Register(ctx, api.RegisterRequest{
		Username: strings.TrimSpace(in.Username),
		Email:    strings.TrimSpace(in.Email),
		Password: in.Password,
	})
	return m.accept(ctx, "register", resp, err, msgRegisterFailed)
}

func (m *Manager) accept(ctx context.Context, op string, resp api.AuthResponse, err error, fallback string) Result {
	if err != nil {
		m.logger.Warn(op+" failed",
			slog.Int("status", api.StatusCode(err)),
			slog.String("error", err.Error()),
		)
		return Result{Error: api.Message(err, fallback)}
	}
	if resp.Token == "" || resp.User == nil {
		m.logger.Warn(op+" failed",
			slog.String("error", ErrMalformedResponse.Error()),
		)
		return Result{Error: msgMalformed}
	}

	if err := m.session.set(ctx, resp.Token, *resp.User); err != nil {
		m.logger.Error("failed to persist session",
			slog.String("op", op),
			slog.String("error", err.Error()),
		)
		return Result{Error: fallback}
	}

	m.logger.Info(op+" succeeded",
		slog.Int64("user_id", resp.User.ID),
		slog.String("username", resp.User.Username),
	)
	return Result{Success: true}
}

// Logout clears the session locally. No backend call is made.
func (m *Manager) Logout(ctx context.Context) {
	if m.session.clear(ctx) {
		m.logger.Info("logged out")
	}
}

// validationMessage renders the first failed rule as user-facing text.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}

	fe := verrs[0]
	field := fieldLabel(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "email":
		return "email address is invalid"
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
	case "eqfield":
		return "passwords do not match"
	default:
		return field + " is invalid"
	}
}

func fieldLabel(name string) string {
	switch name {
	case "ConfirmPassword":
		return "password confirmation"
	default:
		return strings.ToLower(name)
	}
}
