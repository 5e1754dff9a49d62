// Package session holds the authenticated identity and bearer token for one
// client, persisting both to local storage.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"giglink/crypto"
	"giglink/logging"
	"giglink/models"
	"giglink/storage"
)

// Status is the authentication state of a session.
type Status string

const (
	StatusAuthenticated   Status = "authenticated"
	StatusUnauthenticated Status = "unauthenticated"
)

// ErrNotAuthenticated is returned by operations that need a logged-in user.
var ErrNotAuthenticated = errors.New("session: not authenticated")

// LocalStorage is the key/value store the session persists into.
type LocalStorage interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(keys ...string) error
}

// Options configures a Session.
type Options struct {
	Storage LocalStorage
	// SealKey, when set, encrypts the stored bearer token at rest.
	SealKey []byte
	Logger  zerolog.Logger

	OnLogin  func(user models.UserSummary, token string)
	OnLogout func()
}

// Session is the explicitly constructed replacement for a global auth context.
type Session struct {
	options Options
	logger  zerolog.Logger

	mu    sync.RWMutex
	user  models.UserSummary
	token string
}

// New creates an unauthenticated session.
func New(options Options) (*Session, error) {
	if options.Storage == nil {
		return nil, errors.New("storage is required")
	}
	return &Session{
		options: options,
		logger:  logging.Component(options.Logger, "session"),
	}, nil
}

// Restore re-hydrates the session from local storage. A missing token leaves
// the session unauthenticated without error.
func (s *Session) Restore() error {
	rawToken, err := s.options.Storage.Get(storage.KeyAuthToken)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("restore token: %w", err)
	}

	token, err := s.openToken(rawToken)
	if err != nil {
		return fmt.Errorf("restore token: %w", err)
	}

	var user models.UserSummary
	rawUser, err := s.options.Storage.Get(storage.KeyCurrentUser)
	switch {
	case err == nil:
		if err := json.Unmarshal(rawUser, &user); err != nil {
			return fmt.Errorf("decode stored user: %w", err)
		}
	case !errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("restore user: %w", err)
	}
	if user.ID == "" {
		return nil
	}

	s.mu.Lock()
	s.user = user
	s.token = token
	s.mu.Unlock()

	s.logger.Debug().Str("user_id", user.ID).Msg("session restored")
	return nil
}

// Login records credentials, persists them and fires OnLogin.
func (s *Session) Login(user models.UserSummary, token string) error {
	if user.ID == "" {
		return errors.New("user id is required")
	}
	if token == "" {
		return errors.New("token is required")
	}

	sealed, err := s.sealToken(token)
	if err != nil {
		return fmt.Errorf("seal token: %w", err)
	}
	rawUser, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("encode user: %w", err)
	}
	if err := s.options.Storage.Set(storage.KeyAuthToken, sealed); err != nil {
		return err
	}
	if err := s.options.Storage.Set(storage.KeyCurrentUser, rawUser); err != nil {
		return err
	}

	s.mu.Lock()
	s.user = user
	s.token = token
	s.mu.Unlock()

	s.logger.Info().Str("user_id", user.ID).Msg("logged in")
	if s.options.OnLogin != nil {
		s.options.OnLogin(user, token)
	}
	return nil
}

// Logout clears credentials from memory and local storage and fires OnLogout.
func (s *Session) Logout() error {
	return s.clear("logged out")
}

// Invalidate is the reaction to an authentication failure from the backend.
// It is fatal for the session: the token is discarded and the user must log in again.
func (s *Session) Invalidate() {
	if err := s.clear("session invalidated"); err != nil {
		s.logger.Error().Err(err).Msg("clear invalidated session")
	}
}

func (s *Session) clear(reason string) error {
	s.mu.Lock()
	wasAuthenticated := s.token != ""
	s.user = models.UserSummary{}
	s.token = ""
	s.mu.Unlock()

	if err := s.options.Storage.Delete(storage.KeyAuthToken, storage.KeyCurrentUser); err != nil {
		return err
	}
	if !wasAuthenticated {
		return nil
	}

	s.logger.Info().Msg(reason)
	if s.options.OnLogout != nil {
		s.options.OnLogout()
	}
	return nil
}

// Status reports whether a token is held.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" {
		return StatusUnauthenticated
	}
	return StatusAuthenticated
}

// User returns the current identity.
func (s *Session) User() (models.UserSummary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user, s.token != ""
}

// UserID returns the current user id, or "" when unauthenticated.
func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user.ID
}

// Token returns the bearer token, or "" when unauthenticated.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *Session) sealToken(token string) ([]byte, error) {
	if len(s.options.SealKey) == 0 {
		return []byte(token), nil
	}
	return crypto.Seal(s.options.SealKey, []byte(token), []byte(storage.KeyAuthToken))
}

func (s *Session) openToken(raw []byte) (string, error) {
	if len(s.options.SealKey) == 0 {
		return string(raw), nil
	}
	plain, err := crypto.Open(s.options.SealKey, raw, []byte(storage.KeyAuthToken))
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
