package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
)

// Credentials is the basic-auth pair the tokenization proxy expects.
// Always swapped as a whole: readers never observe a username from one
// refresh paired with a password from another.
type Credentials struct {
	Username string
	Password string
}

// Backend is the secret storage edge. Implementations fetch one named
// secret; delivery failures are surfaced to the caller, which decides
// whether they are fatal.
type Backend interface {
	FetchSecret(ctx context.Context, name string) (string, error)
}

type Store struct {
	backend        Backend
	usernameSecret string
	passwordSecret string
	current        atomic.Pointer[Credentials]
	logger         *slog.Logger
}

func NewStore(backend Backend, usernameSecret, passwordSecret string, logger *slog.Logger) *Store {
	s := &Store{
		backend:        backend,
		usernameSecret: usernameSecret,
		passwordSecret: passwordSecret,
		logger:         logger,
	}
	s.current.Store(&Credentials{})
	return s
}

func (s *Store) Current() Credentials {
	return *s.current.Load()
}

// Load performs the startup read. Unlike Refresh, a failure here is
// returned to the caller: a worker with no credentials at all has nothing
// useful to do.
func (s *Store) Load(ctx context.Context) error {
	creds, err := s.fetch(ctx)
	if err != nil {
		return fmt.Errorf("initial credential load: %w", err)
	}
	s.current.Store(creds)
	return nil
}

// Refresh re-reads both secrets and swaps the full pair in one store.
// On backend failure the prior credentials stay in place so the caller's
// next attempt fails fast with another 401 instead of looping here.
func (s *Store) Refresh(ctx context.Context) error {
	creds, err := s.fetch(ctx)
	if err != nil {
		s.logger.Error("credential refresh failed, keeping previous credentials",
			"error", err)
		return err
	}

	s.current.Store(creds)
	s.logger.Info("proxy credentials refreshed from secret backend")
	return nil
}

func (s *Store) fetch(ctx context.Context) (*Credentials, error) {
	username, err := s.backend.FetchSecret(ctx, s.usernameSecret)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", s.usernameSecret, err)
	}

	password, err := s.backend.FetchSecret(ctx, s.passwordSecret)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", s.passwordSecret, err)
	}

	return &Credentials{Username: username, Password: password}, nil
}

// EnvBackend reads secrets from environment variables. Used for local
// development where no vault is available.
type EnvBackend struct{}

func (EnvBackend) FetchSecret(_ context.Context, name string) (string, error) {
	value, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("secret %s not set", name)
	}
	return value, nil
}
