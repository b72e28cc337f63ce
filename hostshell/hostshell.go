// Package hostshell owns the agent session behind a standalone app
// presentation: the session is started and resumed when the presentation
// opens and stopped when it closes.
package hostshell

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ggoodman/mcp-app-bridge/internal/logctx"
)

var (
	// ErrAlreadyOpened is returned by a second Open.
	ErrAlreadyOpened = errors.New("hostshell: presentation already opened")
	// ErrClosed is returned by Open after Close.
	ErrClosed = errors.New("hostshell: presentation closed")
)

// ResumeOptions controls what a resumed session loads.
type ResumeOptions struct {
	LoadModelAndExtensions bool
}

// SessionService manages agent sessions.
type SessionService interface {
	StartSession(ctx context.Context, workingDir string) (string, error)
	ResumeSession(ctx context.Context, sessionID string, opts ResumeOptions) error
	StopSession(ctx context.Context, sessionID string) error
}

// Standalone is the session lifecycle of one standalone presentation.
type Standalone struct {
	svc        SessionService
	workingDir string
	log        *slog.Logger

	mu        sync.Mutex
	sessionID string
	opened    bool
	closed    bool
}

// StandaloneOption configures a Standalone.
type StandaloneOption func(*Standalone)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) StandaloneOption {
	return func(s *Standalone) { s.log = l }
}

// NewStandalone creates an unopened presentation.
func NewStandalone(svc SessionService, workingDir string, opts ...StandaloneOption) *Standalone {
	s := &Standalone{svc: svc, workingDir: workingDir, log: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logctx.Wrap(s.log)
	return s
}

// Open starts a session and resumes it with the model and extensions
// loaded. It runs at most once. If resuming fails the session is stopped.
func (s *Standalone) Open(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return "", ErrClosed
	case s.opened:
		return "", ErrAlreadyOpened
	}
	s.opened = true

	id, err := s.svc.StartSession(ctx, s.workingDir)
	if err != nil {
		s.closed = true
		return "", fmt.Errorf("start session: %w", err)
	}
	s.sessionID = id
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: id})

	if err := s.svc.ResumeSession(ctx, id, ResumeOptions{LoadModelAndExtensions: true}); err != nil {
		s.stopLocked(ctx)
		return "", fmt.Errorf("resume session: %w", err)
	}
	s.log.InfoContext(ctx, "hostshell.session.open")
	return id, nil
}

// SessionID returns the session of an opened presentation.
func (s *Standalone) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Close stops the session. It runs at most once; failures are logged
// because the presentation is going away regardless.
func (s *Standalone) Close(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.sessionID == "" {
		s.closed = true
		return
	}
	s.stopLocked(logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: s.sessionID}))
}

func (s *Standalone) stopLocked(ctx context.Context) {
	s.closed = true
	if err := s.svc.StopSession(ctx, s.sessionID); err != nil {
		s.log.WarnContext(ctx, "hostshell.session.stop_fail", slog.String("err", err.Error()))
		return
	}
	s.log.InfoContext(ctx, "hostshell.session.stop")
}
