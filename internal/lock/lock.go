// Package lock implements the screen-lock collaborator: a shell command
// invoked as `<lock-command> <username>` whenever a
// continuous session that had authenticated at least once ends. The exit
// status is logged but never acted on; a failing lock command does not
// roll back any session state, since by the time it runs the session has
// already moved past Completed.
package lock

import (
	"context"
	"log/slog"
	"os/exec"
	"time"
)

// defaultTimeout bounds how long Lock waits for the lock command; a
// command still running at that point is killed, so Lock never blocks
// Orchestrator.Stop for longer than this.
const defaultTimeout = 5 * time.Second

// Locker runs the configured lock command for a username.
type Locker struct {
	command string
	args    []string
	timeout time.Duration
	logger  *slog.Logger
}

// New builds a Locker that runs command followed by extraArgs and the
// username, e.g. New("loginctl", []string{"lock-session"}) invokes
// `loginctl lock-session <username>`.
func New(command string, extraArgs []string, logger *slog.Logger) *Locker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Locker{
		command: command,
		args:    extraArgs,
		timeout: defaultTimeout,
		logger:  logger.With(slog.String("component", "lock")),
	}
}

// Lock runs the lock command for username synchronously up to the
// configured timeout, logging its exit status. It implements
// internal/session.Locker.
func (l *Locker) Lock(username string) {
	if l.command == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()

	args := append(append([]string{}, l.args...), username)
	cmd := exec.CommandContext(ctx, l.command, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		l.logger.Warn("lock command failed",
			slog.String("username", username),
			slog.Any("err", err),
			slog.String("output", string(out)))
		return
	}
	l.logger.Info("lock command completed", slog.String("username", username))
}
