package lock_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pico-continuousd/pico-continuousd/internal/lock"
)

func TestLockInvokesCommandWithUsername(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "invoked")

	script := filepath.Join(dir, "lock.sh")
	contents := "#!/bin/sh\necho \"$1\" > " + marker + "\n"
	if err := os.WriteFile(script, []byte(contents), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	l := lock.New(script, nil, nil)
	l.Lock("alice")

	got, err := os.ReadFile(marker)
	if err != nil {
		t.Fatalf("expected marker file written by lock command: %v", err)
	}
	if string(got) != "alice\n" {
		t.Fatalf("expected username argument 'alice', got %q", got)
	}
}

func TestLockWithEmptyCommandIsNoop(t *testing.T) {
	l := lock.New("", nil, nil)
	l.Lock("bob")
}

func TestLockSwallowsCommandFailure(t *testing.T) {
	l := lock.New("/nonexistent/lock-command", nil, nil)
	l.Lock("carol")
}
