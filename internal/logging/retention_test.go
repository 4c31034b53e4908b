package logging_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"plotkeeper/internal/logging"
)

func TestCleanupOldLogsRemovesOnlyExpiredMatches(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "plotkeeperd-old.log")
	fresh := filepath.Join(dir, "plotkeeperd-new.log")
	other := filepath.Join(dir, "notes.txt")
	current := filepath.Join(dir, "plotkeeperd-current.log")
	for _, path := range []string{old, fresh, other, current} {
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
	past := time.Now().AddDate(0, 0, -30)
	for _, path := range []string{old, other, current} {
		if err := os.Chtimes(path, past, past); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}
	alias := filepath.Join(dir, "plotkeeperd.log")
	if err := os.Symlink(current, alias); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	removed := logging.CleanupOldLogs(logging.NewNop(), 7, logging.RetentionTarget{
		Dir:     dir,
		Pattern: "plotkeeperd*.log",
		Exclude: []string{current},
	})
	if removed != 1 {
		t.Fatalf("expected 1 removal, got %d", removed)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatal("expected expired log to be removed")
	}
	for _, path := range []string{fresh, other, current, alias} {
		if _, err := os.Lstat(path); err != nil {
			t.Fatalf("expected %s to remain: %v", path, err)
		}
	}
}

func TestCleanupOldLogsDisabled(t *testing.T) {
	if got := logging.CleanupOldLogs(nil, 0, logging.RetentionTarget{Dir: t.TempDir()}); got != 0 {
		t.Fatalf("expected no removals, got %d", got)
	}
}
