package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLoggerWritesHistoryFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "humidity-manager.log")

	logger, closeLog, err := newLogger("warn", path, false)
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}
	logger.Info("humidity at 55.0, below lower limit of 60.0")
	logger.Debug("dropped everywhere")
	_ = logger.Sync()
	closeLog()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "below lower limit") {
		t.Errorf("history file missing info entry:\n%s", data)
	}
	if strings.Contains(string(data), "dropped everywhere") {
		t.Errorf("history file should not contain debug entries:\n%s", data)
	}
}

func TestNewLoggerRejectsBadLevel(t *testing.T) {
	if _, _, err := newLogger("loud", "", false); err == nil {
		t.Error("expected an error for an unknown level")
	}
}
