package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	tests := map[string]string{
		"debug":   "DEBUG",
		"info":    "INFO",
		"warn":    "WARN",
		"error":   "ERROR",
		"":        "INFO",
		"verbose": "INFO",
	}
	for in, want := range tests {
		if got := parseLogLevel(in).String(); got != want {
			t.Errorf("parseLogLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestRunOnceCommand(t *testing.T) {
	dir := t.TempDir()
	configFile = filepath.Join(dir, "config.yaml")
	cfg := "database:\n  path: " + filepath.Join(dir, "flow.db") + "\nlogging:\n  level: error\n"
	if err := os.WriteFile(configFile, []byte(cfg), 0644); err != nil {
		t.Fatal(err)
	}

	if err := runMigrate(migrateCmd, nil); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := runConfigValidate(configValidateCmd, nil); err != nil {
		t.Fatalf("config validate: %v", err)
	}
	if err := runRunOnce(runOnceCmd, nil); err != nil {
		t.Fatalf("run-once: %v", err)
	}
}
