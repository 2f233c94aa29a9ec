package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func captureJSON(t *testing.T) *bytes.Buffer {
	t.Helper()
	prev := Logger()
	t.Cleanup(func() { SetLogger(prev) })

	var buf bytes.Buffer
	SetLogger(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	return &buf
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := parseLevel(tt.input); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		input   string
		want    int64
		wantErr bool
	}{
		{"512", 512, false},
		{"512B", 512, false},
		{"4KB", 4 << 10, false},
		{"100MB", 100 << 20, false},
		{"1gb", 1 << 30, false},
		{"0MB", 0, true},
		{"lots", 0, true},
	}

	for _, tt := range tests {
		got, err := parseSize(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseSize(%q) expected error", tt.input)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseSize(%q) unexpected error: %v", tt.input, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseSize(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		input string
		want  time.Duration
	}{
		{"7d", 7 * 24 * time.Hour},
		{"2w", 14 * 24 * time.Hour},
		{"90m", 90 * time.Minute},
	}

	for _, tt := range tests {
		got, err := parseDuration(tt.input)
		if err != nil {
			t.Fatalf("parseDuration(%q): %v", tt.input, err)
		}
		if got != tt.want {
			t.Errorf("parseDuration(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}

	if _, err := parseDuration("xd"); err == nil {
		t.Error("expected error for malformed day count")
	}
}

func TestContextValuesAttached(t *testing.T) {
	buf := captureJSON(t)

	ctx := ContextWithTaskID(context.Background(), 42)
	ctx = ContextWithComponent(ctx, "pipeline")
	ctx = ContextWithPipeline(ctx, 7)
	ctx = ContextWithDecisionID(ctx, "dec-1")

	InfoContext(ctx, "block finished")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON output: %v", err)
	}
	if entry["task_id"] != float64(42) {
		t.Errorf("task_id = %v", entry["task_id"])
	}
	if entry["component"] != "pipeline" {
		t.Errorf("component = %v", entry["component"])
	}
	if entry["pipeline_id"] != float64(7) {
		t.Errorf("pipeline_id = %v", entry["pipeline_id"])
	}
	if entry["decision_id"] != "dec-1" {
		t.Errorf("decision_id = %v", entry["decision_id"])
	}
}

func TestWithHelpers(t *testing.T) {
	buf := captureJSON(t)

	WithComponent("scheduler").Info("tick")
	WithTask(3).Warn("stale")
	WithDecision("abc").Error("expired")

	out := buf.String()
	for _, want := range []string{`"component":"scheduler"`, `"task_id":3`, `"decision_id":"abc"`} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %s:\n%s", want, out)
		}
	}
}

func TestInitFileOutputRotates(t *testing.T) {
	prev := Logger()
	t.Cleanup(func() { SetLogger(prev) })

	path := filepath.Join(t.TempDir(), "logs", "warden.log")
	err := Init(&Config{
		Level:    "info",
		Format:   "json",
		Output:   path,
		Rotation: &RotationConfig{MaxSize: "1KB", MaxBackups: 2},
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	payload := strings.Repeat("x", 300)
	for i := 0; i < 20; i++ {
		Info("filler", "payload", payload)
	}

	for _, name := range []string{path, path + ".1", path + ".2"} {
		if _, err := os.Stat(name); err != nil {
			t.Errorf("expected %s to exist: %v", name, err)
		}
	}
	if _, err := os.Stat(path + ".3"); !os.IsNotExist(err) {
		t.Errorf("expected at most 2 backups, found %s.3", path)
	}
}

func TestRotatingFilePrunesExpiredBackups(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "warden.log")

	old := path + ".1"
	if err := os.WriteFile(old, []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}
	stale := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(old, stale, stale); err != nil {
		t.Fatal(err)
	}

	w, err := newRotatingFile(path, &RotationConfig{MaxAge: "1d"})
	if err != nil {
		t.Fatalf("newRotatingFile: %v", err)
	}
	defer func() { _ = w.(*rotatingFile).Close() }()

	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("expired backup was not pruned")
	}
}

func TestInitRejectsBadRotation(t *testing.T) {
	prev := Logger()
	t.Cleanup(func() { SetLogger(prev) })

	err := Init(&Config{
		Output:   filepath.Join(t.TempDir(), "warden.log"),
		Rotation: &RotationConfig{MaxSize: "huge"},
	})
	if err == nil {
		t.Fatal("expected error for invalid max_size")
	}
}

func TestInitRedactsSecrets(t *testing.T) {
	prev := Logger()
	t.Cleanup(func() { SetLogger(prev) })

	path := filepath.Join(t.TempDir(), "warden.log")
	if err := Init(&Config{Level: "info", Format: "json", Output: path}); err != nil {
		t.Fatalf("Init: %v", err)
	}

	Info("decision link built", "decision_id", "d-1", "token", "s3cret-token", "API_KEY", "sk-live")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	if strings.Contains(out, "s3cret-token") || strings.Contains(out, "sk-live") {
		t.Errorf("secret leaked into log: %s", out)
	}
	if !strings.Contains(out, `"token":"[redacted]"`) || !strings.Contains(out, `"decision_id":"d-1"`) {
		t.Errorf("unexpected output: %s", out)
	}
}
