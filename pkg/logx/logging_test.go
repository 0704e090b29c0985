package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestServiceJSONFormat(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	_, log := NewWithWriter(Config{Level: "debug", Format: "json", Console: true}, &buf)
	log.With(String("comp", "sweeper")).Info("tick done", Int("sent", 2), Err(errors.New("boom")))

	line := strings.TrimSpace(buf.String())
	var m map[string]any
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		t.Fatalf("output is not JSON: %q (%v)", line, err)
	}
	if m["message"] != "tick done" || m["comp"] != "sweeper" || m["err"] != "boom" {
		t.Fatalf("unexpected fields: %v", m)
	}
	if m["sent"] != float64(2) {
		t.Fatalf("sent = %v, want 2", m["sent"])
	}
}

func TestServiceApplyLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	svc, log := NewWithWriter(Config{Level: "warn", Format: "json", Console: true}, &buf)
	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info logged at warn level: %q", buf.String())
	}
	if log.Enabled(LevelInfo) {
		t.Fatalf("Enabled(info) = true at warn level")
	}

	svc.Apply(Config{Level: "info", Format: "json", Console: true})
	log.Info("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Fatalf("info not logged after Apply: %q", buf.String())
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()

	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero Logger IsZero = false")
	}
	l.Info("no panic", String("k", "v"))
	Nop().With(Int("n", 1)).Error("still no panic")
}
