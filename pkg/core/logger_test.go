package core

import (
	"bytes"
	"strings"
	"testing"
)

func TestLeveledLogger_Threshold(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLeveledLogger(&buf, LevelWarn)

	logger.Errorf("disk %s", "full")
	logger.Warn("slow consumer")
	logger.Info("started")
	logger.Debug("poll tick")

	out := buf.String()
	if !strings.Contains(out, "[ERROR] disk full") {
		t.Errorf("Expected error line, got %q", out)
	}
	if !strings.Contains(out, "[WARN] slow consumer") {
		t.Errorf("Expected warn line, got %q", out)
	}
	if strings.Contains(out, "started") || strings.Contains(out, "poll tick") {
		t.Errorf("Levels below the threshold must be dropped, got %q", out)
	}
}

func TestLeveledLogger_DebugPassesEverything(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLeveledLogger(&buf, LevelDebug)

	logger.Info("one")
	logger.Debugf("two %d", 2)

	if got := strings.Count(buf.String(), "\n"); got != 2 {
		t.Errorf("Expected 2 lines, got %d: %q", got, buf.String())
	}
}

func TestNopLogger_Discards(t *testing.T) {
	var l Logger = NopLogger{}
	l.Error("ignored")
	l.Infof("ignored %d", 1)
}
