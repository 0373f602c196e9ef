package logger

import (
	"bytes"
	"strings"
	"testing"
)

func TestConfigureInvalidLevel(t *testing.T) {
	l := Logger()
	if err := l.Configure("nope", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestConfigureInvalidFormat(t *testing.T) {
	l := Logger()
	if err := l.Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid format")
	}
}

func TestWithComponentField(t *testing.T) {
	l := Logger()
	var buf bytes.Buffer
	l.SetOutput(&buf)
	if err := l.Configure("info", "json", "stdout", 0); err != nil {
		t.Fatalf("configure: %v", err)
	}
	l.SetOutput(&buf)

	l.WithComponent("session").Info("hello")
	if !strings.Contains(buf.String(), `"component":"session"`) {
		t.Fatalf("component field missing from output: %s", buf.String())
	}
}

func TestWarnIncrementsCounter(t *testing.T) {
	l := Logger()
	var buf bytes.Buffer
	l.SetOutput(&buf)
	before := WarnCount()
	l.WithComponent("session").Warn("oops")
	if WarnCount() != before+1 {
		t.Fatalf("warn counter not incremented")
	}
}
