package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew_Levels(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug": zapcore.DebugLevel,
		"WARN":  zapcore.WarnLevel,
		"error": zapcore.ErrorLevel,
		"bogus": zapcore.InfoLevel,
		"":      zapcore.InfoLevel,
	}
	for in, want := range cases {
		l, err := New(in, "development")
		if err != nil {
			t.Fatalf("New(%q): %v", in, err)
		}
		if !l.Core().Enabled(want) {
			t.Errorf("New(%q): level %v should be enabled", in, want)
		}
		if want > zapcore.DebugLevel && l.Core().Enabled(want-1) {
			t.Errorf("New(%q): level %v should be disabled", in, want-1)
		}
	}
}

func TestNew_Production(t *testing.T) {
	l, err := New("info", "production")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if l == nil {
		t.Fatal("nil logger")
	}
}

func TestWithComponentAndHashPrefix(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	l := WithComponent(zap.New(core), "rotation")
	l.Info("rotated", HashPrefix("0123456789abcdef"))

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["component"] != "rotation" {
		t.Errorf("component = %v", fields["component"])
	}
	if fields["token_hash_prefix"] != "01234567" {
		t.Errorf("token_hash_prefix = %v", fields["token_hash_prefix"])
	}
}
