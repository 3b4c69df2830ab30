package migrate

import (
	"errors"
	"strings"
	"testing"
)

func TestRun_EmptyDSN(t *testing.T) {
	err := Run("", Up)
	if err == nil {
		t.Fatal("Run with empty DSN should return error")
	}
	if !strings.Contains(err.Error(), "DATABASE_URL is not set") {
		t.Errorf("error = %q, want DATABASE_URL hint", err.Error())
	}
}

func TestParseDirection(t *testing.T) {
	for _, s := range []string{"up", "down"} {
		d, err := ParseDirection(s)
		if err != nil {
			t.Errorf("ParseDirection(%q): %v", s, err)
		}
		if string(d) != s {
			t.Errorf("ParseDirection(%q) = %q", s, d)
		}
	}
	for _, s := range []string{"", "UP", "Up", "left", "both"} {
		if _, err := ParseDirection(s); err == nil {
			t.Errorf("ParseDirection(%q): want error", s)
		}
	}
}

func TestRun_InvalidDirection(t *testing.T) {
	err := Run("postgres://localhost/test", Direction("sideways"))
	if err == nil || !strings.Contains(err.Error(), "direction") {
		t.Errorf("Run with bad direction: want direction error, got %v", err)
	}
}

func TestRun_InvalidDSN(t *testing.T) {
	for _, dsn := range []string{"invalid-dsn", "://localhost/test"} {
		err := Run(dsn, Up)
		if err == nil {
			t.Errorf("Run(%q): want error", dsn)
		}
		if errors.Is(err, ErrNoChange) {
			t.Errorf("Run(%q): ErrNoChange must never surface", dsn)
		}
	}
}
