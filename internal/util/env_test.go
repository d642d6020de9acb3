package util

import (
	"testing"
	"time"
)

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("KG_TEST_INT", "12")
	t.Setenv("KG_TEST_BAD_INT", "twelve")
	t.Setenv("KG_TEST_FLOAT", "0.25")
	t.Setenv("KG_TEST_BOOL", "yes")
	t.Setenv("KG_TEST_MS", "150")
	t.Setenv("KG_TEST_EMPTY", "  ")

	if got := GetEnvInt("KG_TEST_INT", 1); got != 12 {
		t.Fatalf("expected 12, got %d", got)
	}
	if got := GetEnvInt("KG_TEST_BAD_INT", 5); got != 5 {
		t.Fatalf("expected default 5, got %d", got)
	}
	if got := GetEnvNumeric("KG_TEST_FLOAT", 1); got != 0.25 {
		t.Fatalf("expected 0.25, got %v", got)
	}
	if !GetEnvBool("KG_TEST_BOOL", false) {
		t.Fatal("expected true")
	}
	if got := GetEnvMillis("KG_TEST_MS", time.Second); got != 150*time.Millisecond {
		t.Fatalf("expected 150ms, got %v", got)
	}
	if got := GetEnvMillis("KG_TEST_MISSING", time.Second); got != time.Second {
		t.Fatalf("expected default 1s, got %v", got)
	}
	if got := GetEnvString("KG_TEST_EMPTY", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback, got %q", got)
	}
}
